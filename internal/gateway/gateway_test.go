package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "remindd/pkg/logx"
)

func TestWebhookClassification(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		body        string
		wantInvalid bool
		wantErr     bool
		wantRef     string
	}{
		{"ok", 200, `{"id":"m-1"}`, false, false, "m-1"},
		{"accepted no body", 202, ``, false, false, ""},
		{"gone", 410, ``, true, true, ""},
		{"not found", 404, `{"error":"unknown"}`, true, true, ""},
		{"invalid body", 400, `{"error":"invalid-address"}`, true, true, ""},
		{"server error", 503, `oops`, false, true, ""},
		{"rate limited", 429, `{"error":"slow down"}`, false, true, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var got webhookRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Header.Get("Authorization") != "Bearer secret" {
					t.Errorf("missing bearer token")
				}
				_ = json.NewDecoder(r.Body).Decode(&got)
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			g, err := NewWebhook(Config{WebhookURL: srv.URL, WebhookToken: "secret"}, logx.Nop())
			if err != nil {
				t.Fatal(err)
			}
			rc, err := g.Send(context.Background(), Message{Address: "dev-1", Title: "T", Body: "B"})
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if errors.Is(err, ErrInvalidAddress) != tc.wantInvalid {
				t.Fatalf("invalid = %v, want %v (%v)", errors.Is(err, ErrInvalidAddress), tc.wantInvalid, err)
			}
			if rc.Ref != tc.wantRef {
				t.Fatalf("ref = %q, want %q", rc.Ref, tc.wantRef)
			}
			if got.Address != "dev-1" || got.Body != "B" {
				t.Fatalf("request = %+v", got)
			}
		})
	}
}

func TestWebhookTimeoutIsTransient(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	g, err := NewWebhook(Config{WebhookURL: srv.URL}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Send(ctx, Message{Address: "dev-1", Body: "x"})
	if err == nil || errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestNewWebhookRejectsBadURL(t *testing.T) {
	t.Parallel()
	if _, err := NewWebhook(Config{WebhookURL: "ftp://x"}, logx.Nop()); err == nil {
		t.Fatal("expected error")
	}
}

func fakeTelegram(t *testing.T, handler func(method string, form map[string]any) string) *Telegram {
	t.Helper()
	return fakeTelegramWait(t, 2*time.Second, handler)
}

func fakeTelegramWait(t *testing.T, lateWait time.Duration, handler func(method string, form map[string]any) string) *Telegram {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
		form := map[string]any{}
		_ = json.NewDecoder(r.Body).Decode(&form)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, handler(method, form))
	}))
	t.Cleanup(srv.Close)
	b, err := tele.NewBot(tele.Settings{URL: srv.URL, Token: "TEST", Offline: true})
	if err != nil {
		t.Fatal(err)
	}
	return newTelegramWithBot(b, lateWait)
}

func TestTelegramSend(t *testing.T) {
	t.Parallel()
	g := fakeTelegram(t, func(method string, form map[string]any) string {
		if method != "sendMessage" {
			return `{"ok":false,"error_code":404,"description":"Not Found"}`
		}
		return `{"ok":true,"result":{"message_id":7,"date":1,"chat":{"id":42,"type":"private"}}}`
	})
	rc, err := g.Send(context.Background(), Message{Address: "42", Title: "Study reminder", Body: "go"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if rc.Ref != "42/7" {
		t.Fatalf("ref = %q", rc.Ref)
	}
}

func TestTelegramChatNotFoundIsInvalid(t *testing.T) {
	t.Parallel()
	g := fakeTelegram(t, func(string, map[string]any) string {
		return `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`
	})
	_, err := g.Send(context.Background(), Message{Address: "42", Body: "go"})
	if !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected invalid address, got %v", err)
	}
}

func TestTelegramServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	g := fakeTelegram(t, func(string, map[string]any) string {
		return `{"ok":false,"error_code":502,"description":"Bad Gateway"}`
	})
	_, err := g.Send(context.Background(), Message{Address: "42", Body: "go"})
	if err == nil || errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestTelegramLateSuccessIsDelivered(t *testing.T) {
	t.Parallel()
	g := fakeTelegram(t, func(string, map[string]any) string {
		time.Sleep(200 * time.Millisecond)
		return `{"ok":true,"result":{"message_id":9,"date":1,"chat":{"id":42,"type":"private"}}}`
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	rc, err := g.Send(ctx, Message{Address: "42", Body: "go"})
	if err != nil {
		t.Fatalf("late success reported as %v; the next tick would send it again", err)
	}
	if rc.Ref != "42/9" {
		t.Fatalf("ref = %q", rc.Ref)
	}
}

func TestTelegramGivesUpAfterLateWait(t *testing.T) {
	t.Parallel()
	g := fakeTelegramWait(t, 30*time.Millisecond, func(string, map[string]any) string {
		time.Sleep(300 * time.Millisecond)
		return `{"ok":true,"result":{"message_id":9,"date":1,"chat":{"id":42,"type":"private"}}}`
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := g.Send(ctx, Message{Address: "42", Body: "go"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestParseChatAddress(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in     string
		chat   int64
		thread int
		ok     bool
	}{
		{"42", 42, 0, true},
		{"-1001234:15", -1001234, 15, true},
		{"abc", 0, 0, false},
		{"42:x", 0, 0, false},
		{"", 0, 0, false},
	}
	for _, tc := range cases {
		chat, thread, err := ParseChatAddress(tc.in)
		if (err == nil) != tc.ok || chat != tc.chat || thread != tc.thread {
			t.Fatalf("%q: got %d %d %v", tc.in, chat, thread, err)
		}
		if err != nil && !errors.Is(err, ErrInvalidAddress) {
			t.Fatalf("%q: error not classified invalid: %v", tc.in, err)
		}
	}
}

func TestLogGatewayAndAlertSender(t *testing.T) {
	t.Parallel()
	g := NewLog(logx.Nop())
	a := AlertSender{Gateway: g, Address: "ops", Title: "remindd"}
	if err := a.SendAlert(context.Background(), "disk full"); err != nil {
		t.Fatal(err)
	}
	sent := g.Sent()
	if len(sent) != 1 || sent[0].Text() != "remindd\ndisk full" {
		t.Fatalf("sent = %+v", sent)
	}
	if _, err := g.Send(context.Background(), Message{Address: "invalid:x"}); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected invalid, got %v", err)
	}
}
