package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	logx "remindd/pkg/logx"
)

// Webhook posts each message as JSON to a push provider endpoint.
//
// Request:  {"address","title","body","metadata"}
// Response: 2xx with optional {"id": "..."}; 404/410 or
// {"error":"invalid-address"} mean the address is gone for good.
type Webhook struct {
	url    string
	token  string
	client *http.Client
	log    logx.Logger
}

type webhookRequest struct {
	Address  string            `json:"address"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type webhookResponse struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

func NewWebhook(cfg Config, log logx.Logger) (*Webhook, error) {
	raw := strings.TrimSpace(cfg.WebhookURL)
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook: invalid url %q", raw)
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    raw,
		token:  strings.TrimSpace(cfg.WebhookToken),
		client: &http.Client{Timeout: timeout},
		log:    log,
	}, nil
}

func (g *Webhook) Name() string { return "webhook" }

func (g *Webhook) Send(ctx context.Context, msg Message) (Receipt, error) {
	if strings.TrimSpace(msg.Address) == "" {
		return Receipt{}, InvalidAddress("empty address")
	}
	body, err := json.Marshal(webhookRequest{
		Address:  msg.Address,
		Title:    msg.Title,
		Body:     msg.Body,
		Metadata: msg.Metadata,
	})
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Receipt{}, ctxErr
		}
		return Receipt{}, fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var wr webhookResponse
	_ = json.Unmarshal(raw, &wr)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return Receipt{}, InvalidAddress(fmt.Sprintf("provider returned %d", resp.StatusCode))
	case strings.EqualFold(wr.Error, "invalid-address"):
		return Receipt{}, InvalidAddress("provider rejected address")
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return Receipt{Ref: wr.ID, At: time.Now()}, nil
	}
	detail := strings.TrimSpace(wr.Error)
	if detail == "" {
		detail = strings.TrimSpace(string(raw))
	}
	return Receipt{}, &StatusError{Code: resp.StatusCode, Detail: detail}
}

// StatusError is a transient non-2xx provider response.
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("webhook status %d", e.Code)
	}
	return fmt.Sprintf("webhook status %d: %s", e.Code, e.Detail)
}

// IsStatus reports whether err is a provider response with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func (g *Webhook) Close() error {
	g.client.CloseIdleConnections()
	return nil
}
