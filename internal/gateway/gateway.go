// Package gateway delivers one push message per reminder occurrence.
//
// Drivers classify failures: ErrInvalidAddress means the address will never
// work again; every other error is transient and retried by the caller.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "remindd/pkg/logx"
)

var (
	ErrInvalidAddress = errors.New("invalid delivery address")
	ErrClosed         = errors.New("gateway closed")
)

// InvalidAddress wraps detail so errors.Is(err, ErrInvalidAddress) holds.
func InvalidAddress(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvalidAddress, detail)
}

type Message struct {
	Address  string
	Title    string
	Body     string
	Metadata map[string]string
}

// Text renders the message for plain-text channels.
func (m Message) Text() string {
	title := strings.TrimSpace(m.Title)
	body := strings.TrimSpace(m.Body)
	switch {
	case title == "":
		return body
	case body == "":
		return title
	}
	return title + "\n" + body
}

// Receipt is the provider's reference for a delivered message.
type Receipt struct {
	Ref string
	At  time.Time
}

type Gateway interface {
	Name() string
	Send(ctx context.Context, msg Message) (Receipt, error)
	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver string // telegram | webhook | log

	TelegramToken string
	TelegramURL   string // API base; empty means the public Bot API

	WebhookURL   string
	WebhookToken string

	// HTTPTimeout bounds a single provider request. The app sets it to the
	// dispatch send timeout so an abandoned telegram request cannot run on.
	HTTPTimeout time.Duration
}

// Open creates the configured driver. For telegram it verifies the token.
func Open(cfg Config, log logx.Logger) (Gateway, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "telegram":
		g, err := NewTelegram(cfg, log)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "webhook":
		g, err := NewWebhook(cfg, log)
		if err != nil {
			return nil, err
		}
		return g, nil
	case "log":
		return NewLog(log), nil
	default:
		return nil, fmt.Errorf("gateway: unknown driver %q", cfg.Driver)
	}
}

// AlertSender routes operator log alerts through a gateway.
type AlertSender struct {
	Gateway Gateway
	Address string
	Title   string
}

func (a AlertSender) SendAlert(ctx context.Context, text string) error {
	if a.Gateway == nil || strings.TrimSpace(a.Address) == "" {
		return nil
	}
	_, err := a.Gateway.Send(ctx, Message{
		Address:  a.Address,
		Title:    a.Title,
		Body:     text,
		Metadata: map[string]string{"kind": "alert"},
	})
	return err
}
