package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "remindd/pkg/logx"
)

// Log is a development driver: it writes each message to the logger and
// remembers it. Addresses starting with "invalid:" are rejected.
type Log struct {
	log logx.Logger

	mu   sync.Mutex
	sent []Message
}

func NewLog(log logx.Logger) *Log { return &Log{log: log} }

func (g *Log) Name() string { return "log" }

func (g *Log) Send(ctx context.Context, msg Message) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if strings.HasPrefix(msg.Address, "invalid:") {
		return Receipt{}, InvalidAddress(msg.Address)
	}
	ref := uuid.NewString()
	g.mu.Lock()
	g.sent = append(g.sent, msg)
	g.mu.Unlock()
	g.log.Info("push delivered",
		logx.String("address", msg.Address),
		logx.String("title", msg.Title),
		logx.String("body", msg.Body),
		logx.String("ref", ref),
	)
	return Receipt{Ref: ref, At: time.Now()}, nil
}

// Sent returns a copy of every delivered message.
func (g *Log) Sent() []Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]Message(nil), g.sent...)
}

func (g *Log) Close() error { return nil }
