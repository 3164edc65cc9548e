package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "remindd/pkg/logx"
)

const telegramTextLimit = 4000

// Telegram delivers through the Bot API. The address is a chat id,
// optionally "chatID:threadID" for forum topics.
//
// telebot takes no context, so a request outlives the caller's deadline
// until the HTTP client timeout (Config.HTTPTimeout) ends it. Send waits for
// that outcome after ctx expires: a request that succeeded late is reported
// as delivered, so the occurrence is not sent a second time on the next tick.
type Telegram struct {
	bot *tele.Bot
	log logx.Logger

	// lateWait caps the wait for an in-flight request after ctx is done.
	lateWait time.Duration
}

func NewTelegram(cfg Config, log logx.Logger) (*Telegram, error) {
	token := strings.TrimSpace(cfg.TelegramToken)
	if token == "" {
		return nil, errors.New("telegram token is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:    cfg.TelegramURL,
		Token:  token,
		Client: &http.Client{Timeout: clientTimeout(cfg.HTTPTimeout)},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Telegram{bot: b, log: log, lateWait: clientTimeout(cfg.HTTPTimeout)}, nil
}

func clientTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 10 * time.Second
	}
	return d
}

// newTelegramWithBot is used by tests that point the bot at a fake API.
func newTelegramWithBot(b *tele.Bot, lateWait time.Duration) *Telegram {
	return &Telegram{bot: b, log: logx.Nop(), lateWait: lateWait}
}

func (g *Telegram) Name() string { return "telegram" }

// ParseChatAddress splits "chatID[:threadID]".
func ParseChatAddress(addr string) (chatID int64, threadID int, err error) {
	addr = strings.TrimSpace(addr)
	chatPart, threadPart, hasThread := strings.Cut(addr, ":")
	chatID, err = strconv.ParseInt(chatPart, 10, 64)
	if err != nil || chatID == 0 {
		return 0, 0, InvalidAddress(fmt.Sprintf("telegram chat id %q", addr))
	}
	if hasThread {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil || threadID < 0 {
			return 0, 0, InvalidAddress(fmt.Sprintf("telegram thread id %q", addr))
		}
	}
	return chatID, threadID, nil
}

func (g *Telegram) Send(ctx context.Context, msg Message) (Receipt, error) {
	chatID, threadID, err := ParseChatAddress(msg.Address)
	if err != nil {
		return Receipt{}, err
	}
	text := truncateRunes(msg.Text(), telegramTextLimit)
	opts := &tele.SendOptions{ThreadID: threadID, DisableWebPagePreview: true}

	type result struct {
		m   *tele.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := g.bot.Send(&tele.Chat{ID: chatID}, text, opts)
		done <- result{m, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		late := time.NewTimer(g.lateWait)
		defer late.Stop()
		select {
		case r = <-done:
			g.log.Warn("telegram send finished after deadline", logx.String("address", msg.Address), logx.Err(r.err))
		case <-late.C:
			return Receipt{}, ctx.Err()
		}
	}
	if r.err != nil {
		return Receipt{}, classifyTelegram(r.err)
	}
	ref := strconv.FormatInt(chatID, 10)
	if r.m != nil {
		ref += "/" + strconv.Itoa(r.m.ID)
	}
	return Receipt{Ref: ref, At: time.Now()}, nil
}

var telegramPermanent = []error{
	tele.ErrChatNotFound,
	tele.ErrBlockedByUser,
	tele.ErrUserIsDeactivated,
	tele.ErrKickedFromGroup,
	tele.ErrNotStartedByUser,
}

var telegramPermanentText = []string{
	"chat not found",
	"bot was blocked by the user",
	"user is deactivated",
	"bot was kicked",
	"can't initiate conversation",
}

// classifyTelegram maps "this chat will never accept messages" errors to
// ErrInvalidAddress; flood control and network failures stay transient.
func classifyTelegram(err error) error {
	for _, target := range telegramPermanent {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
	}
	low := strings.ToLower(err.Error())
	for _, s := range telegramPermanentText {
		if strings.Contains(low, s) {
			return fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
	}
	return fmt.Errorf("telegram send: %w", err)
}

func (g *Telegram) Close() error {
	// no poller was started, nothing to stop
	return nil
}

func truncateRunes(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n-1]) + "…"
}
