// Package alert отправляет уведомления о сбоях синхронизации в Telegram.
package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
)

// Event описывает сбой, о котором нужно сообщить.
type Event struct {
	Operation   string
	EntityType  string
	CRMID       string
	Kind        string
	Message     string
	Deferred    bool
	Correlation map[string]string
}

// key определяет, какие события считаются одинаковыми для троттлинга.
func (e Event) key() string {
	return e.Operation + "|" + e.EntityType + "|" + e.CRMID + "|" + e.Kind
}

// Text форматирует событие для отправки.
func (e Event) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "erpsync: %s failed\n", e.Operation)
	fmt.Fprintf(&b, "entity: %s %s\n", e.EntityType, e.CRMID)
	fmt.Fprintf(&b, "kind: %s\n", e.Kind)
	if e.Deferred {
		b.WriteString("status: deferred for replay\n")
	}
	if id := e.Correlation["requestId"]; id != "" {
		fmt.Fprintf(&b, "request: %s\n", id)
	}
	b.WriteString(e.Message)
	return b.String()
}

// Notifier отправляет события.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Nop ничего не отправляет. Используется, когда Telegram не настроен.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Throttle ограничивает частоту одинаковых уведомлений.
type Throttle struct {
	mu   sync.Mutex
	last map[string]time.Time
	rate time.Duration
	now  func() time.Time
}

// NewThrottle создаёт троттлинг с заданным интервалом.
func NewThrottle(rate time.Duration) *Throttle {
	return &Throttle{last: make(map[string]time.Time), rate: rate, now: time.Now}
}

// Allow возвращает false, если такое же событие уже отправлялось в пределах интервала.
func (t *Throttle) Allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if prev, ok := t.last[key]; ok && now.Sub(prev) < t.rate {
		return false
	}
	t.last[key] = now
	return true
}

// Telegram отправляет события в один или несколько чатов.
type Telegram struct {
	bot      *bot.Bot
	chats    []int64
	throttle *Throttle
	log      *slog.Logger
}

// Option настраивает Telegram.
type Option func(*options)

type options struct {
	serverURL string
	throttle  time.Duration
	log       *slog.Logger
}

// WithServerURL задаёт адрес Bot API (для тестов и локальных серверов).
func WithServerURL(u string) Option {
	return func(o *options) { o.serverURL = u }
}

// WithThrottle задаёт интервал подавления повторных уведомлений.
func WithThrottle(d time.Duration) Option {
	return func(o *options) { o.throttle = d }
}

// WithLogger задаёт логгер.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// NewTelegram создаёт нотификатор. Сеть при создании не используется.
func NewTelegram(token string, chats []int64, opts ...Option) (*Telegram, error) {
	if token == "" {
		return nil, errors.New("alert: empty telegram token")
	}
	if len(chats) == 0 {
		return nil, errors.New("alert: no chat ids")
	}
	o := options{throttle: time.Minute, log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	botOpts := []bot.Option{bot.WithSkipGetMe()}
	if o.serverURL != "" {
		botOpts = append(botOpts, bot.WithServerURL(o.serverURL))
	}
	b, err := bot.New(token, botOpts...)
	if err != nil {
		return nil, fmt.Errorf("alert: create bot: %w", err)
	}
	return &Telegram{
		bot:      b,
		chats:    chats,
		throttle: NewThrottle(o.throttle),
		log:      o.log.With(slog.String("component", "alert")),
	}, nil
}

// Notify отправляет событие во все чаты. Повторы одного события в пределах
// интервала троттлинга пропускаются.
func (t *Telegram) Notify(ctx context.Context, e Event) error {
	if !t.throttle.Allow(e.key()) {
		t.log.Debug("alert throttled", slog.String("operation", e.Operation), slog.String("crm_id", e.CRMID))
		return nil
	}
	text := e.Text()
	var errs []error
	for _, chat := range t.chats {
		if _, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{ChatID: chat, Text: text}); err != nil {
			t.log.Warn("alert send failed", slog.Int64("chat_id", chat), slog.String("error", err.Error()))
			errs = append(errs, fmt.Errorf("chat %d: %w", chat, err))
		}
	}
	return errors.Join(errs...)
}

// ParseChatIDs парсит список ID чатов (разделители: запятая/переносы).
func ParseChatIDs(s string) ([]int64, error) {
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' || r == '\t' || r == ' ' })
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}
