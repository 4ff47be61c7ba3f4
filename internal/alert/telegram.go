// Package alert forwards operator alerts (warn+ log records) to Telegram.
package alert

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	logx "letterbox/pkg/logx"
)

// textLimit stays under Telegram's 4096 character message cap.
const textLimit = 4000

type Config struct {
	Token    string
	ChatIDs  []int64
	ThreadID int
	Timeout  time.Duration
	// APIURL overrides the Bot API endpoint. Empty means the public API.
	APIURL string
}

// Telegram sends alerts through the Bot API. It only sends; it never polls
// for updates.
type Telegram struct {
	cfg Config
	bot *tele.Bot
	log logx.Logger
}

var _ logx.AlertSender = (*Telegram)(nil)

func New(cfg Config, log logx.Logger) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram alert chat ids are empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: cfg.Timeout},
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{cfg: cfg, bot: b, log: log}, nil
}

// SendAlert posts text to every configured chat. Long texts are split.
func (t *Telegram) SendAlert(ctx context.Context, text string) error {
	chunks := splitText(text, textLimit)
	var errs []error
	for _, id := range t.cfg.ChatIDs {
		chat := &tele.Chat{ID: id}
		for _, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := t.bot.Send(chat, chunk, &tele.SendOptions{ThreadID: t.cfg.ThreadID, DisableWebPagePreview: true}); err != nil {
				errs = append(errs, fmt.Errorf("chat %d: %w", id, err))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// splitText cuts s into chunks of at most limit runes, preferring a newline
// in the last two thirds of each window.
func splitText(s string, limit int) []string {
	rs := []rune(strings.TrimSpace(s))
	if len(rs) == 0 {
		return []string{"(empty alert)"}
	}
	var out []string
	for start := 0; start < len(rs); {
		end := min(start+limit, len(rs))
		if end < len(rs) {
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if chunk := strings.TrimRight(string(rs[start:end]), "\n"); chunk != "" {
			out = append(out, chunk)
		}
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
