package bot

import (
	"context"
	"errors"
	"net"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

const (
	pollTimeoutSeconds = 45
	pollBackoffInitial = time.Second
	pollBackoffMax     = 30 * time.Second
)

// BotAPI is the slice of tgbotapi the poller needs.
type BotAPI interface {
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Poller drives getUpdates with an explicit offset and feeds inbound
// commands to the handler. Replies go out with the same parse-mode and
// link-preview settings as notifications.
type Poller struct {
	API                 BotAPI
	Handler             *Handler
	ParseMode           string
	DisableWebPreview   bool
	PollIntervalSeconds float64

	offset int
}

// Run polls until ctx is canceled.
func (p *Poller) Run(ctx context.Context) {
	log.Info().Msg("telegram_polling_started")
	backoff := pollBackoffInitial
	for ctx.Err() == nil {
		cfg := tgbotapi.NewUpdate(p.offset)
		cfg.Timeout = pollTimeoutSeconds
		updates, err := p.API.GetUpdates(cfg)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logPollError(err)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff = minDuration(backoff*2, pollBackoffMax)
			continue
		}
		backoff = pollBackoffInitial

		for _, update := range updates {
			p.offset = update.UpdateID + 1
			p.handleUpdate(update)
		}
		if len(updates) == 0 {
			if !sleepCtx(ctx, time.Duration(p.PollIntervalSeconds*float64(time.Second))) {
				return
			}
		}
	}
}

func (p *Poller) handleUpdate(update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		return
	}
	log.Info().
		Int("update_id", update.UpdateID).
		Int64("chat_id", msg.Chat.ID).
		Bool("has_text", msg.Text != "").
		Msg("telegram_update_received")
	if msg.Text == "" {
		return
	}
	var userID int64
	if msg.From != nil {
		userID = msg.From.ID
	}
	response, ok := p.Handler.HandleCommand(msg.Text, msg.Chat.ID, userID)
	if !ok || response == "" {
		return
	}
	p.sendReply(msg.Chat.ID, response)
}

func (p *Poller) sendReply(chatID int64, text string) {
	out := tgbotapi.NewMessage(chatID, text)
	out.ParseMode = p.ParseMode
	out.DisableWebPagePreview = p.DisableWebPreview
	if _, err := p.API.Send(out); err != nil {
		entry := log.Warn().Str("error", err.Error())
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && apiErr.Message != "" {
			entry = entry.Str("telegram_description", apiErr.Message)
		}
		entry.Msg("telegram_send_failed")
	}
}

// logPollError picks the level by failure class: read timeouts are
// routine, 5xx means the API itself is down.
func (p *Poller) logPollError(err error) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		log.Debug().Err(err).Msg("telegram_poll_timeout")
		return
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.Code >= 500 {
		log.Error().Err(err).Msg("telegram_poll_failed")
		return
	}
	log.Warn().Err(err).Msg("telegram_poll_failed")
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
