package notify

import (
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"wallwatch/internal/invest"
	"wallwatch/internal/state"
)

// eventTitles are the user-facing headlines per lifecycle event.
var eventTitles = map[string]string{
	state.EventWallCandidate: "🟨 WALL CANDIDATE",
	state.EventWallConfirmed: "✅ WALL CONFIRMED",
	state.EventWallConsuming: "🚨 WALL CONSUMING",
	state.EventWallLost:      "⛔ WALL LOST",
}

// Per-wall session states for the confirm-before-lost dedup.
const (
	sessionConfirmed = "CONFIRMED"
	sessionLost      = "LOST"
)

// Sender is the outbound Telegram surface; *tgbotapi.BotAPI satisfies
// it.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramOptions configures a TelegramNotifier.
type TelegramOptions struct {
	ChatIDs                 []int64
	ParseMode               string
	DisableWebPreview       bool
	SendEvents              []string
	CooldownSeconds         map[string]float64
	IncludeInstrumentButton bool
	ButtonText              string
	AppendSecurityShareUTM  bool
	QueueSize               int              // 0 = 1000
	Clock                   func() time.Time // nil = time.Now
}

type outbound struct {
	text     string
	keyboard *tgbotapi.InlineKeyboardMarkup
}

// TelegramNotifier pushes formatted wall events to one or more chats
// through a bounded queue and a single send worker. Enqueueing never
// blocks the market-data path; overflow drops the message with a
// warning.
type TelegramNotifier struct {
	sender  Sender
	token   string
	opts    TelegramOptions
	clock   func() time.Time
	sendSet map[string]struct{}

	queue   chan outbound
	pending sync.WaitGroup
	stopCh  chan struct{}
	done    chan struct{}

	mu           sync.Mutex
	instruments  map[string]invest.InstrumentInfo
	lastSent     map[string]time.Time // (symbol, event)
	sessionState map[string]string    // (symbol, wall key)
}

// NewTelegramNotifier starts the send worker. The token is only used
// to redact send errors; the sender carries its own credentials.
func NewTelegramNotifier(sender Sender, token string, opts TelegramOptions) *TelegramNotifier {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	sendSet := make(map[string]struct{}, len(opts.SendEvents))
	for _, event := range opts.SendEvents {
		sendSet[event] = struct{}{}
	}
	n := &TelegramNotifier{
		sender:       sender,
		token:        token,
		opts:         opts,
		clock:        clock,
		sendSet:      sendSet,
		queue:        make(chan outbound, opts.QueueSize),
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
		instruments:  map[string]invest.InstrumentInfo{},
		lastSent:     map[string]time.Time{},
		sessionState: map[string]string{},
	}
	go n.worker()
	return n
}

// UpdateInstruments replaces the symbol → instrument map used for deep
// links. Called on every stream (re)start.
func (n *TelegramNotifier) UpdateInstruments(instruments map[string]invest.InstrumentInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.instruments = make(map[string]invest.InstrumentInfo, len(instruments))
	for symbol, info := range instruments {
		n.instruments[symbol] = info
	}
}

// AddInstrument merges one instrument into the deep-link map. Used for
// synthetic events; real sessions go through UpdateInstruments.
func (n *TelegramNotifier) AddInstrument(symbol string, info invest.InstrumentInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.instruments[symbol] = info
}

// NotifyEvent applies session dedup, the send-events filter and the
// per-(symbol,event) cooldown, then enqueues the formatted message.
//
// A lost or consuming event without a preceding confirmed for the same
// wall key is suppressed; a confirmed marks the session regardless of
// whether confirmations are in the send set.
func (n *TelegramNotifier) NotifyEvent(event state.WallEvent) {
	n.mu.Lock()
	sessionKey := event.Symbol + "|" + event.WallKey
	switch event.Event {
	case state.EventWallConfirmed:
		n.sessionState[sessionKey] = sessionConfirmed
	case state.EventWallLost, state.EventWallConsuming:
		if n.sessionState[sessionKey] != sessionConfirmed {
			n.mu.Unlock()
			msg := "lost_suppressed_no_confirm"
			if event.Event == state.EventWallConsuming {
				msg = "consuming_suppressed_no_confirm"
			}
			log.Debug().Object("event", &event).Msg(msg)
			return
		}
	}
	if _, ok := n.sendSet[event.Event]; !ok {
		n.mu.Unlock()
		return
	}
	if !n.cooldownAllowsLocked(event) {
		n.mu.Unlock()
		return
	}
	var instrumentURL string
	if info, ok := n.instruments[event.Symbol]; ok {
		instrumentURL = BuildInstrumentURL(&info, n.opts.AppendSecurityShareUTM)
	}
	if event.Event == state.EventWallLost {
		n.sessionState[sessionKey] = sessionLost
	}
	n.mu.Unlock()

	msg := outbound{text: FormatEventMessage(event)}
	if instrumentURL != "" && n.opts.IncludeInstrumentButton {
		keyboard := tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonURL(n.opts.ButtonText, instrumentURL),
			),
		)
		msg.keyboard = &keyboard
	}
	n.enqueue(msg)
}

// Notify satisfies the alert interface by forwarding the alert as a
// plain text line; the event path carries the rich formatting.
func (n *TelegramNotifier) Notify(alert state.Alert) {
	text := fmt.Sprintf(
		"%s %s %s @ %s (size %s, ratio %s)",
		alert.Event,
		html.EscapeString(alert.InstrumentID),
		html.EscapeString(string(alert.Side)),
		formatDecimal(alert.Price, 6),
		formatDecimal(alert.Size, 6),
		formatDecimal(alert.Ratio, 2),
	)
	n.enqueue(outbound{text: text})
}

// SendText enqueues a plain message (startup notice, shutdown notice).
func (n *TelegramNotifier) SendText(text string) {
	n.enqueue(outbound{text: text})
}

// Flush blocks until every queued message has been handed to the
// sender.
func (n *TelegramNotifier) Flush() {
	n.pending.Wait()
}

// Close stops the worker. Queued but unsent messages are dropped;
// call Flush first for a clean drain.
func (n *TelegramNotifier) Close() {
	close(n.stopCh)
	<-n.done
}

func (n *TelegramNotifier) enqueue(msg outbound) {
	n.pending.Add(1)
	select {
	case n.queue <- msg:
	default:
		n.pending.Done()
		log.Warn().Msg("telegram_queue_full")
	}
}

func (n *TelegramNotifier) worker() {
	defer close(n.done)
	for {
		select {
		case msg := <-n.queue:
			n.send(msg)
			n.pending.Done()
		case <-n.stopCh:
			// Drop the backlog: Close after Flush sees an empty queue.
			for {
				select {
				case <-n.queue:
					n.pending.Done()
				default:
					return
				}
			}
		}
	}
}

func (n *TelegramNotifier) send(msg outbound) {
	for _, chatID := range n.opts.ChatIDs {
		out := tgbotapi.NewMessage(chatID, msg.text)
		out.ParseMode = n.opts.ParseMode
		out.DisableWebPagePreview = n.opts.DisableWebPreview
		if msg.keyboard != nil {
			out.ReplyMarkup = *msg.keyboard
		}
		if _, err := n.sender.Send(out); err != nil {
			entry := log.Warn().Str("error", n.redactToken(err.Error()))
			var apiErr *tgbotapi.Error
			if errors.As(err, &apiErr) && apiErr.Message != "" {
				entry = entry.Str("telegram_description", apiErr.Message)
			}
			entry.Msg("telegram_send_failed")
		}
	}
}

// cooldownAllowsLocked is called with n.mu held.
func (n *TelegramNotifier) cooldownAllowsLocked(event state.WallEvent) bool {
	cooldown := n.opts.CooldownSeconds[event.Event]
	if cooldown <= 0 {
		return true
	}
	key := event.Symbol + "|" + event.Event
	now := n.clock()
	if last, ok := n.lastSent[key]; ok && now.Sub(last).Seconds() < cooldown {
		return false
	}
	n.lastSent[key] = now
	return true
}

func (n *TelegramNotifier) redactToken(message string) string {
	if n.token == "" {
		return message
	}
	return strings.ReplaceAll(message, n.token, "***")
}

// FormatEventMessage renders the HTML notification body. User-derived
// substrings are escaped.
func FormatEventMessage(event state.WallEvent) string {
	title, ok := eventTitles[event.Event]
	if !ok {
		title = strings.ToUpper(event.Event)
	}
	distance := "n/a"
	if event.HasDistanceToSpread {
		distance = fmt.Sprintf("%d", event.DistanceTicksToSpread)
	}
	lines := []string{
		"<b>" + html.EscapeString(title) + "</b>",
		"<b>Symbol:</b> " + html.EscapeString(event.Symbol),
		"<b>Side:</b> " + html.EscapeString(string(event.Side)),
		"<b>Price:</b> " + formatDecimal(event.Price, 6),
		"<b>Qty:</b> " + formatDecimal(event.Qty, 6),
		"<b>Ratio to median:</b> " + formatDecimal(event.RatioToMedian, 2),
		"<b>Distance to spread:</b> " + html.EscapeString(distance),
		"<b>Dwell:</b> " + formatDecimal(event.DwellSeconds, 1) + "s",
		"<b>Qty change:</b> " + formatSigned(event.QtyChangeLastInterval, 2),
	}
	return strings.Join(lines, "\n")
}

// formatDecimal renders with at most the given fraction digits,
// trailing zeros trimmed.
func formatDecimal(value float64, digits int) string {
	formatted := strings.TrimRight(fmt.Sprintf("%.*f", digits, value), "0")
	return strings.TrimRight(formatted, ".")
}

func formatSigned(value float64, digits int) string {
	formatted := formatDecimal(value, digits)
	if !strings.HasPrefix(formatted, "-") {
		return "+" + formatted
	}
	return formatted
}
