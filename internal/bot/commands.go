// Package bot implements the inbound Telegram command surface: a
// command parser/handler and the long-poll loop that drives it.
package bot

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"wallwatch/internal/invest"
	"wallwatch/internal/runtime"
	"wallwatch/internal/state"
)

// ParsedCommand is a slash command split into name and arguments.
type ParsedCommand struct {
	Name string
	Args []string
}

// ParseCommand splits "/cmd@bot a b" into {cmd, [a b]}. Returns false
// for anything that is not a slash command.
func ParseCommand(text string) (ParsedCommand, bool) {
	stripped := strings.TrimSpace(text)
	if !strings.HasPrefix(stripped, "/") {
		return ParsedCommand{}, false
	}
	parts := strings.Fields(stripped)
	if len(parts) == 0 {
		return ParsedCommand{}, false
	}
	name := strings.TrimPrefix(parts[0], "/")
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return ParsedCommand{}, false
	}
	return ParsedCommand{Name: strings.ToLower(name), Args: parts[1:]}, true
}

// ParseSymbols flattens comma- and space-separated arguments into an
// uppercase, deduped, order-preserving symbol list.
func ParseSymbols(args []string) []string {
	var symbols []string
	seen := map[string]struct{}{}
	for _, arg := range args {
		for _, item := range strings.Split(arg, ",") {
			cleaned := strings.ToUpper(strings.TrimSpace(item))
			if cleaned == "" {
				continue
			}
			if _, ok := seen[cleaned]; ok {
				continue
			}
			seen[cleaned] = struct{}{}
			symbols = append(symbols, cleaned)
		}
	}
	return symbols
}

// SymbolManager is the subscription surface the commands mutate;
// *stream.Manager satisfies it.
type SymbolManager interface {
	GetSymbols() []string
	UpdateSymbols(symbols []string)
}

// EventSink receives the synthetic smoke event;
// *notify.TelegramNotifier satisfies it. May be nil.
type EventSink interface {
	NotifyEvent(event state.WallEvent)
	AddInstrument(symbol string, info invest.InstrumentInfo)
}

// Handler dispatches authorized commands against the runtime state and
// the subscription manager.
type Handler struct {
	Runtime    *runtime.State
	Manager    SymbolManager
	EventSink  EventSink
	MaxSymbols int
	AllowedIDs map[int64]struct{}
	Clock      func() time.Time // nil = time.Now
}

// AllowedSet builds the authz set from a list of user ids.
func AllowedSet(ids []int64) map[int64]struct{} {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// HandleCommand parses and executes one inbound message. The returned
// bool is false when the message needs no reply (not a command). An
// unauthorized user gets "not allowed"; userID 0 means the sender is
// unknown.
func (h *Handler) HandleCommand(text string, chatID, userID int64) (string, bool) {
	parsed, ok := ParseCommand(text)
	if !ok {
		return "", false
	}
	if len(h.AllowedIDs) > 0 {
		if _, allowed := h.AllowedIDs[userID]; userID == 0 || !allowed {
			log.Info().
				Int64("chat_id", chatID).
				Int64("user_id", userID).
				Str("command", parsed.Name).
				Msg("telegram_not_allowed")
			return "not allowed", true
		}
	}
	response := h.dispatch(parsed)
	log.Info().
		Int64("chat_id", chatID).
		Int64("user_id", userID).
		Str("command", parsed.Name).
		Msg("telegram_command_handled")
	return response, true
}

func (h *Handler) dispatch(parsed ParsedCommand) string {
	switch parsed.Name {
	case "start":
		return startText()
	case "help":
		return helpText()
	case "ping":
		return FormatPingResponse(h.Runtime.Snapshot(), h.now())
	case "status":
		return FormatStatusResponse(h.Runtime.Snapshot())
	case "list":
		symbols := h.Manager.GetSymbols()
		return "symbols=" + html.EscapeString(joinOrNone(symbols))
	case "watch":
		return h.watch(parsed.Args)
	case "unwatch":
		return h.unwatch(parsed.Args)
	case "smoke":
		return h.smoke()
	}
	return "Unknown command. Use /help."
}

func (h *Handler) watch(args []string) string {
	if len(args) == 0 {
		return "Usage: /watch <symbols>"
	}
	symbols := ParseSymbols(args)
	if len(symbols) == 0 {
		return "Usage: /watch <symbols>"
	}
	if len(symbols) > h.MaxSymbols {
		return fmt.Sprintf("Too many symbols (max %d).", h.MaxSymbols)
	}
	h.Manager.UpdateSymbols(symbols)
	return "watching: " + html.EscapeString(strings.Join(symbols, ", "))
}

func (h *Handler) unwatch(args []string) string {
	if len(args) == 0 {
		return "Usage: /unwatch <symbols>"
	}
	symbols := ParseSymbols(args)
	if len(symbols) == 0 {
		return "Usage: /unwatch <symbols>"
	}
	current := h.Manager.GetSymbols()
	currentSet := make(map[string]struct{}, len(current))
	for _, symbol := range current {
		currentSet[symbol] = struct{}{}
	}
	removeSet := make(map[string]struct{}, len(symbols))
	for _, symbol := range symbols {
		removeSet[symbol] = struct{}{}
	}
	var remaining []string
	for _, symbol := range current {
		if _, ok := removeSet[symbol]; !ok {
			remaining = append(remaining, symbol)
		}
	}
	var removed []string
	for _, symbol := range symbols {
		if _, ok := currentSet[symbol]; ok {
			removed = append(removed, symbol)
		}
	}
	h.Manager.UpdateSymbols(remaining)
	if len(removed) == 0 {
		return "no matching symbols to remove"
	}
	if len(remaining) == 0 {
		return "removed: " + html.EscapeString(strings.Join(removed, ", ")) + " (idle)"
	}
	return "removed: " + html.EscapeString(strings.Join(removed, ", "))
}

// smoke pushes a synthetic confirmed wall for a fake share through the
// real notification path, keyboard included.
func (h *Handler) smoke() string {
	if h.EventSink == nil {
		return "smoke unavailable: telegram notifier disabled"
	}
	now := h.now()
	info := invest.InstrumentInfo{
		InstrumentID: "smoke-vseh",
		Symbol:       "VSEH",
		Ticker:       "VSEH",
		TickSize:     0.01,
		Kind:         pb.InstrumentType_INSTRUMENT_TYPE_SHARE,
	}
	h.EventSink.AddInstrument(info.Symbol, info)
	h.EventSink.NotifyEvent(state.WallEvent{
		Event:                 state.EventWallConfirmed,
		Symbol:                info.Symbol,
		Side:                  state.SideBuy,
		Price:                 100.0,
		Qty:                   10000,
		WallKey:               state.WallKey(info.InstrumentID, state.SideBuy, 100.0),
		DistanceTicksToSpread: 1,
		HasDistanceToSpread:   true,
		RatioToMedian:         10.0,
		DwellSeconds:          30.0,
		Timestamp:             now,
	})
	return "smoke event sent"
}

func (h *Handler) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now().UTC()
}

// FormatUptime renders the elapsed time as "XhYm".
func FormatUptime(startedAt, now time.Time) string {
	minutes := int(now.Sub(startedAt).Seconds()) / 60
	return fmt.Sprintf("%dh%dm", minutes/60, minutes%60)
}

func formatSinceLast(snapshot runtime.Snapshot) string {
	if !snapshot.HasSinceLastMessage {
		return "n/a"
	}
	return fmt.Sprintf("%.3fs", snapshot.SinceLastMessageSeconds)
}

// FormatPingResponse is the rich health line: timestamp, uptime,
// stream state and receive counters.
func FormatPingResponse(snapshot runtime.Snapshot, now time.Time) string {
	return fmt.Sprintf(
		"pong %s uptime=%s stream_state=%s rx_total_orderbooks=%d rx_total_trades=%d since_last_message_seconds=%s",
		html.EscapeString(now.Format(time.RFC3339)),
		html.EscapeString(FormatUptime(snapshot.StartedAt, now)),
		html.EscapeString(snapshot.StreamState),
		snapshot.RxTotalOrderbooks,
		snapshot.RxTotalTrades,
		html.EscapeString(formatSinceLast(snapshot)),
	)
}

func formatLastWallEvent(event *runtime.WallEventInfo) string {
	if event == nil {
		return "none"
	}
	return fmt.Sprintf(
		"%s %s %s %s %s @ %s",
		html.EscapeString(event.EventType),
		html.EscapeString(event.Symbol),
		html.EscapeString(string(event.Side)),
		html.EscapeString(trimFloat(event.Price)),
		html.EscapeString(trimFloat(event.Qty)),
		html.EscapeString(event.TS.Format(time.RFC3339)),
	)
}

// FormatStatusResponse is the /status body.
func FormatStatusResponse(snapshot runtime.Snapshot) string {
	lines := []string{
		"state=" + html.EscapeString(snapshot.StreamState),
		"since_last_message=" + html.EscapeString(formatSinceLast(snapshot)),
		fmt.Sprintf("rx_total_orderbooks=%d", snapshot.RxTotalOrderbooks),
		fmt.Sprintf("rx_total_trades=%d", snapshot.RxTotalTrades),
		"symbols=" + html.EscapeString(joinOrNone(snapshot.CurrentSymbols)),
		fmt.Sprintf("depth=%d", snapshot.Depth),
		"last_wall_event=" + formatLastWallEvent(snapshot.LastWallEvent),
	}
	return strings.Join(lines, "\n")
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

func trimFloat(value float64) string {
	formatted := strings.TrimRight(fmt.Sprintf("%.6f", value), "0")
	return strings.TrimRight(formatted, ".")
}

func startText() string {
	return "Привет! Я WallWatch бот.\n" +
		"Я слежу за стенками в стакане и состоянием стрима.\n\n" +
		helpText()
}

func helpText() string {
	return "Доступные команды:\n" +
		"/start - приветствие и помощь\n" +
		"/help - список команд\n" +
		"/ping - health check\n" +
		"/status - текущий статус стрима\n" +
		"/watch <symbols> - установить список (до 10)\n" +
		"/unwatch <symbols> - убрать символы\n" +
		"/list - показать текущие symbols\n" +
		"/smoke - тестовое уведомление"
}
