// Package stream supervises the market-data session: resolve the
// watched symbols, run the stream into a fresh detector, and reconnect
// with exponential backoff when the transport fails.
package stream

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"wallwatch/internal/detector"
	"wallwatch/internal/invest"
	"wallwatch/internal/notify"
	"wallwatch/internal/runtime"
	"wallwatch/internal/state"
)

// idleWait is how long the supervisor sleeps when the symbol set is
// empty.
const idleWait = time.Second

// MarketData is the upstream surface the manager drives;
// *invest.Client satisfies it.
type MarketData interface {
	ResolveInstruments(ctx context.Context, symbols []string) ([]invest.InstrumentInfo, []string, error)
	Stream(ctx context.Context, instruments []invest.InstrumentInfo, depth int, h invest.Handlers) error
}

// EventSink consumes wall lifecycle events and the per-session
// instrument map; *notify.TelegramNotifier satisfies it. May be nil.
type EventSink interface {
	NotifyEvent(event state.WallEvent)
	UpdateInstruments(instruments map[string]invest.InstrumentInfo)
}

// Options wires a Manager.
type Options struct {
	DetectorConfig detector.Config
	Client         MarketData
	AlertNotifier  notify.Notifier
	EventSink      EventSink // optional
	Runtime        *runtime.State
	DebugEnabled   bool
	DebugInterval  float64
	BackoffInitial float64 // seconds
	BackoffMax     float64 // seconds
}

// Manager owns the supervision loop. Each session gets a fresh
// detector so a reconnect never replays stale wall state.
type Manager struct {
	opts Options

	mu            sync.Mutex
	symbols       []string
	sessionCancel context.CancelFunc
	running       bool
	cancel        context.CancelFunc
	done          chan struct{}

	rxOrderbooksInterval atomic.Int64
	rxTradesInterval     atomic.Int64
	lastMessageNanos     atomic.Int64
}

// NewManager does not start anything; call Start.
func NewManager(opts Options) *Manager {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 1.0
	}
	if opts.BackoffMax < opts.BackoffInitial {
		opts.BackoffMax = opts.BackoffInitial
	}
	return &Manager{opts: opts}
}

// NormalizeSymbols uppercases, drops empties and dedups while keeping
// first-seen order. Idempotent.
func NormalizeSymbols(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		normalized := normalizeSymbol(symbol)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Start launches the supervision loop with the given initial symbols.
// A second Start is a no-op.
func (m *Manager) Start(ctx context.Context, symbols []string) {
	m.UpdateSymbols(symbols)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.running = true
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx)
}

// Stop cancels the loop and waits for teardown.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	done := m.done
	m.running = false
	m.mu.Unlock()

	cancel()
	<-done
}

// UpdateSymbols replaces the watch set and restarts the active session
// so the new subscription takes effect.
func (m *Manager) UpdateSymbols(symbols []string) {
	normalized := NormalizeSymbols(symbols)
	m.mu.Lock()
	m.symbols = normalized
	restart := m.sessionCancel
	m.mu.Unlock()

	if m.opts.Runtime != nil {
		m.opts.Runtime.SetSymbols(normalized)
	}
	if restart != nil {
		restart()
	}
}

// GetSymbols returns a copy of the current watch set.
func (m *Manager) GetSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.symbols...)
}

// ConsumeIntervalCounts returns and resets the per-interval receive
// counters; the heartbeat calls it once per tick.
func (m *Manager) ConsumeIntervalCounts() (orderbooks, trades int64) {
	return m.rxOrderbooksInterval.Swap(0), m.rxTradesInterval.Swap(0)
}

// LastMessageAt reports when the newest stream message arrived.
func (m *Manager) LastMessageAt() (time.Time, bool) {
	nanos := m.lastMessageNanos.Load()
	if nanos == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, nanos), true
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	backoff := m.opts.BackoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		symbols := m.GetSymbols()
		if len(symbols) == 0 {
			m.setStreamState(runtime.StreamConnecting, "no symbols")
			if !sleepCtx(ctx, idleWait) {
				return
			}
			continue
		}

		err := m.streamSession(ctx, symbols)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Error().Err(err).Msg("stream_failed")
			m.setStreamState(runtime.StreamBackoff, err.Error())
			if !sleepCtx(ctx, time.Duration(backoff*float64(time.Second))) {
				return
			}
			backoff = min(backoff*2, m.opts.BackoffMax)
			continue
		}
		backoff = m.opts.BackoffInitial
	}
}

// streamSession resolves, builds a fresh detector and runs one stream
// until it ends. A nil return is a clean end (restart or shutdown).
func (m *Manager) streamSession(ctx context.Context, symbols []string) error {
	m.setStreamState(runtime.StreamConnecting, "")
	log.Info().Strs("symbols", symbols).Msg("connecting")

	resolved, failures, err := m.opts.Client.ResolveInstruments(ctx, symbols)
	if err != nil {
		return err
	}
	for _, symbol := range failures {
		log.Warn().Str("symbol", symbol).Msg("instrument_not_found")
	}
	if len(resolved) == 0 {
		return invest.ErrNoInstrumentsResolved
	}

	det := detector.New(m.opts.DetectorConfig)
	instrumentBySymbol := make(map[string]invest.InstrumentInfo, len(resolved))
	for _, info := range resolved {
		det.UpsertInstrument(info.InstrumentID, info.TickSize, info.Symbol)
		instrumentBySymbol[info.Symbol] = info
	}
	if m.opts.EventSink != nil {
		m.opts.EventSink.UpdateInstruments(instrumentBySymbol)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.sessionCancel = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.sessionCancel = nil
		m.mu.Unlock()
	}()

	connected := false
	markConnected := func() {
		m.lastMessageNanos.Store(time.Now().UnixNano())
		if !connected {
			connected = true
			m.setStreamState(runtime.StreamConnected, "")
			log.Info().Msg("connected")
		}
	}
	handleEvents := func(events []state.WallEvent) {
		for i := range events {
			event := &events[i]
			log.Info().Object("wall", event).Msg(event.Event)
			if m.opts.Runtime != nil {
				ts := event.Timestamp
				if ts.IsZero() {
					ts = time.Now().UTC()
				}
				m.opts.Runtime.SetLastWallEvent(runtime.WallEventInfo{
					EventType: event.Event,
					TS:        ts,
					Symbol:    event.Symbol,
					Side:      event.Side,
					Price:     event.Price,
					Qty:       event.Qty,
				})
			}
			if m.opts.EventSink != nil {
				m.opts.EventSink.NotifyEvent(*event)
			}
		}
	}
	handleAlerts := func(alerts []state.Alert) {
		if m.opts.AlertNotifier == nil {
			return
		}
		for _, alert := range alerts {
			m.opts.AlertNotifier.Notify(alert)
		}
	}

	handlers := invest.Handlers{
		OnOrderBook: func(snapshot state.OrderBookSnapshot) {
			markConnected()
			m.rxOrderbooksInterval.Add(1)
			if m.opts.Runtime != nil {
				m.opts.Runtime.AddOrderbooks(1)
			}
			var alerts []state.Alert
			var events []state.WallEvent
			if m.opts.DebugEnabled {
				var debug *detector.DebugPayload
				alerts, debug, events = det.OnOrderBookWithDebug(snapshot, m.opts.DebugInterval)
				handleEvents(events)
				if debug != nil {
					log.Info().Object("debug", debug).Msg("wall_debug")
				}
			} else {
				alerts, events = det.OnOrderBookWithEvents(snapshot)
				handleEvents(events)
			}
			handleAlerts(alerts)
		},
		OnTrade: func(trade state.Trade) {
			markConnected()
			m.rxTradesInterval.Add(1)
			if m.opts.Runtime != nil {
				m.opts.Runtime.AddTrades(1)
			}
			det.OnTrade(trade)
		},
	}
	return m.opts.Client.Stream(sessionCtx, resolved, m.opts.DetectorConfig.Depth, handlers)
}

func (m *Manager) setStreamState(streamState, lastError string) {
	if m.opts.Runtime != nil {
		m.opts.Runtime.SetStreamState(streamState, lastError)
	}
}

// sleepCtx waits d or until ctx is done; false means canceled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
