// Package runtime holds the mutex-guarded observable state of the
// process: stream health, receive counters, subscription set and the
// last wall event. The stream path writes it, command handlers and the
// heartbeat read snapshots.
package runtime

import (
	"sync"
	"time"

	"wallwatch/internal/state"
)

// Stream states reported in /status and heartbeats. An empty watch set
// reports connecting with "no symbols" as the last error.
const (
	StreamConnecting = "connecting"
	StreamConnected  = "connected"
	StreamBackoff    = "backoff"
)

// WallEventInfo is the condensed view of the most recent wall event.
type WallEventInfo struct {
	EventType string
	TS        time.Time
	Symbol    string
	Side      state.Side
	Price     float64
	Qty       float64
}

// Snapshot is an immutable deep copy of the runtime state.
type Snapshot struct {
	StartedAt                time.Time
	PID                      int
	StreamState              string
	SinceLastMessageSeconds  float64
	HasSinceLastMessage      bool
	RxTotalOrderbooks        int64
	RxTotalTrades            int64
	CurrentSymbols           []string
	Depth                    int
	LastWallEvent            *WallEventInfo
	LastError                string
}

// State is the shared mutable record. All access goes through the
// mutex; Snapshot returns copies so readers never alias internal data.
type State struct {
	mu sync.Mutex

	startedAt               time.Time
	pid                     int
	streamState             string
	sinceLastMessageSeconds float64
	hasSinceLastMessage     bool
	rxTotalOrderbooks       int64
	rxTotalTrades           int64
	currentSymbols          []string
	depth                   int
	lastWallEvent           *WallEventInfo
	lastError               string
}

// New creates runtime state for a freshly started process.
func New(startedAt time.Time, pid, depth int) *State {
	return &State{
		startedAt:   startedAt,
		pid:         pid,
		streamState: StreamConnecting,
		depth:       depth,
	}
}

// Snapshot returns a deep copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		StartedAt:               s.startedAt,
		PID:                     s.pid,
		StreamState:             s.streamState,
		SinceLastMessageSeconds: s.sinceLastMessageSeconds,
		HasSinceLastMessage:     s.hasSinceLastMessage,
		RxTotalOrderbooks:       s.rxTotalOrderbooks,
		RxTotalTrades:           s.rxTotalTrades,
		CurrentSymbols:          append([]string(nil), s.currentSymbols...),
		Depth:                   s.depth,
		LastError:               s.lastError,
	}
	if s.lastWallEvent != nil {
		ev := *s.lastWallEvent
		snap.LastWallEvent = &ev
	}
	return snap
}

// SetStreamState updates the stream state and, optionally, the last
// error ("" clears it).
func (s *State) SetStreamState(streamState, lastError string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamState = streamState
	s.lastError = lastError
}

// SetSymbols replaces the reported subscription set.
func (s *State) SetSymbols(symbols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentSymbols = append([]string(nil), symbols...)
}

// AddOrderbooks bumps the order-book receive total.
func (s *State) AddOrderbooks(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxTotalOrderbooks += n
}

// AddTrades bumps the trade receive total.
func (s *State) AddTrades(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rxTotalTrades += n
}

// SetSinceLastMessage records the age of the newest stream message.
func (s *State) SetSinceLastMessage(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sinceLastMessageSeconds = seconds
	s.hasSinceLastMessage = true
}

// SetLastWallEvent records the most recent lifecycle event.
func (s *State) SetLastWallEvent(ev WallEventInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastWallEvent = &ev
}
