// Package state holds the shared value types of the wall watcher:
// order-book snapshots and trades coming off the stream, and the wall
// lifecycle records (candidate, active wall, alert, event) produced by
// the detector. Pure data, no behavior beyond formatting helpers.
package state

import (
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Side is the book side a wall sits on.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderBookLevel is one aggregated price level. Price is aligned to the
// instrument tick size; Quantity is never negative.
type OrderBookLevel struct {
	Price    float64
	Quantity float64
}

// OrderBookSnapshot is one full depth update for an instrument.
//
// Bids are ordered best (highest) to worst, asks best (lowest) to worst.
// When both best prices are present, BestBid < BestAsk.
type OrderBookSnapshot struct {
	InstrumentID string
	Bids         []OrderBookLevel
	Asks         []OrderBookLevel
	BestBid      float64
	BestAsk      float64
	HasBestBid   bool
	HasBestAsk   bool
	TS           time.Time
}

// Trade is one tape print. Side encodes the aggressor and may be empty
// when the feed does not report a direction.
type Trade struct {
	InstrumentID string
	Price        float64
	Quantity     float64
	Side         Side
	TS           time.Time
}

// WallCandidate is a single-snapshot wall observation, before any
// persistence evidence is collected.
type WallCandidate struct {
	Side          Side
	Price         float64
	Size          float64
	Ratio         float64
	VRef          float64
	DistanceTicks int
}

// SizePoint is one entry of an active wall's size history.
type SizePoint struct {
	TS   time.Time
	Size float64
}

// sizeHistoryCap bounds the per-wall history deque.
const sizeHistoryCap = 200

// ActiveWall is the wall currently tracked for an instrument. At most
// one exists per instrument at any time. Zero timestamps mean "unset".
type ActiveWall struct {
	Side            Side
	Price           float64
	FirstSeen       time.Time
	LastSeen        time.Time
	LastSize        float64
	DistanceTicks   int
	RatioToMedian   float64
	RepositionCount int

	ConfirmedTS          time.Time
	ConsumingTS          time.Time
	LastConfirmAlertTS   time.Time
	LastConsumingAlertTS time.Time

	SizeHistory []SizePoint
}

// AppendSize records a size observation, dropping the oldest point once
// the history is full.
func (w *ActiveWall) AppendSize(ts time.Time, size float64) {
	if len(w.SizeHistory) >= sizeHistoryCap {
		w.SizeHistory = w.SizeHistory[1:]
	}
	w.SizeHistory = append(w.SizeHistory, SizePoint{TS: ts, Size: size})
}

// InstrumentState is the full per-instrument detector state. Owned
// exclusively by the detector; never shared across goroutines.
type InstrumentState struct {
	InstrumentID string
	TickSize     float64
	Symbol       string

	LastSnapshot *OrderBookSnapshot
	Trades       []Trade
	ActiveWall   *ActiveWall

	LastDebugTS               time.Time
	LastDebugCandidateSize    float64
	HasLastDebugCandidateSize bool
}

// Alert kinds emitted on confirm/consume transitions.
const (
	AlertWallConfirmed = "ALERT_WALL_CONFIRMED"
	AlertWallConsuming = "ALERT_WALL_CONSUMING"
)

// Alert is the operator-facing signal for a confirmed or consuming wall.
type Alert struct {
	InstrumentID   string
	Side           Side
	Price          float64
	Event          string
	Size           float64
	Ratio          float64
	VRef           float64
	DistanceTicks  int
	DwellSeconds   float64
	ExecutedAtWall float64
	CancelShare    float64
	Reasons        []string
	TS             time.Time
}

// Wall lifecycle event kinds.
const (
	EventWallCandidate = "wall_candidate"
	EventWallConfirmed = "wall_confirmed"
	EventWallConsuming = "wall_consuming"
	EventWallLost      = "wall_lost"
)

// Loss reasons attached to wall_lost events.
const (
	LostReasonTeleport  = "teleport"
	LostReasonCancel    = "cancel"
	LostReasonDisappear = "disappear"
)

// WallKey builds the stable lifecycle key for a wall. The price is
// rendered with the shortest exact representation so equal prices map
// to equal keys.
func WallKey(instrumentID string, side Side, price float64) string {
	return instrumentID + "|" + string(side) + "|" + strconv.FormatFloat(price, 'f', -1, 64)
}

// WallEvent is one lifecycle transition of a wall. Events for a single
// instrument are ordered exactly as the inputs that produced them.
type WallEvent struct {
	Event                 string
	Symbol                string
	Side                  Side
	Price                 float64
	Qty                   float64
	WallKey               string
	DistanceTicksToSpread int
	HasDistanceToSpread   bool
	DistanceTicks         int
	RatioToMedian         float64
	DwellSeconds          float64
	QtyChangeLastInterval float64
	Thresholds            map[string]float64
	Timestamp             time.Time
	Reason                string
}

// MarshalZerologObject writes the event payload used by the structured
// log lines (one field set shared by all lifecycle events).
func (e *WallEvent) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("symbol", e.Symbol).
		Str("wall_key", e.WallKey).
		Str("side", string(e.Side)).
		Float64("price", e.Price).
		Float64("qty", e.Qty).
		Int("distance_ticks", e.DistanceTicks).
		Float64("ratio_to_median", e.RatioToMedian).
		Float64("dwell_seconds", e.DwellSeconds).
		Float64("qty_change_last_interval", e.QtyChangeLastInterval)
	if e.HasDistanceToSpread {
		ev.Int("distance_ticks_to_spread", e.DistanceTicksToSpread)
	}
	if len(e.Thresholds) > 0 {
		d := zerolog.Dict()
		for k, v := range e.Thresholds {
			d.Float64(k, v)
		}
		ev.Dict("thresholds", d)
	}
	if !e.Timestamp.IsZero() {
		ev.Time("timestamp", e.Timestamp)
	}
	if e.Reason != "" {
		ev.Str("reason", e.Reason)
	}
}
