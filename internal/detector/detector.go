// Package detector implements the per-instrument wall state machine.
//
// The detector is fed order-book snapshots and tape trades for a set of
// instruments and turns them into wall lifecycle events (candidate,
// confirmed, consuming, lost) plus operator alerts. It is deterministic
// for a given config and input sequence, and is meant to be driven from
// a single goroutine — the stream reader owns it.
package detector

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"wallwatch/internal/state"
)

// eps guards every denominator in the wall math.
const eps = 1e-9

// Config enumerates all detector knobs. Zero value is not useful; start
// from DefaultConfig.
type Config struct {
	MaxSymbols int
	Depth      int

	// Candidate selection.
	DistanceTicks   int
	KRatio          float64
	AbsQtyThreshold float64
	VRefLevels      int

	// Confirmation.
	DwellSeconds            float64
	EMin                    float64
	AMin                    float64
	CancelShareMax          float64
	ConfirmMaxDistanceTicks int // 0 = no limit

	// Reposition (spoof/teleport) detection.
	RepositionWindowSeconds float64
	RepositionTicks         int
	RepositionSimilarPct    float64
	RepositionMax           int
	TeleportReset           bool

	// Absorption window.
	TradesWindowSeconds float64

	// Consumption.
	ConsumingDropPct       float64
	ConsumingWindowSeconds float64
	MinExecConfirm         float64

	// Alert cooldowns.
	CooldownConfirmedSeconds float64
	CooldownConsumingSeconds float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSymbols:               10,
		Depth:                    20,
		DistanceTicks:            10,
		KRatio:                   10.0,
		AbsQtyThreshold:          0,
		VRefLevels:               10,
		DwellSeconds:             30.0,
		EMin:                     200.0,
		AMin:                     0.2,
		CancelShareMax:           0.7,
		RepositionWindowSeconds:  3.0,
		RepositionTicks:          1,
		RepositionSimilarPct:     0.2,
		RepositionMax:            1,
		TradesWindowSeconds:      20.0,
		ConsumingDropPct:         0.2,
		ConsumingWindowSeconds:   8.0,
		MinExecConfirm:           50.0,
		CooldownConfirmedSeconds: 120.0,
		CooldownConsumingSeconds: 45.0,
	}
}

// DebugPayload is the throttled per-snapshot diagnostic view.
type DebugPayload struct {
	Symbol                string
	BestBid               float64
	HasBestBid            bool
	BestAsk               float64
	HasBestAsk            bool
	Spread                float64
	HasSpread             bool
	CandidateSide         state.Side
	CandidatePrice        float64
	CandidateQty          float64
	HasCandidate          bool
	DistanceTicksToSpread int
	HasDistanceToSpread   bool
	QtyRatioToMedian      float64
	DwellSeconds          float64
	QtyChangeLastInterval float64
	TeleportDetected      bool
	State                 string
}

// MarshalZerologObject writes the wall_debug log fields.
func (p *DebugPayload) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("symbol", p.Symbol)
	if p.HasBestBid {
		ev.Float64("best_bid", p.BestBid)
	}
	if p.HasBestAsk {
		ev.Float64("best_ask", p.BestAsk)
	}
	if p.HasSpread {
		ev.Float64("spread", p.Spread)
	}
	if p.HasCandidate {
		ev.Str("candidate_side", string(p.CandidateSide)).
			Float64("candidate_price", p.CandidatePrice).
			Float64("candidate_qty", p.CandidateQty)
	}
	if p.HasDistanceToSpread {
		ev.Int("distance_ticks_to_spread", p.DistanceTicksToSpread)
	}
	ev.Float64("qty_ratio_to_median", p.QtyRatioToMedian).
		Float64("dwell_seconds", p.DwellSeconds).
		Float64("qty_change_last_interval", p.QtyChangeLastInterval).
		Bool("teleport_detected", p.TeleportDetected).
		Str("state", p.State)
}

// Detector owns all per-instrument state. Not safe for concurrent use.
type Detector struct {
	cfg    Config
	states map[string]*state.InstrumentState
}

// New creates a detector with no instruments registered.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg, states: make(map[string]*state.InstrumentState)}
}

// Config returns the detector configuration.
func (d *Detector) Config() Config { return d.cfg }

// UpsertInstrument registers an instrument. No-op if already present.
func (d *Detector) UpsertInstrument(instrumentID string, tickSize float64, symbol string) {
	if _, ok := d.states[instrumentID]; ok {
		return
	}
	d.states[instrumentID] = &state.InstrumentState{
		InstrumentID: instrumentID,
		TickSize:     tickSize,
		Symbol:       symbol,
	}
}

// RemoveInstrument drops all state for an instrument.
func (d *Detector) RemoveInstrument(instrumentID string) {
	delete(d.states, instrumentID)
}

// InstrumentIDs returns the registered instrument ids.
func (d *Detector) InstrumentIDs() []string {
	ids := make([]string, 0, len(d.states))
	for id := range d.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// States returns the tracked instrument states, for status reporting.
func (d *Detector) States() []*state.InstrumentState {
	out := make([]*state.InstrumentState, 0, len(d.states))
	for _, id := range d.InstrumentIDs() {
		out = append(out, d.states[id])
	}
	return out
}

// OnTrade appends a trade to the rolling buffer and trims entries older
// than the trades window relative to the trade timestamp.
func (d *Detector) OnTrade(trade state.Trade) {
	st, ok := d.states[trade.InstrumentID]
	if !ok {
		return
	}
	st.Trades = append(st.Trades, trade)
	d.cleanupTrades(st, trade.TS)
}

// OnOrderBook processes a snapshot and returns the alerts it produced.
func (d *Detector) OnOrderBook(snapshot state.OrderBookSnapshot) []state.Alert {
	alerts, _, _ := d.processOrderBook(snapshot, -1)
	return alerts
}

// OnOrderBookWithEvents processes a snapshot and additionally returns
// the raw lifecycle events.
func (d *Detector) OnOrderBookWithEvents(snapshot state.OrderBookSnapshot) ([]state.Alert, []state.WallEvent) {
	alerts, _, events := d.processOrderBook(snapshot, -1)
	return alerts, events
}

// OnOrderBookWithDebug is OnOrderBookWithEvents plus a throttled debug
// payload (nil when throttled). A non-positive interval means every
// snapshot produces a payload.
func (d *Detector) OnOrderBookWithDebug(snapshot state.OrderBookSnapshot, debugInterval float64) ([]state.Alert, *DebugPayload, []state.WallEvent) {
	if debugInterval < 0 {
		debugInterval = 0
	}
	return d.processOrderBook(snapshot, debugInterval)
}

// processOrderBook is the engine. debugInterval < 0 disables debug.
func (d *Detector) processOrderBook(snapshot state.OrderBookSnapshot, debugInterval float64) ([]state.Alert, *DebugPayload, []state.WallEvent) {
	st, ok := d.states[snapshot.InstrumentID]
	if !ok {
		return nil, nil, nil
	}
	st.LastSnapshot = &snapshot
	d.cleanupTrades(st, snapshot.TS)

	var alerts []state.Alert
	var events []state.WallEvent

	candidate := d.findCandidate(&snapshot, st.TickSize)
	if candidate == nil {
		if st.ActiveWall != nil {
			wall := st.ActiveWall
			reason := d.resolveLostReason(&snapshot, wall, false)
			events = append(events, d.buildWallEvent(st, &snapshot, wall, wall.LastSize,
				snapshot.TS.Sub(wall.FirstSeen).Seconds(), state.EventWallLost, reason, 0))
			st.ActiveWall = nil
		}
		payload := d.buildDebugPayload(st, &snapshot, nil, nil, false, 0, debugInterval)
		return alerts, payload, events
	}

	previous := st.ActiveWall
	wall, teleport := d.updateActiveWall(st, candidate, snapshot.TS)
	wall.DistanceTicks = candidate.DistanceTicks
	wall.RatioToMedian = candidate.Ratio
	if previous == nil || previous != wall {
		if previous != nil {
			reason := d.resolveLostReason(&snapshot, previous, teleport)
			events = append(events, d.buildWallEvent(st, &snapshot, previous, previous.LastSize,
				snapshot.TS.Sub(previous.FirstSeen).Seconds(), state.EventWallLost, reason, 0))
		}
		events = append(events, d.buildWallEvent(st, &snapshot, wall, candidate.Size,
			snapshot.TS.Sub(wall.FirstSeen).Seconds(), state.EventWallCandidate, "", 0))
	}

	previousSize := wall.LastSize
	wall.AppendSize(snapshot.TS, candidate.Size)
	wall.LastSize = candidate.Size
	wall.LastSeen = snapshot.TS

	dwellSeconds := snapshot.TS.Sub(wall.FirstSeen).Seconds()
	qtyChange := candidate.Size - previousSize
	executedAtWall := d.executedVolumeAtPrice(st, candidate.Price)
	sizeDrop := math.Max(previousSize-candidate.Size, 0)
	cancelShare := d.cancelShare(executedAtWall, sizeDrop)
	absorptionScore := executedAtWall / math.Max(candidate.Size, eps)

	if d.shouldConfirm(wall, dwellSeconds, executedAtWall, cancelShare, absorptionScore, sizeDrop, snapshot.TS) {
		if wall.ConfirmedTS.IsZero() {
			ev := d.buildWallEvent(st, &snapshot, wall, candidate.Size, dwellSeconds,
				state.EventWallConfirmed, "", qtyChange)
			ev.Thresholds = map[string]float64{
				"dwell_seconds":    d.cfg.DwellSeconds,
				"e_min":            d.cfg.EMin,
				"a_min":            d.cfg.AMin,
				"cancel_share_max": d.cfg.CancelShareMax,
			}
			events = append(events, ev)
		}
		alerts = append(alerts, d.buildAlert(&snapshot, candidate, state.AlertWallConfirmed,
			dwellSeconds, executedAtWall, cancelShare, []string{
				fmt.Sprintf("dwell>=%g", d.cfg.DwellSeconds),
				fmt.Sprintf("ratio>=%g or abs>=%g", d.cfg.KRatio, d.cfg.AbsQtyThreshold),
			}))
		wall.ConfirmedTS = snapshot.TS
		wall.LastConfirmAlertTS = snapshot.TS
	}

	if d.shouldConsuming(wall, snapshot.TS, executedAtWall, cancelShare) {
		if wall.ConsumingTS.IsZero() {
			ev := d.buildWallEvent(st, &snapshot, wall, candidate.Size, dwellSeconds,
				state.EventWallConsuming, "", qtyChange)
			ev.Thresholds = map[string]float64{
				"consuming_drop_pct":       d.cfg.ConsumingDropPct,
				"consuming_window_seconds": d.cfg.ConsumingWindowSeconds,
				"min_exec_confirm":         d.cfg.MinExecConfirm,
			}
			events = append(events, ev)
			wall.ConsumingTS = snapshot.TS
		}
		alerts = append(alerts, d.buildAlert(&snapshot, candidate, state.AlertWallConsuming,
			dwellSeconds, executedAtWall, cancelShare, []string{
				fmt.Sprintf("drop>=%.2f", d.cfg.ConsumingDropPct),
				fmt.Sprintf("exec>=%g", d.cfg.MinExecConfirm),
			}))
		wall.LastConsumingAlertTS = snapshot.TS
	}

	payload := d.buildDebugPayload(st, &snapshot, candidate, wall, teleport, dwellSeconds, debugInterval)
	return alerts, payload, events
}

// findCandidate scans both sides and returns the highest-ratio
// qualifying level, or nil. Ties keep the earlier side (bids first).
func (d *Detector) findCandidate(snapshot *state.OrderBookSnapshot, tickSize float64) *state.WallCandidate {
	if tickSize <= 0 {
		return nil
	}
	var candidates []state.WallCandidate
	if snapshot.HasBestBid {
		candidates = append(candidates, d.findSideCandidates(state.SideBuy, snapshot.Bids, snapshot.BestBid, tickSize)...)
	}
	if snapshot.HasBestAsk {
		candidates = append(candidates, d.findSideCandidates(state.SideSell, snapshot.Asks, snapshot.BestAsk, tickSize)...)
	}
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Ratio > best.Ratio {
			best = c
		}
	}
	return &best
}

func (d *Detector) findSideCandidates(side state.Side, levels []state.OrderBookLevel, bestPrice, tickSize float64) []state.WallCandidate {
	if len(levels) == 0 {
		return nil
	}
	top := levels
	if len(top) > d.cfg.VRefLevels {
		top = top[:d.cfg.VRefLevels]
	}
	vRef := medianVolume(top)
	var out []state.WallCandidate
	for _, level := range levels {
		dist := int(math.Round(math.Abs(level.Price-bestPrice) / tickSize))
		if dist == 0 || dist > d.cfg.DistanceTicks {
			continue
		}
		ratio := level.Quantity / math.Max(vRef, eps)
		// AbsQtyThreshold of 0 admits every level in range; operators
		// who want the ratio gate alone must raise the threshold.
		if ratio >= d.cfg.KRatio || level.Quantity >= d.cfg.AbsQtyThreshold {
			out = append(out, state.WallCandidate{
				Side:          side,
				Price:         level.Price,
				Size:          level.Quantity,
				Ratio:         ratio,
				VRef:          vRef,
				DistanceTicks: dist,
			})
		}
	}
	return out
}

// medianVolume is the median of the positive level quantities, 0 when
// every quantity is zero.
func medianVolume(levels []state.OrderBookLevel) float64 {
	values := make([]float64, 0, len(levels))
	for _, level := range levels {
		if level.Quantity > 0 {
			values = append(values, level.Quantity)
		}
	}
	if len(values) == 0 {
		return 0
	}
	sort.Float64s(values)
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return (values[mid-1] + values[mid]) / 2
}

// updateActiveWall returns the wall matching the candidate, creating a
// replacement when price or side moved. The second result reports a
// detected teleport (near-identical wall reappearing nearby within the
// reposition window).
func (d *Detector) updateActiveWall(st *state.InstrumentState, candidate *state.WallCandidate, ts time.Time) (*state.ActiveWall, bool) {
	wall := st.ActiveWall
	if wall != nil && wall.Side == candidate.Side && wall.Price == candidate.Price {
		return wall, false
	}
	repositionCount := 0
	teleport := false
	if wall != nil {
		withinWindow := ts.Sub(wall.LastSeen).Seconds() <= d.cfg.RepositionWindowSeconds
		if withinWindow {
			priceDelta := math.Abs(candidate.Price - wall.Price)
			maxDelta := float64(d.cfg.RepositionTicks) * st.TickSize
			sizeSimilarity := math.Abs(candidate.Size-wall.LastSize) / math.Max(wall.LastSize, eps)
			if priceDelta <= maxDelta && sizeSimilarity <= d.cfg.RepositionSimilarPct {
				repositionCount = wall.RepositionCount + 1
				teleport = true
				if d.cfg.TeleportReset {
					repositionCount = 0
				}
			}
		}
	}
	newWall := &state.ActiveWall{
		Side:            candidate.Side,
		Price:           candidate.Price,
		FirstSeen:       ts,
		LastSeen:        ts,
		LastSize:        candidate.Size,
		DistanceTicks:   candidate.DistanceTicks,
		RatioToMedian:   candidate.Ratio,
		RepositionCount: repositionCount,
	}
	st.ActiveWall = newWall
	return newWall, teleport
}

func (d *Detector) resolveLostReason(snapshot *state.OrderBookSnapshot, wall *state.ActiveWall, teleport bool) string {
	if teleport {
		return state.LostReasonTeleport
	}
	if _, ok := findLevelQuantity(snapshot, wall.Side, wall.Price); ok {
		return state.LostReasonCancel
	}
	return state.LostReasonDisappear
}

func findLevelQuantity(snapshot *state.OrderBookSnapshot, side state.Side, price float64) (float64, bool) {
	levels := snapshot.Bids
	if side == state.SideSell {
		levels = snapshot.Asks
	}
	for _, level := range levels {
		if level.Price == price {
			return level.Quantity, true
		}
	}
	return 0, false
}

func (d *Detector) buildWallEvent(st *state.InstrumentState, snapshot *state.OrderBookSnapshot, wall *state.ActiveWall, qty, dwellSeconds float64, event, reason string, qtyChange float64) state.WallEvent {
	ev := state.WallEvent{
		Event:                 event,
		Symbol:                st.Symbol,
		Side:                  wall.Side,
		Price:                 wall.Price,
		Qty:                   qty,
		WallKey:               state.WallKey(st.InstrumentID, wall.Side, wall.Price),
		DistanceTicks:         wall.DistanceTicks,
		RatioToMedian:         wall.RatioToMedian,
		DwellSeconds:          dwellSeconds,
		QtyChangeLastInterval: qtyChange,
		Timestamp:             snapshot.TS,
		Reason:                reason,
	}
	if dist, ok := d.distanceTicksToSpread(st, snapshot, wall.Side, wall.Price); ok {
		ev.DistanceTicksToSpread = dist
		ev.HasDistanceToSpread = true
	}
	return ev
}

// distanceTicksToSpread measures how far the wall sits from the
// opposite best price, in ticks.
func (d *Detector) distanceTicksToSpread(st *state.InstrumentState, snapshot *state.OrderBookSnapshot, side state.Side, price float64) (int, bool) {
	if !snapshot.HasBestBid || !snapshot.HasBestAsk || st.TickSize <= 0 {
		return 0, false
	}
	if side == state.SideBuy {
		return int(math.Round(math.Abs(snapshot.BestAsk-price) / st.TickSize)), true
	}
	return int(math.Round(math.Abs(price-snapshot.BestBid) / st.TickSize)), true
}

func (d *Detector) buildDebugPayload(st *state.InstrumentState, snapshot *state.OrderBookSnapshot, candidate *state.WallCandidate, wall *state.ActiveWall, teleport bool, dwellSeconds, debugInterval float64) *DebugPayload {
	if debugInterval < 0 {
		return nil
	}
	if !st.LastDebugTS.IsZero() && snapshot.TS.Sub(st.LastDebugTS).Seconds() < debugInterval {
		return nil
	}
	st.LastDebugTS = snapshot.TS

	payload := &DebugPayload{
		Symbol:           st.Symbol,
		BestBid:          snapshot.BestBid,
		HasBestBid:       snapshot.HasBestBid,
		BestAsk:          snapshot.BestAsk,
		HasBestAsk:       snapshot.HasBestAsk,
		TeleportDetected: teleport,
		DwellSeconds:     dwellSeconds,
		State:            "NONE",
	}
	if snapshot.HasBestBid && snapshot.HasBestAsk {
		payload.Spread = snapshot.BestAsk - snapshot.BestBid
		payload.HasSpread = true
	}
	if candidate != nil {
		payload.HasCandidate = true
		payload.CandidateSide = candidate.Side
		payload.CandidatePrice = candidate.Price
		payload.CandidateQty = candidate.Size
		payload.QtyRatioToMedian = candidate.Ratio
		if dist, ok := d.distanceTicksToSpread(st, snapshot, candidate.Side, candidate.Price); ok {
			payload.DistanceTicksToSpread = dist
			payload.HasDistanceToSpread = true
		}
		if st.HasLastDebugCandidateSize {
			payload.QtyChangeLastInterval = candidate.Size - st.LastDebugCandidateSize
		}
		st.LastDebugCandidateSize = candidate.Size
		st.HasLastDebugCandidateSize = true
	} else {
		st.HasLastDebugCandidateSize = false
	}

	if candidate != nil && wall != nil {
		switch {
		case !wall.ConfirmedTS.IsZero() && d.consumingDropPct(wall, snapshot.TS) >= d.cfg.ConsumingDropPct:
			payload.State = "CONSUMING"
		case !wall.ConfirmedTS.IsZero():
			payload.State = "CONFIRMED"
		default:
			payload.State = "CANDIDATE"
		}
	}
	return payload
}

func (d *Detector) cleanupTrades(st *state.InstrumentState, ts time.Time) {
	window := time.Duration(d.cfg.TradesWindowSeconds * float64(time.Second))
	i := 0
	for i < len(st.Trades) && ts.Sub(st.Trades[i].TS) > window {
		i++
	}
	if i > 0 {
		st.Trades = append(st.Trades[:0], st.Trades[i:]...)
	}
}

func (d *Detector) executedVolumeAtPrice(st *state.InstrumentState, price float64) float64 {
	total := 0.0
	for _, trade := range st.Trades {
		if trade.Price == price {
			total += trade.Quantity
		}
	}
	return total
}

// cancelShare estimates the fraction of a size drop that was cancelled
// rather than traded. Executed volume above the drop clamps the share
// to 0: everything that vanished is accounted for by prints.
func (d *Detector) cancelShare(executedAtWall, sizeDrop float64) float64 {
	if sizeDrop <= 0 {
		return 0
	}
	return 1 - math.Min(executedAtWall, sizeDrop)/math.Max(sizeDrop, eps)
}

func (d *Detector) shouldConfirm(wall *state.ActiveWall, dwellSeconds, executedAtWall, cancelShare, absorptionScore, sizeDrop float64, ts time.Time) bool {
	if wall.RepositionCount > d.cfg.RepositionMax {
		return false
	}
	if dwellSeconds < d.cfg.DwellSeconds {
		return false
	}
	if d.cfg.ConfirmMaxDistanceTicks > 0 && wall.DistanceTicks > d.cfg.ConfirmMaxDistanceTicks {
		return false
	}
	hasCancelSignal := sizeDrop > 0 && cancelShare <= d.cfg.CancelShareMax
	if !(executedAtWall >= d.cfg.EMin || hasCancelSignal || absorptionScore >= d.cfg.AMin) {
		return false
	}
	if wall.LastConfirmAlertTS.IsZero() {
		return true
	}
	return ts.Sub(wall.LastConfirmAlertTS).Seconds() >= d.cfg.CooldownConfirmedSeconds
}

func (d *Detector) shouldConsuming(wall *state.ActiveWall, ts time.Time, executedAtWall, cancelShare float64) bool {
	if wall.ConfirmedTS.IsZero() {
		return false
	}
	// Either real executions at the wall or a low cancel share keep the
	// signal honest; pure cancels do not count as consumption.
	if executedAtWall < d.cfg.MinExecConfirm && cancelShare > d.cfg.CancelShareMax {
		return false
	}
	if d.consumingDropPct(wall, ts) < d.cfg.ConsumingDropPct {
		return false
	}
	if wall.LastConsumingAlertTS.IsZero() {
		return true
	}
	return ts.Sub(wall.LastConsumingAlertTS).Seconds() >= d.cfg.CooldownConsumingSeconds
}

// consumingDropPct measures the size decline against the earliest
// history point still inside the consuming window.
func (d *Detector) consumingDropPct(wall *state.ActiveWall, ts time.Time) float64 {
	if len(wall.SizeHistory) == 0 {
		return 0
	}
	window := time.Duration(d.cfg.ConsumingWindowSeconds * float64(time.Second))
	baseline := 0.0
	found := false
	for _, point := range wall.SizeHistory {
		if ts.Sub(point.TS) <= window {
			baseline = point.Size
			found = true
			break
		}
	}
	if !found || baseline <= 0 {
		return 0
	}
	return math.Max((baseline-wall.LastSize)/baseline, 0)
}

func (d *Detector) buildAlert(snapshot *state.OrderBookSnapshot, candidate *state.WallCandidate, event string, dwellSeconds, executedAtWall, cancelShare float64, reasons []string) state.Alert {
	return state.Alert{
		InstrumentID:   snapshot.InstrumentID,
		Side:           candidate.Side,
		Price:          candidate.Price,
		Event:          event,
		Size:           candidate.Size,
		Ratio:          candidate.Ratio,
		VRef:           candidate.VRef,
		DistanceTicks:  candidate.DistanceTicks,
		DwellSeconds:   dwellSeconds,
		ExecutedAtWall: executedAtWall,
		CancelShare:    cancelShare,
		Reasons:        reasons,
		TS:             snapshot.TS,
	}
}
