// Package notify delivers wall alerts and lifecycle events to
// operators: a console notifier for plain alert lines and a Telegram
// notifier with queueing, cooldowns and per-wall session dedup.
package notify

import (
	"strings"

	"github.com/rs/zerolog/log"

	"wallwatch/internal/state"
)

// Notifier receives confirmed/consuming alerts.
type Notifier interface {
	Notify(alert state.Alert)
}

// EventNotifier receives every wall lifecycle event.
type EventNotifier interface {
	NotifyEvent(event state.WallEvent)
}

// ConsoleNotifier writes alerts to the structured log.
type ConsoleNotifier struct{}

func (ConsoleNotifier) Notify(alert state.Alert) {
	log.Info().
		Str("instrument", alert.InstrumentID).
		Str("side", string(alert.Side)).
		Float64("price", alert.Price).
		Float64("size", alert.Size).
		Float64("ratio", alert.Ratio).
		Float64("v_ref", alert.VRef).
		Int("distance_ticks", alert.DistanceTicks).
		Float64("dwell_seconds", alert.DwellSeconds).
		Float64("executed_at_wall", alert.ExecutedAtWall).
		Float64("cancel_share", alert.CancelShare).
		Str("reasons", strings.Join(alert.Reasons, ",")).
		Msg(alert.Event)
}
