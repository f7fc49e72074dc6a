package bot

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"wallwatch/internal/invest"
	"wallwatch/internal/runtime"
	"wallwatch/internal/state"
)

type fakeManager struct {
	symbols []string
	updates [][]string
}

func (f *fakeManager) GetSymbols() []string { return append([]string(nil), f.symbols...) }

func (f *fakeManager) UpdateSymbols(symbols []string) {
	f.symbols = append([]string(nil), symbols...)
	f.updates = append(f.updates, f.symbols)
}

type fakeSink struct {
	events      []state.WallEvent
	instruments map[string]invest.InstrumentInfo
}

func (f *fakeSink) NotifyEvent(event state.WallEvent) { f.events = append(f.events, event) }

func (f *fakeSink) AddInstrument(symbol string, info invest.InstrumentInfo) {
	if f.instruments == nil {
		f.instruments = map[string]invest.InstrumentInfo{}
	}
	f.instruments[symbol] = info
}

func newTestHandler(manager *fakeManager, allowed ...int64) *Handler {
	return &Handler{
		Runtime:    runtime.New(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 7, 20),
		Manager:    manager,
		MaxSymbols: 10,
		AllowedIDs: AllowedSet(allowed),
		Clock: func() time.Time {
			return time.Date(2024, 1, 1, 2, 30, 0, 0, time.UTC)
		},
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		text string
		want ParsedCommand
		ok   bool
	}{
		{"/ping", ParsedCommand{Name: "ping", Args: []string{}}, true},
		{"  /watch SBER GAZP ", ParsedCommand{Name: "watch", Args: []string{"SBER", "GAZP"}}, true},
		{"/STATUS@wallwatch_bot", ParsedCommand{Name: "status", Args: []string{}}, true},
		{"hello", ParsedCommand{}, false},
		{"/", ParsedCommand{}, false},
		{"", ParsedCommand{}, false},
	}
	for _, tc := range tests {
		got, ok := ParseCommand(tc.text)
		if ok != tc.ok {
			t.Fatalf("ParseCommand(%q) ok = %v, want %v", tc.text, ok, tc.ok)
		}
		if !ok {
			continue
		}
		if got.Name != tc.want.Name || !reflect.DeepEqual(append([]string{}, got.Args...), tc.want.Args) {
			t.Fatalf("ParseCommand(%q) = %+v, want %+v", tc.text, got, tc.want)
		}
	}
}

func TestParseSymbols(t *testing.T) {
	got := ParseSymbols([]string{"sber,GAZP", " lkoh ", "SBER"})
	want := []string{"SBER", "GAZP", "LKOH"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseSymbols = %v, want %v", got, want)
	}
}

func TestCommandAuthz(t *testing.T) {
	manager := &fakeManager{}
	h := newTestHandler(manager, 42)

	reply, ok := h.HandleCommand("/watch SBER", 1, 7)
	if !ok || reply != "not allowed" {
		t.Fatalf("unauthorized reply = %q/%v", reply, ok)
	}
	if len(manager.updates) != 0 {
		t.Fatalf("unauthorized command mutated symbols: %v", manager.updates)
	}

	reply, ok = h.HandleCommand("/watch SBER", 1, 42)
	if !ok || reply != "watching: SBER" {
		t.Fatalf("authorized reply = %q/%v", reply, ok)
	}
	if !reflect.DeepEqual(manager.symbols, []string{"SBER"}) {
		t.Fatalf("symbols = %v", manager.symbols)
	}
}

func TestEmptyAllowedSetIsOpen(t *testing.T) {
	manager := &fakeManager{}
	h := newTestHandler(manager)

	reply, ok := h.HandleCommand("/list", 1, 999)
	if !ok || reply != "symbols=none" {
		t.Fatalf("open authz reply = %q/%v", reply, ok)
	}
}

func TestWatchValidation(t *testing.T) {
	manager := &fakeManager{}
	h := newTestHandler(manager)
	h.MaxSymbols = 2

	if reply, _ := h.HandleCommand("/watch", 1, 0); reply != "Usage: /watch <symbols>" {
		t.Fatalf("missing args reply = %q", reply)
	}
	if reply, _ := h.HandleCommand("/watch a,b,c", 1, 0); reply != "Too many symbols (max 2)." {
		t.Fatalf("over-limit reply = %q", reply)
	}
	if len(manager.updates) != 0 {
		t.Fatalf("invalid watch mutated symbols: %v", manager.updates)
	}
}

func TestUnwatch(t *testing.T) {
	manager := &fakeManager{symbols: []string{"SBER", "GAZP"}}
	h := newTestHandler(manager)

	reply, _ := h.HandleCommand("/unwatch gazp,LKOH", 1, 0)
	if reply != "removed: GAZP" {
		t.Fatalf("unwatch reply = %q", reply)
	}
	if !reflect.DeepEqual(manager.symbols, []string{"SBER"}) {
		t.Fatalf("symbols = %v", manager.symbols)
	}

	reply, _ = h.HandleCommand("/unwatch SBER", 1, 0)
	if reply != "removed: SBER (idle)" {
		t.Fatalf("final unwatch reply = %q", reply)
	}

	reply, _ = h.HandleCommand("/unwatch XXXX", 1, 0)
	if reply != "no matching symbols to remove" {
		t.Fatalf("no-match reply = %q", reply)
	}
}

func TestPingAndStatusFormatting(t *testing.T) {
	manager := &fakeManager{}
	h := newTestHandler(manager)
	h.Runtime.SetStreamState(runtime.StreamConnected, "")
	h.Runtime.AddOrderbooks(5)
	h.Runtime.AddTrades(3)
	h.Runtime.SetSymbols([]string{"SBER"})
	h.Runtime.SetSinceLastMessage(0.25)
	h.Runtime.SetLastWallEvent(runtime.WallEventInfo{
		EventType: state.EventWallConfirmed,
		TS:        time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
		Symbol:    "SBER",
		Side:      state.SideBuy,
		Price:     100.5,
		Qty:       1000,
	})

	ping, _ := h.HandleCommand("/ping", 1, 0)
	for _, want := range []string{
		"pong 2024-01-01T02:30:00Z",
		"uptime=2h30m",
		"stream_state=connected",
		"rx_total_orderbooks=5",
		"rx_total_trades=3",
		"since_last_message_seconds=0.250s",
	} {
		if !strings.Contains(ping, want) {
			t.Fatalf("ping missing %q:\n%s", want, ping)
		}
	}

	status, _ := h.HandleCommand("/status", 1, 0)
	for _, want := range []string{
		"state=connected",
		"since_last_message=0.250s",
		"symbols=SBER",
		"depth=20",
		"last_wall_event=wall_confirmed SBER BUY 100.5 1000 @ 2024-01-01T01:00:00Z",
	} {
		if !strings.Contains(status, want) {
			t.Fatalf("status missing %q:\n%s", want, status)
		}
	}
}

func TestSmokeEmitsSyntheticConfirm(t *testing.T) {
	manager := &fakeManager{}
	sink := &fakeSink{}
	h := newTestHandler(manager)
	h.EventSink = sink

	reply, _ := h.HandleCommand("/smoke", 1, 0)
	if reply != "smoke event sent" {
		t.Fatalf("smoke reply = %q", reply)
	}
	if len(sink.events) != 1 {
		t.Fatalf("smoke emitted %d events", len(sink.events))
	}
	event := sink.events[0]
	if event.Event != state.EventWallConfirmed || event.Symbol != "VSEH" {
		t.Fatalf("smoke event = %+v", event)
	}
	if _, ok := sink.instruments["VSEH"]; !ok {
		t.Fatalf("smoke instrument not registered: %v", sink.instruments)
	}
}

func TestUnknownCommand(t *testing.T) {
	h := newTestHandler(&fakeManager{})
	reply, _ := h.HandleCommand("/frobnicate", 1, 0)
	if reply != "Unknown command. Use /help." {
		t.Fatalf("unknown command reply = %q", reply)
	}
}

func TestNonCommandTextIsIgnored(t *testing.T) {
	h := newTestHandler(&fakeManager{})
	if _, ok := h.HandleCommand("just chatting", 1, 0); ok {
		t.Fatal("plain text should produce no reply")
	}
}

func TestFormatUptime(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		elapsed time.Duration
		want    string
	}{
		{90 * time.Minute, "1h30m"},
		{30 * time.Second, "0h0m"},
		{25 * time.Hour, "25h0m"},
	}
	for _, tc := range tests {
		if got := FormatUptime(start, start.Add(tc.elapsed)); got != tc.want {
			t.Fatalf("FormatUptime(%v) = %q, want %q", tc.elapsed, got, tc.want)
		}
	}
}
