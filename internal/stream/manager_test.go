package stream

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"wallwatch/internal/detector"
	"wallwatch/internal/invest"
	"wallwatch/internal/runtime"
	"wallwatch/internal/state"
)

// fakeMarketData resolves every symbol to a synthetic instrument and
// feeds one order book per session, then blocks until canceled.
type fakeMarketData struct {
	mu        sync.Mutex
	sessions  [][]string
	streamErr error
	started   chan struct{} // receives once per stream start
}

func newFakeMarketData() *fakeMarketData {
	return &fakeMarketData{started: make(chan struct{}, 16)}
}

func (f *fakeMarketData) ResolveInstruments(_ context.Context, symbols []string) ([]invest.InstrumentInfo, []string, error) {
	var resolved []invest.InstrumentInfo
	var failures []string
	for _, symbol := range symbols {
		if symbol == "MISSING" {
			failures = append(failures, symbol)
			continue
		}
		resolved = append(resolved, invest.InstrumentInfo{
			InstrumentID: "uid-" + symbol,
			Symbol:       symbol,
			TickSize:     1.0,
		})
	}
	return resolved, failures, nil
}

func (f *fakeMarketData) Stream(ctx context.Context, instruments []invest.InstrumentInfo, depth int, h invest.Handlers) error {
	f.mu.Lock()
	symbols := make([]string, 0, len(instruments))
	for _, info := range instruments {
		symbols = append(symbols, info.Symbol)
	}
	f.sessions = append(f.sessions, symbols)
	err := f.streamErr
	f.mu.Unlock()
	select {
	case f.started <- struct{}{}:
	default:
	}

	if err != nil {
		return err
	}
	h.OnOrderBook(state.OrderBookSnapshot{
		InstrumentID: instruments[0].InstrumentID,
		Bids:         []state.OrderBookLevel{{Price: 100, Quantity: 10}},
		BestBid:      100,
		HasBestBid:   true,
		TS:           time.Now().UTC(),
	})
	h.OnTrade(state.Trade{InstrumentID: instruments[0].InstrumentID, Price: 100, Quantity: 1, TS: time.Now().UTC()})
	<-ctx.Done()
	return nil
}

func (f *fakeMarketData) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeMarketData) lastSession() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sessions) == 0 {
		return nil
	}
	return append([]string(nil), f.sessions[len(f.sessions)-1]...)
}

func waitFor(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream start")
	}
}

func testManager(client MarketData, rt *runtime.State) *Manager {
	return NewManager(Options{
		DetectorConfig: detector.DefaultConfig(),
		Client:         client,
		Runtime:        rt,
		BackoffInitial: 0.01,
		BackoffMax:     0.05,
	})
}

func TestNormalizeSymbols(t *testing.T) {
	in := []string{" sber", "SBER", "gazp", "", "GAZP", "lkoh "}
	want := []string{"SBER", "GAZP", "LKOH"}
	got := NormalizeSymbols(in)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("NormalizeSymbols = %v, want %v", got, want)
	}
	if again := NormalizeSymbols(got); !reflect.DeepEqual(again, got) {
		t.Fatalf("normalization not idempotent: %v", again)
	}
}

func TestManagerRunsSessionAndCounts(t *testing.T) {
	client := newFakeMarketData()
	rt := runtime.New(time.Now(), 1, 20)
	m := testManager(client, rt)

	m.Start(context.Background(), []string{"sber"})
	defer m.Stop()
	waitFor(t, client.started)

	deadline := time.Now().Add(5 * time.Second)
	for {
		ob, tr := m.ConsumeIntervalCounts()
		if ob >= 1 && tr >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("interval counts never arrived: ob=%d tr=%d", ob, tr)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if _, ok := m.LastMessageAt(); !ok {
		t.Fatal("last message timestamp not recorded")
	}
	snap := rt.Snapshot()
	if snap.StreamState != runtime.StreamConnected {
		t.Fatalf("stream state = %q, want connected", snap.StreamState)
	}
	if snap.RxTotalOrderbooks < 1 || snap.RxTotalTrades < 1 {
		t.Fatalf("runtime totals = %d/%d", snap.RxTotalOrderbooks, snap.RxTotalTrades)
	}
	if !reflect.DeepEqual(snap.CurrentSymbols, []string{"SBER"}) {
		t.Fatalf("runtime symbols = %v", snap.CurrentSymbols)
	}
}

func TestUpdateSymbolsRestartsSession(t *testing.T) {
	client := newFakeMarketData()
	m := testManager(client, nil)

	m.Start(context.Background(), []string{"SBER"})
	defer m.Stop()
	waitFor(t, client.started)

	m.UpdateSymbols([]string{"gazp"})
	waitFor(t, client.started)

	if got := client.lastSession(); !reflect.DeepEqual(got, []string{"GAZP"}) {
		t.Fatalf("restarted session symbols = %v", got)
	}
	if got := m.GetSymbols(); !reflect.DeepEqual(got, []string{"GAZP"}) {
		t.Fatalf("GetSymbols = %v", got)
	}
}

func TestManagerIdlesWithoutSymbols(t *testing.T) {
	client := newFakeMarketData()
	rt := runtime.New(time.Now(), 1, 20)
	m := testManager(client, rt)

	m.Start(context.Background(), nil)
	defer m.Stop()

	time.Sleep(50 * time.Millisecond)
	if got := client.sessionCount(); got != 0 {
		t.Fatalf("no session expected while idle, got %d", got)
	}
	if snap := rt.Snapshot(); snap.StreamState != runtime.StreamConnecting || snap.LastError != "no symbols" {
		t.Fatalf("idle state = %q/%q", snap.StreamState, snap.LastError)
	}
}

func TestManagerBacksOffOnStreamError(t *testing.T) {
	client := newFakeMarketData()
	client.streamErr = errors.New("transport down")
	rt := runtime.New(time.Now(), 1, 20)
	m := testManager(client, rt)

	m.Start(context.Background(), []string{"SBER"})
	defer m.Stop()
	waitFor(t, client.started)
	waitFor(t, client.started) // a second session proves the retry

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := rt.Snapshot()
		if snap.LastError == "transport down" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("backoff state never recorded: %+v", snap)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopWaitsForTeardown(t *testing.T) {
	client := newFakeMarketData()
	m := testManager(client, nil)

	m.Start(context.Background(), []string{"SBER"})
	waitFor(t, client.started)
	m.Stop()

	sessions := client.sessionCount()
	time.Sleep(50 * time.Millisecond)
	if client.sessionCount() != sessions {
		t.Fatal("sessions kept starting after Stop")
	}
}
