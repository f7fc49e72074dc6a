package notify

import (
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	pb "github.com/russianinvestments/invest-api-go-sdk/proto"

	"wallwatch/internal/invest"
	"wallwatch/internal/state"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []tgbotapi.MessageConfig
}

func (f *fakeSender) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, msg)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeSender) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestNotifier(t *testing.T, sender *fakeSender, opts TelegramOptions) *TelegramNotifier {
	t.Helper()
	if opts.ChatIDs == nil {
		opts.ChatIDs = []int64{100}
	}
	if opts.ParseMode == "" {
		opts.ParseMode = "HTML"
	}
	n := NewTelegramNotifier(sender, "123:secret", opts)
	t.Cleanup(func() {
		n.Flush()
		n.Close()
	})
	return n
}

func wallEvent(event, symbol string, price float64) state.WallEvent {
	return state.WallEvent{
		Event:   event,
		Symbol:  symbol,
		Side:    state.SideBuy,
		Price:   price,
		Qty:     1000,
		WallKey: state.WallKey("inst", state.SideBuy, price),
	}
}

func TestLostDedupPerWall(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(t, sender, TelegramOptions{
		SendEvents: []string{state.EventWallLost},
	})

	n.NotifyEvent(wallEvent(state.EventWallConfirmed, "SBER", 120.5))
	n.NotifyEvent(wallEvent(state.EventWallLost, "SBER", 120.5))
	n.NotifyEvent(wallEvent(state.EventWallLost, "SBER", 120.5)) // suppressed
	n.NotifyEvent(wallEvent(state.EventWallConfirmed, "SBER", 121.0))
	n.NotifyEvent(wallEvent(state.EventWallLost, "SBER", 121.0))
	n.Flush()

	if got := len(sender.messages()); got != 2 {
		t.Fatalf("sent %d lost messages, want 2", got)
	}
}

func TestConsumingRequiresPriorConfirm(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(t, sender, TelegramOptions{
		SendEvents: []string{state.EventWallConsuming},
	})

	n.NotifyEvent(wallEvent(state.EventWallConsuming, "SBER", 100))
	n.Flush()
	if got := len(sender.messages()); got != 0 {
		t.Fatalf("bare consuming should be dropped, sent %d", got)
	}

	n.NotifyEvent(wallEvent(state.EventWallConfirmed, "SBER", 100))
	n.NotifyEvent(wallEvent(state.EventWallConsuming, "SBER", 100))
	n.Flush()
	if got := len(sender.messages()); got != 1 {
		t.Fatalf("consuming after confirm should pass, sent %d", got)
	}
}

func TestConfirmMarksSessionEvenWhenNotSent(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(t, sender, TelegramOptions{
		SendEvents: []string{state.EventWallLost},
	})

	n.NotifyEvent(wallEvent(state.EventWallConfirmed, "SBER", 100))
	n.NotifyEvent(wallEvent(state.EventWallLost, "SBER", 100))
	n.Flush()
	if got := len(sender.messages()); got != 1 {
		t.Fatalf("lost after unsent confirm should pass, sent %d", got)
	}
}

func TestCooldownLimitsPerSymbolAndKind(t *testing.T) {
	sender := &fakeSender{}
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	n := newTestNotifier(t, sender, TelegramOptions{
		SendEvents:      []string{state.EventWallConfirmed},
		CooldownSeconds: map[string]float64{state.EventWallConfirmed: 60},
		Clock:           clock.Now,
	})

	n.NotifyEvent(wallEvent(state.EventWallConfirmed, "SBER", 100))
	clock.Advance(10 * time.Second)
	n.NotifyEvent(wallEvent(state.EventWallConfirmed, "SBER", 101)) // cooldown
	n.NotifyEvent(wallEvent(state.EventWallConfirmed, "GAZP", 100)) // other symbol
	clock.Advance(60 * time.Second)
	n.NotifyEvent(wallEvent(state.EventWallConfirmed, "SBER", 102))
	n.Flush()

	if got := len(sender.messages()); got != 3 {
		t.Fatalf("sent %d messages, want 3", got)
	}
}

func TestQueueOverflowDropsInsteadOfBlocking(t *testing.T) {
	sender := &fakeSender{}
	n := NewTelegramNotifier(sender, "", TelegramOptions{
		ChatIDs:    []int64{1},
		SendEvents: []string{state.EventWallConfirmed},
		QueueSize:  1,
	})
	defer n.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			n.SendText("burst")
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
	n.Flush()
}

func TestMessageFormattingAndKeyboard(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(t, sender, TelegramOptions{
		SendEvents:              []string{state.EventWallConfirmed},
		IncludeInstrumentButton: true,
		ButtonText:              "Open instrument",
		DisableWebPreview:       true,
	})
	n.UpdateInstruments(map[string]invest.InstrumentInfo{
		"SBER": {
			Symbol: "SBER",
			Ticker: "SBER",
			Kind:   pb.InstrumentType_INSTRUMENT_TYPE_SHARE,
		},
	})

	event := wallEvent(state.EventWallConfirmed, "SBER", 100.5)
	event.RatioToMedian = 5.4321
	event.DwellSeconds = 12.34
	event.QtyChangeLastInterval = -50
	event.DistanceTicksToSpread = 1
	event.HasDistanceToSpread = true
	n.NotifyEvent(event)
	n.Flush()

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	text := msgs[0].Text
	for _, want := range []string{
		"✅ WALL CONFIRMED",
		"<b>Symbol:</b> SBER",
		"<b>Price:</b> 100.5",
		"<b>Ratio to median:</b> 5.43",
		"<b>Distance to spread:</b> 1",
		"<b>Dwell:</b> 12.3s",
		"<b>Qty change:</b> -50",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("message missing %q:\n%s", want, text)
		}
	}
	if msgs[0].ParseMode != "HTML" || !msgs[0].DisableWebPagePreview {
		t.Fatalf("outbound options = %q/%v", msgs[0].ParseMode, msgs[0].DisableWebPagePreview)
	}
	keyboard, ok := msgs[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(keyboard.InlineKeyboard) != 1 || len(keyboard.InlineKeyboard[0]) != 1 {
		t.Fatalf("expected a single-button keyboard, got %#v", msgs[0].ReplyMarkup)
	}
	button := keyboard.InlineKeyboard[0][0]
	if button.Text != "Open instrument" || button.URL == nil || *button.URL != "https://www.tbank.ru/invest/stocks/SBER/" {
		t.Fatalf("button = %+v", button)
	}
}

func TestSymbolIsEscaped(t *testing.T) {
	sender := &fakeSender{}
	n := newTestNotifier(t, sender, TelegramOptions{
		SendEvents: []string{state.EventWallConfirmed},
	})

	event := wallEvent(state.EventWallConfirmed, "<b>SBER</b>", 100)
	n.NotifyEvent(event)
	n.Flush()

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if strings.Contains(msgs[0].Text, "<b>SBER</b>") {
		t.Fatalf("symbol not escaped:\n%s", msgs[0].Text)
	}
	if !strings.Contains(msgs[0].Text, "&lt;b&gt;SBER&lt;/b&gt;") {
		t.Fatalf("escaped symbol missing:\n%s", msgs[0].Text)
	}
}

func TestFormatDecimal(t *testing.T) {
	tests := []struct {
		value  float64
		digits int
		want   string
	}{
		{100.5, 6, "100.5"},
		{0, 6, "0"},
		{5.4321, 2, "5.43"},
		{-1.10, 2, "-1.1"},
	}
	for _, tc := range tests {
		if got := formatDecimal(tc.value, tc.digits); got != tc.want {
			t.Fatalf("formatDecimal(%v, %d) = %q, want %q", tc.value, tc.digits, got)
		}
	}
	if got := formatSigned(50, 2); got != "+50" {
		t.Fatalf("formatSigned(50) = %q", got)
	}
}
