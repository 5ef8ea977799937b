package buffer

import (
	"errors"
	"testing"

	"autonomous-trader/internal/types"
)

func candle(ts int64, close float64) types.Candle {
	return types.Candle{Symbol: "BTCUSDT", Ts: ts, Open: close, High: close, Low: close, Close: close, Vol: 1}
}

func TestPushAndWindow(t *testing.T) {
	r := NewRing(5)
	for i := int64(1); i <= 3; i++ {
		if err := r.Push(candle(i*60, float64(i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	if r.Len() != 3 {
		t.Fatalf("expected len 3, got %d", r.Len())
	}

	w := r.Window(2)
	if len(w) != 2 {
		t.Fatalf("expected window of 2, got %d", len(w))
	}
	if w[0].Ts != 120 || w[1].Ts != 180 {
		t.Errorf("window out of order: %v", w)
	}
}

func TestEvictionKeepsNewest(t *testing.T) {
	r := NewRing(3)
	for i := int64(1); i <= 10; i++ {
		if err := r.Push(candle(i*60, float64(i))); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	if r.Len() != 3 {
		t.Fatalf("expected len at capacity 3, got %d", r.Len())
	}

	w := r.Window(3)
	for i, want := range []int64{480, 540, 600} {
		if w[i].Ts != want {
			t.Errorf("slot %d: expected ts %d, got %d", i, want, w[i].Ts)
		}
	}

	if got := r.Stats().Evicted; got != 7 {
		t.Errorf("expected 7 evictions, got %d", got)
	}
}

func TestDuplicateTimestampSkipped(t *testing.T) {
	r := NewRing(4)
	if err := r.Push(candle(60, 1)); err != nil {
		t.Fatal(err)
	}
	if err := r.Push(candle(60, 2)); err != nil {
		t.Fatalf("duplicate should be skipped, got %v", err)
	}

	if r.Len() != 1 {
		t.Fatalf("expected len 1, got %d", r.Len())
	}
	latest, _ := r.Latest()
	if latest.Close != 1 {
		t.Errorf("duplicate overwrote existing candle: %v", latest)
	}
	if got := r.Stats().Duplicates; got != 1 {
		t.Errorf("expected 1 duplicate counted, got %d", got)
	}
}

func TestOutOfOrderRejected(t *testing.T) {
	r := NewRing(4)
	if err := r.Push(candle(120, 1)); err != nil {
		t.Fatal(err)
	}
	err := r.Push(candle(60, 2))
	if !errors.Is(err, ErrOutOfOrderData) {
		t.Fatalf("expected ErrOutOfOrderData, got %v", err)
	}
	if r.Len() != 1 {
		t.Errorf("rejected candle changed buffer, len=%d", r.Len())
	}
}

func TestWindowIsACopy(t *testing.T) {
	r := NewRing(4)
	r.Push(candle(60, 1))
	w := r.Window(1)
	w[0].Close = 999

	latest, _ := r.Latest()
	if latest.Close != 1 {
		t.Error("mutating window leaked into buffer")
	}
}

func TestWindowLargerThanHeld(t *testing.T) {
	r := NewRing(4)
	r.Push(candle(60, 1))
	r.Push(candle(120, 2))
	if w := r.Window(10); len(w) != 2 {
		t.Errorf("expected 2 candles, got %d", len(w))
	}
	if w := r.Window(0); w != nil {
		t.Errorf("expected nil for zero window, got %v", w)
	}
}
