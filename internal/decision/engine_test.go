package decision

import (
	"context"
	"errors"
	"testing"
	"time"

	"autonomous-trader/internal/interfaces"
	"autonomous-trader/internal/types"
)

type fakeBackend struct {
	name     string
	decision types.Decision
	err      error
	calls    int
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Decide(_ context.Context, _ types.FeatureSnapshot) (types.Decision, error) {
	f.calls++
	if f.err != nil {
		return types.Decision{}, f.err
	}
	return f.decision, nil
}

func snap() types.FeatureSnapshot {
	return types.FeatureSnapshot{ID: "snap-1", Symbol: "BTCUSDT", Close: 50000}
}

func TestFirstBackendWins(t *testing.T) {
	primary := &fakeBackend{name: "openai", decision: types.Decision{Action: "BUY", Confidence: 0.8, RiskScore: 0.3, Reason: "ok"}}
	fallback := &fakeBackend{name: "rule", decision: types.Decision{Action: "HOLD", Confidence: 0.5}}
	e := NewEngine([]interfaces.Backend{primary, fallback}, Config{Timeout: time.Second, MaxRequestsPerMinute: 60})

	d, err := e.Decide(context.Background(), snap())
	if err != nil {
		t.Fatal(err)
	}
	if d.Source != "openai" {
		t.Errorf("expected openai source, got %s", d.Source)
	}
	if d.SnapshotID != "snap-1" {
		t.Errorf("decision not linked to snapshot: %s", d.SnapshotID)
	}
	if d.ID == "" {
		t.Error("decision has no ID")
	}
	if fallback.calls != 0 {
		t.Errorf("fallback should not be called, got %d calls", fallback.calls)
	}
}

func TestFallbackOnError(t *testing.T) {
	primary := &fakeBackend{name: "openai", err: errors.New("upstream 500")}
	fallback := &fakeBackend{name: "rule", decision: types.Decision{Action: "HOLD", Confidence: 0.5, Reason: "fallback"}}
	e := NewEngine([]interfaces.Backend{primary, fallback}, Config{Timeout: time.Second, MaxRequestsPerMinute: 60})

	d, err := e.Decide(context.Background(), snap())
	if err != nil {
		t.Fatal(err)
	}
	if d.Source != "rule" {
		t.Errorf("expected fallback source, got %s", d.Source)
	}
}

func TestFallbackOnMalformedDecision(t *testing.T) {
	primary := &fakeBackend{name: "openai", decision: types.Decision{Action: "YOLO", Confidence: 0.9}}
	overConfident := &fakeBackend{name: "anthropic", decision: types.Decision{Action: "BUY", Confidence: 1.7}}
	fallback := &fakeBackend{name: "rule", decision: types.Decision{Action: "SELL", Confidence: 0.6, RiskScore: 0.4}}
	e := NewEngine([]interfaces.Backend{primary, overConfident, fallback}, Config{Timeout: time.Second, MaxRequestsPerMinute: 60})

	d, err := e.Decide(context.Background(), snap())
	if err != nil {
		t.Fatal(err)
	}
	if d.Source != "rule" {
		t.Errorf("expected rule source, got %s", d.Source)
	}
	if primary.calls != 1 || overConfident.calls != 1 {
		t.Error("chain did not try every backend in order")
	}
}

func TestAllBackendsFail(t *testing.T) {
	a := &fakeBackend{name: "openai", err: errors.New("down")}
	b := &fakeBackend{name: "anthropic", err: errors.New("also down")}
	e := NewEngine([]interfaces.Backend{a, b}, Config{Timeout: time.Second, MaxRequestsPerMinute: 60})

	_, err := e.Decide(context.Background(), snap())
	if !errors.Is(err, ErrDecisionUnavailable) {
		t.Fatalf("expected ErrDecisionUnavailable, got %v", err)
	}
}

func TestActionNormalization(t *testing.T) {
	primary := &fakeBackend{name: "openai", decision: types.Decision{Action: " buy ", Confidence: 0.7, RiskScore: 0.2}}
	e := NewEngine([]interfaces.Backend{primary}, Config{Timeout: time.Second, MaxRequestsPerMinute: 60})

	d, err := e.Decide(context.Background(), snap())
	if err != nil {
		t.Fatal(err)
	}
	if d.Action != types.ActionBuy {
		t.Errorf("expected normalized BUY, got %q", d.Action)
	}
}

func TestRateLimitSkipsRemoteNotLocal(t *testing.T) {
	remote := &fakeBackend{name: "openai", decision: types.Decision{Action: "BUY", Confidence: 0.9, RiskScore: 0.1}}
	local := &fakeBackend{name: "rule", decision: types.Decision{Action: "HOLD", Confidence: 0.5}}
	e := NewEngine([]interfaces.Backend{remote, local}, Config{Timeout: time.Second, MaxRequestsPerMinute: 1})

	if _, err := e.Decide(context.Background(), snap()); err != nil {
		t.Fatal(err)
	}
	d, err := e.Decide(context.Background(), snap())
	if err != nil {
		t.Fatal(err)
	}
	if d.Source != "rule" {
		t.Errorf("quota-exhausted chain should land on rule, got %s", d.Source)
	}
	if remote.calls != 1 {
		t.Errorf("remote backend called %d times past quota", remote.calls)
	}
}

func TestMinuteLimiterWindowSlides(t *testing.T) {
	l := newMinuteLimiter(2)
	base := time.Now()
	if !l.allow(base) || !l.allow(base.Add(time.Second)) {
		t.Fatal("first two requests should pass")
	}
	if l.allow(base.Add(2 * time.Second)) {
		t.Fatal("third request inside window should be denied")
	}
	if !l.allow(base.Add(61 * time.Second)) {
		t.Fatal("request after window slides should pass")
	}
}
