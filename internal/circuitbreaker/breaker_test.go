package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock lets tests advance time without sleeping.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker(threshold int, openFor time.Duration) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	b := New(threshold, openFor)
	b.now = clk.now
	return b, clk
}

func TestClosedByDefault(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	assert.Equal(t, StateClosed, b.State("charge"))
	assert.True(t, b.Allow("charge"))
}

func TestTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("charge")
	b.RecordFailure("charge")
	assert.Equal(t, StateClosed, b.State("charge"))
	assert.True(t, b.Allow("charge"))

	b.RecordFailure("charge")
	assert.Equal(t, StateOpen, b.State("charge"))
	assert.False(t, b.Allow("charge"))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure("charge")
	b.RecordFailure("charge")
	b.RecordSuccess("charge")

	// The streak restarts, so two more failures do not trip it.
	b.RecordFailure("charge")
	b.RecordFailure("charge")
	assert.Equal(t, StateClosed, b.State("charge"))
}

func TestKeysAreIndependent(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)

	b.RecordFailure("charge")
	b.RecordFailure("charge")

	assert.Equal(t, StateOpen, b.State("charge"))
	assert.Equal(t, StateClosed, b.State("refund"))
	assert.True(t, b.Allow("refund"))
}

func TestProbeAfterOpenDuration(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	b.RecordFailure("charge")
	assert.False(t, b.Allow("charge"))

	clk.advance(61 * time.Second)

	// First caller after the window is the probe; concurrent callers wait.
	assert.True(t, b.Allow("charge"))
	assert.Equal(t, StateHalfOpen, b.State("charge"))
	assert.False(t, b.Allow("charge"))
}

func TestProbeSuccessCloses(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	b.RecordFailure("charge")
	clk.advance(2 * time.Minute)
	assert.True(t, b.Allow("charge"))

	b.RecordSuccess("charge")
	assert.Equal(t, StateClosed, b.State("charge"))
	assert.True(t, b.Allow("charge"))
}

func TestProbeFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(1, time.Minute)

	b.RecordFailure("charge")
	clk.advance(2 * time.Minute)
	assert.True(t, b.Allow("charge"))

	b.RecordFailure("charge")
	assert.Equal(t, StateOpen, b.State("charge"))
	assert.False(t, b.Allow("charge"))

	// The open window restarts from the failed probe.
	clk.advance(61 * time.Second)
	assert.True(t, b.Allow("charge"))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}
