//go:build property

package breaker

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestBreakerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("opens exactly at the failure threshold", prop.ForAll(
		func(failures int) bool {
			clock := newFakeClock()
			b := testRegistry(clock).ForSource("S1")
			for i := 0; i < failures; i++ {
				b.RecordFailure()
				clock.Advance(time.Second) // stays inside the 60 s window
			}
			wantOpen := failures >= DefaultSettings().FailureThreshold
			return (b.Snapshot().State == Open) == wantOpen
		},
		gen.IntRange(0, 20),
	))

	properties.Property("failures outside the window never open the circuit", prop.ForAll(
		func(failures int, gapSeconds int) bool {
			clock := newFakeClock()
			b := testRegistry(clock).ForSource("S1")
			for i := 0; i < failures; i++ {
				b.RecordFailure()
				clock.Advance(time.Duration(gapSeconds) * time.Second)
			}
			// With gaps longer than the window at most one failure is
			// ever counted at once.
			return b.Snapshot().State == Closed
		},
		gen.IntRange(0, 20),
		gen.IntRange(61, 300),
	))

	properties.Property("reset always yields a closed circuit that admits calls", prop.ForAll(
		func(failures int) bool {
			clock := newFakeClock()
			b := testRegistry(clock).ForSource("S1")
			for i := 0; i < failures; i++ {
				b.RecordFailure()
			}
			b.Reset("ops")
			return b.Snapshot().State == Closed && b.Allow() == nil
		},
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}
