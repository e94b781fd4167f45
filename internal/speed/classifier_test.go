package speed

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const limit = 10.0

func newClassifier(t *testing.T, activate, release int, policy DecayPolicy) *Classifier {
	t.Helper()
	c, err := NewClassifier(limit, 0, activate, release, policy)
	require.NoError(t, err)
	return c
}

// feed runs the classifier over a sequence and returns the flag after each step.
func feed(c *Classifier, d *Debounce, speeds ...float64) []bool {
	out := make([]bool, len(speeds))
	for i, s := range speeds {
		out[i] = c.Step(d, Known(s))
	}
	return out
}

func TestNewClassifierValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClassifier(0, 0, 1, 1, DecayReset)
	assert.Error(t, err)
	_, err = NewClassifier(10, 0, 0, 1, DecayReset)
	assert.Error(t, err)
	_, err = NewClassifier(10, 0, 1, 0, DecayReset)
	assert.Error(t, err)
	_, err = NewClassifier(10, -1, 1, 1, DecayReset)
	assert.Error(t, err)
	_, err = NewClassifier(10, math.NaN(), 1, 1, DecayReset)
	assert.Error(t, err)
	_, err = NewClassifier(10, math.Inf(1), 1, 1, DecayReset)
	assert.Error(t, err)
}

func TestActivationLatency(t *testing.T) {
	t.Parallel()

	for _, policy := range []DecayPolicy{DecayReset, DecayStep} {
		t.Run(policy.String(), func(t *testing.T) {
			c := newClassifier(t, 3, 3, policy)

			var d Debounce
			// Over the limit for grace-1 frames never flags.
			assert.Equal(t, []bool{false, false}, feed(c, &d, 12, 12))
			assert.False(t, d.Flagged)

			// The grace-th consecutive frame flags.
			assert.True(t, c.Step(&d, Known(12)))
			assert.Equal(t, 0, d.Counter)
		})
	}
}

func TestShortExcursionNeverFlags(t *testing.T) {
	t.Parallel()
	c := newClassifier(t, 3, 3, DecayReset)

	var d Debounce
	flags := feed(c, &d, 12, 12, 9, 12, 12, 9, 12, 12, 9)
	for i, f := range flags {
		assert.False(t, f, "frame %d", i)
	}
}

func TestReleaseLatency(t *testing.T) {
	t.Parallel()
	c := newClassifier(t, 2, 4, DecayReset)

	var d Debounce
	feed(c, &d, 15, 15)
	require.True(t, d.Flagged)

	assert.Equal(t, []bool{true, true, true}, feed(c, &d, 5, 5, 5))
	assert.False(t, c.Step(&d, Known(5)), "fourth under-limit frame releases")
}

func TestSpeedEqualToLimitIsNotOver(t *testing.T) {
	t.Parallel()
	c := newClassifier(t, 1, 1, DecayReset)

	var d Debounce
	assert.False(t, c.Step(&d, Known(limit)))
	assert.True(t, c.Step(&d, Known(limit+0.001)))
}

func TestPendingIsNoEvidence(t *testing.T) {
	t.Parallel()
	c := newClassifier(t, 3, 3, DecayReset)

	var d Debounce
	feed(c, &d, 12, 12)
	assert.False(t, c.Step(&d, Pending()))
	assert.Equal(t, 2, d.Counter, "pending must neither reset nor advance the counter")
	assert.True(t, c.Step(&d, Known(12)))
}

func TestDecayPolicies(t *testing.T) {
	t.Parallel()

	// Two over, one under, one over: reset needs three fresh frames, decay
	// resumes from the decremented counter.
	seq := []float64{12, 12, 9, 12, 12}

	var reset Debounce
	got := feed(newClassifier(t, 3, 3, DecayReset), &reset, seq...)
	assert.Equal(t, []bool{false, false, false, false, false}, got)

	var step Debounce
	got = feed(newClassifier(t, 3, 3, DecayStep), &step, seq...)
	assert.Equal(t, []bool{false, false, false, false, true}, got)
}

func TestDecayNeverGoesNegative(t *testing.T) {
	t.Parallel()
	c := newClassifier(t, 2, 2, DecayStep)

	var d Debounce
	feed(c, &d, 1, 1, 1, 1)
	assert.Equal(t, 0, d.Counter)
}

func TestParseDecayPolicy(t *testing.T) {
	t.Parallel()

	p, err := ParseDecayPolicy("reset")
	require.NoError(t, err)
	assert.Equal(t, DecayReset, p)

	p, err = ParseDecayPolicy("decay")
	require.NoError(t, err)
	assert.Equal(t, DecayStep, p)

	_, err = ParseDecayPolicy("linear")
	assert.Error(t, err)
}

func TestCategorize(t *testing.T) {
	t.Parallel()
	c := newClassifier(t, 3, 3, DecayReset)

	tests := []struct {
		name    string
		max     Estimate
		flagged bool
		want    Category
	}{
		{"flagged", Known(20), true, CategoryOverspeed},
		{"over but never flagged", Known(11), false, CategoryMarginal},
		{"within", Known(9), false, CategoryWithinLimit},
		{"never estimated", Pending(), false, CategoryPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Categorize(tt.max, tt.flagged))
		})
	}
}

func TestToleranceBand(t *testing.T) {
	t.Parallel()
	const tolerance = 2.0
	c, err := NewClassifier(limit, tolerance, 1, 1, DecayReset)
	require.NoError(t, err)
	assert.Equal(t, tolerance, c.ToleranceMPS())

	tests := []struct {
		name     string
		speed    float64
		over     bool
		category Category
	}{
		{"below limit", limit - 0.5, false, CategoryWithinLimit},
		{"at limit", limit, false, CategoryWithinLimit},
		{"just above limit", limit + 0.001, false, CategoryGrace},
		{"at limit plus tolerance", limit + tolerance, false, CategoryGrace},
		{"just above the band", limit + tolerance + 0.001, true, CategoryMarginal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.over, c.Over(tt.speed))

			var d Debounce
			assert.Equal(t, tt.over, c.Step(&d, Known(tt.speed)), "one-frame activation")
			assert.Equal(t, tt.category, c.Categorize(Known(tt.speed), false))
		})
	}
}

func TestGraceBandNeverFlags(t *testing.T) {
	t.Parallel()
	c, err := NewClassifier(limit, 2, 3, 3, DecayReset)
	require.NoError(t, err)

	var d Debounce
	flags := feed(c, &d, 11, 12, 11.5, 12, 12, 12)
	for i, f := range flags {
		assert.False(t, f, "frame %d", i)
	}
	assert.Equal(t, 0, d.Counter)
}
