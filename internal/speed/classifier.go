package speed

import (
	"fmt"
	"math"
)

// DecayPolicy controls what happens to the debounce counter when a frame
// agrees with the current flag state.
type DecayPolicy int

const (
	// DecayReset zeroes the counter, so activation needs strictly
	// consecutive contrary frames.
	DecayReset DecayPolicy = iota
	// DecayStep lowers the counter by one per agreeing frame.
	DecayStep
)

// ParseDecayPolicy maps the configuration names "reset" and "decay".
func ParseDecayPolicy(s string) (DecayPolicy, error) {
	switch s {
	case "reset", "":
		return DecayReset, nil
	case "decay":
		return DecayStep, nil
	}
	return DecayReset, fmt.Errorf("unknown overspeed decay policy %q", s)
}

func (p DecayPolicy) String() string {
	if p == DecayStep {
		return "decay"
	}
	return "reset"
}

// Debounce is the per-track overspeed state.
type Debounce struct {
	Flagged bool
	// Counter is the evidence accumulated toward the opposite state.
	Counter int
}

// Classifier applies the speed limit with activation and release grace.
// Speeds up to limit+tolerance are never evidence of overspeed.
type Classifier struct {
	limitMps     float64
	toleranceMps float64
	activate     int
	release      int
	policy       DecayPolicy
}

// NewClassifier validates and builds a Classifier. limitMps and toleranceMps
// are in metres per second; activate and release are consecutive-frame counts.
func NewClassifier(limitMps, toleranceMps float64, activate, release int, policy DecayPolicy) (*Classifier, error) {
	if !(limitMps > 0) {
		return nil, fmt.Errorf("speed limit must be positive, got %v", limitMps)
	}
	if !(toleranceMps >= 0) || math.IsInf(toleranceMps, 1) {
		return nil, fmt.Errorf("speed tolerance must be finite and non-negative, got %v", toleranceMps)
	}
	if activate < 1 || release < 1 {
		return nil, fmt.Errorf("overspeed grace must be at least 1 frame, got activate=%d release=%d", activate, release)
	}
	return &Classifier{limitMps: limitMps, toleranceMps: toleranceMps, activate: activate, release: release, policy: policy}, nil
}

// LimitMPS returns the limit in metres per second.
func (c *Classifier) LimitMPS() float64 { return c.limitMps }

// ToleranceMPS returns the tolerance above the limit in metres per second.
func (c *Classifier) ToleranceMPS() float64 { return c.toleranceMps }

// Over reports whether mps exceeds the limit plus the tolerance.
func (c *Classifier) Over(mps float64) bool { return mps > c.limitMps+c.toleranceMps }

// Step feeds one frame's smoothed estimate into d and returns the flag after
// the update. A pending estimate carries no evidence and leaves d untouched.
func (c *Classifier) Step(d *Debounce, est Estimate) bool {
	mps, ok := est.MPS()
	if !ok {
		return d.Flagged
	}

	if c.Over(mps) == d.Flagged {
		switch c.policy {
		case DecayStep:
			if d.Counter > 0 {
				d.Counter--
			}
		default:
			d.Counter = 0
		}
		return d.Flagged
	}

	d.Counter++
	threshold := c.activate
	if d.Flagged {
		threshold = c.release
	}
	if d.Counter >= threshold {
		d.Flagged = !d.Flagged
		d.Counter = 0
	}
	return d.Flagged
}

// Category buckets a finished track for reporting.
type Category string

const (
	CategoryOverspeed   Category = "overspeed"
	CategoryMarginal    Category = "marginal"
	CategoryGrace       Category = "grace"
	CategoryWithinLimit Category = "within_limit"
	CategoryPending     Category = "pending"
)

// Categorize labels a finished track from its peak smoothed speed:
//
//	within_limit  peak <= limit
//	grace         limit < peak <= limit+tolerance
//	marginal      peak > limit+tolerance, but never for long enough to flag
//	overspeed     flagged at least once
func (c *Classifier) Categorize(maxSpeed Estimate, everFlagged bool) Category {
	if everFlagged {
		return CategoryOverspeed
	}
	mps, ok := maxSpeed.MPS()
	switch {
	case !ok:
		return CategoryPending
	case c.Over(mps):
		return CategoryMarginal
	case mps > c.limitMps:
		return CategoryGrace
	}
	return CategoryWithinLimit
}
