package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/speedcam/internal/units"
)

// DefaultConfigPath is the path to the canonical tuning defaults file.
const DefaultConfigPath = "config/tuning.defaults.json"

// Decay policies for the overspeed debounce counter.
const (
	DecayReset = "reset" // contrary evidence zeroes the counter
	DecayStep  = "decay" // contrary evidence decrements the counter by one
)

// ErrInvalidConfig is matched (errors.Is) by every ValidationError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError reports a single rejected configuration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is lets callers match any validation failure against ErrInvalidConfig.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// TuningConfig holds the tracker, speed estimator and overspeed classifier
// parameters. Every field is optional; the Get* accessors supply defaults for
// anything omitted, so partial files are safe.
type TuningConfig struct {
	// Association
	GatePixels           *float64 `json:"gate_pixels,omitempty"`
	MaxPlausibleSpeedMps *float64 `json:"max_plausible_speed_mps,omitempty"`
	MaxMisses            *int     `json:"max_misses,omitempty"`
	HistoryLength        *int     `json:"history_length,omitempty"`

	// Speed estimation
	SpeedWindow    *int     `json:"speed_window,omitempty"`
	SmoothingAlpha *float64 `json:"smoothing_alpha,omitempty"`

	// Overspeed classification
	SpeedLimit              *float64 `json:"speed_limit,omitempty"`
	SpeedUnits              *string  `json:"speed_units,omitempty"`
	SpeedTolerance          *float64 `json:"speed_tolerance,omitempty"` // in SpeedUnits, above the limit
	OverspeedActivateFrames *int     `json:"overspeed_activate_frames,omitempty"`
	OverspeedReleaseFrames  *int     `json:"overspeed_release_frames,omitempty"`
	OverspeedDecay          *string  `json:"overspeed_decay,omitempty"`

	// Detection adapter
	DetectTimeout  *string  `json:"detect_timeout,omitempty"` // duration string like "2s"
	PrefetchFrames *int     `json:"prefetch_frames,omitempty"`
	VehicleClasses []string `json:"vehicle_classes,omitempty"`
	MinConfidence  *float64 `json:"min_confidence,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields unset.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field populated from
// the built-in defaults. GatePixels stays unset so the gate is derived from
// the calibration.
func DefaultTuningConfig() *TuningConfig {
	empty := EmptyTuningConfig()
	return &TuningConfig{
		MaxPlausibleSpeedMps:    ptrFloat64(empty.GetMaxPlausibleSpeedMps()),
		MaxMisses:               ptrInt(empty.GetMaxMisses()),
		HistoryLength:           ptrInt(empty.GetHistoryLength()),
		SpeedWindow:             ptrInt(empty.GetSpeedWindow()),
		SmoothingAlpha:          ptrFloat64(empty.GetSmoothingAlpha()),
		SpeedLimit:              ptrFloat64(empty.GetSpeedLimit()),
		SpeedUnits:              ptrString(empty.GetSpeedUnits()),
		SpeedTolerance:          ptrFloat64(empty.GetSpeedTolerance()),
		OverspeedActivateFrames: ptrInt(empty.GetOverspeedActivateFrames()),
		OverspeedReleaseFrames:  ptrInt(empty.GetOverspeedReleaseFrames()),
		OverspeedDecay:          ptrString(empty.GetOverspeedDecay()),
		DetectTimeout:           ptrString(empty.GetDetectTimeout().String()),
		PrefetchFrames:          ptrInt(empty.GetPrefetchFrames()),
		VehicleClasses:          empty.GetVehicleClasses(),
		MinConfidence:           ptrFloat64(empty.GetMinConfidence()),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical tuning defaults from DefaultConfigPath.
// It searches the current directory and parent directories up to the repo root.
// Panics if the file cannot be loaded, intended for test setup.
func MustLoadDefaultConfig() *TuningConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/ and cmd/speedcam/
		"../../../" + DefaultConfigPath, // from nested test packages
	}
	for _, path := range candidates {
		if cfg, err := LoadTuningConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every field that is set, then the cross-field constraints
// using the effective (defaulted) values. The first failure is returned as a
// *ValidationError.
func (c *TuningConfig) Validate() error {
	if c.GatePixels != nil && !(*c.GatePixels > 0) {
		return &ValidationError{"gate_pixels", fmt.Sprintf("must be positive, got %v", *c.GatePixels)}
	}
	if c.MaxPlausibleSpeedMps != nil && !(*c.MaxPlausibleSpeedMps > 0) {
		return &ValidationError{"max_plausible_speed_mps", fmt.Sprintf("must be positive, got %v", *c.MaxPlausibleSpeedMps)}
	}
	if c.MaxMisses != nil && *c.MaxMisses < 1 {
		return &ValidationError{"max_misses", fmt.Sprintf("must be >= 1, got %d", *c.MaxMisses)}
	}
	if c.SpeedWindow != nil && *c.SpeedWindow < 2 {
		return &ValidationError{"speed_window", fmt.Sprintf("must be >= 2, got %d", *c.SpeedWindow)}
	}
	if c.HistoryLength != nil && *c.HistoryLength < 2 {
		return &ValidationError{"history_length", fmt.Sprintf("must be >= 2, got %d", *c.HistoryLength)}
	}
	if c.SmoothingAlpha != nil && !(*c.SmoothingAlpha > 0 && *c.SmoothingAlpha <= 1) {
		return &ValidationError{"smoothing_alpha", fmt.Sprintf("must be in (0, 1], got %v", *c.SmoothingAlpha)}
	}
	if c.SpeedLimit != nil && !(*c.SpeedLimit > 0) {
		return &ValidationError{"speed_limit", fmt.Sprintf("must be positive, got %v", *c.SpeedLimit)}
	}
	if c.SpeedUnits != nil && !units.IsValid(*c.SpeedUnits) {
		return &ValidationError{"speed_units", fmt.Sprintf("must be one of %s, got %q", units.GetValidUnitsString(), *c.SpeedUnits)}
	}
	if c.SpeedTolerance != nil && !(*c.SpeedTolerance >= 0 && !math.IsInf(*c.SpeedTolerance, 1)) {
		return &ValidationError{"speed_tolerance", fmt.Sprintf("must be a finite non-negative number, got %v", *c.SpeedTolerance)}
	}
	if c.OverspeedActivateFrames != nil && *c.OverspeedActivateFrames < 1 {
		return &ValidationError{"overspeed_activate_frames", fmt.Sprintf("must be >= 1, got %d", *c.OverspeedActivateFrames)}
	}
	if c.OverspeedReleaseFrames != nil && *c.OverspeedReleaseFrames < 1 {
		return &ValidationError{"overspeed_release_frames", fmt.Sprintf("must be >= 1, got %d", *c.OverspeedReleaseFrames)}
	}
	if c.OverspeedDecay != nil && *c.OverspeedDecay != DecayReset && *c.OverspeedDecay != DecayStep {
		return &ValidationError{"overspeed_decay", fmt.Sprintf("must be %q or %q, got %q", DecayReset, DecayStep, *c.OverspeedDecay)}
	}
	if c.DetectTimeout != nil && *c.DetectTimeout != "" {
		d, err := time.ParseDuration(*c.DetectTimeout)
		if err != nil {
			return &ValidationError{"detect_timeout", fmt.Sprintf("invalid duration %q: %v", *c.DetectTimeout, err)}
		}
		if d <= 0 {
			return &ValidationError{"detect_timeout", fmt.Sprintf("must be positive, got %s", d)}
		}
	}
	if c.PrefetchFrames != nil && *c.PrefetchFrames < 0 {
		return &ValidationError{"prefetch_frames", fmt.Sprintf("must be non-negative, got %d", *c.PrefetchFrames)}
	}
	for _, class := range c.VehicleClasses {
		if class == "" {
			return &ValidationError{"vehicle_classes", "must not contain empty class names"}
		}
	}
	if c.MinConfidence != nil && !(*c.MinConfidence >= 0 && *c.MinConfidence <= 1) {
		return &ValidationError{"min_confidence", fmt.Sprintf("must be in [0, 1], got %v", *c.MinConfidence)}
	}

	if c.GetHistoryLength() < c.GetSpeedWindow() {
		return &ValidationError{"history_length", fmt.Sprintf("must be >= speed_window (%d), got %d", c.GetSpeedWindow(), c.GetHistoryLength())}
	}
	return nil
}

// GetGatePixels returns the configured gate and whether it was set. When it
// is unset callers derive the gate from the calibration and
// GetMaxPlausibleSpeedMps.
func (c *TuningConfig) GetGatePixels() (float64, bool) {
	if c.GatePixels == nil {
		return 0, false
	}
	return *c.GatePixels, true
}

// GetMaxPlausibleSpeedMps returns the max_plausible_speed_mps value or the default.
func (c *TuningConfig) GetMaxPlausibleSpeedMps() float64 {
	if c.MaxPlausibleSpeedMps == nil {
		return 70.0 // ~250 km/h
	}
	return *c.MaxPlausibleSpeedMps
}

// GetMaxMisses returns the max_misses value or the default.
func (c *TuningConfig) GetMaxMisses() int {
	if c.MaxMisses == nil {
		return 5
	}
	return *c.MaxMisses
}

// GetHistoryLength returns the history_length value or the default.
func (c *TuningConfig) GetHistoryLength() int {
	if c.HistoryLength == nil {
		return 64
	}
	return *c.HistoryLength
}

// GetSpeedWindow returns the speed_window value or the default.
func (c *TuningConfig) GetSpeedWindow() int {
	if c.SpeedWindow == nil {
		return 5
	}
	return *c.SpeedWindow
}

// GetSmoothingAlpha returns the smoothing_alpha value or the default.
func (c *TuningConfig) GetSmoothingAlpha() float64 {
	if c.SmoothingAlpha == nil {
		return 0.3
	}
	return *c.SmoothingAlpha
}

// GetSpeedLimit returns the speed_limit value (in GetSpeedUnits) or the default.
func (c *TuningConfig) GetSpeedLimit() float64 {
	if c.SpeedLimit == nil {
		return 50.0
	}
	return *c.SpeedLimit
}

// GetSpeedUnits returns the speed_units value or the default.
func (c *TuningConfig) GetSpeedUnits() string {
	if c.SpeedUnits == nil || *c.SpeedUnits == "" {
		return units.KMPH
	}
	return *c.SpeedUnits
}

// GetSpeedLimitMps returns the speed limit converted to metres per second.
func (c *TuningConfig) GetSpeedLimitMps() float64 {
	mps, err := units.ToMPS(c.GetSpeedLimit(), c.GetSpeedUnits())
	if err != nil {
		return c.GetSpeedLimit() // Validate rejects unknown units first
	}
	return mps
}

// defaultToleranceMps is 5 km/h.
const defaultToleranceMps = 5 / 3.6

// GetSpeedTolerance returns the speed_tolerance value in GetSpeedUnits. When
// unset it is 5 km/h expressed in those units.
func (c *TuningConfig) GetSpeedTolerance() float64 {
	if c.SpeedTolerance == nil {
		return units.ConvertSpeed(defaultToleranceMps, c.GetSpeedUnits())
	}
	return *c.SpeedTolerance
}

// GetSpeedToleranceMps returns the tolerance converted to metres per second.
func (c *TuningConfig) GetSpeedToleranceMps() float64 {
	if c.SpeedTolerance == nil {
		return defaultToleranceMps
	}
	mps, err := units.ToMPS(*c.SpeedTolerance, c.GetSpeedUnits())
	if err != nil {
		return *c.SpeedTolerance
	}
	return mps
}

// GetOverspeedActivateFrames returns the overspeed_activate_frames value or the default.
func (c *TuningConfig) GetOverspeedActivateFrames() int {
	if c.OverspeedActivateFrames == nil {
		return 5
	}
	return *c.OverspeedActivateFrames
}

// GetOverspeedReleaseFrames returns the overspeed_release_frames value or the default.
func (c *TuningConfig) GetOverspeedReleaseFrames() int {
	if c.OverspeedReleaseFrames == nil {
		return 5
	}
	return *c.OverspeedReleaseFrames
}

// GetOverspeedDecay returns the overspeed_decay policy or the default.
func (c *TuningConfig) GetOverspeedDecay() string {
	if c.OverspeedDecay == nil || *c.OverspeedDecay == "" {
		return DecayReset
	}
	return *c.OverspeedDecay
}

// GetDetectTimeout parses and returns the DetectTimeout as a time.Duration.
func (c *TuningConfig) GetDetectTimeout() time.Duration {
	if c.DetectTimeout == nil || *c.DetectTimeout == "" {
		return 2 * time.Second // default
	}
	d, err := time.ParseDuration(*c.DetectTimeout)
	if err != nil || d <= 0 {
		return 2 * time.Second // default on parse error
	}
	return d
}

// GetPrefetchFrames returns the prefetch_frames value or the default.
func (c *TuningConfig) GetPrefetchFrames() int {
	if c.PrefetchFrames == nil {
		return 0
	}
	return *c.PrefetchFrames
}

// GetVehicleClasses returns the vehicle_classes value or the default COCO
// vehicle labels.
func (c *TuningConfig) GetVehicleClasses() []string {
	if len(c.VehicleClasses) == 0 {
		return []string{"car", "motorcycle", "bus", "truck"}
	}
	out := make([]string, len(c.VehicleClasses))
	copy(out, c.VehicleClasses)
	return out
}

// GetMinConfidence returns the min_confidence value or the default.
func (c *TuningConfig) GetMinConfidence() float64 {
	if c.MinConfidence == nil {
		return 0
	}
	return *c.MinConfidence
}
