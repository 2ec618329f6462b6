// Package trust implements the three-axis diagnostic scorer. The scorer
// is a pure function over a reading and its store snapshot; it holds no
// state beyond its immutable configuration.
package trust

import (
	"github.com/soilsense/trustd/internal/types"
	"github.com/soilsense/trustd/pkg/config"
)

// Band is a normal/moderate percentage threshold pair. Change above the
// moderate bound is treated as extreme.
type Band struct {
	Normal   float64
	Moderate float64
}

// Limit is a hard physical bound for one probe.
type Limit struct {
	Min float64
	Max float64
}

// Penalties are the physical-plausibility deductions.
type Penalties struct {
	HighMoistureNoRain float64
	SoilAirTempGap     float64
	PHJump             float64
	ECSpike            float64
}

// Bands are the descending trust thresholds mapping score to status.
type Bands struct {
	HighlyReliable float64
	Reliable       float64
	Uncertain      float64
	Unreliable     float64
}

// Config is the immutable scorer configuration, keyed by parameter.
type Config struct {
	WTemporal float64
	WCross    float64
	WPhysical float64

	Limits   map[types.Parameter]Limit
	Temporal map[types.Parameter]Band
	Static   map[types.Parameter]float64
	Drift    map[types.Parameter]float64
	Cross    map[types.Parameter]Band

	Penalties Penalties
	Bands     Bands

	HistoryWindow int
	DriftWindow   int
	TrendWindow   int

	// MinHistory is the number of prior readings required before a
	// verdict is produced.
	MinHistory int
}

// NewConfig converts loaded scoring configuration into the scorer's
// parameter-keyed form.
func NewConfig(sd config.ScoringData) *Config {
	c := &Config{
		WTemporal:     sd.Weights.Temporal,
		WCross:        sd.Weights.Cross,
		WPhysical:     sd.Weights.Physical,
		Limits:        make(map[types.Parameter]Limit, len(types.Parameters)),
		Temporal:      make(map[types.Parameter]Band, len(types.Parameters)),
		Static:        make(map[types.Parameter]float64, len(types.Parameters)),
		Drift:         make(map[types.Parameter]float64, len(types.Parameters)),
		Cross:         make(map[types.Parameter]Band, len(types.Parameters)),
		Penalties:     Penalties(sd.PhysicalPenalties),
		Bands:         Bands(sd.TrustBands),
		HistoryWindow: sd.HistoryWindow,
		DriftWindow:   sd.DriftWindow,
		TrendWindow:   sd.TrendWindow,
		MinHistory:    5,
	}

	for _, p := range types.Parameters {
		name := string(p)
		if lim, ok := sd.PhysicalLimits[name]; ok {
			c.Limits[p] = Limit{Min: lim.Min, Max: lim.Max}
		}
		if b, ok := sd.TemporalThresholds[name]; ok {
			c.Temporal[p] = Band{Normal: b.Normal, Moderate: b.Moderate}
		}
		if v, ok := sd.StaticThresholds[name]; ok {
			c.Static[p] = v
		}
		if v, ok := sd.DriftThresholds[name]; ok {
			c.Drift[p] = v
		}
		if b, ok := sd.CrossThresholds[name]; ok {
			c.Cross[p] = Band{Normal: b.Normal, Moderate: b.Moderate}
		}
	}

	return c
}

// DefaultConfig returns the scorer configuration with all documented
// defaults; used by tests and by callers that run without a config file.
func DefaultConfig() *Config {
	return NewConfig(config.DefaultScoring())
}
