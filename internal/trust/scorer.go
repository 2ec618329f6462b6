package trust

import (
	"fmt"
	"math"
	"time"

	"github.com/soilsense/trustd/internal/types"
	"gonum.org/v1/gonum/stat"
)

// Fixed sub-scores for each diagnostic outcome.
const (
	staticScore     = 0.2
	driftScore      = 0.4
	moderateScore   = 0.6
	extremeScore    = 0.1
	fieldEventScore = 0.5
	impossibleScore = 0.1
	physicalFloor   = 0.1
)

// Physical-plausibility trigger points. The deduction amounts are
// configurable; the triggers are part of the model.
const (
	saturatedMoisturePct = 85.0
	soilAirTempGapC      = 10.0
	phJumpLimit          = 1.5
	ecChangeLimitPct     = 25.0
)

// Scorer evaluates readings against their store snapshot. It is pure:
// identical inputs produce identical outputs.
type Scorer struct {
	cfg *Config
}

// NewScorer creates a scorer with the given immutable configuration.
func NewScorer(cfg *Config) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() *Config {
	return s.cfg
}

type temporalResult struct {
	score     float64
	cause     types.RootCause
	changePct float64
	extreme   bool
	flag      string
}

type crossResult struct {
	score float64
	cause types.RootCause
	flag  string
}

type physicalResult struct {
	score  float64
	causes []types.RootCause
	flags  []string
}

// Evaluate produces the trust verdict for one reading. It returns nil
// when the sensor has fewer prior readings than the minimum history,
// in which case the caller stores the reading but no verdict.
func (s *Scorer) Evaluate(sensor types.Sensor, r types.Reading, snap types.ScoringSnapshot, now time.Time) *types.TrustResult {
	if len(snap.History) < s.cfg.MinHistory {
		return nil
	}

	phys := s.physical(r, snap.History)

	perParam := make(map[types.Parameter]types.ParamScore, len(types.Parameters))
	var flags []string
	var causes []types.RootCause

	addCause := func(c types.RootCause) {
		if c == types.CauseNormal {
			return
		}
		for _, existing := range causes {
			if existing == c {
				return
			}
		}
		causes = append(causes, c)
	}

	var sum float64
	for _, p := range types.Parameters {
		temporal := s.temporal(p, r, snap.History)
		cross := s.cross(p, r, temporal, snap)

		paramTrust := round4(s.cfg.WTemporal*temporal.score +
			s.cfg.WCross*cross.score +
			s.cfg.WPhysical*phys.score)

		perParam[p] = types.ParamScore{
			Temporal:      round4(temporal.score),
			TemporalCause: temporal.cause,
			Cross:         round4(cross.score),
			CrossCause:    cross.cause,
			Physical:      round4(phys.score),
			Trust:         paramTrust,
		}
		sum += paramTrust

		addCause(temporal.cause)
		addCause(cross.cause)
		if temporal.flag != "" {
			flags = append(flags, temporal.flag)
		}
		if cross.flag != "" {
			flags = append(flags, cross.flag)
		}
	}

	for _, c := range phys.causes {
		addCause(c)
	}
	flags = append(flags, phys.flags...)

	score := round4(sum / float64(len(types.Parameters)))
	if len(causes) == 0 {
		causes = []types.RootCause{types.CauseNormal}
	}

	status, label := s.band(score)
	severity := s.severity(score, causes)
	trend, slope, anomalyRate := s.healthTrend(snap.TrustHistory)

	result := &types.TrustResult{
		SensorID:     sensor.ID,
		ReadingID:    r.ID,
		Score:        score,
		Status:       status,
		Label:        label,
		Severity:     severity,
		PerParameter: perParam,
		RootCauses:   causes,
		HealthTrend:  trend,
		TrendSlope:   slope,
		AnomalyRate:  anomalyRate,
		Flags:        flags,
		EvaluatedAt:  now,
	}
	if result.Flags == nil {
		result.Flags = []string{}
	}

	s.decide(result, r, snap)
	return result
}

// temporal scores the parameter against the sensor's own recent history.
func (s *Scorer) temporal(p types.Parameter, r types.Reading, history []types.Reading) temporalResult {
	v := r.Probe(p)
	if v == nil {
		return temporalResult{score: 1.0, cause: types.CauseNormal}
	}

	// All prior values of p, newest-first, up to the drift window; the
	// short history window is the prefix used for range and mean.
	allVals := probeValues(history, p, s.cfg.DriftWindow)
	histVals := allVals
	if len(histVals) > s.cfg.HistoryWindow {
		histVals = histVals[:s.cfg.HistoryWindow]
	}

	if len(histVals) < 2 {
		return temporalResult{score: 1.0, cause: types.CauseNormal}
	}

	lo, hi := histVals[0], histVals[0]
	for _, x := range histVals[1:] {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	if hi-lo < s.cfg.Static[p] {
		return temporalResult{
			score: staticScore,
			cause: types.CauseStatic,
			flag:  fmt.Sprintf("%s: static value across last %d readings", p, len(histVals)),
		}
	}

	if len(allVals) >= 5 {
		slope := regressionSlope(chronological(allVals))
		if math.Abs(slope) > s.cfg.Drift[p] {
			return temporalResult{
				score: driftScore,
				cause: types.CauseDrift,
				flag:  fmt.Sprintf("%s: drifting %.3f per reading", p, slope),
			}
		}
	}

	mean := stat.Mean(histVals, nil)
	if mean == 0 {
		return temporalResult{score: 1.0, cause: types.CauseNormal}
	}

	changePct := math.Abs(*v-mean) / math.Abs(mean) * 100
	band := s.cfg.Temporal[p]
	switch {
	case changePct <= band.Normal:
		return temporalResult{score: 1.0, cause: types.CauseNormal, changePct: changePct}
	case changePct <= band.Moderate:
		return temporalResult{
			score:     moderateScore,
			cause:     types.CauseSpike,
			changePct: changePct,
			flag:      fmt.Sprintf("%s: moderate change of %.1f%% from recent average", p, changePct),
		}
	default:
		return temporalResult{
			score:     extremeScore,
			cause:     types.CauseSpike,
			changePct: changePct,
			extreme:   true,
			flag:      fmt.Sprintf("%s: extreme change of %.1f%% from recent average", p, changePct),
		}
	}
}

// cross scores the parameter against same-zone peers. An extreme
// deviation from the zone is classified as a sensor fault unless the
// peers themselves moved, in which case the whole zone saw a field
// event. The field-event check also applies when the subject's own
// change was extreme but the zone moved with it, so a zone-wide jump
// never looks like a lone-sensor fault.
func (s *Scorer) cross(p types.Parameter, r types.Reading, temporal temporalResult, snap types.ScoringSnapshot) crossResult {
	v := r.Probe(p)
	if v == nil || len(snap.PeerLatest) == 0 {
		return crossResult{score: 1.0, cause: types.CauseNormal}
	}

	var peerVals []float64
	for _, pr := range snap.PeerLatest {
		if pv := pr.Probe(p); pv != nil {
			peerVals = append(peerVals, *pv)
		}
	}
	if len(peerVals) == 0 {
		return crossResult{score: 1.0, cause: types.CauseNormal}
	}

	zoneMean := stat.Mean(peerVals, nil)
	if zoneMean == 0 {
		return crossResult{score: 1.0, cause: types.CauseNormal}
	}

	devPct := math.Abs(*v-zoneMean) / math.Abs(zoneMean) * 100
	band := s.cfg.Cross[p]

	switch {
	case devPct > band.Moderate:
		if s.peersMoved(p, snap) {
			return crossResult{
				score: fieldEventScore,
				cause: types.CauseFieldEvent,
				flag:  fmt.Sprintf("%s: zone-wide shift detected, deviation %.1f%% tracked by peers", p, devPct),
			}
		}
		return crossResult{
			score: extremeScore,
			cause: types.CauseZoneMismatch,
			flag:  fmt.Sprintf("%s: deviates %.1f%% from zone average", p, devPct),
		}
	case devPct > band.Normal:
		return crossResult{
			score: moderateScore,
			cause: types.CauseZoneMismatch,
			flag:  fmt.Sprintf("%s: moderate deviation of %.1f%% from zone average", p, devPct),
		}
	default:
		if temporal.extreme && s.peersMoved(p, snap) {
			return crossResult{
				score: fieldEventScore,
				cause: types.CauseFieldEvent,
				flag:  fmt.Sprintf("%s: zone moved together with sensor", p),
			}
		}
		return crossResult{score: 1.0, cause: types.CauseNormal}
	}
}

// peersMoved reports whether the zone's peers, on average, changed more
// than the parameter's cross-normal threshold relative to their own
// histories. That is the field-event signature: everyone jumped.
func (s *Scorer) peersMoved(p types.Parameter, snap types.ScoringSnapshot) bool {
	var changes []float64
	for id, latest := range snap.PeerLatest {
		lv := latest.Probe(p)
		if lv == nil {
			continue
		}
		priors := probeValues(snap.PeerHistory[id], p, s.cfg.HistoryWindow)
		if len(priors) == 0 {
			continue
		}
		mean := stat.Mean(priors, nil)
		if mean == 0 {
			continue
		}
		changes = append(changes, math.Abs(*lv-mean)/math.Abs(mean)*100)
	}
	if len(changes) == 0 {
		return false
	}
	return stat.Mean(changes, nil) > s.cfg.Cross[p].Normal
}

// physical checks the whole reading for plausibility. It runs once per
// reading; the resulting sub-score is shared by all four parameters.
func (s *Scorer) physical(r types.Reading, history []types.Reading) physicalResult {
	var impossible []string
	for _, p := range types.Parameters {
		v := r.Probe(p)
		if v == nil {
			continue
		}
		lim := s.cfg.Limits[p]
		if *v < lim.Min || *v > lim.Max {
			impossible = append(impossible,
				fmt.Sprintf("%s: %.4g outside physical range [%g, %g]", p, *v, lim.Min, lim.Max))
		}
	}
	if len(impossible) > 0 {
		return physicalResult{
			score:  impossibleScore,
			causes: []types.RootCause{types.CauseImpossibleValue},
			flags:  impossible,
		}
	}

	score := 1.0
	var causes []types.RootCause
	var flags []string

	raining := r.IsRaining != nil && *r.IsRaining
	irrigating := r.IrrigationActive != nil && *r.IrrigationActive
	if r.Moisture != nil && *r.Moisture > saturatedMoisturePct && !raining && !irrigating {
		score -= s.cfg.Penalties.HighMoistureNoRain
		causes = append(causes, types.CauseWeatherMismatch)
		flags = append(flags, fmt.Sprintf("moisture %.1f%% with no rain or irrigation", *r.Moisture))
	}

	if r.Temperature != nil && r.AirTemp != nil && math.Abs(*r.Temperature-*r.AirTemp) > soilAirTempGapC {
		score -= s.cfg.Penalties.SoilAirTempGap
		causes = append(causes, types.CauseWeatherMismatch)
		flags = append(flags, fmt.Sprintf("soil temperature %.1f°C is far from air temperature %.1f°C",
			*r.Temperature, *r.AirTemp))
	}

	if len(history) > 0 {
		prev := history[0]
		if r.PH != nil && prev.PH != nil && math.Abs(*r.PH-*prev.PH) > phJumpLimit {
			score -= s.cfg.Penalties.PHJump
			causes = append(causes, types.CauseSpike)
			flags = append(flags, fmt.Sprintf("ph jumped from %.2f to %.2f", *prev.PH, *r.PH))
		}
		if r.EC != nil && prev.EC != nil && *prev.EC != 0 {
			ecChange := math.Abs(*r.EC-*prev.EC) / math.Abs(*prev.EC) * 100
			if ecChange > ecChangeLimitPct {
				score -= s.cfg.Penalties.ECSpike
				causes = append(causes, types.CauseSpike)
				flags = append(flags, fmt.Sprintf("ec changed %.1f%% since previous reading", ecChange))
			}
		}
	}

	if score < physicalFloor {
		score = physicalFloor
	}
	return physicalResult{score: score, causes: causes, flags: flags}
}

// band maps a trust score to its status and human-readable label.
func (s *Scorer) band(score float64) (types.TrustStatus, string) {
	b := s.cfg.Bands
	switch {
	case score >= b.HighlyReliable:
		return types.StatusHealthy, "Highly Reliable"
	case score >= b.Reliable:
		return types.StatusHealthy, "Reliable"
	case score >= b.Uncertain:
		return types.StatusWarning, "Uncertain"
	case score >= b.Unreliable:
		return types.StatusAnomalous, "Unreliable"
	default:
		return types.StatusAnomalous, "Anomaly"
	}
}

// probeValues collects up to n present values of p from readings
// (which are ordered newest-first), preserving that order.
func probeValues(readings []types.Reading, p types.Parameter, n int) []float64 {
	vals := make([]float64, 0, n)
	for i := range readings {
		if len(vals) == n {
			break
		}
		if v := readings[i].Probe(p); v != nil {
			vals = append(vals, *v)
		}
	}
	return vals
}

// chronological reverses a newest-first series into time order.
func chronological(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[len(vals)-1-i] = v
	}
	return out
}

// regressionSlope fits value against index by ordinary least squares.
// The degenerate case (fewer than two points) yields a zero slope.
func regressionSlope(vals []float64) float64 {
	if len(vals) < 2 {
		return 0
	}
	xs := make([]float64, len(vals))
	for i := range xs {
		xs[i] = float64(i)
	}
	_, slope := stat.LinearRegression(xs, vals, nil, false)
	if math.IsNaN(slope) || math.IsInf(slope, 0) {
		return 0
	}
	return slope
}

// round4 rounds to four fractional digits, the precision scores are
// persisted and compared at.
func round4(x float64) float64 {
	return math.Round(x*10000) / 10000
}
