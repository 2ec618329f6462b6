package trust

import (
	"github.com/soilsense/trustd/internal/types"
	"gonum.org/v1/gonum/stat"
)

// Trend classification thresholds over the trust-history slope, and the
// prediction triggers derived from them.
const (
	trendSlopeLimit       = 0.01
	rapidDegradationSlope = -0.03
	anomalyRateLimit      = 0.3
	minTrendResults       = 3
)

// Decision thresholds.
const (
	irrigationSafeScore = 0.75
	highConfidenceScore = 0.85
	midConfidenceScore  = 0.70
)

// severity applies the diagnosis ladder, first match wins.
func (s *Scorer) severity(score float64, causes []types.RootCause) types.Severity {
	has := func(c types.RootCause) bool {
		for _, rc := range causes {
			if rc == c {
				return true
			}
		}
		return false
	}

	switch {
	case has(types.CauseImpossibleValue):
		return types.SeverityCritical
	case score < 0.15:
		return types.SeverityCritical
	case has(types.CauseZoneMismatch) && score < 0.5:
		return types.SeverityHigh
	case has(types.CauseSpike) && score < 0.5:
		return types.SeverityHigh
	case has(types.CauseStatic):
		return types.SeverityHigh
	case has(types.CauseDrift):
		return types.SeverityMedium
	case has(types.CauseWeatherMismatch):
		return types.SeverityMedium
	case score < 0.65:
		return types.SeverityLow
	default:
		return types.SeverityNone
	}
}

// healthTrend fits the sensor's recent trust scores over time. The
// history arrives newest-first; the regression runs in chronological
// order so a falling score yields a negative slope.
func (s *Scorer) healthTrend(history []types.TrustResult) (types.HealthTrend, float64, float64) {
	if len(history) < minTrendResults {
		return types.TrendUnknown, 0, 0
	}

	scores := make([]float64, len(history))
	anomalous := 0
	for i, tr := range history {
		scores[len(history)-1-i] = tr.Score
		if tr.Status == types.StatusAnomalous {
			anomalous++
		}
	}

	slope := round4(regressionSlope(scores))
	anomalyRate := round4(float64(anomalous) / float64(len(history)))

	switch {
	case slope > trendSlopeLimit:
		return types.TrendImproving, slope, anomalyRate
	case slope < -trendSlopeLimit:
		return types.TrendDegrading, slope, anomalyRate
	default:
		return types.TrendStable, slope, anomalyRate
	}
}

// decide fills in the actionability outputs derived from the verdict.
func (s *Scorer) decide(result *types.TrustResult, r types.Reading, snap types.ScoringSnapshot) {
	result.IrrigationSafe = result.Score >= irrigationSafeScore &&
		!result.HasCause(types.CauseImpossibleValue) &&
		!result.HasCause(types.CauseZoneMismatch)

	if result.TrendSlope < rapidDegradationSlope {
		result.FailurePrediction = "Rapid degradation detected: sensor may fail soon"
	} else if result.HealthTrend == types.TrendDegrading && result.AnomalyRate > anomalyRateLimit {
		result.FailurePrediction = "Degrading trend with frequent anomalies: schedule an inspection"
	}

	switch {
	case result.Score > highConfidenceScore:
		result.ConfidenceLevel = 0.9
	case result.Score > midConfidenceScore:
		result.ConfidenceLevel = 0.6
	default:
		result.ConfidenceLevel = 0.3
	}

	if len(snap.PeerScores) > 0 {
		zr := round4(stat.Mean(snap.PeerScores, nil))
		result.ZoneReliability = &zr
	}

	if r.IrrigationActive != nil && *r.IrrigationActive && !result.IrrigationSafe {
		result.SustainabilityInsight = "Irrigation is active while sensor trust is low; verify the sensor before applying more water"
	}

	switch result.Severity {
	case types.SeverityCritical:
		result.AlertTag = "Immediate attention required"
	case types.SeverityHigh:
		result.AlertTag = "Urgent maintenance required"
	case types.SeverityMedium:
		result.AlertTag = "Monitor sensor"
	}
}
