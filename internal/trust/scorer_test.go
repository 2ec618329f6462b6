package trust

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/soilsense/trustd/internal/types"
)

const epsilon = 1e-4

func fp(v float64) *float64 { return &v }
func bp(v bool) *bool       { return &v }

var testNow = time.Date(2026, 4, 12, 10, 0, 0, 0, time.UTC)

// reading builds a full four-probe reading with a mild air temperature.
func reading(id int64, moisture, temp, ec, ph float64) types.Reading {
	return types.Reading{
		ID:          id,
		SensorID:    1,
		Timestamp:   testNow.Add(-time.Duration(100-id) * time.Minute),
		Moisture:    fp(moisture),
		Temperature: fp(temp),
		EC:          fp(ec),
		PH:          fp(ph),
		AirTemp:     fp(temp - 2),
	}
}

// stableHistory returns n readings jittered around the given baseline,
// newest-first. The jitter alternates so the series neither sits inside
// the static threshold nor accumulates a drift slope.
func stableHistory(n int, moisture, temp, ec, ph float64) []types.Reading {
	out := make([]types.Reading, n)
	for i := 0; i < n; i++ {
		sign := 1.0
		if i%2 == 1 {
			sign = -1.0
		}
		out[i] = reading(int64(n-i),
			moisture+sign*0.5,
			temp+sign*0.4,
			ec+sign*0.06,
			ph+sign*0.06,
		)
	}
	return out
}

// peerSnapshot attaches same-zone peers sitting at the given baseline
// with stable histories of their own.
func peerSnapshot(history []types.Reading, peerCount int, moisture, temp, ec, ph float64) types.ScoringSnapshot {
	snap := types.ScoringSnapshot{
		History:     history,
		PeerLatest:  make(map[int]types.Reading),
		PeerHistory: make(map[int][]types.Reading),
	}
	for i := 0; i < peerCount; i++ {
		id := 100 + i
		peerHist := stableHistory(6, moisture, temp, ec, ph)
		latest := reading(200, moisture, temp, ec, ph)
		latest.SensorID = id
		snap.PeerLatest[id] = latest
		snap.PeerHistory[id] = peerHist
		snap.PeerScores = append(snap.PeerScores, 0.9)
	}
	return snap
}

func TestEvaluateRequiresMinimumHistory(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}
	r := reading(50, 40, 20, 1.2, 6.5)

	for _, n := range []int{0, 1, 4} {
		snap := types.ScoringSnapshot{History: stableHistory(n, 40, 20, 1.2, 6.5)}
		if got := s.Evaluate(sensor, r, snap, testNow); got != nil {
			t.Errorf("history of %d readings: expected no verdict, got score %v", n, got.Score)
		}
	}

	snap := types.ScoringSnapshot{History: stableHistory(5, 40, 20, 1.2, 6.5)}
	if got := s.Evaluate(sensor, r, snap, testNow); got == nil {
		t.Error("history of 5 readings: expected a verdict, got nil")
	}
}

func TestEvaluateHealthyStableSensor(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}
	snap := types.ScoringSnapshot{History: stableHistory(6, 40, 20, 1.2, 6.5)}
	r := reading(50, 40, 20, 1.2, 6.5)

	result := s.Evaluate(sensor, r, snap, testNow)
	if result == nil {
		t.Fatal("expected a verdict")
	}

	if math.Abs(result.Score-1.0) > epsilon {
		t.Errorf("score = %v, want 1.0", result.Score)
	}
	if result.Status != types.StatusHealthy {
		t.Errorf("status = %v, want healthy", result.Status)
	}
	if result.Label != "Highly Reliable" {
		t.Errorf("label = %q, want Highly Reliable", result.Label)
	}
	if result.Severity != types.SeverityNone {
		t.Errorf("severity = %v, want none", result.Severity)
	}
	if !reflect.DeepEqual(result.RootCauses, []types.RootCause{types.CauseNormal}) {
		t.Errorf("root causes = %v, want [normal]", result.RootCauses)
	}
	if !result.IrrigationSafe {
		t.Error("expected irrigationSafe for a perfect score")
	}
	if math.Abs(result.ConfidenceLevel-0.9) > epsilon {
		t.Errorf("confidence = %v, want 0.9", result.ConfidenceLevel)
	}
}

func TestEvaluateScoreIsMeanOfParameterTrusts(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}
	snap := peerSnapshot(stableHistory(8, 40, 20, 1.2, 6.5), 3, 40, 20, 1.2, 6.5)
	r := reading(50, 92, 20, 1.2, 6.5) // saturated moisture fault

	result := s.Evaluate(sensor, r, snap, testNow)
	if result == nil {
		t.Fatal("expected a verdict")
	}

	var sum float64
	for _, p := range types.Parameters {
		ps, ok := result.PerParameter[p]
		if !ok {
			t.Fatalf("missing per-parameter score for %s", p)
		}
		sum += ps.Trust
	}
	want := round4(sum / float64(len(types.Parameters)))
	if math.Abs(result.Score-want) > epsilon {
		t.Errorf("score = %v, want mean of parameter trusts %v", result.Score, want)
	}
}

func TestEvaluateImpossibleValue(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}

	tests := []struct {
		name           string
		moisture       float64
		wantImpossible bool
	}{
		{"at upper bound", 100.0, false},
		{"just above upper bound", 100.0001, true},
		{"negative moisture", -0.5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := types.ScoringSnapshot{History: stableHistory(6, 40, 20, 1.2, 6.5)}
			r := reading(50, tt.moisture, 20, 1.2, 6.5)

			result := s.Evaluate(sensor, r, snap, testNow)
			if result == nil {
				t.Fatal("expected a verdict")
			}

			if got := result.HasCause(types.CauseImpossibleValue); got != tt.wantImpossible {
				t.Errorf("impossible_value cause = %v, want %v", got, tt.wantImpossible)
			}
			phys := result.PerParameter[types.ParamMoisture].Physical
			if tt.wantImpossible {
				if math.Abs(phys-0.1) > epsilon {
					t.Errorf("physical sub-score = %v, want 0.1", phys)
				}
				if result.Severity != types.SeverityCritical {
					t.Errorf("severity = %v, want critical", result.Severity)
				}
				if result.IrrigationSafe {
					t.Error("irrigation must not be considered safe on an impossible value")
				}
			}
		})
	}
}

func TestEvaluateStaticProbe(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}

	// Moisture frozen at exactly 42.0; the other probes jitter normally.
	history := stableHistory(8, 40, 20, 1.2, 6.5)
	for i := range history {
		history[i].Moisture = fp(42.0)
	}
	snap := types.ScoringSnapshot{History: history}
	r := reading(50, 42.0, 20, 1.2, 6.5)

	result := s.Evaluate(sensor, r, snap, testNow)
	if result == nil {
		t.Fatal("expected a verdict")
	}

	ps := result.PerParameter[types.ParamMoisture]
	if math.Abs(ps.Temporal-0.2) > epsilon {
		t.Errorf("temporal sub-score = %v, want 0.2", ps.Temporal)
	}
	if ps.TemporalCause != types.CauseStatic {
		t.Errorf("temporal cause = %v, want static", ps.TemporalCause)
	}
	if result.Severity != types.SeverityHigh {
		t.Errorf("severity = %v, want high (stuck probe)", result.Severity)
	}
}

func TestEvaluateDriftingProbe(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}

	// Moisture climbing 1.0 per reading, well past the 0.8 drift limit.
	history := stableHistory(20, 40, 20, 1.2, 6.5)
	for i := range history {
		history[i].Moisture = fp(60.0 - float64(i))
	}
	snap := types.ScoringSnapshot{History: history}
	r := reading(50, 61.0, 20, 1.2, 6.5)

	result := s.Evaluate(sensor, r, snap, testNow)
	if result == nil {
		t.Fatal("expected a verdict")
	}

	ps := result.PerParameter[types.ParamMoisture]
	if math.Abs(ps.Temporal-0.4) > epsilon {
		t.Errorf("temporal sub-score = %v, want 0.4", ps.Temporal)
	}
	if ps.TemporalCause != types.CauseDrift {
		t.Errorf("temporal cause = %v, want drift", ps.TemporalCause)
	}
	if result.Severity != types.SeverityMedium {
		t.Errorf("severity = %v, want medium", result.Severity)
	}
}

func TestEvaluateLoneSpikeAgainstStableZone(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}
	snap := peerSnapshot(stableHistory(8, 40, 20, 1.2, 6.5), 3, 40, 20, 1.2, 6.5)

	// Saturated moisture with no rain while the zone sits at 40%.
	r := reading(50, 92, 20, 1.2, 6.5)

	result := s.Evaluate(sensor, r, snap, testNow)
	if result == nil {
		t.Fatal("expected a verdict")
	}

	ps := result.PerParameter[types.ParamMoisture]
	if math.Abs(ps.Temporal-0.1) > epsilon {
		t.Errorf("temporal sub-score = %v, want 0.1 (extreme)", ps.Temporal)
	}
	if ps.CrossCause != types.CauseZoneMismatch {
		t.Errorf("cross cause = %v, want zone_mismatch", ps.CrossCause)
	}
	if math.Abs(ps.Cross-0.1) > epsilon {
		t.Errorf("cross sub-score = %v, want 0.1", ps.Cross)
	}
	// moisture: 0.3*0.1 + 0.5*0.1 + 0.2*0.6 = 0.2
	// others:   0.3*1.0 + 0.5*1.0 + 0.2*0.6 = 0.92
	if math.Abs(result.Score-0.74) > epsilon {
		t.Errorf("score = %v, want 0.74", result.Score)
	}
	if result.Status != types.StatusWarning {
		t.Errorf("status = %v, want warning", result.Status)
	}
	if !result.HasCause(types.CauseWeatherMismatch) {
		t.Errorf("root causes = %v, want weather_mismatch present", result.RootCauses)
	}
}

func TestEvaluateMultiProbeFaultIsAnomalous(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}
	snap := peerSnapshot(stableHistory(8, 40, 20, 1.2, 6.5), 3, 40, 20, 1.2, 6.5)

	// Moisture saturated, EC doubled and pH jumped: a failing probe head.
	r := reading(50, 92, 20, 2.4, 8.2)

	result := s.Evaluate(sensor, r, snap, testNow)
	if result == nil {
		t.Fatal("expected a verdict")
	}

	if math.Abs(result.Score-0.28) > epsilon {
		t.Errorf("score = %v, want 0.28", result.Score)
	}
	if result.Status != types.StatusAnomalous {
		t.Errorf("status = %v, want anomalous", result.Status)
	}
	if result.Label != "Anomaly" {
		t.Errorf("label = %q, want Anomaly", result.Label)
	}
	if result.Severity != types.SeverityHigh {
		t.Errorf("severity = %v, want high", result.Severity)
	}
	for _, want := range []types.RootCause{types.CauseSpike, types.CauseZoneMismatch, types.CauseWeatherMismatch} {
		if !result.HasCause(want) {
			t.Errorf("root causes = %v, want %v present", result.RootCauses, want)
		}
	}
	if result.HasCause(types.CauseFieldEvent) {
		t.Error("a lone fault must not be classified as a field event")
	}
	if result.IrrigationSafe {
		t.Error("irrigation must not be considered safe")
	}
}

func TestEvaluateZoneWideJumpIsFieldEvent(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}

	// Irrigation soaked the whole zone: subject and every peer jumped
	// from ~40% to ~70% moisture together.
	snap := peerSnapshot(stableHistory(8, 40, 20, 1.2, 6.5), 3, 40, 20, 1.2, 6.5)
	for id, latest := range snap.PeerLatest {
		latest.Moisture = fp(70.0)
		snap.PeerLatest[id] = latest
	}
	r := reading(50, 70, 20, 1.2, 6.5)

	result := s.Evaluate(sensor, r, snap, testNow)
	if result == nil {
		t.Fatal("expected a verdict")
	}

	ps := result.PerParameter[types.ParamMoisture]
	if ps.CrossCause != types.CauseFieldEvent {
		t.Errorf("cross cause = %v, want field_event", ps.CrossCause)
	}
	if math.Abs(ps.Cross-0.5) > epsilon {
		t.Errorf("cross sub-score = %v, want 0.5", ps.Cross)
	}
	if !result.HasCause(types.CauseFieldEvent) {
		t.Errorf("root causes = %v, want field_event present", result.RootCauses)
	}
	// moisture: 0.3*0.1 + 0.5*0.5 + 0.2*1.0 = 0.48; others 1.0
	if math.Abs(result.Score-0.87) > epsilon {
		t.Errorf("score = %v, want 0.87", result.Score)
	}
	if result.Status != types.StatusHealthy {
		t.Errorf("status = %v, want healthy (environmental, not a fault)", result.Status)
	}
}

func TestEvaluateWithoutPeersSkipsCrossValidation(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}
	snap := types.ScoringSnapshot{History: stableHistory(8, 40, 20, 1.2, 6.5)}
	r := reading(50, 92, 20, 1.2, 6.5)

	result := s.Evaluate(sensor, r, snap, testNow)
	if result == nil {
		t.Fatal("expected a verdict")
	}

	for _, p := range types.Parameters {
		ps := result.PerParameter[p]
		if math.Abs(ps.Cross-1.0) > epsilon {
			t.Errorf("%s cross sub-score = %v, want 1.0 with no peers", p, ps.Cross)
		}
		if ps.CrossCause != types.CauseNormal {
			t.Errorf("%s cross cause = %v, want normal", p, ps.CrossCause)
		}
	}
	if result.ZoneReliability != nil {
		t.Error("zone reliability must be absent without peers")
	}
}

func TestEvaluateAbsentProbesScoreNeutral(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}
	snap := peerSnapshot(stableHistory(8, 40, 20, 1.2, 6.5), 2, 40, 20, 1.2, 6.5)

	r := types.Reading{ID: 50, SensorID: 1, Timestamp: testNow, Moisture: fp(40)}

	result := s.Evaluate(sensor, r, snap, testNow)
	if result == nil {
		t.Fatal("expected a verdict")
	}

	for _, p := range []types.Parameter{types.ParamTemperature, types.ParamEC, types.ParamPH} {
		ps := result.PerParameter[p]
		if math.Abs(ps.Temporal-1.0) > epsilon || math.Abs(ps.Cross-1.0) > epsilon {
			t.Errorf("%s sub-scores = (%v, %v), want neutral 1.0 for absent probe", p, ps.Temporal, ps.Cross)
		}
	}
	if math.Abs(result.Score-1.0) > epsilon {
		t.Errorf("score = %v, want 1.0", result.Score)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}
	snap := peerSnapshot(stableHistory(8, 40, 20, 1.2, 6.5), 3, 40, 20, 1.2, 6.5)
	r := reading(50, 92, 20, 2.4, 8.2)

	a := s.Evaluate(sensor, r, snap, testNow)
	b := s.Evaluate(sensor, r, snap, testNow)
	if !reflect.DeepEqual(a, b) {
		t.Error("identical inputs produced different verdicts")
	}
}

func TestBandBoundaries(t *testing.T) {
	s := NewScorer(DefaultConfig())

	tests := []struct {
		score      float64
		wantStatus types.TrustStatus
		wantLabel  string
	}{
		{1.0, types.StatusHealthy, "Highly Reliable"},
		{0.85, types.StatusHealthy, "Highly Reliable"},
		{0.8499, types.StatusHealthy, "Reliable"},
		{0.78, types.StatusHealthy, "Reliable"},
		{0.7799, types.StatusWarning, "Uncertain"},
		{0.73, types.StatusWarning, "Uncertain"},
		{0.7299, types.StatusAnomalous, "Unreliable"},
		{0.50, types.StatusAnomalous, "Unreliable"},
		{0.4999, types.StatusAnomalous, "Anomaly"},
		{0.0, types.StatusAnomalous, "Anomaly"},
	}

	for _, tt := range tests {
		status, label := s.band(tt.score)
		if status != tt.wantStatus || label != tt.wantLabel {
			t.Errorf("band(%v) = (%v, %q), want (%v, %q)",
				tt.score, status, label, tt.wantStatus, tt.wantLabel)
		}
	}
}

func TestSeverityLadder(t *testing.T) {
	s := NewScorer(DefaultConfig())

	tests := []struct {
		name   string
		score  float64
		causes []types.RootCause
		want   types.Severity
	}{
		{"impossible value always critical", 0.9, []types.RootCause{types.CauseImpossibleValue}, types.SeverityCritical},
		{"very low score critical", 0.1, []types.RootCause{types.CauseSpike}, types.SeverityCritical},
		{"zone mismatch with low score", 0.4, []types.RootCause{types.CauseZoneMismatch}, types.SeverityHigh},
		{"spike with low score", 0.45, []types.RootCause{types.CauseSpike}, types.SeverityHigh},
		{"spike with moderate score", 0.7, []types.RootCause{types.CauseSpike}, types.SeverityNone},
		{"static always high", 0.9, []types.RootCause{types.CauseStatic}, types.SeverityHigh},
		{"drift medium", 0.9, []types.RootCause{types.CauseDrift}, types.SeverityMedium},
		{"weather mismatch medium", 0.74, []types.RootCause{types.CauseWeatherMismatch}, types.SeverityMedium},
		{"low score alone", 0.6, []types.RootCause{types.CauseNormal}, types.SeverityLow},
		{"clean", 0.95, []types.RootCause{types.CauseNormal}, types.SeverityNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.severity(tt.score, tt.causes); got != tt.want {
				t.Errorf("severity(%v, %v) = %v, want %v", tt.score, tt.causes, got, tt.want)
			}
		})
	}
}

func TestHealthTrend(t *testing.T) {
	s := NewScorer(DefaultConfig())

	// newest-first trust histories
	degrading := []types.TrustResult{
		{Score: 0.5, Status: types.StatusAnomalous},
		{Score: 0.6, Status: types.StatusAnomalous},
		{Score: 0.7, Status: types.StatusWarning},
		{Score: 0.8, Status: types.StatusHealthy},
		{Score: 0.9, Status: types.StatusHealthy},
	}
	improving := []types.TrustResult{
		{Score: 0.9, Status: types.StatusHealthy},
		{Score: 0.8, Status: types.StatusHealthy},
		{Score: 0.7, Status: types.StatusWarning},
	}
	flat := []types.TrustResult{
		{Score: 0.85, Status: types.StatusHealthy},
		{Score: 0.86, Status: types.StatusHealthy},
		{Score: 0.85, Status: types.StatusHealthy},
	}

	tests := []struct {
		name        string
		history     []types.TrustResult
		wantTrend   types.HealthTrend
		wantSlope   float64
		wantAnomaly float64
	}{
		{"degrading", degrading, types.TrendDegrading, -0.1, 0.4},
		{"improving", improving, types.TrendImproving, 0.1, 0.0},
		{"stable", flat, types.TrendStable, 0.0, 0.0},
		{"too short", degrading[:2], types.TrendUnknown, 0.0, 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trend, slope, anomalyRate := s.healthTrend(tt.history)
			if trend != tt.wantTrend {
				t.Errorf("trend = %v, want %v", trend, tt.wantTrend)
			}
			if math.Abs(slope-tt.wantSlope) > epsilon {
				t.Errorf("slope = %v, want %v", slope, tt.wantSlope)
			}
			if math.Abs(anomalyRate-tt.wantAnomaly) > epsilon {
				t.Errorf("anomaly rate = %v, want %v", anomalyRate, tt.wantAnomaly)
			}
		})
	}
}

func TestRapidDegradationPrediction(t *testing.T) {
	s := NewScorer(DefaultConfig())
	sensor := types.Sensor{ID: 1, ExternalID: "s-1", Zone: "north"}

	snap := types.ScoringSnapshot{
		History: stableHistory(8, 40, 20, 1.2, 6.5),
		TrustHistory: []types.TrustResult{
			{Score: 0.5, Status: types.StatusAnomalous},
			{Score: 0.6, Status: types.StatusAnomalous},
			{Score: 0.7, Status: types.StatusWarning},
			{Score: 0.8, Status: types.StatusHealthy},
			{Score: 0.9, Status: types.StatusHealthy},
		},
	}
	r := reading(50, 40, 20, 1.2, 6.5)

	result := s.Evaluate(sensor, r, snap, testNow)
	if result == nil {
		t.Fatal("expected a verdict")
	}
	if result.HealthTrend != types.TrendDegrading {
		t.Errorf("trend = %v, want degrading", result.HealthTrend)
	}
	if result.FailurePrediction == "" {
		t.Error("expected a failure prediction for a rapidly degrading sensor")
	}
}

func TestPhysicalPenaltiesAccumulateToFloor(t *testing.T) {
	s := NewScorer(DefaultConfig())
	history := stableHistory(6, 40, 20, 1.2, 6.5)

	// All three history-based penalties plus saturation: 1.0 - 0.4 - 0.3
	// - 0.3 - 0.3 would go negative; the floor holds at 0.1.
	r := reading(50, 92, 35, 2.4, 8.2)
	r.AirTemp = fp(20.0) // 15 degree soil/air gap

	phys := s.physical(r, history)
	if math.Abs(phys.score-0.1) > epsilon {
		t.Errorf("physical score = %v, want floor 0.1", phys.score)
	}
	if len(phys.flags) != 4 {
		t.Errorf("flags = %v, want all four penalties flagged", phys.flags)
	}
}

func TestRegressionSlope(t *testing.T) {
	tests := []struct {
		name string
		vals []float64
		want float64
	}{
		{"rising", []float64{1, 2, 3, 4, 5}, 1.0},
		{"falling", []float64{5, 4, 3, 2, 1}, -1.0},
		{"flat", []float64{2, 2, 2, 2}, 0.0},
		{"single point", []float64{7}, 0.0},
		{"empty", nil, 0.0},
	}
	for _, tt := range tests {
		if got := regressionSlope(tt.vals); math.Abs(got-tt.want) > epsilon {
			t.Errorf("%s: slope = %v, want %v", tt.name, got, tt.want)
		}
	}
}
