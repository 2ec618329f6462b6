// Package config provides configuration loading for the trust engine.
// Configuration can come from a YAML file or a SQLite database; both
// providers produce the same immutable ConfigData structure.
package config

import (
	"fmt"
	"math"
)

// ConfigProvider defines the interface for configuration data sources
type ConfigProvider interface {
	// LoadConfig loads the complete configuration
	LoadConfig() (*ConfigData, error)

	IsReadOnly() bool
	Close() error
}

// ConfigData represents the complete configuration structure
type ConfigData struct {
	Server   ServerData   `yaml:"server" json:"server"`
	Gateways GatewaysData `yaml:"gateways,omitempty" json:"gateways,omitempty"`
	Storage  StorageData  `yaml:"storage,omitempty" json:"storage,omitempty"`
	Scoring  ScoringData  `yaml:"scoring" json:"scoring"`
}

// ServerData holds the REST/WebSocket server configuration
type ServerData struct {
	ListenAddr  string `yaml:"listen_addr,omitempty" json:"listen_addr,omitempty"`
	Port        int    `yaml:"port,omitempty" json:"port,omitempty"`
	APIKey      string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	TLSCertPath string `yaml:"cert,omitempty" json:"cert,omitempty"`
	TLSKeyPath  string `yaml:"key,omitempty" json:"key,omitempty"`
}

// GatewaysData holds the optional field-gateway ingest paths
type GatewaysData struct {
	UDP    *UDPGatewayData    `yaml:"udp,omitempty" json:"udp,omitempty"`
	Serial *SerialGatewayData `yaml:"serial,omitempty" json:"serial,omitempty"`
}

// UDPGatewayData configures the UDP datagram ingest listener
type UDPGatewayData struct {
	Port int `yaml:"port" json:"port"`
}

// SerialGatewayData configures the serial datalogger ingest path
type SerialGatewayData struct {
	Device string `yaml:"device" json:"device"`
	Baud   int    `yaml:"baud,omitempty" json:"baud,omitempty"`
}

// StorageData holds the configuration for archival storage backends
type StorageData struct {
	TimescaleDB *TimescaleDBData `yaml:"timescaledb,omitempty" json:"timescaledb,omitempty"`
}

type TimescaleDBData struct {
	ConnectionString string `yaml:"connection_string" json:"connection_string"`
}

// LimitData is a hard physical bound for one probe
type LimitData struct {
	Min float64 `yaml:"min" json:"min"`
	Max float64 `yaml:"max" json:"max"`
}

// BandData is a normal/moderate percentage threshold pair; change above
// the moderate bound is treated as extreme
type BandData struct {
	Normal   float64 `yaml:"normal" json:"normal"`
	Moderate float64 `yaml:"moderate" json:"moderate"`
}

// WeightsData are the per-parameter aggregation weights; they must sum to 1
type WeightsData struct {
	Temporal float64 `yaml:"temporal" json:"temporal"`
	Cross    float64 `yaml:"cross" json:"cross"`
	Physical float64 `yaml:"physical" json:"physical"`
}

// PenaltiesData are the physical-plausibility deductions
type PenaltiesData struct {
	HighMoistureNoRain float64 `yaml:"high_moisture_no_rain" json:"high_moisture_no_rain"`
	SoilAirTempGap     float64 `yaml:"soil_air_temp_gap" json:"soil_air_temp_gap"`
	PHJump             float64 `yaml:"ph_jump" json:"ph_jump"`
	ECSpike            float64 `yaml:"ec_spike" json:"ec_spike"`
}

// TrustBandsData are the strictly descending status band thresholds
type TrustBandsData struct {
	HighlyReliable float64 `yaml:"highly_reliable" json:"highly_reliable"`
	Reliable       float64 `yaml:"reliable" json:"reliable"`
	Uncertain      float64 `yaml:"uncertain" json:"uncertain"`
	Unreliable     float64 `yaml:"unreliable" json:"unreliable"`
}

// ScoringData is the immutable scoring configuration. It is loaded once
// at startup and passed to the scorer by reference; nothing mutates it
// at runtime.
type ScoringData struct {
	Weights            WeightsData          `yaml:"weights" json:"weights"`
	PhysicalLimits     map[string]LimitData `yaml:"physical_limits" json:"physical_limits"`
	TemporalThresholds map[string]BandData  `yaml:"temporal_thresholds" json:"temporal_thresholds"`
	StaticThresholds   map[string]float64   `yaml:"static_thresholds" json:"static_thresholds"`
	DriftThresholds    map[string]float64   `yaml:"drift_thresholds" json:"drift_thresholds"`
	CrossThresholds    map[string]BandData  `yaml:"cross_thresholds" json:"cross_thresholds"`
	PhysicalPenalties  PenaltiesData        `yaml:"physical_penalties" json:"physical_penalties"`
	TrustBands         TrustBandsData       `yaml:"trust_bands" json:"trust_bands"`
	HistoryWindow      int                  `yaml:"history_window" json:"history_window"`
	DriftWindow        int                  `yaml:"drift_window" json:"drift_window"`
	TrendWindow        int                  `yaml:"trend_window" json:"trend_window"`
}

// DefaultScoring returns the scoring configuration with all documented
// defaults filled in.
func DefaultScoring() ScoringData {
	return ScoringData{
		Weights: WeightsData{Temporal: 0.3, Cross: 0.5, Physical: 0.2},
		PhysicalLimits: map[string]LimitData{
			"moisture":    {Min: 0, Max: 100},
			"temperature": {Min: 0, Max: 60},
			"ec":          {Min: 0, Max: 10},
			"ph":          {Min: 3, Max: 10},
		},
		TemporalThresholds: map[string]BandData{
			"moisture":    {Normal: 25, Moderate: 60},
			"temperature": {Normal: 15, Moderate: 40},
			"ec":          {Normal: 20, Moderate: 50},
			"ph":          {Normal: 5, Moderate: 15},
		},
		StaticThresholds: map[string]float64{
			"moisture":    0.5,
			"temperature": 0.3,
			"ec":          0.05,
			"ph":          0.05,
		},
		DriftThresholds: map[string]float64{
			"moisture":    0.8,
			"temperature": 0.5,
			"ec":          0.08,
			"ph":          0.05,
		},
		CrossThresholds: map[string]BandData{
			"moisture":    {Normal: 25, Moderate: 50},
			"temperature": {Normal: 20, Moderate: 40},
			"ec":          {Normal: 30, Moderate: 60},
			"ph":          {Normal: 10, Moderate: 25},
		},
		PhysicalPenalties: PenaltiesData{
			HighMoistureNoRain: 0.4,
			SoilAirTempGap:     0.3,
			PHJump:             0.3,
			ECSpike:            0.3,
		},
		TrustBands: TrustBandsData{
			HighlyReliable: 0.85,
			Reliable:       0.78,
			Uncertain:      0.73,
			Unreliable:     0.50,
		},
		HistoryWindow: 10,
		DriftWindow:   20,
		TrendWindow:   10,
	}
}

// DefaultConfig returns a ConfigData with server and scoring defaults.
func DefaultConfig() *ConfigData {
	return &ConfigData{
		Server:  ServerData{ListenAddr: "0.0.0.0", Port: 8080},
		Scoring: DefaultScoring(),
	}
}

var parameterNames = []string{"moisture", "temperature", "ec", "ph"}

// Validate checks the invariants the scorer relies on.
func (c *ConfigData) Validate() error {
	s := &c.Scoring

	if sum := s.Weights.Temporal + s.Weights.Cross + s.Weights.Physical; math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("scoring weights must sum to 1.0, got %v", sum)
	}

	for _, p := range parameterNames {
		lim, ok := s.PhysicalLimits[p]
		if !ok {
			return fmt.Errorf("missing physical limits for parameter %q", p)
		}
		if lim.Min >= lim.Max {
			return fmt.Errorf("physical limits for %q must satisfy min < max", p)
		}
		if _, ok := s.TemporalThresholds[p]; !ok {
			return fmt.Errorf("missing temporal thresholds for parameter %q", p)
		}
		if _, ok := s.StaticThresholds[p]; !ok {
			return fmt.Errorf("missing static threshold for parameter %q", p)
		}
		if _, ok := s.DriftThresholds[p]; !ok {
			return fmt.Errorf("missing drift threshold for parameter %q", p)
		}
		if _, ok := s.CrossThresholds[p]; !ok {
			return fmt.Errorf("missing cross thresholds for parameter %q", p)
		}
	}

	b := s.TrustBands
	if !(b.HighlyReliable > b.Reliable && b.Reliable > b.Uncertain && b.Uncertain > b.Unreliable) {
		return fmt.Errorf("trust bands must be strictly descending")
	}

	if s.HistoryWindow < 1 || s.DriftWindow < s.HistoryWindow || s.TrendWindow < 1 {
		return fmt.Errorf("invalid analysis windows: history=%d drift=%d trend=%d",
			s.HistoryWindow, s.DriftWindow, s.TrendWindow)
	}

	return nil
}
