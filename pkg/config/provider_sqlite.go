package config

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteProvider implements ConfigProvider for SQLite database configuration
type SQLiteProvider struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteProvider creates a new SQLite configuration provider
func NewSQLiteProvider(dbPath string) (*SQLiteProvider, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping SQLite database: %w", err)
	}
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate config schema: %w", err)
	}

	return &SQLiteProvider{db: db, dbPath: dbPath}, nil
}

// LoadConfig loads the complete configuration from the SQLite database.
// Settings absent from the database keep their defaults.
func (s *SQLiteProvider) LoadConfig() (*ConfigData, error) {
	cfg := DefaultConfig()

	if err := s.loadServer(cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	if err := s.loadGateways(cfg); err != nil {
		return nil, fmt.Errorf("failed to load gateway config: %w", err)
	}
	if err := s.loadStorage(cfg); err != nil {
		return nil, fmt.Errorf("failed to load storage config: %w", err)
	}
	if err := s.loadScoring(cfg); err != nil {
		return nil, fmt.Errorf("failed to load scoring config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", s.dbPath, err)
	}

	return cfg, nil
}

func (s *SQLiteProvider) loadServer(cfg *ConfigData) error {
	row := s.db.QueryRow(`SELECT listen_addr, port, api_key, tls_cert_path, tls_key_path FROM server_config LIMIT 1`)

	var sv ServerData
	err := row.Scan(&sv.ListenAddr, &sv.Port, &sv.APIKey, &sv.TLSCertPath, &sv.TLSKeyPath)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if sv.ListenAddr == "" {
		sv.ListenAddr = cfg.Server.ListenAddr
	}
	if sv.Port == 0 {
		sv.Port = cfg.Server.Port
	}
	cfg.Server = sv
	return nil
}

func (s *SQLiteProvider) loadGateways(cfg *ConfigData) error {
	rows, err := s.db.Query(`SELECT type, udp_port, serial_device, serial_baud FROM gateway_config`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var gwType, serialDevice string
		var udpPort, serialBaud int
		if err := rows.Scan(&gwType, &udpPort, &serialDevice, &serialBaud); err != nil {
			return err
		}
		switch gwType {
		case "udp":
			cfg.Gateways.UDP = &UDPGatewayData{Port: udpPort}
		case "serial":
			cfg.Gateways.Serial = &SerialGatewayData{Device: serialDevice, Baud: serialBaud}
		}
	}
	return rows.Err()
}

func (s *SQLiteProvider) loadStorage(cfg *ConfigData) error {
	row := s.db.QueryRow(`SELECT connection_string FROM timescaledb_config LIMIT 1`)

	var connString string
	err := row.Scan(&connString)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return err
	}
	if connString != "" {
		cfg.Storage.TimescaleDB = &TimescaleDBData{ConnectionString: connString}
	}
	return nil
}

func (s *SQLiteProvider) loadScoring(cfg *ConfigData) error {
	// Scalar scoring settings live in a key/value table so new knobs do
	// not require schema migrations.
	rows, err := s.db.Query(`SELECT key, value FROM scoring_config`)
	if err != nil {
		return err
	}
	defer rows.Close()

	sc := &cfg.Scoring
	for rows.Next() {
		var key string
		var value float64
		if err := rows.Scan(&key, &value); err != nil {
			return err
		}
		switch key {
		case "weights.temporal":
			sc.Weights.Temporal = value
		case "weights.cross":
			sc.Weights.Cross = value
		case "weights.physical":
			sc.Weights.Physical = value
		case "penalties.high_moisture_no_rain":
			sc.PhysicalPenalties.HighMoistureNoRain = value
		case "penalties.soil_air_temp_gap":
			sc.PhysicalPenalties.SoilAirTempGap = value
		case "penalties.ph_jump":
			sc.PhysicalPenalties.PHJump = value
		case "penalties.ec_spike":
			sc.PhysicalPenalties.ECSpike = value
		case "bands.highly_reliable":
			sc.TrustBands.HighlyReliable = value
		case "bands.reliable":
			sc.TrustBands.Reliable = value
		case "bands.uncertain":
			sc.TrustBands.Uncertain = value
		case "bands.unreliable":
			sc.TrustBands.Unreliable = value
		case "windows.history":
			sc.HistoryWindow = int(value)
		case "windows.drift":
			sc.DriftWindow = int(value)
		case "windows.trend":
			sc.TrendWindow = int(value)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	return s.loadParameterThresholds(sc)
}

func (s *SQLiteProvider) loadParameterThresholds(sc *ScoringData) error {
	rows, err := s.db.Query(`SELECT parameter, limit_min, limit_max, temporal_normal, temporal_moderate,
		static_threshold, drift_threshold, cross_normal, cross_moderate FROM parameter_thresholds`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var p string
		var lim LimitData
		var temporal, cross BandData
		var staticThr, driftThr float64
		if err := rows.Scan(&p, &lim.Min, &lim.Max, &temporal.Normal, &temporal.Moderate,
			&staticThr, &driftThr, &cross.Normal, &cross.Moderate); err != nil {
			return err
		}
		sc.PhysicalLimits[p] = lim
		sc.TemporalThresholds[p] = temporal
		sc.StaticThresholds[p] = staticThr
		sc.DriftThresholds[p] = driftThr
		sc.CrossThresholds[p] = cross
	}
	return rows.Err()
}

// IsReadOnly returns false; SQLite configuration can be managed in place
func (s *SQLiteProvider) IsReadOnly() bool {
	return false
}

// Close closes the database connection
func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}
