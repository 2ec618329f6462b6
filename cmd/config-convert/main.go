// config-convert turns a YAML trustd configuration into the SQLite
// schema the -config-backend sqlite mode reads.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	"github.com/soilsense/trustd/pkg/config"
	_ "modernc.org/sqlite"
)

func main() {
	var (
		yamlFile   = flag.String("yaml", "", "Path to YAML configuration file (required)")
		sqliteFile = flag.String("sqlite", "", "Path to SQLite database file to create (required)")
		force      = flag.Bool("force", false, "Overwrite existing SQLite database")
	)
	flag.Parse()

	if *yamlFile == "" || *sqliteFile == "" {
		fmt.Fprintf(os.Stderr, "Usage: %s -yaml <config.yaml> -sqlite <config.db>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	if _, err := os.Stat(*sqliteFile); err == nil {
		if !*force {
			fmt.Fprintf(os.Stderr, "Error: SQLite file already exists: %s (use -force to overwrite)\n", *sqliteFile)
			os.Exit(1)
		}
		os.Remove(*sqliteFile)
	}

	provider := config.NewYAMLProvider(*yamlFile)
	cfg, err := provider.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading YAML configuration: %v\n", err)
		os.Exit(1)
	}

	if err := writeDatabase(*sqliteFile, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing SQLite database: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Wrote %s\n", *sqliteFile)
	fmt.Println("Verify with: trustd -config-backend sqlite -config " + *sqliteFile + " -version")
}

func writeDatabase(path string, cfg *config.ConfigData) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := config.EnsureSchema(db); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO server_config (listen_addr, port, api_key, tls_cert_path, tls_key_path) VALUES (?, ?, ?, ?, ?)`,
		cfg.Server.ListenAddr, cfg.Server.Port, cfg.Server.APIKey, cfg.Server.TLSCertPath, cfg.Server.TLSKeyPath); err != nil {
		return err
	}

	if cfg.Gateways.UDP != nil {
		if _, err := tx.Exec(`INSERT INTO gateway_config (type, udp_port) VALUES ('udp', ?)`, cfg.Gateways.UDP.Port); err != nil {
			return err
		}
	}
	if cfg.Gateways.Serial != nil {
		if _, err := tx.Exec(`INSERT INTO gateway_config (type, serial_device, serial_baud) VALUES ('serial', ?, ?)`,
			cfg.Gateways.Serial.Device, cfg.Gateways.Serial.Baud); err != nil {
			return err
		}
	}
	if cfg.Storage.TimescaleDB != nil {
		if _, err := tx.Exec(`INSERT INTO timescaledb_config (connection_string) VALUES (?)`,
			cfg.Storage.TimescaleDB.ConnectionString); err != nil {
			return err
		}
	}

	sc := cfg.Scoring
	scalars := map[string]float64{
		"weights.temporal":                sc.Weights.Temporal,
		"weights.cross":                   sc.Weights.Cross,
		"weights.physical":                sc.Weights.Physical,
		"penalties.high_moisture_no_rain": sc.PhysicalPenalties.HighMoistureNoRain,
		"penalties.soil_air_temp_gap":     sc.PhysicalPenalties.SoilAirTempGap,
		"penalties.ph_jump":               sc.PhysicalPenalties.PHJump,
		"penalties.ec_spike":              sc.PhysicalPenalties.ECSpike,
		"bands.highly_reliable":           sc.TrustBands.HighlyReliable,
		"bands.reliable":                  sc.TrustBands.Reliable,
		"bands.uncertain":                 sc.TrustBands.Uncertain,
		"bands.unreliable":                sc.TrustBands.Unreliable,
		"windows.history":                 float64(sc.HistoryWindow),
		"windows.drift":                   float64(sc.DriftWindow),
		"windows.trend":                   float64(sc.TrendWindow),
	}
	for key, value := range scalars {
		if _, err := tx.Exec(`INSERT INTO scoring_config (key, value) VALUES (?, ?)`, key, value); err != nil {
			return err
		}
	}

	for p, lim := range sc.PhysicalLimits {
		if _, err := tx.Exec(`INSERT INTO parameter_thresholds (parameter, limit_min, limit_max,
			temporal_normal, temporal_moderate, static_threshold, drift_threshold, cross_normal, cross_moderate)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p, lim.Min, lim.Max,
			sc.TemporalThresholds[p].Normal, sc.TemporalThresholds[p].Moderate,
			sc.StaticThresholds[p], sc.DriftThresholds[p],
			sc.CrossThresholds[p].Normal, sc.CrossThresholds[p].Moderate); err != nil {
			return err
		}
	}

	return tx.Commit()
}
