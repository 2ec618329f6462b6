package config

import (
	"database/sql"

	"github.com/soilsense/trustd/pkg/migrate"
)

// schemaMigrations is the versioned history of the SQLite configuration
// schema. New settings get a new version; existing databases are
// upgraded in place when opened.
var schemaMigrations = []migrate.Migration{
	{
		Version: 1,
		Name:    "initial_config_schema",
		Up: `
CREATE TABLE server_config (
    listen_addr TEXT NOT NULL DEFAULT '',
    port INTEGER NOT NULL DEFAULT 0,
    api_key TEXT NOT NULL DEFAULT '',
    tls_cert_path TEXT NOT NULL DEFAULT '',
    tls_key_path TEXT NOT NULL DEFAULT ''
);
CREATE TABLE gateway_config (
    type TEXT NOT NULL,
    udp_port INTEGER NOT NULL DEFAULT 0,
    serial_device TEXT NOT NULL DEFAULT '',
    serial_baud INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE timescaledb_config (
    connection_string TEXT NOT NULL
);
CREATE TABLE scoring_config (
    key TEXT PRIMARY KEY,
    value REAL NOT NULL
);
CREATE TABLE parameter_thresholds (
    parameter TEXT PRIMARY KEY,
    limit_min REAL NOT NULL,
    limit_max REAL NOT NULL,
    temporal_normal REAL NOT NULL,
    temporal_moderate REAL NOT NULL,
    static_threshold REAL NOT NULL,
    drift_threshold REAL NOT NULL,
    cross_normal REAL NOT NULL,
    cross_moderate REAL NOT NULL
);`,
		Down: `
DROP TABLE parameter_thresholds;
DROP TABLE scoring_config;
DROP TABLE timescaledb_config;
DROP TABLE gateway_config;
DROP TABLE server_config;`,
	},
}

// EnsureSchema migrates a configuration database to the current schema
// version. It is safe to call on an empty database.
func EnsureSchema(db *sql.DB) error {
	return migrate.New(db, "config_schema_migrations", schemaMigrations).Up()
}
