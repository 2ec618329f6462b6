package timescaledb

const createReadingsTableSQL = `CREATE TABLE IF NOT EXISTS readings (
    time timestamptz NOT NULL,
    sensor_id integer NOT NULL,
    reading_id bigint NOT NULL,
    moisture double precision,
    temperature double precision,
    ec double precision,
    ph double precision,
    air_temp double precision,
    is_raining boolean,
    irrigation_active boolean
);
CREATE INDEX IF NOT EXISTS readings_sensor_time_idx ON readings (sensor_id, time DESC);`

const createTrustResultsTableSQL = `CREATE TABLE IF NOT EXISTS trust_results (
    evaluated_at timestamptz NOT NULL,
    sensor_id integer NOT NULL,
    reading_id bigint NOT NULL,
    score double precision NOT NULL,
    status text NOT NULL,
    label text NOT NULL,
    severity text NOT NULL,
    root_causes text NOT NULL,
    health_trend text NOT NULL,
    trend_slope double precision NOT NULL,
    anomaly_rate double precision NOT NULL
);
CREATE INDEX IF NOT EXISTS trust_results_sensor_idx ON trust_results (sensor_id, evaluated_at DESC);`

const createTicketsTableSQL = `CREATE TABLE IF NOT EXISTS tickets (
    id text PRIMARY KEY,
    sensor_id integer NOT NULL,
    issue text NOT NULL,
    severity text NOT NULL,
    status text NOT NULL,
    created_at timestamptz NOT NULL,
    updated_at timestamptz NOT NULL,
    resolved_at timestamptz
);
CREATE INDEX IF NOT EXISTS tickets_status_idx ON tickets (status);
CREATE INDEX IF NOT EXISTS tickets_sensor_idx ON tickets (sensor_id);`

const createHypertableSQL = `SELECT create_hypertable('readings', 'time', if_not_exists => TRUE, migrate_data => TRUE);`
