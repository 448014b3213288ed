package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	// pure-Go sqlite driver, registered as "sqlite"
	_ "modernc.org/sqlite"
)

// Store is the persistence layer for the control plane. The schema has no
// foreign keys: references between pods, servers, logs and snapshots are
// soft, and the orchestrator maintains integrity.
type Store struct {
	DB  *sqlx.DB
	Log *logrus.Entry
}

const schema = `
CREATE TABLE IF NOT EXISTS servers (
	id                TEXT PRIMARY KEY,
	hostname          TEXT NOT NULL DEFAULT '',
	ip_address        TEXT NOT NULL DEFAULT '',
	cpu_cores         INTEGER NOT NULL DEFAULT 0,
	memory_mb         INTEGER NOT NULL DEFAULT 0,
	disk_gb           INTEGER NOT NULL DEFAULT 0,
	ssh_host          TEXT NOT NULL DEFAULT '',
	ssh_port          INTEGER NOT NULL DEFAULT 22,
	ssh_user          TEXT NOT NULL DEFAULT 'root',
	local_vm_name     TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL DEFAULT 'online',
	last_heartbeat_at TIMESTAMP NOT NULL,
	created_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pods (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	slug               TEXT NOT NULL UNIQUE,
	user_id            TEXT NOT NULL,
	team_id            TEXT NOT NULL,
	server_id          TEXT NOT NULL DEFAULT '',
	container_id       TEXT NOT NULL DEFAULT '',
	subnet             TEXT NOT NULL DEFAULT '',
	template           TEXT NOT NULL DEFAULT '',
	tier               TEXT NOT NULL DEFAULT '',
	config             TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	last_error_message TEXT NOT NULL DEFAULT '',
	version            INTEGER NOT NULL DEFAULT 0,
	archived_at        TIMESTAMP,
	created_at         TIMESTAMP NOT NULL,
	updated_at         TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS pod_ports (
	pod_id   TEXT NOT NULL,
	name     TEXT NOT NULL,
	internal INTEGER NOT NULL,
	external INTEGER NOT NULL,
	PRIMARY KEY (pod_id, name)
);

CREATE TABLE IF NOT EXISTS pod_logs (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	pod_id            TEXT NOT NULL,
	label             TEXT NOT NULL DEFAULT '',
	command           TEXT NOT NULL,
	container_command TEXT NOT NULL DEFAULT '',
	stdout            TEXT NOT NULL DEFAULT '',
	stderr            TEXT NOT NULL DEFAULT '',
	exit_code         INTEGER,
	duration_ms       INTEGER NOT NULL DEFAULT 0,
	timestamp         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pod_logs_pod ON pod_logs (pod_id, id);

CREATE TABLE IF NOT EXISTS server_metrics (
	server_id         TEXT NOT NULL,
	cpu_usage_percent REAL NOT NULL,
	memory_usage_mb   INTEGER NOT NULL,
	disk_usage_gb     REAL NOT NULL,
	active_pods_count INTEGER NOT NULL,
	timestamp         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_server_metrics ON server_metrics (server_id, timestamp);

CREATE TABLE IF NOT EXISTS pod_metrics (
	pod_id            TEXT NOT NULL,
	container_id      TEXT NOT NULL,
	cpu_usage_percent REAL NOT NULL,
	memory_usage_mb   INTEGER NOT NULL,
	disk_usage_mb     INTEGER NOT NULL,
	network_rx_bytes  INTEGER NOT NULL,
	network_tx_bytes  INTEGER NOT NULL,
	timestamp         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pod_metrics ON pod_metrics (pod_id, timestamp);

CREATE TABLE IF NOT EXISTS snapshots (
	id               TEXT PRIMARY KEY,
	pod_id           TEXT NOT NULL,
	status           TEXT NOT NULL,
	storage_path     TEXT NOT NULL DEFAULT '',
	size_bytes       INTEGER NOT NULL DEFAULT 0,
	manifest_version TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_pod ON snapshots (pod_id, created_at);
`

// NewStore opens (or creates) the sqlite database at path and applies the
// schema. Pass ":memory:" for tests.
func NewStore(log *logrus.Entry, path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_time_format=sqlite&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	if path == ":memory:" {
		dsn = ":memory:?_time_format=sqlite"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent provisioning.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{DB: db, Log: log}, nil
}

func (s *Store) Close() error { return s.DB.Close() }
