package db

const schema = `
CREATE TABLE IF NOT EXISTS pending_records (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    server_id TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    payload TEXT NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    locale TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_queue (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    action TEXT NOT NULL,
    target_id TEXT NOT NULL DEFAULT '',
    local_ref TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    priority INTEGER NOT NULL DEFAULT 0,
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    status TEXT NOT NULL DEFAULT 'pending',
    user_id TEXT NOT NULL DEFAULT '',
    locale TEXT NOT NULL DEFAULT '',
    source TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    last_attempt_at TEXT,
    next_retry_at TEXT
);

CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_sync_queue_target ON sync_queue(target_id);

CREATE TABLE IF NOT EXISTS id_map (
    temp_id TEXT PRIMARY KEY,
    server_id TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'price',
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    last_sync_at TEXT,
    last_status TEXT NOT NULL DEFAULT '',
    last_error TEXT NOT NULL DEFAULT '',
    synced INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    passes_total INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS schema_info (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

type migration struct {
	version     int
	description string
	sql         string
}

// migrations run in order against databases below their version.
// Version 1 is the base schema above.
var migrations = []migration{
	{
		version:     2,
		description: "queue error kind",
		sql:         `ALTER TABLE sync_queue ADD COLUMN error_kind TEXT NOT NULL DEFAULT ''`,
	},
}
