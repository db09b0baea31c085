package store

// Schema is applied on every open; statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS workflows (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workflow_id TEXT UNIQUE NOT NULL,
	name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'Pending',
	definition TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS agent_states (
	agent_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	last_heartbeat DATETIME,
	messages_processed INTEGER NOT NULL DEFAULT 0,
	errors INTEGER NOT NULL DEFAULT 0,
	uptime_seconds INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS incidents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	incident_id TEXT UNIQUE NOT NULL,
	severity TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'Open',
	created_at DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	sender TEXT NOT NULL DEFAULT '',
	recipient TEXT NOT NULL DEFAULT '',
	message_type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	timestamp DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_incidents_status ON incidents(status);
CREATE INDEX IF NOT EXISTS idx_messages_type ON messages(message_type);
CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);
`
