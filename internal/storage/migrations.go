package storage

type migration struct {
	version int
	sql     string
}

// sqliteMigrations is the ordered schema history for the embedded backend.
// The postgres schema lives in migrations/postgres and is applied with
// golang-migrate.
var sqliteMigrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS resources (
	id             TEXT PRIMARY KEY,
	course_id      TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	number         TEXT NOT NULL DEFAULT '',
	title          TEXT NOT NULL DEFAULT '',
	term           TEXT NOT NULL DEFAULT '',
	class_number   TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL DEFAULT '',
	open_count     INTEGER CHECK (open_count IS NULL OR open_count >= 0),
	capacity       INTEGER CHECK (capacity IS NULL OR capacity >= 0),
	last_change_at DATETIME NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS subscriptions (
	subscriber_id    TEXT NOT NULL,
	resource_id      TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
	threshold        INTEGER NOT NULL DEFAULT 1 CHECK (threshold >= 0),
	active           INTEGER NOT NULL DEFAULT 1,
	last_notified_at DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL,
	PRIMARY KEY (subscriber_id, resource_id)
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_resource_active
	ON subscriptions(resource_id) WHERE active = 1;

CREATE TABLE IF NOT EXISTS notifications (
	id            TEXT PRIMARY KEY,
	subscriber_id TEXT NOT NULL,
	resource_id   TEXT NOT NULL REFERENCES resources(id) ON DELETE CASCADE,
	kind          TEXT NOT NULL,
	payload       TEXT NOT NULL,
	change_at     DATETIME NOT NULL,
	read          INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL,
	UNIQUE (subscriber_id, resource_id, change_at)
);

CREATE INDEX IF NOT EXISTS idx_notifications_subscriber
	ON notifications(subscriber_id, created_at DESC);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
ALTER TABLE resources ADD COLUMN component_type TEXT NOT NULL DEFAULT '';
ALTER TABLE resources ADD COLUMN days TEXT NOT NULL DEFAULT '';
ALTER TABLE resources ADD COLUMN time_range TEXT NOT NULL DEFAULT '';
ALTER TABLE resources ADD COLUMN location TEXT NOT NULL DEFAULT '';
ALTER TABLE resources ADD COLUMN instructor TEXT NOT NULL DEFAULT '';

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
