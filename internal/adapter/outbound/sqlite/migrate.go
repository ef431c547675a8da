package sqlite

import "database/sql"

const schema = `
CREATE TABLE IF NOT EXISTS policies (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    description  TEXT NOT NULL DEFAULT '',
    scope_kind   TEXT NOT NULL,
    scope_target TEXT NOT NULL DEFAULT '',
    type         TEXT NOT NULL,
    config       TEXT NOT NULL DEFAULT '{}',
    priority     INTEGER NOT NULL DEFAULT 0,
    is_active    BOOLEAN NOT NULL DEFAULT 1,
    created_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_policies_scope ON policies(scope_kind, scope_target, is_active);
`

func migrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
