package shield

import "database/sql"

// Schema holds the tables read by the middleware. Both live in the control
// database next to the tenant directory.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS admin_freeze (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    active  INTEGER NOT NULL DEFAULT 0,
    reason  TEXT NOT NULL DEFAULT '',
    set_by  TEXT NOT NULL DEFAULT '',
    set_at  INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO admin_freeze (id, active) VALUES (1, 0);

INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds)
VALUES ('POST /login', 10, 60);
`

// Init creates the shield tables and seeds the login limit.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
