package store

import (
	"database/sql"
	"fmt"
)

// Ordered schema migrations, applied once at server startup and tracked by
// PRAGMA user_version.
var migrations = []string{
	`CREATE TABLE flakes (
		flake_id  INTEGER PRIMARY KEY AUTOINCREMENT,
		flake_url TEXT NOT NULL UNIQUE
	);
	CREATE TABLE flake_revisions (
		flake_revision_id INTEGER PRIMARY KEY AUTOINCREMENT,
		flake_id          INTEGER NOT NULL REFERENCES flakes (flake_id),
		revision          TEXT NOT NULL,
		last_modified     INTEGER NOT NULL,
		url               TEXT NOT NULL,
		metadata          TEXT NOT NULL
	);`,

	`CREATE TABLE nixos_configurations (
		nixos_configuration_id INTEGER PRIMARY KEY AUTOINCREMENT,
		flake_id               INTEGER NOT NULL REFERENCES flakes (flake_id),
		name                   TEXT NOT NULL,
		UNIQUE (flake_id, name)
	);
	CREATE TABLE nixos_configuration_evaluations (
		flake_revision_id      INTEGER NOT NULL REFERENCES flake_revisions (flake_revision_id),
		nixos_configuration_id INTEGER NOT NULL REFERENCES nixos_configurations (nixos_configuration_id),
		store_path             TEXT NOT NULL,
		UNIQUE (flake_revision_id, nixos_configuration_id)
	);`,

	`CREATE TABLE agents (
		agent_id               TEXT PRIMARY KEY,
		current_system         TEXT,
		nixos_configuration_id INTEGER REFERENCES nixos_configurations (nixos_configuration_id)
	);`,
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for ; version < len(migrations); version++ {
		var tx, err = db.Begin()
		if err != nil {
			return err
		}
		if _, err = tx.Exec(migrations[version]); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version+1, err)
		}
		// PRAGMA does not accept bound parameters.
		if _, err = tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, version+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bumping schema version: %w", err)
		}
		if err = tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}
