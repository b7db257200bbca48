// Package store is the persistence layer of the nxy server: flakes, their
// revisions, the configurations each revision declares, evaluations of
// those configurations, and the fleet of known agents.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // Import for registration side-effect.
)

// Store wraps the server's database. A single process-wide Store is shared
// by the HTTP surface, the AgentManager, and the reconciler.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at |path| and applies any
// unapplied migrations.
func Open(path string) (*Store, error) {
	var db, err = sql.Open("sqlite3", fmt.Sprintf("file:%s?_fk=1&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err = migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Flake is a registered flake together with its latest observed revision.
type Flake struct {
	FlakeID        int64          `json:"flake_id"`
	FlakeURL       string         `json:"flake_url"`
	LatestRevision *FlakeRevision `json:"latest_revision,omitempty"`
}

// FlakeRevision is one immutable snapshot of a flake.
type FlakeRevision struct {
	FlakeRevisionID int64     `json:"flake_revision_id"`
	Revision        string    `json:"revision"`
	LastModified    time.Time `json:"last_modified"`
	URL             string    `json:"url"`
}

// Configuration is a named system configuration declared by a flake.
type Configuration struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FlakeID  int64  `json:"flake_id"`
	FlakeURL string `json:"flake_url"`
}

// Agent is a persisted agent row.
type Agent struct {
	ID              uuid.UUID `json:"id"`
	CurrentSystem   *string   `json:"current_system,omitempty"`
	ConfigurationID *int64    `json:"nixos_configuration_id,omitempty"`
}

// InsertFlake registers a flake and its first revision in one transaction,
// returning the populated Flake. The flake_url unique constraint rejects
// duplicate registrations.
func (s *Store) InsertFlake(ctx context.Context, flakeURL, revision string, lastModified time.Time, pinnedURL string, metadata json.RawMessage) (Flake, error) {
	var flake Flake

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return flake, err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx,
		`INSERT INTO flakes (flake_url) VALUES (?) RETURNING flake_id`,
		flakeURL,
	).Scan(&flake.FlakeID)
	if err != nil {
		return flake, fmt.Errorf("inserting flake: %w", err)
	}
	flake.FlakeURL = flakeURL

	var rev = FlakeRevision{Revision: revision, LastModified: lastModified, URL: pinnedURL}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO flake_revisions (flake_id, revision, last_modified, url, metadata)
		 VALUES (?, ?, ?, ?, ?) RETURNING flake_revision_id`,
		flake.FlakeID, revision, lastModified.Unix(), pinnedURL, string(metadata),
	).Scan(&rev.FlakeRevisionID)
	if err != nil {
		return flake, fmt.Errorf("inserting flake revision: %w", err)
	}
	flake.LatestRevision = &rev

	return flake, tx.Commit()
}

// InsertRevision appends a newly observed revision of an existing flake.
func (s *Store) InsertRevision(ctx context.Context, flakeID int64, revision string, lastModified time.Time, pinnedURL string, metadata json.RawMessage) (int64, error) {
	var id int64
	var err = s.db.QueryRowContext(ctx,
		`INSERT INTO flake_revisions (flake_id, revision, last_modified, url, metadata)
		 VALUES (?, ?, ?, ?, ?) RETURNING flake_revision_id`,
		flakeID, revision, lastModified.Unix(), pinnedURL, string(metadata),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting flake revision: %w", err)
	}
	return id, nil
}

// ListFlakes returns all flakes joined with their latest revision.
func (s *Store) ListFlakes(ctx context.Context) ([]Flake, error) {
	var rows, err = s.db.QueryContext(ctx, `
		WITH last_rev AS (
			SELECT flake_id, MAX(flake_revision_id) AS flake_revision_id
			FROM flake_revisions
			GROUP BY flake_id
		)
		SELECT flakes.flake_id, flake_url, flake_revisions.flake_revision_id,
		       revision, last_modified, url
		FROM flakes
		JOIN last_rev USING (flake_id)
		JOIN flake_revisions USING (flake_revision_id)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var flakes = []Flake{}
	for rows.Next() {
		var f Flake
		var rev FlakeRevision
		var lastModified int64
		if err = rows.Scan(&f.FlakeID, &f.FlakeURL, &rev.FlakeRevisionID,
			&rev.Revision, &lastModified, &rev.URL); err != nil {
			return nil, err
		}
		rev.LastModified = time.Unix(lastModified, 0).UTC()
		f.LatestRevision = &rev
		flakes = append(flakes, f)
	}
	return flakes, rows.Err()
}

// RevisionURL returns the owning flake and pinned URL of a revision.
func (s *Store) RevisionURL(ctx context.Context, flakeRevisionID int64) (flakeID int64, url string, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT flake_id, url FROM flake_revisions WHERE flake_revision_id = ?`,
		flakeRevisionID,
	).Scan(&flakeID, &url)
	return flakeID, url, err
}

// UpsertConfiguration inserts a configuration keyed by (flake_id, name),
// returning the existing row's id if it is already present.
func (s *Store) UpsertConfiguration(ctx context.Context, flakeID int64, name string) (int64, error) {
	var id int64
	var err = s.db.QueryRowContext(ctx,
		`INSERT INTO nixos_configurations (flake_id, name) VALUES (?, ?)
		 ON CONFLICT (flake_id, name) DO NOTHING
		 RETURNING nixos_configuration_id`,
		flakeID, name,
	).Scan(&id)
	if err == sql.ErrNoRows {
		err = s.db.QueryRowContext(ctx,
			`SELECT nixos_configuration_id FROM nixos_configurations
			 WHERE flake_id = ? AND name = ?`,
			flakeID, name,
		).Scan(&id)
	}
	if err != nil {
		return 0, fmt.Errorf("upserting configuration %q: %w", name, err)
	}
	return id, nil
}

// ListConfigurations returns all configurations joined with their flake.
func (s *Store) ListConfigurations(ctx context.Context) ([]Configuration, error) {
	var rows, err = s.db.QueryContext(ctx,
		`SELECT nixos_configuration_id, name, flake_id, flake_url
		 FROM nixos_configurations JOIN flakes USING (flake_id)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs = []Configuration{}
	for rows.Next() {
		var c Configuration
		if err = rows.Scan(&c.ID, &c.Name, &c.FlakeID, &c.FlakeURL); err != nil {
			return nil, err
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// InsertEvaluation records the store path a (revision, configuration) pair
// evaluated to. The pair is unique and the table append-only: duplicate
// inserts are ignored.
func (s *Store) InsertEvaluation(ctx context.Context, flakeRevisionID, configID int64, storePath string) error {
	var _, err = s.db.ExecContext(ctx,
		`INSERT INTO nixos_configuration_evaluations
		   (flake_revision_id, nixos_configuration_id, store_path)
		 VALUES (?, ?, ?)
		 ON CONFLICT (flake_revision_id, nixos_configuration_id) DO NOTHING`,
		flakeRevisionID, configID, storePath)
	return err
}

// EvaluationStorePath returns the store path of one evaluation.
func (s *Store) EvaluationStorePath(ctx context.Context, flakeRevisionID, configID int64) (string, error) {
	var storePath string
	var err = s.db.QueryRowContext(ctx,
		`SELECT store_path FROM nixos_configuration_evaluations
		 WHERE flake_revision_id = ? AND nixos_configuration_id = ?`,
		flakeRevisionID, configID,
	).Scan(&storePath)
	return storePath, err
}

// EnsureAgent inserts an agents row if none exists for |id|. It reports
// whether the agent was already known.
func (s *Store) EnsureAgent(ctx context.Context, id uuid.UUID) (known bool, err error) {
	var res sql.Result
	res, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id) VALUES (?) ON CONFLICT (agent_id) DO NOTHING`,
		id.String())
	if err != nil {
		return false, err
	}
	var n int64
	if n, err = res.RowsAffected(); err != nil {
		return false, err
	}
	return n == 0, nil
}

// UpdateAgentSystem records the store path an agent reports as its running
// system.
func (s *Store) UpdateAgentSystem(ctx context.Context, id uuid.UUID, currentSystem string) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE agents SET current_system = ? WHERE agent_id = ?`,
		currentSystem, id.String())
	return err
}

// AssignConfiguration binds an agent to a configuration.
func (s *Store) AssignConfiguration(ctx context.Context, id uuid.UUID, configID int64) error {
	var _, err = s.db.ExecContext(ctx,
		`UPDATE agents SET nixos_configuration_id = ? WHERE agent_id = ?`,
		configID, id.String())
	return err
}

// AgentForConfiguration returns the agent assigned to |configID|, if any.
func (s *Store) AgentForConfiguration(ctx context.Context, configID int64) (uuid.UUID, bool, error) {
	var raw string
	var err = s.db.QueryRowContext(ctx,
		`SELECT agent_id FROM agents WHERE nixos_configuration_id = ?`,
		configID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return uuid.Nil, false, nil
	} else if err != nil {
		return uuid.Nil, false, err
	}
	var id uuid.UUID
	if id, err = uuid.Parse(raw); err != nil {
		return uuid.Nil, false, fmt.Errorf("parsing agent_id: %w", err)
	}
	return id, true, nil
}

// ListAgents returns all persisted agents.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	var rows, err = s.db.QueryContext(ctx,
		`SELECT agent_id, current_system, nixos_configuration_id FROM agents`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents = []Agent{}
	for rows.Next() {
		var raw string
		var a Agent
		if err = rows.Scan(&raw, &a.CurrentSystem, &a.ConfigurationID); err != nil {
			return nil, err
		}
		if a.ID, err = uuid.Parse(raw); err != nil {
			return nil, fmt.Errorf("parsing agent_id: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// MatchAgentsBySystem auto-binds unassigned agents to a configuration whose
// evaluated store path equals the agent's reported current system. This is
// best-effort: if two configurations evaluate to the same store path the
// database's choice stands.
func (s *Store) MatchAgentsBySystem(ctx context.Context) error {
	var _, err = s.db.ExecContext(ctx, `
		UPDATE agents SET nixos_configuration_id = (
			SELECT e.nixos_configuration_id
			FROM nixos_configuration_evaluations AS e
			WHERE e.store_path = agents.current_system)
		WHERE agents.nixos_configuration_id IS NULL`)
	return err
}
