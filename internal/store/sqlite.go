package store

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	blderrors "github.com/bld-run/bld/pkg/errors"
)

const schema = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	state TEXT NOT NULL,
	app_user TEXT,
	date_created DATETIME NOT NULL,
	date_updated DATETIME,
	start_date DATETIME,
	end_date DATETIME
);

CREATE TABLE IF NOT EXISTS pipeline_run_containers (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES pipeline_runs(id),
	container_id TEXT NOT NULL,
	state TEXT NOT NULL,
	date_created DATETIME NOT NULL,
	date_updated DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_pipeline_run_containers_run_id
	ON pipeline_run_containers(run_id);
`

// SQLite persists runs and run containers to a SQLite database via the
// pure-Go modernc.org/sqlite driver (no cgo), already a teacher
// dependency.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if absent) the database at path and applies
// the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &blderrors.IOError{Op: "open sqlite database", Path: path, Cause: err}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, &blderrors.IOError{Op: "apply sqlite schema", Path: path, Cause: err}
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) CreateRun(ctx context.Context, run *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, name, state, app_user, date_created) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Name, run.State, run.AppUser, run.DateCreated)
	if err != nil {
		return &blderrors.IOError{Op: "insert pipeline_run", Path: run.ID, Cause: err}
	}
	return nil
}

func (s *SQLite) UpdateRunState(ctx context.Context, runID string, state RunState, at time.Time) error {
	var startClause, endClause string
	switch state {
	case RunRunning:
		startClause = `, start_date = COALESCE(start_date, ?)`
	case RunFinished, RunFaulted:
		endClause = `, end_date = ?`
	}

	args := []any{state, at}
	query := `UPDATE pipeline_runs SET state = ?, date_updated = ?` + startClause + endClause + ` WHERE id = ?`
	if startClause != "" {
		args = append(args, at)
	}
	if endClause != "" {
		args = append(args, at)
	}
	args = append(args, runID)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return &blderrors.IOError{Op: "update pipeline_run state", Path: runID, Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &blderrors.IOError{Op: "update pipeline_run state", Path: runID, Cause: err}
	}
	if n == 0 {
		return &blderrors.NotFoundError{Resource: "pipeline_run", ID: runID}
	}
	return nil
}

func (s *SQLite) GetRun(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, state, app_user, date_created, date_updated, start_date, end_date
		 FROM pipeline_runs WHERE id = ?`, runID)
	run := &Run{}
	if err := row.Scan(&run.ID, &run.Name, &run.State, &run.AppUser, &run.DateCreated,
		&run.DateUpdated, &run.StartDate, &run.EndDate); err != nil {
		if err == sql.ErrNoRows {
			return nil, &blderrors.NotFoundError{Resource: "pipeline_run", ID: runID}
		}
		return nil, &blderrors.IOError{Op: "select pipeline_run", Path: runID, Cause: err}
	}
	return run, nil
}

func (s *SQLite) ListRuns(ctx context.Context) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, state, app_user, date_created, date_updated, start_date, end_date
		 FROM pipeline_runs ORDER BY date_created DESC`)
	if err != nil {
		return nil, &blderrors.IOError{Op: "list pipeline_runs", Cause: err}
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run := &Run{}
		if err := rows.Scan(&run.ID, &run.Name, &run.State, &run.AppUser, &run.DateCreated,
			&run.DateUpdated, &run.StartDate, &run.EndDate); err != nil {
			return nil, &blderrors.IOError{Op: "scan pipeline_run", Cause: err}
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateRunContainer(ctx context.Context, rc *RunContainer) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_run_containers (id, run_id, container_id, state, date_created, date_updated)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rc.ID, rc.RunID, rc.ContainerID, rc.State, rc.DateCreated, rc.DateUpdated)
	if err != nil {
		return &blderrors.IOError{Op: "insert pipeline_run_container", Path: rc.ID, Cause: err}
	}
	return nil
}

func (s *SQLite) UpdateRunContainerState(ctx context.Context, id string, state ContainerState, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_run_containers SET state = ?, date_updated = ? WHERE id = ?`, state, at, id)
	if err != nil {
		return &blderrors.IOError{Op: "update pipeline_run_container state", Path: id, Cause: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &blderrors.IOError{Op: "update pipeline_run_container state", Path: id, Cause: err}
	}
	if n == 0 {
		return &blderrors.NotFoundError{Resource: "pipeline_run_container", ID: id}
	}
	return nil
}

func (s *SQLite) ListContainersForGC(ctx context.Context) ([]*RunContainer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.run_id, c.container_id, c.state, c.date_created, c.date_updated
		 FROM pipeline_run_containers c
		 JOIN pipeline_runs r ON r.id = c.run_id
		 WHERE c.state = ?
		    OR (c.state = ? AND r.state IN (?, ?))`,
		ContainerFaulted, ContainerActive, RunFinished, RunFaulted)
	if err != nil {
		return nil, &blderrors.IOError{Op: "list gc-eligible containers", Cause: err}
	}
	defer rows.Close()

	var out []*RunContainer
	for rows.Next() {
		rc := &RunContainer{}
		if err := rows.Scan(&rc.ID, &rc.RunID, &rc.ContainerID, &rc.State, &rc.DateCreated, &rc.DateUpdated); err != nil {
			return nil, &blderrors.IOError{Op: "scan pipeline_run_container", Cause: err}
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func (s *SQLite) ListRunContainers(ctx context.Context, runID string) ([]*RunContainer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, container_id, state, date_created, date_updated
		 FROM pipeline_run_containers WHERE run_id = ?`, runID)
	if err != nil {
		return nil, &blderrors.IOError{Op: "list pipeline_run_containers", Path: runID, Cause: err}
	}
	defer rows.Close()

	var out []*RunContainer
	for rows.Next() {
		rc := &RunContainer{}
		if err := rows.Scan(&rc.ID, &rc.RunID, &rc.ContainerID, &rc.State, &rc.DateCreated, &rc.DateUpdated); err != nil {
			return nil, &blderrors.IOError{Op: "scan pipeline_run_container", Cause: err}
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}
