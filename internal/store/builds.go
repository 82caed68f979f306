package store

import (
	"context"
	"time"

	"autobuild/internal/core"
)

// Append implements core.HistorySink. A build already stored is left as is.
func (s *Store) Append(project string, status *core.BuildStatus) error {
	return s.SaveBuild(context.Background(), status.Record())
}

// SaveBuild stores one finished build.
func (s *Store) SaveBuild(ctx context.Context, rec core.BuildRecord) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO builds(id, project, started_at, finished_at, result, log)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING`,
		rec.ID, rec.Project, toUnixNano(rec.Timestamp), toUnixNano(rec.FinishedAt), string(rec.Result), rec.Log)
	return err
}

// LoadHistory returns the stored builds of project, oldest first.
func (s *Store) LoadHistory(ctx context.Context, project string) ([]core.BuildRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, project, started_at, finished_at, result, log
FROM builds WHERE project = ? ORDER BY started_at, id`, project)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []core.BuildRecord
	for rows.Next() {
		var (
			rec               core.BuildRecord
			started, finished int64
			result            string
		)
		if err := rows.Scan(&rec.ID, &rec.Project, &started, &finished, &result, &rec.Log); err != nil {
			return nil, err
		}
		rec.Timestamp = fromUnixNano(started)
		rec.FinishedAt = fromUnixNano(finished)
		rec.Result = core.Result(result)
		rec.Locked = true
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveQueue replaces the persisted queue with jobs, in order.
func (s *Store) SaveQueue(ctx context.Context, jobs []core.Job) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_jobs`); err != nil {
		return err
	}
	for _, job := range jobs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO pending_jobs(id, project, queued_at) VALUES(?, ?, ?)`,
			job.ID, job.Project, toUnixNano(job.QueuedAt)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TakeQueue returns the persisted queue and clears it.
func (s *Store) TakeQueue(ctx context.Context) ([]core.Job, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id, project, queued_at FROM pending_jobs ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	var jobs []core.Job
	for rows.Next() {
		var (
			job    core.Job
			queued int64
		)
		if err := rows.Scan(&job.ID, &job.Project, &queued); err != nil {
			_ = rows.Close()
			return nil, err
		}
		job.QueuedAt = fromUnixNano(queued)
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_jobs`); err != nil {
		return nil, err
	}
	return jobs, tx.Commit()
}

func toUnixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
