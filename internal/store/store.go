// Package store is the durable local cache of per-mission state. It keeps
// only the mutable triple per mission; catalog metadata is never written.
package store

import (
	"context"
	"database/sql"
	"time"

	"fairquest/internal/domain"
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Store {
	return Store{DB: db, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Load returns the saved mission states keyed by mission id. It fails soft:
// any read or scan error yields an empty map and the caller falls back to
// catalog defaults.
func (s Store) Load(ctx context.Context) map[string]domain.MissionState {
	out := map[string]domain.MissionState{}
	if s.DB == nil {
		return out
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT mission_id, is_completed, progress FROM local_missions`)
	if err != nil {
		return map[string]domain.MissionState{}
	}
	defer rows.Close()
	for rows.Next() {
		var st domain.MissionState
		if err := rows.Scan(&st.ID, &st.IsCompleted, &st.Progress); err != nil {
			return map[string]domain.MissionState{}
		}
		out[st.ID] = st
	}
	if rows.Err() != nil {
		return map[string]domain.MissionState{}
	}
	return out
}

// Save persists the mutable triple for every mission. Best-effort: on error
// the in-memory state stays the source of truth for the current process.
func (s Store) Save(ctx context.Context, missions []domain.Mission) error {
	if s.DB == nil {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := s.now().UTC().Format(time.RFC3339)
	for _, m := range missions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO local_missions(mission_id, is_completed, progress, updated_at)
VALUES (?,?,?,?)
ON CONFLICT(mission_id) DO UPDATE SET is_completed=excluded.is_completed, progress=excluded.progress, updated_at=excluded.updated_at`,
			m.ID, m.IsCompleted, m.Progress, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Merge applies saved state onto a catalog-default mission list. Saved ids
// that are no longer in the catalog are dropped silently.
func Merge(defaults []domain.Mission, saved map[string]domain.MissionState) []domain.Mission {
	out := make([]domain.Mission, len(defaults))
	copy(out, defaults)
	for i := range out {
		st, ok := saved[out[i].ID]
		if !ok {
			continue
		}
		out[i].IsCompleted = st.IsCompleted
		out[i].Progress = st.Progress
	}
	return out
}
