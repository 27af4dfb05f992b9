package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fairquest/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `INSERT INTO users(code,name,company,is_admin,created_at) VALUES (?,?,?,?,?)`,
		u.Code, u.Name, nullable(u.Company), u.IsAdmin, now)
	if err != nil {
		return domain.User{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.User{}, err
	}
	u.ID = id
	return u, nil
}

func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var company sql.NullString
	err := row.Scan(&u.ID, &u.Code, &u.Name, &company, &u.IsAdmin)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if company.Valid {
		u.Company = company.String
	}
	return u, err
}

func (r Repo) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,code,name,company,is_admin FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByCode(ctx context.Context, code string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT id,code,name,company,is_admin FROM users WHERE code=?`, code))
}

// UserMission is one authoritative per-user mission row.
type UserMission struct {
	ID          int64
	UserID      int64
	MissionID   string
	Progress    int
	Target      int
	IsCompleted bool
	CompletedAt *string
	IsUsed      bool
	UsedAt      *string
	UpdatedAt   string
}

// Status projects a row into the wire status shape. Progress keeps counting
// after completion, so the rate caps at 100.
func (um UserMission) Status() domain.MissionStatus {
	rate := 0.0
	switch {
	case um.IsCompleted:
		rate = 100.0
	case um.Target > 0:
		rate = float64(um.Progress) / float64(um.Target) * 100.0
		if rate > 100.0 {
			rate = 100.0
		}
	}
	return domain.MissionStatus{
		MissionID:       um.MissionID,
		Progress:        um.Progress,
		Target:          um.Target,
		IsCompleted:     um.IsCompleted,
		IsUsed:          um.IsUsed,
		AchievementRate: rate,
	}
}

const userMissionCols = `id,user_id,mission_id,progress,target,is_completed,completed_at,is_used,used_at,updated_at`

func scanUserMission(row *sql.Row) (UserMission, error) {
	var um UserMission
	var completedAt, usedAt sql.NullString
	err := row.Scan(&um.ID, &um.UserID, &um.MissionID, &um.Progress, &um.Target,
		&um.IsCompleted, &completedAt, &um.IsUsed, &usedAt, &um.UpdatedAt)
	if err == sql.ErrNoRows {
		return um, ErrNotFound
	}
	if completedAt.Valid {
		um.CompletedAt = &completedAt.String
	}
	if usedAt.Valid {
		um.UsedAt = &usedAt.String
	}
	return um, err
}

func (r Repo) GetUserMission(ctx context.Context, userID int64, missionID string) (UserMission, error) {
	return scanUserMission(r.DB.QueryRowContext(ctx,
		`SELECT `+userMissionCols+` FROM user_missions WHERE user_id=? AND mission_id=?`, userID, missionID))
}

func (r Repo) InsertUserMissionTx(ctx context.Context, tx *sql.Tx, userID int64, missionID string, target int) (UserMission, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `INSERT INTO user_missions(user_id,mission_id,progress,target,is_completed,updated_at)
VALUES (?,?,0,?,0,?)`, userID, missionID, target, now)
	if err != nil {
		return UserMission{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return UserMission{}, err
	}
	return UserMission{ID: id, UserID: userID, MissionID: missionID, Target: target, UpdatedAt: now}, nil
}

func (r Repo) UpdateUserMissionTx(ctx context.Context, tx *sql.Tx, um UserMission) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `UPDATE user_missions SET progress=?, target=?, is_completed=?, completed_at=?, updated_at=? WHERE id=?`,
		um.Progress, um.Target, um.IsCompleted, nullableStr(um.CompletedAt), now, um.ID)
	return err
}

func (r Repo) ListUserMissions(ctx context.Context, userID int64) ([]UserMission, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+userMissionCols+` FROM user_missions WHERE user_id=?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UserMission
	for rows.Next() {
		var um UserMission
		var completedAt, usedAt sql.NullString
		if err := rows.Scan(&um.ID, &um.UserID, &um.MissionID, &um.Progress, &um.Target,
			&um.IsCompleted, &completedAt, &um.IsUsed, &usedAt, &um.UpdatedAt); err != nil {
			return nil, err
		}
		if completedAt.Valid {
			um.CompletedAt = &completedAt.String
		}
		if usedAt.Valid {
			um.UsedAt = &usedAt.String
		}
		out = append(out, um)
	}
	return out, rows.Err()
}

// RankingRow is one leaderboard line before rank-change annotation.
type RankingRow struct {
	UserID   int64
	Name     string
	Company  string
	Progress int
}

// RankingByMission returns all rows for one mission ordered progress DESC
// with updated_at then id as the stable tie-break.
func (r Repo) RankingByMission(ctx context.Context, missionID string) ([]RankingRow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT um.user_id, u.name, COALESCE(u.company,''), um.progress
FROM user_missions um JOIN users u ON u.id = um.user_id
WHERE um.mission_id=? ORDER BY um.progress DESC, um.updated_at ASC, um.id ASC`, missionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RankingRow
	for rows.Next() {
		var row RankingRow
		if err := rows.Scan(&row.UserID, &row.Name, &row.Company, &row.Progress); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkTicketUsedTx flips is_used exactly once. The conditional UPDATE is
// the single-use enforcement point: a second redemption matches zero rows.
func (r Repo) MarkTicketUsedTx(ctx context.Context, tx *sql.Tx, userID int64, missionID string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx,
		`UPDATE user_missions SET is_used=1, used_at=?, updated_at=? WHERE user_id=? AND mission_id=? AND is_completed=1 AND is_used=0`,
		now, now, userID, missionID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
