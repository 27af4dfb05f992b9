package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"fairquest/internal/catalog"
	"fairquest/internal/domain"
	"fairquest/internal/events"
	"fairquest/internal/repo"
)

var (
	errUnknownMission = errors.New("unknown mission")
	errUnknownUser    = errors.New("unknown user")
	errNotCompleted   = errors.New("mission not completed; no ticket to use")
	errAlreadyUsed    = errors.New("ticket already used")
)

const rankingLimit = 20

// Service implements the authoritative mission operations. It owns the
// per-mission previous-rank snapshots used to annotate rank changes.
type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time

	mu        sync.Mutex
	prevRanks map[string]map[int64]int
}

func NewService(db *sql.DB) *Service {
	return &Service{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Now:       time.Now,
		prevRanks: map[string]map[int64]int{},
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Login resolves an entry code to a user.
func (s *Service) Login(ctx context.Context, code string) (domain.User, error) {
	u, err := s.Repo.GetUserByCode(ctx, code)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, errUnknownUser
		}
		return domain.User{}, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	if err := s.Events.Append(ctx, tx, "user.login", u.ID, "", events.EventPayload{"name": u.Name}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// MyMissions returns the caller's status for every catalog mission, with
// catalog defaults for rows that do not exist yet.
func (s *Service) MyMissions(ctx context.Context, userID int64) ([]domain.MissionStatus, error) {
	rows, err := s.Repo.ListUserMissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]repo.UserMission, len(rows))
	for _, um := range rows {
		byID[um.MissionID] = um
	}
	out := make([]domain.MissionStatus, 0, len(catalog.IDs()))
	for _, id := range catalog.IDs() {
		if um, ok := byID[id]; ok {
			out = append(out, um.Status())
			continue
		}
		out = append(out, domain.MissionStatus{MissionID: id, Target: catalog.Target(id)})
	}
	return out, nil
}

// UpdateProgress records a progress value. Progress keeps counting after
// completion; completion itself is set once and never unset here.
func (s *Service) UpdateProgress(ctx context.Context, userID int64, missionID string, progress int) (domain.MissionStatus, error) {
	if !catalog.Has(missionID) {
		return domain.MissionStatus{}, errUnknownMission
	}
	if progress < 0 {
		progress = 0
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MissionStatus{}, err
	}
	defer tx.Rollback()

	um, err := s.getOrCreateTx(ctx, tx, userID, missionID)
	if err != nil {
		return domain.MissionStatus{}, err
	}
	um.Progress = progress
	um.Target = catalog.Target(missionID)
	completed := false
	if um.Progress >= um.Target && !um.IsCompleted {
		um.IsCompleted = true
		completedAt := s.now().UTC().Format(time.RFC3339)
		um.CompletedAt = &completedAt
		completed = true
	}
	if err := s.Repo.UpdateUserMissionTx(ctx, tx, um); err != nil {
		return domain.MissionStatus{}, err
	}
	if completed {
		if err := s.Events.Append(ctx, tx, "mission.completed", userID, missionID, events.EventPayload{"progress": um.Progress}); err != nil {
			return domain.MissionStatus{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.MissionStatus{}, err
	}
	return um.Status(), nil
}

// CompleteMission force-completes a mission, setting progress to target.
func (s *Service) CompleteMission(ctx context.Context, userID int64, missionID string) (domain.MissionStatus, error) {
	if !catalog.Has(missionID) {
		return domain.MissionStatus{}, errUnknownMission
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.MissionStatus{}, err
	}
	defer tx.Rollback()

	um, err := s.getOrCreateTx(ctx, tx, userID, missionID)
	if err != nil {
		return domain.MissionStatus{}, err
	}
	um.Target = catalog.Target(missionID)
	um.Progress = um.Target
	if !um.IsCompleted {
		um.IsCompleted = true
		completedAt := s.now().UTC().Format(time.RFC3339)
		um.CompletedAt = &completedAt
	}
	if err := s.Repo.UpdateUserMissionTx(ctx, tx, um); err != nil {
		return domain.MissionStatus{}, err
	}
	if err := s.Events.Append(ctx, tx, "mission.completed", userID, missionID, events.EventPayload{"forced": true}); err != nil {
		return domain.MissionStatus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.MissionStatus{}, err
	}
	return um.Status(), nil
}

// MissionRanking computes the board ordered by progress and annotates each
// entry with the delta against the snapshot taken at the previous fetch.
// The new snapshot replaces the old one on every call.
func (s *Service) MissionRanking(ctx context.Context, missionID string, currentUserID int64) (domain.Ranking, error) {
	if !catalog.Has(missionID) {
		return domain.Ranking{}, errUnknownMission
	}
	rows, err := s.Repo.RankingByMission(ctx, missionID)
	if err != nil {
		return domain.Ranking{}, err
	}

	s.mu.Lock()
	snapshot := s.prevRanks[missionID]
	newSnapshot := make(map[int64]int, len(rows))

	all := make([]domain.RankingEntry, 0, len(rows))
	for i, row := range rows {
		rank := i + 1
		change := 0
		if prev, ok := snapshot[row.UserID]; ok && prev > 0 {
			change = prev - rank
		}
		all = append(all, domain.RankingEntry{
			Rank:       rank,
			UserID:     row.UserID,
			Name:       row.Name,
			Company:    row.Company,
			Progress:   row.Progress,
			RankChange: change,
		})
		newSnapshot[row.UserID] = rank
	}
	s.prevRanks[missionID] = newSnapshot
	s.mu.Unlock()

	var mine *domain.RankingEntry
	for i := range all {
		if all[i].UserID == currentUserID {
			entry := all[i]
			mine = &entry
			break
		}
	}
	top := all
	if len(top) > rankingLimit {
		top = top[:rankingLimit]
	}
	return domain.Ranking{Rankings: top, MyRanking: mine}, nil
}

// UseTicket is the authoritative single-use redemption keyed by owner and
// mission. Exactly one call succeeds per pair.
func (s *Service) UseTicket(ctx context.Context, ownerID int64, missionID string) (string, error) {
	if !catalog.Has(missionID) {
		return "", errUnknownMission
	}
	if _, err := s.Repo.GetUser(ctx, ownerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", errUnknownUser
		}
		return "", err
	}
	um, err := s.Repo.GetUserMission(ctx, ownerID, missionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return "", errNotCompleted
		}
		return "", err
	}
	if !um.IsCompleted {
		return "", errNotCompleted
	}
	if um.IsUsed {
		return "", errAlreadyUsed
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	ok, err := s.Repo.MarkTicketUsedTx(ctx, tx, ownerID, missionID)
	if err != nil {
		return "", err
	}
	if !ok {
		// Lost the race with a concurrent redemption.
		return "", errAlreadyUsed
	}
	if err := s.Events.Append(ctx, tx, "ticket.used", ownerID, missionID, events.EventPayload{}); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return missionID, nil
}

func (s *Service) getOrCreateTx(ctx context.Context, tx *sql.Tx, userID int64, missionID string) (repo.UserMission, error) {
	if _, err := s.Repo.GetUser(ctx, userID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return repo.UserMission{}, errUnknownUser
		}
		return repo.UserMission{}, err
	}
	um, err := s.Repo.GetUserMission(ctx, userID, missionID)
	if err == nil {
		return um, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return repo.UserMission{}, err
	}
	um, err = s.Repo.InsertUserMissionTx(ctx, tx, userID, missionID, catalog.Target(missionID))
	if err != nil {
		return repo.UserMission{}, fmt.Errorf("seed user mission: %w", err)
	}
	return um, nil
}
