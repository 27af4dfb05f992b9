// Package ranking projects the server-computed per-mission leaderboard for
// display. Ranking is non-critical: fetch failures degrade to an empty board
// instead of propagating.
package ranking

import (
	"context"

	"fairquest/internal/domain"
)

// Fetcher is the server surface the projector consumes. Satisfied by
// *api.Client.
type Fetcher interface {
	Ranking(ctx context.Context, missionID string) (domain.Ranking, error)
}

type Projector struct {
	Server Fetcher
}

func New(srv Fetcher) Projector {
	return Projector{Server: srv}
}

// Get returns the board for one mission. On any fetch error the result is
// an empty list and a nil self-entry; the error is never propagated.
func (p Projector) Get(ctx context.Context, missionID string) domain.Ranking {
	if p.Server == nil {
		return domain.Ranking{Rankings: []domain.RankingEntry{}}
	}
	r, err := p.Server.Ranking(ctx, missionID)
	if err != nil {
		return domain.Ranking{Rankings: []domain.RankingEntry{}}
	}
	if r.Rankings == nil {
		r.Rankings = []domain.RankingEntry{}
	}
	return r
}

// Podium splits an ordered board into the top three and the remainder.
// Pure slicing; no re-ranking.
func Podium(entries []domain.RankingEntry) (top []domain.RankingEntry, rest []domain.RankingEntry) {
	if len(entries) <= 3 {
		return entries, nil
	}
	return entries[:3], entries[3:]
}
