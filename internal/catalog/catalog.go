// Package catalog defines the fixed mission set for the fair. The set is
// immutable for the process lifetime; insertion order is display order.
package catalog

import "fairquest/internal/domain"

func target(n int) *int { return &n }

var missions = []domain.Mission{
	{
		ID:          "renew",
		Title:       "Renew for tomorrow",
		Description: "Propose an improvement for another booth's idea",
		Icon:        "/image/badge/01_new.svg",
	},
	{
		ID:          "dream",
		Title:       "Dream big",
		Description: "Visit the hall of fame and ask a question about a flagship work",
		Icon:        "/image/badge/02_dream.svg",
	},
	{
		ID:          "result",
		Title:       "Deliver results",
		Description: "Make an investment",
		Icon:        "/image/badge/03_result.svg",
	},
	{
		ID:          "again",
		Title:       "Try again",
		Description: "Reach 70 visitors at your own booth",
		Target:      target(70),
		Icon:        "/image/badge/04_retry.svg",
	},
	{
		ID:          "sincere",
		Title:       "With sincerity",
		Description: "Write 12 booth reviews",
		Target:      target(12),
		Icon:        "/image/badge/05_truth.svg",
	},
	{
		ID:          "together",
		Title:       "Better together",
		Description: "Visit the globe exhibit",
		Icon:        "/image/badge/06_together.svg",
	},
}

// TicketEligible lists the mission ids whose completion grants a redeemable
// ticket, in issuing order.
var TicketEligible = []string{"renew", "dream", "result", "again", "sincere", "together"}

// Missions returns a fresh copy of the catalog with default mutable state.
func Missions() []domain.Mission {
	out := make([]domain.Mission, len(missions))
	copy(out, missions)
	return out
}

// Get returns the catalog entry for id.
func Get(id string) (domain.Mission, bool) {
	for _, m := range missions {
		if m.ID == id {
			return m, true
		}
	}
	return domain.Mission{}, false
}

// Has reports whether id is a catalog mission.
func Has(id string) bool {
	_, ok := Get(id)
	return ok
}

// Target returns the authoritative target for id. Binary missions count as
// target 1 on the server side.
func Target(id string) int {
	m, ok := Get(id)
	if !ok {
		return 0
	}
	if m.Target != nil {
		return *m.Target
	}
	return 1
}

// IDs returns the mission ids in display order.
func IDs() []string {
	ids := make([]string, len(missions))
	for i, m := range missions {
		ids[i] = m.ID
	}
	return ids
}
