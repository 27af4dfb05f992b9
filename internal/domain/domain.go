package domain

// Mission is one entry of the fixed event mission set. The catalog fields
// (ID through Icon) never change at runtime; only the progress fields do.
type Mission struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
	// Target is nil for binary done/not-done missions.
	Target      *int `json:"target,omitempty"`
	Progress    int  `json:"progress"`
	IsCompleted bool `json:"is_completed"`
	IsUsed      bool `json:"is_used"`
}

// Quantitative reports whether the mission tracks a numeric counter.
func (m Mission) Quantitative() bool {
	return m.Target != nil && *m.Target > 0
}

// MissionState is the persisted slice of a mission: the only fields the
// local store writes and the only fields a saved record may override.
type MissionState struct {
	ID          string `json:"id"`
	IsCompleted bool   `json:"is_completed"`
	Progress    int    `json:"progress"`
}

// MissionStatus is the server's view of one user mission.
type MissionStatus struct {
	MissionID       string  `json:"missionId"`
	Progress        int     `json:"progress"`
	Target          int     `json:"target"`
	IsCompleted     bool    `json:"isCompleted"`
	IsUsed          bool    `json:"isUsed"`
	AchievementRate float64 `json:"achievementRate"`
}

// Ticket is the redeemable right derived from a completed mission. It is
// never stored; it is projected from mission state on demand.
type Ticket struct {
	MissionID string `json:"mission_id"`
	OwnerID   int64  `json:"owner_id"`
	Title     string `json:"title"`
	Used      bool   `json:"used"`
}

// RankingEntry is one participant's position for one mission at one
// snapshot. RankChange is signed: positive means the participant moved up
// since the previous snapshot, 0 means unchanged or never seen before.
type RankingEntry struct {
	Rank       int    `json:"rank"`
	UserID     int64  `json:"userId"`
	Name       string `json:"name"`
	Company    string `json:"company"`
	Progress   int    `json:"progress"`
	RankChange int    `json:"rankChange"`
}

// Ranking is a point-in-time ordered board for one mission plus the
// caller's own entry, which may be absent.
type Ranking struct {
	Rankings  []RankingEntry `json:"rankings"`
	MyRanking *RankingEntry  `json:"myRanking"`
}

// User is a fair participant or staff member.
type User struct {
	ID      int64  `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	Company string `json:"company,omitempty"`
	IsAdmin bool   `json:"is_admin"`
}

// Event is one row of the append-only activity log.
type Event struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	UserID    int64  `json:"user_id"`
	MissionID string `json:"mission_id,omitempty"`
	Payload   string `json:"payload_json"`
}
