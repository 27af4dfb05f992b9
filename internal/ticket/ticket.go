// Package ticket derives redeemable tickets from completed missions and
// owns the scan payload wire format.
package ticket

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"

	"fairquest/internal/domain"
)

// payloadRe matches the only supported ticket wire form:
// ticket:<ownerId-as-decimal>:<missionId-as-word-chars>.
var payloadRe = regexp.MustCompile(`^ticket:(\d+):(\w+)$`)

var (
	ErrInvalidPayload = errors.New("invalid ticket payload")
	ErrTicketUsed     = errors.New("ticket already used")
	ErrNotCompleted   = errors.New("mission not completed")
)

// Issuer lists tickets for a fixed allow-list of eligible mission ids.
type Issuer struct {
	Eligible []string
}

func New(eligible []string) Issuer {
	return Issuer{Eligible: eligible}
}

// List filters missions to the allow-list and to completed entries. Order
// follows the allow-list, not completion time. Used tickets are included so
// callers can render them as spent, but Payload refuses to encode them.
func (i Issuer) List(ownerID int64, missions []domain.Mission) []domain.Ticket {
	byID := make(map[string]domain.Mission, len(missions))
	for _, m := range missions {
		byID[m.ID] = m
	}
	var out []domain.Ticket
	for _, id := range i.Eligible {
		m, ok := byID[id]
		if !ok || !m.IsCompleted {
			continue
		}
		out = append(out, domain.Ticket{
			MissionID: m.ID,
			OwnerID:   ownerID,
			Title:     m.Title,
			Used:      m.IsUsed,
		})
	}
	return out
}

// Payload returns the scan payload for a ticket. A used ticket is terminal
// and must never be re-encoded for scanning.
func (i Issuer) Payload(ownerID int64, m domain.Mission) (string, error) {
	if !m.IsCompleted {
		return "", ErrNotCompleted
	}
	if m.IsUsed {
		return "", ErrTicketUsed
	}
	return EncodePayload(ownerID, m.ID), nil
}

// EncodePayload produces the wire form ticket:<ownerId>:<missionId>.
func EncodePayload(ownerID int64, missionID string) string {
	return fmt.Sprintf("ticket:%d:%s", ownerID, missionID)
}

// DecodePayload parses a ticket payload back into its owner and mission.
func DecodePayload(payload string) (ownerID int64, missionID string, err error) {
	m := payloadRe.FindStringSubmatch(payload)
	if m == nil {
		return 0, "", ErrInvalidPayload
	}
	ownerID, err = strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, "", ErrInvalidPayload
	}
	return ownerID, m[2], nil
}

// IsTicketPayload reports whether text has the ticket wire shape.
func IsTicketPayload(text string) bool {
	return payloadRe.MatchString(text)
}

// IsCheckpointCode reports whether text is a bare venue-checkpoint UUID.
func IsCheckpointCode(text string) bool {
	u, err := uuid.Parse(text)
	if err != nil {
		return false
	}
	// uuid.Parse accepts urn: and braced variants; checkpoints are printed
	// in canonical form only.
	return text == u.String()
}
