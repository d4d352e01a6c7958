package peer

import "github.com/dkeye/podcast/internal/domain"

// Role resolves glare. Both ends compute it from the same pair of ids and
// always land on opposite roles.
type Role int

const (
	Impolite Role = iota
	Polite
)

func (r Role) String() string {
	if r == Polite {
		return "polite"
	}
	return "impolite"
}

// RoleFor makes the side with the lexicographically greater id polite.
func RoleFor(local, remote domain.ParticipantID) Role {
	if local > remote {
		return Polite
	}
	return Impolite
}
