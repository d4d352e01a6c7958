package domain

type (
	RoomID    string
	InviteKey string
)

type RoomStatus string

const (
	RoomActive RoomStatus = "active"
	RoomEnded  RoomStatus = "ended"
)

// Room is the session metadata as returned by the session API, plus the
// state the orchestrator projects from signaling.
type Room struct {
	ID               RoomID        `json:"id"`
	InviteKey        InviteKey     `json:"inviteKey"`
	Title            string        `json:"title"`
	HostID           ParticipantID `json:"hostId"`
	Status           RoomStatus    `json:"status"`
	Recording        bool          `json:"recording"`
	ParticipantCount int           `json:"participantCount"`
}

func (r Room) Active() bool { return r.Status == RoomActive }

func (r Room) IsHost(id ParticipantID) bool {
	return id != "" && r.HostID == id
}
