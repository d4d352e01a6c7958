package peer

type State int

const (
	Idle State = iota
	LocalOfferPending
	RemoteOfferPending
	Stable
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case LocalOfferPending:
		return "negotiating(local-offer-pending)"
	case RemoteOfferPending:
		return "negotiating(remote-offer-pending)"
	case Stable:
		return "stable"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) Negotiating() bool {
	return s == LocalOfferPending || s == RemoteOfferPending
}
