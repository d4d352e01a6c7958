package domain

type MessageKind string

const (
	KindHello                MessageKind = "hello"
	KindError                MessageKind = "error"
	KindJoin                 MessageKind = "join-room"
	KindExistingParticipants MessageKind = "existing-participants"
	KindUserConnected        MessageKind = "user-connected"
	KindUserDisconnected     MessageKind = "user-disconnected"
	KindOffer                MessageKind = "offer"
	KindAnswer               MessageKind = "answer"
	KindICECandidate         MessageKind = "ice-candidate"
	KindActiveSpeaker        MessageKind = "active-speaker"
	KindStartRecording       MessageKind = "start-recording"
	KindStopRecording        MessageKind = "stop-recording"
	KindRecordingStarted     MessageKind = "recording-started"
	KindRecordingStopped     MessageKind = "recording-stopped"
	KindParticipantCount     MessageKind = "participant-count"
	KindSessionEnded         MessageKind = "session-ended"
)

// Candidate mirrors the browser RTCIceCandidateInit shape.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Message is the single wire envelope of the signaling channel. Which fields
// are set depends on Type.
type Message struct {
	Type         MessageKind     `json:"type"`
	RoomID       RoomID          `json:"roomId,omitempty"`
	UserID       ParticipantID   `json:"userId,omitempty"`
	Participants []ParticipantID `json:"participants,omitempty"`
	SDP          string          `json:"sdp,omitempty"`
	Candidate    *Candidate      `json:"candidate,omitempty"`
	SenderID     ParticipantID   `json:"senderId,omitempty"`
	TargetID     ParticipantID   `json:"targetId,omitempty"`
	Count        int             `json:"count,omitempty"`
	Error        string          `json:"error,omitempty"`
	// Token on hello reclaims the same id on a later connection.
	Token string `json:"token,omitempty"`
}

func JoinRoom(room RoomID) Message {
	return Message{Type: KindJoin, RoomID: room}
}

func Offer(room RoomID, target ParticipantID, sdp string) Message {
	return Message{Type: KindOffer, RoomID: room, TargetID: target, SDP: sdp}
}

func Answer(room RoomID, target ParticipantID, sdp string) Message {
	return Message{Type: KindAnswer, RoomID: room, TargetID: target, SDP: sdp}
}

func ICECandidate(room RoomID, target ParticipantID, c Candidate) Message {
	return Message{Type: KindICECandidate, RoomID: room, TargetID: target, Candidate: &c}
}

func ActiveSpeaker(room RoomID, id ParticipantID) Message {
	return Message{Type: KindActiveSpeaker, RoomID: room, UserID: id}
}

func StartRecording(room RoomID) Message {
	return Message{Type: KindStartRecording, RoomID: room}
}

func StopRecording(room RoomID) Message {
	return Message{Type: KindStopRecording, RoomID: room}
}
