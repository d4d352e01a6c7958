// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxParticipantIDLen = 64
	MaxDisplayNameLen   = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrParticipantIDEmpty = errors.New("participant id empty")
	ErrParticipantIDLong  = errors.New("participant id too long")
)

type ParticipantID string

func (id ParticipantID) String() string { return string(id) }

// MediaState is what a participant currently publishes.
type MediaState struct {
	AudioEnabled bool `json:"audioEnabled"`
	VideoEnabled bool `json:"videoEnabled"`
}

type Participant struct {
	ID              ParticipantID `json:"id"`
	DisplayName     string        `json:"displayName"`
	IsLocal         bool          `json:"isLocal"`
	IsActiveSpeaker bool          `json:"isActiveSpeaker"`
	Media           MediaState    `json:"mediaState"`
}

// NewLocalParticipant builds the synthetic entry for this side of the session.
func NewLocalParticipant(id ParticipantID, displayName string) (Participant, error) {
	if err := ValidateParticipantID(id); err != nil {
		return Participant{}, err
	}
	name, err := normalizeName(displayName, id)
	if err != nil {
		return Participant{}, err
	}
	return Participant{ID: id, DisplayName: name, IsLocal: true}, nil
}

// NewRemoteParticipant is used when only the signaling id is known.
func NewRemoteParticipant(id ParticipantID) Participant {
	return Participant{ID: id, DisplayName: string(id)}
}

func (p *Participant) SetDisplayName(name string) error {
	n, err := normalizeName(name, p.ID)
	if err != nil {
		return err
	}
	p.DisplayName = n
	return nil
}

func ValidateParticipantID(id ParticipantID) error {
	if len(id) == 0 {
		return ErrParticipantIDEmpty
	}
	if len(id) > MaxParticipantIDLen {
		return ErrParticipantIDLong
	}
	return nil
}

func normalizeName(name string, fallback ParticipantID) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return string(fallback), nil
	}
	if len(name) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}
