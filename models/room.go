package models

import (
	"strconv"
	"time"
)

// RoomStatus is the advisory lifecycle status of a signaling room.
type RoomStatus string

const (
	RoomStatusWaiting   RoomStatus = "waiting"
	RoomStatusConnected RoomStatus = "connected"
	RoomStatusCompleted RoomStatus = "completed"
	RoomStatusFailed    RoomStatus = "failed"
)

// Valid reports whether s is one of the known room statuses.
func (s RoomStatus) Valid() bool {
	switch s {
	case RoomStatusWaiting, RoomStatusConnected, RoomStatusCompleted, RoomStatusFailed:
		return true
	default:
		return false
	}
}

// SessionDescription is an offer or answer as stored under rooms/<id>/offer|answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one network candidate as stored under rooms/<id>/*Candidates/<auto-id>.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
	SDPMid        *string `json:"sdpMid"`
}

// Key identifies a candidate for duplicate detection.
func (c Candidate) Key() string {
	key := c.Candidate + "|"
	if c.SDPMid != nil {
		key += *c.SDPMid
	}
	key += "|"
	if c.SDPMLineIndex != nil {
		key += strconv.Itoa(int(*c.SDPMLineIndex))
	}
	return key
}

// Room is a snapshot of one signaling room.
type Room struct {
	ID               string              `json:"id"`
	Offer            *SessionDescription `json:"offer,omitempty"`
	Answer           *SessionDescription `json:"answer,omitempty"`
	CallerCandidates []Candidate         `json:"callerCandidates,omitempty"`
	CalleeCandidates []Candidate         `json:"calleeCandidates,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	Status           RoomStatus          `json:"status"`
}
