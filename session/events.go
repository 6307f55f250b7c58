package session

import "sharewave/models"

// Status is the user-visible state of a session.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusWaiting      Status = "waiting"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusFailed       Status = "failed"
	StatusClosed       Status = "closed"
)

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	return s == StatusFailed || s == StatusClosed
}

// Event is one notification from a Session: StatusChanged, ProgressUpdated,
// FileReceived or FileSent.
type Event interface {
	isEvent()
}

// StatusChanged reports a status transition. Err is set when the transition is a failure.
type StatusChanged struct {
	Status Status
	Err    error
}

// ProgressUpdated carries the latest progress record of one file.
type ProgressUpdated struct {
	Progress models.TransferProgress
}

// FileReceived reports a reassembled file. Path is empty when the session does not save
// files to disk.
type FileReceived struct {
	File *models.File
	Path string
}

// FileSent reports a file whose chunks were all handed to the transfer channel.
type FileSent struct {
	Metadata models.FileTransferMetadata
}

func (StatusChanged) isEvent()   {}
func (ProgressUpdated) isEvent() {}
func (FileReceived) isEvent()    {}
func (FileSent) isEvent()        {}
