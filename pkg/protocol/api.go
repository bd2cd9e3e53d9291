// Package protocol defines the request/response types of the HTTP
// persistence gateway.
package protocol

import "time"

// ExpectedVersionHeader carries the save precondition.
const ExpectedVersionHeader = "X-Expected-Version"

// EntityResponse is returned by GET /api/v1/entities/{id}.
type EntityResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind,omitempty"`
	Content   []byte    `json:"content"`
	Version   int64     `json:"version"`
	Hash      string    `json:"hash,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SaveResponse is returned by a successful PUT /api/v1/entities/{id}.
type SaveResponse struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	Hash      string    `json:"hash,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// ConflictResponse is returned when a write conflicts with the current state.
type ConflictResponse struct {
	Error           string    `json:"error"`
	ID              string    `json:"id"`
	ExpectedVersion int64     `json:"expected_version"`
	CurrentVersion  int64     `json:"current_version"`
	CurrentHash     string    `json:"current_hash"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Change event types published on /api/v1/events.
const (
	EventCreate = "create"
	EventModify = "modify"
	EventDelete = "delete"
)

// ChangeEvent is a server-sent event announcing a remote write.
type ChangeEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	Version   int64  `json:"version,omitempty"`
	Hash      string `json:"hash,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
