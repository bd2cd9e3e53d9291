// Package gateway defines the persistence gateway contract the sync engine
// saves through, plus an in-memory implementation and a circuit breaker.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/appedme/sketchflow-sub001/pkg/models"
)

// ErrNotFound is returned by Load for an entity the remote store does not have.
var ErrNotFound = errors.New("entity not found")

// Gateway loads and saves entities on the remote persistence service.
// Save reports its outcome as a SaveResult rather than an error so that a
// conflict is an ordinary value.
type Gateway interface {
	Load(ctx context.Context, id string) (models.Document, error)
	Save(ctx context.Context, id string, content models.Snapshot, precondition models.Revision) SaveResult
}

// Outcome tags a SaveResult.
type Outcome int

const (
	Saved Outcome = iota
	Conflict
	Transport
	// Rejected is a request the remote refused outright, such as an
	// authorization failure. Repeating it unchanged will not succeed.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Saved:
		return "saved"
	case Conflict:
		return "conflict"
	case Transport:
		return "transport_error"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// SaveResult is Success{revision} | Conflict{current} | TransportError{err} |
// Rejected{err}.
type SaveResult struct {
	Outcome Outcome
	// Revision is the authoritative revision assigned to a saved write.
	Revision models.Revision
	// Current is the server revision reported with a conflict, if known.
	Current models.Revision
	Err     error
}

// Success returns a Saved result.
func Success(rev models.Revision) SaveResult {
	return SaveResult{Outcome: Saved, Revision: rev}
}

// Conflicted returns a Conflict result.
func Conflicted(current models.Revision) SaveResult {
	return SaveResult{Outcome: Conflict, Current: current}
}

// Failed returns a Transport result wrapping err.
func Failed(err error) SaveResult {
	var te *TransportError
	if !errors.As(err, &te) {
		err = &TransportError{Op: "save", Err: err}
	}
	return SaveResult{Outcome: Transport, Err: err}
}

// Rejection returns a Rejected result wrapping err.
func Rejection(err error) SaveResult {
	return SaveResult{Outcome: Rejected, Err: err}
}

// RequestError is a client-side failure reported by the remote, e.g. an
// HTTP 4xx other than not-found or a precondition conflict.
type RequestError struct {
	Op         string
	ID         string
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s %s rejected (%d): %s", e.Op, e.ID, e.StatusCode, e.Message)
}

// TransportError reports that the gateway could not be reached or answered
// with a server-side failure.
type TransportError struct {
	Op  string
	ID  string
	Err error
}

func (e *TransportError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.ID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
