// Package models contains the data types shared by the cache, session and
// sync layers.
package models

import (
	"bytes"
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// EntityKind distinguishes the editable units of a workspace.
type EntityKind string

const (
	KindDocument EntityKind = "document"
	KindCanvas   EntityKind = "canvas"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	return k == KindDocument || k == KindCanvas
}

// Snapshot is the opaque serialized state of an entity.
type Snapshot []byte

// Clone returns a copy that does not alias s.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return nil
	}
	out := make(Snapshot, len(s))
	copy(out, s)
	return out
}

// Equal reports whether two snapshots hold the same bytes.
func (s Snapshot) Equal(other Snapshot) bool {
	return bytes.Equal(s, other)
}

// Digest returns the hex-encoded BLAKE2b-256 digest of the snapshot.
func (s Snapshot) Digest() string {
	sum := blake2b.Sum256(s)
	return hex.EncodeToString(sum[:])
}

// Revision identifies a persisted state of an entity on the remote side.
// It doubles as the precondition of the next save.
type Revision struct {
	Version   int64     `json:"version"`
	Token     string    `json:"token,omitempty"` // backend-native token, e.g. an S3 ETag
	UpdatedAt time.Time `json:"updated_at"`
}

// IsZero reports whether the revision describes an entity that was never persisted.
func (r Revision) IsZero() bool {
	return r.Version == 0 && r.Token == ""
}

// Document is an entity as returned by the persistence gateway.
type Document struct {
	ID       string     `json:"id"`
	Kind     EntityKind `json:"kind,omitempty"`
	Content  Snapshot   `json:"content"`
	Revision Revision   `json:"revision"`
}
