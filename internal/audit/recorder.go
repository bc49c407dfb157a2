package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the previous-hash value of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one append-only audit record. Entries are hash-chained: each
// carries the hash of its predecessor, so tampering with history breaks
// verification.
type Entry struct {
	ID           string    `json:"id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	Action       string    `json:"action"`
	Actor        string    `json:"actor"`
	Timestamp    time.Time `json:"timestamp"`
	Details      string    `json:"details"`
	PreviousHash string    `json:"previous_hash"`
	Hash         string    `json:"hash"`
}

// Recorder builds audit entries. Entries leave the Recorder unsealed: the
// store seals them into the hash chain (Seal) inside the same unit of work
// that commits the mutation, so the chain describes exactly the entries that
// were persisted. An entry built for a commit that fails never enters the
// chain.
type Recorder struct{}

// NewRecorder creates a Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record produces an unsealed entry describing one mutation.
func (r *Recorder) Record(entityType, entityID, action, actor, details string) *Entry {
	return &Entry{
		ID:         uuid.NewString(),
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Timestamp:  time.Now().UTC(),
		Details:    details,
	}
}

// Seal links the entry to the last persisted entry's hash and computes its
// own. Callers must hold whatever lock serializes appends to the log, so
// that previousHash is the hash of the entry committed immediately before
// this one.
func Seal(e *Entry, previousHash string) {
	e.PreviousHash = previousHash
	e.Hash = entryHash(e)
}

func entryHash(e *Entry) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%s",
		e.PreviousHash,
		e.ID,
		e.EntityType,
		e.EntityID,
		e.Action,
		e.Actor,
		e.Timestamp.Format(time.RFC3339Nano),
		e.Details,
	)
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that a slice of entries forms an unbroken, untampered
// hash chain.
func VerifyChain(entries []*Entry) error {
	for i, e := range entries {
		if i > 0 && e.PreviousHash != entries[i-1].Hash {
			return fmt.Errorf("chain broken at entry %s: previous hash mismatch", e.ID)
		}
		if entryHash(e) != e.Hash {
			return fmt.Errorf("hash mismatch at entry %s", e.ID)
		}
	}
	return nil
}
