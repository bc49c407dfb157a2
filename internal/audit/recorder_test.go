package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// sealAll chains entries in order, the way a store does at commit time.
func sealAll(entries ...*Entry) {
	prev := GenesisHash
	for _, e := range entries {
		Seal(e, prev)
		prev = e.Hash
	}
}

func TestSealChainsEntries(t *testing.T) {
	r := NewRecorder()

	first := r.Record("trust_account", "a1", "account.create", "admin", "created")
	second := r.Record("client_ledger", "l1", "ledger.create", "admin", "created")
	third := r.Record("trust_transaction", "t1", "transaction.deposit", "alice", "deposit 100.00")

	// Record leaves entries unsealed; only Seal puts them on the chain.
	require.Empty(t, first.Hash)
	require.Empty(t, first.PreviousHash)

	sealAll(first, second, third)

	require.Equal(t, GenesisHash, first.PreviousHash)
	require.Equal(t, first.Hash, second.PreviousHash)
	require.Equal(t, second.Hash, third.PreviousHash)
	require.NoError(t, VerifyChain([]*Entry{first, second, third}))
}

func TestUnsealedEntryNeverMovesChain(t *testing.T) {
	r := NewRecorder()

	first := r.Record("trust_transaction", "t1", "transaction.deposit", "alice", "deposit 100.00")
	Seal(first, GenesisHash)

	// An entry built for a commit that failed is discarded unsealed; the
	// next committed entry chains from the last persisted hash.
	_ = r.Record("trust_transaction", "t2", "transaction.approve", "bob", "approved")

	third := r.Record("trust_transaction", "t3", "transaction.reject", "bob", "rejected")
	Seal(third, first.Hash)

	require.NoError(t, VerifyChain([]*Entry{first, third}))
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	r := NewRecorder()
	entries := []*Entry{
		r.Record("trust_transaction", "t1", "transaction.deposit", "alice", "deposit 100.00"),
		r.Record("trust_transaction", "t2", "transaction.withdrawal", "alice", "withdrawal 40.00"),
		r.Record("trust_transaction", "t2", "transaction.void", "bob", "voided"),
	}
	sealAll(entries...)
	require.NoError(t, VerifyChain(entries))

	// Rewriting history invalidates the entry's own hash.
	entries[1].Details = "withdrawal 4.00"
	err := VerifyChain(entries)
	require.Error(t, err)
	require.Contains(t, err.Error(), "hash mismatch")
}

func TestVerifyChainDetectsRemovedEntry(t *testing.T) {
	r := NewRecorder()
	entries := []*Entry{
		r.Record("trust_transaction", "t1", "transaction.deposit", "alice", "a"),
		r.Record("trust_transaction", "t2", "transaction.deposit", "alice", "b"),
		r.Record("trust_transaction", "t3", "transaction.deposit", "alice", "c"),
	}
	sealAll(entries...)

	err := VerifyChain([]*Entry{entries[0], entries[2]})
	require.Error(t, err)
	require.Contains(t, err.Error(), "chain broken")
}

func TestArchiveAppendIsIdempotent(t *testing.T) {
	archive, err := OpenArchive(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer archive.Close()

	r := NewRecorder()
	e := r.Record("trust_account", "a1", "account.create", "admin", "created")
	Seal(e, GenesisHash)

	ctx := context.Background()
	require.NoError(t, archive.Append(ctx, e))
	// Kafka redelivery replays the same entry id.
	require.NoError(t, archive.Append(ctx, e))

	got, err := archive.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, e.ID, got[0].ID)
	require.Equal(t, e.Hash, got[0].Hash)
	require.True(t, e.Timestamp.Equal(got[0].Timestamp))
}
