package audit

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lexvault/lexvault-server/internal/logger"
	"github.com/lexvault/lexvault-server/internal/model"
)

// Log is the append-only, tamper-evident audit trail. Every entry's hash
// covers the previous entry's hash and this entry's fields, so edits and
// truncation are detectable from genesis. Append is the only mutation.
type Log struct {
	store  model.AuditStore
	logger *logger.Logger

	mu       sync.Mutex
	tailSeq  int64
	tailHash []byte
}

// NewLog opens the audit log and primes the tail pointer from storage.
func NewLog(ctx context.Context, store model.AuditStore, logger *logger.Logger) (*Log, error) {
	l := &Log{
		store:  store,
		logger: logger,
	}

	last, err := store.Last(ctx)
	switch {
	case errors.Is(err, model.ErrNotFound):
		l.tailSeq = 0
		l.tailHash = genesisHash()
	case err != nil:
		return nil, fmt.Errorf("failed to read audit tail: %w", err)
	default:
		l.tailSeq = last.Seq
		l.tailHash = last.Hash
	}

	return l, nil
}

// TailSeq returns the sequence number of the most recent entry, 0 for an
// empty log.
func (l *Log) TailSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tailSeq
}

// Append writes one entry to the chain and returns it with its sequence
// number and hashes filled in. Appends are serialized; a storage failure is
// reported as ErrAuditUnavailable and the triggering operation must abort.
func (l *Log) Append(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	entry.Seq = l.tailSeq + 1
	entry.PrevHash = l.tailHash
	entry.Hash = entryHash(entry)

	if err := l.store.Insert(ctx, entry); err != nil {
		return model.AuditEntry{}, fmt.Errorf("%w: %v", model.ErrAuditUnavailable, err)
	}

	l.tailSeq = entry.Seq
	l.tailHash = entry.Hash

	return entry, nil
}

// VerifyChain walks entries [fromSeq, toSeq] and recomputes the chain.
// Returns the sequence number of the first broken entry, or 0 when the
// range verifies. A gap in sequence numbers counts as a break at the gap.
func (l *Log) VerifyChain(ctx context.Context, fromSeq, toSeq int64) (int64, error) {
	entries, err := l.store.Range(ctx, fromSeq, toSeq)
	if err != nil {
		return 0, fmt.Errorf("failed to read audit range: %w", err)
	}

	prev := []byte(nil)
	prevSeq := fromSeq - 1
	if fromSeq == 1 {
		prev = genesisHash()
	}

	for _, e := range entries {
		if e.Seq != prevSeq+1 {
			return prevSeq + 1, nil
		}
		if prev != nil && !bytes.Equal(e.PrevHash, prev) {
			return e.Seq, nil
		}
		if !bytes.Equal(entryHash(e), e.Hash) {
			return e.Seq, nil
		}
		prev = e.Hash
		prevSeq = e.Seq
	}

	return 0, nil
}

// Range exposes read-only access for compliance consumers.
func (l *Log) Range(ctx context.Context, fromSeq, toSeq int64) ([]model.AuditEntry, error) {
	return l.store.Range(ctx, fromSeq, toSeq)
}

func genesisHash() []byte {
	sum := sha256.Sum256([]byte("audit-chain-genesis"))
	return sum[:]
}

// entryHash computes the chained hash over the previous hash and a fixed
// canonical field order. Detail is length-prefixed so field boundaries
// cannot be shifted.
func entryHash(e model.AuditEntry) []byte {
	h := sha256.New()
	h.Write(e.PrevHash)
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(e.Seq)))
	h.Write(e.ID[:])
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(e.At.UnixNano())))
	h.Write(e.ActorID[:])
	writeLenPrefixed(h, []byte(e.Operation))
	if e.TargetDocument != nil {
		h.Write(e.TargetDocument[:])
	}
	if e.TargetDataset != nil {
		h.Write(e.TargetDataset[:])
	}
	writeLenPrefixed(h, []byte(e.Outcome))
	writeLenPrefixed(h, []byte(e.Detail))
	return h.Sum(nil)
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, b []byte) {
	h.Write(binary.BigEndian.AppendUint64(nil, uint64(len(b))))
	h.Write(b)
}
