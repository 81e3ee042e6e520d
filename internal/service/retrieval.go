package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/lexvault/lexvault-server/internal/audit"
	"github.com/lexvault/lexvault-server/internal/crypto"
	"github.com/lexvault/lexvault-server/internal/logger"
	"github.com/lexvault/lexvault-server/internal/model"
	"github.com/lexvault/lexvault-server/internal/policy"
)

// queryState tracks a request through the retrieval pipeline. Denied and
// Failed are terminal from any state.
type queryState string

const (
	stateReceived         queryState = "received"
	statePolicyChecked    queryState = "policy_checked"
	stateSearched         queryState = "searched"
	stateFilteredByAccess queryState = "filtered_by_access"
	stateDecrypted        queryState = "decrypted"
	stateAudited          queryState = "audited"
	stateCompleted        queryState = "completed"
)

const defaultTopK = 5

// Retrieval coordinates a query: policy check and credit reservation,
// hybrid search across the selected datasets, per-result access re-check,
// transient passage decryption, audit emission. Plaintext never outlives
// the request and access decisions are never cached.
type Retrieval struct {
	policy   *policy.Engine
	index    model.VectorIndex
	docs     model.DocumentStore
	datasets model.DatasetStore
	payloads model.Storage
	keys     *crypto.KeyManager
	cipher   *crypto.Cipher
	logger   *logger.Logger
	auditor

	queryCost  int64
	maxRetries uint64
}

// NewRetrieval creates the retrieval coordinator.
func NewRetrieval(
	policy *policy.Engine,
	index model.VectorIndex,
	docs model.DocumentStore,
	datasets model.DatasetStore,
	payloads model.Storage,
	keys *crypto.KeyManager,
	cipher *crypto.Cipher,
	auditLog *audit.Log,
	logger *logger.Logger,
	queryCost int64,
	maxRetries uint64,
) *Retrieval {
	return &Retrieval{
		policy:     policy,
		index:      index,
		docs:       docs,
		datasets:   datasets,
		payloads:   payloads,
		keys:       keys,
		cipher:     cipher,
		logger:     logger,
		auditor:    auditor{log: auditLog},
		queryCost:  queryCost,
		maxRetries: maxRetries,
	}
}

// Query runs the retrieval pipeline for one request.
func (s *Retrieval) Query(ctx context.Context, req model.RetrievalRequest) (*model.RetrievalResult, error) {
	state := stateReceived

	if err := validateRequest(req); err != nil {
		return nil, err
	}
	topK := req.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	op := model.Operation{
		ID:         uuid.New(),
		Kind:       model.OperationDatasetQuery,
		Permission: model.PermissionDatasetQuery,
		Cost:       s.queryCost,
	}
	target := model.TargetRef{}
	if len(req.DatasetIDs) == 1 {
		target.DatasetID = &req.DatasetIDs[0]
	}

	decision, err := s.policy.Authorize(ctx, req.AccessToken, op, target)
	if err != nil {
		return nil, s.auditError(ctx, decision.User.ID, op, target, err)
	}
	if !decision.Allowed {
		return nil, s.auditDenial(ctx, decision, op, target)
	}
	state = statePolicyChecked

	fail := func(opErr error) error {
		s.releaseReservation(ctx, decision, op)
		s.logger.Debug("query failed", "state", string(state), "error", opErr)
		return s.auditError(ctx, decision.User.ID, op, target, opErr)
	}

	matches, err := s.search(ctx, req)
	if err != nil {
		return nil, fail(err)
	}
	state = stateSearched

	survivors, filtered, err := s.filterByAccess(ctx, decision.User, matches)
	if err != nil {
		return nil, fail(err)
	}
	state = stateFilteredByAccess

	result := &model.RetrievalResult{
		OperationID: op.ID,
		Considered:  len(matches),
		Filtered:    filtered,
	}

	if err := s.decryptPassages(ctx, survivors, topK, result); err != nil {
		result.Wipe()
		return nil, fail(err)
	}
	result.Returned = len(result.Passages)
	state = stateDecrypted

	detail := fmt.Sprintf("considered=%d filtered=%d returned=%d", result.Considered, result.Filtered, result.Returned)
	if err := s.auditAllowed(ctx, decision.User.ID, op, target, detail); err != nil {
		// Unaudited queries do not complete: wipe and give the credits back.
		result.Wipe()
		s.releaseReservation(ctx, decision, op)
		return nil, err
	}
	state = stateAudited

	state = stateCompleted
	s.logger.Debug("query completed", "state", string(state), "returned", result.Returned)
	return result, nil
}

func validateRequest(req model.RetrievalRequest) error {
	if req.Query == "" && len(req.Vector) == 0 {
		return fmt.Errorf("query is empty")
	}
	if len(req.DatasetIDs) == 0 {
		return fmt.Errorf("no datasets selected")
	}
	return nil
}

// search queries every selected dataset with bounded retries and merges the
// per-dataset rankings into one deterministic global ranking: by score,
// ties broken by dataset id then document id.
func (s *Retrieval) search(ctx context.Context, req model.RetrievalRequest) ([]model.VectorMatch, error) {
	var all []model.VectorMatch

	for _, datasetID := range req.DatasetIDs {
		query := model.VectorQuery{
			DatasetID: datasetID,
			Vector:    req.Vector,
			Terms:     req.Terms,
			TopK:      0, // global topK is applied after the access re-check
		}

		bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), s.maxRetries), ctx)
		matches, err := backoff.RetryWithData(func() ([]model.VectorMatch, error) {
			return s.index.Query(ctx, query)
		}, bo)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", model.ErrVectorStoreUnavailable, err)
		}

		all = append(all, matches...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		if all[i].DatasetID != all[j].DatasetID {
			return all[i].DatasetID.String() < all[j].DatasetID.String()
		}
		return all[i].DocumentID.String() < all[j].DocumentID.String()
	})

	return all, nil
}

// filterByAccess re-checks document-level read access for every candidate.
// Candidates failing the check are dropped, never surfaced as denied, so
// their existence does not leak. The adapter's ordering is preserved.
func (s *Retrieval) filterByAccess(ctx context.Context, user model.User, matches []model.VectorMatch) ([]candidate, int, error) {
	var survivors []candidate
	filtered := 0
	dsCache := map[uuid.UUID]model.Dataset{}

	for _, m := range matches {
		doc, err := s.docs.GetByID(ctx, m.DocumentID)
		if errors.Is(err, model.ErrNotFound) {
			// Stale index entry.
			filtered++
			continue
		}
		if err != nil {
			return nil, 0, fmt.Errorf("failed to get document: %w", err)
		}

		ds, ok := dsCache[doc.DatasetID]
		if !ok {
			ds, err = s.datasets.GetByID(ctx, doc.DatasetID)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to get dataset: %w", err)
			}
			dsCache[doc.DatasetID] = ds
		}

		if !s.policy.AllowsDocumentRead(user, doc, ds) {
			filtered++
			continue
		}

		survivors = append(survivors, candidate{match: m, doc: doc})
	}

	return survivors, filtered, nil
}

type candidate struct {
	match model.VectorMatch
	doc   model.Document
}

// decryptPassages scope-decrypts only the referenced passage ranges of the
// surviving candidates, up to topK. Full-document buffers are wiped before
// this returns; only the extracted passages survive, owned by the result.
func (s *Retrieval) decryptPassages(ctx context.Context, survivors []candidate, topK int, result *model.RetrievalResult) error {
	for _, c := range survivors {
		if len(result.Passages) >= topK {
			break
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		reader, err := s.payloads.Download(ctx, c.doc.ObjectKey)
		if err != nil {
			return fmt.Errorf("failed to download ciphertext: %w", err)
		}
		ciphertext, err := io.ReadAll(reader)
		reader.Close()
		if err != nil {
			return fmt.Errorf("failed to read ciphertext: %w", err)
		}

		env := crypto.Envelope{Ciphertext: ciphertext, Nonce: c.doc.Nonce, Tag: c.doc.Tag}
		doc := c.doc
		match := c.match

		err = s.keys.WithDataKey(ctx, doc.DataKeyID, func(key []byte) error {
			return s.cipher.WithPlaintext(env, key, func(plaintext []byte) error {
				sum := sha256.Sum256(plaintext)
				if !bytes.Equal(sum[:], doc.ContentHash) {
					return fmt.Errorf("%w: content hash mismatch for document %s", model.ErrIntegrityViolation, doc.ID)
				}

				for _, pr := range match.Passages {
					if len(result.Passages) >= topK {
						break
					}
					start, end := clampRange(pr, len(plaintext))
					if start >= end {
						continue
					}
					text := make([]byte, end-start)
					copy(text, plaintext[start:end])
					result.Passages = append(result.Passages, model.Passage{
						DocumentID: doc.ID,
						DatasetID:  doc.DatasetID,
						Range:      model.PassageRange{Start: start, End: end},
						Text:       text,
						Score:      match.Score,
					})
				}
				return nil
			})
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func clampRange(pr model.PassageRange, size int) (int, int) {
	start := pr.Start
	end := pr.End
	if start < 0 {
		start = 0
	}
	if end > size {
		end = size
	}
	return start, end
}

// releaseReservation gives the reserved credits back when the operation
// does not complete. Runs on a detached context so cancellation of the
// request cannot strand the debit.
func (s *Retrieval) releaseReservation(ctx context.Context, decision model.Decision, op model.Operation) {
	if decision.Reserved <= 0 {
		return
	}
	if err := s.policy.ReleaseReservation(context.WithoutCancel(ctx), op.ID); err != nil {
		s.logger.Error("failed to release credit reservation", "error", err, "operation_id", op.ID)
	}
}
