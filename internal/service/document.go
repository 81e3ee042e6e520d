package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/lexvault/lexvault-server/internal/audit"
	"github.com/lexvault/lexvault-server/internal/crypto"
	"github.com/lexvault/lexvault-server/internal/logger"
	"github.com/lexvault/lexvault-server/internal/model"
	"github.com/lexvault/lexvault-server/internal/policy"
)

// Document handles the encrypted document lifecycle: upload is
// encrypt-then-store, reads decrypt into caller-scoped buffers, re-keying
// and master rotation swap keys without ever persisting plaintext.
type Document struct {
	docs     model.DocumentStore
	datasets model.DatasetStore
	payloads model.Storage
	index    model.VectorIndex
	keys     *crypto.KeyManager
	cipher   *crypto.Cipher
	policy   *policy.Engine
	logger   *logger.Logger
	auditor
}

// NewDocument creates the document service.
func NewDocument(
	docs model.DocumentStore,
	datasets model.DatasetStore,
	payloads model.Storage,
	index model.VectorIndex,
	keys *crypto.KeyManager,
	cipher *crypto.Cipher,
	policy *policy.Engine,
	auditLog *audit.Log,
	logger *logger.Logger,
) *Document {
	return &Document{
		docs:     docs,
		datasets: datasets,
		payloads: payloads,
		index:    index,
		keys:     keys,
		cipher:   cipher,
		policy:   policy,
		logger:   logger,
		auditor:  auditor{log: auditLog},
	}
}

// Upload encrypts content under a fresh data key and stores ciphertext and
// metadata. Plaintext is never written anywhere.
func (s *Document) Upload(ctx context.Context, accessToken string, params model.CreateDocumentParams) (model.Document, error) {
	if len(params.Content) == 0 {
		return model.Document{}, fmt.Errorf("document content is empty")
	}

	op := model.Operation{
		ID:         uuid.New(),
		Kind:       model.OperationDocumentUpload,
		Permission: model.PermissionDocumentWrite,
	}
	target := model.TargetRef{DatasetID: &params.DatasetID}

	decision, err := s.policy.Authorize(ctx, accessToken, op, target)
	if err != nil {
		return model.Document{}, s.auditError(ctx, decision.User.ID, op, target, err)
	}
	if !decision.Allowed {
		return model.Document{}, s.auditDenial(ctx, decision, op, target)
	}

	keyID, err := s.keys.CreateDataKey(ctx)
	if err != nil {
		return model.Document{}, s.auditError(ctx, decision.User.ID, op, target, fmt.Errorf("failed to create data key: %w", err))
	}

	var env crypto.Envelope
	err = s.keys.WithDataKey(ctx, keyID, func(key []byte) error {
		var encErr error
		env, encErr = s.cipher.Encrypt(params.Content, key)
		return encErr
	})
	if err != nil {
		return model.Document{}, s.auditError(ctx, decision.User.ID, op, target, fmt.Errorf("failed to encrypt document: %w", err))
	}

	contentHash := sha256.Sum256(params.Content)
	docID := uuid.New()
	objectKey := objectKeyFor(params.DatasetID, docID, keyID)

	if err := s.payloads.Upload(ctx, objectKey, bytes.NewReader(env.Ciphertext)); err != nil {
		return model.Document{}, s.auditError(ctx, decision.User.ID, op, target, fmt.Errorf("failed to store ciphertext: %w", err))
	}

	doc, err := s.docs.Create(ctx, model.Document{
		ID:          docID,
		OwnerID:     decision.User.ID,
		DatasetID:   params.DatasetID,
		Name:        params.Name,
		ObjectKey:   objectKey,
		Nonce:       env.Nonce,
		Tag:         env.Tag,
		ContentHash: contentHash[:],
		DataKeyID:   keyID,
		Size:        int64(len(params.Content)),
	})
	if err != nil {
		if delErr := s.payloads.Delete(ctx, objectKey); delErr != nil {
			s.logger.Error("failed to clean up ciphertext after create failure", "error", delErr)
		}
		return model.Document{}, s.auditError(ctx, decision.User.ID, op, target, fmt.Errorf("failed to create document: %w", err))
	}

	target.DocumentID = &doc.ID
	if err := s.auditAllowed(ctx, decision.User.ID, op, target, fmt.Sprintf("size=%d", doc.Size)); err != nil {
		// Unaudited uploads must not survive.
		if delErr := s.docs.SoftDelete(ctx, doc.ID); delErr != nil {
			s.logger.Error("failed to roll back document after audit failure", "error", delErr)
		}
		if delErr := s.payloads.Delete(ctx, objectKey); delErr != nil {
			s.logger.Error("failed to roll back ciphertext after audit failure", "error", delErr)
		}
		return model.Document{}, err
	}

	return doc, nil
}

// WithPlaintext authorizes a document read, decrypts the payload into a
// scoped buffer, verifies the stored content hash and runs fn over the
// bytes. The buffer is wiped on every exit path.
func (s *Document) WithPlaintext(ctx context.Context, accessToken string, documentID uuid.UUID, fn func(plaintext []byte) error) error {
	op := model.Operation{
		ID:         uuid.New(),
		Kind:       model.OperationDocumentRead,
		Permission: model.PermissionDocumentRead,
	}
	target := model.TargetRef{DocumentID: &documentID}

	decision, err := s.policy.Authorize(ctx, accessToken, op, target)
	if err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, err)
	}
	if !decision.Allowed {
		return s.auditDenial(ctx, decision, op, target)
	}

	doc, _, err := s.loadAccessible(ctx, decision.User, documentID)
	if err != nil {
		if errors.Is(err, model.ErrPermissionDenied) {
			decision = model.Decision{Reason: model.DenyPermissionDenied, User: decision.User}
			return s.auditDenial(ctx, decision, op, target)
		}
		return s.auditError(ctx, decision.User.ID, op, target, err)
	}

	if err := s.decryptInto(ctx, doc, fn); err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, err)
	}

	return s.auditAllowed(ctx, decision.User.ID, op, target, "")
}

// Delete soft-deletes a document, removes its ciphertext and drops it from
// the vector index.
func (s *Document) Delete(ctx context.Context, accessToken string, documentID uuid.UUID) error {
	op := model.Operation{
		ID:         uuid.New(),
		Kind:       model.OperationDocumentDelete,
		Permission: model.PermissionDocumentDelete,
	}
	target := model.TargetRef{DocumentID: &documentID}

	decision, err := s.policy.Authorize(ctx, accessToken, op, target)
	if err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, err)
	}
	if !decision.Allowed {
		return s.auditDenial(ctx, decision, op, target)
	}

	doc, err := s.docs.GetByID(ctx, documentID)
	if errors.Is(err, model.ErrNotFound) {
		decision = model.Decision{Reason: model.DenyPermissionDenied, User: decision.User}
		return s.auditDenial(ctx, decision, op, target)
	}
	if err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, fmt.Errorf("failed to get document: %w", err))
	}

	if err := s.payloads.Delete(ctx, doc.ObjectKey); err != nil {
		s.logger.Error("failed to delete ciphertext", "error", err, "document_id", doc.ID)
	}
	if err := s.index.Delete(ctx, doc.DatasetID, doc.ID); err != nil {
		s.logger.Error("failed to delete embedding", "error", err, "document_id", doc.ID)
	}
	if err := s.docs.SoftDelete(ctx, documentID); err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, fmt.Errorf("failed to delete document: %w", err))
	}

	return s.auditAllowed(ctx, decision.User.ID, op, target, "")
}

// Rekey re-encrypts a document under a fresh data key and retires the old
// ciphertext. The decrypted intermediate lives only in a scoped buffer.
func (s *Document) Rekey(ctx context.Context, accessToken string, documentID uuid.UUID) error {
	op := model.Operation{
		ID:         uuid.New(),
		Kind:       model.OperationDocumentRekey,
		Permission: model.PermissionDocumentWrite,
	}
	target := model.TargetRef{DocumentID: &documentID}

	decision, err := s.policy.Authorize(ctx, accessToken, op, target)
	if err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, err)
	}
	if !decision.Allowed {
		return s.auditDenial(ctx, decision, op, target)
	}

	doc, _, err := s.loadAccessible(ctx, decision.User, documentID)
	if err != nil {
		if errors.Is(err, model.ErrPermissionDenied) {
			decision = model.Decision{Reason: model.DenyPermissionDenied, User: decision.User}
			return s.auditDenial(ctx, decision, op, target)
		}
		return s.auditError(ctx, decision.User.ID, op, target, err)
	}

	newKeyID, err := s.keys.CreateDataKey(ctx)
	if err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, fmt.Errorf("failed to create data key: %w", err))
	}

	var env crypto.Envelope
	err = s.decryptInto(ctx, doc, func(plaintext []byte) error {
		return s.keys.WithDataKey(ctx, newKeyID, func(key []byte) error {
			var encErr error
			env, encErr = s.cipher.Encrypt(plaintext, key)
			return encErr
		})
	})
	if err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, err)
	}

	newObjectKey := objectKeyFor(doc.DatasetID, doc.ID, newKeyID)
	if err := s.payloads.Upload(ctx, newObjectKey, bytes.NewReader(env.Ciphertext)); err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, fmt.Errorf("failed to store ciphertext: %w", err))
	}

	if err := s.docs.UpdateEncryption(ctx, doc.ID, newKeyID, newObjectKey, env.Nonce, env.Tag); err != nil {
		if delErr := s.payloads.Delete(ctx, newObjectKey); delErr != nil {
			s.logger.Error("failed to clean up ciphertext after rekey failure", "error", delErr)
		}
		return s.auditError(ctx, decision.User.ID, op, target, fmt.Errorf("failed to update document encryption: %w", err))
	}

	if err := s.payloads.Delete(ctx, doc.ObjectKey); err != nil {
		s.logger.Error("failed to delete retired ciphertext", "error", err, "document_id", doc.ID)
	}

	return s.auditAllowed(ctx, decision.User.ID, op, target, "")
}

// RotateMasterKey re-wraps every data key under newMaster with
// all-or-nothing semantics.
func (s *Document) RotateMasterKey(ctx context.Context, accessToken string, newMaster []byte) error {
	op := model.Operation{
		ID:         uuid.New(),
		Kind:       model.OperationMasterRotate,
		Permission: model.PermissionUserManage,
	}
	target := model.TargetRef{}

	decision, err := s.policy.Authorize(ctx, accessToken, op, target)
	if err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, err)
	}
	if !decision.Allowed {
		return s.auditDenial(ctx, decision, op, target)
	}

	if err := s.keys.RotateMasterKey(ctx, newMaster); err != nil {
		return s.auditError(ctx, decision.User.ID, op, target, fmt.Errorf("failed to rotate master key: %w", err))
	}

	return s.auditAllowed(ctx, decision.User.ID, op, target, "")
}

// loadAccessible fetches a document and applies the document-level read
// check. Missing documents and denied documents are indistinguishable to
// the caller.
func (s *Document) loadAccessible(ctx context.Context, user model.User, documentID uuid.UUID) (model.Document, model.Dataset, error) {
	doc, err := s.docs.GetByID(ctx, documentID)
	if errors.Is(err, model.ErrNotFound) {
		return model.Document{}, model.Dataset{}, model.ErrPermissionDenied
	}
	if err != nil {
		return model.Document{}, model.Dataset{}, fmt.Errorf("failed to get document: %w", err)
	}

	ds, err := s.datasets.GetByID(ctx, doc.DatasetID)
	if err != nil {
		return model.Document{}, model.Dataset{}, fmt.Errorf("failed to get dataset: %w", err)
	}

	if !s.policy.AllowsDocumentRead(user, doc, ds) {
		return model.Document{}, model.Dataset{}, model.ErrPermissionDenied
	}

	return doc, ds, nil
}

// decryptInto downloads the ciphertext, opens it under the document's data
// key and runs fn over the scoped plaintext, verifying the content hash
// first. The buffer is wiped before returning.
func (s *Document) decryptInto(ctx context.Context, doc model.Document, fn func(plaintext []byte) error) error {
	reader, err := s.payloads.Download(ctx, doc.ObjectKey)
	if err != nil {
		return fmt.Errorf("failed to download ciphertext: %w", err)
	}
	defer reader.Close()

	ciphertext, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("failed to read ciphertext: %w", err)
	}

	env := crypto.Envelope{Ciphertext: ciphertext, Nonce: doc.Nonce, Tag: doc.Tag}

	return s.keys.WithDataKey(ctx, doc.DataKeyID, func(key []byte) error {
		return s.cipher.WithPlaintext(env, key, func(plaintext []byte) error {
			sum := sha256.Sum256(plaintext)
			if !bytes.Equal(sum[:], doc.ContentHash) {
				return fmt.Errorf("%w: content hash mismatch for document %s", model.ErrIntegrityViolation, doc.ID)
			}
			return fn(plaintext)
		})
	})
}

func objectKeyFor(datasetID, documentID, keyID uuid.UUID) string {
	return fmt.Sprintf("dataset-%s/doc-%s/key-%s", datasetID, documentID, keyID)
}
