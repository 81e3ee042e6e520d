package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/lexvault/lexvault-server/internal/audit"
	"github.com/lexvault/lexvault-server/internal/crypto"
	"github.com/lexvault/lexvault-server/internal/model"
	"github.com/lexvault/lexvault-server/internal/policy"
	"github.com/lexvault/lexvault-server/internal/testutil"
)

// In-memory fakes backing the service tests. The services take the concrete
// policy engine, key manager and audit log, so the fakes sit at the store
// boundaries underneath them.

type memUserStore struct {
	users map[uuid.UUID]model.User
}

func (s *memUserStore) GetByEmail(_ context.Context, email string) (model.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return model.User{}, model.ErrNotFound
}

func (s *memUserStore) GetByID(_ context.Context, id uuid.UUID) (model.User, error) {
	u, ok := s.users[id]
	if !ok {
		return model.User{}, model.ErrNotFound
	}
	return u, nil
}

func (s *memUserStore) Create(_ context.Context, user model.User) (model.User, error) {
	s.users[user.ID] = user
	return user, nil
}

type memDatasetStore struct {
	datasets map[uuid.UUID]model.Dataset
}

func (s *memDatasetStore) GetByID(_ context.Context, id uuid.UUID) (model.Dataset, error) {
	ds, ok := s.datasets[id]
	if !ok {
		return model.Dataset{}, model.ErrNotFound
	}
	return ds, nil
}

func (s *memDatasetStore) List(_ context.Context) ([]model.Dataset, error) {
	var out []model.Dataset
	for _, ds := range s.datasets {
		out = append(out, ds)
	}
	return out, nil
}

type memDocumentStore struct {
	docs map[uuid.UUID]model.Document
}

func (s *memDocumentStore) Create(_ context.Context, doc model.Document) (model.Document, error) {
	doc.CreatedAt = time.Now()
	doc.UpdatedAt = doc.CreatedAt
	s.docs[doc.ID] = doc
	return doc, nil
}

func (s *memDocumentStore) GetByID(_ context.Context, id uuid.UUID) (model.Document, error) {
	doc, ok := s.docs[id]
	if !ok || doc.DeletedAt != nil {
		return model.Document{}, model.ErrNotFound
	}
	return doc, nil
}

func (s *memDocumentStore) GetByDataset(_ context.Context, datasetID uuid.UUID) ([]model.Document, error) {
	var out []model.Document
	for _, doc := range s.docs {
		if doc.DatasetID == datasetID && doc.DeletedAt == nil {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *memDocumentStore) UpdateEncryption(_ context.Context, id, dataKeyID uuid.UUID, objectKey string, nonce, tag []byte) error {
	doc, ok := s.docs[id]
	if !ok {
		return model.ErrNotFound
	}
	doc.DataKeyID = dataKeyID
	doc.ObjectKey = objectKey
	doc.Nonce = nonce
	doc.Tag = tag
	doc.UpdatedAt = time.Now()
	s.docs[id] = doc
	return nil
}

func (s *memDocumentStore) SoftDelete(_ context.Context, id uuid.UUID) error {
	doc, ok := s.docs[id]
	if !ok {
		return model.ErrNotFound
	}
	now := time.Now()
	doc.DeletedAt = &now
	s.docs[id] = doc
	return nil
}

type memKeyStore struct {
	keys   map[uuid.UUID]map[int]model.WrappedKey
	active int
}

func (s *memKeyStore) Put(_ context.Context, key model.WrappedKey) error {
	if s.keys[key.ID] == nil {
		s.keys[key.ID] = map[int]model.WrappedKey{}
	}
	s.keys[key.ID][key.Version] = key
	return nil
}

func (s *memKeyStore) Get(_ context.Context, keyID uuid.UUID) (model.WrappedKey, error) {
	wk, ok := s.keys[keyID][s.active]
	if !ok {
		return model.WrappedKey{}, model.ErrNotFound
	}
	return wk, nil
}

func (s *memKeyStore) ListVersion(_ context.Context, version int) ([]model.WrappedKey, error) {
	var out []model.WrappedKey
	for _, versions := range s.keys {
		if wk, ok := versions[version]; ok {
			out = append(out, wk)
		}
	}
	return out, nil
}

func (s *memKeyStore) ActiveVersion(_ context.Context) (int, error) {
	return s.active, nil
}

func (s *memKeyStore) SwapActiveVersion(_ context.Context, old, new int) error {
	if s.active != old {
		return errors.New("version moved")
	}
	s.active = new
	return nil
}

type memLedger struct {
	mu      sync.Mutex
	entries []model.CreditLedgerEntry
}

func (l *memLedger) fold(userID uuid.UUID) int64 {
	var balance int64
	for _, e := range l.entries {
		if e.UserID == userID {
			balance += e.Amount
		}
	}
	return balance
}

func (l *memLedger) Debit(_ context.Context, userID uuid.UUID, amount int64, operationID uuid.UUID, reason string) (model.CreditLedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fold(userID)-amount < 0 {
		return model.CreditLedgerEntry{}, model.ErrInsufficientCredits
	}
	entry := model.CreditLedgerEntry{
		ID: uuid.New(), UserID: userID, Amount: -amount,
		Kind: model.LedgerEntryDebit, OperationID: operationID, Reason: reason, CreatedAt: time.Now(),
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

func (l *memLedger) Grant(_ context.Context, userID uuid.UUID, amount int64, operationID uuid.UUID, reason string) (model.CreditLedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry := model.CreditLedgerEntry{
		ID: uuid.New(), UserID: userID, Amount: amount,
		Kind: model.LedgerEntryGrant, OperationID: operationID, Reason: reason, CreatedAt: time.Now(),
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

func (l *memLedger) Reverse(_ context.Context, operationID uuid.UUID) (model.CreditLedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.OperationID == operationID && e.Kind == model.LedgerEntryDebit {
			entry := model.CreditLedgerEntry{
				ID: uuid.New(), UserID: e.UserID, Amount: -e.Amount,
				Kind: model.LedgerEntryReversal, OperationID: operationID, CreatedAt: time.Now(),
			}
			l.entries = append(l.entries, entry)
			return entry, nil
		}
	}
	return model.CreditLedgerEntry{}, model.ErrNotFound
}

func (l *memLedger) Balance(_ context.Context, userID uuid.UUID) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fold(userID), nil
}

func (l *memLedger) History(_ context.Context, userID uuid.UUID, from, to time.Time) ([]model.CreditLedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.CreditLedgerEntry
	for _, e := range l.entries {
		if e.UserID == userID && !e.CreatedAt.Before(from) && !e.CreatedAt.After(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

type memAuditStore struct {
	mu        sync.Mutex
	entries   []model.AuditEntry
	insertErr error
}

func (s *memAuditStore) Insert(_ context.Context, entry model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *memAuditStore) Last(_ context.Context) (model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return model.AuditEntry{}, model.ErrNotFound
	}
	return s.entries[len(s.entries)-1], nil
}

func (s *memAuditStore) Range(_ context.Context, fromSeq, toSeq int64) ([]model.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.AuditEntry
	for _, e := range s.entries {
		if e.Seq >= fromSeq && e.Seq <= toSeq {
			out = append(out, e)
		}
	}
	return out, nil
}

// lastEntry returns the newest audit entry, failing the test on an empty log.
func (s *memAuditStore) lastEntry(t *testing.T) model.AuditEntry {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.entries)
	return s.entries[len(s.entries)-1]
}

type memPayloadStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	downloadErr error
}

func (s *memPayloadStore) Upload(_ context.Context, key string, reader io.Reader) error {
	b, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = b
	return nil
}

func (s *memPayloadStore) Download(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downloadErr != nil {
		return nil, s.downloadErr
	}
	b, ok := s.objects[key]
	if !ok {
		return nil, model.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (s *memPayloadStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, key)
	return nil
}

func (s *memPayloadStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

// fakeIndex keeps embedding records in memory. failNext makes the next N
// queries fail; failAll makes every query fail.
type fakeIndex struct {
	mu       sync.Mutex
	records  map[uuid.UUID]map[uuid.UUID]model.EmbeddingRecord
	failNext int
	failAll  bool
	queries  int
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{records: map[uuid.UUID]map[uuid.UUID]model.EmbeddingRecord{}}
}

func (f *fakeIndex) Upsert(_ context.Context, record model.EmbeddingRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records[record.DatasetID] == nil {
		f.records[record.DatasetID] = map[uuid.UUID]model.EmbeddingRecord{}
	}
	f.records[record.DatasetID][record.DocumentID] = record
	return nil
}

func (f *fakeIndex) Delete(_ context.Context, datasetID, documentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records[datasetID], documentID)
	return nil
}

func (f *fakeIndex) Query(_ context.Context, query model.VectorQuery) ([]model.VectorMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if f.failAll {
		return nil, errors.New("index unavailable")
	}
	if f.failNext > 0 {
		f.failNext--
		return nil, errors.New("index unavailable")
	}

	var matches []model.VectorMatch
	for _, rec := range f.records[query.DatasetID] {
		matches = append(matches, model.VectorMatch{
			DocumentID: rec.DocumentID,
			DatasetID:  rec.DatasetID,
			Passages:   rec.Passages,
			Score:      1.0,
		})
	}
	return matches, nil
}

// stubTokens resolves opaque test tokens to user ids.
type stubTokens struct {
	byToken map[string]uuid.UUID
}

func (s *stubTokens) GenerateAccessToken(userID uuid.UUID) (string, error) {
	token := userID.String()
	s.byToken[token] = userID
	return token, nil
}

func (s *stubTokens) ParseAccessToken(token string) (uuid.UUID, error) {
	id, ok := s.byToken[token]
	if !ok {
		return uuid.Nil, errors.New("invalid token")
	}
	return id, nil
}

// world wires real services over in-memory stores for scenario tests.
type world struct {
	users    *memUserStore
	datasets *memDatasetStore
	docs     *memDocumentStore
	keys     *memKeyStore
	ledger   *memLedger
	auditDB  *memAuditStore
	payloads *memPayloadStore
	index    *fakeIndex
	tokens   *stubTokens

	masterSource *crypto.StaticKeySource
	keyManager   *crypto.KeyManager
	cipher       *crypto.Cipher
	auditLog     *audit.Log
	engine       *policy.Engine

	accounts  *User
	documents *Document
	retrieval *Retrieval
	credits   *Credit

	admin model.User
	user  model.User
	guest model.User

	openDataset       model.Dataset // queryable by admin and user
	restrictedDataset model.Dataset // queryable by admin only
}

func newWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()
	log := testutil.MakeNoopLogger()

	w := &world{
		users:    &memUserStore{users: map[uuid.UUID]model.User{}},
		datasets: &memDatasetStore{datasets: map[uuid.UUID]model.Dataset{}},
		docs:     &memDocumentStore{docs: map[uuid.UUID]model.Document{}},
		keys:     &memKeyStore{keys: map[uuid.UUID]map[int]model.WrappedKey{}, active: 1},
		ledger:   &memLedger{},
		auditDB:  &memAuditStore{},
		payloads: &memPayloadStore{objects: map[string][]byte{}},
		index:    newFakeIndex(),
		tokens:   &stubTokens{byToken: map[string]uuid.UUID{}},
	}

	master, err := crypto.NewCipher().NewDataKey()
	require.NoError(t, err)
	w.masterSource = &crypto.StaticKeySource{Key: master}
	w.keyManager = crypto.NewKeyManager(w.masterSource, w.keys, log)
	w.cipher = crypto.NewCipher()

	w.auditLog, err = audit.NewLog(ctx, w.auditDB, log)
	require.NoError(t, err)

	w.engine = policy.NewEngine(w.users, w.datasets, w.ledger, w.tokens, log)

	w.accounts = NewUser(w.users, w.ledger, w.tokens, w.auditLog, log, 50)
	w.documents = NewDocument(w.docs, w.datasets, w.payloads, w.index, w.keyManager, w.cipher, w.engine, w.auditLog, log)
	w.retrieval = NewRetrieval(w.engine, w.index, w.docs, w.datasets, w.payloads, w.keyManager, w.cipher, w.auditLog, log, 1, 2)
	w.credits = NewCredit(w.ledger, w.engine, w.auditLog, log)

	w.admin = w.addUser(t, "admin@lexvault.dev", model.RoleAdmin)
	w.user = w.addUser(t, "analyst@lexvault.dev", model.RoleUser)
	w.guest = w.addUser(t, "guest@lexvault.dev", model.RoleGuest)

	w.openDataset = w.addDataset("filings", model.RoleAdmin, model.RoleUser)
	w.restrictedDataset = w.addDataset("sanctions", model.RoleAdmin)

	return w
}

func (w *world) addUser(t *testing.T, email string, roles ...model.Role) model.User {
	t.Helper()
	u := model.User{ID: uuid.New(), Email: email, Roles: roles}
	w.users.users[u.ID] = u
	w.tokens.byToken[w.token(u)] = u.ID
	return u
}

func (w *world) token(u model.User) string {
	return u.ID.String()
}

func (w *world) addDataset(name string, roles ...model.Role) model.Dataset {
	ds := model.Dataset{ID: uuid.New(), Name: name, AllowedRoles: roles}
	w.datasets.datasets[ds.ID] = ds
	return ds
}

func (w *world) grant(t *testing.T, u model.User, amount int64) {
	t.Helper()
	_, err := w.ledger.Grant(context.Background(), u.ID, amount, uuid.New(), "signup")
	require.NoError(t, err)
}

// uploadAndIndex uploads a document as owner and registers its embedding so
// the retrieval path can find it.
func (w *world) uploadAndIndex(t *testing.T, owner model.User, ds model.Dataset, content []byte) model.Document {
	t.Helper()
	ctx := context.Background()

	doc, err := w.documents.Upload(ctx, w.token(owner), model.CreateDocumentParams{
		DatasetID: ds.ID,
		Name:      "doc-" + uuid.NewString()[:8],
		Content:   content,
	})
	require.NoError(t, err)

	err = w.index.Upsert(ctx, model.EmbeddingRecord{
		DocumentID: doc.ID,
		DatasetID:  ds.ID,
		OwnerID:    owner.ID,
		Vector:     []float32{1, 0, 0},
		Passages:   []model.PassageRange{{Start: 0, End: len(content)}},
	})
	require.NoError(t, err)

	return doc
}

func (w *world) balance(t *testing.T, u model.User) int64 {
	t.Helper()
	balance, err := w.ledger.Balance(context.Background(), u.ID)
	require.NoError(t, err)
	return balance
}
