// Package sqlite provides a bundled implementation of the vector index
// boundary. It keeps per-dataset embedding records in SQLite and scores
// hybrid queries in-process: cosine similarity over the stored vectors
// blended with lexical overlap over salted term digests. The index never
// holds document text, only vectors and token digests.
package sqlite

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/lexvault/lexvault-server/internal/model"
)

// Scoring weights. The blend is adapter policy; callers treat the returned
// ordering as authoritative.
const (
	defaultVectorWeight  = 0.7
	defaultLexicalWeight = 0.3
)

var _ model.VectorIndex = (*Store)(nil)

// Store implements model.VectorIndex over a local SQLite database.
type Store struct {
	mu            sync.RWMutex
	db            *sql.DB
	vectorWeight  float64
	lexicalWeight float64
}

// NewStore opens (or creates) the index at dataPath.
func NewStore(dataPath string) (*Store, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dataPath, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	s := &Store{
		db:            db,
		vectorWeight:  defaultVectorWeight,
		lexicalWeight: defaultLexicalWeight,
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}

	return s, nil
}

// NewStoreWithDB wraps an existing database handle (used in tests).
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{
		db:            db,
		vectorWeight:  defaultVectorWeight,
		lexicalWeight: defaultLexicalWeight,
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize index schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS embeddings (
		dataset_id TEXT NOT NULL,
		document_id TEXT NOT NULL,
		owner_id TEXT NOT NULL,
		vector BLOB NOT NULL,
		passages BLOB NOT NULL,
		term_digests BLOB NOT NULL,
		PRIMARY KEY (dataset_id, document_id)
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_dataset ON embeddings(dataset_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert stores or replaces the embedding record for a document.
func (s *Store) Upsert(ctx context.Context, record model.EmbeddingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	vector, err := json.Marshal(record.Vector)
	if err != nil {
		return fmt.Errorf("failed to encode vector: %w", err)
	}
	passages, err := json.Marshal(record.Passages)
	if err != nil {
		return fmt.Errorf("failed to encode passages: %w", err)
	}
	digests, err := json.Marshal(record.TermDigests)
	if err != nil {
		return fmt.Errorf("failed to encode term digests: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO embeddings (dataset_id, document_id, owner_id, vector, passages, term_digests)
		VALUES (?, ?, ?, ?, ?, ?)`,
		record.DatasetID.String(), record.DocumentID.String(), record.OwnerID.String(),
		vector, passages, digests,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert embedding: %w", err)
	}
	return nil
}

// Delete removes a document's embedding record from a dataset.
func (s *Store) Delete(ctx context.Context, datasetID, documentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`DELETE FROM embeddings WHERE dataset_id = ? AND document_id = ?`,
		datasetID.String(), documentID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	return nil
}

// Query runs a hybrid search over one dataset and returns matches ordered
// by blended score, ties broken by document id for determinism.
func (s *Store) Query(ctx context.Context, query model.VectorQuery) ([]model.VectorMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sqlQuery := `SELECT document_id, owner_id, vector, passages, term_digests FROM embeddings WHERE dataset_id = ?`
	args := []any{query.DatasetID.String()}
	if query.OwnerFilter != nil {
		sqlQuery += ` AND owner_id = ?`
		args = append(args, query.OwnerFilter.String())
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer rows.Close()

	queryDigests := make(map[string]struct{}, len(query.Terms))
	for _, d := range DigestTerms(query.Terms) {
		queryDigests[d] = struct{}{}
	}

	var matches []model.VectorMatch
	for rows.Next() {
		var (
			docID, ownerID                 string
			vectorRaw, passagesRaw, digRaw []byte
		)
		if err := rows.Scan(&docID, &ownerID, &vectorRaw, &passagesRaw, &digRaw); err != nil {
			return nil, fmt.Errorf("failed to scan embedding: %w", err)
		}

		var vector []float32
		if err := json.Unmarshal(vectorRaw, &vector); err != nil {
			return nil, fmt.Errorf("failed to decode vector: %w", err)
		}
		var passages []model.PassageRange
		if err := json.Unmarshal(passagesRaw, &passages); err != nil {
			return nil, fmt.Errorf("failed to decode passages: %w", err)
		}
		var digests []string
		if err := json.Unmarshal(digRaw, &digests); err != nil {
			return nil, fmt.Errorf("failed to decode term digests: %w", err)
		}

		id, err := uuid.Parse(docID)
		if err != nil {
			return nil, fmt.Errorf("failed to parse document id: %w", err)
		}

		score := s.vectorWeight*cosineSimilarity(query.Vector, vector) +
			s.lexicalWeight*lexicalOverlap(queryDigests, digests)

		matches = append(matches, model.VectorMatch{
			DocumentID: id,
			DatasetID:  query.DatasetID,
			Passages:   passages,
			Score:      score,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate embeddings: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].DocumentID.String() < matches[j].DocumentID.String()
	})

	if query.TopK > 0 && len(matches) > query.TopK {
		matches = matches[:query.TopK]
	}

	return matches, nil
}

// DigestTerms maps lexical terms to the digest form stored in the index.
// Ingestion and query must use the same mapping.
func DigestTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		sum := sha256.Sum256([]byte(t))
		out = append(out, hex.EncodeToString(sum[:16]))
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func lexicalOverlap(queryDigests map[string]struct{}, docDigests []string) float64 {
	if len(queryDigests) == 0 {
		return 0
	}
	matched := 0
	for _, d := range docDigests {
		if _, ok := queryDigests[d]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryDigests))
}
