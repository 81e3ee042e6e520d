package model

import "github.com/google/uuid"

// RetrievalRequest is a query entering the retrieval coordinator. The
// embedding model runs outside this core, so the caller supplies the query
// vector alongside the lexical terms.
type RetrievalRequest struct {
	AccessToken string
	Query       string
	Vector      []float32
	Terms       []string
	DatasetIDs  []uuid.UUID
	TopK        int
}

// Passage is one decrypted excerpt returned to the caller. The caller owns
// the Text bytes; intermediate full-document buffers are wiped before the
// coordinator returns.
type Passage struct {
	DocumentID uuid.UUID
	DatasetID  uuid.UUID
	Range      PassageRange
	Text       []byte
	Score      float64
}

// RetrievalResult is the outcome of a completed query.
type RetrievalResult struct {
	OperationID uuid.UUID
	Passages    []Passage
	Considered  int
	Filtered    int
	Returned    int
}

// Wipe zeroes every passage buffer. Callers invoke it once the passages have
// been consumed.
func (r *RetrievalResult) Wipe() {
	for i := range r.Passages {
		for j := range r.Passages[i].Text {
			r.Passages[i].Text[j] = 0
		}
		r.Passages[i].Text = nil
	}
}
