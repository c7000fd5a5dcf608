package rag

// IndexEntry is one embedded chunk. Entries are never modified after they
// are created; re-ingestion replaces the whole collection.
type IndexEntry struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Text      string    `json:"text"`
	Embedding []float64 `json:"embedding"`
}

// ScoredEntry is an entry plus its similarity to a query.
type ScoredEntry struct {
	Entry IndexEntry
	Score float64
}

// Record is one dataset row ready for chunking.
type Record struct {
	Source   string
	Text     string
	Metadata map[string]any
}

// Segment is a chunk of a Record. Source is a lookup key back to the
// record, used for citations.
type Segment struct {
	Source string
	Index  int
	Text   string
}
