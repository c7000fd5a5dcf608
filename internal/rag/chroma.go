package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	chromago "github.com/amikos-tech/chroma-go/pkg/api/v2"
	"github.com/amikos-tech/chroma-go/pkg/embeddings"
	"github.com/mwiater/imagingrag/internal/logging"
)

const (
	chromaBatchSize  = 500
	chromaCorpusKey  = "corpus"
	chromaSourceKey  = "source"
	chromaSeqKey     = "seq"
	chromaCorpusName = "imagingrag"
)

// ChromaStore keeps the index in a Chroma collection. Similarity is still
// computed by Index; Chroma is only the durable copy.
type ChromaStore struct {
	client     chromago.Client
	collection chromago.Collection
	url        string
}

// NewChromaStore connects to the Chroma server at url and opens (or creates)
// the named collection.
func NewChromaStore(ctx context.Context, url, collectionName string) (*ChromaStore, error) {
	var opts []chromago.ClientOption
	if strings.TrimSpace(url) != "" {
		opts = append(opts, chromago.WithBaseURL(url))
	}
	client, err := chromago.NewHTTPClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create chroma client: %w", err)
	}
	collection, err := client.GetOrCreateCollection(
		ctx,
		collectionName,
		chromago.WithCollectionMetadataCreate(
			chromago.NewMetadata(
				chromago.NewStringAttribute("description", "imaging knowledge base chunks"),
				chromago.NewStringAttribute("created_by", "imagingrag"),
			),
		),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("open chroma collection %q: %w", collectionName, err)
	}
	logging.LogEvent("[RAG] Using chroma collection %q at %s", collectionName, url)
	return &ChromaStore{client: client, collection: collection, url: url}, nil
}

func (s *ChromaStore) Location() string {
	return fmt.Sprintf("chroma:%s/%s", strings.TrimRight(s.url, "/"), s.collection.Name())
}

// Close releases the client.
func (s *ChromaStore) Close() error {
	return s.client.Close()
}

// Save deletes every entry of this corpus and adds the new collection.
func (s *ChromaStore) Save(ctx context.Context, entries []IndexEntry) error {
	where := chromago.EqString(chromaCorpusKey, chromaCorpusName)
	if err := s.collection.Delete(ctx, chromago.WithWhereDelete(where)); err != nil {
		return fmt.Errorf("clear chroma collection: %w", err)
	}
	for start := 0; start < len(entries); start += chromaBatchSize {
		batch := entries[start:min(start+chromaBatchSize, len(entries))]
		ids := make([]chromago.DocumentID, len(batch))
		texts := make([]string, len(batch))
		vectors := make([]embeddings.Embedding, len(batch))
		metas := make([]chromago.DocumentMetadata, len(batch))
		for i, e := range batch {
			ids[i] = chromago.DocumentID(e.ID)
			texts[i] = e.Text
			vectors[i] = embeddings.NewEmbeddingFromFloat32(toFloat32(e.Embedding))
			metas[i] = chromago.NewDocumentMetadata(
				chromago.NewStringAttribute(chromaCorpusKey, chromaCorpusName),
				chromago.NewStringAttribute(chromaSourceKey, e.Source),
				chromago.NewIntAttribute(chromaSeqKey, int64(start+i)),
			)
		}
		err := s.collection.Add(ctx,
			chromago.WithIDs(ids...),
			chromago.WithTexts(texts...),
			chromago.WithEmbeddings(vectors...),
			chromago.WithMetadatas(metas...),
		)
		if err != nil {
			return fmt.Errorf("add chroma batch at %d: %w", start, err)
		}
	}
	return nil
}

// Load fetches every entry of this corpus in the order it was saved.
func (s *ChromaStore) Load(ctx context.Context) ([]IndexEntry, error) {
	result, err := s.collection.Get(ctx,
		chromago.WithWhereGet(chromago.EqString(chromaCorpusKey, chromaCorpusName)),
		chromago.WithIncludeGet(chromago.IncludeDocuments, chromago.IncludeMetadatas, chromago.IncludeEmbeddings),
	)
	if err != nil {
		return nil, fmt.Errorf("get chroma entries: %w", err)
	}

	ids := result.GetIDs()
	docs := result.GetDocuments()
	metas := result.GetMetadatas()
	vectors := result.GetEmbeddings()

	type seqEntry struct {
		seq   int
		entry IndexEntry
	}
	rows := make([]seqEntry, 0, len(ids))
	for i, id := range ids {
		entry := IndexEntry{ID: string(id)}
		if i < len(docs) && docs[i] != nil {
			entry.Text = docs[i].ContentString()
		}
		if i < len(vectors) && vectors[i] != nil {
			entry.Embedding = toFloat64(vectors[i].ContentAsFloat32())
		}
		seq := i
		if i < len(metas) && metas[i] != nil {
			meta := metadataMap(metas[i])
			entry.Source, _ = meta[chromaSourceKey].(string)
			if v, ok := meta[chromaSeqKey].(float64); ok {
				seq = int(v)
			}
		}
		rows = append(rows, seqEntry{seq: seq, entry: entry})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].seq < rows[j].seq })

	entries := make([]IndexEntry, len(rows))
	for i, r := range rows {
		entries[i] = r.entry
	}
	return entries, nil
}

// metadataMap converts chroma metadata to a plain map. DocumentMetadata has
// no accessor for all values, so it goes through its JSON form.
func metadataMap(metadata any) map[string]any {
	out := map[string]any{}
	data, err := json.Marshal(metadata)
	if err != nil {
		logging.LogEvent("[RAG] could not marshal chroma metadata: %v", err)
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		logging.LogEvent("[RAG] could not unmarshal chroma metadata: %v", err)
	}
	return out
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
