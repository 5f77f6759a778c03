package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/utils"
	"github.com/dotsetgreg/octomem/pkg/value"
)

const (
	metaBucket  = "_bucket"
	metaPayload = "_payload"

	defaultK = 10
)

// Collection is one arm's view of its own segment.
type Collection struct {
	arena *Arena
	owner string
}

// Item is the input to Upsert. A nil Embedding is computed from Text.
type Item struct {
	ID        string
	Text      string
	Embedding []float32
	Payload   value.Map
}

// SearchOptions tunes a similarity search. Probes trades recall for latency:
// it is the number of hash buckets examined, and zero uses the arena default.
type SearchOptions struct {
	K       int
	Filters map[string]string
	Probes  int
}

// SearchResult is a memory item with its cosine similarity clamped to [0,1].
type SearchResult struct {
	Item       memory.MemoryItem
	Similarity float64
}

func (c *Collection) Owner() string { return c.owner }

// Store embeds text and inserts it under a new id.
func (c *Collection) Store(ctx context.Context, text string, payload value.Map) (string, error) {
	return c.Upsert(ctx, Item{ID: uuid.NewString(), Text: text, Payload: payload})
}

// Upsert writes item, replacing any existing item with the same id.
func (c *Collection) Upsert(ctx context.Context, item Item) (string, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if strings.TrimSpace(item.Text) == "" && len(item.Embedding) == 0 {
		return "", memory.Validationf("memory item needs text or an embedding")
	}
	emb := item.Embedding
	if len(emb) == 0 {
		var err error
		emb, err = c.arena.embedder.Embed(ctx, item.Text)
		if err != nil {
			return "", fmt.Errorf("embed item: %w", err)
		}
	} else {
		emb = append([]float32(nil), emb...)
	}
	if len(emb) != c.arena.dims {
		return "", memory.Validationf("embedding has %d dimensions, collection expects %d", len(emb), c.arena.dims)
	}
	if vectorNorm(emb) == 0 {
		return "", memory.Validationf("embedding is all zeros")
	}

	meta, err := metadataFor(item.Payload)
	if err != nil {
		return "", err
	}
	meta[metaBucket] = bucketKey(c.arena.index.bucket(emb))

	seg, err := c.arena.getOrCreate(c.owner)
	if err != nil {
		return "", memory.Unavailable("vector upsert", err)
	}
	doc := chromem.Document{
		ID:        item.ID,
		Content:   item.Text,
		Embedding: emb,
		Metadata:  meta,
	}
	if err := seg.col.AddDocument(ctx, doc); err != nil {
		return "", memory.Unavailable("vector upsert", err)
	}
	seg.track(item.ID)
	return item.ID, nil
}

// metadataFor flattens top-level scalar payload fields for filtering and
// keeps the full payload as JSON.
func metadataFor(payload value.Map) (map[string]string, error) {
	meta := make(map[string]string, len(payload)+2)
	for k, v := range payload {
		if strings.HasPrefix(k, "_") {
			return nil, memory.Validationf("payload key %q is reserved", k)
		}
		if s, ok := v.Scalar(); ok {
			meta[k] = s
		}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, memory.Validationf("encode payload: %v", err)
	}
	meta[metaPayload] = string(raw)
	return meta, nil
}

func (c *Collection) toItem(id, content string, emb []float32, meta map[string]string) memory.MemoryItem {
	item := memory.MemoryItem{
		ID:         id,
		Collection: c.owner,
		Text:       content,
		Embedding:  emb,
		Payload:    value.Map{},
	}
	if raw := meta[metaPayload]; raw != "" && raw != "null" {
		_ = json.Unmarshal([]byte(raw), &item.Payload)
	}
	return item
}

// Search embeds query and runs SearchEmbedding.
func (c *Collection) Search(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	emb, err := c.arena.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return c.SearchEmbedding(ctx, emb, opts)
}

// SearchEmbedding returns the K most similar items among the probed buckets,
// most similar first, ties by id.
func (c *Collection) SearchEmbedding(ctx context.Context, emb []float32, opts SearchOptions) ([]SearchResult, error) {
	if len(emb) != c.arena.dims {
		return nil, memory.Validationf("query embedding has %d dimensions, collection expects %d", len(emb), c.arena.dims)
	}
	if vectorNorm(emb) == 0 {
		return nil, memory.Validationf("query embedding is all zeros")
	}
	if opts.K <= 0 {
		opts.K = defaultK
	}
	probes := opts.Probes
	if probes <= 0 {
		probes = c.arena.probes
	}
	for k := range opts.Filters {
		if strings.HasPrefix(k, "_") {
			return nil, memory.Validationf("filter key %q is reserved", k)
		}
	}

	seg := c.arena.lookup(c.owner)
	if seg == nil {
		return nil, nil
	}
	total := seg.col.Count()
	if total == 0 {
		return nil, nil
	}
	n := opts.K
	if n > total {
		n = total
	}

	var out []SearchResult
	for _, b := range c.arena.index.probeOrder(c.arena.index.bucket(emb), probes) {
		where := make(map[string]string, len(opts.Filters)+1)
		for k, v := range opts.Filters {
			where[k] = v
		}
		where[metaBucket] = bucketKey(b)
		res, err := seg.col.QueryEmbedding(ctx, emb, n, where, nil)
		if err != nil {
			return nil, memory.Unavailable("vector search", err)
		}
		for _, r := range res {
			out = append(out, SearchResult{
				Item:       c.toItem(r.ID, r.Content, r.Embedding, r.Metadata),
				Similarity: utils.Clamp01(float64(r.Similarity)),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].Item.ID < out[j].Item.ID
	})
	if len(out) > opts.K {
		out = out[:opts.K]
	}
	return out, nil
}

// Get returns the item with id if this collection holds it.
func (c *Collection) Get(ctx context.Context, id string) (memory.MemoryItem, bool, error) {
	seg := c.arena.lookup(c.owner)
	if seg == nil || !seg.has(id) {
		return memory.MemoryItem{}, false, nil
	}
	doc, err := seg.col.GetByID(ctx, id)
	if err != nil {
		return memory.MemoryItem{}, false, memory.Unavailable("vector get", err)
	}
	return c.toItem(doc.ID, doc.Content, doc.Embedding, doc.Metadata), true, nil
}

// Delete removes id, reporting whether it existed.
func (c *Collection) Delete(ctx context.Context, id string) (bool, error) {
	seg := c.arena.lookup(c.owner)
	if seg == nil || !seg.has(id) {
		return false, nil
	}
	if err := seg.col.Delete(ctx, nil, nil, id); err != nil {
		return false, memory.Unavailable("vector delete", err)
	}
	return seg.untrack(id), nil
}

func (c *Collection) Count() int {
	seg := c.arena.lookup(c.owner)
	if seg == nil {
		return 0
	}
	return seg.col.Count()
}

// Scroll pages through every item in id order.
func (c *Collection) Scroll(batchSize int) *Scroller {
	return c.ScrollFrom("", batchSize)
}

// ScrollFrom resumes a scroll after cursor.
func (c *Collection) ScrollFrom(cursor string, batchSize int) *Scroller {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Scroller{c: c, cursor: cursor, batch: batchSize}
}

// Scroller is a restartable, finite pagination over a collection.
type Scroller struct {
	c      *Collection
	cursor string
	batch  int
	done   bool
}

// Next returns the next page; an empty page means the scroll is finished.
// Items deleted between pages are skipped.
func (s *Scroller) Next(ctx context.Context) ([]memory.MemoryItem, error) {
	if s.done {
		return nil, nil
	}
	seg := s.c.arena.lookup(s.c.owner)
	if seg == nil {
		s.done = true
		return nil, nil
	}
	ids := seg.after(s.cursor, s.batch)
	if len(ids) == 0 {
		s.done = true
		return nil, nil
	}
	out := make([]memory.MemoryItem, 0, len(ids))
	for _, id := range ids {
		item, ok, err := s.c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, item)
		}
	}
	s.cursor = ids[len(ids)-1]
	return out, nil
}

// Cursor is the id of the last item returned; pass it to ScrollFrom to resume.
func (s *Scroller) Cursor() string { return s.cursor }
