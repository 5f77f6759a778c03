// Package vector holds each arm's private similarity store. Collections live
// in one arena as index-addressed segments; an arm can only reach the
// segment registered under its own id.
package vector

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/dotsetgreg/octomem/pkg/logger"
)

const collectionPrefix = "arm:"

// Options configures NewArena.
type Options struct {
	Dimensions    int
	HashBits      int
	DefaultProbes int
	Seed          int64
	// Path enables on-disk persistence; empty keeps everything in memory.
	Path     string
	Compress bool
	Embedder Embedder
}

// Arena owns the per-arm segments.
type Arena struct {
	db       *chromem.DB
	embedder Embedder
	index    *lsh
	dims     int
	probes   int

	mu       sync.RWMutex
	segments []*segment
	byOwner  map[string]int
}

type segment struct {
	owner string
	col   *chromem.Collection

	mu  sync.RWMutex
	ids []string // sorted
}

func NewArena(opts Options) (*Arena, error) {
	if opts.Dimensions <= 0 {
		opts.Dimensions = 384
	}
	if opts.HashBits <= 0 {
		opts.HashBits = 4
	}
	if opts.Embedder == nil {
		opts.Embedder = NewEmbedder(ChargramModel, opts.Dimensions)
	}
	if opts.Embedder.Dimensions() != opts.Dimensions {
		return nil, fmt.Errorf("embedder %s produces %d dimensions, arena expects %d",
			opts.Embedder.ModelID(), opts.Embedder.Dimensions(), opts.Dimensions)
	}

	db := chromem.NewDB()
	if opts.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(opts.Path, opts.Compress)
		if err != nil {
			return nil, fmt.Errorf("open vector db at %s: %w", opts.Path, err)
		}
	}

	a := &Arena{
		db:       db,
		embedder: opts.Embedder,
		index:    newLSH(opts.Dimensions, opts.HashBits, opts.Seed),
		dims:     opts.Dimensions,
		probes:   opts.DefaultProbes,
		byOwner:  make(map[string]int),
	}
	if a.probes <= 0 {
		a.probes = a.index.buckets()
	}
	if err := a.restore(context.Background()); err != nil {
		return nil, err
	}
	return a, nil
}

// restore registers collections already present in a persistent database.
func (a *Arena) restore(ctx context.Context) error {
	for name, col := range a.db.ListCollections() {
		if !strings.HasPrefix(name, collectionPrefix) {
			continue
		}
		seg := &segment{owner: strings.TrimPrefix(name, collectionPrefix), col: col}
		if n := col.Count(); n > 0 {
			probe := make([]float32, a.dims)
			probe[0] = 1
			docs, err := col.QueryEmbedding(ctx, probe, n, nil, nil)
			if err != nil {
				return fmt.Errorf("restore collection %s: %w", name, err)
			}
			for _, d := range docs {
				seg.ids = append(seg.ids, d.ID)
			}
			sort.Strings(seg.ids)
		}
		a.byOwner[seg.owner] = len(a.segments)
		a.segments = append(a.segments, seg)
		logger.InfoCF("vector", "Restored collection", map[string]interface{}{
			"arm":   seg.owner,
			"items": len(seg.ids),
		})
	}
	return nil
}

// Collection returns the handle for owner's collection. The segment itself
// is created on the first write.
func (a *Arena) Collection(owner string) *Collection {
	return &Collection{arena: a, owner: owner}
}

// Owners lists arms that have a collection.
func (a *Arena) Owners() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.segments))
	for _, seg := range a.segments {
		out = append(out, seg.owner)
	}
	sort.Strings(out)
	return out
}

func (a *Arena) Embedder() Embedder { return a.embedder }

// Search runs a similarity search in owner's collection.
func (a *Arena) Search(ctx context.Context, owner, query string, opts SearchOptions) ([]SearchResult, error) {
	return a.Collection(owner).Search(ctx, query, opts)
}

func (a *Arena) lookup(owner string) *segment {
	a.mu.RLock()
	defer a.mu.RUnlock()
	idx, ok := a.byOwner[owner]
	if !ok {
		return nil
	}
	return a.segments[idx]
}

func (a *Arena) getOrCreate(owner string) (*segment, error) {
	if seg := a.lookup(owner); seg != nil {
		return seg, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx, ok := a.byOwner[owner]; ok {
		return a.segments[idx], nil
	}
	col, err := a.db.GetOrCreateCollection(collectionPrefix+owner, map[string]string{"owner": owner}, a.embedder.Embed)
	if err != nil {
		return nil, fmt.Errorf("create collection for %s: %w", owner, err)
	}
	seg := &segment{owner: owner, col: col}
	a.byOwner[owner] = len(a.segments)
	a.segments = append(a.segments, seg)
	logger.DebugCF("vector", "Created collection", map[string]interface{}{"arm": owner})
	return seg, nil
}

func (s *segment) track(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.SearchStrings(s.ids, id)
	if i < len(s.ids) && s.ids[i] == id {
		return
	}
	s.ids = append(s.ids, "")
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = id
}

func (s *segment) untrack(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.SearchStrings(s.ids, id)
	if i >= len(s.ids) || s.ids[i] != id {
		return false
	}
	s.ids = append(s.ids[:i], s.ids[i+1:]...)
	return true
}

func (s *segment) has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.SearchStrings(s.ids, id)
	return i < len(s.ids) && s.ids[i] == id
}

// after returns up to n ids strictly greater than cursor.
func (s *segment) after(cursor string, n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := sort.SearchStrings(s.ids, cursor)
	if i < len(s.ids) && s.ids[i] == cursor {
		i++
	}
	end := i + n
	if end > len(s.ids) {
		end = len(s.ids)
	}
	return append([]string(nil), s.ids[i:end]...)
}
