// Package router answers memory queries across the graph and vector tiers.
// A query moves through authenticate, cache lookup, classify, dispatch,
// merge and cache populate.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/octomem/pkg/cache"
	"github.com/dotsetgreg/octomem/pkg/diode"
	"github.com/dotsetgreg/octomem/pkg/logger"
	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/metrics"
	"github.com/dotsetgreg/octomem/pkg/security"
	"github.com/dotsetgreg/octomem/pkg/value"
	"github.com/dotsetgreg/octomem/pkg/vector"
)

// Authenticator validates tokens before any tier or cache is touched.
type Authenticator interface {
	Authenticate(token, arm string) (*security.Claims, error)
	Verify(token, arm, operation, resourceType string) security.Decision
}

// GraphTier is the read diode.
type GraphTier interface {
	Read(ctx context.Context, arm, token string, q diode.ReadQuery) (diode.ReadResult, error)
}

// VectorTier searches one arm's collection.
type VectorTier interface {
	Search(ctx context.Context, owner, query string, opts vector.SearchOptions) ([]vector.SearchResult, error)
}

// Cache is the response cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(key string, val []byte, ttl time.Duration)
}

// Request is one router query.
type Request struct {
	ArmID string
	Token string
	Text  string
	Limit int
	Hints Hints
}

// Response is the merged answer. Cached is not part of the cached payload.
type Response struct {
	Items     []Item    `json:"items"`
	Partial   bool      `json:"partial"`
	QueryType QueryType `json:"query_type"`
	Cached    bool      `json:"-"`
}

type Options struct {
	Cache         Cache
	GraphTTL      time.Duration
	VectorTTL     time.Duration
	BranchTimeout time.Duration
	DefaultLimit  int
	MaxLimit      int
	MaxDepth      int
}

type Router struct {
	auth    Authenticator
	graph   GraphTier
	vectors VectorTier
	cache   Cache
	opts    Options
}

func New(auth Authenticator, graph GraphTier, vectors VectorTier, opts Options) (*Router, error) {
	if auth == nil || graph == nil || vectors == nil {
		return nil, errors.New("router requires an authenticator, a graph tier and a vector tier")
	}
	if opts.GraphTTL <= 0 {
		opts.GraphTTL = 300 * time.Second
	}
	if opts.VectorTTL <= 0 {
		opts.VectorTTL = 60 * time.Second
	}
	if opts.BranchTimeout <= 0 {
		opts.BranchTimeout = 2 * time.Second
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = 100
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = 2
	}
	c := opts.Cache
	if c == nil {
		c = noCache{}
	}
	return &Router{auth: auth, graph: graph, vectors: vectors, cache: c, opts: opts}, nil
}

type noCache struct{}

func (noCache) Get(context.Context, string) ([]byte, bool) { return nil, false }
func (noCache) Set(string, []byte, time.Duration)          {}

// Query runs one request through the router.
func (r *Router) Query(ctx context.Context, req Request) (Response, error) {
	started := time.Now()
	claims, err := r.auth.Authenticate(req.Token, req.ArmID)
	if err != nil {
		metrics.RouterQueries.WithLabelValues("unknown", "denied").Inc()
		return Response{}, memory.Permissionf("%v", err)
	}
	if strings.TrimSpace(req.Text) == "" && req.Hints.EntityID == "" && req.Hints.Type == "" {
		return Response{}, memory.Validationf("query text is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = r.opts.DefaultLimit
	}
	if limit > r.opts.MaxLimit {
		limit = r.opts.MaxLimit
	}

	// Entries are scoped to the grant set so a narrower token never sees
	// what a broader one fetched.
	key := cache.Fingerprint(req.Text, req.ArmID, strconv.Itoa(limit), req.Hints.fingerprint(), grantScope(claims))
	if raw, ok := r.cache.Get(ctx, key); ok {
		var resp Response
		if err := json.Unmarshal(raw, &resp); err == nil {
			resp.Cached = true
			metrics.RouterQueries.WithLabelValues(string(resp.QueryType), "cached").Inc()
			return resp, nil
		}
		logger.WarnCF("router", "Discarding undecodable cache entry", map[string]interface{}{"key": key})
	}

	qt, entityID := Classify(req.Text, req.Hints)
	logger.DebugCF("router", "Query classified", map[string]interface{}{
		"arm":  req.ArmID,
		"type": string(qt),
	})

	resp, err := r.dispatch(ctx, req, qt, entityID, limit)
	metrics.RouterLatency.WithLabelValues(string(qt)).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.RouterQueries.WithLabelValues(string(qt), "error").Inc()
		return Response{}, err
	}

	if resp.Partial {
		metrics.RouterQueries.WithLabelValues(string(qt), "partial").Inc()
		return resp, nil
	}
	metrics.RouterQueries.WithLabelValues(string(qt), "ok").Inc()
	if raw, err := json.Marshal(resp); err == nil {
		r.cache.Set(key, raw, r.ttlFor(qt))
	}
	return resp, nil
}

func grantScope(claims *security.Claims) string {
	if claims == nil {
		return ""
	}
	grants := append([]string(nil), claims.Grants...)
	sort.Strings(grants)
	return strings.Join(grants, ",")
}

func (r *Router) ttlFor(qt QueryType) time.Duration {
	switch qt {
	case TypeEntity, TypeTraversal, TypeHistory:
		return r.opts.GraphTTL
	default:
		return r.opts.VectorTTL
	}
}

func (r *Router) dispatch(ctx context.Context, req Request, qt QueryType, entityID string, limit int) (Response, error) {
	resp := Response{QueryType: qt}
	switch qt {
	case TypeEntity, TypeTraversal, TypeHistory:
		items, err := r.runBranch(ctx, func(ctx context.Context) ([]Item, error) {
			return r.graphItems(ctx, req, qt, entityID, limit)
		})
		if err != nil {
			return Response{}, tierError("graph", err)
		}
		resp.Items = Merge(limit, items)
		return resp, nil

	case TypeSimilarity:
		items, err := r.runBranch(ctx, func(ctx context.Context) ([]Item, error) {
			return r.vectorItems(ctx, req, limit)
		})
		if err != nil {
			return Response{}, tierError("vector", err)
		}
		resp.Items = Merge(limit, items)
		return resp, nil

	case TypeHybrid:
		return r.hybrid(ctx, req, limit)
	}
	return Response{}, memory.Validationf("unknown query type %q", qt)
}

// hybrid runs both tiers concurrently. Each branch has its own deadline and
// a failing branch does not cancel the other.
func (r *Router) hybrid(ctx context.Context, req Request, limit int) (Response, error) {
	var (
		g                   errgroup.Group
		graphHits, vecHits  []Item
		graphErr, vectorErr error
	)
	g.Go(func() error {
		graphHits, graphErr = r.runBranch(ctx, func(ctx context.Context) ([]Item, error) {
			return r.graphItems(ctx, req, TypeHybrid, "", limit)
		})
		return nil
	})
	g.Go(func() error {
		vecHits, vectorErr = r.runBranch(ctx, func(ctx context.Context) ([]Item, error) {
			return r.vectorItems(ctx, req, limit)
		})
		return nil
	})
	_ = g.Wait()

	for _, err := range []error{graphErr, vectorErr} {
		if err != nil && !degradable(err) {
			return Response{}, err
		}
	}
	resp := Response{QueryType: TypeHybrid}
	switch {
	case graphErr != nil && vectorErr != nil:
		return Response{}, fmt.Errorf("hybrid query: %w", errors.Join(tierError("graph", graphErr), tierError("vector", vectorErr)))
	case graphErr != nil:
		resp.Partial = true
		r.logPartial(req.ArmID, "graph", graphErr)
	case vectorErr != nil:
		resp.Partial = true
		r.logPartial(req.ArmID, "vector", vectorErr)
	}
	resp.Items = Merge(limit, graphHits, vecHits)
	return resp, nil
}

func (r *Router) logPartial(arm, tier string, err error) {
	logger.WarnCF("router", "Hybrid query degraded to one tier", map[string]interface{}{
		"arm":         arm,
		"failed_tier": tier,
		"error":       err.Error(),
	})
}

func (r *Router) runBranch(ctx context.Context, fn func(context.Context) ([]Item, error)) ([]Item, error) {
	bctx, cancel := context.WithTimeout(ctx, r.opts.BranchTimeout)
	defer cancel()
	return fn(bctx)
}

// degradable reports whether a branch failure may be turned into a partial
// result. Caller errors never are.
func degradable(err error) bool {
	switch {
	case errors.Is(err, memory.ErrPermission), errors.Is(err, memory.ErrRateLimited), errors.Is(err, memory.ErrValidation):
		return false
	case errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// tierError keeps caller errors as they are and reports everything else,
// timeouts included, as storage unavailability.
func tierError(tier string, err error) error {
	if !degradable(err) || errors.Is(err, memory.ErrStorageUnavailable) {
		return err
	}
	return memory.Unavailable(tier+" tier", err)
}

func (r *Router) graphItems(ctx context.Context, req Request, qt QueryType, entityID string, limit int) ([]Item, error) {
	q := diode.ReadQuery{
		ResourceType: req.Hints.ResourceType,
		Limit:        limit,
	}
	switch qt {
	case TypeEntity:
		if entityID == "" {
			return nil, memory.Validationf("entity query needs an entity id")
		}
		q.Kind, q.EntityID = diode.KindGet, entityID
	case TypeTraversal:
		if entityID == "" {
			return nil, memory.Validationf("traversal query needs an entity id")
		}
		q.Kind, q.EntityID = diode.KindTraverse, entityID
		q.RelationshipType = req.Hints.RelationshipType
		q.Direction = req.Hints.Direction
		q.MaxDepth = req.Hints.MaxDepth
		if q.MaxDepth <= 0 {
			q.MaxDepth = r.opts.MaxDepth
		}
	case TypeHistory:
		q.Kind, q.Text = diode.KindSimilarTasks, req.Text
		q.ResourceType = diode.TaskHistory
	default:
		q.Kind, q.Text = diode.KindSearch, req.Text
	}

	res, err := r.graph.Read(ctx, req.ArmID, req.Token, q)
	if err != nil {
		return nil, err
	}
	var items []Item
	for _, e := range res.Entities {
		items = append(items, entityItem(e.Entity, e.Score, 0))
	}
	for _, s := range res.Steps {
		items = append(items, entityItem(s.Entity, 1/float64(s.Depth), s.Depth))
	}
	for _, t := range res.Tasks {
		items = append(items, Item{
			ID:     t.Task.TaskID,
			Source: TierGraph,
			Kind:   KindTask,
			Title:  t.Task.GoalText,
			Score:  t.Similarity,
			Properties: value.Map{
				"success":     value.Bool(t.Task.Success),
				"duration_ms": value.Int(t.Task.Duration.Milliseconds()),
				"cost_units":  value.Number(t.Task.CostUnits),
			},
		})
	}
	return items, nil
}

func entityItem(e memory.Entity, score float64, depth int) Item {
	return Item{
		ID:         e.ID,
		Source:     TierGraph,
		Kind:       KindEntity,
		Title:      e.Name,
		Score:      score,
		EntityType: e.EntityType,
		Depth:      depth,
		Properties: e.Properties,
	}
}

// vectorItems searches the caller's own collection, or another arm's when
// the token carries the search grant for that collection.
func (r *Router) vectorItems(ctx context.Context, req Request, limit int) ([]Item, error) {
	owner := req.ArmID
	if c := req.Hints.Collection; c != "" && c != req.ArmID {
		d := r.auth.Verify(req.Token, req.ArmID, security.OpSearch, security.CollectionResource(c))
		if !d.Allowed {
			return nil, memory.Permissionf("%s", d.Reason)
		}
		owner = c
	}
	hits, err := r.vectors.Search(ctx, owner, req.Text, vector.SearchOptions{
		K:       limit,
		Filters: req.Hints.Filters,
		Probes:  req.Hints.Probes,
	})
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(hits))
	for _, h := range hits {
		items = append(items, Item{
			ID:         h.Item.ID,
			Source:     TierVector,
			Kind:       KindMemory,
			Title:      h.Item.Text,
			Score:      h.Similarity,
			Properties: h.Item.Payload,
		})
	}
	return items, nil
}
