package vector

import (
	"context"
	"hash/fnv"
	"math"
	"strings"

	"github.com/dotsetgreg/octomem/pkg/utils"
)

// Embedder turns text into fixed-size vectors. Embed matches
// chromem.EmbeddingFunc so an Embedder can back a collection directly.
type Embedder interface {
	ModelID() string
	Dimensions() int
	Embed(ctx context.Context, text string) ([]float32, error)
}

const (
	ChargramModel = "octomem-chargram-v1"
	HashModel     = "octomem-hash-v1"
)

// NewEmbedder returns the named local embedder with dims dimensions.
// Unknown names fall back to the character-trigram embedder.
func NewEmbedder(name string, dims int) Embedder {
	if dims <= 0 {
		dims = 384
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case HashModel, "hash":
		return &hashEmbedder{dims: dims}
	default:
		return &chargramEmbedder{dims: dims}
	}
}

type hashEmbedder struct {
	dims int
}

func (e *hashEmbedder) ModelID() string { return HashModel }
func (e *hashEmbedder) Dimensions() int { return e.dims }

func (e *hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range utils.Tokenize(text) {
		sum := fnvSum(token)
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[idx] += sign * float32(1+len(token)/8)
	}
	normalizeVector(vec)
	return vec, nil
}

type chargramEmbedder struct {
	dims int
}

func (e *chargramEmbedder) ModelID() string { return ChargramModel }
func (e *chargramEmbedder) Dimensions() int { return e.dims }

func (e *chargramEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	normalized := utils.Normalize(text)
	if normalized == "" {
		return vec, nil
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		vec[int(fnvSum(window[i:i+3])%uint64(e.dims))] += 1
	}
	for _, token := range utils.Tokenize(normalized) {
		vec[int(fnvSum("tok:"+token)%uint64(e.dims))] += 1.25
	}
	normalizeVector(vec)
	return vec, nil
}

func fnvSum(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

func vectorNorm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

func normalizeVector(vec []float32) {
	n := vectorNorm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}
