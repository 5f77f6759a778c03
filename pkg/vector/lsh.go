package vector

import (
	"math/bits"
	"math/rand"
	"sort"
	"strconv"
)

const maxHashBits = 12

// lsh assigns vectors to buckets by the signs of their projections onto
// random hyperplanes. Nearby vectors tend to share a bucket or differ in few
// bits, which is what multi-probe search exploits.
type lsh struct {
	planes [][]float32
}

func newLSH(dims, nbits int, seed int64) *lsh {
	if nbits < 1 {
		nbits = 1
	}
	if nbits > maxHashBits {
		nbits = maxHashBits
	}
	rng := rand.New(rand.NewSource(seed))
	planes := make([][]float32, nbits)
	for i := range planes {
		p := make([]float32, dims)
		for j := range p {
			p[j] = float32(rng.NormFloat64())
		}
		planes[i] = p
	}
	return &lsh{planes: planes}
}

func (l *lsh) buckets() int { return 1 << len(l.planes) }

func (l *lsh) bucket(vec []float32) uint32 {
	var b uint32
	for i, p := range l.planes {
		var dot float64
		n := len(p)
		if len(vec) < n {
			n = len(vec)
		}
		for j := 0; j < n; j++ {
			dot += float64(p[j]) * float64(vec[j])
		}
		if dot >= 0 {
			b |= 1 << i
		}
	}
	return b
}

// probeOrder lists n buckets ordered by Hamming distance from home.
func (l *lsh) probeOrder(home uint32, n int) []uint32 {
	total := l.buckets()
	if n <= 0 {
		n = 1
	}
	if n > total {
		n = total
	}
	all := make([]uint32, total)
	for i := range all {
		all[i] = uint32(i)
	}
	sort.Slice(all, func(i, j int) bool {
		di := bits.OnesCount32(all[i] ^ home)
		dj := bits.OnesCount32(all[j] ^ home)
		if di != dj {
			return di < dj
		}
		return all[i] < all[j]
	})
	return all[:n]
}

func bucketKey(b uint32) string {
	return strconv.FormatUint(uint64(b), 10)
}
