package virtual

import (
	crand "crypto/rand"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
)

const textAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generator produces readings. Reads run on many pool workers, so the
// generator state is guarded.
type generator struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// newGenerator selects the generator by name: "pseudo" is a PCG stream,
// reproducible when seed is set; "secure" is ChaCha8 keyed from crypto/rand.
func newGenerator(kind string, seed *int64) (*generator, error) {
	switch strings.TrimSpace(strings.ToLower(kind)) {
	case "", "pseudo", "math":
		s := uint64(time.Now().UnixNano())
		if seed != nil {
			s = uint64(*seed)
		}
		return &generator{rng: rand.New(rand.NewPCG(s, s^0x9e3779b97f4a7c15))}, nil
	case "secure", "crypto":
		var key [32]byte
		if _, err := crand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("seed secure generator: %w", err)
		}
		return &generator{rng: rand.New(rand.NewChaCha8(key))}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q", kind)
	}
}

// float returns a value in [lo, hi).
func (g *generator) float(lo, hi float64) (float64, error) {
	if hi < lo {
		return 0, fmt.Errorf("invalid range [%g, %g]", lo, hi)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return lo + (hi-lo)*g.rng.Float64(), nil
}

// integer returns a value in [lo, hi].
func (g *generator) integer(lo, hi int64) (int64, error) {
	if hi < lo {
		return 0, fmt.Errorf("invalid range [%d, %d]", lo, hi)
	}
	span := uint64(hi-lo) + 1
	g.mu.Lock()
	defer g.mu.Unlock()
	if span == 0 {
		// [MinInt64, MaxInt64]
		return int64(g.rng.Uint64()), nil
	}
	return lo + int64(g.rng.Uint64N(span)), nil
}

func (g *generator) chance(p float64) bool {
	switch {
	case p <= 0:
		return false
	case p >= 1:
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rng.Float64() < p
}

func (g *generator) text(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, n)
	g.mu.Lock()
	for i := range buf {
		buf[i] = textAlphabet[g.rng.IntN(len(textAlphabet))]
	}
	g.mu.Unlock()
	return string(buf)
}
