package discovery

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
)

// embeddingDims is the dimension of the hashed token vectors.
const embeddingDims = 128

// tokenize splits a task description into lowercase word tokens.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// hashToken maps a token to a stable 64-bit hash.
func hashToken(token string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(token))
	return h.Sum64()
}

// taskSeed derives the deterministic sampling seed from a task description
// and candidate-set size. Wall-clock time never participates, so repeated
// invocations with identical inputs sample identically.
func taskSeed(task string, candidates int) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(task))
	return h.Sum64() ^ uint64(candidates)
}

// hashedEmbedding maps text to a normalized bag-of-hashed-tokens vector.
// Identical text always produces identical vectors, with no network and no
// model download, which keeps the memory index reproducible and offline.
// Token overlap between two texts shows up as cosine similarity.
func hashedEmbedding(text string) []float32 {
	vec := make([]float32, embeddingDims)
	for _, token := range tokenize(text) {
		vec[hashToken(token)%embeddingDims]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1 // degenerate input maps to a fixed unit vector
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// newEmbeddingFunc adapts hashedEmbedding to chromem's interface.
func newEmbeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return hashedEmbedding(text), nil
	}
}
