package dataset

import (
	"math"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Vectorizer turns text into hashed bag-of-words n-gram features.
// Hashing is vocabulary-free, so checkpoints stay self-contained: any
// process with the same bucket count and n-gram size reproduces the
// exact feature space.
type Vectorizer struct {
	Buckets int
	NGrams  int
}

func NewVectorizer(buckets, ngrams int) *Vectorizer {
	if buckets <= 0 {
		buckets = 4096
	}
	if ngrams <= 0 {
		ngrams = 2
	}
	return &Vectorizer{Buckets: buckets, NGrams: ngrams}
}

// Vectorize produces an L2-normalized feature vector of length Buckets.
func (v *Vectorizer) Vectorize(text string) []float64 {
	vec := make([]float64, v.Buckets)
	tokens := tokenize(text)
	for n := 1; n <= v.NGrams; n++ {
		for i := 0; i+n <= len(tokens); i++ {
			gram := strings.Join(tokens[i:i+n], " ")
			bucket := xxhash.Sum64String(gram) % uint64(v.Buckets)
			vec[bucket]++
		}
	}

	var norm float64
	for _, x := range vec {
		norm += x * x
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && !(r >= 0x80)
	})
}
