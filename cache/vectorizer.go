package cache

import (
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/BaSui01/chorus/classifier"
)

// DefaultDimensions is the vector width of the default HashingVectorizer.
const DefaultDimensions = 64

// Vectorizer maps request text to a fixed-width vector. Implementations must be deterministic.
type Vectorizer interface {
	Vector(text string) []float64
	Dimensions() int
}

// HashingVectorizer 关键词类别计数 + 哈希词袋，L2 归一化
//
// The first len(categories) dimensions count weighted keyword-category hits;
// the remaining dimensions are hashed word unigrams.
type HashingVectorizer struct {
	dims       int
	categories []string
	keywords   classifier.KeywordTable
}

// NewHashingVectorizer creates a vectorizer of the given width (<= 0 uses DefaultDimensions).
// A nil keyword table uses classifier.DefaultKeywords.
func NewHashingVectorizer(dims int, keywords classifier.KeywordTable) *HashingVectorizer {
	if keywords == nil {
		keywords = classifier.DefaultKeywords()
	}
	categories := make([]string, 0, len(keywords))
	for c := range keywords {
		categories = append(categories, c)
	}
	sort.Strings(categories)
	if dims <= len(categories) {
		dims = DefaultDimensions
	}
	return &HashingVectorizer{dims: dims, categories: categories, keywords: keywords}
}

// Dimensions implements Vectorizer.
func (v *HashingVectorizer) Dimensions() int {
	return v.dims
}

// Vector implements Vectorizer. Empty text yields the zero vector.
func (v *HashingVectorizer) Vector(text string) []float64 {
	vec := make([]float64, v.dims)
	normalized := strings.ToLower(text)
	words := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return vec
	}

	wordSet := make(map[string]bool, len(words))
	for _, w := range words {
		wordSet[w] = true
	}
	for i, c := range v.categories {
		for _, kw := range v.keywords[c] {
			term := strings.ToLower(kw.Term)
			if strings.ContainsAny(term, " -") {
				if strings.Contains(normalized, term) {
					vec[i] += kw.Weight
				}
			} else if wordSet[term] {
				vec[i] += kw.Weight
			}
		}
	}

	offset := len(v.categories)
	buckets := uint32(v.dims - offset)
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[offset+int(h.Sum32()%buckets)]++
	}

	var norm float64
	for _, x := range vec {
		norm += x * x
	}
	if norm == 0 {
		return vec
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// CosineSimilarity returns the cosine of the angle between a and b,
// or 0 when the widths differ or either vector is zero.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return math.Min(1, dot/(math.Sqrt(normA)*math.Sqrt(normB)))
}
