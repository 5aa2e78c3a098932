package classifier

// Category names used in Result.Reasons and keyword tables.
const (
	CategoryEmotional = "emotional"
	CategoryAbstract  = "abstract"
	CategoryUrgent    = "urgent"
)

// Keyword is one weighted entry of a category table. Phrases may contain spaces.
type Keyword struct {
	Term   string
	Weight float64
}

// KeywordTable maps a category to its weighted terms.
type KeywordTable map[string][]Keyword

// DefaultKeywords 默认关键词表（权重为常量表，不在运行时推导）
func DefaultKeywords() KeywordTable {
	return KeywordTable{
		CategoryEmotional: {
			{"feel", 1}, {"feeling", 1}, {"afraid", 1.5}, {"scared", 1.5}, {"lonely", 1.5},
			{"anxious", 1.5}, {"anxiety", 1.5}, {"sad", 1}, {"grief", 2}, {"angry", 1},
			{"hurt", 1}, {"love", 1}, {"heartbroken", 2}, {"depressed", 2}, {"overwhelmed", 1.5},
			{"worried", 1}, {"hopeless", 2}, {"ashamed", 1.5},
		},
		CategoryAbstract: {
			{"meaning", 1.5}, {"purpose", 1}, {"existence", 2}, {"consciousness", 2}, {"reality", 1.5},
			{"truth", 1}, {"free will", 2}, {"identity", 1}, {"soul", 1.5}, {"infinite", 1},
			{"why do we", 1.5}, {"what is the point", 2}, {"philosophy", 1.5}, {"paradox", 1.5},
			{"ethics", 1}, {"morality", 1}, {"trade-off", 1}, {"architecture", 1},
		},
		CategoryUrgent: {
			{"urgent", 2}, {"emergency", 2}, {"asap", 1.5}, {"immediately", 1.5}, {"right now", 1.5},
			{"help me now", 2}, {"crisis", 2}, {"deadline", 1},
		},
	}
}

// Weights combine the five sub-scores; they should sum to 1.
type Weights struct {
	Length         float64 `yaml:"length" json:"length"`
	EmotionalDepth float64 `yaml:"emotional_depth" json:"emotional_depth"`
	Abstractness   float64 `yaml:"abstractness" json:"abstractness"`
	HasContext     float64 `yaml:"has_context" json:"has_context"`
	Urgency        float64 `yaml:"urgency" json:"urgency"`
}

// DefaultWeights 默认权重
func DefaultWeights() Weights {
	return Weights{
		Length:         0.25,
		EmotionalDepth: 0.25,
		Abstractness:   0.30,
		HasContext:     0.10,
		Urgency:        0.10,
	}
}
