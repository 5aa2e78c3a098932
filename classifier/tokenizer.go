package classifier

import (
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer counts tokens for the length sub-score.
type Tokenizer interface {
	CountTokens(text string) (int, error)
	Name() string
}

// EstimatorTokenizer is a character-count-based token estimator.
// CJK runes count ~1.5 chars/token, everything else ~4 chars/token.
type EstimatorTokenizer struct{}

// NewEstimatorTokenizer creates the offline estimator.
func NewEstimatorTokenizer() *EstimatorTokenizer {
	return &EstimatorTokenizer{}
}

func (e *EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}

	totalChars := utf8.RuneCountInString(text)
	cjkCount := 0
	for _, r := range text {
		if isCJK(r) {
			cjkCount++
		}
	}

	estimated := int(float64(cjkCount)/1.5 + float64(totalChars-cjkCount)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (e *EstimatorTokenizer) Name() string {
	return "estimator"
}

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x20000 && r <= 0x2A6DF) ||
		(r >= 0xF900 && r <= 0xFAFF) ||
		(r >= 0x3000 && r <= 0x303F) ||
		(r >= 0xFF00 && r <= 0xFFEF)
}

// TiktokenTokenizer counts with a real BPE encoding. The encoding is loaded
// lazily on first use and may download its ranks file.
type TiktokenTokenizer struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// NewTiktokenTokenizer creates a tokenizer for the named encoding (default cl100k_base).
func NewTiktokenTokenizer(encoding string) *TiktokenTokenizer {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	return &TiktokenTokenizer{encoding: encoding}
}

func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) Name() string {
	return "tiktoken:" + t.encoding
}
