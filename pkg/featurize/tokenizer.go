package featurize

import (
	"unicode"

	"github.com/haivivi/respsel/pkg/nlu"
)

// ClsToken is appended to every tokenized text attribute.
const ClsToken = "__CLS__"

// Tokenizer splits on whitespace and strips leading and trailing
// punctuation from each word.
type Tokenizer struct {
	// Attributes are tokenized during training; only text is tokenized
	// at inference.
	Attributes []string
}

// NewTokenizer returns a tokenizer for text, response and the intent
// attributes.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{
		Attributes: []string{nlu.Text, nlu.ResponseAttribute, nlu.Intent, nlu.IntentResponseKey},
	}
}

// Tokenize splits text into tokens with character offsets.
func (t *Tokenizer) Tokenize(text string) []nlu.Token {
	var tokens []nlu.Token
	runes := []rune(text)
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		lo, hi := start, end
		for lo < hi && unicode.IsPunct(runes[lo]) {
			lo++
		}
		for hi > lo && unicode.IsPunct(runes[hi-1]) {
			hi--
		}
		if lo < hi {
			tokens = append(tokens, nlu.Token{Text: string(runes[lo:hi]), Start: lo, End: hi})
		}
		start = -1
	}
	for i, r := range runes {
		if unicode.IsSpace(r) {
			flush(i)
		} else if start < 0 {
			start = i
		}
	}
	flush(len(runes))
	return tokens
}

// tokenizeAttribute returns the tokens of one attribute value. Intent
// names stay a single token; text-like attributes get the CLS token.
func (t *Tokenizer) tokenizeAttribute(attribute, value string) []nlu.Token {
	switch attribute {
	case nlu.Intent, nlu.IntentResponseKey:
		return []nlu.Token{{Text: value, Start: 0, End: len([]rune(value))}}
	}
	tokens := t.Tokenize(value)
	n := len([]rune(value))
	return append(tokens, nlu.Token{Text: ClsToken, Start: n + 1, End: n + 1 + len(ClsToken)})
}

// Train tokenizes every configured attribute of every example.
func (t *Tokenizer) Train(td *nlu.TrainingData) error {
	for _, m := range td.Examples {
		for _, attr := range t.Attributes {
			if v := m.GetString(attr); v != "" {
				m.SetTokens(attr, t.tokenizeAttribute(attr, v))
			}
		}
	}
	return nil
}

// Process tokenizes the text attribute.
func (t *Tokenizer) Process(m *nlu.Message) error {
	m.SetTokens(nlu.Text, t.tokenizeAttribute(nlu.Text, m.GetString(nlu.Text)))
	return nil
}
