package featurize

import (
	"maps"
	"slices"
	"strings"

	"github.com/haivivi/respsel/pkg/nlu"
)

// CountVectorsOrigin is the origin recorded on features it produces.
const CountVectorsOrigin = "CountVectorsFeaturizer"

// CountVectors attaches bag-of-words count vectors. Tokens missing from
// the vocabulary map to zero rows.
type CountVectors struct {
	// Lowercase folds tokens before vocabulary lookup.
	Lowercase  bool
	Attributes []string

	vocab map[string]map[string]int
	words map[string][]string
}

// NewCountVectors returns a featurizer for text and response.
func NewCountVectors() *CountVectors {
	return &CountVectors{
		Lowercase:  true,
		Attributes: []string{nlu.Text, nlu.ResponseAttribute},
		vocab:      make(map[string]map[string]int),
		words:      make(map[string][]string),
	}
}

// VocabularySize returns the vocabulary size of attribute.
func (c *CountVectors) VocabularySize(attribute string) int {
	return len(c.words[attribute])
}

// Train builds the vocabularies from tokenized examples and featurizes
// every example.
func (c *CountVectors) Train(td *nlu.TrainingData) error {
	for _, attr := range c.Attributes {
		set := make(map[string]bool)
		for _, m := range td.Examples {
			for _, tok := range m.Tokens(attr) {
				if tok.Text != ClsToken {
					set[c.word(tok.Text)] = true
				}
			}
		}
		words := make([]string, 0, len(set))
		for w := range set {
			words = append(words, w)
		}
		slices.Sort(words)
		c.setVocabulary(attr, words)
	}
	for _, m := range td.Examples {
		for _, attr := range c.Attributes {
			c.featurize(m, attr)
		}
	}
	return nil
}

// Process featurizes the text attribute.
func (c *CountVectors) Process(m *nlu.Message) error {
	c.featurize(m, nlu.Text)
	return nil
}

func (c *CountVectors) word(token string) string {
	if c.Lowercase {
		return strings.ToLower(token)
	}
	return token
}

func (c *CountVectors) setVocabulary(attr string, words []string) {
	index := make(map[string]int, len(words))
	for i, w := range words {
		index[w] = i
	}
	c.vocab[attr] = index
	c.words[attr] = words
}

func (c *CountVectors) featurize(m *nlu.Message, attr string) {
	index, ok := c.vocab[attr]
	if !ok || len(index) == 0 {
		return
	}
	var rows [][]float64
	for _, tok := range m.Tokens(attr) {
		if tok.Text == ClsToken {
			continue
		}
		row := make([]float64, len(index))
		if i, ok := index[c.word(tok.Text)]; ok {
			row[i] = 1
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return
	}
	sum := make([]float64, len(index))
	for _, row := range rows {
		for i, v := range row {
			sum[i] += v
		}
	}
	m.AddFeatures(&nlu.Features{Type: nlu.Sequence, Attribute: attr, Origin: CountVectorsOrigin, Sparse: true, Data: rows})
	m.AddFeatures(&nlu.Features{Type: nlu.Sentence, Attribute: attr, Origin: CountVectorsOrigin, Sparse: true, Data: [][]float64{sum}})
}

// Vocabulary returns a copy of the learned words per attribute.
func (c *CountVectors) Vocabulary() map[string][]string {
	out := make(map[string][]string, len(c.words))
	for attr, words := range c.words {
		out[attr] = slices.Clone(words)
	}
	return out
}

// SetVocabulary replaces the learned words per attribute. Attributes are
// featurized in sorted order.
func (c *CountVectors) SetVocabulary(vocab map[string][]string) {
	c.vocab = make(map[string]map[string]int, len(vocab))
	c.words = make(map[string][]string, len(vocab))
	c.Attributes = c.Attributes[:0]
	for _, attr := range slices.Sorted(maps.Keys(vocab)) {
		c.Attributes = append(c.Attributes, attr)
		c.setVocabulary(attr, slices.Clone(vocab[attr]))
	}
}
