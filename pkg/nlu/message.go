package nlu

import (
	"maps"
	"slices"
)

// Message is a single utterance flowing through training or inference.
type Message struct {
	data     map[string]any
	output   map[string]bool
	tokens   map[string][]Token
	features []*Features
}

// NewMessage creates a message with the given attribute values.
func NewMessage(data map[string]any) *Message {
	m := &Message{
		data:   make(map[string]any, len(data)),
		output: make(map[string]bool),
		tokens: make(map[string][]Token),
	}
	maps.Copy(m.data, data)
	return m
}

// NewTextMessage creates a message whose text attribute is text.
func NewTextMessage(text string) *Message {
	return NewMessage(map[string]any{Text: text})
}

// Get returns the value stored under key, or nil.
func (m *Message) Get(key string) any {
	return m.data[key]
}

// GetString returns the string stored under key, or "".
func (m *Message) GetString(key string) string {
	s, _ := m.data[key].(string)
	return s
}

// Set stores value under key. When addToOutput is set the key is included
// in [Message.Output].
func (m *Message) Set(key string, value any, addToOutput bool) {
	m.data[key] = value
	if addToOutput {
		m.output[key] = true
	}
}

// Output returns the values of all keys marked for output.
func (m *Message) Output() map[string]any {
	out := make(map[string]any, len(m.output))
	for k := range m.output {
		out[k] = m.data[k]
	}
	return out
}

// Tokens returns the tokens of attribute.
func (m *Message) Tokens(attribute string) []Token {
	return m.tokens[attribute]
}

// SetTokens stores the tokens of attribute.
func (m *Message) SetTokens(attribute string, tokens []Token) {
	m.tokens[attribute] = tokens
}

// AddFeatures attaches a feature matrix.
func (m *Message) AddFeatures(f *Features) {
	m.features = append(m.features, f)
}

// AllFeatures returns every attached feature matrix.
func (m *Message) AllFeatures() []*Features {
	return slices.Clone(m.features)
}

// SparseFeatures returns the combined sparse sequence and sentence
// features of attribute, drawn from the given origins (all when empty).
func (m *Message) SparseFeatures(attribute string, origins []string) (seq, sent *Features) {
	return m.collect(attribute, true, origins)
}

// DenseFeatures returns the combined dense sequence and sentence features
// of attribute, drawn from the given origins (all when empty).
func (m *Message) DenseFeatures(attribute string, origins []string) (seq, sent *Features) {
	return m.collect(attribute, false, origins)
}

// HasFeatures reports whether any feature is attached to attribute.
func (m *Message) HasFeatures(attribute string, origins []string) bool {
	for _, f := range m.features {
		if f.Attribute == attribute && originAllowed(f.Origin, origins) {
			return true
		}
	}
	return false
}

func (m *Message) collect(attribute string, sparse bool, origins []string) (seq, sent *Features) {
	var seqs, sents []*Features
	for _, f := range m.features {
		if f.Attribute != attribute || f.Sparse != sparse || !originAllowed(f.Origin, origins) {
			continue
		}
		switch f.Type {
		case Sequence:
			seqs = append(seqs, f)
		case Sentence:
			sents = append(sents, f)
		}
	}
	return combine(seqs), combine(sents)
}

func originAllowed(origin string, origins []string) bool {
	return len(origins) == 0 || slices.Contains(origins, origin)
}
