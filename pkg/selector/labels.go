package selector

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/haivivi/respsel/pkg/nlu"
)

// LabelHash returns the stable identity hash of a label value. It is the
// hex SHA-256 of the value, so distinct labels never share a hash in
// practice.
func LabelHash(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:])
}

// Label is one entry of a [LabelTable].
type Label struct {
	ID   int    `yaml:"id" json:"id" msgpack:"id"`
	Name string `yaml:"name" json:"name" msgpack:"name"`
	Hash string `yaml:"hash" json:"hash" msgpack:"hash"`
}

// LabelTable maps label ids to label values. Ids are dense and assigned
// in first-seen order. A table is immutable once built.
type LabelTable struct {
	labels []Label
	ids    map[string]int
}

// NewLabelTable builds a table from the distinct values of attribute over
// the intent examples, in first-seen order. Examples without a value are
// skipped.
func NewLabelTable(examples []*nlu.Message, attribute string) (*LabelTable, error) {
	t := &LabelTable{ids: make(map[string]int)}
	hashes := make(map[string]string)
	for _, ex := range examples {
		name := ex.GetString(attribute)
		if name == "" {
			continue
		}
		if _, ok := t.ids[name]; ok {
			continue
		}
		h := LabelHash(name)
		if other, dup := hashes[h]; dup {
			return nil, fmt.Errorf("selector: labels %q and %q share hash %s", other, name, h)
		}
		hashes[h] = name
		t.ids[name] = len(t.labels)
		t.labels = append(t.labels, Label{ID: len(t.labels), Name: name, Hash: h})
	}
	return t, nil
}

// labelTableFromEntries restores a table from its persisted entries.
func labelTableFromEntries(entries []Label) (*LabelTable, error) {
	t := &LabelTable{ids: make(map[string]int, len(entries))}
	for i, l := range entries {
		if l.ID != i {
			return nil, fmt.Errorf("selector: label %q has id %d, want %d", l.Name, l.ID, i)
		}
		if h := LabelHash(l.Name); h != l.Hash {
			return nil, fmt.Errorf("selector: label %q hash %s, want %s", l.Name, l.Hash, h)
		}
		if _, dup := t.ids[l.Name]; dup {
			return nil, fmt.Errorf("selector: label %q listed twice", l.Name)
		}
		t.ids[l.Name] = i
		t.labels = append(t.labels, l)
	}
	return t, nil
}

// Len returns the number of labels.
func (t *LabelTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.labels)
}

// ID returns the id of the label value name.
func (t *LabelTable) ID(name string) (int, bool) {
	id, ok := t.ids[name]
	return id, ok
}

// Label returns the label with the given id.
func (t *LabelTable) Label(id int) (Label, bool) {
	if id < 0 || id >= len(t.labels) {
		return Label{}, false
	}
	return t.labels[id], true
}

// Labels returns all labels ordered by id.
func (t *LabelTable) Labels() []Label {
	if t == nil {
		return nil
	}
	out := make([]Label, len(t.labels))
	copy(out, t.labels)
	return out
}

// retrievalIntentMapping maps the response text of every example to its
// intent_response_key. Later examples overwrite earlier ones.
func retrievalIntentMapping(examples []*nlu.Message) map[string]string {
	m := make(map[string]string)
	for _, ex := range examples {
		if text := ex.GetString(nlu.ResponseAttribute); text != "" {
			m[text] = ex.GetString(nlu.IntentResponseKey)
		}
	}
	return m
}
