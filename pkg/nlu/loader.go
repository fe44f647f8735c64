package nlu

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// File is the on-disk training data layout:
//
//	nlu:
//	  - intent: chitchat/ask_name
//	    examples: |
//	      - what is your name
//	      - who are you
//	responses:
//	  utter_chitchat/ask_name:
//	    - text: I am a bot.
type File struct {
	NLU       []IntentBlock         `yaml:"nlu"`
	Responses map[string][]Response `yaml:"responses"`
}

// IntentBlock lists the examples of one intent.
type IntentBlock struct {
	Intent   string   `yaml:"intent"`
	Examples Examples `yaml:"examples"`
}

// Examples accepts either a YAML sequence of strings or a literal block of
// "- example" lines.
type Examples []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (e *Examples) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := value.Decode(&list); err != nil {
			return err
		}
		*e = list
	case yaml.ScalarNode:
		var out []string
		for _, line := range strings.Split(value.Value, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			out = append(out, strings.TrimSpace(strings.TrimPrefix(line, "-")))
		}
		*e = out
	default:
		return fmt.Errorf("nlu: line %d: examples must be a list or a block", value.Line)
	}
	return nil
}

// Load decodes training data from r.
func Load(r io.Reader) (*TrainingData, error) {
	var f File
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("nlu: decode training data: %w", err)
	}
	return f.TrainingData()
}

// LoadFile decodes training data from the file at path.
func LoadFile(path string) (*TrainingData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("nlu: read %s: %w", path, err)
	}
	return Load(bytes.NewReader(data))
}

// TrainingData converts the file layout into example messages. Response
// names lose their "utter_" prefix so they match intent_response_key
// values.
func (f *File) TrainingData() (*TrainingData, error) {
	td := &TrainingData{Responses: make(map[string][]Response, len(f.Responses))}
	for name, responses := range f.Responses {
		key := strings.TrimPrefix(name, ResponseKeyPrefix)
		if _, dup := td.Responses[key]; dup {
			return nil, fmt.Errorf("nlu: response %q defined twice", key)
		}
		td.Responses[key] = responses
	}
	for _, block := range f.NLU {
		if block.Intent == "" {
			return nil, fmt.Errorf("nlu: intent block without a name")
		}
		intent, responseKey := SplitIntentResponseKey(block.Intent)
		for _, text := range block.Examples {
			m := NewMessage(map[string]any{Text: text, Intent: intent})
			if responseKey != "" {
				m.Set(IntentResponseKey, block.Intent, false)
				if rs := td.Responses[block.Intent]; len(rs) > 0 {
					m.Set(ResponseAttribute, rs[0].Text(), false)
				}
			}
			td.Examples = append(td.Examples, m)
		}
	}
	return td, nil
}
