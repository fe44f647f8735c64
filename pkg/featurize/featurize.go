// Package featurize turns raw messages into the token sequences and
// feature matrices consumed by the response selector.
//
// [Tokenizer] splits attribute values on whitespace and appends a CLS
// token to every tokenized text attribute. [CountVectors] learns one
// vocabulary per featurized attribute and attaches sparse count vectors:
// one row per token as sequence features and their sum as the sentence
// feature.
//
// # Usage
//
//	p := featurize.NewPipeline()
//	p.Train(trainingData)
//	p.Process(msg)
package featurize

import (
	"fmt"
	"io"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/respsel/pkg/nlu"
)

// Component is a pipeline stage that learns from training data and
// annotates messages.
type Component interface {
	Train(td *nlu.TrainingData) error
	Process(m *nlu.Message) error
}

// Pipeline runs a tokenizer followed by a count-vectors featurizer.
type Pipeline struct {
	Tokenizer *Tokenizer
	Vectors   *CountVectors
}

// NewPipeline returns a pipeline with default settings.
func NewPipeline() *Pipeline {
	return &Pipeline{
		Tokenizer: NewTokenizer(),
		Vectors:   NewCountVectors(),
	}
}

func (p *Pipeline) components() []Component {
	return []Component{p.Tokenizer, p.Vectors}
}

// Train trains every stage in order; each stage sees the annotations of
// the previous one.
func (p *Pipeline) Train(td *nlu.TrainingData) error {
	for _, c := range p.components() {
		if err := c.Train(td); err != nil {
			return err
		}
	}
	return nil
}

// Process annotates m for inference.
func (p *Pipeline) Process(m *nlu.Message) error {
	for _, c := range p.components() {
		if err := c.Process(m); err != nil {
			return err
		}
	}
	return nil
}

type pipelineFile struct {
	Lowercase  bool                `yaml:"lowercase"`
	Vocabulary map[string][]string `yaml:"vocabulary"`
}

// Save writes the learned vocabularies as YAML.
func (p *Pipeline) Save(w io.Writer) error {
	data, err := yaml.Marshal(pipelineFile{
		Lowercase:  p.Vectors.Lowercase,
		Vocabulary: p.Vectors.Vocabulary(),
	})
	if err != nil {
		return fmt.Errorf("featurize: marshal pipeline: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// LoadPipeline restores a pipeline saved with [Pipeline.Save].
func LoadPipeline(r io.Reader) (*Pipeline, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("featurize: read pipeline: %w", err)
	}
	var f pipelineFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("featurize: unmarshal pipeline: %w", err)
	}
	p := NewPipeline()
	p.Vectors.SetVocabulary(f.Vocabulary)
	p.Vectors.Lowercase = f.Lowercase
	return p, nil
}
