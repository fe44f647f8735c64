package selector

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/respsel/pkg/dualtower"
	"github.com/haivivi/respsel/pkg/nlu"
	"github.com/haivivi/respsel/pkg/storage"
)

// ErrMissingSideFile is returned by [Load] when a file named by the
// metadata cannot be read.
var ErrMissingSideFile = errors.New("selector: missing side file")

// Metadata describes a persisted selector. An empty File means the
// selector was untrained when persisted.
type Metadata struct {
	File   string `yaml:"file"`
	Config Config `yaml:"config"`
}

// Artifact names derived from a base name.
func blobFile(name string) string      { return name + ".blob" }
func mappingFile(name string) string   { return name + ".retrieval_intent_mapping.yml" }
func labelsFile(name string) string    { return name + ".label_table.yml" }
func responsesFile(name string) string { return name + ".responses.yml" }

// MetadataFile returns the path [WriteMetadata] uses for name.
func MetadataFile(name string) string { return name + ".meta.yml" }

// Files returns the paths [Selector.Persist] writes for name, without
// the metadata file.
func Files(name string) []string {
	return []string{blobFile(name), mappingFile(name), labelsFile(name), responsesFile(name)}
}

// Persist writes the model blob and the side files under name and returns
// the metadata needed to load them. An untrained selector writes nothing.
func (s *Selector) Persist(ctx context.Context, fs storage.FileStore, name string) (Metadata, error) {
	meta := Metadata{Config: s.cfg}
	if s.model == nil {
		return meta, nil
	}

	w, err := fs.Write(ctx, blobFile(name))
	if err != nil {
		return Metadata{}, fmt.Errorf("selector: persist: %w", err)
	}
	if err := s.model.Save(w); err != nil {
		w.Close()
		return Metadata{}, err
	}
	if err := w.Close(); err != nil {
		return Metadata{}, fmt.Errorf("selector: persist: %w", err)
	}

	for path, v := range map[string]any{
		mappingFile(name):   s.mapping,
		labelsFile(name):    s.labels.Labels(),
		responsesFile(name): s.responses,
	} {
		if err := writeYAML(ctx, fs, path, v); err != nil {
			return Metadata{}, err
		}
	}
	meta.File = name
	return meta, nil
}

// Load restores a selector persisted with [Selector.Persist].
func Load(ctx context.Context, fs storage.FileStore, meta Metadata, opts ...Option) (*Selector, error) {
	s, err := New(meta.Config, opts...)
	if err != nil {
		return nil, err
	}
	if meta.File == "" {
		return s, nil
	}
	name := meta.File

	r, err := fs.Read(ctx, blobFile(name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMissingSideFile, blobFile(name), err)
	}
	model, err := dualtower.Load(r, dualtower.WithLogger(s.logger), dualtower.WithObserver(s.observer))
	r.Close()
	if err != nil {
		return nil, fmt.Errorf("selector: load %s: %w", blobFile(name), err)
	}

	var entries []Label
	if err := readYAML(ctx, fs, labelsFile(name), &entries); err != nil {
		return nil, err
	}
	table, err := labelTableFromEntries(entries)
	if err != nil {
		return nil, err
	}
	if table.Len() != len(model.LabelIDs()) {
		return nil, fmt.Errorf("selector: label table has %d labels, model has %d", table.Len(), len(model.LabelIDs()))
	}
	mapping := make(map[string]string)
	if err := readYAML(ctx, fs, mappingFile(name), &mapping); err != nil {
		return nil, err
	}
	responses := make(map[string][]nlu.Response)
	if err := readYAML(ctx, fs, responsesFile(name), &responses); err != nil {
		return nil, err
	}

	s.model = model
	s.labels = table
	s.mapping = mapping
	s.responses = responses
	return s, nil
}

// WriteMetadata stores meta next to the artifacts of name.
func WriteMetadata(ctx context.Context, fs storage.FileStore, name string, meta Metadata) error {
	return writeYAML(ctx, fs, MetadataFile(name), meta)
}

// ReadMetadata reads the metadata stored by [WriteMetadata].
func ReadMetadata(ctx context.Context, fs storage.FileStore, name string) (Metadata, error) {
	var meta Metadata
	if err := readYAML(ctx, fs, MetadataFile(name), &meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func writeYAML(ctx context.Context, fs storage.FileStore, path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("selector: marshal %s: %w", path, err)
	}
	if err := storage.WriteFile(ctx, fs, path, data); err != nil {
		return fmt.Errorf("selector: persist: %w", err)
	}
	return nil
}

func readYAML(ctx context.Context, fs storage.FileStore, path string, v any) error {
	data, err := storage.ReadFile(ctx, fs, path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMissingSideFile, path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("selector: parse %s: %w", path, err)
	}
	return nil
}
