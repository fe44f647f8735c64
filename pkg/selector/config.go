package selector

import (
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/haivivi/respsel/pkg/dualtower"
)

// DefaultKey is the selector key used when no retrieval intent is
// configured.
const DefaultKey = "default"

// Config is the response selector configuration: the dual-tower
// hyperparameters plus the selector options.
type Config struct {
	dualtower.Config `yaml:",inline"`

	// RetrievalIntent restricts training to the examples of one retrieval
	// intent. Empty trains on all retrieval intents combined.
	RetrievalIntent string `yaml:"retrieval_intent"`

	// UseTextAsLabel trains on response texts instead of
	// intent_response_key values.
	UseTextAsLabel bool `yaml:"use_text_as_label"`

	// Featurizers lists the feature origins to use; empty uses all.
	Featurizers []string `yaml:"featurizers"`

	// Reserved options. They are accepted in files but always reset by
	// [Config.Normalize].
	IntentClassification bool `yaml:"intent_classification"`
	EntityRecognition    bool `yaml:"entity_recognition"`
	BILOUFlag            bool `yaml:"BILOU_flag"`
}

// DefaultConfig returns the default selector configuration.
func DefaultConfig() Config {
	cfg := Config{Config: dualtower.DefaultConfig()}
	cfg.forceReserved()
	return cfg
}

func (c *Config) forceReserved() {
	c.IntentClassification = true
	c.EntityRecognition = false
	c.BILOUFlag = false
}

// Normalize resolves derived options and resets the reserved ones.
func (c *Config) Normalize() {
	c.forceReserved()
	c.Config.Normalize()
}

// Key returns the message property key the selector writes under.
func (c Config) Key() string {
	if c.RetrievalIntent != "" {
		return c.RetrievalIntent
	}
	return DefaultKey
}

// LoadConfig reads a YAML configuration. Options missing from r keep
// their defaults.
func LoadConfig(r io.Reader) (Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Config{}, fmt.Errorf("selector: read config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("selector: parse config: %w", err)
	}
	cfg.forceReserved()
	return cfg, nil
}

// LoadConfigFile reads a YAML configuration file.
func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("selector: %w", err)
	}
	defer f.Close()
	return LoadConfig(f)
}
