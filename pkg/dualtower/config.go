package dualtower

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/haivivi/respsel/pkg/modeldata"
)

// Sentinel errors.
var (
	// ErrInvalidConfig is returned for invalid option values and for data
	// that cannot be trained with the given options.
	ErrInvalidConfig = errors.New("dualtower: invalid config")

	// ErrSignatureMismatch is returned when prediction data does not have
	// the feature layout the model was built for.
	ErrSignatureMismatch = errors.New("dualtower: data signature mismatch")
)

// Tower attribute names used as config keys.
const (
	TextAttribute  = "text"
	LabelAttribute = "label"
)

// Similarity types.
const (
	SimilarityAuto   = "auto"
	SimilarityCosine = "cosine"
	SimilarityInner  = "inner"
)

// Loss types.
const (
	LossSoftmax = "softmax"
	LossMargin  = "margin"
)

// DefaultTransformerSize is used when transformer layers are requested
// without a transformer size.
const DefaultTransformerSize = 256

// Config holds the model hyperparameters.
type Config struct {
	// HiddenLayersSizes lists the feed-forward layer widths per tower
	// attribute ("text", "label").
	HiddenLayersSizes map[string][]int `yaml:"hidden_layers_sizes"`

	// ShareHiddenLayers makes the label tower reuse the text tower.
	ShareHiddenLayers bool `yaml:"share_hidden_layers"`

	TransformerSize        int  `yaml:"transformer_size"`
	NumTransformerLayers   int  `yaml:"number_of_transformer_layers"`
	NumAttentionHeads      int  `yaml:"number_of_attention_heads"`
	KeyRelativeAttention   bool `yaml:"use_key_relative_attention"`
	ValueRelativeAttention bool `yaml:"use_value_relative_attention"`
	MaxRelativePosition    int  `yaml:"max_relative_position"`
	UnidirectionalEncoder  bool `yaml:"unidirectional_encoder"`

	// BatchSize is the [min, max] batch size, increased linearly over
	// epochs. A single value fixes the size.
	BatchSize     []int   `yaml:"batch_size"`
	BatchStrategy string  `yaml:"batch_strategy"`
	Epochs        int     `yaml:"epochs"`
	RandomSeed    *uint64 `yaml:"random_seed"`
	LearningRate  float64 `yaml:"learning_rate"`

	EmbeddingDimension int            `yaml:"embedding_dimension"`
	DenseDimension     map[string]int `yaml:"dense_dimension"`
	ConcatDimension    map[string]int `yaml:"concat_dimension"`

	NumNegExamples int    `yaml:"number_of_negative_examples"`
	SimilarityType string `yaml:"similarity_type"`
	LossType       string `yaml:"loss_type"`
	RankingLength  int    `yaml:"ranking_length"`

	MaxPosSim              float64 `yaml:"maximum_positive_similarity"`
	MaxNegSim              float64 `yaml:"maximum_negative_similarity"`
	UseMaxNegSim           bool    `yaml:"use_maximum_negative_similarity"`
	ScaleLoss              bool    `yaml:"scale_loss"`
	RegularizationConstant float64 `yaml:"regularization_constant"`
	NegativeMarginScale    float64 `yaml:"negative_margin_scale"`
	WeightSparsity         float64 `yaml:"weight_sparsity"`

	DropRate           float64 `yaml:"drop_rate"`
	DropRateAttention  float64 `yaml:"drop_rate_attention"`
	SparseInputDropout bool    `yaml:"use_sparse_input_dropout"`
	DenseInputDropout  bool    `yaml:"use_dense_input_dropout"`

	// EvalNumEpochs is the validation cadence in epochs; -1 evaluates
	// only after the last epoch.
	EvalNumEpochs   int `yaml:"evaluate_every_number_of_epochs"`
	EvalNumExamples int `yaml:"evaluate_on_number_of_examples"`

	MaskedLM bool `yaml:"use_masked_language_model"`
}

// DefaultConfig returns the default hyperparameters.
func DefaultConfig() Config {
	return Config{
		HiddenLayersSizes:      map[string][]int{TextAttribute: {256, 128}, LabelAttribute: {256, 128}},
		NumAttentionHeads:      4,
		BatchSize:              []int{64, 256},
		BatchStrategy:          string(modeldata.BalancedStrategy),
		Epochs:                 300,
		LearningRate:           0.001,
		EmbeddingDimension:     20,
		DenseDimension:         map[string]int{TextAttribute: 512, LabelAttribute: 512},
		ConcatDimension:        map[string]int{TextAttribute: 512, LabelAttribute: 512},
		NumNegExamples:         20,
		SimilarityType:         SimilarityAuto,
		LossType:               LossSoftmax,
		RankingLength:          10,
		MaxPosSim:              0.8,
		MaxNegSim:              -0.4,
		UseMaxNegSim:           true,
		ScaleLoss:              true,
		RegularizationConstant: 0.002,
		NegativeMarginScale:    0.8,
		DropRate:               0.2,
		EvalNumEpochs:          20,
	}
}

// Normalize resolves derived options: the "auto" similarity, the default
// transformer size and a single-valued batch size.
func (c *Config) Normalize() {
	if c.SimilarityType == SimilarityAuto || c.SimilarityType == "" {
		if c.LossType == LossMargin {
			c.SimilarityType = SimilarityCosine
		} else {
			c.SimilarityType = SimilarityInner
		}
	}
	if c.NumTransformerLayers > 0 && c.TransformerSize <= 0 {
		c.TransformerSize = DefaultTransformerSize
	}
	if len(c.BatchSize) == 1 {
		c.BatchSize = []int{c.BatchSize[0], c.BatchSize[0]}
	}
	if c.EvalNumEpochs == -1 {
		c.EvalNumEpochs = c.Epochs
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// Validate checks option values. Call Normalize first.
func (c *Config) Validate() error {
	switch c.LossType {
	case LossSoftmax, LossMargin:
	default:
		return invalid("unknown loss_type %q", c.LossType)
	}
	switch c.SimilarityType {
	case SimilarityCosine, SimilarityInner:
	default:
		return invalid("unknown similarity_type %q", c.SimilarityType)
	}
	if _, err := modeldata.ParseStrategy(c.BatchStrategy); err != nil {
		return invalid("%v", err)
	}
	if c.Epochs <= 0 {
		return invalid("epochs must be positive, got %d", c.Epochs)
	}
	if len(c.BatchSize) != 2 || c.BatchSize[0] <= 0 || c.BatchSize[0] > c.BatchSize[1] {
		return invalid("batch_size must be [min, max] with 0 < min <= max, got %v", c.BatchSize)
	}
	if c.LearningRate <= 0 {
		return invalid("learning_rate must be positive, got %v", c.LearningRate)
	}
	if c.EmbeddingDimension <= 0 {
		return invalid("embedding_dimension must be positive, got %d", c.EmbeddingDimension)
	}
	if c.NumNegExamples < 0 {
		return invalid("number_of_negative_examples must not be negative, got %d", c.NumNegExamples)
	}
	if c.RankingLength < 0 {
		return invalid("ranking_length must not be negative, got %d", c.RankingLength)
	}
	if c.NumTransformerLayers < 0 {
		return invalid("number_of_transformer_layers must not be negative, got %d", c.NumTransformerLayers)
	}
	if c.NumTransformerLayers > 0 {
		if c.NumAttentionHeads <= 0 || c.TransformerSize%c.NumAttentionHeads != 0 {
			return invalid("number_of_attention_heads %d must divide transformer_size %d", c.NumAttentionHeads, c.TransformerSize)
		}
		if (c.KeyRelativeAttention || c.ValueRelativeAttention) && c.MaxRelativePosition <= 0 {
			return invalid("max_relative_position must be positive with relative attention, got %d", c.MaxRelativePosition)
		}
	}
	for name, rate := range map[string]float64{
		"drop_rate":           c.DropRate,
		"drop_rate_attention": c.DropRateAttention,
		"weight_sparsity":     c.WeightSparsity,
	} {
		if rate < 0 || rate >= 1 {
			return invalid("%s must be in [0, 1), got %v", name, rate)
		}
	}
	if c.EvalNumEpochs == 0 || c.EvalNumEpochs < -1 {
		return invalid("evaluate_every_number_of_epochs must be positive or -1, got %d", c.EvalNumEpochs)
	}
	if c.EvalNumExamples < 0 {
		return invalid("evaluate_on_number_of_examples must not be negative, got %d", c.EvalNumExamples)
	}
	for _, attr := range []string{TextAttribute, LabelAttribute} {
		for _, size := range c.HiddenLayersSizes[attr] {
			if size <= 0 {
				return invalid("hidden_layers_sizes[%s] must be positive, got %v", attr, c.HiddenLayersSizes[attr])
			}
		}
	}
	if c.ShareHiddenLayers && !slices.Equal(c.HiddenLayersSizes[TextAttribute], c.HiddenLayersSizes[LabelAttribute]) {
		return invalid("share_hidden_layers needs equal hidden_layers_sizes for %s and %s, got %v and %v",
			TextAttribute, LabelAttribute, c.HiddenLayersSizes[TextAttribute], c.HiddenLayersSizes[LabelAttribute])
	}
	if c.MaskedLM && c.NumTransformerLayers == 0 {
		return invalid("use_masked_language_model needs number_of_transformer_layers > 0")
	}
	return nil
}

// Seed returns the configured random seed, drawing one when unset.
func (c *Config) Seed() uint64 {
	if c.RandomSeed != nil {
		return *c.RandomSeed
	}
	return rand.Uint64()
}

func (c *Config) denseDim(attr string) int {
	if d := c.DenseDimension[attr]; d > 0 {
		return d
	}
	return 512
}

func (c *Config) concatDim(attr string) int {
	if d := c.ConcatDimension[attr]; d > 0 {
		return d
	}
	return 512
}
