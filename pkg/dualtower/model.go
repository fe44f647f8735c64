package dualtower

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/haivivi/respsel/pkg/modeldata"
	"github.com/haivivi/respsel/pkg/nn"
	"github.com/haivivi/respsel/pkg/tensor"
)

// Loss is a training objective a policy can enable.
type Loss int

const (
	// LabelLoss contrasts text embeddings with label embeddings.
	LabelLoss Loss = iota
	// MaskLoss predicts masked text tokens from their context.
	MaskLoss
)

// Policy describes a dual-tower variant: the model data it requires, the
// losses it trains and the prefix of its label metrics.
type Policy struct {
	Name string

	// LabelMetric prefixes the label similarity metrics: "r" yields
	// r_loss and r_acc.
	LabelMetric string

	// RequiredFeatures lists the model data keys the signature must have.
	RequiredFeatures []string

	// Losses returns the objectives active under cfg.
	Losses func(cfg *Config) []Loss
}

// ResponsePolicy trains utterances against response labels, plus the
// masked-token loss when use_masked_language_model is set.
var ResponsePolicy = Policy{
	Name:             "DIET2DIET",
	LabelMetric:      "r",
	RequiredFeatures: []string{modeldata.TextSentenceFeatures, modeldata.LabelSentenceFeatures},
	Losses: func(cfg *Config) []Loss {
		if cfg.MaskedLM {
			return []Loss{MaskLoss, LabelLoss}
		}
		return []Loss{LabelLoss}
	},
}

func (p Policy) losses(cfg *Config) []Loss {
	if p.Losses == nil {
		return []Loss{LabelLoss}
	}
	return p.Losses(cfg)
}

var policies = map[string]Policy{ResponsePolicy.Name: ResponsePolicy}

// LookupPolicy returns the registered policy with the given name.
func LookupPolicy(name string) (Policy, bool) {
	p, ok := policies[name]
	return p, ok
}

// Metrics maps metric names (t_loss, r_acc, val_r_acc, ...) to values.
type Metrics map[string]float64

// Observer receives the metrics of every finished epoch, counted from 1.
type Observer func(epoch int, metrics Metrics)

// Option configures a Model.
type Option func(*Model)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// WithObserver sets the per-epoch metrics callback.
func WithObserver(o Observer) Option {
	return func(m *Model) { m.observer = o }
}

// predictBatchSize bounds the number of messages encoded at once.
const predictBatchSize = 64

// Model is a dual-tower similarity model: a text tower and a label tower
// (possibly the same tower), an embedding layer per side, and an optional
// masked-token head on the text tower.
//
// Fit and Predict must not run concurrently; concurrent Predict calls are
// safe.
type Model struct {
	cfg       Config
	policy    Policy
	seed      uint64
	signature modeldata.Signature
	labelData *modeldata.Data
	labelIDs  []uint64
	losses    []Loss

	params      *nn.Params
	text        *tower
	label       *tower
	textEmbed   *embedLayer
	labelEmbed  *embedLayer
	maskEmbed   *embedLayer
	goldenEmbed *embedLayer

	opt      *tensor.Adam
	rng      *rand.Rand
	logger   *slog.Logger
	observer Observer

	mu          sync.Mutex
	labelsEmbed *tensor.Tensor
}

// New builds a model for data with signature sig. labelData holds one
// example per label with label feature arrays and label ids.
func New(cfg Config, policy Policy, sig modeldata.Signature, labelData *modeldata.Data, opts ...Option) (*Model, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return build(cfg, policy, sig, labelData, cfg.Seed(), opts)
}

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0xdeadbeef))
}

func build(cfg Config, policy Policy, sig modeldata.Signature, labelData *modeldata.Data, seed uint64, opts []Option) (*Model, error) {
	if err := checkData(&cfg, policy, sig, labelData); err != nil {
		return nil, err
	}
	m := &Model{
		cfg:       cfg,
		policy:    policy,
		seed:      seed,
		signature: sig,
		labelData: labelData,
		params:    nn.NewParams(),
		opt:       tensor.NewAdam(cfg.LearningRate),
		rng:       newRNG(seed + 1),
		losses:    policy.losses(&cfg),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	for _, id := range labelData.LabelIDs() {
		m.labelIDs = append(m.labelIDs, uint64(id))
	}

	rng := newRNG(seed)
	var err error
	masked := m.hasLoss(MaskLoss)
	if m.text, err = newTower(m.params, TextAttribute, &m.cfg, sig, textKeys, masked, rng); err != nil {
		return nil, err
	}
	if cfg.ShareHiddenLayers {
		m.label = m.text
	} else if m.label, err = newTower(m.params, LabelAttribute, &m.cfg, sig, labelKeys, false, rng); err != nil {
		return nil, err
	}
	m.textEmbed = newEmbedLayer(m.params, "embed.text", m.text.outDim(), &m.cfg, rng)
	m.labelEmbed = newEmbedLayer(m.params, "embed.label", m.label.outDim(), &m.cfg, rng)
	if masked {
		m.maskEmbed = newEmbedLayer(m.params, "embed.text_lm_mask", m.text.outDim(), &m.cfg, rng)
		m.goldenEmbed = newEmbedLayer(m.params, "embed.text_golden_token", m.text.ffn.OutDim(), &m.cfg, rng)
	}
	return m, nil
}

func (m *Model) hasLoss(l Loss) bool { return slices.Contains(m.losses, l) }

// checkData validates the signature against the policy and options.
func checkData(cfg *Config, policy Policy, sig modeldata.Signature, labelData *modeldata.Data) error {
	for _, key := range policy.RequiredFeatures {
		if !sig.Has(key) {
			return invalid("no %s specified, cannot train %s model", key, policy.Name)
		}
	}
	if cfg.ShareHiddenLayers && (!sig.SameFeatures(modeldata.TextSequenceFeatures, modeldata.LabelSequenceFeatures) ||
		!sig.SameFeatures(modeldata.TextSentenceFeatures, modeldata.LabelSentenceFeatures)) {
		return invalid("shared hidden layers need identical text and label feature signatures")
	}
	if labelData.IsEmpty() || labelData.LabelIDs() == nil {
		return invalid("no label data")
	}
	ls := labelData.Signature()
	for _, key := range []string{modeldata.LabelSequenceFeatures, modeldata.LabelSentenceFeatures} {
		if !slices.Equal(ls[key], sig[key]) {
			return invalid("label data %s signature %v does not match %v", key, ls[key], sig[key])
		}
	}
	return nil
}

// Config returns the normalized configuration.
func (m *Model) Config() Config { return m.cfg }

// Policy returns the model policy.
func (m *Model) Policy() Policy { return m.policy }

// Seed returns the seed the model was initialized with.
func (m *Model) Seed() uint64 { return m.seed }

// Signature returns the training data signature.
func (m *Model) Signature() modeldata.Signature { return m.signature }

// LabelIDs returns the label id of every prediction column.
func (m *Model) LabelIDs() []int {
	out := make([]int, len(m.labelIDs))
	for i, id := range m.labelIDs {
		out[i] = int(id)
	}
	return out
}

// NumParams returns the number of trainable scalars.
func (m *Model) NumParams() int {
	n := 0
	for _, p := range m.params.All() {
		n += len(p.Data)
	}
	return n
}

func (m *Model) invalidate() {
	m.mu.Lock()
	m.labelsEmbed = nil
	m.mu.Unlock()
}

// embedAllLabels encodes the full label table.
func (m *Model) embedAllLabels(g *tensor.Graph, train bool) (*tensor.Tensor, error) {
	enc, err := m.label.encode(g, m.labelData, labelKeys, encodeOptions{train: train}, m.rng)
	if err != nil {
		return nil, err
	}
	return m.labelEmbed.forward(g, enc.lastToken(g)), nil
}

func (m *Model) metricName(suffix string) string {
	return m.policy.LabelMetric + "_" + suffix
}

// batchLoss computes the total loss and metrics of one batch.
func (m *Model) batchLoss(g *tensor.Graph, batch *modeldata.Data, train bool) (*tensor.Tensor, Metrics, error) {
	maskTokens := train && m.hasLoss(MaskLoss)
	textEnc, err := m.text.encode(g, batch, textKeys, encodeOptions{
		train:        train,
		sparseDrop:   m.cfg.SparseInputDropout,
		denseDrop:    m.cfg.DenseInputDropout,
		maskTokens:   maskTokens,
		collectToken: maskTokens,
	}, m.rng)
	if err != nil {
		return nil, nil, err
	}
	labelEnc, err := m.label.encode(g, batch, labelKeys, encodeOptions{train: train}, m.rng)
	if err != nil {
		return nil, nil, err
	}

	metrics := make(Metrics)
	var total *tensor.Tensor
	if maskTokens {
		res := m.maskLoss(g, textEnc)
		metrics["m_loss"] = res.loss.Item()
		metrics["m_acc"] = res.acc
		total = res.loss
	}

	if m.hasLoss(LabelLoss) {
		all, err := m.embedAllLabels(g, train)
		if err != nil {
			return nil, nil, err
		}
		ids := make([]uint64, 0, batch.NumExamples())
		for _, id := range batch.LabelIDs() {
			ids = append(ids, uint64(id))
		}
		res := dotProductLoss(g, &m.cfg,
			m.textEmbed.forward(g, textEnc.lastToken(g)),
			m.labelEmbed.forward(g, labelEnc.lastToken(g)),
			ids, all, m.labelIDs, m.rng)
		metrics[m.metricName("loss")] = res.loss.Item()
		metrics[m.metricName("acc")] = res.acc
		if total == nil {
			total = res.loss
		} else {
			total = g.Add(total, res.loss)
		}
	}
	if total == nil {
		return nil, nil, invalid("%s model has no active loss", m.policy.Name)
	}

	if m.cfg.RegularizationConstant > 0 {
		for _, p := range m.params.Regularized() {
			total = g.Add(total, g.Scale(g.SumSquares(p), m.cfg.RegularizationConstant))
		}
	}
	metrics["t_loss"] = total.Item()
	return total, metrics, nil
}

// maskLoss predicts the raw input of every masked position from its
// contextual vector, contrasting against the other masked positions.
func (m *Model) maskLoss(g *tensor.Graph, enc *encoding) lossResult {
	var rows []int
	var ids []uint64
	for i, ok := range enc.masked {
		if ok {
			rows = append(rows, i)
			ids = append(ids, enc.tokenIDs[i])
		}
	}
	outputs := m.maskEmbed.forward(g, g.GatherRows(enc.out, rows))
	golden := m.goldenEmbed.forward(g, g.GatherRows(enc.in, rows))
	return dotProductLoss(g, &m.cfg, outputs, golden, ids, golden, ids, m.rng)
}

// metricsToLog lists the metrics written to the epoch log line.
func (m *Model) metricsToLog(debug bool) []string {
	names := []string{"t_loss"}
	if m.hasLoss(MaskLoss) {
		names = append(names, "m_acc")
		if debug {
			names = append(names, "m_loss")
		}
	}
	if m.hasLoss(LabelLoss) {
		names = append(names, m.metricName("acc"))
		if debug {
			names = append(names, m.metricName("loss"))
		}
	}
	return names
}

func (m *Model) logEpoch(ctx context.Context, epoch int, metrics Metrics) {
	names := m.metricsToLog(m.logger.Enabled(ctx, slog.LevelDebug))
	attrs := []any{"model", m.policy.Name, "epoch", epoch, "epochs", m.cfg.Epochs}
	for _, name := range names {
		for _, key := range []string{name, "val_" + name} {
			if v, ok := metrics[key]; ok {
				attrs = append(attrs, key, v)
			}
		}
	}
	m.logger.InfoContext(ctx, "dualtower: epoch", attrs...)
}

// Fit trains the model on data for the configured number of epochs and
// returns the metrics of the last epoch. Examples are held out for
// validation when evaluate_on_number_of_examples is set.
func (m *Model) Fit(ctx context.Context, data *modeldata.Data) (Metrics, error) {
	if data.IsEmpty() {
		return nil, fmt.Errorf("dualtower: no training examples")
	}
	sig := data.Signature()
	for _, key := range []string{modeldata.TextSequenceFeatures, modeldata.TextSentenceFeatures, modeldata.LabelSequenceFeatures, modeldata.LabelSentenceFeatures} {
		if !slices.Equal(sig[key], m.signature[key]) {
			return nil, fmt.Errorf("%w: %s is %v, want %v", ErrSignatureMismatch, key, sig[key], m.signature[key])
		}
	}
	m.invalidate()
	defer m.invalidate()

	strategy := modeldata.Strategy(m.cfg.BatchStrategy)
	train, eval := data.Split(m.cfg.EvalNumExamples, m.rng)
	m.logger.DebugContext(ctx, "dualtower: fit",
		"model", m.policy.Name,
		"examples", train.NumExamples(),
		"labels", len(m.labelIDs),
		"params", m.NumParams(),
		"metrics", m.metricsToLog(true))

	var last Metrics
	for epoch := 1; epoch <= m.cfg.Epochs; epoch++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		size := modeldata.BatchSize(m.cfg.BatchSize[0], m.cfg.BatchSize[1], epoch-1, m.cfg.Epochs)
		sums := make(Metrics)
		batches := train.Batches(size, strategy, true, m.rng)
		for _, idx := range batches {
			g := tensor.NewGraph(true)
			loss, metrics, err := m.batchLoss(g, train.Subset(idx), true)
			if err != nil {
				return last, err
			}
			if err := g.Backward(loss); err != nil {
				return last, fmt.Errorf("dualtower: backward: %w", err)
			}
			m.opt.Step(m.params.All())
			for k, v := range metrics {
				sums[k] += v
			}
		}
		epochMetrics := make(Metrics, len(sums))
		for k, v := range sums {
			epochMetrics[k] = v / float64(len(batches))
		}
		if eval != nil && (epoch%m.cfg.EvalNumEpochs == 0 || epoch == m.cfg.Epochs) {
			_, metrics, err := m.batchLoss(tensor.NewGraph(false), eval, false)
			if err != nil {
				return last, err
			}
			for k, v := range metrics {
				epochMetrics["val_"+k] = v
			}
		}
		m.logEpoch(ctx, epoch, epochMetrics)
		if m.observer != nil {
			m.observer(epoch, epochMetrics)
		}
		last = epochMetrics
	}
	return last, nil
}

// Predict returns, for every example of data, the confidence of every
// label in [Model.LabelIDs] order. Only the text arrays of data are used.
// The label embeddings are computed once and reused until the next Fit.
func (m *Model) Predict(data *modeldata.Data) ([][]float64, error) {
	if data.IsEmpty() {
		return nil, nil
	}
	sig := data.Signature()
	for _, key := range []string{modeldata.TextSequenceFeatures, modeldata.TextSentenceFeatures} {
		if !slices.Equal(sig[key], m.signature[key]) {
			return nil, fmt.Errorf("%w: %s is %v, want %v", ErrSignatureMismatch, key, sig[key], m.signature[key])
		}
	}

	labels, err := m.cachedLabels()
	if err != nil {
		return nil, err
	}
	n := data.NumExamples()
	out := make([][]float64, 0, n)
	for lo := 0; lo < n; lo += predictBatchSize {
		idx := make([]int, 0, predictBatchSize)
		for i := lo; i < min(lo+predictBatchSize, n); i++ {
			idx = append(idx, i)
		}
		g := tensor.NewGraph(false)
		enc, err := m.text.encode(g, data.Subset(idx), textKeys, encodeOptions{}, nil)
		if err != nil {
			return nil, err
		}
		sims := g.MatMulT(m.textEmbed.forward(g, enc.lastToken(g)), labels)
		for i := 0; i < sims.Rows; i++ {
			out = append(out, Confidence(sims.Row(i), m.cfg.SimilarityType))
		}
	}
	return out, nil
}

func (m *Model) cachedLabels() (*tensor.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.labelsEmbed == nil {
		labels, err := m.embedAllLabels(tensor.NewGraph(false), false)
		if err != nil {
			return nil, err
		}
		m.labelsEmbed = labels
	}
	return m.labelsEmbed, nil
}

// Confidence converts similarities to confidences: a softmax for inner
// product similarity, a clip to [0, 1] for cosine similarity.
func Confidence(sims []float64, similarity string) []float64 {
	if similarity == SimilarityInner {
		return tensor.Softmax(sims, nil)
	}
	out := make([]float64, len(sims))
	for i, s := range sims {
		out[i] = min(1, max(0, s))
	}
	return out
}
