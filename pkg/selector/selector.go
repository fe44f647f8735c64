package selector

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"slices"

	"github.com/haivivi/respsel/pkg/dualtower"
	"github.com/haivivi/respsel/pkg/modeldata"
	"github.com/haivivi/respsel/pkg/nlu"
)

// PropertyName is the message property holding selector predictions,
// keyed by selector key.
const PropertyName = "response_selector"

// RankedLabel is one candidate of a prediction ranking.
type RankedLabel struct {
	ID         string  `yaml:"id" json:"id" msgpack:"id"`
	Name       string  `yaml:"name" json:"name" msgpack:"name"`
	Confidence float64 `yaml:"confidence" json:"confidence" msgpack:"confidence"`

	// FullRetrievalIntent is the intent_response_key of the candidate.
	FullRetrievalIntent string `yaml:"full_retrieval_intent" json:"full_retrieval_intent" msgpack:"full_retrieval_intent"`
}

// Prediction is the result a selector attaches to a message.
type Prediction struct {
	// Response is the full response of the top label, or nil when it
	// could not be resolved.
	Response nlu.Response `yaml:"response" json:"response" msgpack:"response"`

	Ranking []RankedLabel `yaml:"ranking" json:"ranking" msgpack:"ranking"`

	// FullRetrievalIntent is the response registry key of Response.
	FullRetrievalIntent string `yaml:"full_retrieval_intent" json:"full_retrieval_intent" msgpack:"full_retrieval_intent"`

	Label RankedLabel `yaml:"label" json:"label" msgpack:"label"`
}

// TrainResult reports the outcome of [Selector.Train].
type TrainResult struct {
	// NoTrainingData is set when the filtered training data has no
	// labels. The selector stays untrained and Process is a no-op.
	NoTrainingData bool

	Examples int
	Labels   int
	Metrics  dualtower.Metrics
}

// Option configures a Selector.
type Option func(*Selector)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) { s.logger = l }
}

// WithObserver sets the per-epoch training metrics callback.
func WithObserver(o dualtower.Observer) Option {
	return func(s *Selector) { s.observer = o }
}

// Selector picks the best response for an utterance among the responses
// of the retrieval intents it was trained on.
//
// A Selector is either training or serving: Train must not run
// concurrently with Process. Concurrent Process calls are safe.
type Selector struct {
	cfg      Config
	logger   *slog.Logger
	observer dualtower.Observer

	model     *dualtower.Model
	labels    *LabelTable
	mapping   map[string]string
	responses map[string][]nlu.Response
}

// New creates an untrained selector. Configuration errors wrap
// [dualtower.ErrInvalidConfig].
func New(cfg Config, opts ...Option) (*Selector, error) {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Selector{cfg: cfg}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// Config returns the normalized configuration.
func (s *Selector) Config() Config { return s.cfg }

// Trained reports whether the selector holds a model.
func (s *Selector) Trained() bool { return s.model != nil }

// Labels returns the label table, nil before training.
func (s *Selector) Labels() *LabelTable { return s.labels }

// Model returns the underlying dual-tower model, nil before training.
func (s *Selector) Model() *dualtower.Model { return s.model }

func (s *Selector) labelAttribute() string {
	if s.cfg.UseTextAsLabel {
		return nlu.ResponseAttribute
	}
	return nlu.IntentResponseKey
}

// Train fits the selector on the intent examples of td, restricted to the
// configured retrieval intent when set. Examples need text features and,
// when training on response texts, response features.
func (s *Selector) Train(ctx context.Context, td *nlu.TrainingData) (TrainResult, error) {
	if s.cfg.RetrievalIntent != "" {
		td = td.Filter(func(m *nlu.Message) bool {
			return m.GetString(nlu.Intent) == s.cfg.RetrievalIntent
		})
	} else {
		s.logger.InfoContext(ctx, "selector: retrieval intent not set, training on examples of all retrieval intents combined")
	}

	// A retrain replaces the whole state; on failure the selector is
	// left untrained.
	s.model, s.labels, s.mapping, s.responses = nil, nil, nil, nil

	attr := s.labelAttribute()
	examples := td.IntentExamples()
	table, err := NewLabelTable(examples, attr)
	if err != nil {
		return TrainResult{}, err
	}
	mapping := retrievalIntentMapping(examples)
	if table.Len() == 0 {
		s.mapping, s.responses = mapping, td.Responses
		s.logger.InfoContext(ctx, "selector: no labels to train", "attribute", attr)
		return TrainResult{NoTrainingData: true}, nil
	}

	var labeled []*nlu.Message
	var ids []int
	for _, ex := range examples {
		if id, ok := table.ID(ex.GetString(attr)); ok {
			labeled = append(labeled, ex)
			ids = append(ids, id)
		}
	}
	origins := s.cfg.Featurizers
	labels, err := labelData(table, labeled, attr, origins)
	if err != nil {
		return TrainResult{}, err
	}
	data, err := trainingData(labeled, ids, labels, origins)
	if err != nil {
		return TrainResult{}, err
	}

	model, err := dualtower.New(s.cfg.Config, dualtower.ResponsePolicy, data.Signature(), labels,
		dualtower.WithLogger(s.logger), dualtower.WithObserver(s.observer))
	if err != nil {
		return TrainResult{}, err
	}
	s.logger.DebugContext(ctx, "selector: train",
		"key", s.cfg.Key(),
		"attribute", attr,
		"examples", len(labeled),
		"labels", table.Len())
	metrics, err := model.Fit(ctx, data)
	if err != nil {
		return TrainResult{}, err
	}
	s.model, s.labels = model, table
	s.mapping, s.responses = mapping, td.Responses
	return TrainResult{Examples: len(labeled), Labels: table.Len(), Metrics: metrics}, nil
}

// Process predicts the response of m and stores it in the
// response_selector property under the selector key. It does nothing when
// the selector is untrained.
func (s *Selector) Process(m *nlu.Message) error {
	if s.model == nil {
		return nil
	}
	p, err := s.predict(m)
	if err != nil {
		return err
	}
	key := s.cfg.Key()
	s.logger.Debug("selector: adding prediction", "key", key)
	props, _ := m.Get(PropertyName).(map[string]Prediction)
	if props == nil {
		props = make(map[string]Prediction)
	}
	props[key] = p
	m.Set(PropertyName, props, true)
	return nil
}

// Predict returns the prediction for m without modifying it.
func (s *Selector) Predict(m *nlu.Message) (Prediction, error) {
	if s.model == nil {
		return Prediction{}, nil
	}
	return s.predict(m)
}

func (s *Selector) predict(m *nlu.Message) (Prediction, error) {
	widths, err := signatureWidths(s.model.Signature())
	if err != nil {
		return Prediction{}, err
	}
	if !m.HasFeatures(nlu.Text, s.cfg.Featurizers) {
		s.logger.Debug("selector: message has no text features")
		return Prediction{}, nil
	}
	data := modeldata.New()
	if err := addAttribute(data, []*nlu.Message{m}, nlu.Text, s.cfg.Featurizers, false, widths); err != nil {
		return Prediction{}, err
	}
	conf, err := s.model.Predict(data)
	if err != nil {
		return Prediction{}, err
	}
	if len(conf) == 0 {
		return Prediction{}, nil
	}

	ranking := s.rank(conf[0], s.model.LabelIDs())
	var p Prediction
	p.Ranking = ranking
	if len(ranking) > 0 {
		p.Label = ranking[0]
		p.FullRetrievalIntent, p.Response = s.resolve(p.Label)
		if p.Response == nil {
			s.logger.Debug("selector: no response resolved", "label", p.Label.Name)
		}
	}
	return p, nil
}

// rank orders the labels by descending confidence. With softmax loss and
// a ranking length, only the top confidences are kept and renormalized.
func (s *Selector) rank(conf []float64, ids []int) []RankedLabel {
	k := s.cfg.RankingLength
	if s.cfg.LossType == dualtower.LossSoftmax && k > 0 {
		conf = normalizeTop(conf, k)
	}
	out := make([]RankedLabel, 0, len(conf))
	for i, c := range conf {
		l, ok := s.labels.Label(ids[i])
		if !ok {
			continue
		}
		out = append(out, RankedLabel{
			ID:                  l.Hash,
			Name:                l.Name,
			Confidence:          c,
			FullRetrievalIntent: s.fullRetrievalIntent(l.Name),
		})
	}
	slices.SortStableFunc(out, func(a, b RankedLabel) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	if k > 0 && len(out) > k {
		out = out[:k]
	}
	return out
}

func (s *Selector) fullRetrievalIntent(name string) string {
	if s.cfg.UseTextAsLabel {
		return s.mapping[name]
	}
	return name
}

// resolve finds the full response of a label by matching its hash
// against the response texts (training on texts) or the registry keys.
// Registry keys are scanned in sorted order and the first match wins.
func (s *Selector) resolve(l RankedLabel) (string, nlu.Response) {
	for _, key := range slices.Sorted(maps.Keys(s.responses)) {
		responses := s.responses[key]
		if s.cfg.UseTextAsLabel {
			for _, r := range responses {
				if LabelHash(r.Text()) == l.ID {
					return key, r
				}
			}
			continue
		}
		if LabelHash(key) == l.ID && len(responses) > 0 {
			return key, responses[0]
		}
	}
	return "", nil
}

// normalizeTop zeroes all but the k largest values and rescales those to
// sum to one.
func normalizeTop(v []float64, k int) []float64 {
	out := slices.Clone(v)
	if k >= len(v) {
		return out
	}
	idx := make([]int, len(v))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return cmp.Compare(v[b], v[a]) })
	for _, i := range idx[k:] {
		out[i] = 0
	}
	sum := 0.0
	for _, x := range out {
		sum += x
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}
