package dualtower

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"math"
	"slices"
	"strings"
	"testing"

	"github.com/haivivi/respsel/pkg/modeldata"
	"github.com/haivivi/respsel/pkg/tensor"
)

var toyVocab = []string{"i", "want", "pizza", "order", "some", "book", "a", "taxi", "ride", "cab"}

var toyExamples = []struct {
	text  string
	label int
}{
	{"i want pizza", 0},
	{"order some pizza", 0},
	{"pizza", 0},
	{"book a taxi", 1},
	{"i want a cab", 1},
	{"taxi ride", 1},
}

func oneHot(n, i int) []float64 {
	v := make([]float64, n)
	v[i] = 1
	return v
}

func textFeatures(text string) (seq [][]float64, sent [][]float64) {
	sum := make([]float64, len(toyVocab))
	for _, w := range strings.Fields(text) {
		for i, v := range toyVocab {
			if v == w {
				seq = append(seq, oneHot(len(toyVocab), i))
				sum[i]++
			}
		}
	}
	return seq, [][]float64{sum}
}

func mustAdd(t *testing.T, d *modeldata.Data, key string, sparse bool, values [][][]float64) {
	t.Helper()
	a, err := modeldata.NewFeatureArray(sparse, values)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Add(key, a); err != nil {
		t.Fatal(err)
	}
}

// textData builds prediction data for texts.
func textData(t *testing.T, texts ...string) *modeldata.Data {
	t.Helper()
	var seqs, sents [][][]float64
	for _, text := range texts {
		seq, sent := textFeatures(text)
		seqs, sents = append(seqs, seq), append(sents, sent)
	}
	d := modeldata.New()
	mustAdd(t, d, modeldata.TextSequenceFeatures, true, seqs)
	mustAdd(t, d, modeldata.TextSentenceFeatures, true, sents)
	return d
}

// toyData returns training data and the two-label table.
func toyData(t *testing.T) (*modeldata.Data, *modeldata.Data) {
	t.Helper()
	var texts []string
	var labels [][][]float64
	var ids []int
	for _, ex := range toyExamples {
		texts = append(texts, ex.text)
		labels = append(labels, [][]float64{oneHot(2, ex.label)})
		ids = append(ids, ex.label)
	}
	data := textData(t, texts...)
	mustAdd(t, data, modeldata.LabelSentenceFeatures, true, labels)
	if err := data.Add(modeldata.LabelIDs, modeldata.NewLabelIDs(ids)); err != nil {
		t.Fatal(err)
	}

	labelData := modeldata.New()
	mustAdd(t, labelData, modeldata.LabelSentenceFeatures, true, [][][]float64{{oneHot(2, 0)}, {oneHot(2, 1)}})
	if err := labelData.Add(modeldata.LabelIDs, modeldata.NewLabelIDs([]int{0, 1})); err != nil {
		t.Fatal(err)
	}
	return data, labelData
}

func toyConfig() Config {
	seed := uint64(42)
	cfg := DefaultConfig()
	cfg.HiddenLayersSizes = map[string][]int{TextAttribute: {16}, LabelAttribute: {16}}
	cfg.DenseDimension = map[string]int{TextAttribute: 8, LabelAttribute: 8}
	cfg.ConcatDimension = map[string]int{TextAttribute: 8, LabelAttribute: 8}
	cfg.EmbeddingDimension = 8
	cfg.BatchSize = []int{4, 4}
	cfg.Epochs = 100
	cfg.LearningRate = 0.01
	cfg.DropRate = 0
	cfg.NumNegExamples = 2
	cfg.RandomSeed = &seed
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func fitToy(t *testing.T, cfg Config, opts ...Option) *Model {
	t.Helper()
	data, labelData := toyData(t)
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	m, err := New(cfg, ResponsePolicy, data.Signature(), labelData, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Fit(context.Background(), data); err != nil {
		t.Fatalf("Fit: %v", err)
	}
	return m
}

func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func TestFitSeparatesLabels(t *testing.T) {
	m := fitToy(t, toyConfig())
	var texts []string
	for _, ex := range toyExamples {
		texts = append(texts, ex.text)
	}
	scores, err := m.Predict(textData(t, texts...))
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for i, ex := range toyExamples {
		if got := argmax(scores[i]); got != ex.label {
			t.Errorf("Predict(%q) = label %d (%v), want %d", ex.text, got, scores[i], ex.label)
		}
		var sum float64
		for _, s := range scores[i] {
			sum += s
		}
		if math.Abs(sum-1) > 1e-9 {
			t.Errorf("confidences of %q sum to %v, want 1", ex.text, sum)
		}
	}
	if got := m.LabelIDs(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("LabelIDs = %v", got)
	}
}

func TestMaskedMetricStream(t *testing.T) {
	for _, masked := range []bool{false, true} {
		cfg := toyConfig()
		cfg.Epochs = 3
		cfg.MaskedLM = masked
		cfg.NumTransformerLayers = 1
		cfg.TransformerSize = 8
		cfg.NumAttentionHeads = 2
		var seen []Metrics
		fitToy(t, cfg, WithObserver(func(epoch int, metrics Metrics) {
			if epoch != len(seen)+1 {
				t.Fatalf("epoch = %d, want %d", epoch, len(seen)+1)
			}
			seen = append(seen, metrics)
		}))
		if len(seen) != 3 {
			t.Fatalf("observed %d epochs, want 3", len(seen))
		}
		for _, metrics := range seen {
			for _, key := range []string{"t_loss", "r_loss", "r_acc"} {
				if _, ok := metrics[key]; !ok {
					t.Fatalf("metrics %v missing %s", metrics, key)
				}
			}
			_, hasLoss := metrics["m_loss"]
			_, hasAcc := metrics["m_acc"]
			if hasLoss != masked || hasAcc != masked {
				t.Fatalf("masked=%v: metrics = %v", masked, metrics)
			}
		}
	}
}

func TestValidationMetrics(t *testing.T) {
	cfg := toyConfig()
	cfg.Epochs = 4
	cfg.EvalNumEpochs = 2
	cfg.EvalNumExamples = 2
	var withVal []int
	fitToy(t, cfg, WithObserver(func(epoch int, metrics Metrics) {
		if _, ok := metrics["val_r_acc"]; ok {
			withVal = append(withVal, epoch)
		}
	}))
	if len(withVal) != 2 || withVal[0] != 2 || withVal[1] != 4 {
		t.Fatalf("validation epochs = %v, want [2 4]", withVal)
	}
}

func TestSharedTowerSignatureMismatch(t *testing.T) {
	data, labelData := toyData(t)
	cfg := toyConfig()
	cfg.ShareHiddenLayers = true
	_, err := New(cfg, ResponsePolicy, data.Signature(), labelData)
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New = %v, want ErrInvalidConfig", err)
	}
}

// addLabelTexts attaches label features built from texts with the text
// vocabulary.
func addLabelTexts(t *testing.T, d *modeldata.Data, texts []string, ids []int) {
	t.Helper()
	var seqs, sents [][][]float64
	for _, text := range texts {
		seq, sent := textFeatures(text)
		seqs, sents = append(seqs, seq), append(sents, sent)
	}
	mustAdd(t, d, modeldata.LabelSequenceFeatures, true, seqs)
	mustAdd(t, d, modeldata.LabelSentenceFeatures, true, sents)
	if err := d.Add(modeldata.LabelIDs, modeldata.NewLabelIDs(ids)); err != nil {
		t.Fatal(err)
	}
}

func TestSharedTower(t *testing.T) {
	responses := []string{"order pizza", "book a cab"}
	labelData := modeldata.New()
	addLabelTexts(t, labelData, responses, []int{0, 1})
	data := textData(t, "i want pizza", "taxi ride")
	addLabelTexts(t, data, responses, []int{0, 1})

	cfg := toyConfig()
	cfg.ShareHiddenLayers = true
	cfg.Epochs = 2
	m, err := New(cfg, ResponsePolicy, data.Signature(), labelData, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.label != m.text {
		t.Fatal("label tower should be the text tower")
	}
	if _, err := m.Fit(context.Background(), data); err != nil {
		t.Fatalf("Fit: %v", err)
	}
}

func TestMissingFeatures(t *testing.T) {
	data, labelData := toyData(t)
	sig := data.Signature()
	delete(sig, modeldata.LabelSentenceFeatures)
	if _, err := New(toyConfig(), ResponsePolicy, sig, labelData); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New without label features = %v, want ErrInvalidConfig", err)
	}
	sig = data.Signature()
	delete(sig, modeldata.TextSentenceFeatures)
	if _, err := New(toyConfig(), ResponsePolicy, sig, labelData); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New without text features = %v, want ErrInvalidConfig", err)
	}
	if _, err := New(toyConfig(), ResponsePolicy, data.Signature(), modeldata.New()); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New without labels = %v, want ErrInvalidConfig", err)
	}
}

func TestSaveLoad(t *testing.T) {
	cfg := toyConfig()
	cfg.Epochs = 10
	cfg.WeightSparsity = 0.3
	m := fitToy(t, cfg)

	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	back, err := Load(&buf, WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	input := textData(t, "i want pizza", "taxi", "cab ride please")
	want, err := m.Predict(input)
	if err != nil {
		t.Fatal(err)
	}
	got, err := back.Predict(input)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want {
		for j := range want[i] {
			if got[i][j] != want[i][j] {
				t.Fatalf("score[%d][%d] = %v, want %v", i, j, got[i][j], want[i][j])
			}
		}
	}
	if back.Seed() != m.Seed() || back.Policy().Name != m.Policy().Name {
		t.Fatal("seed or policy not restored")
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	if _, err := Load(strings.NewReader("not msgpack")); err == nil {
		t.Fatal("Load of garbage should fail")
	}
}

func TestDeterministicTraining(t *testing.T) {
	cfg := toyConfig()
	cfg.Epochs = 5
	cfg.DropRate = 0.2
	a, b := fitToy(t, cfg), fitToy(t, cfg)
	input := textData(t, "order pizza")
	sa, err := a.Predict(input)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := b.Predict(input)
	if err != nil {
		t.Fatal(err)
	}
	for j := range sa[0] {
		if sa[0][j] != sb[0][j] {
			t.Fatalf("seeded runs differ: %v vs %v", sa[0], sb[0])
		}
	}
}

func TestLabelCache(t *testing.T) {
	cfg := toyConfig()
	cfg.Epochs = 2
	m := fitToy(t, cfg)
	if m.labelsEmbed != nil {
		t.Fatal("cache should be empty after Fit")
	}
	if _, err := m.Predict(textData(t, "pizza")); err != nil {
		t.Fatal(err)
	}
	cached := m.labelsEmbed
	if cached == nil {
		t.Fatal("Predict should fill the cache")
	}
	if _, err := m.Predict(textData(t, "taxi")); err != nil {
		t.Fatal(err)
	}
	if m.labelsEmbed != cached {
		t.Fatal("second Predict should reuse the cache")
	}
	data, _ := toyData(t)
	if _, err := m.Fit(context.Background(), data); err != nil {
		t.Fatal(err)
	}
	if m.labelsEmbed != nil {
		t.Fatal("Fit should invalidate the cache")
	}
}

func TestPredictSignatureMismatch(t *testing.T) {
	cfg := toyConfig()
	cfg.Epochs = 1
	m := fitToy(t, cfg)
	d := modeldata.New()
	mustAdd(t, d, modeldata.TextSentenceFeatures, false, [][][]float64{{{1, 2}}})
	if _, err := m.Predict(d); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("Predict = %v, want ErrSignatureMismatch", err)
	}
	scores, err := m.Predict(modeldata.New())
	if err != nil || scores != nil {
		t.Fatalf("Predict(empty) = %v, %v", scores, err)
	}
}

func TestTransformerWithMasking(t *testing.T) {
	cfg := toyConfig()
	cfg.Epochs = 3
	cfg.NumTransformerLayers = 1
	cfg.TransformerSize = 8
	cfg.NumAttentionHeads = 2
	cfg.KeyRelativeAttention = true
	cfg.ValueRelativeAttention = true
	cfg.MaxRelativePosition = 2
	cfg.MaskedLM = true
	cfg.DropRate = 0.1
	cfg.SparseInputDropout = true
	var last Metrics
	m := fitToy(t, cfg, WithObserver(func(_ int, metrics Metrics) { last = metrics }))
	for k, v := range last {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Fatalf("%s = %v", k, v)
		}
	}
	if m.text.transformer == nil || m.text.mask == nil {
		t.Fatal("transformer and input mask should be built")
	}
	if _, err := m.Predict(textData(t, "i want a taxi")); err != nil {
		t.Fatal(err)
	}
}

func TestMarginLoss(t *testing.T) {
	cfg := toyConfig()
	cfg.LossType = LossMargin
	cfg.SimilarityType = SimilarityAuto
	cfg.Epochs = 30
	for _, useMax := range []bool{true, false} {
		cfg.UseMaxNegSim = useMax
		m := fitToy(t, cfg)
		if m.Config().SimilarityType != SimilarityCosine {
			t.Fatalf("auto similarity = %s, want cosine", m.Config().SimilarityType)
		}
		scores, err := m.Predict(textData(t, "pizza", "taxi"))
		if err != nil {
			t.Fatal(err)
		}
		for _, row := range scores {
			for _, s := range row {
				if s < 0 || s > 1 {
					t.Fatalf("cosine confidence %v outside [0, 1]", s)
				}
			}
		}
	}
}

func TestLogMetrics(t *testing.T) {
	for _, level := range []slog.Level{slog.LevelInfo, slog.LevelDebug} {
		var buf bytes.Buffer
		logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level}))
		cfg := toyConfig()
		cfg.Epochs = 1
		data, labelData := toyData(t)
		m, err := New(cfg, ResponsePolicy, data.Signature(), labelData, WithLogger(logger))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := m.Fit(context.Background(), data); err != nil {
			t.Fatal(err)
		}
		out := buf.String()
		if !strings.Contains(out, "r_acc=") {
			t.Fatalf("log %q missing r_acc", out)
		}
		if got := strings.Contains(out, "r_loss="); got != (level == slog.LevelDebug) {
			t.Fatalf("level %v: r_loss logged = %v", level, got)
		}
		if strings.Contains(out, "m_acc=") {
			t.Fatal("mask metrics logged without masked language model")
		}
	}
}

func TestFitCanceled(t *testing.T) {
	data, labelData := toyData(t)
	m, err := New(toyConfig(), ResponsePolicy, data.Signature(), labelData, WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Fit(ctx, data); !errors.Is(err, context.Canceled) {
		t.Fatalf("Fit = %v, want context.Canceled", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"unknown loss", func(c *Config) { c.LossType = "hinge" }, false},
		{"unknown similarity", func(c *Config) { c.SimilarityType = "euclid" }, false},
		{"unknown strategy", func(c *Config) { c.BatchStrategy = "random" }, false},
		{"zero epochs", func(c *Config) { c.Epochs = 0 }, false},
		{"inverted batch size", func(c *Config) { c.BatchSize = []int{8, 4} }, false},
		{"single batch size", func(c *Config) { c.BatchSize = []int{8} }, true},
		{"negative ranking", func(c *Config) { c.RankingLength = -1 }, false},
		{"heads do not divide", func(c *Config) { c.NumTransformerLayers = 1; c.TransformerSize = 10; c.NumAttentionHeads = 4 }, false},
		{"default transformer size", func(c *Config) { c.NumTransformerLayers = 2 }, true},
		{"relative without bound", func(c *Config) { c.NumTransformerLayers = 1; c.KeyRelativeAttention = true }, false},
		{"drop rate one", func(c *Config) { c.DropRate = 1 }, false},
		{"evaluate at end", func(c *Config) { c.EvalNumEpochs = -1 }, true},
		{"evaluate zero", func(c *Config) { c.EvalNumEpochs = 0 }, false},
		{"shared layers with different sizes", func(c *Config) {
			c.ShareHiddenLayers = true
			c.HiddenLayersSizes = map[string][]int{TextAttribute: {64}, LabelAttribute: {32}}
		}, false},
		{"shared layers with equal sizes", func(c *Config) { c.ShareHiddenLayers = true }, true},
		{"masked lm without transformer", func(c *Config) { c.MaskedLM = true }, false},
		{"masked lm with transformer", func(c *Config) { c.MaskedLM = true; c.NumTransformerLayers = 1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			cfg.Normalize()
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate = %v, want nil", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Normalize()
	if cfg.SimilarityType != SimilarityInner {
		t.Fatalf("softmax auto similarity = %s, want inner", cfg.SimilarityType)
	}
	cfg = DefaultConfig()
	cfg.LossType = LossMargin
	cfg.NumTransformerLayers = 1
	cfg.EvalNumEpochs = -1
	cfg.Normalize()
	if cfg.SimilarityType != SimilarityCosine {
		t.Fatalf("margin auto similarity = %s, want cosine", cfg.SimilarityType)
	}
	if cfg.TransformerSize != DefaultTransformerSize {
		t.Fatalf("TransformerSize = %d, want %d", cfg.TransformerSize, DefaultTransformerSize)
	}
	if cfg.EvalNumEpochs != cfg.Epochs {
		t.Fatalf("EvalNumEpochs = %d, want %d", cfg.EvalNumEpochs, cfg.Epochs)
	}
}

func TestConfidence(t *testing.T) {
	got := Confidence([]float64{-0.5, 0.3, 1.5}, SimilarityCosine)
	want := []float64{0, 0.3, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cosine confidence = %v, want %v", got, want)
		}
	}
	got = Confidence([]float64{0, 0}, SimilarityInner)
	if got[0] != 0.5 || got[1] != 0.5 {
		t.Fatalf("inner confidence = %v, want [0.5 0.5]", got)
	}
}

func TestNegativesMaskSameID(t *testing.T) {
	idx, valid := negatives(3, 4, 2, []uint64{7, 7, 8}, []uint64{7, 8}, newRNG(1))
	for i := range idx {
		for j, k := range idx[i] {
			want := []uint64{7, 8}[k] != []uint64{7, 7, 8}[i]
			if valid[i*4+j] != want {
				t.Fatalf("valid[%d][%d] = %v, want %v", i, j, valid[i*4+j], want)
			}
		}
	}
}

func TestScaledSoftmaxLoss(t *testing.T) {
	cfg := toyConfig()
	cfg.NumNegExamples = 1
	g := tensor.NewGraph(false)
	// A confident positive is weighted down to almost nothing.
	logits := tensor.FromRows([][]float64{{10, -10, -10, -10, -10}})
	valid := []bool{true}
	loss := softmaxLoss(g, &cfg, logits, valid, valid, 1)
	if loss.Item() > 1e-20 {
		t.Fatalf("scaled loss = %v, want ~0", loss.Item())
	}
	cfg.ScaleLoss = false
	loss = softmaxLoss(g, &cfg, logits, valid, valid, 1)
	if loss.Item() <= 0 {
		t.Fatalf("unscaled loss = %v, want > 0", loss.Item())
	}
}

func TestPolicyRequiredFeatures(t *testing.T) {
	data, labelData := toyData(t)
	p := ResponsePolicy
	p.RequiredFeatures = append(slices.Clone(p.RequiredFeatures), "text_extra_features")
	if _, err := New(toyConfig(), p, data.Signature(), labelData); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("New = %v, want ErrInvalidConfig", err)
	}
}

func TestPolicyLosses(t *testing.T) {
	cfg := toyConfig()
	if got := ResponsePolicy.Losses(&cfg); !slices.Equal(got, []Loss{LabelLoss}) {
		t.Fatalf("losses = %v, want [LabelLoss]", got)
	}
	cfg.MaskedLM = true
	if got := ResponsePolicy.Losses(&cfg); !slices.Contains(got, MaskLoss) || !slices.Contains(got, LabelLoss) {
		t.Fatalf("masked losses = %v", got)
	}

	cfg.NumTransformerLayers = 1
	cfg.TransformerSize = 8
	cfg.NumAttentionHeads = 2
	data, labelData := toyData(t)
	p := Policy{Name: "label-only", LabelMetric: "l", RequiredFeatures: ResponsePolicy.RequiredFeatures}
	m, err := New(cfg, p, data.Signature(), labelData, WithLogger(discardLogger()))
	if err != nil {
		t.Fatal(err)
	}
	if m.hasLoss(MaskLoss) || m.maskEmbed != nil {
		t.Fatal("policy without Losses enabled the mask loss")
	}
}
