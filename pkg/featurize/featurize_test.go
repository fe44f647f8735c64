package featurize

import (
	"bytes"
	"testing"

	"github.com/haivivi/respsel/pkg/nlu"
)

func tokenTexts(tokens []nlu.Token) []string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = t.Text
	}
	return out
}

func TestTokenizerTrain(t *testing.T) {
	const text = "Forecast for lunch"
	m := nlu.NewTextMessage(text)
	m.Set(nlu.ResponseAttribute, text, false)
	m.Set(nlu.Intent, text, false)

	tk := NewTokenizer()
	if err := tk.Train(&nlu.TrainingData{Examples: []*nlu.Message{m}}); err != nil {
		t.Fatalf("Train: %v", err)
	}

	wantText := []string{"Forecast", "for", "lunch", ClsToken}
	wantSpans := [][2]int{{0, 8}, {9, 12}, {13, 18}, {19, 26}}
	for _, attr := range []string{nlu.ResponseAttribute, nlu.Text} {
		tokens := m.Tokens(attr)
		if len(tokens) != len(wantText) {
			t.Fatalf("%s tokens = %v, want %v", attr, tokenTexts(tokens), wantText)
		}
		for i, tok := range tokens {
			if tok.Text != wantText[i] || tok.Start != wantSpans[i][0] || tok.End != wantSpans[i][1] {
				t.Fatalf("%s token %d = %+v, want %s %v", attr, i, tok, wantText[i], wantSpans[i])
			}
		}
	}
	if got := tokenTexts(m.Tokens(nlu.Intent)); len(got) != 1 || got[0] != text {
		t.Fatalf("intent tokens = %v, want [%s]", got, text)
	}
}

func TestTokenizerProcess(t *testing.T) {
	m := nlu.NewTextMessage("Forecast for lunch")
	if err := NewTokenizer().Process(m); err != nil {
		t.Fatalf("Process: %v", err)
	}
	tokens := m.Tokens(nlu.Text)
	if got := tokenTexts(tokens); len(got) != 4 || got[3] != ClsToken {
		t.Fatalf("tokens = %v", got)
	}
	if tokens[3].Start != 19 || tokens[3].End != 26 {
		t.Fatalf("CLS span = %d..%d, want 19..26", tokens[3].Start, tokens[3].End)
	}
}

func TestTokenizePunctuation(t *testing.T) {
	tokens := NewTokenizer().Tokenize("hi, what's up?")
	want := []string{"hi", "what's", "up"}
	got := tokenTexts(tokens)
	if len(got) != len(want) {
		t.Fatalf("Tokenize = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Tokenize = %v, want %v", got, want)
		}
	}
	if tokens[0].End != 2 || tokens[2].Start != 11 {
		t.Fatalf("offsets = %+v", tokens)
	}
}

func trainingData() *nlu.TrainingData {
	ex := func(text, response string) *nlu.Message {
		m := nlu.NewMessage(map[string]any{nlu.Text: text, nlu.Intent: "chitchat"})
		m.Set(nlu.ResponseAttribute, response, false)
		return m
	}
	return &nlu.TrainingData{Examples: []*nlu.Message{
		ex("I want pizza", "ordering pizza"),
		ex("Book a taxi", "calling a taxi"),
	}}
}

func TestCountVectors(t *testing.T) {
	td := trainingData()
	p := NewPipeline()
	if err := p.Train(td); err != nil {
		t.Fatalf("Train: %v", err)
	}
	if got := p.Vectors.VocabularySize(nlu.Text); got != 6 {
		t.Fatalf("text vocabulary = %d, want 6", got)
	}
	seq, sent := td.Examples[0].SparseFeatures(nlu.Text, nil)
	if len(seq.Data) != 3 || seq.Dim() != 6 {
		t.Fatalf("sequence shape = %dx%d, want 3x6", len(seq.Data), seq.Dim())
	}
	var total float64
	for _, v := range sent.Data[0] {
		total += v
	}
	if total != 3 {
		t.Fatalf("sentence sum = %v, want 3", total)
	}
	if seq.Origin != CountVectorsOrigin {
		t.Fatalf("origin = %q", seq.Origin)
	}
	if _, rs := td.Examples[1].SparseFeatures(nlu.ResponseAttribute, nil); rs == nil {
		t.Fatal("response should be featurized")
	}

	m := nlu.NewTextMessage("PIZZA unknown")
	if err := p.Process(m); err != nil {
		t.Fatalf("Process: %v", err)
	}
	seq, sent = m.SparseFeatures(nlu.Text, nil)
	if len(seq.Data) != 2 {
		t.Fatalf("rows = %d, want 2", len(seq.Data))
	}
	total = 0
	for _, v := range sent.Data[0] {
		total += v
	}
	if total != 1 {
		t.Fatalf("known-token count = %v, want 1", total)
	}
}

func TestPipelineSaveLoad(t *testing.T) {
	p := NewPipeline()
	if err := p.Train(trainingData()); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	if err := p.Save(&buf); err != nil {
		t.Fatalf("Save: %v", err)
	}
	q, err := LoadPipeline(&buf)
	if err != nil {
		t.Fatalf("LoadPipeline: %v", err)
	}
	a, b := nlu.NewTextMessage("book pizza"), nlu.NewTextMessage("book pizza")
	if err := p.Process(a); err != nil {
		t.Fatal(err)
	}
	if err := q.Process(b); err != nil {
		t.Fatal(err)
	}
	_, sa := a.SparseFeatures(nlu.Text, nil)
	_, sb := b.SparseFeatures(nlu.Text, nil)
	if sa.Dim() != sb.Dim() {
		t.Fatalf("dims = %d vs %d", sa.Dim(), sb.Dim())
	}
	for i := range sa.Data[0] {
		if sa.Data[0][i] != sb.Data[0][i] {
			t.Fatalf("feature %d = %v, want %v", i, sb.Data[0][i], sa.Data[0][i])
		}
	}
}
