package selector

import (
	"fmt"

	"github.com/haivivi/respsel/pkg/modeldata"
	"github.com/haivivi/respsel/pkg/nlu"
)

// featureKind is one of the four feature matrices an attribute can carry.
type featureKind struct {
	sparse bool
	typ    nlu.FeatureType
}

// kindOrder is the order in which arrays are stacked under a key: sparse
// before dense.
var kindOrder = []featureKind{
	{true, nlu.Sequence},
	{false, nlu.Sequence},
	{true, nlu.Sentence},
	{false, nlu.Sentence},
}

func (k featureKind) get(m *nlu.Message, attribute string, origins []string) *nlu.Features {
	var seq, sent *nlu.Features
	if k.sparse {
		seq, sent = m.SparseFeatures(attribute, origins)
	} else {
		seq, sent = m.DenseFeatures(attribute, origins)
	}
	if k.typ == nlu.Sequence {
		return seq
	}
	return sent
}

// attributeKeys returns the sequence and sentence model data keys of an
// attribute.
func attributeKeys(label bool) (sequence, sentence string) {
	if label {
		return modeldata.LabelSequenceFeatures, modeldata.LabelSentenceFeatures
	}
	return modeldata.TextSequenceFeatures, modeldata.TextSentenceFeatures
}

// addAttribute stacks the features of attribute over msgs into d. When
// widths is non-nil only the listed kinds are emitted, zero-filled where a
// message lacks them; otherwise every kind present on any message is
// emitted. A message missing a kind is zero-filled: one row for sentence
// kinds, as many rows as its other sequence kind for sequence kinds.
func addAttribute(d *modeldata.Data, msgs []*nlu.Message, attribute string, origins []string, label bool, widths map[featureKind]int) error {
	seqKey, sentKey := attributeKeys(label)
	for _, kind := range kindOrder {
		feats := make([]*nlu.Features, len(msgs))
		width, found := widths[kind]
		for i, m := range msgs {
			f := kind.get(m, attribute, origins)
			if f == nil || len(f.Data) == 0 {
				continue
			}
			if widths == nil && !found {
				width, found = f.Dim(), true
			}
			feats[i] = f
		}
		if !found {
			continue
		}
		values := make([][][]float64, len(msgs))
		for i, f := range feats {
			if f == nil {
				rows := 1
				if kind.typ == nlu.Sequence {
					rows = sequenceRows(msgs[i], attribute, origins)
				}
				values[i] = zeroRows(rows, width)
				continue
			}
			if f.Dim() != width {
				return fmt.Errorf("selector: %s %s features of width %d, want %d", attribute, kind.typ, f.Dim(), width)
			}
			values[i] = f.Data
		}
		a, err := modeldata.NewFeatureArray(kind.sparse, values)
		if err != nil {
			return fmt.Errorf("selector: %s: %w", attribute, err)
		}
		key := seqKey
		if kind.typ == nlu.Sentence {
			key = sentKey
		}
		if err := d.Add(key, a); err != nil {
			return fmt.Errorf("selector: %w", err)
		}
	}
	return nil
}

// sequenceRows returns the token rows of the sequence features m carries
// for attribute, or 1 when it has none.
func sequenceRows(m *nlu.Message, attribute string, origins []string) int {
	for _, kind := range kindOrder {
		if kind.typ != nlu.Sequence {
			continue
		}
		if f := kind.get(m, attribute, origins); f != nil && len(f.Data) > 0 {
			return len(f.Data)
		}
	}
	return 1
}

func zeroRows(n, width int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, width)
	}
	return rows
}

// signatureWidths recovers the text feature kinds and widths of a model
// signature, in the stacking order of [addAttribute].
func signatureWidths(sig modeldata.Signature) (map[featureKind]int, error) {
	widths := make(map[featureKind]int)
	for _, typ := range []nlu.FeatureType{nlu.Sequence, nlu.Sentence} {
		key := modeldata.TextSequenceFeatures
		if typ == nlu.Sentence {
			key = modeldata.TextSentenceFeatures
		}
		for _, fs := range sig[key] {
			kind := featureKind{fs.Sparse, typ}
			if _, dup := widths[kind]; dup {
				return nil, fmt.Errorf("selector: signature lists %s twice", key)
			}
			widths[kind] = fs.Units
		}
	}
	return widths, nil
}

// labelData builds one example per label: the features of the first
// example carrying that label, or one-hot sparse sentence features when
// some label has no featured example.
func labelData(table *LabelTable, examples []*nlu.Message, attribute string, origins []string) (*modeldata.Data, error) {
	reps := make([]*nlu.Message, table.Len())
	for _, ex := range examples {
		id, ok := table.ID(ex.GetString(attribute))
		if ok && reps[id] == nil && ex.HasFeatures(attribute, origins) {
			reps[id] = ex
		}
	}
	featured := true
	for _, r := range reps {
		if r == nil {
			featured = false
			break
		}
	}

	d := modeldata.New()
	if featured {
		if err := addAttribute(d, reps, attribute, origins, true, nil); err != nil {
			return nil, err
		}
	} else {
		n := table.Len()
		values := make([][][]float64, n)
		for i := range values {
			row := make([]float64, n)
			row[i] = 1
			values[i] = [][]float64{row}
		}
		a, err := modeldata.NewFeatureArray(true, values)
		if err != nil {
			return nil, fmt.Errorf("selector: %w", err)
		}
		if err := d.Add(modeldata.LabelSentenceFeatures, a); err != nil {
			return nil, fmt.Errorf("selector: %w", err)
		}
	}
	ids := make([]int, table.Len())
	for i := range ids {
		ids[i] = i
	}
	if err := d.Add(modeldata.LabelIDs, modeldata.NewLabelIDs(ids)); err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}
	return d, nil
}

// trainingData builds the model data of the labeled examples: their text
// features, the label features of their label and the label ids.
func trainingData(examples []*nlu.Message, ids []int, labels *modeldata.Data, origins []string) (*modeldata.Data, error) {
	d := modeldata.New()
	if err := addAttribute(d, examples, nlu.Text, origins, false, nil); err != nil {
		return nil, err
	}
	sub := labels.Subset(ids)
	for _, key := range []string{modeldata.LabelSequenceFeatures, modeldata.LabelSentenceFeatures} {
		if err := d.Add(key, sub.Get(key)...); err != nil {
			return nil, fmt.Errorf("selector: %w", err)
		}
	}
	if err := d.Add(modeldata.LabelIDs, modeldata.NewLabelIDs(ids)); err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}
	return d, nil
}
