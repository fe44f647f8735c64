// Package dualtower implements a dual-encoder similarity model trained
// with sampled negatives.
//
// A text tower and a label tower map the sequence and sentence features
// of an example to contextual token vectors: sparse inputs are projected
// to a dense width, combined with dense inputs, passed through a
// feed-forward stack and an optional transformer encoder. The vector at
// the last valid position is embedded into a shared similarity space
// where a softmax or margin loss ranks the correct label above negatives
// drawn from the full label table. With share_hidden_layers both sides
// use the text tower, which requires identical feature signatures.
//
// An optional masked-token head hides random text tokens before the
// transformer and learns to recover them, reported as the m_loss and
// m_acc metrics.
//
// # Usage
//
//	m, err := dualtower.New(cfg, dualtower.ResponsePolicy, data.Signature(), labelData)
//	if err != nil { ... }
//	if _, err := m.Fit(ctx, data); err != nil { ... }
//	scores, err := m.Predict(textData)
//
// Configuration errors wrap [ErrInvalidConfig] and surface when the model
// is built.
package dualtower
