// Package nlu defines the training and inference data model shared by the
// featurizers, the dual-tower trainer, and the response selector.
//
// A [Message] carries attribute values (text, intent, response,
// intent_response_key), the tokens produced for each attribute, and the
// [Features] attached by upstream featurizers. [TrainingData] groups the
// example messages with the full response objects keyed by retrieval
// intent response key (e.g. "chitchat/ask_name").
//
// # Retrieval Intents
//
// An intent written as "chitchat/ask_name" is a retrieval intent: the
// message intent is "chitchat" and its intent_response_key is the full
// "chitchat/ask_name". The response attribute holds the text of the first
// response registered for that key.
package nlu

import "strings"

// Attribute names.
const (
	Text              = "text"
	Intent            = "intent"
	ResponseAttribute = "response"
	IntentResponseKey = "intent_response_key"
)

// ResponseIdentifierDelimiter separates the retrieval intent from the
// response key in an intent_response_key.
const ResponseIdentifierDelimiter = "/"

// ResponseKeyPrefix is the optional prefix of response names in training
// files ("utter_chitchat/ask_name").
const ResponseKeyPrefix = "utter_"

// SplitIntentResponseKey splits "chitchat/ask_name" into its retrieval
// intent and response key. A key without the delimiter returns itself and
// an empty response key.
func SplitIntentResponseKey(key string) (intent, response string) {
	intent, response, _ = strings.Cut(key, ResponseIdentifierDelimiter)
	return intent, response
}

// ---------------------------------------------------------------------------
// Features
// ---------------------------------------------------------------------------

// FeatureType distinguishes per-token from per-utterance features.
type FeatureType string

const (
	Sequence FeatureType = "sequence"
	Sentence FeatureType = "sentence"
)

// Features is one feature matrix attached to a message attribute. Sequence
// features have one row per token; sentence features have a single row.
type Features struct {
	Type      FeatureType `yaml:"type" msgpack:"type"`
	Attribute string      `yaml:"attribute" msgpack:"attribute"`
	Origin    string      `yaml:"origin" msgpack:"origin"`

	// Sparse reports whether the matrix came from a sparse featurizer
	// (mostly-zero count or one-hot vectors).
	Sparse bool `yaml:"sparse" msgpack:"sparse"`

	Data [][]float64 `yaml:"data" msgpack:"data"`
}

// Dim returns the feature width.
func (f *Features) Dim() int {
	if f == nil || len(f.Data) == 0 {
		return 0
	}
	return len(f.Data[0])
}

// combine concatenates matching rows of fs along the feature axis. All
// inputs must have the same row count; mismatched ones are skipped.
func combine(fs []*Features) *Features {
	if len(fs) == 0 {
		return nil
	}
	if len(fs) == 1 {
		return fs[0]
	}
	rows := len(fs[0].Data)
	out := &Features{
		Type:      fs[0].Type,
		Attribute: fs[0].Attribute,
		Sparse:    fs[0].Sparse,
		Data:      make([][]float64, rows),
	}
	origins := make([]string, 0, len(fs))
	for _, f := range fs {
		if len(f.Data) != rows {
			continue
		}
		origins = append(origins, f.Origin)
		for i, row := range f.Data {
			out.Data[i] = append(out.Data[i], row...)
		}
	}
	out.Origin = strings.Join(origins, "+")
	return out
}

// ---------------------------------------------------------------------------
// Tokens
// ---------------------------------------------------------------------------

// Token is one token of an attribute value with its character offsets.
type Token struct {
	Text  string `yaml:"text" msgpack:"text"`
	Start int    `yaml:"start" msgpack:"start"`
	End   int    `yaml:"end" msgpack:"end"`
}

// ---------------------------------------------------------------------------
// Response
// ---------------------------------------------------------------------------

// Response is a full response object: text plus any rich content such as
// buttons or images.
type Response map[string]any

// Text returns the response text, or "" when absent.
func (r Response) Text() string {
	s, _ := r[Text].(string)
	return s
}
