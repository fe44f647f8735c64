package nlu

import (
	"maps"
	"slices"
)

// TrainingData is a set of example messages plus the full responses of
// every retrieval intent response key.
type TrainingData struct {
	Examples  []*Message
	Responses map[string][]Response
}

// IntentExamples returns the examples that carry an intent.
func (td *TrainingData) IntentExamples() []*Message {
	var out []*Message
	for _, ex := range td.Examples {
		if ex.GetString(Intent) != "" {
			out = append(out, ex)
		}
	}
	return out
}

// Filter returns a copy holding only the examples accepted by keep. The
// responses are shared with td.
func (td *TrainingData) Filter(keep func(*Message) bool) *TrainingData {
	out := &TrainingData{Responses: td.Responses}
	for _, ex := range td.Examples {
		if keep(ex) {
			out.Examples = append(out.Examples, ex)
		}
	}
	return out
}

// RetrievalIntents returns the sorted set of intents that have examples
// with an intent_response_key.
func (td *TrainingData) RetrievalIntents() []string {
	set := make(map[string]bool)
	for _, ex := range td.Examples {
		if ex.GetString(IntentResponseKey) != "" {
			set[ex.GetString(Intent)] = true
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// ResponseKeys returns the sorted response registry keys.
func (td *TrainingData) ResponseKeys() []string {
	return slices.Sorted(maps.Keys(td.Responses))
}
