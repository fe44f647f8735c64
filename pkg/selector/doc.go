// Package selector implements a response selector: it learns to pick,
// for a user utterance, the best response among the responses of one or
// all retrieval intents, using a dual-tower similarity model.
//
// Labels are either intent_response_key values ("chitchat/ask_name") or,
// with use_text_as_label, the response texts themselves. Each distinct
// label gets an id in first-seen order and an identity hash used to find
// its full response in the response registry at prediction time.
//
// # Usage
//
//	cfg, _ := selector.LoadConfigFile("config.yml")
//	s, err := selector.New(cfg)
//	res, err := s.Train(ctx, trainingData)
//	if res.NoTrainingData {
//	    // nothing to select from
//	}
//	err = s.Process(msg)
//	p := msg.Get(selector.PropertyName).(map[string]selector.Prediction)[cfg.Key()]
//
// # Persistence
//
// [Selector.Persist] writes four files sharing a base name to a
// [storage.FileStore]: the model blob (msgpack) and YAML side files for
// the retrieval intent mapping, the label table and the response
// registry. The returned [Metadata] is what [Load] needs to restore the
// selector.
package selector
