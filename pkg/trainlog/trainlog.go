// Package trainlog records the per-epoch metrics of training runs in a
// [kv.Store].
//
// Each run gets a random id. The run itself is stored under
// {"trainlog", runID, "run"} and every epoch under
// {"trainlog", runID, "epochs", "%06d"} as a msgpack [Entry], so listing
// a run yields its epochs in order.
//
// # Usage
//
//	rec, err := trainlog.NewRecorder(ctx, store)
//	s, err := selector.New(cfg, selector.WithObserver(rec.Observe))
//	...
//	epochs, err := trainlog.Epochs(ctx, store, rec.RunID())
package trainlog

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/respsel/pkg/dualtower"
	"github.com/haivivi/respsel/pkg/kv"
)

// Root is the first key segment of all records.
const Root = "trainlog"

// runInfo is the key segment holding a run's Run record.
const runInfo = "run"

// Entry is the metrics of one epoch.
type Entry struct {
	Epoch   int                `msgpack:"epoch" yaml:"epoch" json:"epoch"`
	Metrics map[string]float64 `msgpack:"metrics" yaml:"metrics" json:"metrics"`
	Time    time.Time          `msgpack:"time" yaml:"time" json:"time"`
}

// Run describes a recorded training run.
type Run struct {
	ID      string    `msgpack:"id" yaml:"id" json:"id"`
	Started time.Time `msgpack:"started" yaml:"started" json:"started"`
	Name    string    `msgpack:"name,omitempty" yaml:"name,omitempty" json:"name,omitempty"`
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used for write failures. The default is
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithName attaches a human-readable name to the run.
func WithName(name string) Option {
	return func(r *Recorder) { r.run.Name = name }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// Recorder writes the epochs of one run.
type Recorder struct {
	store  kv.Store
	run    Run
	logger *slog.Logger
	now    func() time.Time
	err    error
}

// NewRecorder starts a new run and stores its Run record.
func NewRecorder(ctx context.Context, store kv.Store, opts ...Option) (*Recorder, error) {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.run.ID = uuid.NewString()
	r.run.Started = r.now().UTC()
	data, err := msgpack.Marshal(&r.run)
	if err != nil {
		return nil, fmt.Errorf("trainlog: encode run: %w", err)
	}
	if err := store.Set(ctx, kv.Key{Root, r.run.ID, runInfo}, data); err != nil {
		return nil, fmt.Errorf("trainlog: store run: %w", err)
	}
	return r, nil
}

// RunID returns the id of the run.
func (r *Recorder) RunID() string { return r.run.ID }

func epochKey(runID string, epoch int) kv.Key {
	return kv.Key{Root, runID, "epochs", fmt.Sprintf("%06d", epoch)}
}

// Record stores the metrics of epoch.
func (r *Recorder) Record(ctx context.Context, epoch int, metrics dualtower.Metrics) error {
	e := Entry{Epoch: epoch, Metrics: metrics, Time: r.now().UTC()}
	data, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("trainlog: encode epoch %d: %w", epoch, err)
	}
	if err := r.store.Set(ctx, epochKey(r.run.ID, epoch), data); err != nil {
		return fmt.Errorf("trainlog: store epoch %d: %w", epoch, err)
	}
	return nil
}

// Observe records an epoch and matches [dualtower.Observer]. Failures
// are logged and the first one is kept for [Recorder.Err].
func (r *Recorder) Observe(epoch int, metrics dualtower.Metrics) {
	if err := r.Record(context.Background(), epoch, metrics); err != nil {
		r.logger.Error("trainlog: record failed", "run", r.run.ID, "epoch", epoch, "error", err)
		if r.err == nil {
			r.err = err
		}
	}
}

// Err returns the first error seen by Observe.
func (r *Recorder) Err() error { return r.err }

// Epochs returns the recorded epochs of a run in order. It returns
// kv.ErrNotFound when the run does not exist.
func Epochs(ctx context.Context, store kv.Store, runID string) ([]Entry, error) {
	if _, err := store.Get(ctx, kv.Key{Root, runID, runInfo}); err != nil {
		return nil, fmt.Errorf("trainlog: run %s: %w", runID, err)
	}
	entries, err := kv.Collect(ctx, store, kv.Key{Root, runID, "epochs"})
	if err != nil {
		return nil, fmt.Errorf("trainlog: list run %s: %w", runID, err)
	}
	out := make([]Entry, 0, len(entries))
	for _, kve := range entries {
		var e Entry
		if err := msgpack.Unmarshal(kve.Value, &e); err != nil {
			return nil, fmt.Errorf("trainlog: decode %s: %w", kve.Key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Runs returns every recorded run, oldest first.
func Runs(ctx context.Context, store kv.Store) ([]Run, error) {
	entries, err := kv.Collect(ctx, store, kv.Key{Root})
	if err != nil {
		return nil, fmt.Errorf("trainlog: list runs: %w", err)
	}
	var runs []Run
	for _, kve := range entries {
		if len(kve.Key) != 3 || kve.Key[2] != runInfo {
			continue
		}
		var r Run
		if err := msgpack.Unmarshal(kve.Value, &r); err != nil {
			return nil, fmt.Errorf("trainlog: decode %s: %w", kve.Key, err)
		}
		runs = append(runs, r)
	}
	slices.SortStableFunc(runs, func(a, b Run) int { return a.Started.Compare(b.Started) })
	return runs, nil
}

// Last returns the most recent value of metric in entries and the epoch
// it was recorded at, or ok=false when no entry has it.
func Last(entries []Entry, metric string) (value float64, epoch int, ok bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if v, found := entries[i].Metrics[metric]; found {
			return v, entries[i].Epoch, true
		}
	}
	return 0, 0, false
}
