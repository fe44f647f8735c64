package trainlog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/haivivi/respsel/pkg/dualtower"
	"github.com/haivivi/respsel/pkg/kv"
)

// fixedClock returns a clock that advances one second per call.
func fixedClock(start time.Time) func() time.Time {
	t := start
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestRecordAndEpochs(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory(nil)
	rec, err := NewRecorder(ctx, store, WithClock(fixedClock(time.Unix(0, 0))), WithName("pizza"))
	if err != nil {
		t.Fatal(err)
	}
	if rec.RunID() == "" {
		t.Fatal("empty run id")
	}
	// Out of order on purpose: listing must sort by epoch.
	for _, epoch := range []int{2, 1, 10} {
		rec.Observe(epoch, dualtower.Metrics{"t_loss": 1 / float64(epoch), "r_acc": float64(epoch) / 10})
	}
	if err := rec.Err(); err != nil {
		t.Fatal(err)
	}

	entries, err := Epochs(ctx, store, rec.RunID())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, want := range []int{1, 2, 10} {
		if entries[i].Epoch != want {
			t.Fatalf("entry %d epoch = %d, want %d", i, entries[i].Epoch, want)
		}
	}
	if got := entries[2].Metrics["r_acc"]; got != 1 {
		t.Fatalf("epoch 10 r_acc = %v, want 1", got)
	}
	if entries[0].Time.IsZero() {
		t.Fatal("entry time not recorded")
	}

	v, epoch, ok := Last(entries, "r_acc")
	if !ok || epoch != 10 || v != 1 {
		t.Fatalf("Last = %v, %d, %v", v, epoch, ok)
	}
	if _, _, ok := Last(entries, "val_r_acc"); ok {
		t.Fatal("Last found a metric that was never recorded")
	}
}

func TestEpochsUnknownRun(t *testing.T) {
	_, err := Epochs(context.Background(), kv.NewMemory(nil), "nope")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("err = %v, want kv.ErrNotFound", err)
	}
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemory(nil)
	clock := fixedClock(time.Unix(100, 0))
	var ids []string
	for range 3 {
		rec, err := NewRecorder(ctx, store, WithClock(clock))
		if err != nil {
			t.Fatal(err)
		}
		rec.Observe(1, dualtower.Metrics{"t_loss": 1})
		ids = append(ids, rec.RunID())
	}
	runs, err := Runs(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	for i, r := range runs {
		if r.ID != ids[i] {
			t.Fatalf("run %d = %s, want %s (oldest first)", i, r.ID, ids[i])
		}
	}
}

// failingStore rejects every write after the first.
type failingStore struct {
	kv.Store
	writes int
}

func (f *failingStore) Set(ctx context.Context, key kv.Key, value []byte) error {
	f.writes++
	if f.writes > 1 {
		return errors.New("disk full")
	}
	return f.Store.Set(ctx, key, value)
}

func TestObserveKeepsFirstError(t *testing.T) {
	store := &failingStore{Store: kv.NewMemory(nil)}
	rec, err := NewRecorder(context.Background(), store, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if err != nil {
		t.Fatal(err)
	}
	rec.Observe(1, dualtower.Metrics{"t_loss": 1})
	rec.Observe(2, dualtower.Metrics{"t_loss": 1})
	if err := rec.Err(); err == nil || !strings.Contains(err.Error(), "epoch 1:") {
		t.Fatalf("Err = %v, want the epoch 1 failure", err)
	}
	if store.writes != 3 {
		t.Fatalf("writes = %d, want 3", store.writes)
	}
}
