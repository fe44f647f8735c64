// Package kv provides a key-value store with hierarchical keys, used to
// record training metric streams. Keys are string slices such as
// {"trainlog", runID, "000042"} and are encoded by joining the segments
// with a separator (default ':').
//
// [Badger] persists to disk with BadgerDB; [Memory] keeps everything in a
// map and is meant for tests.
//
// # Usage
//
//	store, err := kv.NewBadger(kv.BadgerOptions{Dir: dir})
//	defer store.Close()
//	store.Set(ctx, kv.Key{"trainlog", run, "000001"}, value)
//	entries, err := kv.Collect(ctx, store, kv.Key{"trainlog", run})
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Key is a hierarchical path. Segments must not contain the store
// separator; encoding such a key panics.
type Key []string

// String joins the segments with ':' for display.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Child returns a new key with segs appended. k is not modified.
func (k Key) Child(segs ...string) Key {
	out := make(Key, 0, len(k)+len(segs))
	return append(append(out, k...), segs...)
}

// Entry is a key-value pair.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is a key-value store with path-based keys. Implementations are
// safe for concurrent use.
type Store interface {
	// Get returns the value of key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error

	// List iterates over the entries strictly below prefix in
	// lexicographic order of the encoded key. An empty prefix lists
	// everything.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet stores all entries atomically.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete removes all keys atomically.
	BatchDelete(ctx context.Context, keys []Key) error

	Close() error
}

// Collect drains [Store.List] into a slice.
func Collect(ctx context.Context, s Store, prefix Key) ([]Entry, error) {
	var out []Entry
	for e, err := range s.List(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// DefaultSeparator joins key segments when Options.Separator is zero.
const DefaultSeparator byte = ':'

// Options configures key encoding. A nil *Options uses the defaults.
type Options struct {
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

func (o *Options) encode(k Key) []byte {
	s := o.sep()
	var buf bytes.Buffer
	for i, seg := range k {
		if strings.IndexByte(seg, s) >= 0 {
			panic(fmt.Sprintf("kv: key segment %q contains separator %q", seg, s))
		}
		if i > 0 {
			buf.WriteByte(s)
		}
		buf.WriteString(seg)
	}
	return buf.Bytes()
}

// listPrefix returns the encoded prefix followed by the separator, so
// "a:b" does not match "a:bc". The empty key matches everything.
func (o *Options) listPrefix(k Key) []byte {
	if len(k) == 0 {
		return nil
	}
	return append(o.encode(k), o.sep())
}

func (o *Options) decode(b []byte) Key {
	parts := bytes.Split(b, []byte{o.sep()})
	k := make(Key, len(parts))
	for i, p := range parts {
		k[i] = string(p)
	}
	return k
}
