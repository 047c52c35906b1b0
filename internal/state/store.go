// Package state implements the per-entity versioned key/value store whose
// diffs drive replication.
package state

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"io"
	"sort"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"

	"replicore/internal/mathx"
)

// ErrEmptyKey is returned when a field is written without a key.
var ErrEmptyKey = eris.New("state: empty field key")

// Fields is a set of encoded field values keyed by field name. Values are
// canonical JSON, so byte equality is structural equality.
type Fields map[string]stdjson.RawMessage

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = append(stdjson.RawMessage(nil), v...)
	}
	return out
}

// Validator vets an incoming field. Returning an error drops the field.
type Validator func(key string, raw []byte) error

// Drop records a field that ApplyDelta refused.
type Drop struct {
	Key    string
	Reason string
}

// ApplyResult lists what a partial apply changed.
type ApplyResult struct {
	Changed []string
	Dropped []Drop
}

type field struct {
	current    []byte
	flushed    []byte
	hasFlushed bool
	version    uint64
}

func (f *field) dirty() bool {
	return !f.hasFlushed || !bytes.Equal(f.current, f.flushed)
}

// Store holds one entity's replicated fields. It is not safe for concurrent
// use; the owning runtime mutates it from a single tick goroutine.
type Store struct {
	fields    map[string]*field
	version   uint64
	external  map[string]struct{}
	validator Validator
}

// NewStore returns an empty store. A nil validator accepts any well-formed JSON.
func NewStore(validator Validator) *Store {
	return &Store{
		fields:    make(map[string]*field),
		external:  make(map[string]struct{}),
		validator: validator,
	}
}

// Version is bumped every time a field value actually changes.
func (s *Store) Version() uint64 {
	return s.version
}

// Len reports the number of fields.
func (s *Store) Len() int {
	return len(s.fields)
}

// Keys returns the field names in sorted order.
func (s *Store) Keys() []string {
	keys := make([]string, 0, len(s.fields))
	for k := range s.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set encodes value and stores it for immediate local reads. The field joins
// the next diff only if it differs from the last flushed value.
func (s *Store) Set(key string, value any) error {
	if key == "" {
		return ErrEmptyKey
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return eris.Wrapf(err, "state: encode field %q", key)
	}
	canon, err := canonicalize(raw)
	if err != nil {
		return eris.Wrapf(err, "state: encode field %q", key)
	}
	s.setRaw(key, canon)
	return nil
}

func (s *Store) setRaw(key string, raw []byte) bool {
	f, ok := s.fields[key]
	if !ok {
		f = &field{}
		s.fields[key] = f
	} else if bytes.Equal(f.current, raw) {
		return false
	}
	f.current = raw
	s.version++
	f.version = s.version
	return true
}

// Raw returns the encoded value of key.
func (s *Store) Raw(key string) ([]byte, bool) {
	f, ok := s.fields[key]
	if !ok {
		return nil, false
	}
	return f.current, true
}

// Get decodes key into out. It reports false when the key is absent.
func (s *Store) Get(key string, out any) (bool, error) {
	f, ok := s.fields[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(f.current, out); err != nil {
		return true, eris.Wrapf(err, "state: decode field %q", key)
	}
	return true, nil
}

// Vec3 reads a vector field, returning false when absent or malformed.
func (s *Store) Vec3(key string) (mathx.Vec3, bool) {
	var v mathx.Vec3
	ok, err := s.Get(key, &v)
	return v, ok && err == nil
}

// Quat reads a rotation field, returning false when absent or malformed.
func (s *Store) Quat(key string) (mathx.Quat, bool) {
	var q mathx.Quat
	ok, err := s.Get(key, &q)
	return q, ok && err == nil
}

// Float reads a numeric field.
func (s *Store) Float(key string) (float64, bool) {
	var v float64
	ok, err := s.Get(key, &v)
	return v, ok && err == nil
}

// String reads a string field.
func (s *Store) String(key string) (string, bool) {
	var v string
	ok, err := s.Get(key, &v)
	return v, ok && err == nil
}

// Dirty reports whether ComputeDiff would return anything.
func (s *Store) Dirty() bool {
	for _, f := range s.fields {
		if f.dirty() {
			return true
		}
	}
	return false
}

// ComputeDiff returns every field whose value differs from its last flushed
// value and marks those values flushed.
func (s *Store) ComputeDiff() Fields {
	var diff Fields
	for key, f := range s.fields {
		if !f.dirty() {
			continue
		}
		if diff == nil {
			diff = make(Fields)
		}
		diff[key] = append(stdjson.RawMessage(nil), f.current...)
		f.flushed = f.current
		f.hasFlushed = true
	}
	return diff
}

// Snapshot returns every field regardless of dirty state without touching
// flush bookkeeping.
func (s *Store) Snapshot() Fields {
	out := make(Fields, len(s.fields))
	for key, f := range s.fields {
		out[key] = append(stdjson.RawMessage(nil), f.current...)
	}
	return out
}

// ApplyDelta merges incoming fields without touching keys it does not
// mention. Each field is validated on its own; an invalid field is dropped
// and the rest still apply. Applied values count as flushed, so an observer
// never echoes what it received.
func (s *Store) ApplyDelta(delta Fields) ApplyResult {
	var result ApplyResult
	for _, key := range delta.Keys() {
		raw := delta[key]
		if key == "" {
			result.Dropped = append(result.Dropped, Drop{Key: key, Reason: "empty key"})
			continue
		}
		canon, err := canonicalize(raw)
		if err != nil {
			result.Dropped = append(result.Dropped, Drop{Key: key, Reason: err.Error()})
			continue
		}
		if s.validator != nil {
			if err := s.validator(key, canon); err != nil {
				result.Dropped = append(result.Dropped, Drop{Key: key, Reason: err.Error()})
				continue
			}
		}
		if s.setRaw(key, canon) {
			result.Changed = append(result.Changed, key)
			s.external[key] = struct{}{}
		}
		f := s.fields[key]
		f.flushed = f.current
		f.hasFlushed = true
	}
	return result
}

// ConsumeExternal returns the keys changed by ApplyDelta since the last call.
func (s *Store) ConsumeExternal() []string {
	if len(s.external) == 0 {
		return nil
	}
	keys := make([]string, 0, len(s.external))
	for k := range s.external {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	s.external = make(map[string]struct{})
	return keys
}

// canonicalize re-encodes raw so formatting differences never look like
// value changes. Numbers keep their literal text, so integers beyond 2^53
// survive unchanged.
func canonicalize(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, eris.New("empty value")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, eris.Wrap(err, "malformed value")
	}
	if err := dec.Decode(new(any)); !errors.Is(err, io.EOF) {
		return nil, eris.New("malformed value: trailing data")
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, eris.Wrap(err, "re-encode value")
	}
	return out, nil
}
