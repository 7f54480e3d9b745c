// Package varstore implements the per-module current-value store (spec
// §4.2): a VariableRef -> VTQ map with Update/Sync/Flush, generalized from
// the teacher's (Etersoft-uniset-panel) in-memory history map down to a
// single-current-value map plus a crash-safe snapshot file.
package varstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/uniset/mediator/internal/errs"
	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/vtq"
)

// ErrNotFound is returned by Get for an unknown VariableRef.
var ErrNotFound = fmt.Errorf("variable not found")

// VariableValue is one entry of an Update batch: the ref and the value to
// write.
type VariableValue struct {
	Ref   model.VariableRef
	Value vtq.VTQ
}

// Change is one entry of an Update result: the previous and current value
// for a ref, in the same order the batch was submitted (spec §4.2).
type Change struct {
	Ref      model.VariableRef
	Previous vtq.VTQ
	Current  vtq.VTQ
}

type entry struct {
	value        vtq.VTQ
	trackHistory bool
	dataType     model.DataType
}

// Store is a per-module map of VariableRef -> VTQ, safe for concurrent use.
// RejectOlder controls whether Update rejects values whose timestamp is
// strictly older than what's stored (spec §4.2 says this check is
// configurable).
type Store struct {
	mu          sync.RWMutex
	values      map[model.VariableRef]entry
	path        string
	RejectOlder bool
}

// New creates a Store that persists to path (empty disables persistence).
func New(path string) *Store {
	return &Store{
		values: make(map[model.VariableRef]entry),
		path:   path,
	}
}

// Get returns the current VTQ for ref.
func (s *Store) Get(ref model.VariableRef) (vtq.VTQ, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.values[ref]
	if !ok {
		return vtq.VTQ{}, errs.New(errs.Request, "varstore.Get", ErrNotFound)
	}
	return e.value, nil
}

// GetMany returns the current VTQ for each ref in order; missing refs get
// a zero-value VTQ and a reported error in errOut at the same index
// (ignoreMissing-style callers can simply discard errOut).
func (s *Store) GetMany(refs []model.VariableRef) (values []vtq.VTQ, errOut []error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values = make([]vtq.VTQ, len(refs))
	errOut = make([]error, len(refs))
	for i, ref := range refs {
		if e, ok := s.values[ref]; ok {
			values[i] = e.value
		} else {
			errOut[i] = errs.New(errs.Request, "varstore.GetMany", ErrNotFound)
		}
	}
	return values, errOut
}

// Update writes a batch atomically (within this Store) and returns the
// before/after pair for each entry, in input order (spec §4.2). A value
// older than what's stored is skipped (Previous==Current) when
// RejectOlder is set.
func (s *Store) Update(batch []VariableValue) []Change {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Change, len(batch))
	for i, vv := range batch {
		prevEntry, existed := s.values[vv.Ref]
		prev := prevEntry.value

		if s.RejectOlder && existed && vv.Value.Timestamp < prev.Timestamp {
			out[i] = Change{Ref: vv.Ref, Previous: prev, Current: prev}
			continue
		}

		s.values[vv.Ref] = entry{value: vv.Value, trackHistory: prevEntry.trackHistory, dataType: prevEntry.dataType}
		out[i] = Change{Ref: vv.Ref, Previous: prev, Current: vv.Value}
	}
	return out
}

// Sync reconciles the store with a module's newly declared object/variable
// set: values whose descriptor is unchanged survive, values whose
// descriptor was removed are dropped (spec §4.2).
func (s *Store) Sync(objects []model.ObjectInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[model.VariableRef]bool)
	for _, obj := range objects {
		for _, v := range obj.Variables {
			wanted[v.Ref] = true
			if _, ok := s.values[v.Ref]; !ok {
				s.values[v.Ref] = entry{value: vtq.New(v.DefaultValue, vtq.Empty), trackHistory: v.History.Enabled, dataType: v.DataType}
			} else {
				e := s.values[v.Ref]
				e.trackHistory = v.History.Enabled
				e.dataType = v.DataType
				s.values[v.Ref] = e
			}
		}
	}

	for ref := range s.values {
		if !wanted[ref] {
			delete(s.values, ref)
		}
	}
}

// snapshot is the on-disk representation used by Flush/Load.
type snapshot struct {
	Ref   model.VariableRef `json:"ref"`
	Value any               `json:"value"`
	TS    vtq.Timestamp     `json:"ts"`
	Q     vtq.Quality       `json:"q"`
}

// Flush rewrites the whole snapshot file: write to a temp file in the same
// directory, fsync, then rename over the target (spec §4.2/§5 — crash-safe
// persistence, same shape as the teacher's atomic rename pattern).
func (s *Store) Flush() error {
	if s.path == "" {
		return nil
	}

	s.mu.RLock()
	snaps := make([]snapshot, 0, len(s.values))
	for ref, e := range s.values {
		snaps = append(snaps, snapshot{Ref: ref, Value: e.value.Value, TS: e.value.Timestamp, Q: e.value.Quality})
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snaps, "", "  ")
	if err != nil {
		return errs.New(errs.Internal, "varstore.Flush", fmt.Errorf("marshal: %w", err))
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".varstore-*.tmp")
	if err != nil {
		return errs.New(errs.Internal, "varstore.Flush", fmt.Errorf("create temp file: %w", err))
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.Internal, "varstore.Flush", fmt.Errorf("write temp file: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.New(errs.Internal, "varstore.Flush", fmt.Errorf("fsync temp file: %w", err))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.Internal, "varstore.Flush", fmt.Errorf("close temp file: %w", err))
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return errs.New(errs.Internal, "varstore.Flush", fmt.Errorf("rename temp file: %w", err))
	}
	return nil
}

// Load populates the store from a previously Flushed snapshot file. A
// missing file is not an error — a fresh module simply starts empty.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errs.New(errs.Internal, "varstore.Load", fmt.Errorf("read: %w", err))
	}

	var snaps []snapshot
	if err := json.Unmarshal(data, &snaps); err != nil {
		return errs.New(errs.Internal, "varstore.Load", fmt.Errorf("unmarshal: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sn := range snaps {
		s.values[sn.Ref] = entry{value: vtq.VTQ{Value: sn.Value, Timestamp: sn.TS, Quality: sn.Q}}
	}
	return nil
}

// TrackHistory reports whether ref's descriptor currently has history
// recording enabled (spec §4.4 — the historian manager only forwards
// values for variables a module declared as historised).
func (s *Store) TrackHistory(ref model.VariableRef) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[ref].trackHistory
}

// DataType returns ref's declared data type, as last set by Sync.
func (s *Store) DataType(ref model.VariableRef) model.DataType {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values[ref].dataType
}

// Len returns the number of variables currently tracked.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
