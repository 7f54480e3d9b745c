// Package historian implements the historian worker and manager (spec
// §4.3/§4.4).
package historian

import (
	"fmt"
	"sync"
	"time"

	"github.com/uniset/mediator/internal/errs"
	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/vtq"
)

// VarHistoryChange is emitted after a successful append batch for a
// variable, for the request handler to fan out to subscribers (spec §4.4).
type VarHistoryChange struct {
	Variable model.VariableRef
	MinTS    vtq.Timestamp
	MaxTS    vtq.Timestamp
}

// StaleWarning is emitted when an appended value's timestamp differs from
// wall-clock by more than Manager.TimestampCheckWarning; the value is
// still appended.
type StaleWarning struct {
	Variable model.VariableRef
	Skew     vtq.Duration
}

// Manager routes variable-history traffic to the correct worker by owning
// module, and reports VarHistoryChange/StaleWarning notifications.
// Grounded on the teacher's recording.Manager, generalized from "one
// backend" to "one worker per configured DB, chosen per variable".
type Manager struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	route   map[model.ObjectRef]string // moduleID/objectID -> worker id

	// TimestampCheckWarning is the skew threshold beyond which Append
	// emits a StaleWarning (spec §4.4).
	TimestampCheckWarning vtq.Duration

	OnChange  func(VarHistoryChange)
	OnWarning func(StaleWarning)

	now func() vtq.Timestamp
}

// NewManager creates an empty Manager. now defaults to vtq.Now if nil.
func NewManager(now func() vtq.Timestamp) *Manager {
	if now == nil {
		now = vtq.Now
	}
	return &Manager{
		workers: make(map[string]*Worker),
		route:   make(map[model.ObjectRef]string),
		now:     now,
	}
}

// AddWorker registers a worker under id and starts its run loop.
func (m *Manager) AddWorker(id string, backend Backend) *Worker {
	w := NewWorker(id, backend)
	m.mu.Lock()
	m.workers[id] = w
	m.mu.Unlock()
	go w.Run()
	return w
}

// Route declares that obj's history traffic goes to the worker named
// workerID (spec §4.4 — "choosing that module's configured historian
// worker").
func (m *Manager) Route(obj model.ObjectRef, workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.route[obj] = workerID
}

func (m *Manager) workerFor(ref model.VariableRef) (*Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.route[ref.Object]
	if !ok {
		return nil, errs.New(errs.Request, "historian.Manager", fmt.Errorf("no historian route for %s", ref.Object))
	}
	w, ok := m.workers[id]
	if !ok {
		return nil, errs.New(errs.Internal, "historian.Manager", fmt.Errorf("no worker %q registered", id))
	}
	return w, nil
}

func channelFor(ref model.VariableRef, dt model.DataType) ChannelInfo {
	return ChannelInfo{Object: ref.Object, Variable: ref.Name, DataType: dt}
}

// Append submits a batch of variable values to their respective workers and
// emits VarHistoryChange (success) or StaleWarning (skew) per variable.
func (m *Manager) Append(values map[model.VariableRef]vtq.VTQ, dataTypes map[model.VariableRef]model.DataType) []error {
	var errsOut []error
	byWorker := make(map[*Worker][]struct {
		ref ChannelInfo
		val vtq.VTQ
	})

	now := m.now()
	for ref, v := range values {
		w, err := m.workerFor(ref)
		if err != nil {
			errsOut = append(errsOut, err)
			continue
		}

		if m.TimestampCheckWarning > 0 {
			skew := now.Sub(v.Timestamp)
			if skew < 0 {
				skew = -skew
			}
			if skew > m.TimestampCheckWarning && m.OnWarning != nil {
				m.OnWarning(StaleWarning{Variable: ref, Skew: skew})
			}
		}

		ch := channelFor(ref, dataTypes[ref])
		byWorker[w] = append(byWorker[w], struct {
			ref ChannelInfo
			val vtq.VTQ
		}{ch, v})
	}

	for w, entries := range byWorker {
		replies := make([]chan Result, len(entries))
		for i, e := range entries {
			replies[i] = make(chan Result, 1)
			if err := w.Submit(WorkItem{Kind: ItemAppend, Channel: e.ref, Sample: Sample{Channel: e.ref, Value: e.val.Value, Timestamp: e.val.Timestamp, Quality: e.val.Quality}, Reply: replies[i]}); err != nil {
				errsOut = append(errsOut, err)
				replies[i] = nil
			}
		}

		var minTS, maxTS vtq.Timestamp
		minTS, maxTS = vtq.Max, vtq.Empty
		for i, ch := range replies {
			if ch == nil {
				continue
			}
			r := <-ch
			if r.Err != nil {
				errsOut = append(errsOut, r.Err)
				continue
			}
			ts := entries[i].val.Timestamp
			if ts < minTS {
				minTS = ts
			}
			if ts > maxTS {
				maxTS = ts
			}
			if m.OnChange != nil {
				m.OnChange(VarHistoryChange{
					Variable: model.VariableRef{Object: entries[i].ref.Object, Name: entries[i].ref.Variable},
					MinTS:    ts,
					MaxTS:    ts,
				})
			}
		}
	}

	return errsOut
}

// ReadRaw reads history for ref via its configured worker.
func (m *Manager) ReadRaw(ref model.VariableRef, dt model.DataType, start, end vtq.Timestamp, maxValues int, bounding Bounding, qf vtq.QualityFilter) ([]vtq.VTTQ, error) {
	w, err := m.workerFor(ref)
	if err != nil {
		return nil, err
	}
	reply := make(chan Result, 1)
	if err := w.Submit(WorkItem{Kind: ItemReadRaw, Channel: channelFor(ref, dt), Start: start, End: end, MaxN: maxValues, Bounding: bounding, Quality: qf, Reply: reply}); err != nil {
		return nil, err
	}
	r := <-reply
	return r.Samples, r.Err
}

// Count reads the matching-row count for ref via its configured worker.
func (m *Manager) Count(ref model.VariableRef, dt model.DataType, start, end vtq.Timestamp, qf vtq.QualityFilter) (int64, error) {
	w, err := m.workerFor(ref)
	if err != nil {
		return 0, err
	}
	reply := make(chan Result, 1)
	if err := w.Submit(WorkItem{Kind: ItemCount, Channel: channelFor(ref, dt), Start: start, End: end, Quality: qf, Reply: reply}); err != nil {
		return 0, err
	}
	r := <-reply
	return r.Count, r.Err
}

// DeleteInterval deletes rows for ref in [start, end] via its configured
// worker.
func (m *Manager) DeleteInterval(ref model.VariableRef, dt model.DataType, start, end vtq.Timestamp) error {
	w, err := m.workerFor(ref)
	if err != nil {
		return err
	}
	reply := make(chan Result, 1)
	if err := w.Submit(WorkItem{Kind: ItemDeleteInterval, Channel: channelFor(ref, dt), Start: start, End: end, Reply: reply}); err != nil {
		return err
	}
	return (<-reply).Err
}

// Modify applies a Modify operation for ref via its configured worker.
func (m *Manager) Modify(ref model.VariableRef, dt model.DataType, mode ModifyMode, data []vtq.VTQ) error {
	w, err := m.workerFor(ref)
	if err != nil {
		return err
	}
	reply := make(chan Result, 1)
	if err := w.Submit(WorkItem{Kind: ItemModify, Channel: channelFor(ref, dt), Mode: mode, Data: data, Reply: reply}); err != nil {
		return err
	}
	return (<-reply).Err
}

// GetLatestTimestampDB returns the latest DB-insertion timestamp for ref.
func (m *Manager) GetLatestTimestampDB(ref model.VariableRef, dt model.DataType) (vtq.Timestamp, error) {
	w, err := m.workerFor(ref)
	if err != nil {
		return vtq.Empty, err
	}
	reply := make(chan Result, 1)
	if err := w.Submit(WorkItem{Kind: ItemGetLatest, Channel: channelFor(ref, dt), Reply: reply}); err != nil {
		return vtq.Empty, err
	}
	r := <-reply
	return r.Latest, r.Err
}

// DeleteVariables drops the channel for each ref, routed per-variable.
func (m *Manager) DeleteVariables(refs []model.VariableRef, dataTypes map[model.VariableRef]model.DataType) []error {
	var errsOut []error
	for _, ref := range refs {
		w, err := m.workerFor(ref)
		if err != nil {
			errsOut = append(errsOut, err)
			continue
		}
		reply := make(chan Result, 1)
		if err := w.Submit(WorkItem{Kind: ItemDelete, Channel: channelFor(ref, dataTypes[ref]), Reply: reply}); err != nil {
			errsOut = append(errsOut, err)
			continue
		}
		if r := <-reply; r.Err != nil {
			errsOut = append(errsOut, r.Err)
		}
	}
	return errsOut
}

// Shutdown terminates every registered worker, giving each up to the
// supervisor's shutdown deadline to drain.
func (m *Manager) Shutdown(deadline time.Duration) {
	m.mu.RLock()
	workers := make([]*Worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			done := make(chan struct{})
			go func() {
				w.Terminate()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(deadline):
			}
		}(w)
	}
	wg.Wait()
}
