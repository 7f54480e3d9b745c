package historian

import (
	"fmt"
	"sync"

	"github.com/uniset/mediator/internal/errs"
	"github.com/uniset/mediator/internal/vtq"
)

// errTerminated is returned by Submit once a worker has been Terminated or
// its backend has failed unrecoverably (spec §4.3's "terminated" error).
var errTerminated = fmt.Errorf("historian worker terminated")

// Worker owns one backend's DB connection and serialises every operation
// against it on a single goroutine (spec §5's historian worker domain).
// Grounded on the teacher's recording.Manager open/close-on-demand
// wrapping, generalized here into a persistent queue-driven loop instead of
// open-per-call.
type Worker struct {
	id      string
	backend Backend

	inbox chan WorkItem

	mu         sync.Mutex
	terminated bool

	done chan struct{}
}

// NewWorker creates a worker over backend, identified by id (matches a
// configured historian DB name — spec §6).
func NewWorker(id string, backend Backend) *Worker {
	return &Worker{
		id:      id,
		backend: backend,
		inbox:   make(chan WorkItem, 256),
		done:    make(chan struct{}),
	}
}

// Run drains the inbox until Terminate is submitted or the channel closes.
// Run must be started on its own goroutine; the worker processes nothing
// until Run is running.
func (w *Worker) Run() {
	defer close(w.done)

	if err := w.backend.Open(); err != nil {
		w.drainWithError(errs.New(errs.Internal, "historian.Worker.Run", err))
		return
	}
	defer w.backend.Close()

	var pending []WorkItem
	for {
		if len(pending) == 0 {
			item, ok := <-w.inbox
			if !ok {
				return
			}
			pending = append(pending, item)
		}

		// Drain whatever else is already queued without blocking, so
		// PrioritizeAndCompress sees the fullest picture it can.
		draining := true
		for draining {
			select {
			case item, ok := <-w.inbox:
				if !ok {
					draining = false
					break
				}
				pending = append(pending, item)
			default:
				draining = false
			}
		}

		batch, rest := prioritizeAndCompress(pending)
		pending = rest

		if w.processBatch(batch) {
			return
		}
	}
}

// processBatch executes one prioritized batch and replies to each item.
// Returns true if the worker terminated.
func (w *Worker) processBatch(batch []WorkItem) bool {
	if len(batch) == 0 {
		return false
	}

	if batch[0].Kind == ItemTerminate {
		w.mu.Lock()
		w.terminated = true
		w.mu.Unlock()
		reply(batch[0], Result{})
		return true
	}

	if batch[0].Kind == ItemAppend && len(batch) > 1 {
		w.runAppendBatch(batch)
		return false
	}

	w.runOne(batch[0])
	return false
}

func (w *Worker) runAppendBatch(items []WorkItem) {
	samples := make([]Sample, len(items))
	for i, it := range items {
		samples[i] = it.Sample
	}

	err := w.backend.AppendBatch(samples)
	if err != nil {
		err = errs.New(errs.Internal, "historian.Worker.AppendBatch", err)
		w.failUnusable(err)
	}
	for _, it := range items {
		reply(it, Result{Err: err})
	}
}

func (w *Worker) runOne(it WorkItem) {
	switch it.Kind {
	case ItemAppend:
		err := w.backend.AppendBatch([]Sample{it.Sample})
		if err != nil {
			err = errs.New(errs.Internal, "historian.Worker.Append", err)
			w.failUnusable(err)
		}
		reply(it, Result{Err: err})

	case ItemReadRaw:
		samples, err := w.backend.ReadRaw(it.Channel, it.Start, it.End, it.MaxN, it.Bounding, it.Quality)
		if err != nil {
			err = errs.New(errs.Internal, "historian.Worker.ReadRaw", err)
		}
		reply(it, Result{Samples: samples, Err: err})

	case ItemCount:
		n, err := w.backend.Count(it.Channel, it.Start, it.End, it.Quality)
		if err != nil {
			err = errs.New(errs.Internal, "historian.Worker.Count", err)
		}
		reply(it, Result{Count: n, Err: err})

	case ItemDeleteInterval:
		err := w.backend.DeleteInterval(it.Channel, it.Start, it.End)
		if err != nil {
			err = errs.New(errs.Internal, "historian.Worker.DeleteInterval", err)
		}
		reply(it, Result{Err: err})

	case ItemGetLatest:
		ts, err := w.backend.GetLatestTimestampDB(it.Channel)
		if err != nil {
			err = errs.New(errs.Internal, "historian.Worker.GetLatest", err)
		}
		reply(it, Result{Latest: ts, Err: err})

	case ItemModify:
		err := w.runModify(it)
		reply(it, Result{Err: err})

	case ItemDelete:
		err := w.backend.DeleteChannel(it.Channel)
		if err != nil {
			err = errs.New(errs.Internal, "historian.Worker.Delete", err)
		}
		reply(it, Result{Err: err})

	case ItemStart:
		reply(it, Result{})
	}
}

// runModify enforces the Insert/Update preconditions (spec §4.3) before
// delegating to the backend, since the precondition check is
// backend-agnostic.
func (w *Worker) runModify(it WorkItem) error {
	switch it.Mode {
	case Insert, Update:
		existing, err := w.backend.ReadRaw(it.Channel, vtq.Empty, vtq.Max, Unbounded, TakeFirstN, vtq.ExcludeNone)
		if err != nil {
			return errs.New(errs.Internal, "historian.Worker.Modify", err)
		}
		have := make(map[vtq.Timestamp]bool, len(existing))
		for _, s := range existing {
			have[s.Timestamp] = true
		}
		for _, d := range it.Data {
			switch it.Mode {
			case Insert:
				if have[d.Timestamp] {
					return errs.New(errs.Conflict, "historian.Worker.Modify", fmt.Errorf("timestamp %v already exists", d.Timestamp))
				}
			case Update:
				if !have[d.Timestamp] {
					return errs.New(errs.Conflict, "historian.Worker.Modify", fmt.Errorf("timestamp %v does not exist", d.Timestamp))
				}
			}
		}
	}

	if err := w.backend.Modify(it.Channel, it.Mode, it.Data); err != nil {
		return errs.New(errs.Internal, "historian.Worker.Modify", err)
	}
	return nil
}

func (w *Worker) failUnusable(err error) {
	w.mu.Lock()
	w.terminated = true
	w.mu.Unlock()
}

func (w *Worker) drainWithError(err error) {
	w.failUnusable(err)
	for item := range w.inbox {
		reply(item, Result{Err: err})
		if item.Kind == ItemTerminate {
			return
		}
	}
}

// Submit enqueues item and blocks the caller's goroutine only up to placing
// it on the channel; the caller reads item.Reply for the result.
func (w *Worker) Submit(item WorkItem) error {
	w.mu.Lock()
	terminated := w.terminated
	w.mu.Unlock()
	if terminated {
		return errs.New(errs.Internal, "historian.Worker.Submit", errTerminated)
	}
	w.inbox <- item
	return nil
}

// Terminate stops the worker after it drains whatever is already queued.
func (w *Worker) Terminate() {
	reply := make(chan Result, 1)
	w.inbox <- WorkItem{Kind: ItemTerminate, Reply: reply}
	<-reply
	<-w.done
}
