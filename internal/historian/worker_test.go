package historian

import (
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/uniset/mediator/internal/model"
	"github.com/uniset/mediator/internal/vtq"
)

// fakeBackend is an in-memory Backend used to exercise Worker without a
// real database, grounded on the same fake-storage-map shape the teacher
// uses for internal/storage's in-memory implementation.
type fakeBackend struct {
	mu       sync.Mutex
	channels map[string]ChannelInfo
	data     map[string][]vtq.VTTQ
	failOpen bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{channels: map[string]ChannelInfo{}, data: map[string][]vtq.VTTQ{}}
}

func key(ch ChannelInfo) string { return fmt.Sprintf("%s:%s", ch.Object, ch.Variable) }

func (f *fakeBackend) Open() error {
	if f.failOpen {
		return fmt.Errorf("boom")
	}
	return nil
}
func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) EnsureChannel(ch ChannelInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[key(ch)] = ch
	return nil
}

func (f *fakeBackend) Channels() ([]ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ChannelInfo, 0, len(f.channels))
	for _, ch := range f.channels {
		out = append(out, ch)
	}
	return out, nil
}

func (f *fakeBackend) AppendBatch(samples []Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := vtq.Now()
	for _, s := range samples {
		k := key(s.Channel)
		f.channels[k] = s.Channel
		f.data[k] = append(f.data[k], vtq.NewVTTQ(vtq.VTQ{Value: s.Value, Timestamp: s.Timestamp, Quality: s.Quality}, now))
	}
	return nil
}

func (f *fakeBackend) ReadRaw(ch ChannelInfo, start, end vtq.Timestamp, maxValues int, bounding Bounding, qf vtq.QualityFilter) ([]vtq.VTTQ, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []vtq.VTTQ
	for _, v := range f.data[key(ch)] {
		if !v.Timestamp.InRange(start, end) || !qf.Accepts(v.Quality) {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	if maxValues == 0 {
		return nil, nil
	}
	if maxValues > 0 && len(out) > maxValues {
		out = out[:maxValues]
	}
	return out, nil
}

func (f *fakeBackend) Count(ch ChannelInfo, start, end vtq.Timestamp, qf vtq.QualityFilter) (int64, error) {
	pts, err := f.ReadRaw(ch, start, end, Unbounded, TakeFirstN, qf)
	return int64(len(pts)), err
}

func (f *fakeBackend) DeleteInterval(ch ChannelInfo, start, end vtq.Timestamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(ch)
	var kept []vtq.VTTQ
	for _, v := range f.data[k] {
		if !v.Timestamp.InRange(start, end) {
			kept = append(kept, v)
		}
	}
	f.data[k] = kept
	return nil
}

func (f *fakeBackend) Modify(ch ChannelInfo, mode ModifyMode, data []vtq.VTQ) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(ch)
	switch mode {
	case ReplaceAll:
		f.data[k] = nil
		fallthrough
	case Insert, Update, Upsert:
		for _, d := range data {
			replaced := false
			for i, v := range f.data[k] {
				if v.Timestamp == d.Timestamp {
					f.data[k][i] = vtq.NewVTTQ(d, vtq.Now())
					replaced = true
					break
				}
			}
			if !replaced {
				f.data[k] = append(f.data[k], vtq.NewVTTQ(d, vtq.Now()))
			}
		}
	case Delete:
		remove := map[vtq.Timestamp]bool{}
		for _, d := range data {
			remove[d.Timestamp] = true
		}
		var kept []vtq.VTTQ
		for _, v := range f.data[k] {
			if !remove[v.Timestamp] {
				kept = append(kept, v)
			}
		}
		f.data[k] = kept
	}
	return nil
}

func (f *fakeBackend) GetLatestTimestampDB(ch ChannelInfo) (vtq.Timestamp, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	latest := vtq.Empty
	for _, v := range f.data[key(ch)] {
		if v.DBTimestamp > latest {
			latest = v.DBTimestamp
		}
	}
	return latest, nil
}

func (f *fakeBackend) DeleteChannel(ch ChannelInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(ch)
	delete(f.channels, k)
	delete(f.data, k)
	return nil
}

func (f *fakeBackend) Stats() (Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, v := range f.data {
		n += int64(len(v))
	}
	return Stats{ChannelCount: int64(len(f.channels)), SampleCount: n}, nil
}

func testChan() ChannelInfo {
	return ChannelInfo{Object: model.ObjectRef{ModuleID: "m1", LocalObjectID: 1}, Variable: "v1", DataType: model.TypeFloat}
}

func startWorker(t *testing.T) (*Worker, *fakeBackend) {
	t.Helper()
	backend := newFakeBackend()
	w := NewWorker("w1", backend)
	go w.Run()
	t.Cleanup(w.Terminate)
	return w, backend
}

func submitAndWait(t *testing.T, w *Worker, item WorkItem) Result {
	t.Helper()
	reply := make(chan Result, 1)
	item.Reply = reply
	if err := w.Submit(item); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case r := <-reply:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for worker reply")
		return Result{}
	}
}

func TestWorkerAppendThenReadRaw(t *testing.T) {
	w, _ := startWorker(t)
	ch := testChan()

	r := submitAndWait(t, w, WorkItem{Kind: ItemAppend, Sample: Sample{Channel: ch, Value: 1.0, Timestamp: vtq.Timestamp(100), Quality: vtq.Good}})
	if r.Err != nil {
		t.Fatalf("Append failed: %v", r.Err)
	}

	r = submitAndWait(t, w, WorkItem{Kind: ItemReadRaw, Channel: ch, Start: vtq.Empty, End: vtq.Max, MaxN: Unbounded, Bounding: TakeFirstN, Quality: vtq.ExcludeNone})
	if r.Err != nil {
		t.Fatalf("ReadRaw failed: %v", r.Err)
	}
	if len(r.Samples) != 1 || r.Samples[0].Timestamp != vtq.Timestamp(100) {
		t.Errorf("expected the appended sample back, got %v", r.Samples)
	}
}

func TestWorkerModifyInsertRejectsDuplicate(t *testing.T) {
	w, _ := startWorker(t)
	ch := testChan()

	r := submitAndWait(t, w, WorkItem{Kind: ItemModify, Channel: ch, Mode: Insert, Data: []vtq.VTQ{vtq.New(1.0, vtq.Timestamp(100))}})
	if r.Err != nil {
		t.Fatalf("first Insert failed: %v", r.Err)
	}

	r = submitAndWait(t, w, WorkItem{Kind: ItemModify, Channel: ch, Mode: Insert, Data: []vtq.VTQ{vtq.New(2.0, vtq.Timestamp(100))}})
	if r.Err == nil {
		t.Fatal("expected Insert on a duplicate timestamp to fail")
	}
}

func TestWorkerModifyUpdateRejectsMissing(t *testing.T) {
	w, _ := startWorker(t)
	ch := testChan()

	r := submitAndWait(t, w, WorkItem{Kind: ItemModify, Channel: ch, Mode: Update, Data: []vtq.VTQ{vtq.New(1.0, vtq.Timestamp(100))}})
	if r.Err == nil {
		t.Fatal("expected Update on a missing timestamp to fail")
	}
}

func TestWorkerTerminateRejectsFurtherSubmissions(t *testing.T) {
	backend := newFakeBackend()
	w := NewWorker("w1", backend)
	go w.Run()

	w.Terminate()

	err := w.Submit(WorkItem{Kind: ItemCount, Channel: testChan()})
	if err == nil {
		t.Fatal("expected Submit after Terminate to fail")
	}
}

func TestWorkerCoalescesConcurrentAppends(t *testing.T) {
	w, backend := startWorker(t)
	ch := testChan()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			submitAndWait(t, w, WorkItem{Kind: ItemAppend, Sample: Sample{Channel: ch, Value: i, Timestamp: vtq.Timestamp(i + 1), Quality: vtq.Good}})
		}(i)
	}
	wg.Wait()

	stats, err := backend.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.SampleCount != 20 {
		t.Errorf("expected 20 samples appended, got %d", stats.SampleCount)
	}
}
