package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gaspardpetit/framecast/sdk/api/ipc"
)

type sent struct {
	pid   int
	frame *ipc.FrameAddress
	ch    string
	args  []any
}

type fakeView struct {
	pid     int
	fail    error
	panics  bool
	mu      *sync.Mutex
	journal *[]sent
}

func (v *fakeView) ProcessID() int { return v.pid }

func (v *fakeView) Send(channel string, args ...any) error {
	return v.record(nil, channel, args)
}

func (v *fakeView) SendToFrame(addr ipc.FrameAddress, channel string, args ...any) error {
	return v.record(&addr, channel, args)
}

func (v *fakeView) record(addr *ipc.FrameAddress, channel string, args []any) error {
	v.mu.Lock()
	*v.journal = append(*v.journal, sent{pid: v.pid, frame: addr, ch: channel, args: args})
	v.mu.Unlock()
	if v.panics {
		panic("destination gone")
	}
	return v.fail
}

type views []Destination

func (vs views) Views() []Destination { return vs }

type frameList struct {
	records []ipc.FrameRecord
	err     error
	block   chan struct{}
}

func (f frameList) Snapshot(ctx context.Context) ([]ipc.FrameRecord, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.records, f.err
}

type journal struct {
	mu      sync.Mutex
	entries []sent
}

func (j *journal) view(pid int) *fakeView {
	return &fakeView{pid: pid, mu: &j.mu, journal: &j.entries}
}

func frame(pid, fid int) ipc.FrameRecord {
	return ipc.FrameRecord{Address: ipc.FrameAddress{ProcessID: pid, FrameID: fid}, ClusterID: "c"}
}

func TestBroadcastOneViewOneFrame(t *testing.T) {
	j := &journal{}
	r := NewRouter("host", views{j.view(1)}, frameList{records: []ipc.FrameRecord{frame(1, 7)}}, nil)
	rep := r.Broadcast(context.Background(), "x", 42)
	if rep.Attempts != 2 || rep.Failures != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if len(j.entries) != 2 {
		t.Fatalf("expected two sends, got %d", len(j.entries))
	}
	if j.entries[0].frame != nil || j.entries[0].ch != "x" || !rawEquals(j.entries[0].args[0], "42") {
		t.Fatalf("view send = %+v", j.entries[0])
	}
	if j.entries[1].frame == nil || *j.entries[1].frame != (ipc.FrameAddress{ProcessID: 1, FrameID: 7}) {
		t.Fatalf("frame send = %+v", j.entries[1])
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	j := &journal{}
	bad := j.view(2)
	bad.fail = errors.New("channel closed")
	panicky := j.view(3)
	panicky.panics = true
	vs := views{j.view(1), bad, panicky, j.view(4)}
	records := []ipc.FrameRecord{frame(1, 1), frame(2, 1), frame(3, 1), frame(4, 1), frame(4, 2)}
	r := NewRouter("host", vs, frameList{records: records}, nil)

	rep := r.Broadcast(context.Background(), "x")
	const n, m = 5, 4
	if rep.Attempts != n+m {
		t.Fatalf("attempts = %d; want %d", rep.Attempts, n+m)
	}
	if len(j.entries) != n+m {
		t.Fatalf("sends = %d; want %d", len(j.entries), n+m)
	}
	if rep.Failures != 4 {
		t.Fatalf("failures = %d; want 4", rep.Failures)
	}
}

func TestBroadcastSkipsFramesWithoutView(t *testing.T) {
	j := &journal{}
	r := NewRouter("host", views{j.view(1)}, frameList{records: []ipc.FrameRecord{frame(1, 1), frame(9, 1)}}, nil)
	rep := r.Broadcast(context.Background(), "x")
	if rep.Attempts != 2 || rep.Skipped != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestBroadcastSurvivesSnapshotFailure(t *testing.T) {
	j := &journal{}
	r := NewRouter("view", views{j.view(1), j.view(2)}, frameList{err: errors.New("host gone")}, nil)
	rep := r.Broadcast(context.Background(), "x")
	if rep.Attempts != 2 || rep.Failures != 0 {
		t.Fatalf("report = %+v", rep)
	}
}

func TestBroadcastCompletesWhenEveryDestinationFails(t *testing.T) {
	j := &journal{}
	v := j.view(1)
	v.fail = errors.New("gone")
	r := NewRouter("host", views{v}, frameList{records: []ipc.FrameRecord{frame(1, 1)}}, nil)
	done := make(chan Report, 1)
	go func() { done <- r.Broadcast(context.Background(), "x") }()
	select {
	case rep := <-done:
		if rep.Failures != 2 {
			t.Fatalf("report = %+v", rep)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("broadcast hung")
	}
}

func TestBroadcastSnapshotHonoursContext(t *testing.T) {
	j := &journal{}
	block := make(chan struct{})
	defer close(block)
	r := NewRouter("view", views{j.view(1)}, frameList{block: block}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	rep := r.Broadcast(ctx, "x")
	if rep.Attempts != 1 {
		t.Fatalf("report = %+v", rep)
	}
}

type emitter struct {
	calls []string
	err   error
}

func (e *emitter) Emit(channel string, args ...any) error {
	e.calls = append(e.calls, channel)
	return e.err
}

func TestBroadcastReEmitsLocally(t *testing.T) {
	j := &journal{}
	em := &emitter{err: errors.New("no listeners")}
	r := NewRouter("host", views{j.view(1)}, nil, em)
	rep := r.Broadcast(context.Background(), "x", "payload")
	if len(em.calls) != 1 || em.calls[0] != "x" {
		t.Fatalf("local emit calls = %v", em.calls)
	}
	if rep.Attempts != 1 || rep.Failures != 0 {
		t.Fatalf("local failure leaked into report: %+v", rep)
	}
}

func rawEquals(arg any, want string) bool {
	raw, ok := arg.(json.RawMessage)
	return ok && string(raw) == want
}

type countingArg struct{ calls *atomic.Int32 }

func (c countingArg) MarshalJSON() ([]byte, error) {
	c.calls.Add(1)
	return []byte(`"counted"`), nil
}

func TestBroadcastEncodesArgumentsOnce(t *testing.T) {
	j := &journal{}
	em := &emitter{}
	r := NewRouter("host", views{j.view(1), j.view(2)}, frameList{records: []ipc.FrameRecord{frame(1, 1), frame(2, 1)}}, em)
	var calls atomic.Int32
	rep := r.Broadcast(context.Background(), "x", countingArg{calls: &calls})
	if rep.Attempts != 4 || rep.Failures != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("argument encoded %d times", n)
	}
	for _, e := range j.entries {
		if !rawEquals(e.args[0], `"counted"`) {
			t.Fatalf("destination got %#v", e.args[0])
		}
	}
}

func TestBroadcastUnencodableArgsFailEveryDestination(t *testing.T) {
	j := &journal{}
	em := &emitter{}
	r := NewRouter("host", views{j.view(1)}, frameList{records: []ipc.FrameRecord{frame(1, 1)}}, em)
	rep := r.Broadcast(context.Background(), "x", make(chan int))
	if rep.Attempts != 2 || rep.Failures != 2 {
		t.Fatalf("report = %+v", rep)
	}
	if len(j.entries) != 0 || len(em.calls) != 0 {
		t.Fatalf("nothing should be sent: %v %v", j.entries, em.calls)
	}
}
