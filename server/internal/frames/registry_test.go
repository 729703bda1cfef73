package frames

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/gaspardpetit/framecast/sdk/api/ipc"
)

func rec(pid, fid int, cluster string) ipc.FrameRecord {
	return ipc.FrameRecord{Address: ipc.FrameAddress{ProcessID: pid, FrameID: fid}, ClusterID: cluster}
}

func TestRegisterSnapshot(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(rec(1, 7, "c1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	snap := reg.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("expected one record, got %d", len(snap))
	}
	if snap[0].Address != (ipc.FrameAddress{ProcessID: 1, FrameID: 7}) || snap[0].ClusterID != "c1" {
		t.Fatalf("unexpected record %#v", snap[0])
	}
}

func TestRegisterDuplicateKeepsPrior(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(rec(1, 7, "c1")); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := reg.Register(rec(1, 7, "c2"))
	if !errors.Is(err, ErrDuplicateAddress) {
		t.Fatalf("expected ErrDuplicateAddress, got %v", err)
	}
	snap := reg.Snapshot()
	if len(snap) != 1 || snap[0].ClusterID != "c1" {
		t.Fatalf("prior record changed: %#v", snap)
	}
}

func TestUnregisterAbsentIsNoop(t *testing.T) {
	reg := NewRegistry()
	if reg.Unregister(ipc.FrameAddress{ProcessID: 9, FrameID: 9}) {
		t.Fatalf("unregister of absent address reported removal")
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry")
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	reg := NewRegistry()
	r := rec(1, 1, "c1")
	r.Metadata = map[string]string{"name": "a"}
	if err := reg.Register(r); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.Metadata["name"] = "mutated"
	snap := reg.Snapshot()
	snap[0].Metadata["name"] = "mutated"
	snap[0].ClusterID = "other"
	again := reg.Snapshot()
	if again[0].Metadata["name"] != "a" || again[0].ClusterID != "c1" {
		t.Fatalf("registry state leaked through snapshot: %#v", again[0])
	}
}

func TestSnapshotOrderFollowsRegistration(t *testing.T) {
	reg := NewRegistry()
	for _, fid := range []int{5, 1, 3} {
		if err := reg.Register(rec(2, fid, "c")); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	snap := reg.Snapshot()
	for i, fid := range []int{5, 1, 3} {
		if snap[i].Address.FrameID != fid {
			t.Fatalf("snapshot[%d] = %d; want %d", i, snap[i].Address.FrameID, fid)
		}
	}
}

func TestRemoveProcess(t *testing.T) {
	reg := NewRegistry()
	_ = reg.Register(rec(1, 1, "a"))
	_ = reg.Register(rec(2, 1, "b"))
	_ = reg.Register(rec(1, 2, "c"))
	removed := reg.RemoveProcess(1)
	if len(removed) != 2 || removed[0].ClusterID != "a" || removed[1].ClusterID != "c" {
		t.Fatalf("removed = %#v", removed)
	}
	snap := reg.Snapshot()
	if len(snap) != 1 || snap[0].Address.ProcessID != 2 {
		t.Fatalf("snapshot after RemoveProcess = %#v", snap)
	}
}

// Any register/unregister sequence leaves exactly the registered-minus-
// unregistered set visible.
func TestSnapshotMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		reg := NewRegistry()
		model := map[ipc.FrameAddress]bool{}
		for op := 0; op < 200; op++ {
			addr := ipc.FrameAddress{ProcessID: rng.Intn(3), FrameID: rng.Intn(5)}
			if rng.Intn(2) == 0 {
				err := reg.Register(ipc.FrameRecord{Address: addr, ClusterID: "c"})
				if model[addr] != (err != nil) {
					t.Fatalf("round %d op %d: register %s err=%v model=%v", round, op, addr, err, model[addr])
				}
				model[addr] = true
			} else {
				reg.Unregister(addr)
				delete(model, addr)
			}
		}
		snap := reg.Snapshot()
		if len(snap) != len(model) {
			t.Fatalf("round %d: snapshot has %d records; model has %d", round, len(snap), len(model))
		}
		for _, r := range snap {
			if !model[r.Address] {
				t.Fatalf("round %d: unexpected address %s", round, r.Address)
			}
		}
	}
}
