package pager

import (
	"sync"
	"testing"

	"twzcore/kernel"
	"twzcore/kernel/mm"
	"twzcore/object"
)

func installCountingAllocator(t *testing.T) {
	t.Helper()
	var next mm.Frame
	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		next++
		return next, nil
	})
	mm.SetFrameDeallocator(func(f mm.Frame) *kernel.Error { return nil })
	t.Cleanup(func() {
		mm.SetFrameAllocator(nil)
		mm.SetFrameDeallocator(nil)
	})
}

func newRegisteredObject(t *testing.T, id object.ID) *object.Object {
	t.Helper()
	obj := object.New(id, object.Volatile, object.Normal)
	if err := object.Global.Register(obj); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return obj
}

// runFakePager answers every Command pushed to cmdOut with the Completion
// reply returns for it until stop is closed, standing in for the
// user-space pager process on the other end of the two rings.
func runFakePager(p *Protocol, reply func(Command) Completion, stop <-chan struct{}) {
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			cmd, ok := p.cmdOut.Pop()
			if !ok {
				continue
			}
			p.complIn.Push(reply(cmd))
		}
	}()
}

func TestProtocolCallRoundTripsAMatchingCompletion(t *testing.T) {
	p := NewProtocol()
	stop := make(chan struct{})
	defer close(stop)
	runFakePager(p, func(cmd Command) Completion {
		return Completion{Kind: cmd.Kind, Info: ObjectInfo{ID: cmd.ID, SizeHint: 42}}
	}, stop)

	compl, err := p.Call(Command{Kind: CmdObjInfo, ID: object.ID{Lo: 7}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if compl.Info.SizeHint != 42 {
		t.Fatalf("got SizeHint %d, want 42", compl.Info.SizeHint)
	}
}

func TestProtocolCallReportsQueueFullWithoutBlocking(t *testing.T) {
	p := NewProtocol()
	for i := 0; i < ringCapacity; i++ {
		if !p.cmdOut.Push(Command{}) {
			t.Fatalf("unexpected full at %d while priming the queue", i)
		}
	}
	_, err := p.Call(Command{Kind: CmdObjInfo})
	if err != ErrQueueFull {
		t.Fatalf("got err %v, want ErrQueueFull", err)
	}
}

func TestProtocolCallReportsNoReplyAfterPollBudgetExhausted(t *testing.T) {
	p := NewProtocol()
	calls := 0
	SetPollFn(func() { calls++ })
	t.Cleanup(func() { SetPollFn(nil) })

	_, err := p.Call(Command{Kind: CmdObjInfo})
	if err != ErrNoReply {
		t.Fatalf("got err %v, want ErrNoReply", err)
	}
	if calls != pollBudget {
		t.Fatalf("got %d poll yields, want exactly %d", calls, pollBudget)
	}
}

func TestHandleAutonomousEvictInvalidatesAnUnpinnedRange(t *testing.T) {
	installCountingAllocator(t)
	id := object.ID{Lo: 100}
	obj := newRegisteredObject(t, id)
	if err := obj.AddPage(0, 1); err != nil {
		t.Fatalf("AddPage: %v", err)
	}

	p := NewProtocol()
	req := Request{Kind: ReqEvict, ID: id, NRange: 1}
	req.Ranges[0] = ObjectRange{Start: 0, Count: 1}

	if err := p.HandleAutonomousEvict(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, ok := obj.GetPage(0, false); ok {
		t.Fatal("expected page 0 to have been invalidated")
	}
}

func TestHandleAutonomousEvictRefusesAPinnedRange(t *testing.T) {
	installCountingAllocator(t)
	id := object.ID{Lo: 101}
	obj := newRegisteredObject(t, id)
	_, token, err := obj.Pin(0, 1)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	defer obj.Unpin(token)

	p := NewProtocol()
	req := Request{Kind: ReqEvict, ID: id, NRange: 1}
	req.Ranges[0] = ObjectRange{Start: 0, Count: 1}

	if err := p.HandleAutonomousEvict(req); err != ErrEvictionRefused {
		t.Fatalf("got err %v, want ErrEvictionRefused", err)
	}
	if !obj.IsPinned(0) {
		t.Fatal("expected the pinned page to remain resident after a refused eviction")
	}
}

func TestHandleAutonomousEvictUnknownObjectIsUnknownObject(t *testing.T) {
	p := NewProtocol()
	req := Request{Kind: ReqEvict, ID: object.ID{Lo: 999}, NRange: 1}
	if err := p.HandleAutonomousEvict(req); err != ErrUnknownObject {
		t.Fatalf("got err %v, want ErrUnknownObject", err)
	}
}

func TestFenceSerializesConcurrentCallersOfTheSameID(t *testing.T) {
	p := NewProtocol()
	id := object.ID{Lo: 5}

	var mu sync.Mutex
	inside := 0
	maxInside := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Fence(id, func() *kernel.Error {
				mu.Lock()
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				mu.Unlock()

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Fatalf("got max concurrent Fence body executions %d, want 1", maxInside)
	}
}

func TestFetchPagesInstallsReturnedFramesIntoTheObject(t *testing.T) {
	installCountingAllocator(t)
	id := object.ID{Lo: 200}
	obj := newRegisteredObject(t, id)

	p := NewProtocol()
	stop := make(chan struct{})
	defer close(stop)
	runFakePager(p, func(cmd Command) Completion {
		frame, _ := mm.AllocFrame()
		c := Completion{Kind: cmd.Kind, NPhys: 1}
		c.Phys[0] = PhysRange{Frame: frame, Count: 1}
		return c
	}, stop)

	if err := p.FetchPages(obj, []ObjectRange{{Start: 3, Count: 1}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, _, ok := obj.GetPage(3, false); !ok {
		t.Fatal("expected FetchPages to have installed page 3")
	}
}
