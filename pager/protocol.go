package pager

import (
	"runtime"

	"twzcore/kernel"
	"twzcore/kernel/mm"
	"twzcore/kernel/sync"
	"twzcore/object"
)

var (
	// ErrQueueFull reports that a ring had no room for an outbound command
	// or reply; the spec's PagerRequestErr::Unknown covers both this and
	// ErrNoReply, since the kernel does not distinguish a slow pager from a
	// momentarily saturated queue.
	ErrQueueFull = &kernel.Error{Module: "pager", Message: "pager request queue full", Kind: kernel.KindPager}

	// ErrNoReply reports that Call's poll budget was exhausted without a
	// completion arriving.
	ErrNoReply = &kernel.Error{Module: "pager", Message: "pager did not reply", Kind: kernel.KindPager}

	// ErrEvictionRefused reports that an autonomous Evict request named a
	// range with an outstanding pin; the pager is expected to retry later.
	ErrEvictionRefused = &kernel.Error{Module: "pager", Message: "range is pinned; retry eviction later", Kind: kernel.KindPager}

	// ErrUnknownObject reports a request naming an object the kernel has no
	// record of.
	ErrUnknownObject = &kernel.Error{Module: "pager", Message: "unknown object id", Kind: kernel.KindName}
)

// pollBudget bounds how many times Call spins waiting for a completion
// before giving up. There is no hardware timer in this simulation to hang a
// real deadline off; a bounded spin matches the spec's "tolerates pager
// slowness but not pager death" framing closely enough for a host process
// standing in for a cooperative async pager.
const pollBudget = 1 << 20

// pollFn is called between unsuccessful poll attempts in Call, a seam over
// runtime.Gosched so tests can make the spin deterministic.
var pollFn = runtime.Gosched

// SetPollFn overrides the spin-wait yield used by Call, or restores the
// default when fn is nil.
func SetPollFn(fn func()) {
	if fn == nil {
		pollFn = runtime.Gosched
		return
	}
	pollFn = fn
}

// fenceKey identifies the (object, range) an Evict/Sync FENCE serializes on.
// Ranges are not intersected against each other; two different sub-ranges of
// the same object still serialize. This is conservative relative to the
// spec's "same (id, range)" wording but never incorrect, only occasionally
// stricter than necessary.
type fenceKey object.ID

// Protocol is the kernel side of the two SPSC queues connecting to a
// user-space pager: outbound commands with their correlated completions, and
// inbound pager-initiated requests with the completions the kernel sends
// back for them.
type Protocol struct {
	cmdOut   *Ring[Command]
	complIn  *Ring[Completion]
	reqIn    *Ring[Request]
	complOut *Ring[Completion]

	fenceMu sync.Spinlock
	fenced  map[fenceKey]bool
}

// NewProtocol creates a Protocol with empty queues, ready to be registered
// as a device.Driver once the pager process has attached to its shared
// memory.
func NewProtocol() *Protocol {
	return &Protocol{
		cmdOut:   NewRing[Command](),
		complIn:  NewRing[Completion](),
		reqIn:    NewRing[Request](),
		complOut: NewRing[Completion](),
		fenced:   make(map[fenceKey]bool),
	}
}

// DriverName implements device.Driver.
func (p *Protocol) DriverName() string { return "pager" }

// DriverVersion implements device.Driver.
func (p *Protocol) DriverVersion() (major, minor, patch uint16) { return 1, 0, 0 }

// DriverInit implements device.Driver: it has nothing to do beyond existing,
// since both queues are already usable the moment the kernel has a live
// Protocol value; the pager attaches to them from user space independently.
func (p *Protocol) DriverInit() *kernel.Error { return nil }

// Call sends cmd to the pager and blocks (by spinning pollFn) until the
// correlated completion arrives. The two rings are FIFO and
// single-producer/single-consumer on each side, so the N'th completion
// popped off complIn answers the N'th command pushed to cmdOut; Call relies
// on the caller serializing its own use of a given Protocol (Fence exists
// for exactly the cases where that serialization must span the object/range
// rather than just this one call).
func (p *Protocol) Call(cmd Command) (Completion, *kernel.Error) {
	if !p.cmdOut.Push(cmd) {
		return Completion{}, ErrQueueFull
	}
	for i := 0; i < pollBudget; i++ {
		if compl, ok := p.complIn.Pop(); ok {
			return compl, compl.Err
		}
		pollFn()
	}
	return Completion{}, ErrNoReply
}

// PagerPopCommand pops the next outbound command queued for the pager side
// of the protocol, the mirror image of Call's Push. A real deployment's
// pager process reads its half of the shared-memory ring through the
// equivalent of this call; in this hosted simulation it also lets a test
// stand in for that process without reaching into Protocol's queues.
func (p *Protocol) PagerPopCommand() (Command, bool) {
	return p.cmdOut.Pop()
}

// PagerPushCompletion delivers a completion for the command PagerPopCommand
// most recently returned, correlated to it by FIFO order exactly as Call
// documents.
func (p *Protocol) PagerPushCompletion(c Completion) bool {
	return p.complIn.Push(c)
}

// Fence runs fn with Evict/Sync traffic against id held off from any other
// goroutine's Fence call against the same id, implementing the spec's
// "Evict/Sync requests for the same (id, range) are serialized by an
// optional FENCE flag" guarantee. Callers issuing a Command with Fence set
// true should do so from inside a Fence(id, ...) call.
func (p *Protocol) Fence(id object.ID, fn func() *kernel.Error) *kernel.Error {
	key := fenceKey(id)
	for {
		p.fenceMu.Acquire()
		if !p.fenced[key] {
			p.fenced[key] = true
			p.fenceMu.Release()
			break
		}
		p.fenceMu.Release()
		pollFn()
	}
	defer func() {
		p.fenceMu.Acquire()
		delete(p.fenced, key)
		p.fenceMu.Release()
	}()
	return fn()
}

// FetchPages asks the pager for up to numEntries ranges of id and installs
// whatever physical frames it returns into obj's range tree, resuming any
// faulter once AddPage returns. Component D's pagerFetchFn hook calls
// through this (via SetPagerFetchFn) once the pager protocol replaces the
// demand-zero default.
func (p *Protocol) FetchPages(obj *object.Object, ranges []ObjectRange) *kernel.Error {
	if len(ranges) == 0 || len(ranges) > numEntries {
		return ErrUnknownObject
	}
	cmd := Command{Kind: CmdPageData, ID: obj.ID(), NRange: len(ranges)}
	copy(cmd.Ranges[:], ranges)

	compl, err := p.Call(cmd)
	if err != nil {
		return err
	}
	for i := 0; i < compl.NPhys && i < len(ranges); i++ {
		phys := compl.Phys[i]
		rng := ranges[i]
		for j := uint64(0); j < phys.Count && j < rng.Count; j++ {
			frame := mm.Frame(uintptr(phys.Frame) + uintptr(j))
			if addErr := obj.AddPage(rng.Start+object.PageNumber(j), frame); addErr != nil {
				return addErr
			}
		}
	}
	return nil
}

// HandleAutonomousEvict implements the pager-initiated half of Evict: the
// pager may send this without a prior kernel request, and the kernel must
// invalidate the named ranges everywhere they are mapped (object.Invalidate
// already fans this out to every VM context via the object's Invalidator
// registry) after first confirming no page in the range is pinned. A pinned
// page means the eviction is refused and the pager is expected to retry
// later, per the spec's "if a pin exists, the eviction is refused with a
// retry hint" clause.
func (p *Protocol) HandleAutonomousEvict(req Request) *kernel.Error {
	obj, result := object.Global.Lookup(req.ID, 0)
	if result != object.Found {
		return ErrUnknownObject
	}

	return p.Fence(req.ID, func() *kernel.Error {
		for i := 0; i < req.NRange; i++ {
			rng := req.Ranges[i]
			for pn := rng.Start; pn < rng.Start+object.PageNumber(rng.Count); pn++ {
				if obj.IsPinned(pn) {
					return ErrEvictionRefused
				}
			}
		}
		for i := 0; i < req.NRange; i++ {
			rng := req.Ranges[i]
			obj.Invalidate(rng.Start, rng.Count, object.InvalidateFull)
		}
		return nil
	})
}

// ServiceRequests drains every presently-queued pager→kernel request,
// dispatching each to its handler and pushing a completion onto complOut.
// It is meant to be run from a dedicated kernel thread polling reqIn, not
// from interrupt context.
func (p *Protocol) ServiceRequests() {
	for {
		req, ok := p.reqIn.Pop()
		if !ok {
			return
		}
		p.dispatch(req)
	}
}

func (p *Protocol) dispatch(req Request) {
	switch req.Kind {
	case ReqEcho:
		p.complOut.Push(Completion{Kind: CmdObjInfo})
	case ReqReady:
		// Bootstrap acknowledgement; nothing further to do until the pager
		// issues real requests.
	case ReqEvict:
		err := p.HandleAutonomousEvict(req)
		p.complOut.Push(Completion{Kind: CmdEvict, Err: err})
	case ReqDramPages:
		for i := 0; i < req.NPhys; i++ {
			phys := req.Phys[i]
			for j := uint64(0); j < phys.Count; j++ {
				mm.FreeFrame(mm.Frame(uintptr(phys.Frame) + uintptr(j)))
			}
		}
	case ReqDramReq, ReqObjectInfo, ReqPageData:
		// DramReq (the pager asking for frames back), ObjectInfo
		// announcements, and unsolicited PageData prefetch deliveries get
		// no kernel-side handling here: they are popped and dropped with
		// no completion pushed. Only Echo, Evict and DramPages have
		// handlers in this layer.
	}
}
