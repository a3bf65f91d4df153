package pager

import (
	"twzcore/kernel"
	"twzcore/kernel/mm"
	"twzcore/object"
)

// numEntries bounds the number of ranges a single PageData request or
// completion carries (the spec's NUM_ENTRIES=4).
const numEntries = 4

// ObjectRange names a run of an object's pages.
type ObjectRange struct {
	Start object.PageNumber
	Count uint64
}

// PhysRange names a run of physically contiguous frames.
type PhysRange struct {
	Frame mm.Frame
	Count uint64
}

// CommandKind tags which kernel→pager command a Command carries.
type CommandKind uint8

const (
	CmdObjInfo CommandKind = iota
	CmdPageData
	CmdDramRel
	CmdDramPages
	CmdEvict
	CmdSync
)

// fenceFlag, carried on Evict/Sync commands, asks the pager to serialize
// this command against any other still outstanding for the same (ID,
// range) before acting on it. See Protocol.Fence.
type fenceFlag bool

// Command is a single kernel→pager request. Exactly the fields relevant to
// Kind are meaningful; this mirrors a wire message more than it models a Go
// sum type, since the two queues this crosses are plain fixed-size slot
// rings rather than anything serialization-free.
type Command struct {
	Kind CommandKind
	ID   object.ID

	// ObjInfo, PageData, Evict, Sync.
	Ranges [numEntries]ObjectRange
	NRange int

	// DramRel.
	AmountBytes uint64

	// DramPages.
	Phys [numEntries]PhysRange
	NPhys int

	Fence fenceFlag
}

// ObjectInfo is the ObjInfo completion payload.
type ObjectInfo struct {
	ID       object.ID
	SizeHint uint64
}

// Completion is the reply correlated with a Command by queue order (this
// substrate's two rings are each single-producer/single-consumer, so FIFO
// order alone correlates request and reply without a sequence number on the
// wire).
type Completion struct {
	Kind CommandKind
	Err  *kernel.Error

	Info  ObjectInfo            // ObjInfo
	Phys  [numEntries]PhysRange // PageData
	NPhys int
}

// RequestKind tags which pager→kernel request a Request carries.
type RequestKind uint8

const (
	ReqEcho RequestKind = iota
	ReqReady
	ReqDramReq
	ReqObjectInfo
	ReqPageData
	ReqDramPages
	ReqEvict
)

// pageDelivery is one (PhysRange, ObjectRange) tuple in an asynchronous
// PageData prefetch request.
type pageDelivery struct {
	Phys PhysRange
	Obj  ObjectRange
}

// Request is a single pager→kernel message.
type Request struct {
	Kind RequestKind
	ID   object.ID

	DramBytes uint64 // DramReq

	Info ObjectInfo // ObjectInfo

	Deliveries  [numEntries]pageDelivery // PageData prefetch
	NDeliveries int

	Phys  [numEntries]PhysRange // DramPages
	NPhys int

	Ranges [numEntries]ObjectRange // Evict
	NRange int
}
