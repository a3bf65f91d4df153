package syscall

import (
	"unsafe"

	"twzcore/kernel"
	"twzcore/kernel/mm"
	"twzcore/object"
	"twzcore/vmctx"
)

// AnySlot tells ObjectMap to pick any free slot from the calling context's
// allocator rather than binding a caller-chosen one.
const AnySlot = vmctx.Slot(^uint32(0))

// ObjectCreateArgs carries ObjectCreate's arguments: backing and lifetime
// class, the default protections new mappings of the object may request,
// an optional tie (deletion cascades from Tie to the new object), and an
// optional source to copy into the object starting at offset 0 before
// returning.
type ObjectCreateArgs struct {
	Backing            object.BackingClass
	Lifetime           object.Lifetime
	DefaultProtections object.Protections
	Tie                object.ID
	Source             []byte
}

var errObjectCreateRegister = &kernel.Error{Module: "syscall", Message: "object id collided with an existing registration", Kind: kernel.KindName}

// ObjectCreate creates a new object and registers it with the global
// object manager, optionally copying Source into it starting at offset 0
// (one frame per PageSize-sized chunk of Source, allocated on demand).
func (t *Table) ObjectCreate(args ObjectCreateArgs) (object.ID, *kernel.Error) {
	id := t.nextObjectID().WithPersistent(args.Lifetime == object.Persistent)

	obj := object.New(id, args.Lifetime, args.Backing)
	obj.Meta.DefaultProtections = args.DefaultProtections
	obj.Meta.Tie = args.Tie

	if err := object.Global.Register(obj); err != nil {
		return object.ID{}, errObjectCreateRegister
	}

	if len(args.Source) == 0 {
		return id, nil
	}
	if err := t.writeSource(obj, args.Source); err != nil {
		return object.ID{}, err
	}
	return id, nil
}

// writeSource allocates the frames needed to back len(src) bytes at offset
// 0 of obj and copies src into them via copyIntoFn, one page at a time.
func (t *Table) writeSource(obj *object.Object, src []byte) *kernel.Error {
	pageSize := int(mm.PageSize)
	for written := 0; written < len(src); {
		pn := object.PageNumber(written / pageSize)
		if _, _, ok := obj.GetPage(pn, true); !ok {
			f, err := mm.AllocFrame()
			if err != nil {
				return err
			}
			if err := obj.AddPage(pn, f); err != nil {
				mm.FreeFrame(f)
				return err
			}
		}

		chunk := pageSize
		if remaining := len(src) - written; remaining < chunk {
			chunk = remaining
		}
		if err := t.copyIntoFn(obj, uint64(written), src[written:written+chunk]); err != nil {
			return err
		}
		written += chunk
	}
	return nil
}

// defaultCopyInto dereferences the destination frame's physical address
// directly, the same raw-pointer style kernel.Memcopy uses elsewhere in
// this repo for memory access that by nature cannot go through the Go type
// system; tests substitute SetCopyIntoFn instead of exercising a real
// frame-backed address.
func defaultCopyInto(dst *object.Object, dstOffset uint64, src []byte) *kernel.Error {
	pn := object.PageNumber(dstOffset / uint64(mm.PageSize))
	frame, _, ok := dst.GetPage(pn, true)
	if !ok {
		return &kernel.Error{Module: "syscall", Message: "destination page not present", Kind: kernel.KindMemory}
	}
	addr := frame.Address() + uintptr(dstOffset%uint64(mm.PageSize))
	kernel.Memcopy(uintptr(unsafe.Pointer(&src[0])), addr, uintptr(len(src)))
	return nil
}

// ObjectMap binds id into the calling context at slot, or at any free slot
// if slot is AnySlot, with the given protections and flags. It returns the
// slot actually bound.
func (t *Table) ObjectMap(id object.ID, slot vmctx.Slot, prot object.Protections, flags vmctx.MapFlags) (vmctx.Slot, *kernel.Error) {
	if slot == AnySlot {
		s, err := t.Context.AllocSlot()
		if err != nil {
			return 0, err
		}
		slot = s
	}
	if err := t.Context.Map(slot, id, prot, flags); err != nil {
		return 0, err
	}
	return slot, nil
}

// ObjectUnmap removes slot's binding from the calling context.
func (t *Table) ObjectUnmap(slot vmctx.Slot) *kernel.Error {
	return t.Context.Unmap(slot)
}

// ObjectReadMap reports the binding currently installed in slot.
func (t *Table) ObjectReadMap(slot vmctx.Slot) (vmctx.MapInfo, *kernel.Error) {
	return t.Context.ReadMap(slot)
}
