package vmctx

import (
	"twzcore/kernel/mm"
	"twzcore/kernel/sync"
)

// CPU models one of the hosted simulation's goroutine-backed CPUs as seen
// from a single VM context: a cache of (Slot, PageNumber)→Frame
// translations it has observed, standing in for the hardware TLB this
// substrate otherwise has no way to represent (the page-table walk in
// kernel/mm/vmm always reads the live table, so without an explicit cache
// there would be nothing for a shootdown to invalidate).
type CPU struct {
	id  uint32
	ctx *Context

	mu    sync.Spinlock
	cache map[translationKey]mm.Frame
}

type translationKey struct {
	slot Slot
	pn   uint64
}

// AttachCPU registers a new simulated CPU with the context and returns a
// handle other goroutines standing in for that CPU use to record and look
// up cached translations.
func (c *Context) AttachCPU(id uint32) *CPU {
	cpuHandle := &CPU{id: id, ctx: c, cache: make(map[translationKey]mm.Frame)}

	c.cpuMu.Acquire()
	c.cpus[id] = cpuHandle
	c.cpuMu.Release()

	return cpuHandle
}

// DetachCPU removes a CPU previously returned by AttachCPU; it no longer
// receives shootdown broadcasts.
func (c *Context) DetachCPU(id uint32) {
	c.cpuMu.Acquire()
	delete(c.cpus, id)
	c.cpuMu.Release()
}

// Cache records that a walk of slot's translation for page pn resolved to
// frame, as if the hardware had just populated a TLB entry.
func (cpu *CPU) Cache(slot Slot, pn uint64, frame mm.Frame) {
	cpu.mu.Acquire()
	defer cpu.mu.Release()
	cpu.cache[translationKey{slot, pn}] = frame
}

// Lookup returns the cached translation for (slot, pn), if any.
func (cpu *CPU) Lookup(slot Slot, pn uint64) (mm.Frame, bool) {
	cpu.mu.Acquire()
	defer cpu.mu.Release()
	f, ok := cpu.cache[translationKey{slot, pn}]
	return f, ok
}

// purgeSlot drops every cached translation belonging to slot.
func (cpu *CPU) purgeSlot(slot Slot) {
	cpu.mu.Acquire()
	defer cpu.mu.Release()
	for k := range cpu.cache {
		if k.slot == slot {
			delete(cpu.cache, k)
		}
	}
}

// shootdown purges slot's cached translations from every CPU attached to
// the context, synchronously: it does not return until every attached
// CPU's cache has been updated, so a caller that calls shootdown from
// Unmap or InvalidateRange is guaranteed that no other attached CPU can
// observe a stale translation for an address in slot's range after the
// call that triggered the shootdown returns.
func (c *Context) shootdown(slot Slot) {
	c.cpuMu.Acquire()
	targets := make([]*CPU, 0, len(c.cpus))
	for _, cpuHandle := range c.cpus {
		targets = append(targets, cpuHandle)
	}
	c.cpuMu.Release()

	for _, cpuHandle := range targets {
		cpuHandle.purgeSlot(slot)
	}
}
