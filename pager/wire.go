package pager

import (
	"twzcore/device"
	"twzcore/kernel"
	"twzcore/object"
	"twzcore/vmctx"
)

// Install registers p as the kernel's pager-fetch hook, superseding
// vmctx's demand-zero default, and registers it as a device so its
// DriverInit participates in ordinary driver detection/init ordering (the
// pager is not an ACPI-discoverable device, but the same registry and
// DetectOrder scheme manages when it comes up relative to other devices
// that may need to read pager-backed objects).
func Install(p *Protocol) {
	vmctx.SetPagerFetchFn(func(obj *object.Object, pn object.PageNumber) *kernel.Error {
		return p.FetchPages(obj, []ObjectRange{{Start: pn, Count: 1}})
	})
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderLast,
		Probe: func() device.Driver { return p },
	})
}
