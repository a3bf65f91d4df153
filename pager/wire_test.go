package pager

import (
	"testing"

	"twzcore/device"
	"twzcore/vmctx"
)

func TestInstallRegistersTheProtocolAsADriver(t *testing.T) {
	t.Cleanup(func() { vmctx.SetPagerFetchFn(nil) })
	before := len(device.DriverList())

	p := NewProtocol()
	Install(p)

	list := device.DriverList()
	if len(list) != before+1 {
		t.Fatalf("expected one additional registered driver, got %d -> %d", before, len(list))
	}
	got := list[len(list)-1].Probe()
	if got.DriverName() != "pager" {
		t.Fatalf("got driver name %q, want %q", got.DriverName(), "pager")
	}
}
