package device

import "twzcore/kernel"

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver.
	DriverInit() *kernel.Error
}

// DetectOrder controls when, relative to other registered drivers, a
// DriverInfo's Probe function runs. Lower values run first.
type DetectOrder uint8

const (
	DetectOrderEarly DetectOrder = iota
	DetectOrderBeforeACPI
	DetectOrderACPI
	DetectOrderLast
)

// DriverInfo registers a driver's detection entrypoint together with the
// order it should run in relative to every other registered driver.
type DriverInfo struct {
	// Order controls detection ordering; lower values probe first.
	Order DetectOrder

	// Probe attempts to detect and construct the driver, returning nil if
	// the device it looks for is not present.
	Probe func() Driver

	// Instance holds the constructed Driver once Probe has succeeded.
	Instance Driver
}

var registeredDrivers []*DriverInfo

// RegisterDriver adds info to the set of known drivers. A driver package
// calls this from its own init function.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverInfoList implements sort.Interface over a set of DriverInfo
// entries, ordering by Order.
type DriverInfoList []*DriverInfo

func (l DriverInfoList) Len() int      { return len(l) }
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }
func (l DriverInfoList) Less(i, j int) bool {
	return l[i].Order < l[j].Order
}

// DriverList returns every registered DriverInfo. Callers that need
// detection order should sort.Sort the result.
func DriverList() DriverInfoList {
	return DriverInfoList(registeredDrivers)
}
