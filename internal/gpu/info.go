package gpu

import "fmt"

// DeviceInfo contains information about a device for startup banners and
// logging.
type DeviceInfo struct {
	Index             int    `json:"index"`
	Name              string `json:"name"`
	TotalMemory       uint64 `json:"totalMemory"` // in bytes
	ComputeCapability string `json:"computeCapability"`
}

// Version is a decoded (major, minor) runtime or driver version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

func (v Version) String() string { return fmt.Sprintf("v%d.%d", v.Major, v.Minor) }

// decodeVersion splits a runtime-encoded version such as 12040 into 12.4.
func decodeVersion(v int) Version {
	major := v / 1000
	return Version{Major: major, Minor: (v - major*1000) / 10}
}

// VersionInfo reports the runtime, driver and DNN library versions.
type VersionInfo struct {
	Driver        string  `json:"driver"`
	RuntimeRaw    int     `json:"runtimeRaw"`
	Runtime       Version `json:"runtime"`
	DriverRaw     int     `json:"driverRaw"`
	DriverVersion Version `json:"driverVersion"`
	DNN           [3]int  `json:"dnn"`
}

// DeviceCount returns the number of visible devices.
func (r *Registry) DeviceCount() int {
	n, st := r.driver.DeviceCount()
	r.check.CUDAExtended(st)
	return n
}

// ComputeCapability returns the device name and its compute capability in
// major*100 + minor*10 form (8.6 is 860).
func (r *Registry) ComputeCapability(i int) (string, int) {
	prop, st := r.driver.DeviceProperties(i)
	r.check.CUDAExtended(st)
	return prop.Name, prop.Major*100 + prop.Minor*10
}

// DeviceInfo returns diagnostic information about device i.
func (r *Registry) DeviceInfo(i int) DeviceInfo {
	prop, st := r.driver.DeviceProperties(i)
	r.check.CUDAExtended(st)
	return DeviceInfo{
		Index:             i,
		Name:              prop.Name,
		TotalMemory:       prop.TotalMemory,
		ComputeCapability: fmt.Sprintf("%d.%d", prop.Major, prop.Minor),
	}
}

// Versions returns the runtime, driver and DNN versions.
func (r *Registry) Versions() VersionInfo {
	rt, st := r.driver.RuntimeVersion()
	r.check.CUDAExtended(st)
	dv, st := r.driver.DriverVersion()
	r.check.CUDAExtended(st)
	major, minor, patch := r.driver.DNNVersion()
	return VersionInfo{
		Driver:        r.driver.Name(),
		RuntimeRaw:    rt,
		Runtime:       decodeVersion(rt),
		DriverRaw:     dv,
		DriverVersion: decodeVersion(dv),
		DNN:           [3]int{major, minor, patch},
	}
}
