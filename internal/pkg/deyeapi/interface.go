package deyeapi

import (
	"context"
	"time"
)

// StationInfo identifies a plant/site registered in the Deye account.
type StationInfo struct {
	ID   string
	Name string
}

// DeviceInfo is the per-inverter metadata discovered at enumeration time.
type DeviceInfo struct {
	SN        string
	Name      string
	Model     string
	Firmware  string
	StationID string
}

// Topology is the result of account enumeration: every station and
// every device the credentials can see.
type Topology struct {
	Stations []StationInfo
	Devices  []DeviceInfo
}

// Reading is one normalized numeric measure point.
type Reading struct {
	Metric     string
	Value      float64
	Unit       string
	Kind       MetricKind
	ObservedAt time.Time
}

// Control is a settable attribute of a device, with the values the
// vendor accepts for it.
type Control struct {
	Name    string
	Value   string
	Allowed []string
}

// DeviceData is the normalized latest-data payload for one device.
type DeviceData struct {
	SN       string
	Readings []Reading
	Controls []Control
}

// StationData is the normalized latest-data payload for one station.
type StationData struct {
	ID       string
	Readings []Reading
}

// DeyeCloud is the Deye developer-cloud surface the bridge consumes.
// Live is the real implementation; tests substitute fakes.
type DeyeCloud interface {
	WithTimeout(d time.Duration) DeyeCloud
	Topology(ctx context.Context) (Topology, error)
	LatestData(ctx context.Context, deviceSNs []string) ([]DeviceData, error)
	StationLatest(ctx context.Context, stationID string) (StationData, error)
	SetWorkMode(ctx context.Context, deviceSN string, mode string) error
	SetEnergyPattern(ctx context.Context, deviceSN string, pattern string) error
	SetBatteryChargeMode(ctx context.Context, deviceSN string, on bool) error
}

// TokenSource supplies bearer tokens for API requests and accepts
// invalidation when the server rejects one.
type TokenSource interface {
	Bearer(ctx context.Context) (string, error)
	Invalidate()
}
