package statecache

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/deye-bridge/deye-bridge/internal/pkg/deyeapi"
)

// Reason records why a snapshot went stale
type Reason string

const (
	ReasonEnumerationFailed Reason = "EnumerationFailed"
	ReasonAuthFailure       Reason = "AuthFailure"
	ReasonRateLimited       Reason = "RateLimited"
	ReasonTransientFailure  Reason = "TransientFailure"
	ReasonProtocolFailure   Reason = "ProtocolFailure"
	ReasonCycleTimeout      Reason = "CycleTimeout"
)

// ReasonForFailure maps an API failure classification to a staleness reason
func ReasonForFailure(kind deyeapi.FailureKind) Reason {
	switch kind {
	case deyeapi.FailureAuth:
		return ReasonAuthFailure
	case deyeapi.FailureRateLimited:
		return ReasonRateLimited
	case deyeapi.FailureProtocol:
		return ReasonProtocolFailure
	default:
		return ReasonTransientFailure
	}
}

// ErrNotFound is returned when a device or station is not in the cache
var ErrNotFound = errors.New("not found in state cache")

// DeviceSnapshot is the last known state of one inverter.  A stale
// snapshot keeps its last good readings;  Stale plus StaleReason are
// the freshness signal consumers must honour.
type DeviceSnapshot struct {
	Info        deyeapi.DeviceInfo
	Readings    map[string]deyeapi.Reading
	Controls    map[string]deyeapi.Control
	LastSuccess time.Time
	Stale       bool
	StaleReason Reason
}

// StationSnapshot is the last known state of one plant/site
type StationSnapshot struct {
	Info        deyeapi.StationInfo
	Readings    map[string]deyeapi.Reading
	LastSuccess time.Time
	Stale       bool
	StaleReason Reason
}

// Cache holds the latest reconciled snapshot per device and station.
// Writers are the polling coordinator and the command path;  reads get
// value copies and never observe a half-applied update.
type Cache struct {
	mu       sync.RWMutex
	devices  map[string]*DeviceSnapshot
	stations map[string]*StationSnapshot
}

func New() *Cache {
	return &Cache{
		devices:  make(map[string]*DeviceSnapshot),
		stations: make(map[string]*StationSnapshot),
	}
}

// EnsureDevice registers a device found during enumeration, creating a
// snapshot placeholder if this is the first sighting and refreshing the
// device info either way.
func (c *Cache) EnsureDevice(info deyeapi.DeviceInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.devices[info.SN]
	if !ok {
		snap = &DeviceSnapshot{
			Readings: make(map[string]deyeapi.Reading),
			Controls: make(map[string]deyeapi.Control),
		}
		c.devices[info.SN] = snap
	}

	snap.Info = info
}

func (c *Cache) EnsureStation(info deyeapi.StationInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.stations[info.ID]
	if !ok {
		snap = &StationSnapshot{
			Readings: make(map[string]deyeapi.Reading),
		}
		c.stations[info.ID] = snap
	}

	snap.Info = info
}

// Upsert applies a successful poll: the supplied readings and controls
// replace their keys, the snapshot is marked fresh and LastSuccess
// advances.
func (c *Cache) Upsert(sn string, readings []deyeapi.Reading, controls []deyeapi.Control, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.devices[sn]
	if !ok {
		return errors.Wrapf(ErrNotFound, "device %s", sn)
	}

	for _, r := range readings {
		snap.Readings[r.Metric] = r
	}
	for _, ctl := range controls {
		snap.Controls[ctl.Name] = ctl
	}

	if at.After(snap.LastSuccess) {
		snap.LastSuccess = at
	}
	snap.Stale = false
	snap.StaleReason = ""

	return nil
}

// UpsertControl is the optimistic write-through after a successful
// command: only the targeted control changes, everything else is left
// for the next poll to confirm.
func (c *Cache) UpsertControl(sn string, control deyeapi.Control) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.devices[sn]
	if !ok {
		return errors.Wrapf(ErrNotFound, "device %s", sn)
	}

	snap.Controls[control.Name] = control

	return nil
}

// MarkStale flags a snapshot untrustworthy without discarding its data
func (c *Cache) MarkStale(sn string, reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap, ok := c.devices[sn]; ok {
		snap.Stale = true
		snap.StaleReason = reason
	}
}

// MarkAllStale flags every device and station snapshot, used when
// enumeration or account auth fails
func (c *Cache) MarkAllStale(reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, snap := range c.devices {
		snap.Stale = true
		snap.StaleReason = reason
	}
	for _, snap := range c.stations {
		snap.Stale = true
		snap.StaleReason = reason
	}
}

func (c *Cache) UpsertStation(id string, readings []deyeapi.Reading, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap, ok := c.stations[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "station %s", id)
	}

	for _, r := range readings {
		snap.Readings[r.Metric] = r
	}

	if at.After(snap.LastSuccess) {
		snap.LastSuccess = at
	}
	snap.Stale = false
	snap.StaleReason = ""

	return nil
}

func (c *Cache) MarkStationStale(id string, reason Reason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if snap, ok := c.stations[id]; ok {
		snap.Stale = true
		snap.StaleReason = reason
	}
}

// Device returns a copy of one snapshot
func (c *Cache) Device(sn string) (DeviceSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.devices[sn]
	if !ok {
		return DeviceSnapshot{}, errors.Wrapf(ErrNotFound, "device %s", sn)
	}

	return copyDevice(snap), nil
}

// Devices returns copies of every device snapshot, ordered by serial
func (c *Cache) Devices() []DeviceSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]DeviceSnapshot, 0, len(c.devices))
	for _, snap := range c.devices {
		out = append(out, copyDevice(snap))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Info.SN < out[j].Info.SN })

	return out
}

func (c *Cache) Station(id string) (StationSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap, ok := c.stations[id]
	if !ok {
		return StationSnapshot{}, errors.Wrapf(ErrNotFound, "station %s", id)
	}

	return copyStation(snap), nil
}

func (c *Cache) Stations() []StationSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]StationSnapshot, 0, len(c.stations))
	for _, snap := range c.stations {
		out = append(out, copyStation(snap))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })

	return out
}

// DeviceSNs returns the serials of every cached device
func (c *Cache) DeviceSNs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.devices))
	for sn := range c.devices {
		out = append(out, sn)
	}
	sort.Strings(out)

	return out
}

func copyDevice(snap *DeviceSnapshot) DeviceSnapshot {
	out := *snap

	out.Readings = make(map[string]deyeapi.Reading, len(snap.Readings))
	for k, v := range snap.Readings {
		out.Readings[k] = v
	}

	out.Controls = make(map[string]deyeapi.Control, len(snap.Controls))
	for k, v := range snap.Controls {
		out.Controls[k] = v
	}

	return out
}

func copyStation(snap *StationSnapshot) StationSnapshot {
	out := *snap

	out.Readings = make(map[string]deyeapi.Reading, len(snap.Readings))
	for k, v := range snap.Readings {
		out.Readings[k] = v
	}

	return out
}
