package statecache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deye-bridge/deye-bridge/internal/pkg/deyeapi"
)

func reading(metric string, value float64, at time.Time) deyeapi.Reading {
	return deyeapi.Reading{Metric: metric, Value: value, Unit: "W", Kind: deyeapi.MetricPower, ObservedAt: at}
}

func TestUnknownDevice(t *testing.T) {
	c := New()

	_, err := c.Device("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, c.Upsert("nope", nil, nil, time.Now()))
	assert.Error(t, c.UpsertControl("nope", deyeapi.Control{Name: "workMode"}))
}

func TestStaleRetainsLastGoodData(t *testing.T) {
	c := New()
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN1", Name: "Inverter"})

	at := time.Now()
	require.NoError(t, c.Upsert("SN1", []deyeapi.Reading{reading("pac", 4000, at)}, nil, at))

	c.MarkStale("SN1", ReasonTransientFailure)

	snap, err := c.Device("SN1")
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Equal(t, ReasonTransientFailure, snap.StaleReason)
	assert.Equal(t, 4000.0, snap.Readings["pac"].Value, "stale snapshot keeps its readings")
	assert.Equal(t, at, snap.LastSuccess, "failure does not advance LastSuccess")
}

func TestUpsertClearsStale(t *testing.T) {
	c := New()
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN1"})
	c.MarkStale("SN1", ReasonRateLimited)

	at := time.Now()
	require.NoError(t, c.Upsert("SN1", []deyeapi.Reading{reading("pac", 100, at)}, nil, at))

	snap, err := c.Device("SN1")
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.Empty(t, snap.StaleReason)
	assert.Equal(t, at, snap.LastSuccess)
}

func TestUpsertMergesByKey(t *testing.T) {
	c := New()
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN1"})

	t0 := time.Now()
	require.NoError(t, c.Upsert("SN1",
		[]deyeapi.Reading{reading("pac", 100, t0), reading("loadPower", 50, t0)},
		[]deyeapi.Control{{Name: "workMode", Value: "SELLING_FIRST"}},
		t0))

	// Second poll reports only pac;  loadPower's last value survives
	t1 := t0.Add(time.Minute)
	require.NoError(t, c.Upsert("SN1", []deyeapi.Reading{reading("pac", 200, t1)}, nil, t1))

	snap, err := c.Device("SN1")
	require.NoError(t, err)
	assert.Equal(t, 200.0, snap.Readings["pac"].Value)
	assert.Equal(t, 50.0, snap.Readings["loadPower"].Value)
	assert.Equal(t, "SELLING_FIRST", snap.Controls["workMode"].Value)
	assert.Equal(t, t1, snap.LastSuccess)
}

func TestLastSuccessIsMonotonic(t *testing.T) {
	c := New()
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN1"})

	t1 := time.Now()
	t0 := t1.Add(-time.Minute)

	require.NoError(t, c.Upsert("SN1", nil, nil, t1))
	require.NoError(t, c.Upsert("SN1", nil, nil, t0))

	snap, err := c.Device("SN1")
	require.NoError(t, err)
	assert.Equal(t, t1, snap.LastSuccess, "an out-of-order result never rewinds LastSuccess")
}

func TestUpsertControlTouchesOnlyThatControl(t *testing.T) {
	c := New()
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN1"})

	at := time.Now()
	require.NoError(t, c.Upsert("SN1",
		[]deyeapi.Reading{reading("pac", 100, at)},
		[]deyeapi.Control{
			{Name: "workMode", Value: "SELLING_FIRST"},
			{Name: "energyPattern", Value: "LOAD_FIRST"},
		},
		at))
	c.MarkStale("SN1", ReasonCycleTimeout)

	require.NoError(t, c.UpsertControl("SN1", deyeapi.Control{Name: "workMode", Value: "ZERO_EXPORT_TO_LOAD"}))

	snap, err := c.Device("SN1")
	require.NoError(t, err)
	assert.Equal(t, "ZERO_EXPORT_TO_LOAD", snap.Controls["workMode"].Value)
	assert.Equal(t, "LOAD_FIRST", snap.Controls["energyPattern"].Value)
	assert.Equal(t, 100.0, snap.Readings["pac"].Value)
	assert.True(t, snap.Stale, "a command write does not vouch for freshness")
	assert.Equal(t, at, snap.LastSuccess)
}

func TestMarkAllStale(t *testing.T) {
	c := New()
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN1"})
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN2"})
	c.EnsureStation(deyeapi.StationInfo{ID: "st-1"})

	c.MarkAllStale(ReasonAuthFailure)

	for _, snap := range c.Devices() {
		assert.True(t, snap.Stale)
		assert.Equal(t, ReasonAuthFailure, snap.StaleReason)
	}
	for _, snap := range c.Stations() {
		assert.True(t, snap.Stale)
		assert.Equal(t, ReasonAuthFailure, snap.StaleReason)
	}
}

func TestSnapshotsAreCopies(t *testing.T) {
	c := New()
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN1"})

	at := time.Now()
	require.NoError(t, c.Upsert("SN1", []deyeapi.Reading{reading("pac", 100, at)}, nil, at))

	snap, err := c.Device("SN1")
	require.NoError(t, err)
	snap.Readings["pac"] = reading("pac", -1, at)

	again, err := c.Device("SN1")
	require.NoError(t, err)
	assert.Equal(t, 100.0, again.Readings["pac"].Value, "mutating a returned snapshot does not touch the cache")
}

func TestEnsureDeviceRefreshesInfo(t *testing.T) {
	c := New()
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN1", Name: "old name", Firmware: "1.0"})

	at := time.Now()
	require.NoError(t, c.Upsert("SN1", []deyeapi.Reading{reading("pac", 100, at)}, nil, at))

	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN1", Name: "new name", Firmware: "1.1"})

	snap, err := c.Device("SN1")
	require.NoError(t, err)
	assert.Equal(t, "new name", snap.Info.Name)
	assert.Equal(t, "1.1", snap.Info.Firmware)
	assert.Equal(t, 100.0, snap.Readings["pac"].Value, "re-enumeration keeps accumulated readings")
}

func TestDevicesOrderedBySerial(t *testing.T) {
	c := New()
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN3"})
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN1"})
	c.EnsureDevice(deyeapi.DeviceInfo{SN: "SN2"})

	assert.Equal(t, []string{"SN1", "SN2", "SN3"}, c.DeviceSNs())

	devs := c.Devices()
	require.Len(t, devs, 3)
	assert.Equal(t, "SN1", devs[0].Info.SN)
	assert.Equal(t, "SN3", devs[2].Info.SN)
}

func TestStationLifecycle(t *testing.T) {
	c := New()
	c.EnsureStation(deyeapi.StationInfo{ID: "st-1", Name: "Home"})

	at := time.Now()
	require.NoError(t, c.UpsertStation("st-1", []deyeapi.Reading{reading("currentPower", 3.5, at)}, at))

	snap, err := c.Station("st-1")
	require.NoError(t, err)
	assert.Equal(t, "Home", snap.Info.Name)
	assert.Equal(t, 3.5, snap.Readings["currentPower"].Value)
	assert.False(t, snap.Stale)

	c.MarkStationStale("st-1", ReasonTransientFailure)

	snap, err = c.Station("st-1")
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Equal(t, 3.5, snap.Readings["currentPower"].Value)

	_, err = c.Station("st-2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReasonForFailure(t *testing.T) {
	assert.Equal(t, ReasonAuthFailure, ReasonForFailure(deyeapi.FailureAuth))
	assert.Equal(t, ReasonRateLimited, ReasonForFailure(deyeapi.FailureRateLimited))
	assert.Equal(t, ReasonProtocolFailure, ReasonForFailure(deyeapi.FailureProtocol))
	assert.Equal(t, ReasonTransientFailure, ReasonForFailure(deyeapi.FailureTransient))
}
