package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deye-bridge/deye-bridge/internal/pkg/deyeapi"
	"github.com/deye-bridge/deye-bridge/internal/pkg/statecache"
)

type fakeService struct {
	devices  map[string]statecache.DeviceSnapshot
	stations []statecache.StationSnapshot

	commandErr error
	commands   []string
}

func (f *fakeService) GetSnapshot(sn string) (statecache.DeviceSnapshot, error) {
	snap, ok := f.devices[sn]
	if !ok {
		return statecache.DeviceSnapshot{}, errors.Wrapf(statecache.ErrNotFound, "device %s", sn)
	}
	return snap, nil
}

func (f *fakeService) Snapshots() []statecache.DeviceSnapshot {
	out := make([]statecache.DeviceSnapshot, 0, len(f.devices))
	for _, snap := range f.devices {
		out = append(out, snap)
	}
	return out
}

func (f *fakeService) Stations() []statecache.StationSnapshot {
	return f.stations
}

func (f *fakeService) IssueCommand(ctx context.Context, sn, control, value string) error {
	f.commands = append(f.commands, sn+":"+control+"="+value)
	return f.commandErr
}

func newTestServer(svc Service) *httptest.Server {
	r := mux.NewRouter()
	NewAPI(svc).Routes(r)
	return httptest.NewServer(r)
}

func sampleSnapshot() statecache.DeviceSnapshot {
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	return statecache.DeviceSnapshot{
		Info: deyeapi.DeviceInfo{SN: "SN1", Name: "Garage inverter", Model: "SUN-10K", StationID: "st-1"},
		Readings: map[string]deyeapi.Reading{
			"pac": {Metric: "pac", Value: 4200, Unit: "W", Kind: deyeapi.MetricPower, ObservedAt: at},
		},
		Controls: map[string]deyeapi.Control{
			deyeapi.ControlWorkMode: {
				Name:    deyeapi.ControlWorkMode,
				Value:   deyeapi.WorkModeSellingFirst,
				Allowed: []string{deyeapi.WorkModeSellingFirst, deyeapi.WorkModeZeroExportToLoad, deyeapi.WorkModeZeroExportToCT},
			},
		},
		LastSuccess: at,
		Stale:       true,
		StaleReason: statecache.ReasonRateLimited,
	}
}

func getJSON(t *testing.T, url string, status int) map[string]interface{} {
	t.Helper()

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, status, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	return doc
}

func TestGetDevice(t *testing.T) {
	svc := &fakeService{devices: map[string]statecache.DeviceSnapshot{"SN1": sampleSnapshot()}}
	ts := newTestServer(svc)
	defer ts.Close()

	doc := getJSON(t, ts.URL+"/devices/SN1", http.StatusOK)

	assert.Equal(t, "SN1", doc["sn"])
	assert.Equal(t, "Garage inverter", doc["name"])
	assert.Equal(t, "st-1", doc["station-id"])
	assert.Equal(t, true, doc["stale"])
	assert.Equal(t, "RateLimited", doc["stale-reason"])

	readings := doc["readings"].([]interface{})
	require.Len(t, readings, 1)
	reading := readings[0].(map[string]interface{})
	assert.Equal(t, "pac", reading["metric"])
	assert.Equal(t, 4200.0, reading["value"])
	assert.Equal(t, "power", reading["kind"])

	controls := doc["controls"].([]interface{})
	require.Len(t, controls, 1)
	control := controls[0].(map[string]interface{})
	assert.Equal(t, "workMode", control["name"])
	assert.Equal(t, "SELLING_FIRST", control["value"])
	assert.Len(t, control["allowed"], 3)
}

func TestGetDeviceNotFound(t *testing.T) {
	svc := &fakeService{devices: map[string]statecache.DeviceSnapshot{}}
	ts := newTestServer(svc)
	defer ts.Close()

	doc := getJSON(t, ts.URL+"/devices/nope", http.StatusNotFound)
	assert.Contains(t, doc["error"], "nope")
}

func TestListDevices(t *testing.T) {
	svc := &fakeService{devices: map[string]statecache.DeviceSnapshot{"SN1": sampleSnapshot()}}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var docs []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "SN1", docs[0]["sn"])
}

func TestListStations(t *testing.T) {
	svc := &fakeService{
		stations: []statecache.StationSnapshot{{
			Info: deyeapi.StationInfo{ID: "st-1", Name: "Home"},
			Readings: map[string]deyeapi.Reading{
				"currentPower": {Metric: "currentPower", Value: 3.2, Unit: "kW", Kind: deyeapi.MetricPower},
			},
		}},
	}
	ts := newTestServer(svc)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/stations")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var docs []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "st-1", docs[0]["id"])
	assert.Equal(t, "Home", docs[0]["name"])
}

func postCommand(t *testing.T, url, body string) *http.Response {
	t.Helper()

	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestPostCommand(t *testing.T) {
	svc := &fakeService{devices: map[string]statecache.DeviceSnapshot{"SN1": sampleSnapshot()}}
	ts := newTestServer(svc)
	defer ts.Close()

	resp := postCommand(t, ts.URL+"/devices/SN1/commands", `{"control":"workMode","value":"ZERO_EXPORT_TO_LOAD"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc commandResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.True(t, doc.Applied)
	assert.Equal(t, "SN1", doc.SN)

	assert.Equal(t, []string{"SN1:workMode=ZERO_EXPORT_TO_LOAD"}, svc.commands)
}

func TestPostCommandErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantReason string
	}{
		{"invalid value", &deyeapi.Error{Kind: deyeapi.FailureInvalidValue, Op: "validating command"}, http.StatusUnprocessableEntity, "InvalidValue"},
		{"auth", &deyeapi.Error{Kind: deyeapi.FailureAuth, Op: "setting work mode"}, http.StatusBadGateway, "AuthFailure"},
		{"rate limited", &deyeapi.Error{Kind: deyeapi.FailureRateLimited, Op: "setting work mode", RetryAfter: 30 * time.Second}, http.StatusServiceUnavailable, "RateLimited"},
		{"transient", &deyeapi.Error{Kind: deyeapi.FailureTransient, Op: "setting work mode"}, http.StatusGatewayTimeout, "TransientFailure"},
		{"protocol", &deyeapi.Error{Kind: deyeapi.FailureProtocol, Op: "setting work mode"}, http.StatusBadGateway, "ProtocolFailure"},
		{"plain error", errors.New("boom"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{commandErr: tt.err}
			ts := newTestServer(svc)
			defer ts.Close()

			resp := postCommand(t, ts.URL+"/devices/SN1/commands", `{"control":"workMode","value":"SELLING_FIRST"}`)
			defer resp.Body.Close()
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			var doc errorDocument
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
			assert.Equal(t, tt.wantReason, doc.Reason)

			if tt.name == "rate limited" {
				assert.Equal(t, "30", resp.Header.Get("Retry-After"))
			}
		})
	}
}

func TestPostCommandContentTypes(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(svc)
	defer ts.Close()

	body := `{"control":"workMode","value":"SELLING_FIRST"}`

	tests := []struct {
		contentType string
		wantStatus  int
	}{
		{"application/json", http.StatusOK},
		{"application/json; charset=utf-8", http.StatusOK},
		{"", http.StatusOK},
		{"text/plain", http.StatusBadRequest},
		{"application/xml; charset=utf-8", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run("ct="+tt.contentType, func(t *testing.T) {
			req, err := http.NewRequest(http.MethodPost, ts.URL+"/devices/SN1/commands", strings.NewReader(body))
			require.NoError(t, err)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}

			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestPostCommandBadBody(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(svc)
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"not json", "this is not json"},
		{"two documents", `{"control":"workMode","value":"x"}{"again":true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postCommand(t, ts.URL+"/devices/SN1/commands", tt.body)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	assert.Empty(t, svc.commands, "malformed requests never reach the service")
}

func TestHealth(t *testing.T) {
	svc := &fakeService{}
	ts := newTestServer(svc)
	defer ts.Close()

	doc := getJSON(t, ts.URL+"/healthz", http.StatusOK)
	assert.Equal(t, "ok", doc["status"])
}
