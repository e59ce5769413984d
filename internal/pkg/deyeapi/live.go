package deyeapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/deye-bridge/deye-bridge/internal/pkg/logging"
)

const (
	defaultBaseURL = "https://eu1-developer.deyecloud.com"

	// Hard limit from the vendor on /device/latest
	maxSNsPerRequest = 10

	// Cap on response bodies we are prepared to decode
	maxResponseBytes = 1 << 20
)

// Envelope codes Deye uses for success; both int and string forms are
// seen in the wild.
var successCodes = map[string]bool{"0": true, "1000000": true}

// Envelope codes that mean the token was rejected
var authCodes = map[string]bool{"1001": true, "1002": true, "1003": true}

type Live struct {
	baseURL string
	tokens  TokenSource
	client  *http.Client
	timeout time.Duration
}

// NewLiveClient builds a client for the Deye developer cloud.  The base
// URL is normalized so it ends with /v1.0 exactly once;  an empty URL
// selects the EU endpoint.
func NewLiveClient(baseURL string, tokens TokenSource) *Live {
	return &Live{
		baseURL: normalizeBaseURL(baseURL),
		tokens:  tokens,
		client:  &http.Client{},
	}
}

func (c *Live) WithTimeout(d time.Duration) DeyeCloud {
	nc := *c
	nc.timeout = d
	return &nc
}

func normalizeBaseURL(base string) string {
	if base == "" {
		base = defaultBaseURL
	}

	base = strings.TrimRight(strings.TrimSpace(base), "/")
	switch {
	case strings.HasSuffix(base, "/1.0"):
		// Older style used by some tenants
		base = strings.TrimSuffix(base, "/1.0") + "/v1.0"
	case !strings.HasSuffix(base, "/v1.0"):
		base = base + "/v1.0"
	}

	return base
}

func (c *Live) makeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}

	return context.WithCancel(ctx)
}

// flexCode tolerates the int-or-string envelope codes Deye returns
type flexCode string

func (f *flexCode) UnmarshalJSON(b []byte) error {
	*f = flexCode(strings.Trim(string(b), `"`))
	return nil
}

type envelope struct {
	Code *flexCode       `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// post issues one API call and classifies the outcome.  A rejected
// token is refreshed and the call repeated once;  every other failure
// is surfaced to the caller, whose retry policy it is.
func (c *Live) post(ctx context.Context, op string, endpoint string, body interface{}) (json.RawMessage, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s request", op)
	}

	ctx, cancel := c.makeContext(ctx)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := c.tokens.Bearer(ctx)
		if err != nil {
			return nil, newError(FailureAuth, op, err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(reqBody))
		if err != nil {
			return nil, errors.Wrapf(err, "building %s request", op)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, newError(FailureTransient, op, err)
		}

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()
		if err != nil {
			return nil, newError(FailureTransient, op, err)
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			logging.Logger(ctx).Debugf("%s: token rejected (HTTP %d), refreshing", op, resp.StatusCode)
			c.tokens.Invalidate()
			lastErr = errors.Errorf("HTTP %d from %s", resp.StatusCode, endpoint)
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			apiErr := newError(FailureRateLimited, op, errors.Errorf("HTTP 429 from %s", endpoint))
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
			return nil, apiErr

		case resp.StatusCode >= 500:
			return nil, newError(FailureTransient, op, errors.Errorf("HTTP %d from %s", resp.StatusCode, endpoint))

		case resp.StatusCode != http.StatusOK:
			return nil, newError(FailureProtocol, op, errors.Errorf("HTTP %d from %s: %s", resp.StatusCode, endpoint, respBody))
		}

		data, err := c.decodeEnvelope(op, endpoint, respBody)
		if err != nil {
			var apiErr *Error
			if errors.As(err, &apiErr) && apiErr.Kind == FailureAuth {
				c.tokens.Invalidate()
				lastErr = err
				continue
			}
			return nil, err
		}

		return data, nil
	}

	return nil, newError(FailureAuth, op, lastErr)
}

func (c *Live) decodeEnvelope(op, endpoint string, body []byte) (json.RawMessage, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, newError(FailureProtocol, op, errors.Wrapf(err, "decoding response from %s", endpoint))
	}

	// Some endpoints answer with the payload at the root, no envelope
	if env.Code == nil {
		return body, nil
	}

	code := string(*env.Code)
	if !successCodes[code] {
		cause := errors.Errorf("API error from %s: %s (code %s)", endpoint, env.Msg, code)
		if authCodes[code] {
			return nil, newError(FailureAuth, op, cause)
		}
		return nil, newError(FailureProtocol, op, cause)
	}

	// Prefer 'data', but some tenants still put fields at the root
	if len(env.Data) > 0 && string(env.Data) != "null" && string(env.Data) != "{}" {
		return env.Data, nil
	}

	return body, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}

	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	return 0
}

/*
 *   Enumeration
 */

type stationEntry struct {
	StationID    string        `json:"stationId"`
	ID           string        `json:"id"`
	StationName  string        `json:"stationName"`
	Name         string        `json:"name"`
	DeviceList   []deviceEntry `json:"deviceList"`
	Devices      []deviceEntry `json:"devices"`
}

type deviceEntry struct {
	DeviceSN        string `json:"deviceSn"`
	SN              string `json:"sn"`
	DeviceName      string `json:"deviceName"`
	DeviceModel     string `json:"deviceModel"`
	FirmwareVersion string `json:"firmwareVersion"`
	FwVersion       string `json:"fwVersion"`
	Version         string `json:"version"`
}

func (s stationEntry) id() string {
	if s.StationID != "" {
		return s.StationID
	}
	return s.ID
}

func (s stationEntry) name() string {
	if s.StationName != "" {
		return s.StationName
	}
	return s.Name
}

func (s stationEntry) devices() []deviceEntry {
	if len(s.DeviceList) > 0 {
		return s.DeviceList
	}
	return s.Devices
}

func (d deviceEntry) sn() string {
	if d.DeviceSN != "" {
		return d.DeviceSN
	}
	return d.SN
}

func (d deviceEntry) firmware() string {
	switch {
	case d.FirmwareVersion != "":
		return d.FirmwareVersion
	case d.FwVersion != "":
		return d.FwVersion
	}
	return d.Version
}

func (c *Live) Topology(ctx context.Context) (Topology, error) {
	const op = "listing stations and devices"

	data, err := c.post(ctx, op, "/station/listWithDevice", map[string]interface{}{})
	if err != nil {
		return Topology{}, err
	}

	var payload struct {
		StationList []stationEntry `json:"stationList"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return Topology{}, newError(FailureProtocol, op, errors.Wrap(err, "decoding station list"))
	}

	var topo Topology
	seen := map[string]bool{}

	for _, s := range payload.StationList {
		sid := s.id()
		if sid == "" {
			logging.Logger(ctx).Debug("skipping station entry with no ID")
			continue
		}

		topo.Stations = append(topo.Stations, StationInfo{ID: sid, Name: s.name()})

		for _, d := range s.devices() {
			sn := d.sn()
			if sn == "" || seen[sn] {
				continue
			}
			seen[sn] = true

			name := d.DeviceName
			if name == "" {
				name = sn
			}

			topo.Devices = append(topo.Devices, DeviceInfo{
				SN:        sn,
				Name:      name,
				Model:     d.DeviceModel,
				Firmware:  d.firmware(),
				StationID: sid,
			})
		}
	}

	return topo, nil
}

/*
 *   Latest data
 */

type latestPoint struct {
	Key   string     `json:"key"`
	Value pointValue `json:"value"`
	Unit  string     `json:"unit"`
}

type latestEntry struct {
	DeviceSN string                `json:"deviceSn"`
	SN       string                `json:"sn"`
	DataList []latestPoint         `json:"dataList"`
	Data     map[string]pointValue `json:"data"`
}

func (e latestEntry) sn() string {
	if e.DeviceSN != "" {
		return e.DeviceSN
	}
	return e.SN
}

func (e latestEntry) flatten() map[string]pointValue {
	flat := make(map[string]pointValue, len(e.DataList)+len(e.Data))

	for _, p := range e.DataList {
		if p.Key != "" {
			flat[p.Key] = p.Value
		}
	}

	if len(flat) == 0 {
		for k, v := range e.Data {
			flat[k] = v
		}
	}

	return flat
}

func (c *Live) LatestData(ctx context.Context, deviceSNs []string) ([]DeviceData, error) {
	const op = "fetching device latest data"

	if len(deviceSNs) > maxSNsPerRequest {
		return nil, errors.Errorf("at most %d devices per latest-data request", maxSNsPerRequest)
	}

	data, err := c.post(ctx, op, "/device/latest", map[string]interface{}{
		"deviceList": deviceSNs,
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		DeviceDataList []latestEntry `json:"deviceDataList"`
		List           []latestEntry `json:"list"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, newError(FailureProtocol, op, errors.Wrap(err, "decoding device data list"))
	}

	entries := payload.DeviceDataList
	if len(entries) == 0 {
		entries = payload.List
	}

	now := time.Now()
	var out []DeviceData
	for _, e := range entries {
		sn := e.sn()
		if sn == "" {
			continue
		}

		readings, controls := normalizeDevicePoints(sn, e.flatten(), now)
		out = append(out, DeviceData{SN: sn, Readings: readings, Controls: controls})
	}

	return out, nil
}

func (c *Live) StationLatest(ctx context.Context, stationID string) (StationData, error) {
	const op = "fetching station latest data"

	data, err := c.post(ctx, op, "/station/latest", map[string]interface{}{
		"stationId": stationID,
	})
	if err != nil {
		return StationData{}, err
	}

	var flat map[string]pointValue
	if err := json.Unmarshal(data, &flat); err != nil {
		return StationData{}, newError(FailureProtocol, op, errors.Wrap(err, "decoding station data"))
	}

	return StationData{
		ID:       stationID,
		Readings: normalizeStationPoints(stationID, flat, time.Now()),
	}, nil
}

/*
 *   Controls
 */

func (c *Live) SetWorkMode(ctx context.Context, deviceSN string, mode string) error {
	_, err := c.post(ctx, "setting work mode", "/order/sys/workMode/update", map[string]interface{}{
		"deviceSn": deviceSN,
		"workMode": mode,
	})
	return err
}

func (c *Live) SetEnergyPattern(ctx context.Context, deviceSN string, pattern string) error {
	_, err := c.post(ctx, "setting energy pattern", "/order/sys/energyPattern/update", map[string]interface{}{
		"deviceSn":      deviceSN,
		"energyPattern": pattern,
	})
	return err
}

func (c *Live) SetBatteryChargeMode(ctx context.Context, deviceSN string, on bool) error {
	_, err := c.post(ctx, "setting battery charge mode", "/order/battery/modeControl", map[string]interface{}{
		"deviceSn":   deviceSN,
		"chargeMode": on,
	})
	return err
}
