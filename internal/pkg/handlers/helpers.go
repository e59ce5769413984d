package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/deye-bridge/deye-bridge/internal/pkg/deyeapi"
	"github.com/deye-bridge/deye-bridge/internal/pkg/logging"
	"github.com/deye-bridge/deye-bridge/internal/pkg/statecache"
)

/*
 *   Wire documents
 */

type readingDocument struct {
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	Kind       string    `json:"kind"`
	ObservedAt time.Time `json:"observed-at"`
}

type controlDocument struct {
	Name    string   `json:"name"`
	Value   string   `json:"value"`
	Allowed []string `json:"allowed"`
}

type deviceDocument struct {
	SN          string            `json:"sn"`
	Name        string            `json:"name"`
	Model       string            `json:"model,omitempty"`
	Firmware    string            `json:"firmware,omitempty"`
	StationID   string            `json:"station-id,omitempty"`
	Readings    []readingDocument `json:"readings"`
	Controls    []controlDocument `json:"controls"`
	LastSuccess time.Time         `json:"last-success-at"`
	Stale       bool              `json:"stale"`
	StaleReason string            `json:"stale-reason,omitempty"`
}

type stationDocument struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Readings    []readingDocument `json:"readings"`
	LastSuccess time.Time         `json:"last-success-at"`
	Stale       bool              `json:"stale"`
	StaleReason string            `json:"stale-reason,omitempty"`
}

type commandResult struct {
	SN      string `json:"sn"`
	Control string `json:"control"`
	Value   string `json:"value"`
	Applied bool   `json:"applied"`
}

type errorDocument struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func newReadingDocuments(readings map[string]deyeapi.Reading) []readingDocument {
	out := make([]readingDocument, 0, len(readings))
	for _, r := range readings {
		out = append(out, readingDocument{
			Metric:     r.Metric,
			Value:      r.Value,
			Unit:       r.Unit,
			Kind:       r.Kind.String(),
			ObservedAt: r.ObservedAt,
		})
	}

	return out
}

func newDeviceDocument(snap statecache.DeviceSnapshot) deviceDocument {
	controls := make([]controlDocument, 0, len(snap.Controls))
	for _, ctl := range snap.Controls {
		controls = append(controls, controlDocument{
			Name:    ctl.Name,
			Value:   ctl.Value,
			Allowed: ctl.Allowed,
		})
	}

	return deviceDocument{
		SN:          snap.Info.SN,
		Name:        snap.Info.Name,
		Model:       snap.Info.Model,
		Firmware:    snap.Info.Firmware,
		StationID:   snap.Info.StationID,
		Readings:    newReadingDocuments(snap.Readings),
		Controls:    controls,
		LastSuccess: snap.LastSuccess,
		Stale:       snap.Stale,
		StaleReason: string(snap.StaleReason),
	}
}

func newStationDocument(snap statecache.StationSnapshot) stationDocument {
	return stationDocument{
		ID:          snap.Info.ID,
		Name:        snap.Info.Name,
		Readings:    newReadingDocuments(snap.Readings),
		LastSuccess: snap.LastSuccess,
		Stale:       snap.Stale,
		StaleReason: string(snap.StaleReason),
	}
}

/*
 *   Encoding and error mapping
 */

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, doc interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(doc); err != nil {
		logging.Logger(ctx).WithError(err).Error("encoding response")
	}
}

// writeError maps the failure taxonomy onto HTTP statuses
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, statecache.ErrNotFound) {
		writeJSON(ctx, w, http.StatusNotFound, errorDocument{Error: err.Error()})
		return
	}

	var apiErr *deyeapi.Error
	if !errors.As(err, &apiErr) {
		writeJSON(ctx, w, http.StatusInternalServerError, errorDocument{Error: err.Error()})
		return
	}

	status := http.StatusInternalServerError
	switch apiErr.Kind {
	case deyeapi.FailureInvalidValue:
		status = http.StatusUnprocessableEntity
	case deyeapi.FailureAuth:
		status = http.StatusBadGateway
	case deyeapi.FailureRateLimited:
		status = http.StatusServiceUnavailable
		if apiErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds())))
		}
	case deyeapi.FailureTransient:
		status = http.StatusGatewayTimeout
	case deyeapi.FailureProtocol:
		status = http.StatusBadGateway
	}

	writeJSON(ctx, w, status, errorDocument{
		Error:  err.Error(),
		Reason: apiErr.Kind.String(),
	})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			return fmt.Errorf("expected JSON request, got %s", ct)
		}
	}

	// 100kb max body
	reader := http.MaxBytesReader(w, r.Body, 100*1024)
	dec := json.NewDecoder(reader)

	if err := dec.Decode(&dst); err != nil {
		return err
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must only contain a single JSON object")
	}

	return nil
}
