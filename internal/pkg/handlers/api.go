package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/deye-bridge/deye-bridge/internal/pkg/statecache"
)

// Service is the slice of the bridge the HTTP surface needs
type Service interface {
	GetSnapshot(sn string) (statecache.DeviceSnapshot, error)
	Snapshots() []statecache.DeviceSnapshot
	Stations() []statecache.StationSnapshot
	IssueCommand(ctx context.Context, sn, control, value string) error
}

// API serves the local endpoints entity adapters consume
type API struct {
	svc Service
}

func NewAPI(svc Service) *API {
	return &API{svc: svc}
}

// Routes registers the handler set on a router
func (a *API) Routes(r *mux.Router) {
	r.HandleFunc("/devices", a.listDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/{sn}", a.getDevice).Methods(http.MethodGet)
	r.HandleFunc("/devices/{sn}/commands", a.postCommand).Methods(http.MethodPost)
	r.HandleFunc("/stations", a.listStations).Methods(http.MethodGet)
	r.HandleFunc("/healthz", a.health).Methods(http.MethodGet)
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	snaps := a.svc.Snapshots()

	out := make([]deviceDocument, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, newDeviceDocument(snap))
	}

	writeJSON(r.Context(), w, http.StatusOK, out)
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	sn := mux.Vars(r)["sn"]

	snap, err := a.svc.GetSnapshot(sn)
	if err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(r.Context(), w, http.StatusOK, newDeviceDocument(snap))
}

func (a *API) listStations(w http.ResponseWriter, r *http.Request) {
	snaps := a.svc.Stations()

	out := make([]stationDocument, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, newStationDocument(snap))
	}

	writeJSON(r.Context(), w, http.StatusOK, out)
}

type commandRequest struct {
	Control string `json:"control"`
	Value   string `json:"value"`
}

func (a *API) postCommand(w http.ResponseWriter, r *http.Request) {
	sn := mux.Vars(r)["sn"]

	var req commandRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeJSON(r.Context(), w, http.StatusBadRequest, errorDocument{Error: err.Error()})
		return
	}

	if err := a.svc.IssueCommand(r.Context(), sn, req.Control, req.Value); err != nil {
		writeError(r.Context(), w, err)
		return
	}

	writeJSON(r.Context(), w, http.StatusOK, commandResult{
		SN:      sn,
		Control: req.Control,
		Value:   req.Value,
		Applied: true,
	})
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
