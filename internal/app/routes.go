//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/blueloc/ble-locator/internal/engine"
)

const (
	maxBodyBytes = 100 * 1024

	apiBase           = "/api/v1"
	observationsRoute = apiBase + "/observations"
	snapshotRoute     = apiBase + "/inventory/snapshot"
	configRoute       = apiBase + "/config"
	scannersRoute     = apiBase + "/scanners"
	scannerRoute      = apiBase + "/scanners/{id}"
	issuesRoute       = apiBase + "/issues"
	streamRoute       = apiBase + "/stream"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

func (app *LocatorApp) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ping", app.ping).Methods(http.MethodGet)
	router.HandleFunc(observationsRoute, app.postObservation).Methods(http.MethodPost)
	router.HandleFunc(snapshotRoute, app.getSnapshot).Methods(http.MethodGet)
	router.HandleFunc(configRoute, app.getConfig).Methods(http.MethodGet)
	router.HandleFunc(configRoute, app.putConfig).Methods(http.MethodPut)
	router.HandleFunc(scannersRoute, app.getScanners).Methods(http.MethodGet)
	router.HandleFunc(scannerRoute, app.putScanner).Methods(http.MethodPut)
	router.HandleFunc(issuesRoute, app.getIssues).Methods(http.MethodGet)
	router.HandleFunc(streamRoute, app.stream).Methods(http.MethodGet)
	return router
}

func (app *LocatorApp) ping(w http.ResponseWriter, _ *http.Request) {
	if _, err := w.Write([]byte("pong")); err != nil {
		app.lc.Error("Error writing ping response.", "error", err.Error())
	}
}

// observationRequest is the ingest payload from the radio listeners. The
// timestamp is optional; receipt time is used when it is absent.
type observationRequest struct {
	ScannerID string     `json:"scanner_id"`
	DeviceID  string     `json:"device_id"`
	RSSI      int        `json:"rssi"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// postObservation is the hot ingest path. It records the sighting and
// immediately publishes any fast-path events (home transitions, distance
// decreases); everything else waits for the next tick.
func (app *LocatorApp) postObservation(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		app.writeError(w, http.StatusInternalServerError, "failed to read observation body", err)
		return
	}

	var obs observationRequest
	if err := json.Unmarshal(body, &obs); err != nil {
		app.writeError(w, http.StatusBadRequest, "failed to unmarshal observation", err)
		return
	}
	if obs.ScannerID == "" || obs.DeviceID == "" {
		app.writeError(w, http.StatusBadRequest, "scanner_id and device_id are required", nil)
		return
	}

	t := time.Now()
	if obs.Timestamp != nil {
		t = *obs.Timestamp
	}

	events := app.processor.Observe(obs.ScannerID, obs.DeviceID, obs.RSSI, t)
	app.publisher.Publish(events)
	w.WriteHeader(http.StatusNoContent)
}

func (app *LocatorApp) getSnapshot(w http.ResponseWriter, req *http.Request) {
	var deviceIDs []string
	if devices := req.URL.Query().Get("devices"); devices != "" {
		deviceIDs = strings.Split(devices, ",")
	}
	redact := req.URL.Query().Get("redact") == "true"

	app.writeJSON(w, app.processor.Snapshot(time.Now(), deviceIDs, redact))
}

func (app *LocatorApp) getConfig(w http.ResponseWriter, _ *http.Request) {
	app.writeJSON(w, app.processor.Config())
}

func (app *LocatorApp) putConfig(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		app.writeError(w, http.StatusInternalServerError, "failed to read config body", err)
		return
	}

	// Start from the active config so a partial document only changes the
	// fields it names.
	cfg := app.processor.Config()
	if err := json.Unmarshal(body, &cfg); err != nil {
		app.writeError(w, http.StatusBadRequest, "failed to unmarshal config", err)
		return
	}
	if err := app.processor.UpdateConfig(cfg); err != nil {
		app.writeError(w, http.StatusBadRequest, "config rejected", err)
		return
	}

	app.lc.Info("Config update accepted; takes effect on next tick.")
	w.WriteHeader(http.StatusAccepted)
}

// scannerStatus augments the registry entry with liveness computed at
// request time.
type scannerStatus struct {
	engine.Scanner
	Online bool `json:"online"`
}

func (app *LocatorApp) getScanners(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	timeout := app.processor.Config().DistanceTimeout()

	scanners := app.processor.Scanners()
	out := make([]scannerStatus, 0, len(scanners))
	for _, s := range scanners {
		s := s
		out = append(out, scannerStatus{Scanner: s, Online: s.Online(now, timeout)})
	}
	app.writeJSON(w, out)
}

type scannerRequest struct {
	Area string `json:"area"`
}

func (app *LocatorApp) putScanner(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]

	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes))
	if err != nil {
		app.writeError(w, http.StatusInternalServerError, "failed to read scanner body", err)
		return
	}

	var sc scannerRequest
	if err := json.Unmarshal(body, &sc); err != nil {
		app.writeError(w, http.StatusBadRequest, "failed to unmarshal scanner", err)
		return
	}

	app.processor.SetScanner(id, sc.Area)
	w.WriteHeader(http.StatusNoContent)
}

func (app *LocatorApp) getIssues(w http.ResponseWriter, _ *http.Request) {
	issues := app.processor.Issues()
	if issues == nil {
		issues = []engine.Issue{}
	}
	app.writeJSON(w, issues)
}

// stream upgrades the connection and hands it to the publisher; every
// engine event from then on is pushed to the client as JSON.
func (app *LocatorApp) stream(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		app.lc.Error("Failed to upgrade stream connection.", "error", err.Error())
		return
	}
	app.publisher.Subscribe(conn)
}

func (app *LocatorApp) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.lc.Error("Failed to write JSON response.", "error", err.Error())
	}
}

func (app *LocatorApp) writeError(w http.ResponseWriter, status int, msg string, err error) {
	if err != nil {
		msg = fmt.Sprintf("%s: %v", msg, err)
	}
	app.lc.Error(msg)
	http.Error(w, msg, status)
}
