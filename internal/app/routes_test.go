//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueloc/ble-locator/internal/engine"
)

func testApp(t *testing.T) *LocatorApp {
	t.Helper()
	cfg := NewServiceConfig()
	cfg.Service.LogLevel = "ERROR"
	if testing.Verbose() {
		cfg.Service.LogLevel = "DEBUG"
	}
	cfg.Engine.RefPower = -60
	cfg.Engine.Attenuation = 2.0
	cfg.Scanners = map[string]string{
		"alpha-proxy": "Kitchen",
		"beta-proxy":  "Lounge",
	}

	app, err := New(cfg)
	require.NoError(t, err)
	return app
}

func testRequest(t *testing.T, app *LocatorApp, method, target string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == "" {
		reader = bytes.NewReader(nil)
	} else {
		reader = bytes.NewReader([]byte(body))
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	app.routes().ServeHTTP(w, req)
	return w
}

func TestPing(t *testing.T) {
	app := testApp(t)
	w := testRequest(t, app, http.MethodGet, "/ping", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestPostObservation(t *testing.T) {
	app := testApp(t)

	w := testRequest(t, app, http.MethodPost, "/api/v1/observations",
		`{"scanner_id":"alpha-proxy","device_id":"watch","rssi":-66}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = testRequest(t, app, http.MethodGet, "/api/v1/inventory/snapshot", "")
	require.Equal(t, http.StatusOK, w.Code)

	var snaps []engine.DeviceSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "watch", snaps[0].ID)
	assert.Equal(t, engine.PresenceHome, snaps[0].Presence)
	require.Contains(t, snaps[0].Observations, "alpha-proxy")
	assert.InDelta(t, 1.995, snaps[0].Observations["alpha-proxy"].RawDistance, 0.01)
}

func TestPostObservationValidation(t *testing.T) {
	app := testApp(t)

	tests := []struct {
		name string
		body string
	}{
		{"not json", `so not json`},
		{"missing scanner", `{"device_id":"watch","rssi":-66}`},
		{"missing device", `{"scanner_id":"alpha-proxy","rssi":-66}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := testRequest(t, app, http.MethodPost, "/api/v1/observations", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPostObservationExplicitTimestamp(t *testing.T) {
	app := testApp(t)

	stamp := time.Now().Add(-time.Minute).UTC()
	body := fmt.Sprintf(`{"scanner_id":"alpha-proxy","device_id":"watch","rssi":-66,"timestamp":%q}`,
		stamp.Format(time.RFC3339Nano))
	w := testRequest(t, app, http.MethodPost, "/api/v1/observations", body)
	require.Equal(t, http.StatusNoContent, w.Code)

	var snaps []engine.DeviceSnapshot
	w = testRequest(t, app, http.MethodGet, "/api/v1/inventory/snapshot", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, engine.UnixMilli(stamp), snaps[0].LastSeen)
}

func TestSnapshotQueryParameters(t *testing.T) {
	app := testApp(t)

	for _, dev := range []string{"watch-abcdef", "phone-123456"} {
		body := fmt.Sprintf(`{"scanner_id":"alpha-proxy","device_id":%q,"rssi":-66}`, dev)
		w := testRequest(t, app, http.MethodPost, "/api/v1/observations", body)
		require.Equal(t, http.StatusNoContent, w.Code)
	}

	var snaps []engine.DeviceSnapshot
	w := testRequest(t, app, http.MethodGet, "/api/v1/inventory/snapshot?devices=watch-abcdef", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snaps))
	require.Len(t, snaps, 1)
	assert.Equal(t, "watch-abcdef", snaps[0].ID)

	w = testRequest(t, app, http.MethodGet, "/api/v1/inventory/snapshot?redact=true", "")
	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.NotContains(t, out, "watch-abcdef")
	assert.NotContains(t, out, "alpha-proxy")
	assert.Contains(t, out, "::DEVICE_")
	assert.Contains(t, out, "::SCANNER_")
}

func TestConfigRoundTrip(t *testing.T) {
	app := testApp(t)

	w := testRequest(t, app, http.MethodGet, "/api/v1/config", "")
	require.Equal(t, http.StatusOK, w.Code)

	var cfg engine.Config
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, 20.0, cfg.MaxAreaRadius)

	// Partial update: only the named field changes.
	w = testRequest(t, app, http.MethodPut, "/api/v1/config", `{"max_area_radius": 9}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	// Staged, not applied until the next tick.
	w = testRequest(t, app, http.MethodGet, "/api/v1/config", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, 20.0, cfg.MaxAreaRadius)

	app.processor.Tick(time.Now())

	w = testRequest(t, app, http.MethodGet, "/api/v1/config", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, 9.0, cfg.MaxAreaRadius)
	// untouched fields carried over
	assert.Equal(t, -60.0, cfg.RefPower)
}

func TestConfigRejectsInvalid(t *testing.T) {
	app := testApp(t)

	w := testRequest(t, app, http.MethodPut, "/api/v1/config", `{"max_velocity": -1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "max_velocity")

	w = testRequest(t, app, http.MethodPut, "/api/v1/config", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScannerRoutes(t *testing.T) {
	app := testApp(t)

	w := testRequest(t, app, http.MethodPut, "/api/v1/scanners/garage-proxy", `{"area":"Garage"}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = testRequest(t, app, http.MethodGet, "/api/v1/scanners", "")
	require.Equal(t, http.StatusOK, w.Code)

	var scanners []struct {
		engine.Scanner
		Online bool `json:"online"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scanners))
	require.Len(t, scanners, 3)
	// sorted by id
	assert.Equal(t, "alpha-proxy", scanners[0].ID)
	assert.Equal(t, "beta-proxy", scanners[1].ID)
	assert.Equal(t, "garage-proxy", scanners[2].ID)
	assert.Equal(t, "Garage", scanners[2].Area)
	// nothing has reported through any of them yet
	for _, s := range scanners {
		assert.False(t, s.Online)
	}

	// a scanner that has relayed an observation recently is online
	w = testRequest(t, app, http.MethodPost, "/api/v1/observations",
		`{"scanner_id":"alpha-proxy","device_id":"watch","rssi":-66}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = testRequest(t, app, http.MethodGet, "/api/v1/scanners", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &scanners))
	assert.True(t, scanners[0].Online)
}

func TestIssuesRoute(t *testing.T) {
	app := testApp(t)

	// Scanners are configured but nothing has been observed yet.
	w := testRequest(t, app, http.MethodGet, "/api/v1/issues", "")
	require.Equal(t, http.StatusOK, w.Code)

	var issues []engine.Issue
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issues))
	require.Len(t, issues, 1)
	assert.Equal(t, engine.IssueNoDevices, issues[0].Code)

	// Traffic from an unmapped scanner surfaces a per-scanner issue.
	w = testRequest(t, app, http.MethodPost, "/api/v1/observations",
		`{"scanner_id":"mystery-proxy","device_id":"watch","rssi":-66}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = testRequest(t, app, http.MethodGet, "/api/v1/issues", "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issues))
	require.Len(t, issues, 1)
	assert.Equal(t, engine.IssueScannerNoArea, issues[0].Code)
	assert.Equal(t, "mystery-proxy", issues[0].ScannerID)
}

func TestStreamDeliversEvents(t *testing.T) {
	app := testApp(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go app.publisher.Run(ctx)

	server := httptest.NewServer(app.routes())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	defer resp.Body.Close()

	// Give the register message time to land before publishing.
	time.Sleep(50 * time.Millisecond)

	events := app.processor.Observe("alpha-proxy", "watch", -66, time.Now())
	require.NotEmpty(t, events)
	app.publisher.Publish(events)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var envelope struct {
		Type  engine.EventType `json:"type"`
		Event json.RawMessage  `json:"event"`
	}
	require.NoError(t, conn.ReadJSON(&envelope))
	assert.Equal(t, engine.HomeType, envelope.Type)

	var home engine.HomeEvent
	require.NoError(t, json.Unmarshal(envelope.Event, &home))
	assert.Equal(t, "watch", home.DeviceID)
}
