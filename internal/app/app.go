//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"

	"github.com/blueloc/ble-locator/internal/engine"
)

const (
	serviceKey = "ble-locator"

	defaultHost     = "0.0.0.0"
	defaultPort     = 48090
	defaultLogLevel = "INFO"

	shutdownTimeout = 5 * time.Second
)

// ServiceConfig is the full configuration file shape: service-level
// settings, the engine tunables, and the scanner-to-area assignments.
type ServiceConfig struct {
	Service struct {
		Host     string `json:"host" mapstructure:"host"`
		Port     int    `json:"port" mapstructure:"port"`
		LogLevel string `json:"log_level" mapstructure:"log_level"`
	} `json:"service" mapstructure:"service"`

	Engine engine.Config `json:"engine" mapstructure:"engine"`

	// Scanners maps scanner id to its assigned area. An empty area is
	// allowed but keeps that scanner out of area resolution.
	Scanners map[string]string `json:"scanners" mapstructure:"scanners"`
}

// NewServiceConfig returns a ServiceConfig with the documented defaults.
func NewServiceConfig() ServiceConfig {
	cfg := ServiceConfig{Engine: engine.NewConfig()}
	cfg.Service.Host = defaultHost
	cfg.Service.Port = defaultPort
	cfg.Service.LogLevel = defaultLogLevel
	return cfg
}

// LocatorApp wires the estimation engine to its HTTP ingest/query surface,
// the WebSocket publisher, and the tick loop.
type LocatorApp struct {
	lc        logger.LoggingClient
	cfg       ServiceConfig
	processor *engine.Processor
	publisher *Publisher
}

// New builds the app: logger, processor, publisher, scanner registry.
func New(cfg ServiceConfig) (*LocatorApp, error) {
	lc := logger.NewClient(serviceKey, false, "", cfg.Service.LogLevel)

	processor, err := engine.NewProcessor(lc, cfg.Engine)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create processor")
	}
	for id, area := range cfg.Scanners {
		processor.SetScanner(id, area)
	}

	app := &LocatorApp{
		lc:        lc,
		cfg:       cfg,
		processor: processor,
		publisher: NewPublisher(lc),
	}

	for _, issue := range processor.Issues() {
		lc.Warn("Configuration issue.", "code", string(issue.Code),
			"scanner", issue.ScannerID, "reason", issue.Reason)
	}

	return app, nil
}

// RunUntilCancelled starts the publisher, tick loop and HTTP server, and
// blocks until the context is cancelled or a SIGINT/SIGTERM arrives.
func (app *LocatorApp) RunUntilCancelled(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-signals:
			app.lc.Info(fmt.Sprintf("Received '%s' signal from OS.", s.String()))
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.publisher.Run(ctx)
		app.lc.Info("Publisher has exited.")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.tickLoop(ctx)
		app.lc.Info("Tick loop has exited.")
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.cfg.Service.Host, app.cfg.Service.Port),
		Handler: app.routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		app.lc.Info("HTTP server starting.", "address", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		shutdownCtx, timeout := context.WithTimeout(context.Background(), shutdownTimeout)
		defer timeout()
		if err := server.Shutdown(shutdownCtx); err != nil {
			app.lc.Error("HTTP server shutdown failed.", "error", err.Error())
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			serveErr = errors.Wrap(err, "http server failed")
		}
		cancel()
	}

	wg.Wait()
	app.lc.Info("Exiting.")
	return serveErr
}

// tickLoop drives the periodic recomputation. The ticker is rebuilt when a
// config change alters the update interval. Cancelling the context stops
// the loop between ticks; each Tick call is self-contained per device, so
// shutdown never leaves a device half-updated.
func (app *LocatorApp) tickLoop(ctx context.Context) {
	interval := app.processor.Config().UpdateInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	app.lc.Info("Starting tick loop.", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			app.lc.Info("Stopping tick loop.")
			return

		case <-ticker.C:
			events := app.processor.Tick(time.Now())
			app.publisher.Publish(events)

			if next := app.processor.Config().UpdateInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				app.lc.Info("Tick interval changed.", "interval", interval.String())
			}
		}
	}
}
