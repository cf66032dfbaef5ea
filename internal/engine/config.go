//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"

	"github.com/pkg/errors"
)

// Defaults for the estimation engine. Radius and velocity are metres and
// metres/second, powers are dBm, intervals and timeouts are seconds.
const (
	DefaultMaxAreaRadius    = 20.0
	DefaultMaxVelocity      = 3.0
	DefaultNotHomeTimeout   = 30
	DefaultUpdateInterval   = 1.0
	DefaultSmoothingSamples = 20
	DefaultAttenuation      = 3.0
	DefaultRefPower         = -55.0

	// DefaultDistanceTimeout is how long a (device, scanner) pairing may go
	// without a fresh advertisement before its distance is unknown. This is
	// separate from NotHomeTimeoutSeconds, which drives the home/away state.
	DefaultDistanceTimeout = 30
)

// Calibration carries optional overrides of the path-loss parameters.
// A nil field means "inherit from the next level up": the resolution
// order is per-pair, then per-device, then the global defaults.
type Calibration struct {
	RefPower    *float64 `json:"ref_power,omitempty" mapstructure:"ref_power"`
	Attenuation *float64 `json:"attenuation,omitempty" mapstructure:"attenuation"`
}

// Config holds every tunable recognized by the engine. Changes pushed via
// UpdateConfig take effect on the next tick; no restart is required.
type Config struct {
	// MaxAreaRadius bounds which scanners may claim a device for their
	// area. A smoothed distance beyond this radius never wins. Inclusive.
	MaxAreaRadius float64 `json:"max_area_radius" mapstructure:"max_area_radius"`

	// MaxVelocity is the fastest a device is believed to move away from a
	// scanner, in m/s. Readings implying a faster retreat are noise.
	MaxVelocity float64 `json:"max_velocity" mapstructure:"max_velocity"`

	// NotHomeTimeoutSeconds is how long a device may be unheard from, on
	// every scanner, before its presence flips to away.
	NotHomeTimeoutSeconds int `json:"devtracker_nothome_timeout" mapstructure:"devtracker_nothome_timeout"`

	// UpdateIntervalSeconds is the period of the recomputation tick.
	UpdateIntervalSeconds float64 `json:"update_interval" mapstructure:"update_interval"`

	// SmoothingSamples is the window length of accepted distance readings
	// used when damping increases.
	SmoothingSamples int `json:"smoothing_samples" mapstructure:"smoothing_samples"`

	// Attenuation is the global path-loss exponent.
	Attenuation float64 `json:"attenuation" mapstructure:"attenuation"`

	// RefPower is the global RSSI expected at exactly one metre, in dBm.
	RefPower float64 `json:"ref_power" mapstructure:"ref_power"`

	// DistanceTimeoutSeconds is the staleness window for a single
	// (device, scanner) distance estimate.
	DistanceTimeoutSeconds int `json:"distance_timeout" mapstructure:"distance_timeout"`

	// DeviceOverrides maps a device id to calibration values that replace
	// the globals for every scanner hearing that device.
	DeviceOverrides map[string]Calibration `json:"per_device_overrides,omitempty" mapstructure:"per_device_overrides"`

	// PairOverrides maps device id, then scanner id, to calibration values
	// for that specific pairing. Wins over DeviceOverrides.
	PairOverrides map[string]map[string]Calibration `json:"per_pair_overrides,omitempty" mapstructure:"per_pair_overrides"`

	// ScannerRSSIOffsets adjusts each scanner's reported RSSI before any
	// distance conversion, compensating for receiver sensitivity.
	ScannerRSSIOffsets map[string]float64 `json:"per_scanner_offsets,omitempty" mapstructure:"per_scanner_offsets"`
}

// NewConfig returns a Config populated with the documented defaults.
func NewConfig() Config {
	return Config{
		MaxAreaRadius:          DefaultMaxAreaRadius,
		MaxVelocity:            DefaultMaxVelocity,
		NotHomeTimeoutSeconds:  DefaultNotHomeTimeout,
		UpdateIntervalSeconds:  DefaultUpdateInterval,
		SmoothingSamples:       DefaultSmoothingSamples,
		Attenuation:            DefaultAttenuation,
		RefPower:               DefaultRefPower,
		DistanceTimeoutSeconds: DefaultDistanceTimeout,
	}
}

// Validate checks the config at load time so that string-keyed lookups and
// ad-hoc range checks are never needed at use time.
func (cfg Config) Validate() error {
	if cfg.MaxAreaRadius <= 0 {
		return errors.Errorf("max_area_radius must be positive, got %v", cfg.MaxAreaRadius)
	}
	if cfg.MaxVelocity <= 0 {
		return errors.Errorf("max_velocity must be positive, got %v", cfg.MaxVelocity)
	}
	if cfg.NotHomeTimeoutSeconds <= 0 {
		return errors.Errorf("devtracker_nothome_timeout must be positive, got %v", cfg.NotHomeTimeoutSeconds)
	}
	if cfg.UpdateIntervalSeconds <= 0 {
		return errors.Errorf("update_interval must be positive, got %v", cfg.UpdateIntervalSeconds)
	}
	if cfg.SmoothingSamples < 1 {
		return errors.Errorf("smoothing_samples must be at least 1, got %v", cfg.SmoothingSamples)
	}
	if cfg.Attenuation <= 0 {
		return errors.Errorf("attenuation must be positive, got %v", cfg.Attenuation)
	}
	if cfg.RefPower >= 0 {
		return errors.Errorf("ref_power must be negative dBm, got %v", cfg.RefPower)
	}
	if cfg.DistanceTimeoutSeconds <= 0 {
		return errors.Errorf("distance_timeout must be positive, got %v", cfg.DistanceTimeoutSeconds)
	}
	return nil
}

// UpdateInterval returns the tick period as a duration.
func (cfg Config) UpdateInterval() time.Duration {
	return time.Duration(cfg.UpdateIntervalSeconds * float64(time.Second))
}

// NotHomeTimeout returns the presence timeout as a duration.
func (cfg Config) NotHomeTimeout() time.Duration {
	return time.Duration(cfg.NotHomeTimeoutSeconds) * time.Second
}

// DistanceTimeout returns the per-pairing staleness window as a duration.
func (cfg Config) DistanceTimeout() time.Duration {
	return time.Duration(cfg.DistanceTimeoutSeconds) * time.Second
}

// CalibrationFor resolves the effective path-loss parameters for one
// (device, scanner) pairing: per-pair override, then per-device override,
// then the global defaults. An override replaces only the fields it sets.
func (cfg Config) CalibrationFor(deviceID, scannerID string) (refPower, attenuation float64) {
	refPower = cfg.RefPower
	attenuation = cfg.Attenuation

	if dev, ok := cfg.DeviceOverrides[deviceID]; ok {
		if dev.RefPower != nil {
			refPower = *dev.RefPower
		}
		if dev.Attenuation != nil {
			attenuation = *dev.Attenuation
		}
	}

	if pair, ok := cfg.PairOverrides[deviceID][scannerID]; ok {
		if pair.RefPower != nil {
			refPower = *pair.RefPower
		}
		if pair.Attenuation != nil {
			attenuation = *pair.Attenuation
		}
	}

	return refPower, attenuation
}

// OffsetFor returns the RSSI calibration offset for a scanner, zero when
// none is configured.
func (cfg Config) OffsetFor(scannerID string) float64 {
	return cfg.ScannerRSSIOffsets[scannerID]
}
