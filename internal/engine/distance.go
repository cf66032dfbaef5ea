//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package engine

import "math"

// RSSIToMetres converts an instant RSSI reading to a distance estimate
// using the log-distance path-loss model:
//
//	distance = 10 ^ ((refPower - rssi) / (10 * attenuation))
//
// refPower is the RSSI measured at exactly one metre from the receiver and
// attenuation is the environmental path-loss exponent. Readings stronger
// than refPower legitimately produce distances below one metre. No range
// validation is performed: an implausible RSSI yields an implausible but
// mathematically valid distance.
func RSSIToMetres(rssi, refPower, attenuation float64) float64 {
	return math.Pow(10, (refPower-rssi)/(10*attenuation))
}
