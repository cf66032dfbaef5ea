//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blueloc/ble-locator/internal/app"
)

func main() {
	var configFile string
	cfg := app.NewServiceConfig()

	rootCmd := &cobra.Command{
		Use:   "ble-locator",
		Short: "Estimate per-scanner distances, areas and presence for BLE beacons",
		Run: func(c *cobra.Command, args []string) {
			locator, err := app.New(cfg)
			if err != nil {
				log.Fatalf("Failed on init: %v", err)
			}
			if err := locator.RunUntilCancelled(context.Background()); err != nil {
				log.Fatalf("Failed on run: %v", err)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")

	cobra.OnInitialize(func() {
		if configFile == "" {
			configFile = os.Getenv("CONFIG_FILE")
		}
		if configFile == "" {
			// Run entirely on defaults; scanners can be registered over
			// the API afterwards.
			return
		}

		viper.SetConfigFile(configFile)
		viper.SetConfigType("json")
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("Failed to read config: %v", err)
		}
		if err := viper.Unmarshal(&cfg); err != nil {
			log.Fatalf("Failed to parse config: %v", err)
		}
		log.Printf("Loaded config file: %s", configFile)
	})

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
