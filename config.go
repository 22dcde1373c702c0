// SPDX-License-Identifier: GPL-2.0-only

package main

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/psdscsv/esp32-usb-over-ip/export"
)

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("usbip-listen", export.DefaultListenAddr, "The address at which to accept importer connections.")
	flag.String("listen", ":8080", "The address at which to listen for health and metrics.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/usbip-exporter/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			// Config file was found but another error was produced
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// DeviceSpec names one locally attached device to export.
type DeviceSpec struct {
	BusId string `json:"bus_id"`
}

func getConfiguredDevices() ([]*DeviceSpec, error) {
	raw := viper.Get("devices")

	switch raw := raw.(type) {
	case nil:
		return nil, nil
	case []interface{}:
		deviceSpecs := make([]*DeviceSpec, len(raw))
		for i, def := range raw {
			decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
				Result:  &deviceSpecs[i],
				TagName: "json",
			})
			if err != nil {
				return nil, err
			}

			if err := decoder.Decode(def); err != nil {
				return nil, fmt.Errorf("failed to decode device data %q: %w", def, err)
			}
		}
		return deviceSpecs, nil
	default:
		return nil, fmt.Errorf("failed to decode devices: unexpected type: %T", raw)
	}
}
