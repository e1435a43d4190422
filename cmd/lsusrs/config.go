// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ktemkin/usrs/usb"
)

const (
	backendAuto   = "auto"
	backendUsbfs  = "usbfs"
	backendLibusb = "libusb"
)

var availableBackends = strings.Join([]string{
	backendAuto,
	backendUsbfs,
	backendLibusb,
}, ", ")

// initConfig defines config flags, config file, and envs
func initConfig() error {
	cfgFile := flag.String("config", "", "Path to the config file.")
	flag.String("backend", backendAuto, fmt.Sprintf("The backend to access devices through. Possible values: %s", availableBackends))
	flag.String("vendor", "", "Only list devices with this vendor ID (hex).")
	flag.String("product", "", "Only list devices with this product ID (hex).")
	flag.String("serial", "", "Only list devices with this serial number.")
	flag.String("select", "", "Use a named selector from the config file.")
	flag.Bool("describe", false, "Open each matched device and read its device descriptor.")
	flag.Bool("watch", false, "Keep running, re-scanning the bus and serving health and metrics.")
	flag.Duration("interval", defaultScanInterval, "How often to re-scan the bus in watch mode.")
	flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", availableLogLevels))
	flag.String("listen", ":8080", "The address at which to listen for health and metrics in watch mode.")

	flag.Parse()
	if err := viper.BindPFlags(flag.CommandLine); err != nil {
		return fmt.Errorf("failed to bind config: %w", err)
	}

	if *cfgFile != "" {
		viper.SetConfigFile(*cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("/etc/lsusrs/")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error
		} else {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return nil
}

// getConfiguredSelectors reads the named selectors from the config file's
// "selectors" section.
func getConfiguredSelectors() (map[string]usb.DeviceSelector, error) {
	selectorDefs := viper.GetStringMap("selectors")
	result := make(map[string]usb.DeviceSelector)

	for name, def := range selectorDefs {
		var raw struct {
			VendorID  string `json:"vendor_id"`
			ProductID string `json:"product_id"`
			Serial    string `json:"serial"`
		}
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &raw,
			TagName:          "json",
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := decoder.Decode(def); err != nil {
			return nil, fmt.Errorf("failed to decode selector %q: %w", name, err)
		}

		selector, err := buildSelector(raw.VendorID, raw.ProductID, raw.Serial)
		if err != nil {
			return nil, fmt.Errorf("selector %q: %w", name, err)
		}
		result[name] = selector
	}
	return result, nil
}

// buildSelector assembles a selector from textual ID fields; empty fields
// stay unset and match anything.
func buildSelector(vendor, product, serial string) (usb.DeviceSelector, error) {
	var selector usb.DeviceSelector
	if vendor != "" {
		id, err := parseID(vendor)
		if err != nil {
			return selector, fmt.Errorf("bad vendor ID %q: %w", vendor, err)
		}
		selector.VendorID = id
	}
	if product != "" {
		id, err := parseID(product)
		if err != nil {
			return selector, fmt.Errorf("bad product ID %q: %w", product, err)
		}
		selector.ProductID = id
	}
	selector.Serial = serial
	return selector, nil
}

// parseID reads a USB vendor or product ID, given as hex with or without
// a 0x prefix.
func parseID(s string) (*usb.ID, error) {
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 16)
	if err != nil {
		return nil, err
	}
	return usb.NewID(uint16(v)), nil
}

// selectorFromConfig resolves the selector the invocation asks for: a
// named one from the config file, or one assembled from the ID flags.
func selectorFromConfig() (usb.DeviceSelector, error) {
	if name := viper.GetString("select"); name != "" {
		selectors, err := getConfiguredSelectors()
		if err != nil {
			return usb.DeviceSelector{}, err
		}
		selector, ok := selectors[name]
		if !ok {
			return usb.DeviceSelector{}, fmt.Errorf("no selector named %q in the config file", name)
		}
		return selector, nil
	}
	return buildSelector(
		viper.GetString("vendor"),
		viper.GetString("product"),
		viper.GetString("serial"),
	)
}
