// SPDX-License-Identifier: Apache-2.0

// lsusrs lists the USB devices visible to this host and, in watch mode,
// keeps re-scanning the bus while serving health and metrics endpoints.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/ktemkin/usrs"
	"github.com/ktemkin/usrs/usb"
	"github.com/ktemkin/usrs/usb/libusb"
)

const (
	logLevelAll   = "all"
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
	logLevelNone  = "none"

	defaultScanInterval = 5 * time.Second

	describeTimeout = time.Second
)

var availableLogLevels = strings.Join([]string{
	logLevelAll,
	logLevelDebug,
	logLevelInfo,
	logLevelWarn,
	logLevelError,
	logLevelNone,
}, ", ")

// Main is the principal function for the binary, wrapped only by `main` for convenience.
func Main() error {
	if err := initConfig(); err != nil {
		return err
	}

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logLevel := viper.GetString("log-level")
	switch logLevel {
	case logLevelAll:
		logger = level.NewFilter(logger, level.AllowAll())
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	case logLevelNone:
		logger = level.NewFilter(logger, level.AllowNone())
	default:
		return fmt.Errorf("log level %v unknown; possible values are: %s", logLevel, availableLogLevels)
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	selector, err := selectorFromConfig()
	if err != nil {
		return err
	}

	backend, err := backendFromConfig(logger)
	if err != nil {
		return err
	}
	host := usrs.New(usrs.Options{Backend: backend, Logger: logger})

	if !viper.GetBool("watch") {
		return listOnce(host, selector, viper.GetBool("describe"))
	}
	return watch(host, selector, logger)
}

func backendFromConfig(logger log.Logger) (usb.Backend, error) {
	switch name := viper.GetString("backend"); name {
	case backendAuto:
		return nil, nil
	case backendLibusb:
		return libusb.New(libusb.Options{Logger: logger}), nil
	case backendUsbfs:
		return usbfsBackend(logger)
	default:
		return nil, fmt.Errorf("backend %v unknown; possible values are: %s", name, availableBackends)
	}
}

// listOnce prints every matching device, one per line, lsusb style.
func listOnce(host *usrs.Host, selector usb.DeviceSelector, describe bool) error {
	devices, err := host.Devices(selector)
	if err != nil {
		return err
	}
	for _, info := range devices {
		line := fmt.Sprintf("Device %s: ID %s:%s", info.StringLocation, info.VendorID, info.ProductID)
		if info.Vendor != "" || info.Product != "" {
			line += fmt.Sprintf(" %s %s", info.Vendor, info.Product)
		}
		if info.Serial != "" {
			line += fmt.Sprintf(" (serial %s)", info.Serial)
		}
		fmt.Println(line)

		if describe {
			if err := printDescriptor(host, info); err != nil {
				fmt.Printf("  (failed to read descriptor: %v)\n", err)
			}
		}
	}
	return nil
}

// printDescriptor opens a device and reads its device descriptor over
// endpoint zero, exercising the whole open/transfer/close path.
func printDescriptor(host *usrs.Host, info usb.DeviceInformation) error {
	dev, err := host.Open(info)
	if err != nil {
		return err
	}
	defer func() { _ = dev.Close() }()

	descriptor := make([]byte, 18)
	setup := usb.SetupPacket{
		RequestType: usb.StandardInFromDevice.Byte(),
		Request:     usb.RequestGetDescriptor,
		Value:       usb.DescriptorValue(usb.DescriptorTypeDevice, 0),
	}
	n, err := dev.ControlRead(setup, descriptor, describeTimeout)
	if err != nil {
		return err
	}
	fmt.Printf("  descriptor: % x\n", descriptor[:n])
	return nil
}

// watch re-scans the bus on an interval, logging arrivals and departures
// and exporting scan metrics, until interrupted.
func watch(host *usrs.Host, selector usb.DeviceSelector, logger log.Logger) error {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	deviceGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "usrs_devices",
		Help: "Number of USB devices currently matching the selector.",
	})
	scanCounter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "usrs_scans_total",
		Help: "Number of bus scans performed.",
	})
	scanErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "usrs_scan_errors_total",
		Help: "Number of bus scans that failed.",
	})
	r.MustRegister(deviceGauge, scanCounter, scanErrors)

	var g run.Group
	{
		// Run the HTTP server.
		mux := http.NewServeMux()
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		mux.Handle("/metrics", promhttp.HandlerFor(r, promhttp.HandlerOpts{}))
		listen := viper.GetString("listen")
		l, err := net.Listen("tcp", listen)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", listen, err)
		}

		g.Add(func() error {
			if err := http.Serve(l, mux); err != nil && err != http.ErrServerClosed {
				return fmt.Errorf("server exited unexpectedly: %v", err)
			}
			return nil
		}, func(error) {
			_ = l.Close()
		})
	}

	{
		// Exit gracefully on SIGINT and SIGTERM.
		term := make(chan os.Signal, 1)
		signal.Notify(term, syscall.SIGINT, syscall.SIGTERM)
		cancel := make(chan struct{})
		g.Add(func() error {
			for {
				select {
				case <-term:
					_ = logger.Log("msg", "caught interrupt; gracefully cleaning up; see you next time!")
					return nil
				case <-cancel:
					return nil
				}
			}
		}, func(error) {
			close(cancel)
		})
	}

	{
		// Re-scan the bus periodically.
		ticker := time.NewTicker(viper.GetDuration("interval"))
		stop := make(chan struct{})
		g.Add(func() error {
			known := make(map[uint64]usb.DeviceInformation)
			for {
				scanCounter.Inc()
				devices, err := host.Devices(selector)
				if err != nil {
					scanErrors.Inc()
					_ = level.Warn(logger).Log("msg", "bus scan failed", "err", err)
				} else {
					deviceGauge.Set(float64(len(devices)))
					current := make(map[uint64]usb.DeviceInformation, len(devices))
					for _, info := range devices {
						current[info.NumericLocation] = info
						if _, ok := known[info.NumericLocation]; !ok {
							_ = level.Info(logger).Log("msg", "device arrived",
								"device", info.String(), "at", info.StringLocation)
						}
					}
					for locator, info := range known {
						if _, ok := current[locator]; !ok {
							_ = level.Info(logger).Log("msg", "device left",
								"device", info.String(), "at", info.StringLocation)
						}
					}
					known = current
				}

				select {
				case <-ticker.C:
				case <-stop:
					return nil
				}
			}
		}, func(error) {
			ticker.Stop()
			close(stop)
		})
	}

	return g.Run()
}

func main() {
	if err := Main(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Execution failed: %v\n", err)
		os.Exit(1)
	}
}
