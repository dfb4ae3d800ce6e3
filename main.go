package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jwoglom/collarlink/pkg/api"
	"github.com/jwoglom/collarlink/pkg/bluetooth"
	"github.com/jwoglom/collarlink/pkg/config"
	"github.com/jwoglom/collarlink/pkg/handler"
	"github.com/jwoglom/collarlink/pkg/sensor"
	"github.com/jwoglom/collarlink/pkg/serialport"
	"github.com/jwoglom/collarlink/pkg/session"
	"github.com/jwoglom/collarlink/pkg/state"
	"github.com/jwoglom/collarlink/pkg/storage"
	"github.com/jwoglom/collarlink/pkg/telemetry"
	"github.com/jwoglom/collarlink/pkg/transfer"

	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"
)

// settingFlags are exposed as -flag-name and map to the FLAG_NAME config key
var settingFlags = map[string]string{
	"storage-dir":       "directory holding recorded sessions (or COLLAR_STORAGE_DIR)",
	"firmware-dir":      "directory receiving OTA images",
	"sample-rate":       "IMU sample rate in Hz",
	"chunk-size":        "records per continuous chunk",
	"erase-on-start":    "erase stored sessions before a recording starts",
	"record-interval":   "delay between streamed chunk records",
	"ble-enabled":       "advertise the collar over Bluetooth",
	"device-name":       "advertised device name",
	"serial-number":     "device serial number",
	"firmware-version":  "reported firmware version",
	"api-addr":          "monitor API listen address, empty to disable",
	"mqtt-broker":       "MQTT broker URL, empty to disable",
	"mqtt-topic-prefix": "MQTT topic prefix",
	"serial-port":       "serial device carrying commands instead of Bluetooth",
	"serial-baud":       "serial baud rate",
	"log-level":         "log level when neither -v nor -q is given",
}

func main() {
	// if both verbose and quiet are chosen, e.g., -v -q, the verbose dominates
	var traceLevel = flag.Bool("v", false, "verbose off by default, TraceLevel")
	var infoLevel = flag.Bool("q", false, "quiet off by default, InfoLevel")
	var configFile = flag.String("config", "", "KEY=VALUE configuration file, flags override it")
	for name, usage := range settingFlags {
		flag.String(name, "", usage)
	}

	flag.Parse()

	log.SetFormatter(&logrus.TextFormatter{
		DisableQuote: true,
		ForceColors:  true,
	})

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	if *traceLevel {
		log.SetLevel(log.TraceLevel)
	} else if *infoLevel {
		log.SetLevel(log.InfoLevel)
	} else if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	} else {
		log.SetLevel(log.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("Collar stopped: %v", err)
	}
	log.Info("Collar stopped")
}

func loadConfig(path string) (*config.Config, error) {
	c := config.Default()
	if path != "" {
		if err := config.LoadFile(path, &c); err != nil {
			return nil, err
		}
	}

	var setErr error
	flag.Visit(func(f *flag.Flag) {
		if _, ok := settingFlags[f.Name]; !ok || setErr != nil {
			return
		}
		key := strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		setErr = c.Set(key, f.Value.String())
	})
	if setErr != nil {
		return nil, setErr
	}
	return config.New(c)
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log.Info("Starting collar")
	log.Infof("Storage: %s, firmware: %s, OTA completion: %s", cfg.StorageDir, cfg.FirmwareDir, transfer.CompletionMode)

	device := state.NewDeviceState(cfg.SerialNumber, cfg.FirmwareVersion)
	notifiers := state.MultiEventNotifier{device}

	store, err := storage.NewFileStore(cfg.StorageDir)
	if err != nil {
		return err
	}

	source := sensor.NewSimulator()
	sessions := session.NewManager(store, source, session.Options{
		SampleRate: cfg.SampleRate,
		ChunkSize:  uint16(cfg.ChunkSize),
	})

	var monitor *api.Server
	if cfg.APIAddr != "" {
		monitor = api.New(cfg.APIAddr)
		notifiers = append(notifiers, monitor)
	}

	if cfg.MQTTBroker != "" {
		pub, err := telemetry.Dial(cfg.MQTTBroker, cfg.MQTTClientID)
		if err != nil {
			log.Errorf("Telemetry disabled: %v", err)
		} else {
			defer pub.Close()
			mqttNotifier := telemetry.NewNotifier(pub, cfg.MQTTTopicPrefix)
			notifiers = append(notifiers, mqttNotifier)
			go mqttNotifier.RunStatus(ctx, 30*time.Second, func() map[string]interface{} {
				return map[string]interface{}{
					"device":  device.Snapshot(),
					"session": sessions.Status(),
				}
			})
		}
	}

	// Command link: serial bench link, Bluetooth, or the monitor alone
	var ble *bluetooth.Ble
	if cfg.BLEEnabled {
		ble, err = bluetooth.New(bluetooth.Options{
			Name:            cfg.DeviceName,
			Manufacturer:    "Collarlink",
			Model:           device.Model,
			SerialNumber:    cfg.SerialNumber,
			FirmwareVersion: cfg.FirmwareVersion,
		})
		if err != nil {
			return fmt.Errorf("could not start BLE: %w", err)
		}
		defer func() {
			if err := ble.Close(); err != nil {
				log.Debugf("BLE close: %v", err)
			}
		}()
	}

	var serial *serialport.Port
	if cfg.SerialPort != "" {
		serial, err = serialport.Open(serialport.Options{
			PortName: cfg.SerialPort,
			BaudRate: uint(cfg.SerialBaud),
		})
		if err != nil {
			return err
		}
	}

	var link handler.Transport
	switch {
	case serial != nil:
		link = serial
	case ble != nil:
		link = bluetooth.NewLink(ble)
	case monitor != nil:
		link = monitor.Loopback()
	default:
		return fmt.Errorf("no command link: enable Bluetooth, a serial port or the monitor API")
	}
	if monitor != nil && (serial != nil || ble != nil) {
		link = monitor.Monitor(link)
	}

	sender := transfer.NewSender(store, link, transfer.SenderOptions{
		RawRecords:      cfg.ChunkSize,
		ActivityRecords: cfg.ChunkSize * 2 / 3,
		Interval:        cfg.RecordInterval,
	})

	updater, err := transfer.NewFileUpdater(cfg.FirmwareDir)
	if err != nil {
		return err
	}
	ota := transfer.NewOTA(updater, transfer.OTAOptions{
		QueueSize:   cfg.OTAQueueSize,
		Rebooter:    &rebooter{cancel: cancel},
		Radio:       &radio{ble: ble, device: device},
		RadioSettle: transfer.DefaultRadioSettleTime,
	})

	sessions.SetEventNotifier(notifiers)
	sender.SetEventNotifier(notifiers)
	ota.SetEventNotifier(notifiers)

	jobs := handler.NewJobRunner(cfg.JobQueueSize)
	router := handler.NewRouter(link, jobs)
	handler.RegisterDefaults(router, sessions, sender, handler.Options{EraseOnStart: cfg.EraseOnStart})
	dispatcher := handler.NewDispatcher(router, cfg.CommandQueueSize)

	receive := func(charType bluetooth.CharacteristicType, data []byte) error {
		switch charType {
		case bluetooth.CharTx:
			return dispatcher.Enqueue(data)
		case bluetooth.CharOTAControl:
			return ota.Ingest(transfer.OTAControl, data)
		case bluetooth.CharOTAData:
			return ota.Ingest(transfer.OTAData, data)
		default:
			return fmt.Errorf("%s is not writable", charType)
		}
	}

	onConnection := func(connected bool, peer string) {
		device.SetConnected(connected, peer)
		if monitor != nil {
			monitor.SendConnectionEvent(connected, peer)
		}
		if !connected {
			jobs.Cancel()
			if err := sessions.StopLive(); err != nil {
				log.Debugf("Stop live: %v", err)
			}
		}
	}

	if ble != nil {
		ble.SetWriteHandler(func(charType bluetooth.CharacteristicType, data []byte) {
			if monitor != nil {
				monitor.SendFrameEvent("rx", charType, data)
			}
			if err := receive(charType, data); err != nil {
				log.Warnf("Write on %s rejected: %v", charType, err)
			}
		})
		ble.SetConnectionHandler(onConnection)
	}

	go sessions.RunPoller(ctx, cfg.PollInterval)
	go jobs.Run(ctx)
	go dispatcher.Run(ctx)
	go ota.Run(ctx)

	if serial != nil {
		onConnection(true, cfg.SerialPort)
		go func() {
			err := serial.Run(ctx, func(frame []byte) error {
				if monitor != nil {
					monitor.SendFrameEvent("rx", bluetooth.CharTx, frame)
				}
				return dispatcher.Enqueue(frame)
			})
			if err != nil {
				log.Errorf("Serial link failed: %v", err)
			}
			onConnection(false, cfg.SerialPort)
		}()
	}

	if monitor != nil {
		if serial == nil && ble == nil {
			onConnection(true, "monitor")
		}
		monitor.SetInjector(receive)
		monitor.SetStateProvider("device", func() interface{} { return device.Snapshot() })
		monitor.SetStateProvider("session", func() interface{} { return sessions.Status() })
		monitor.SetStateProvider("ota", func() interface{} { return ota.Status() })
		monitor.SetStateProvider("router", func() interface{} { return router.GetStats() })
		monitor.SetStateProvider("dispatcher", func() interface{} { return dispatcher.GetStats() })
		monitor.SetStateProvider("jobs", func() interface{} { return jobs.GetStats() })
		monitor.SetStateProvider("sensor", func() interface{} { return source.GetStats() })
		if serial != nil {
			monitor.SetStateProvider("serial", func() interface{} { return serial.GetStats() })
		}
		go func() {
			if err := monitor.Start(); err != nil {
				log.Errorf("Monitor API stopped: %v", err)
			}
		}()
	}

	log.Info("Collar initialized, waiting for commands...")
	<-ctx.Done()

	if err := sessions.Stop(); err != nil {
		log.Warnf("Stopping recording: %v", err)
	}
	return nil
}

// rebooter stands in for the application processor reset: it stops the
// process so a supervisor restarts it on the new image
type rebooter struct {
	cancel context.CancelFunc
}

func (r *rebooter) Reboot() error {
	log.Warn("Reboot requested, shutting down")
	r.cancel()
	return nil
}

// radio restarts the Bluetooth peripheral after a coprocessor update
type radio struct {
	ble    *bluetooth.Ble
	device *state.DeviceState
}

func (r *radio) Deinit() error {
	if r.ble == nil {
		return nil
	}
	r.ble.ShutdownConnection()
	return nil
}

func (r *radio) Init() error {
	log.Info("Radio reinitialized")
	return nil
}

func (r *radio) FirmwareVersion() (string, error) {
	version := r.device.GetFirmwareVersion()
	r.device.SetRadioVersion(version)
	return version, nil
}
