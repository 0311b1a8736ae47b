package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agsteer/agsteer/internal/config"
	"github.com/agsteer/agsteer/internal/hal"
	"github.com/agsteer/agsteer/internal/kickout"
	"github.com/agsteer/agsteer/internal/logger"
	"github.com/agsteer/agsteer/internal/metrics"
	"github.com/agsteer/agsteer/internal/motor"
	"github.com/agsteer/agsteer/internal/pgn"
	"github.com/agsteer/agsteer/internal/sensors"
	"github.com/agsteer/agsteer/internal/steer"
	"github.com/agsteer/agsteer/internal/store"
	"github.com/agsteer/agsteer/internal/telemetry"
)

var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config file")
	useMock := flag.Bool("mock", false, "run against the mock HAL")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		LogDir: cfg.Logger.Dir,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	bootID := uuid.NewString()
	logger.Info("agsteer starting",
		zap.String("version", Version),
		zap.String("boot_id", bootID))

	// Boot order: config -> HAL -> arbiter -> store -> sensors -> motor ->
	// kickout -> control -> router. Subsystems hold narrow handles only.
	board := initHAL(cfg, *useMock)
	defer board.Close()

	arbiter := hal.NewArbiter()
	m := metrics.New()

	var settings store.Store
	if s, serr := store.Open(cfg.Storage.Path); serr == nil {
		settings = s
	} else {
		// Run on volatile settings rather than refuse to steer.
		logger.Error("settings store unavailable, running volatile", zap.Error(serr))
		settings = store.NewMemStore()
	}
	defer settings.Close()

	pins, err := hal.LoadPinProfile(cfg.Hardware.ProfilePath)
	if err != nil {
		logger.Warn("pin profile load failed, using defaults", zap.Error(err))
	}

	// Restore the persisted steer config before anything claims hardware:
	// the encoder pin and motor backend depend on it.
	bootCfg := steer.Config{}
	if raw, ok := settings.Get("steer_config"); ok {
		if c, derr := steer.DecodeConfig(raw); derr == nil {
			bootCfg = c
		}
	}

	var encoder *sensors.Encoder
	if bootCfg.ShaftEncoder {
		encoder, err = sensors.NewEncoder(board.GPIO(), arbiter, pins.KickoutD)
		if err != nil {
			// Fatal for the encoder only: run without it and log loudly.
			logger.Error("encoder disabled", zap.Error(err))
		}
	}

	ad := sensors.NewADProcessor(board.ADC(), board.GPIO(), arbiter, pins,
		sensors.Config{}, encoder)
	if err := ad.Init(); err != nil {
		logger.Error("sensor acquisition degraded", zap.Error(err))
	}

	// CAN bus for the motor detection and (if selected) the CAN backend.
	var bus motor.Bus
	if board.SPI() != nil {
		mcp := motor.NewMCP2515Bus(board.SPI(), cfg.Hardware.CANBitrate, 0)
		if err := board.SPI().Open(cfg.Hardware.SPIBus, cfg.Hardware.SPIDevice); err != nil {
			logger.Warn("CAN controller unavailable", zap.Error(err))
		} else if err := mcp.Init(); err != nil {
			logger.Warn("CAN controller init failed", zap.Error(err))
		} else {
			bus = mcp
		}
	}

	driver, err := motor.DetectAndCreate(cfg.Motor.Selector, bootCfg.IsDanfoss, bootCfg.CytronDriver,
		motor.Deps{
			Bus:          bus,
			GPIO:         board.GPIO(),
			ADC:          board.ADC(),
			Arbiter:      arbiter,
			Metrics:      m,
			Pins:         pins,
			PWMFrequency: cfg.Hardware.PWMFrequency,
			SerialPort:   cfg.Motor.SerialPort,
			SerialBaud:   cfg.Motor.SerialBaud,
		})
	if err != nil {
		logger.Error("no usable motor backend, steering disabled", zap.Error(err))
		driver = nil
	} else if ierr := driver.Init(); ierr != nil {
		// A refused pin claim or dead port disables this subsystem only;
		// the module keeps serving frames with the motor out.
		logger.Error("motor driver init failed, steering disabled", zap.Error(ierr))
		driver = nil
	}

	var slip kickout.SlipSource
	if keya, ok := driver.(*motor.KeyaCANDriver); ok {
		slip = keya
	}
	monitor := kickout.NewMonitor(kickout.Config{
		ShaftEncoder:   bootCfg.ShaftEncoder,
		PressureSensor: bootCfg.PressureSensor,
		CurrentSensor:  bootCfg.CurrentSensor,
		PulseCountMax:  bootCfg.PulseCountMax,
	}, ad, driver, slip, m)

	var ip [4]byte
	for i := 0; i < 4 && i < len(cfg.Network.IP); i++ {
		ip[i] = byte(cfg.Network.IP[i])
	}

	transport, err := pgn.NewUDPTransport(cfg.Network.ListenPort, cfg.Network.SendPort, ip, m)
	if err != nil {
		logger.Fatal("failed to open PGN transport", zap.Error(err))
	}
	defer transport.Close()

	processor := steer.NewProcessor(steer.Options{
		Sensors: ad,
		Driver:  driver,
		Monitor: monitor,
		Sink:    transport,
		Store:   settings,
		Metrics: m,
		IP:      ip,
	})
	processor.LoadFromStore()

	router := pgn.NewRouter(m)
	if err := processor.Register(router); err != nil {
		logger.Fatal("PGN registration failed", zap.Error(err))
	}

	start := time.Now()
	now := func() int64 { return time.Since(start).Milliseconds() }
	transport.Start(router.Dispatch, now)

	publisher := telemetry.NewPublisher(telemetry.Config{
		Enabled: cfg.MQTT.Enabled,
		Broker:  cfg.MQTT.Broker,
		Topic:   cfg.MQTT.Topic,
		QoS:     byte(cfg.MQTT.QoS),
	}, bootID)
	if err := publisher.Start(); err != nil {
		logger.Warn("telemetry disabled", zap.Error(err))
	} else if cfg.MQTT.Enabled {
		logger.SetEventSink(publisher.EventSink)
	}
	defer publisher.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	motorKind := "disabled"
	if driver != nil {
		motorKind = driver.Kind().String()
	}
	logger.Info("agsteer running",
		zap.String("motor", motorKind),
		zap.Int("listen_port", cfg.Network.ListenPort))

	stopMotor := func() {
		if driver != nil {
			driver.SetSpeed(0)
			driver.Enable(false)
		}
	}

	// Cooperative scheduler: every subsystem exposes a tick that returns
	// promptly; rate separation is deadline comparison inside each tick.
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	lastTelemetry := int64(0)
	for {
		select {
		case <-sigCh:
			logger.Info("shutting down")
			stopMotor()
			return
		case <-ticker.C:
			t := now()
			ad.Tick(t)
			processor.Tick(t)

			if t-lastTelemetry >= 1000 {
				lastTelemetry = t
				m.UpdateSystemMetrics()
				publisher.PublishStatus(m.Snapshot())
			}
			if processor.RebootRequested() {
				logger.Warn("reboot requested by ground station, exiting for supervisor restart")
				stopMotor()
				return
			}
		}
	}
}
