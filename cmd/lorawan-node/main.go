package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lorawan-server/lorawan-node/internal/api"
	"github.com/lorawan-server/lorawan-node/internal/config"
	"github.com/lorawan-server/lorawan-node/internal/driver"
	"github.com/lorawan-server/lorawan-node/internal/driver/semtech"
	"github.com/lorawan-server/lorawan-node/internal/hardware"
	"github.com/lorawan-server/lorawan-node/internal/node"
	"github.com/lorawan-server/lorawan-node/internal/status"
	"github.com/lorawan-server/lorawan-node/internal/storage"
	"github.com/lorawan-server/lorawan-node/pkg/lorawan"
)

func main() {
	var configPath = flag.String("config", "config/lorawan-node.yml", "path to the configuration file")
	var validateOnly = flag.Bool("validate", false, "validate the configuration and exit")
	var showConfig = flag.Bool("show-config", false, "print the configuration summary and exit")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config_path", *configPath).Msg("load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	if *showConfig {
		cfg.PrintConfigSummary()
		return
	}

	if *validateOnly {
		d, err := newDriver(cfg)
		if err != nil {
			log.Fatal().Err(err).Msg("create driver")
		}
		d.Close()
		cfg.PrintConfigSummary()
		fmt.Println("configuration OK")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err = run(ctx, cfg)
	stop()
	if err != nil {
		// run has already released every resource it opened.
		log.Fatal().Err(err).Msg("lorawan-node stopped")
	}
	log.Info().Msg("lorawan-node stopped")
}

// run starts the node and blocks until ctx is done or the node halts.
// Every resource opened here is released before it returns.
func run(ctx context.Context, cfg *config.Config) error {
	identity, version, err := cfg.Device.Identity()
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}
	payload, err := cfg.Uplink.PayloadBytes()
	if err != nil {
		return fmt.Errorf("uplink payload: %w", err)
	}
	d, err := newDriver(cfg)
	if err != nil {
		return fmt.Errorf("create driver: %w", err)
	}

	log.Info().
		Str("devEUI", identity.DevEUI.String()).
		Str("macVersion", version.String()).
		Str("driver", d.String()).
		Msg("lorawan-node starting")

	history := status.NewHistory(cfg.API.HistorySize)
	reporter := status.NewReporter(identity.DevEUI, status.NewLogSink(log.Logger), history)
	defer reporter.Close()

	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			d.Close()
			return fmt.Errorf("connect database: %w", err)
		}
		defer pg.Close()
		if err := pg.Migrate(ctx); err != nil {
			d.Close()
			return fmt.Errorf("migrate database: %w", err)
		}
		store = pg
		reporter.Add(status.NewStoreSink(pg))
	}

	if cfg.NATS.URL != "" {
		opts := []nats.Option{
			nats.Name("lorawan-node-" + identity.DevEUI.String()),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
		}
		if cfg.NATS.Username != "" {
			opts = append(opts, nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password))
		}
		nc, err := nats.Connect(cfg.NATS.URL, opts...)
		if err != nil {
			// status publishing is best effort
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("connect NATS, status not published")
		} else {
			// the sink drains nc when the reporter closes
			reporter.Add(status.NewNATSSink(nc))
		}
	}

	if cfg.MQTT.Broker != "" {
		sink, err := status.NewMQTTSink(status.MQTTOptions{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            byte(cfg.MQTT.QoS),
			PublishTimeout: cfg.MQTT.PublishTimeout,
		})
		if err != nil {
			log.Warn().Err(err).Str("broker", cfg.MQTT.Broker).Msg("connect MQTT, status not published")
		} else {
			reporter.Add(sink)
		}
	}

	pins, err := newPins(cfg)
	if err != nil {
		d.Close()
		return fmt.Errorf("open gpio: %w", err)
	}

	var bus hardware.Bus = hardware.NopBus{}
	if cfg.Radio.Bus.Type == "serial" {
		bus = hardware.NewSerialBus(cfg.Radio.Bus.Port, cfg.Radio.Bus.BaudRate)
	}

	switchMode, _ := driver.ParseRfSwitchMode(cfg.Radio.SwitchMode)
	opts := node.Options{
		Identity: identity,
		Version:  version,
		Switch: hardware.RadioSwitchConfig{
			Chip:        cfg.Radio.GPIOChip,
			PowerPin:    cfg.Radio.PowerPin,
			ControlPin:  cfg.Radio.SwitchPin,
			ControlMode: switchMode,
			ActiveLow:   cfg.Radio.PowerActiveLow,
		},
		Pins:             pins,
		Bus:              bus,
		Driver:           d,
		Reporter:         reporter,
		Interval:         cfg.Uplink.Interval,
		Payload:          payload,
		RetryInterval:    cfg.Join.RetryInterval,
		RetryMaxInterval: cfg.Join.RetryMaxInterval,
	}
	if store != nil {
		opts.Sessions = store
		opts.Nonces = store
		opts.SessionKey, _ = cfg.Database.SessionKeyBytes()
	}

	n, err := node.New(opts)
	if err != nil {
		d.Close()
		bus.Close()
		pins.Close()
		return fmt.Errorf("create node: %w", err)
	}
	defer n.Close()

	if cfg.API.Enabled {
		var events storage.EventStore
		if store != nil {
			events = store
		}
		srv := api.NewRESTServer(cfg, n, history, events)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("diagnostics API stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	err = n.Run(ctx)
	if errors.Is(err, node.ErrHalted) {
		return err
	}
	log.Info().Msg("shutting down")
	return nil
}

func newDriver(cfg *config.Config) (*semtech.Driver, error) {
	gatewayEUI, err := lorawan.ParseEUI64(cfg.Driver.GatewayEUI)
	if err != nil {
		return nil, fmt.Errorf("gateway_eui: %w", err)
	}
	return semtech.NewDriver(semtech.Config{
		Server:     cfg.Driver.Server,
		GatewayEUI: gatewayEUI,
		Band:       cfg.Driver.Band,
		DataRate:   cfg.Driver.DataRate,
		FPort:      uint8(cfg.Uplink.FPort),
		AckTimeout: cfg.Driver.AckTimeout,
		RXMargin:   cfg.Driver.RXMargin,
	})
}

func newPins(cfg *config.Config) (hardware.PinController, error) {
	if cfg.Radio.DryRun {
		log.Warn().Msg("dry run, gpio lines are simulated")
		return hardware.NewMemoryPins(nil), nil
	}
	return hardware.OpenGPIOChip(cfg.Radio.GPIOChip, cfg.Radio.PowerActiveLow)
}
