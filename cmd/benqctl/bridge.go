package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/gray-logic-benq/migrations"

	"github.com/nerrad567/gray-logic-benq/internal/bridges/benq"
	"github.com/nerrad567/gray-logic-benq/internal/history"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-benq/internal/infrastructure/mqtt"
)

// errNoTransport is returned when bridge mode has no transport configured.
var errNoTransport = errors.New("transport.type must be set to serial or telnet for bridge mode")

// runBridge connects the infrastructure and the projector, then serves
// MQTT commands until ctx is cancelled.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - cfg: Application configuration
//   - opts: Parsed command line (--record)
//   - log: Logger instance
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func runBridge(ctx context.Context, cfg *config.Config, opts cliOptions, log *logging.Logger) error {
	if cfg.Transport.Type == "" {
		return errNoTransport
	}
	if opts.record {
		cfg.Recording.Enabled = true
	}

	// Checked by the health reporter on every report.
	var deps []benq.Dependency

	// History (optional)
	var repo *history.SQLiteRepository
	if cfg.Database.Path != "" {
		db, err := database.OpenMigrated(ctx, database.ConfigFrom(cfg.Database))
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		repo = history.NewSQLiteRepository(db.DB)
		deps = append(deps, benq.Dependency{Name: "history database", Check: db.HealthCheck})
		log.Info("state history enabled", "path", cfg.Database.Path)
	} else {
		log.Info("state history disabled")
	}

	// MQTT, with the bridge's offline health message as will
	lwt, err := json.Marshal(benq.NewLWTMessage(cfg.Bridge.ID))
	if err != nil {
		return fmt.Errorf("building LWT: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, mqtt.WithWill(benq.HealthTopic(), lwt))
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	deps = append(deps, benq.Dependency{Name: "mqtt", Check: mqttClient.HealthCheck})
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// InfluxDB (optional). A nil client drops writes.
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		deps = append(deps, benq.Dependency{Name: "influxdb", Check: influxClient.HealthCheck})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Projector
	s, err := openSession(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			log.Error("error closing projector", "error", closeErr)
		}
	}()

	tables, err := benq.LoadTables(cfg.Protocol.TablesFile)
	if err != nil {
		return err
	}

	mon := benq.NewMonitor(s.projector, monitorOptions(cfg))
	mon.SetLogger(log.Component("monitor"))

	bridgeOpts := benq.BridgeOptions{
		Config: benq.BridgeConfig{
			ID:                cfg.Bridge.ID,
			DeviceID:          cfg.Device.ID,
			HealthInterval:    cfg.GetHealthInterval(),
			ReconnectInterval: cfg.GetReconnectInterval(),
		},
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Projector:  s.projector,
		Monitor:    mon,
		Tables:     tables,
		Examiner: benq.ExaminerOptions{
			Timeout:    cfg.Protocol.ResponseTimeout,
			QueryDelay: cfg.Protocol.QueryDelay,
		},
		Metrics:      &metricsAdapter{client: influxClient},
		Dependencies: deps,
		Logger:       log.Component("bridge"),
		Version:      version,
	}
	if repo != nil {
		bridgeOpts.History = repo
	}

	bridge, err := benq.NewBridge(bridgeOpts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		bridge.Stop()
		return fmt.Errorf("starting bridge: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	g, gctx := errgroup.WithContext(ctx)
	if repo != nil {
		g.Go(func() error {
			history.RunPruner(gctx, repo, cfg.GetRetention(), history.DefaultPruneInterval, log.Component("history"))
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, cleaning up")
		bridge.Stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Info("BenQ bridge stopped")
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The handler signatures differ:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - benq bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements benq.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements benq.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements benq.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}

// Disconnect implements benq.MQTTClient. The client is closed by runBridge's
// defer chain, so this is a no-op.
func (a *mqttBridgeAdapter) Disconnect(_ uint) {}

// metricsAdapter adapts influxdb.Client to benq.MetricsWriter. A nil client
// is valid and drops every write.
type metricsAdapter struct {
	client *influxdb.Client
}

// WriteProjectorState implements benq.MetricsWriter.
func (a *metricsAdapter) WriteProjectorState(deviceID, key, value string) {
	a.client.WriteProjectorState(deviceID, key, value)
}

// WriteBridgeStats implements benq.MetricsWriter.
func (a *metricsAdapter) WriteBridgeStats(deviceID string, stats benq.DispatcherStats, reconnects uint64) {
	a.client.WriteBridgeStats(deviceID, influxdb.BridgeStats{
		CommandsTx:       stats.CommandsTx,
		RepliesRx:        stats.RepliesRx,
		Timeouts:         stats.Timeouts,
		Rejected:         stats.Rejected,
		Failed:           stats.Failed,
		MalformedFrames:  stats.MalformedFrames,
		ConnectionErrors: stats.ConnectionErrors,
		Reconnects:       reconnects,
	})
}

var (
	_ benq.MQTTClient    = (*mqttBridgeAdapter)(nil)
	_ benq.MetricsWriter = (*metricsAdapter)(nil)
)
