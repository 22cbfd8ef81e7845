// Gray Logic Panda Breath bridge
//
// Connects a BIQU Panda Breath chamber heater to the Gray Logic bus. The
// heater is reached over its stock WebSocket firmware or through an ESPHome
// MQTT broker; readings are published as device state, stored locally and
// optionally written to InfluxDB. A small HTTP API serves status, target
// changes and a live feed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/gray-logic-pandabreath/internal/api"
	"github.com/nerrad567/gray-logic-pandabreath/internal/bridges/pandabreath"
	"github.com/nerrad567/gray-logic-pandabreath/internal/discovery"
	"github.com/nerrad567/gray-logic-pandabreath/internal/history"
	"github.com/nerrad567/gray-logic-pandabreath/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-pandabreath/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-pandabreath/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-pandabreath/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-pandabreath/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-pandabreath/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// pruneInterval is how often expired history rows are deleted.
const pruneInterval = time.Hour

var configFlag = flag.String("config", "", "path to config.yaml (overrides GRAYLOGIC_CONFIG)")

func main() {
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application body, separated from main for testability.
// Deferred cleanups run in reverse order of startup.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting Panda Breath bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"firmware", cfg.Heater.Firmware,
		"address", cfg.Heater.Address(),
	)

	// Local history
	db, err := database.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)
	historyRepo := history.NewRepository(db)

	// Gray Logic bus. The Last Will needs the instance id before the
	// bridge exists, so it is chosen here.
	instanceID := uuid.NewString()
	lwt, err := json.Marshal(pandabreath.NewLWTMessage(instanceID))
	if err != nil {
		return fmt.Errorf("encoding last will: %w", err)
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{Topic: pandabreath.HealthTopic(), Payload: lwt})
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
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// Time series (optional)
	var influxClient *influxdb.Client
	var metrics pandabreath.MetricsWriter
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, influxdb.Chamber{
			DeviceID: cfg.Heater.ID,
			Firmware: cfg.Heater.Firmware,
		})
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		metrics = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Heater and device link
	heater := pandabreath.NewHeater(heaterConfig(cfg.Heater), log.Component("heater"))
	tcfg := transportConfig(cfg.Heater)
	if cfg.Heater.MDNS {
		tcfg.Resolver = discovery.NewResolver(
			discovery.ServiceFor(cfg.Heater.Firmware),
			discovery.WithLogger(log.Component("discovery")),
		)
	}
	transport, err := pandabreath.NewTransport(tcfg, heater.Handlers(), log.Component("transport"))
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	heater.Bind(transport)

	bridge, err := pandabreath.NewBridge(pandabreath.BridgeOptions{
		DeviceID:   cfg.Heater.ID,
		Firmware:   cfg.Heater.Firmware,
		Address:    cfg.Heater.Address(),
		Version:    version,
		InstanceID: instanceID,
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Transport:  transport,
		Heater:     heater,
		Metrics:    metrics,
		History:    historyRepo,
		Logger:     log.Component("bridge"),
	})
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
		if pubErr := bridge.Health().PublishNow(); pubErr != nil {
			log.Warn("failed to publish health after reconnect", "error", pubErr)
		}
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := transport.Start(); err != nil {
		return fmt.Errorf("starting transport: %w", err)
	}
	defer func() {
		log.Info("stopping heater link")
		transport.Stop()
	}()

	// The poll and prune loops must be gone before the stores they write
	// to are closed by the defers above.
	loopCtx, stopLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	defer func() {
		stopLoops()
		loops.Wait()
	}()
	retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
	loops.Add(2)
	go func() {
		defer loops.Done()
		heater.Run(loopCtx)
	}()
	go func() {
		defer loops.Done()
		historyRepo.RunPruner(loopCtx, retention, pruneInterval, log.Component("history"))
	}()

	// HTTP API
	if cfg.API.Enabled {
		srv, apiErr := api.New(api.Deps{
			Config:    cfg.API,
			Logger:    log.Component("api"),
			DeviceID:  cfg.Heater.ID,
			Version:   version,
			Chamber:   heater,
			Targets:   bridge,
			Transport: transport,
			History:   historyRepo,
			Bus:       mqttClient,
		})
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		heater.OnUpdate(srv.PublishStatus)
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// getConfigPath returns the configuration file path: the -config flag,
// then GRAYLOGIC_CONFIG, then the default.
func getConfigPath() string {
	if *configFlag != "" {
		return *configFlag
	}
	if path := os.Getenv("GRAYLOGIC_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func heaterConfig(h config.HeaterConfig) pandabreath.HeaterConfig {
	return pandabreath.HeaterConfig{
		PollInterval:  h.GetPollInterval(),
		StaleAfter:    h.GetStaleAfter(),
		BusyTolerance: h.BusyTolerance,
	}
}

func transportConfig(h config.HeaterConfig) pandabreath.TransportConfig {
	return pandabreath.TransportConfig{
		Firmware:       h.Firmware,
		Host:           h.Host,
		Port:           h.Port,
		Broker:         h.MQTTBroker,
		BrokerPort:     h.MQTTPort,
		TopicPrefix:    h.MQTTTopicPrefix,
		ClientID:       h.MQTTClientID,
		KeepAlive:      uint16(h.MQTTKeepAlive), //nolint:gosec // validated to 0..65535
		Username:       h.MQTTUsername,
		Password:       h.MQTTPassword,
		ReconnectDelay: h.GetReconnectDelay(),
	}
}

// healthCheck verifies all infrastructure connections are healthy.
// influxClient may be nil when InfluxDB is disabled.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The bridge's handlers do not return errors.
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements pandabreath.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// PublishRetained implements pandabreath.MQTTClient at the configured QoS.
func (a *mqttBridgeAdapter) PublishRetained(topic string, payload []byte) error {
	return a.client.PublishRetained(topic, payload)
}

// Subscribe implements pandabreath.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements pandabreath.MQTTClient.
func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements pandabreath.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
