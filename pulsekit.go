// Package pulsekit is a client-side telemetry SDK. It accepts
// application events, enriches them through a plugin pipeline, and
// delivers them to a collection endpoint without blocking the host
// application: bounded queueing, deduplication, priority scheduling,
// adaptive transport selection with fallback, bounded retry, and
// offline persistence with replay.
package pulsekit

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/pulsekit/pulsekit/event"
	"github.com/pulsekit/pulsekit/internal/netmon"
	"github.com/pulsekit/pulsekit/internal/priority"
	"github.com/pulsekit/pulsekit/internal/queue"
	"github.com/pulsekit/pulsekit/internal/store"
	"github.com/pulsekit/pulsekit/internal/transport"
)

// Client is the telemetry engine. Construct one per application with New
// and share it by reference; there is no package-level singleton.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	manager *queue.Manager
	store   *store.Store
	mqtt    *transport.MQTT
}

// New builds a client. The environment capability profile — which
// transport mechanisms exist and whether durable persistence is
// available — is decided here, once, and never re-checked ad hoc.
func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	rules := priority.DefaultRules().Merge(priority.Rules{
		High: cfg.Priority.High,
		Low:  cfg.Priority.Low,
	})
	if cfg.Priority.RulesFile != "" {
		fileRules, err := priority.LoadRules(cfg.Priority.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = rules.Merge(fileRules)
	}
	classifier := priority.NewClassifier(rules)

	var prober netmon.Prober
	if !cfg.Network.DisableProbe {
		prober = netmon.NewHTTPProber(cfg.Collector.Endpoint)
	}
	monitor := netmon.New(prober, netmon.Options{
		CheckInterval: time.Duration(cfg.Network.CheckInterval),
		Logger:        logger,
	})

	creds := transport.Credentials{
		AppID:   cfg.App.ID,
		AppKey:  cfg.App.Key,
		Headers: cfg.Collector.Headers,
	}

	c := &Client{cfg: cfg, logger: logger}

	mechanisms := []transport.Mechanism{
		transport.NewStream(cfg.streamURL(), creds),
		transport.NewHTTP(cfg.Collector.Endpoint, creds),
	}
	chain := []string{transport.MechanismBeacon, transport.MechanismStream, transport.MechanismHTTP}
	if cfg.Collector.BrokerURL != "" {
		// A broker takes over the durable slot in the chain.
		topic := cfg.Collector.Topic
		if topic == "" {
			topic = "telemetry/" + cfg.App.ID
		}
		c.mqtt = transport.NewMQTT(cfg.Collector.BrokerURL, "pulsekit-"+uuid.New().String(), topic)
		mechanisms = append(mechanisms, c.mqtt)
		chain[0] = transport.MechanismMQTT
	} else {
		mechanisms = append(mechanisms, transport.NewBeacon(cfg.Collector.Endpoint, creds))
	}

	history := transport.NewHistory(transport.DefaultHistoryWindow)
	selector := transport.NewSelector(history, chain, transport.SelectorOptions{
		SizeCeiling:  cfg.Collector.SizeCeiling,
		SmallPayload: cfg.Collector.SmallPayload,
	})
	sender := transport.NewSender(mechanisms, selector, history, monitor, transport.SenderOptions{
		Timeout: time.Duration(cfg.Collector.Timeout),
		Logger:  logger,
	})

	var offline *store.Store
	if cfg.Offline.Enabled {
		s, err := store.Open(cfg.Offline.Path, store.Options{Logger: logger})
		if err != nil {
			// No durable storage capability: the engine falls back to
			// in-memory retry semantics rather than failing construction.
			logger.Warn("offline store unavailable, persistence disabled", "error", err)
		} else {
			offline = s
			c.store = s
		}
	}

	queueCfg := queue.Config{
		AppID:            cfg.App.ID,
		AppKey:           cfg.App.Key,
		MaxQueueSize:     cfg.Queue.MaxSize,
		DedupeSize:       cfg.Queue.DedupeSize,
		BatchSize:        cfg.Queue.BatchSize,
		MinBatchSize:     cfg.Queue.MinBatchSize,
		MaxBatchSize:     cfg.Queue.MaxBatchSize,
		FlushInterval:    time.Duration(cfg.Queue.BatchInterval),
		MinFlushInterval: time.Duration(cfg.Queue.MinBatchInterval),
		MaxFlushInterval: time.Duration(cfg.Queue.MaxBatchInterval),
		RetryCount:       cfg.Queue.RetryCount,
		RetryInterval:    time.Duration(cfg.Queue.RetryInterval),
		OfflineEnabled:   cfg.Offline.Enabled && offline != nil,
		RecoveryInterval: time.Duration(cfg.Offline.RecoveryInterval),
		HighWatermark:    cfg.Queue.HighWatermark,
		MediumWatermark:  cfg.Queue.MediumWatermark,
		LowWatermark:     cfg.Queue.LowWatermark,
	}
	var managerStore queue.OfflineStore
	if offline != nil {
		managerStore = offline
	}
	c.manager = queue.NewManager(queueCfg, sender, managerStore, classifier, logger)

	logger.Info("telemetry client ready",
		"app_id", cfg.App.ID,
		"endpoint", cfg.Collector.Endpoint,
		"offline", offline != nil,
		"durable_mechanism", chain[0])
	return c, nil
}

// Push enqueues an event. It is fire-and-forget: duplicates, overflow,
// and delivery failures are handled by engine policy and never surface
// to the caller.
func (c *Client) Push(ev *event.Event) {
	if ev == nil {
		return
	}
	c.manager.Push(ev)
}

// Track is a convenience wrapper: it builds an event with a generated ID
// and the current timestamp, then pushes it.
func (c *Client) Track(name string, properties map[string]any) {
	c.Push(event.New(name, properties))
}

// Use appends an enrichment plugin to the flush pipeline. Plugins run in
// registration order.
func (c *Client) Use(p event.Plugin) {
	c.manager.Use(p)
}

// Flush forces an immediate delivery attempt of one batch.
func (c *Client) Flush() {
	c.manager.Flush()
}

// RestoreOfflineEvents forces an offline recovery sweep outside the
// regular interval, e.g. right after construction on startup.
func (c *Client) RestoreOfflineEvents() {
	c.manager.RestoreOfflineEvents()
}

// Stats returns a copy of the cumulative delivery counters.
func (c *Client) Stats() queue.Stats {
	return c.manager.StatsSnapshot()
}

// Close flushes what it can, persists the rest, and tears down all
// engine timers. The client accepts no events afterwards.
func (c *Client) Close() error {
	c.manager.Flush()
	c.manager.ClearTimers()

	var err error
	if c.store != nil {
		if cerr := c.store.Close(); cerr != nil {
			err = fmt.Errorf("pulsekit: close offline store: %w", cerr)
		}
	}
	if c.mqtt != nil {
		c.mqtt.Close()
	}
	c.logger.Info("telemetry client closed")
	return err
}
