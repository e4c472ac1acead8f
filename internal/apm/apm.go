// Package apm provides optional New Relic APM integration for the stats
// HTTP server.
package apm

import (
	"context"
	"sync"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"

	"github.com/nervosnetwork/ckb-stratum-proxy/internal/config"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/util"
)

// Agent wraps New Relic APM functionality.
type Agent struct {
	cfg *config.NewRelicConfig
	app *newrelic.Application
	mu  sync.RWMutex
}

// NewAgent creates a new New Relic agent.
func NewAgent(cfg *config.NewRelicConfig) *Agent {
	return &Agent{cfg: cfg}
}

// Start initializes the New Relic agent. A no-op when disabled or
// unconfigured.
func (a *Agent) Start() error {
	if !a.cfg.Enabled {
		util.Info("apm: disabled")
		return nil
	}
	if a.cfg.LicenseKey == "" {
		util.Warn("apm: enabled but no license key configured, staying disabled")
		return nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(a.cfg.AppName),
		newrelic.ConfigLicense(a.cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(true),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return err
	}

	if err := app.WaitForConnection(5 * time.Second); err != nil {
		util.Warnf("apm: connection timeout: %v (will retry in background)", err)
	}

	a.mu.Lock()
	a.app = app
	a.mu.Unlock()

	util.Infof("apm: enabled for app %q", a.cfg.AppName)
	return nil
}

// Stop shuts down the New Relic agent.
func (a *Agent) Stop() {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		util.Info("apm: shutting down")
		app.Shutdown(10 * time.Second)
	}
}

// Application returns the underlying New Relic application, for wiring into
// gin middleware.
func (a *Agent) Application() *newrelic.Application {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app
}

// IsEnabled reports whether the agent connected successfully.
func (a *Agent) IsEnabled() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.app != nil
}

// StartTransaction starts a new New Relic transaction.
func (a *Agent) StartTransaction(name string) *newrelic.Transaction {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app == nil {
		return nil
	}
	return app.StartTransaction(name)
}

// RecordCustomEvent records a custom event.
func (a *Agent) RecordCustomEvent(eventType string, params map[string]interface{}) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomEvent(eventType, params)
	}
}

// RecordCustomMetric records a custom metric.
func (a *Agent) RecordCustomMetric(name string, value float64) {
	a.mu.RLock()
	app := a.app
	a.mu.RUnlock()

	if app != nil {
		app.RecordCustomMetric(name, value)
	}
}

// NoticeError records an error against a transaction.
func (a *Agent) NoticeError(txn *newrelic.Transaction, err error) {
	if txn != nil && err != nil {
		txn.NoticeError(err)
	}
}

// NewContext attaches a transaction to ctx.
func (a *Agent) NewContext(ctx context.Context, txn *newrelic.Transaction) context.Context {
	if txn == nil {
		return ctx
	}
	return newrelic.NewContext(ctx, txn)
}

// FromContext retrieves a transaction from ctx.
func (a *Agent) FromContext(ctx context.Context) *newrelic.Transaction {
	return newrelic.FromContext(ctx)
}

// RecordShareSubmission records one submitted share's outcome.
func (a *Agent) RecordShareSubmission(worker string, difficulty float64, outcome string) {
	a.RecordCustomEvent("ShareSubmission", map[string]interface{}{
		"worker":     worker,
		"difficulty": difficulty,
		"outcome":    outcome, // "accepted_valid" | "accepted_stale_ack" | "rejected"
	})
}

// RecordBlockFound records a solo-mode submit_block success.
func (a *Agent) RecordBlockFound(height uint64, workID string) {
	a.RecordCustomEvent("BlockFound", map[string]interface{}{
		"height":  height,
		"work_id": workID,
	})
}

// RecordMinerConnected records a miner connection.
func (a *Agent) RecordMinerConnected(worker, ip string) {
	a.RecordCustomEvent("MinerConnected", map[string]interface{}{
		"worker": worker,
		"ip":     ip,
	})
}

// RecordMinerDisconnected records a miner disconnection.
func (a *Agent) RecordMinerDisconnected(worker string) {
	a.RecordCustomEvent("MinerDisconnected", map[string]interface{}{
		"worker": worker,
	})
}

// UpdateProxyMetrics updates process-wide gauges.
func (a *Agent) UpdateProxyMetrics(connectedMiners, authorizedMiners int) {
	a.RecordCustomMetric("Custom/Proxy/ConnectedMiners", float64(connectedMiners))
	a.RecordCustomMetric("Custom/Proxy/AuthorizedMiners", float64(authorizedMiners))
}

// UpdateNetworkMetrics updates network-facing gauges (solo mode only).
func (a *Agent) UpdateNetworkMetrics(height uint64, compactTarget uint32) {
	a.RecordCustomMetric("Custom/Network/Height", float64(height))
	a.RecordCustomMetric("Custom/Network/CompactTarget", float64(compactTarget))
}
