package apm

import (
	"context"
	"testing"

	"github.com/nervosnetwork/ckb-stratum-proxy/internal/config"
)

func TestNewAgent(t *testing.T) {
	cfg := &config.NewRelicConfig{
		Enabled:    true,
		AppName:    "ckb-stratum-proxy",
		LicenseKey: "test_key",
	}

	agent := NewAgent(cfg)

	if agent == nil {
		t.Fatal("NewAgent returned nil")
	}
	if agent.cfg != cfg {
		t.Error("Agent.cfg not set correctly")
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil before Start()")
	}
}

func TestStartDisabled(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error when disabled: %v", err)
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil when disabled")
	}
}

func TestStartNoLicenseKey(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: true, AppName: "x", LicenseKey: ""})
	if err := agent.Start(); err != nil {
		t.Errorf("Start() returned error with empty license key: %v", err)
	}
	if agent.app != nil {
		t.Error("Agent.app should be nil with empty license key")
	}
}

func TestStopNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.Stop() // must not panic
}

func TestApplicationNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	if agent.Application() != nil {
		t.Error("Application() should return nil when not started")
	}
}

func TestIsEnabledNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	if agent.IsEnabled() {
		t.Error("IsEnabled() should return false when not started")
	}
}

func TestStartTransactionNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	if agent.StartTransaction("test") != nil {
		t.Error("StartTransaction() should return nil when not started")
	}
}

func TestRecordCustomEventNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.RecordCustomEvent("TestEvent", map[string]interface{}{"key": "value"})
}

func TestRecordCustomMetricNotStarted(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.RecordCustomMetric("Custom/Test", 123.45)
}

func TestNoticeErrorNilTransaction(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.NoticeError(nil, nil)
}

func TestNewContextNilTransaction(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	ctx := context.Background()
	if result := agent.NewContext(ctx, nil); result != ctx {
		t.Error("NewContext should return original context when txn is nil")
	}
}

func TestFromContext(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	if agent.FromContext(context.Background()) != nil {
		t.Error("FromContext should return nil for empty context")
	}
}

func TestRecordShareSubmission(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.RecordShareSubmission("worker1", 1024.0, "accepted_valid")
	agent.RecordShareSubmission("worker1", 1024.0, "rejected")
}

func TestRecordBlockFound(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.RecordBlockFound(12345, "0xabc")
}

func TestRecordMinerConnected(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.RecordMinerConnected("worker1", "192.168.1.100")
}

func TestRecordMinerDisconnected(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.RecordMinerDisconnected("worker1")
}

func TestUpdateProxyMetrics(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.UpdateProxyMetrics(100, 80)
}

func TestUpdateNetworkMetrics(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})
	agent.UpdateNetworkMetrics(12345, 0x1a2b3c4d)
}

func TestAgentStructFields(t *testing.T) {
	cfg := &config.NewRelicConfig{Enabled: true, AppName: "ckb-stratum-proxy", LicenseKey: "license_123"}
	agent := NewAgent(cfg)

	if agent.cfg.AppName != "ckb-stratum-proxy" {
		t.Errorf("AppName = %s, want ckb-stratum-proxy", agent.cfg.AppName)
	}
	if agent.cfg.LicenseKey != "license_123" {
		t.Errorf("LicenseKey = %s, want license_123", agent.cfg.LicenseKey)
	}
}

func TestConcurrentAccess(t *testing.T) {
	agent := NewAgent(&config.NewRelicConfig{Enabled: false})

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			agent.IsEnabled()
			agent.Application()
			agent.StartTransaction("test")
			agent.RecordCustomEvent("test", nil)
			agent.RecordCustomMetric("test", 1.0)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}
}
