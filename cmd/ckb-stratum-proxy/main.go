// ckb-stratum-proxy bridges downstream Stratum v1 miners to either an
// upstream pool connection or a local CKB node, depending on mode.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nervosnetwork/ckb-stratum-proxy/internal/api"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/apm"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/config"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/core"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/node"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/poolclient"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/profiling"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/stratum"
	"github.com/nervosnetwork/ckb-stratum-proxy/internal/util"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ckb-stratum-proxy v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := util.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	util.Infof("ckb-stratum-proxy v%s starting in %s mode", version, cfg.Mode)

	var pprofServer *profiling.Server
	var apmAgent *apm.Agent

	if cfg.Profiling.Enabled {
		pprofServer = profiling.NewServer(&cfg.Profiling)
		if err := pprofServer.Start(); err != nil {
			util.Errorf("Failed to start pprof server: %v", err)
		}
	}

	if cfg.NewRelic.Enabled {
		apmAgent = apm.NewAgent(&cfg.NewRelic)
		if err := apmAgent.Start(); err != nil {
			util.Errorf("Failed to start APM agent: %v", err)
		}
	}

	srvCfg := stratum.Config{
		Host:    cfg.Local.Host,
		Port:    cfg.Local.Port,
		Vardiff: toStratumVardiff(cfg.Vardiff),
		Guard:   toStratumGuard(cfg.Guard),
	}

	var proxy *core.Proxy
	var poolClient *poolclient.Client
	var nodeClient *node.Client
	var srv *stratum.Server

	switch cfg.Mode {
	case "pool":
		srvCfg.Mode = stratum.ModePool
		srvCfg.PoolExtraNonce2Size = 4 // placeholder until the pool client's subscribe handler calls srv.SetPoolExtraNonce
		srv = stratum.NewServer(srvCfg, nil)

		poolClient = poolclient.NewClient(poolclient.Config{
			Host:     cfg.Pool.Host,
			Port:     cfg.Pool.Port,
			Username: cfg.Pool.User,
			Password: cfg.Pool.Pass,
		}, srv)
		proxy = core.NewPoolProxy(srv, poolClient)
		srv.SetHandler(proxy)
		poolClient.Start()

	case "solo":
		srvCfg.Mode = stratum.ModeSolo
		srvCfg.SoloExtraNonce2Size = 4
		srv = stratum.NewServer(srvCfg, nil)

		nodeClient = node.NewClient(node.Config{
			Host:     cfg.Node.Host,
			Port:     cfg.Node.Port,
			Coinbase: cfg.Node.Coinbase,
		}, srv)
		proxy = core.NewSoloProxy(srv, nodeClient)
		srv.SetHandler(proxy)
		nodeClient.Start()

	default:
		util.Fatalf("Invalid mode: %s (want \"pool\" or \"solo\")", cfg.Mode)
	}

	if err := srv.Start(); err != nil {
		util.Fatalf("Failed to start stratum server: %v", err)
	}

	apiServer := api.NewServer(cfg, srv, poolClient, nodeClient, apmAgent)
	if err := apiServer.Start(); err != nil {
		util.Fatalf("Failed to start stats server: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	util.Info("ckb-stratum-proxy started successfully. Press Ctrl+C to stop.")
	<-sigChan
	util.Info("Shutting down...")

	if err := apiServer.Stop(); err != nil {
		util.Errorf("stats server shutdown: %v", err)
	}
	srv.Stop()
	if poolClient != nil {
		poolClient.Stop()
	}
	if nodeClient != nil {
		nodeClient.Stop()
	}
	if pprofServer != nil {
		pprofServer.Stop()
	}
	if apmAgent != nil {
		apmAgent.Stop()
	}

	util.Info("ckb-stratum-proxy stopped")
}

func toStratumVardiff(c config.VardiffConfig) stratum.VardiffConfig {
	return stratum.VardiffConfig{
		TargetShareSec:  c.TargetShareSec,
		RetargetSec:     c.RetargetSec,
		VariancePercent: c.VariancePercent,
		MinDiff:         c.MinDiff,
		MaxDiff:         c.MaxDiff,
		InitialDiff:     c.InitialDiff,
	}
}

func toStratumGuard(c config.GuardConfig) stratum.GuardConfig {
	return stratum.GuardConfig{
		ConnectionLimit:  c.MaxConnectionsPerIP,
		ConnectionWindow: c.BanDuration,
		MalformedLimit:   int32(c.MalformedLineLimit),
		ShunDuration:     c.BanDuration,
	}
}
