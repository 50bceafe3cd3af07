// Command agent runs the dispatch platform's Agent process: it connects
// to Management, reports capacity, executes inference units handed to
// it, and streams results back.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dalaw2/visiogrid/agent"
	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/cmn/cos"
	"github.com/dalaw2/visiogrid/cmn/nlog"
	"github.com/dalaw2/visiogrid/config"
	"github.com/dalaw2/visiogrid/monitor"
	"github.com/dalaw2/visiogrid/xchan"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "path to the TOML configuration file")
	nlog.InitFlags(flag.CommandLine)
}

func main() {
	flag.Parse()
	installSignalHandler()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			cos.ExitLogf("failed to load configuration from %q: %v", configPath, err)
		}
		cfg = loaded
	}
	config.Initialize(cfg)
	defer config.Terminate()

	nlog.SetLogDirRole(filepath.Join(cfg.DataRoot, "log"), "agent")
	nlog.SetTitle("agent")

	saveDir := filepath.Join(cfg.DataRoot, "Incoming")
	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		cos.ExitLogf("failed to create %q: %v", saveDir, err)
	}

	info, err := monitor.GatherStaticInfo()
	if err != nil {
		cos.ExitLogf("failed to gather agent information: %v", err)
	}
	nlog.Infof("agent %s: %s (%d cores, %s GPU)", info.HostName, info.CPUModel, info.PhysicalCores, info.GPUModel)

	mon := monitor.New(cfg.PollingInterval())
	mon.Start()
	defer mon.Stop()

	conn, err := net.Dial("tcp", cfg.ManagementAddr)
	if err != nil {
		cos.ExitLogf("failed to connect to management at %s: %v", cfg.ManagementAddr, err)
	}
	ctrl := xchan.NewAgentControlChannel(conn)
	defer ctrl.Disconnect()

	rt := agent.NewRuntime(ctrl, info, mon)
	rt.InferenceBackendPath = cfg.InferenceBackendPath

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rt.Handshake(ctx); err != nil {
		cos.ExitLogf("handshake failed: %v", err)
	}
	nlog.Infof("handshake complete, management addr %s", cfg.ManagementAddr)

	go reportPerformanceLoop(ctx, rt, cfg.PollingInterval())

	managementHost, _, splitErr := net.SplitHostPort(cfg.ManagementAddr)
	if splitErr != nil {
		managementHost = cfg.ManagementAddr
	}

	rt.WatchControl(ctx, func(state agentmodel.State) {
		nlog.Infof("control state -> %v", state.Kind)
		switch state.Kind {
		case agentmodel.CreateDataChannel:
			if err := rt.DialDataChannel(ctx, managementHost); err != nil {
				nlog.Warningf("DialDataChannel: %v", err)
				return
			}
			go rt.WatchDataHeartbeat(ctx)
			go rt.ProcessUnits(ctx, saveDir)
		case agentmodel.Terminate:
			cancel()
		}
	})
}

func reportPerformanceLoop(ctx context.Context, rt *agent.Runtime, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := rt.ReportPerformance(ctx); err != nil {
				nlog.Warningf("ReportPerformance: %v", err)
			}
		}
	}
}

func installSignalHandler() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		nlog.Flush(true)
		os.Exit(0)
	}()
}
