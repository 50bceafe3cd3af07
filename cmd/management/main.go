// Command management runs the dispatch platform's Management node: it
// accepts Agent control-channel connections, assigns inference work, and
// serves the upload/status/result HTTP surface.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/cmn/cos"
	"github.com/dalaw2/visiogrid/cmn/nlog"
	"github.com/dalaw2/visiogrid/config"
	"github.com/dalaw2/visiogrid/hk"
	"github.com/dalaw2/visiogrid/httpapi"
	"github.com/dalaw2/visiogrid/management"
	"github.com/dalaw2/visiogrid/monitor"
	"github.com/dalaw2/visiogrid/portpool"
	"github.com/dalaw2/visiogrid/transcoder"
	"github.com/dalaw2/visiogrid/xchan"
)

var configPath string

func init() {
	flag.StringVar(&configPath, "config", "", "path to the TOML configuration file")
	nlog.InitFlags(flag.CommandLine)
}

// sessionRegistry maps an Agent's Session ID to its live Session, so the
// TaskManager's Dispatch callback (keyed only by agent ID) can reach the
// right control/data channel pair.
type sessionRegistry struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*management.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{byID: make(map[uuid.UUID]*management.Session)}
}

func (r *sessionRegistry) put(s *management.Session) {
	r.mu.Lock()
	r.byID[s.ID] = s
	r.mu.Unlock()
}

func (r *sessionRegistry) remove(id uuid.UUID) {
	r.mu.Lock()
	delete(r.byID, id)
	r.mu.Unlock()
}

func (r *sessionRegistry) get(id uuid.UUID) (*management.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	return s, ok
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

	nlog.SetLogDirRole(filepath.Join(cfg.DataRoot, "log"), "management")
	nlog.SetTitle("management")

	for _, dir := range []string{cfg.DataRoot, filepath.Join(cfg.DataRoot, "Upload"), filepath.Join(cfg.DataRoot, "SavedModel"), filepath.Join(cfg.DataRoot, "Result")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			cos.ExitLogf("failed to create %q: %v", dir, err)
		}
	}

	mon := monitor.New(cfg.PollingInterval())
	mon.Start()
	defer mon.Stop()

	agents := management.NewAgentManager()
	tasks := management.NewTaskManager(agents)
	trans := transcoder.New(cfg.FFmpegPath, "", cfg.PollingInterval())
	mp := management.NewMediaProcessor(trans, 64)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mp.Run(ctx)

	dispatcher := management.NewDispatcher(mp, tasks)
	sessions := newSessionRegistry()
	ports := portpool.New(cfg.DedicatedPortRangeLo, cfg.DedicatedPortRangeHi)

	tasks.Dispatch = func(agentID uuid.UUID, unit agentmodel.InferenceUnit) {
		sess, ok := sessions.get(agentID)
		if !ok {
			nlog.Warningf("dispatch: unknown session %s", agentID)
			return
		}
		sess.Push(unit)
	}

	go hk.DefaultHK.Run()
	hk.Reg("agents-refresh"+hk.NameSuffix, func() time.Duration {
		agents.Refresh()
		return cfg.InternalTimestamp()
	}, cfg.InternalTimestamp())

	agentLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.AgentListenPort))
	if err != nil {
		cos.ExitLogf("failed to listen on agent port %d: %v", cfg.AgentListenPort, err)
	}
	nlog.Infof("listening for Agent connections on %s", agentLn.Addr())
	go acceptAgents(ctx, agentLn, agents, tasks, ports, dispatcher, sessions)

	httpSrv := httpapi.New(
		fmt.Sprintf(":%d", cfg.HTTPServerBindPort),
		filepath.Join(cfg.DataRoot, "Upload"),
		dispatcher,
		mon.Registry(),
	)
	nlog.Infof("serving HTTP API on :%d", cfg.HTTPServerBindPort)
	if err := httpSrv.ListenAndServe(); err != nil {
		cos.ExitLogf("HTTP server exited: %v", err)
	}
}

func acceptAgents(ctx context.Context, ln net.Listener, agents *management.AgentManager, tasks *management.TaskManager, ports *portpool.Pool, dispatcher *management.Dispatcher, sessions *sessionRegistry) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			nlog.Warningf("agent listener: %v", err)
			return
		}
		go handleAgent(ctx, conn, agents, tasks, ports, dispatcher, sessions)
	}
}

func handleAgent(ctx context.Context, conn net.Conn, agents *management.AgentManager, tasks *management.TaskManager, ports *portpool.Pool, dispatcher *management.Dispatcher, sessions *sessionRegistry) {
	ctrl := xchan.NewManagementControlChannel(conn)
	defer ctrl.Disconnect()

	sess := management.NewSession(ctrl, agents, tasks, ports)
	sess.OnResult = dispatcher.SubmitResult
	if err := sess.Handshake(ctx); err != nil {
		nlog.Warningf("session %s: handshake failed: %v", sess.ID, err)
		return
	}
	sessions.put(sess)
	defer sessions.remove(sess.ID)
	defer sess.Disconnect()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	perfDone := make(chan struct{})
	go func() {
		sess.WatchPerformance(sessCtx)
		close(perfDone)
	}()
	go sess.Run(sessCtx)

	// WatchPerformance returns once the control channel closes (the
	// Agent disconnected) or ctx is cancelled (process shutdown).
	<-perfDone
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
