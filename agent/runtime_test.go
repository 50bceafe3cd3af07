package agent_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dalaw2/visiogrid/agent"
	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/config"
	"github.com/dalaw2/visiogrid/monitor"
	"github.com/dalaw2/visiogrid/wire"
	"github.com/dalaw2/visiogrid/xchan"
)

func init() {
	config.Initialize(config.Default())
}

func TestHandshakeSendsAgentInfoAndAwaitsAck(t *testing.T) {
	mgmtConn, agentConn := net.Pipe()
	defer mgmtConn.Close()
	defer agentConn.Close()

	mgmtCtrl := xchan.NewManagementControlChannel(mgmtConn)
	agentCtrl := xchan.NewAgentControlChannel(agentConn)
	defer mgmtCtrl.Disconnect()
	defer agentCtrl.Disconnect()

	mon := monitor.New(time.Hour)
	rt := agent.NewRuntime(agentCtrl, agentmodel.AgentInformation{HostName: "gpu-1"}, mon)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- rt.Handshake(ctx)
	}()

	select {
	case p, ok := <-mgmtCtrl.Queue(wire.AgentInfo).Out:
		if !ok || p.Type != wire.AgentInfo {
			t.Fatal("expected AgentInfo")
		}
		mgmtCtrl.Send(wire.Empty(wire.AgentInfoAck))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AgentInfo")
	}

	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestWatchControlMergesStateAndAcks(t *testing.T) {
	mgmtConn, agentConn := net.Pipe()
	defer mgmtConn.Close()
	defer agentConn.Close()

	mgmtCtrl := xchan.NewManagementControlChannel(mgmtConn)
	agentCtrl := xchan.NewAgentControlChannel(agentConn)
	defer mgmtCtrl.Disconnect()
	defer agentCtrl.Disconnect()

	mon := monitor.New(time.Hour)
	rt := agent.NewRuntime(agentCtrl, agentmodel.AgentInformation{}, mon)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := make(chan agentmodel.State, 4)
	go rt.WatchControl(ctx, func(s agentmodel.State) { seen <- s })

	data, _ := wire.EncodeJSON(agentmodel.NewProcessTask())
	mgmtCtrl.Send(wire.New(wire.Control, data))

	select {
	case s := <-seen:
		if s.Kind != agentmodel.ProcessTask {
			t.Fatalf("expected ProcessTask, got %v", s.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for state callback")
	}

	select {
	case p, ok := <-mgmtCtrl.Queue(wire.ControlAck).Out:
		if !ok || p.Type != wire.ControlAck {
			t.Fatal("expected ControlAck")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ControlAck")
	}

	// Terminate is sticky: merging ProcessTask after it must not unstick it.
	data, _ = wire.EncodeJSON(agentmodel.NewTerminate())
	mgmtCtrl.Send(wire.New(wire.Control, data))
	<-seen
	<-mgmtCtrl.Queue(wire.ControlAck).Out

	data, _ = wire.EncodeJSON(agentmodel.NewProcessTask())
	mgmtCtrl.Send(wire.New(wire.Control, data))
	select {
	case s := <-seen:
		if s.Kind != agentmodel.Terminate {
			t.Fatalf("expected Terminate to stick, got %v", s.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second state callback")
	}
	<-mgmtCtrl.Queue(wire.ControlAck).Out
}
