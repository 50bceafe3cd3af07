package management_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/management"
	"github.com/dalaw2/visiogrid/portpool"
	"github.com/dalaw2/visiogrid/wire"
	"github.com/dalaw2/visiogrid/xchan"
)

func TestSessionHandshakeRegistersAgent(t *testing.T) {
	mgmtConn, agentConn := net.Pipe()
	defer mgmtConn.Close()
	defer agentConn.Close()

	agents := management.NewAgentManager()
	tasks := management.NewTaskManager(agents)
	ports := portpool.New(20000, 20010)

	mgmtCtrl := xchan.NewManagementControlChannel(mgmtConn)
	agentCtrl := xchan.NewAgentControlChannel(agentConn)
	defer mgmtCtrl.Disconnect()
	defer agentCtrl.Disconnect()

	sess := management.NewSession(mgmtCtrl, agents, tasks, ports)

	info := agentmodel.AgentInformation{HostName: "gpu-1", TotalVRAM: 8_000_000_000}
	data, _ := wire.EncodeJSON(info)
	agentCtrl.Send(wire.New(wire.AgentInfo, data))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sess.Handshake(ctx); err != nil {
		t.Fatal(err)
	}

	if agents.Size() != 1 {
		t.Fatalf("expected agent registered, size=%d", agents.Size())
	}

	select {
	case p, ok := <-agentCtrl.Queue(wire.AgentInfoAck).Out:
		if !ok || p.Type != wire.AgentInfoAck {
			t.Fatal("expected AgentInfoAck")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ack")
	}
}
