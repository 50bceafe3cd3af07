package xchan_test

import (
	"net"
	"testing"
	"time"

	"github.com/dalaw2/visiogrid/wire"
	"github.com/dalaw2/visiogrid/xchan"
)

func TestControlChannelHandshakeRoundTrip(t *testing.T) {
	mgmtConn, agentConn := net.Pipe()
	defer mgmtConn.Close()
	defer agentConn.Close()

	mgmt := xchan.NewManagementControlChannel(mgmtConn)
	agent := xchan.NewAgentControlChannel(agentConn)
	defer mgmt.Disconnect()
	defer agent.Disconnect()

	info := []byte(`{"host_name":"gpu-1"}`)
	agent.Send(wire.New(wire.AgentInfo, info))

	select {
	case p := <-mgmt.Queue(wire.AgentInfo).Out:
		if string(p.Data) != string(info) {
			t.Fatalf("payload mismatch: %s", p.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AgentInfo")
	}

	mgmt.Send(wire.Empty(wire.AgentInfoAck))
	select {
	case p := <-agent.Queue(wire.AgentInfoAck).Out:
		if p.Type != wire.AgentInfoAck {
			t.Fatalf("wrong type: %v", p.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AgentInfoAck")
	}
}

func TestFIFOOrderingWithinOneQueue(t *testing.T) {
	mgmtConn, agentConn := net.Pipe()
	defer mgmtConn.Close()
	defer agentConn.Close()

	mgmt := xchan.NewManagementControlChannel(mgmtConn)
	agent := xchan.NewAgentControlChannel(agentConn)
	defer mgmt.Disconnect()
	defer agent.Disconnect()

	go func() {
		for i := byte(0); i < 5; i++ {
			agent.Send(wire.New(wire.AgentInfo, []byte{i}))
		}
	}()

	for i := byte(0); i < 5; i++ {
		select {
		case p := <-mgmt.Queue(wire.AgentInfo).Out:
			if len(p.Data) != 1 || p.Data[0] != i {
				t.Fatalf("out of order: expected %d got %v", i, p.Data)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestDisconnectClosesQueues(t *testing.T) {
	mgmtConn, agentConn := net.Pipe()
	defer agentConn.Close()

	mgmt := xchan.NewManagementControlChannel(mgmtConn)
	agent := xchan.NewAgentControlChannel(agentConn)
	defer agent.Disconnect()

	mgmt.Disconnect()

	select {
	case _, ok := <-agent.Queue(wire.Control).Out:
		if ok {
			t.Fatal("expected closed queue after peer disconnect")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for disconnect to propagate")
	}
}
