package xchan

import (
	"net"

	"github.com/dalaw2/visiogrid/wire"
)

// Channel bundles one socket's Sender and Receiver. ControlChannel and
// DataChannel are both represented by this type; what differs between
// them (and between the Management and Agent sides of each) is only the
// set of recognized packet kinds passed to newChannel.
type Channel struct {
	*Sender
	*Receiver
	stream *wire.SocketStream
}

func newChannel(conn net.Conn, name string, kinds []wire.PacketType) *Channel {
	stream := wire.NewSocketStream(conn)
	return &Channel{
		Sender:   newSender(stream, name),
		Receiver: newReceiver(stream, name, kinds),
		stream:   stream,
	}
}

// Disconnect tears down sender then receiver, each in turn, per spec §4.5.
func (c *Channel) Disconnect() {
	c.Sender.Disconnect()
	c.Receiver.Disconnect()
}

// recognized kind sets, spec §4.2.
var (
	controlKindsManagement = []wire.PacketType{wire.AgentInfo, wire.ControlAck, wire.Performance}
	controlKindsAgent      = []wire.PacketType{wire.AgentInfoAck, wire.Control, wire.DataChannelPort, wire.PerformanceAck}

	dataKindsManagement = []wire.PacketType{wire.AliveAck, wire.FileHeaderAck, wire.FileTransferResult, wire.TaskResult, wire.StillProcessAck, wire.TaskInfoAck}
	dataKindsAgent      = []wire.PacketType{wire.Alive, wire.FileBody, wire.FileHeader, wire.FileTransferEnd, wire.StillProcess, wire.TaskInfo, wire.TaskResultAck}
)

func NewManagementControlChannel(conn net.Conn) *Channel {
	return newChannel(conn, "ctrl/mgmt", controlKindsManagement)
}

func NewAgentControlChannel(conn net.Conn) *Channel {
	return newChannel(conn, "ctrl/agent", controlKindsAgent)
}

func NewManagementDataChannel(conn net.Conn) *Channel {
	return newChannel(conn, "data/mgmt", dataKindsManagement)
}

func NewAgentDataChannel(conn net.Conn) *Channel {
	return newChannel(conn, "data/agent", dataKindsAgent)
}
