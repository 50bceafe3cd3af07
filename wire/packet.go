// Package wire implements the length-prefixed binary packet framing shared
// by the control and data channels between Management and every Agent.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package wire

import (
	"encoding/binary"
)

// header is length(8) || id(8); data follows and is length-16 bytes long.
const headerSize = 16

// PacketType is a closed enumeration of the wire message kinds. Unknown
// identifiers decode to Base, whose only legal use is internal parsing —
// nothing in this module constructs a Base packet to send.
type PacketType uint64

const (
	Base PacketType = iota

	// control-channel kinds
	AgentInfo
	AgentInfoAck
	Performance
	PerformanceAck
	Control
	ControlAck
	DataChannelPort

	// data-channel kinds
	TaskInfo
	TaskInfoAck
	FileHeader
	FileHeaderAck
	FileBody
	FileTransferEnd
	FileTransferResult
	StillProcess
	StillProcessAck
	Alive
	AliveAck
	TaskResult
	TaskResultAck
)

var names = map[PacketType]string{
	Base:                "Base",
	AgentInfo:           "AgentInfo",
	AgentInfoAck:        "AgentInfoAck",
	Performance:         "Performance",
	PerformanceAck:      "PerformanceAck",
	Control:             "Control",
	ControlAck:          "ControlAck",
	DataChannelPort:     "DataChannelPort",
	TaskInfo:            "TaskInfo",
	TaskInfoAck:         "TaskInfoAck",
	FileHeader:          "FileHeader",
	FileHeaderAck:       "FileHeaderAck",
	FileBody:            "FileBody",
	FileTransferEnd:     "FileTransferEnd",
	FileTransferResult:  "FileTransferResult",
	StillProcess:        "StillProcess",
	StillProcessAck:     "StillProcessAck",
	Alive:               "Alive",
	AliveAck:            "AliveAck",
	TaskResult:          "TaskResult",
	TaskResultAck:       "TaskResultAck",
}

func (t PacketType) String() string {
	if s, ok := names[t]; ok {
		return s
	}
	return "Base"
}

// ParsePacketType maps a wire id to its PacketType, defaulting to Base for
// anything this build doesn't recognize (future packet kinds sent by a
// newer peer must not crash an older one).
func ParsePacketType(id uint64) PacketType {
	t := PacketType(id)
	if _, ok := names[t]; ok {
		return t
	}
	return Base
}

// Packet is the framed message: length (total size incl. header), id
// (packet type), and data. Invariant: every byte stream between endpoints
// is a concatenation of well-formed Packets.
type Packet struct {
	Type PacketType
	Data []byte
}

// Encode returns length || id || data, ready to write to the socket
// contiguously.
func (p Packet) Encode() []byte {
	buf := make([]byte, headerSize+len(p.Data))
	binary.BigEndian.PutUint64(buf[0:8], uint64(headerSize+len(p.Data)))
	binary.BigEndian.PutUint64(buf[8:16], uint64(p.Type))
	copy(buf[16:], p.Data)
	return buf
}

func New(t PacketType, data []byte) Packet { return Packet{Type: t, Data: data} }

func Empty(t PacketType) Packet { return Packet{Type: t} }
