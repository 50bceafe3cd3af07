// Package agent implements the Agent side of the protocol: the
// symmetric peer of management.Session, plus the inference subprocess
// launcher (spec §4.6, SPEC_FULL inference backend contract).
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package agent

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/cmn/cos"
	"github.com/dalaw2/visiogrid/cmn/nlog"
	"github.com/dalaw2/visiogrid/config"
	"github.com/dalaw2/visiogrid/monitor"
	"github.com/dalaw2/visiogrid/wire"
	"github.com/dalaw2/visiogrid/xchan"
)

// Runtime is one Agent process's connection to Management: its control
// channel, its data channel (provisioned lazily on DataChannelPort), and
// the merged AgentState it is currently operating under.
type Runtime struct {
	ctrl   *xchan.Channel
	data   *xchan.Channel
	dataMu sync.Mutex

	stateMu sync.Mutex
	state   agentmodel.State

	info agentmodel.AgentInformation
	mon  *monitor.Monitor

	InferenceBackendPath string

	// modelMu guards the task_uuid-keyed model cache: Management skips
	// the model transfer when its own previous_task_uuid matches the
	// next unit's, but that decision isn't signalled on the wire, so the
	// Agent mirrors the same comparison to know whether to expect a
	// FileHeader for the model or reuse what it already has.
	modelMu           sync.Mutex
	lastModelTaskUUID string
	lastModelPath     string
}

func NewRuntime(ctrl *xchan.Channel, info agentmodel.AgentInformation, mon *monitor.Monitor) *Runtime {
	return &Runtime{ctrl: ctrl, info: info, mon: mon, state: agentmodel.NewNone()}
}

// Handshake sends AgentInfo and waits for AgentInfoAck.
func (r *Runtime) Handshake(ctx context.Context) error {
	data, err := wire.EncodeJSON(r.info)
	if err != nil {
		return cos.ErrProtocol(err, "handshake: encode AgentInfo")
	}
	r.ctrl.Send(wire.New(wire.AgentInfo, data))

	timeout := config.Get().ControlChannelTimeout()
	select {
	case _, ok := <-r.ctrl.Queue(wire.AgentInfoAck).Out:
		if !ok {
			return cos.ErrNetwork(nil, "handshake: control channel closed")
		}
		return nil
	case <-time.After(timeout):
		return cos.ErrTimeout(nil, "handshake: no AgentInfoAck within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReportPerformance pushes one Performance sample and waits for its ack.
func (r *Runtime) ReportPerformance(ctx context.Context) error {
	s := r.mon.Latest()
	perf := agentmodel.Performance{
		CPUPercent:   s.CPUPercent,
		RAMBytesUsed: (s.RAMTotalMB - ramIdleMB(s)) * (1 << 20),
		GPUPercent:   0,
		VRAMUsed:     s.VRAMUsedMB * (1 << 20),
	}
	data, err := wire.EncodeJSON(perf)
	if err != nil {
		return cos.ErrProtocol(err, "ReportPerformance: encode")
	}
	r.ctrl.Send(wire.New(wire.Performance, data))

	timeout := config.Get().ControlChannelTimeout()
	select {
	case _, ok := <-r.ctrl.Queue(wire.PerformanceAck).Out:
		if !ok {
			return cos.ErrNetwork(nil, "ReportPerformance: channel closed")
		}
		return nil
	case <-time.After(timeout):
		return cos.ErrTimeout(nil, "ReportPerformance: no ack within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ramIdleMB(s monitor.Sample) uint64 {
	if s.RAMTotalMB < s.RAMUsedMB {
		return 0
	}
	return s.RAMTotalMB - s.RAMUsedMB
}

// WatchControl drains Control packets, merges local state, and acks each
// one — the Agent-side half of spec §5's ControlState rule.
func (r *Runtime) WatchControl(ctx context.Context, onState func(agentmodel.State)) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-r.ctrl.Queue(wire.Control).Out:
			if !ok {
				return
			}
			var next agentmodel.State
			if err := wire.DecodeJSON(p.Data, &next); err != nil {
				nlog.Warningf("runtime: malformed Control: %v", err)
				continue
			}
			r.stateMu.Lock()
			r.state = agentmodel.Merge(r.state, next)
			cur := r.state
			r.stateMu.Unlock()
			r.ctrl.Send(wire.Empty(wire.ControlAck))
			if onState != nil {
				onState(cur)
			}
		}
	}
}

// DialDataChannel waits for DataChannelPort and dials it, establishing
// the Agent-side data channel.
func (r *Runtime) DialDataChannel(ctx context.Context, managementHost string) error {
	timeout := config.Get().ControlChannelTimeout()
	select {
	case p, ok := <-r.ctrl.Queue(wire.DataChannelPort).Out:
		if !ok {
			return cos.ErrNetwork(nil, "DialDataChannel: control channel closed")
		}
		port := wire.DecodePort(p.Data)
		conn, err := net.DialTimeout("tcp", net.JoinHostPort(managementHost, strconv.Itoa(int(port))), timeout)
		if err != nil {
			return cos.ErrNetwork(err, "DialDataChannel: dial")
		}
		r.dataMu.Lock()
		r.data = xchan.NewAgentDataChannel(conn)
		r.dataMu.Unlock()
		return nil
	case <-time.After(timeout):
		return cos.ErrTimeout(nil, "DialDataChannel: no DataChannelPort within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveUnit implements the Agent side of TaskInfo + file transfer:
// decode the unit, ack it, then receive the model (unless the cached one
// from the same task_uuid is reused) and the media file via
// FileHeader/FileBody/FileTransferEnd, reporting any missing chunks via
// FileTransferResult.
func (r *Runtime) ReceiveUnit(ctx context.Context, saveDir string) (agentmodel.InferenceUnit, error) {
	r.dataMu.Lock()
	dc := r.data
	r.dataMu.Unlock()
	if dc == nil {
		return agentmodel.InferenceUnit{}, cos.ErrNetwork(nil, "ReceiveUnit: no data channel")
	}

	timeout := config.Get().DataChannelTimeout()
	var unit agentmodel.InferenceUnit
	select {
	case p, ok := <-dc.Queue(wire.TaskInfo).Out:
		if !ok {
			return unit, cos.ErrNetwork(nil, "ReceiveUnit: channel closed")
		}
		if err := wire.DecodeJSON(p.Data, &unit); err != nil {
			return unit, cos.ErrProtocol(err, "ReceiveUnit: malformed TaskInfo")
		}
		dc.Send(wire.Empty(wire.TaskInfoAck))
	case <-time.After(timeout):
		return unit, cos.ErrTimeout(nil, "ReceiveUnit: no TaskInfo within %s", timeout)
	case <-ctx.Done():
		return unit, ctx.Err()
	}

	r.modelMu.Lock()
	reuseModel := r.lastModelPath != "" && r.lastModelTaskUUID == unit.TaskUUID
	cachedPath := r.lastModelPath
	r.modelMu.Unlock()
	if reuseModel {
		unit.ModelFilePath = cachedPath
	} else {
		path, err := r.receiveFile(dc, saveDir)
		if err != nil {
			return unit, err
		}
		unit.ModelFilePath = path
		r.modelMu.Lock()
		r.lastModelTaskUUID = unit.TaskUUID
		r.lastModelPath = path
		r.modelMu.Unlock()
	}
	mediaPath, err := r.receiveFile(dc, saveDir)
	if err != nil {
		return unit, err
	}
	unit.MediaFilePath = mediaPath
	return unit, nil
}

// evictModel drops the cached model path for taskUUID once its unit has
// run, so a later unit doesn't wrongly see it as still resident. It only
// applies when Cache was set on the unit, meaning idle RAM was tight
// enough that Management asked the model be streamed rather than kept.
func (r *Runtime) evictModel(taskUUID string) {
	r.modelMu.Lock()
	if r.lastModelTaskUUID == taskUUID {
		r.lastModelTaskUUID = ""
		r.lastModelPath = ""
	}
	r.modelMu.Unlock()
}

func (r *Runtime) receiveFile(dc *xchan.Channel, saveDir string) (string, error) {
	timeout := config.Get().FileTransferTimeout()

	var header wire.FileHeader
	select {
	case p, ok := <-dc.Queue(wire.FileHeader).Out:
		if !ok {
			return "", cos.ErrNetwork(nil, "receiveFile: channel closed")
		}
		if err := wire.DecodeJSON(p.Data, &header); err != nil {
			return "", cos.ErrProtocol(err, "receiveFile: malformed FileHeader")
		}
		dc.Send(wire.Empty(wire.FileHeaderAck))
	case <-time.After(timeout):
		return "", cos.ErrTimeout(nil, "receiveFile: no FileHeader within %s", timeout)
	}

	chunks := make(map[uint64][]byte)
loop:
	for {
		select {
		case p, ok := <-dc.Queue(wire.FileBody).Out:
			if !ok {
				return "", cos.ErrNetwork(nil, "receiveFile: channel closed mid-transfer")
			}
			seq, chunk := wire.DecodeFileBody(p.Data)
			buf := make([]byte, len(chunk))
			copy(buf, chunk)
			chunks[seq] = buf
		case _, ok := <-dc.Queue(wire.FileTransferEnd).Out:
			if !ok {
				return "", cos.ErrNetwork(nil, "receiveFile: channel closed mid-transfer")
			}
			break loop
		case <-time.After(timeout):
			return "", cos.ErrTimeout(nil, "receiveFile: stalled mid-transfer")
		}
	}

	total := (header.Size + fileChunkSize - 1) / fileChunkSize
	if total == 0 {
		total = 1
	}
	var missing []uint64
	for i := int64(0); i < total; i++ {
		if _, ok := chunks[uint64(i)]; !ok {
			missing = append(missing, uint64(i))
		}
	}
	dc.Send(wire.New(wire.FileTransferResult, wire.EncodeMissingChunks(missing)))
	if len(missing) > 0 {
		// one retry round, symmetric with the sender's retry pass
		for {
			select {
			case p, ok := <-dc.Queue(wire.FileBody).Out:
				if !ok {
					return "", cos.ErrNetwork(nil, "receiveFile: channel closed on retry")
				}
				seq, chunk := wire.DecodeFileBody(p.Data)
				buf := make([]byte, len(chunk))
				copy(buf, chunk)
				chunks[seq] = buf
			case _, ok := <-dc.Queue(wire.FileTransferEnd).Out:
				if !ok {
					return "", cos.ErrNetwork(nil, "receiveFile: channel closed on retry")
				}
				goto assemble
			case <-time.After(timeout):
				return "", cos.ErrTimeout(nil, "receiveFile: retry stalled")
			}
		}
	}
assemble:
	missing = missing[:0]
	for i := int64(0); i < total; i++ {
		if _, ok := chunks[uint64(i)]; !ok {
			missing = append(missing, uint64(i))
		}
	}
	dc.Send(wire.New(wire.FileTransferResult, wire.EncodeMissingChunks(missing)))
	if len(missing) > 0 {
		return "", cos.ErrNetwork(nil, "receiveFile: %d chunks still missing after retry", len(missing))
	}

	dst := filepath.Join(saveDir, header.Filename)
	f, err := os.Create(dst)
	if err != nil {
		return "", cos.ErrIO(err, "receiveFile: create %s", dst)
	}
	defer f.Close()
	for i := int64(0); i < total; i++ {
		if _, err := f.Write(chunks[uint64(i)]); err != nil {
			return "", cos.ErrIO(err, "receiveFile: write %s", dst)
		}
	}
	return dst, nil
}

const fileChunkSize = 1 << 20

// SendResult reports one unit's outcome back to Management and waits for
// TaskResultAck.
func (r *Runtime) SendResult(payload agentmodel.TaskResultPayload) error {
	r.dataMu.Lock()
	dc := r.data
	r.dataMu.Unlock()
	if dc == nil {
		return cos.ErrNetwork(nil, "SendResult: no data channel")
	}
	data, err := wire.EncodeJSON(payload)
	if err != nil {
		return cos.ErrProtocol(err, "SendResult: encode")
	}
	dc.Send(wire.New(wire.TaskResult, data))

	timeout := config.Get().DataChannelTimeout()
	select {
	case _, ok := <-dc.Queue(wire.TaskResultAck).Out:
		if !ok {
			return cos.ErrNetwork(nil, "SendResult: channel closed")
		}
		return nil
	case <-time.After(timeout):
		return cos.ErrTimeout(nil, "SendResult: no ack within %s", timeout)
	}
}

// WatchDataHeartbeat answers Management's Alive and StillProcess pings for
// the lifetime of the data channel (spec §4.3's idle heartbeat and §4.4
// step 4's wait-for-result poll). It runs concurrently with ProcessUnits
// on the same channel: xchan demultiplexes by packet kind, so the two
// goroutines never contend over the same queue.
func (r *Runtime) WatchDataHeartbeat(ctx context.Context) {
	r.dataMu.Lock()
	dc := r.data
	r.dataMu.Unlock()
	if dc == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-dc.Queue(wire.Alive).Out:
			if !ok {
				return
			}
			dc.Send(wire.Empty(wire.AliveAck))
		case _, ok := <-dc.Queue(wire.StillProcess).Out:
			if !ok {
				return
			}
			dc.Send(wire.Empty(wire.StillProcessAck))
		}
	}
}

// ProcessUnits loops ReceiveUnit -> RunInference -> SendResult until ctx
// is cancelled or the data channel closes, implementing the Agent-side
// end-to-end per-unit cycle from spec §4.6.
func (r *Runtime) ProcessUnits(ctx context.Context, saveDir string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		unit, err := r.ReceiveUnit(ctx, saveDir)
		if err != nil {
			nlog.Warningf("runtime: ReceiveUnit: %v", err)
			return
		}
		boxes, err := RunInference(ctx, r.InferenceBackendPath, unit)
		if unit.Cache {
			r.evictModel(unit.TaskUUID)
		}
		payload := agentmodel.TaskResultPayload{TaskUUID: unit.TaskUUID, SequenceID: unit.SequenceID}
		if err != nil {
			payload.Success = false
			payload.Error = err.Error()
		} else {
			payload.Success = true
			payload.BoundingBoxes = boxes
		}
		if err := r.SendResult(payload); err != nil {
			nlog.Warningf("runtime: SendResult: %v", err)
			return
		}
	}
}

// RunInference invokes the external inference backend per the contract
// `<path> --model <path> --media <path> --arg-json <path>`, parsing a
// JSON bounding-box array from stdout.
func RunInference(ctx context.Context, backendPath string, unit agentmodel.InferenceUnit) ([]agentmodel.BoundingBox, error) {
	argFile, err := os.CreateTemp("", "arg-*.json")
	if err != nil {
		return nil, cos.ErrIO(err, "RunInference: create arg file")
	}
	defer os.Remove(argFile.Name())
	if err := json.NewEncoder(argFile).Encode(unit.Argument); err != nil {
		argFile.Close()
		return nil, cos.ErrIO(err, "RunInference: write arg file")
	}
	argFile.Close()

	cmd := exec.CommandContext(ctx, backendPath,
		"--model", unit.ModelFilePath,
		"--media", unit.MediaFilePath,
		"--arg-json", argFile.Name(),
	)
	out, err := cmd.Output()
	if err != nil {
		return nil, cos.ErrTask(err, "RunInference: backend exited with error")
	}
	var boxes []agentmodel.BoundingBox
	if err := json.Unmarshal(out, &boxes); err != nil {
		return nil, cos.ErrProtocol(err, "RunInference: malformed backend output")
	}
	return boxes, nil
}
