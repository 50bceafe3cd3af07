package management

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/cmn/cos"
	"github.com/dalaw2/visiogrid/cmn/nlog"
	"github.com/dalaw2/visiogrid/config"
	"github.com/dalaw2/visiogrid/portpool"
	"github.com/dalaw2/visiogrid/wire"
	"github.com/dalaw2/visiogrid/xchan"
)

const fileChunkSize = 1 << 20 // 1 MiB, spec §4.5/§8

// Session is the Management-side peer of one Agent: its control channel,
// its (possibly not-yet-provisioned) data channel, and the state machine
// merge logic from spec §3/§5.
type Session struct {
	ID      uuid.UUID
	ctrl    *xchan.Channel
	data    *xchan.Channel
	dataMu  sync.Mutex
	state   agentmodel.State
	stateMu sync.Mutex

	ports   *portpool.Pool
	dataPort int

	agents *AgentManager
	tasks  *TaskManager

	listenAddr string // the address Management listens on for the Agent's data-channel dial-back

	// previousTaskUUID is the task_uuid of the last unit this Agent was
	// sent a model for. The model transfer in DispatchUnit is skipped
	// only when the next unit repeats it (spec §4.4 step 2) — it is
	// unrelated to InferenceUnit.Cache, which is only a hint forwarded to
	// the Agent about whether it should keep the model resident.
	prevMu           sync.Mutex
	previousTaskUUID string

	// work feeds InferenceUnits assigned to this Agent by TaskManager.
	// Run drains it, falling back to TaskManager.Steal and an Idle
	// heartbeat when it's empty, per spec §4.3.
	work chan agentmodel.InferenceUnit

	// OnResult is invoked for every TaskResult this session's data
	// channel receives, once DispatchUnit's wait-for-result loop
	// completes step 4.
	OnResult func(agentID uuid.UUID, payload agentmodel.TaskResultPayload)
}

func NewSession(ctrl *xchan.Channel, agents *AgentManager, tasks *TaskManager, ports *portpool.Pool) *Session {
	return &Session{
		ID:     uuid.New(),
		ctrl:   ctrl,
		agents: agents,
		tasks:  tasks,
		ports:  ports,
		state:  agentmodel.NewNone(),
		work:   make(chan agentmodel.InferenceUnit, 64),
	}
}

// Push hands unit to this session's Run loop. Called from TaskManager's
// Dispatch callback.
func (s *Session) Push(unit agentmodel.InferenceUnit) {
	s.work <- unit
}

// Handshake receives AgentInfo and replies AgentInfoAck, registering the
// Agent with the AgentManager. Blocks up to control_channel_timeout.
func (s *Session) Handshake(ctx context.Context) error {
	timeout := config.Get().ControlChannelTimeout()
	select {
	case p, ok := <-s.ctrl.Queue(wire.AgentInfo).Out:
		if !ok {
			return cos.ErrNetwork(nil, "handshake: control channel closed")
		}
		var info agentmodel.AgentInformation
		if err := wire.DecodeJSON(p.Data, &info); err != nil {
			return cos.ErrProtocol(err, "handshake: malformed AgentInfo")
		}
		s.agents.Add(s.ID, info)
		s.ctrl.Send(wire.Empty(wire.AgentInfoAck))
		return nil
	case <-time.After(timeout):
		return cos.ErrTimeout(nil, "handshake: no AgentInfo within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetState sends a Control packet and waits for ControlAck, merging the
// stored state only after the peer confirms — spec §5's "ControlState
// transitions on one peer are observed by the other before any dependent
// traffic" rule.
func (s *Session) SetState(next agentmodel.State) error {
	data, err := wire.EncodeJSON(next)
	if err != nil {
		return cos.ErrProtocol(err, "SetState: encode")
	}
	s.ctrl.Send(wire.New(wire.Control, data))

	timeout := config.Get().ControlChannelTimeout()
	select {
	case _, ok := <-s.ctrl.Queue(wire.ControlAck).Out:
		if !ok {
			return cos.ErrNetwork(nil, "SetState: control channel closed waiting for ack")
		}
	case <-time.After(timeout):
		return cos.ErrTimeout(nil, "SetState: no ControlAck within %s", timeout)
	}

	s.stateMu.Lock()
	s.state = agentmodel.Merge(s.state, next)
	s.stateMu.Unlock()
	return nil
}

func (s *Session) State() agentmodel.State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// HasDataChannel reports whether ProvisionDataChannel has already
// succeeded for this Session.
func (s *Session) HasDataChannel() bool {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return s.data != nil
}

// Run is the Management task of spec §4.3: it provisions the data channel
// on first use, then loops draining assigned units, falling back to
// TaskManager.Steal and an Idle/Alive heartbeat whenever there's nothing
// queued for this Agent. It returns when ctx is cancelled, the data
// channel dies, or provisioning fails.
func (s *Session) Run(ctx context.Context) {
	if !s.HasDataChannel() {
		if err := s.SetState(agentmodel.NewCreateDataChannel()); err != nil {
			nlog.Warningf("session %s: set CreateDataChannel: %v", s.ID, err)
			return
		}
		if err := s.ProvisionDataChannel(ctx); err != nil {
			nlog.Warningf("session %s: provision data channel: %v", s.ID, err)
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case unit, ok := <-s.work:
			if !ok {
				return
			}
			if !s.runUnit(ctx, unit) {
				return
			}
			continue
		default:
		}

		idleVRAM, _ := s.agents.IdleVRAM(s.ID)
		idleRAM, _ := s.agents.IdleRAM(s.ID)
		if unit, _, ok := s.tasks.Steal(s.ID, idleVRAM, idleRAM); ok {
			if !s.runUnit(ctx, unit) {
				return
			}
			continue
		}

		if !s.idlePhase(ctx) {
			return
		}
	}
}

// runUnit transitions to ProcessTask and runs one InferenceUnit through
// DispatchUnit. A protocol failure re-provisions the data channel (spec
// §4.4's "any timeout or channel closure... transitions to
// CreateDataChannel") and reports the unit failed; it returns false only
// when recovery itself fails, ending the session.
func (s *Session) runUnit(ctx context.Context, unit agentmodel.InferenceUnit) bool {
	if err := s.SetState(agentmodel.NewProcessTask()); err != nil {
		nlog.Warningf("session %s: set ProcessTask: %v", s.ID, err)
		return false
	}
	if err := s.DispatchUnit(unit, unit.ModelFilePath, unit.MediaFilePath); err != nil {
		nlog.Warningf("session %s: dispatch unit %s/%d: %v", s.ID, unit.TaskUUID, unit.SequenceID, err)
		s.tasks.SubmitResult(s.ID, unit.TaskUUID, unit.SequenceID, nil, false, err.Error())
		s.dataMu.Lock()
		if s.data != nil {
			s.data.Disconnect()
		}
		s.data = nil
		s.dataMu.Unlock()
		if err := s.SetState(agentmodel.NewCreateDataChannel()); err != nil {
			nlog.Warningf("session %s: recover CreateDataChannel: %v", s.ID, err)
			return false
		}
		if err := s.ProvisionDataChannel(ctx); err != nil {
			nlog.Warningf("session %s: reprovision data channel: %v", s.ID, err)
			return false
		}
	}
	return true
}

// idlePhase sets Idle(agent_idle_duration), then loops Alive/AliveAck on
// the data channel (each ack resets the data-channel timeout) until the
// idle period expires, work arrives, or the channel dies.
func (s *Session) idlePhase(ctx context.Context) bool {
	idleDuration := config.Get().AgentIdleDuration()
	if err := s.SetState(agentmodel.NewIdle(uint64(idleDuration.Seconds()))); err != nil {
		nlog.Warningf("session %s: set Idle: %v", s.ID, err)
		return false
	}

	s.dataMu.Lock()
	dc := s.data
	s.dataMu.Unlock()
	if dc == nil {
		return false
	}

	poll := config.Get().PollingInterval()
	dataTimeout := config.Get().DataChannelTimeout()
	deadline := time.Now().Add(idleDuration)
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case unit, ok := <-s.work:
			if !ok {
				return false
			}
			s.work <- unit // put it back; Run's main loop will drain it
			return true
		case <-ticker.C:
			dc.Send(wire.Empty(wire.Alive))
			select {
			case _, ok := <-dc.Queue(wire.AliveAck).Out:
				if !ok {
					return false
				}
			case <-time.After(dataTimeout):
				return false
			}
		}
	}
	return true
}

// WatchPerformance drains Performance reports until the control channel
// closes or ctx is cancelled, updating the AgentManager on each one.
func (s *Session) WatchPerformance(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-s.ctrl.Queue(wire.Performance).Out:
			if !ok {
				return
			}
			var perf agentmodel.Performance
			if err := wire.DecodeJSON(p.Data, &perf); err != nil {
				nlog.Warningf("session %s: malformed Performance: %v", s.ID, err)
				continue
			}
			s.agents.UpdatePerformance(s.ID, perf)
			s.ctrl.Send(wire.Empty(wire.PerformanceAck))
		}
	}
}

// ProvisionDataChannel allocates a dedicated port, binds a listener on
// it, tells the Agent to dial it via DataChannelPort, and accepts the
// resulting connection.
func (s *Session) ProvisionDataChannel(ctx context.Context) error {
	port, err := s.ports.Allocate()
	if err != nil {
		return cos.ErrNetwork(err, "provision data channel")
	}
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		s.ports.Free(port)
		return cos.ErrNetwork(err, "provision data channel: listen on %d", port)
	}
	defer ln.Close()

	s.dataPort = port
	s.ctrl.Send(wire.New(wire.DataChannelPort, wire.EncodePort(uint16(port))))

	timeout := config.Get().DataChannelTimeout()
	type acceptResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- acceptResult{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			s.ports.Free(port)
			return cos.ErrNetwork(r.err, "provision data channel: accept")
		}
		s.dataMu.Lock()
		s.data = xchan.NewManagementDataChannel(r.conn)
		s.dataMu.Unlock()
		return nil
	case <-time.After(timeout):
		s.ports.Free(port)
		return cos.ErrTimeout(nil, "provision data channel: no dial-back within %s", timeout)
	case <-ctx.Done():
		s.ports.Free(port)
		return ctx.Err()
	}
}

// DispatchUnit sends TaskInfo, waits for TaskInfoAck, then transfers the
// model and media files referenced by unit (spec §4.3-4.5).
func (s *Session) DispatchUnit(unit agentmodel.InferenceUnit, modelPath, mediaPath string) error {
	s.dataMu.Lock()
	dc := s.data
	s.dataMu.Unlock()
	if dc == nil {
		return cos.ErrNetwork(nil, "DispatchUnit: no data channel provisioned")
	}

	data, err := wire.EncodeJSON(unit)
	if err != nil {
		return cos.ErrProtocol(err, "DispatchUnit: encode TaskInfo")
	}
	dc.Send(wire.New(wire.TaskInfo, data))

	timeout := config.Get().DataChannelTimeout()
	select {
	case _, ok := <-dc.Queue(wire.TaskInfoAck).Out:
		if !ok {
			return cos.ErrNetwork(nil, "DispatchUnit: data channel closed waiting for TaskInfoAck")
		}
	case <-time.After(timeout):
		return cos.ErrTimeout(nil, "DispatchUnit: no TaskInfoAck within %s", timeout)
	}

	s.prevMu.Lock()
	skipModel := modelPath != "" && s.previousTaskUUID == unit.TaskUUID
	s.prevMu.Unlock()
	if modelPath != "" && !skipModel {
		if err := s.transferFile(dc, modelPath); err != nil {
			return err
		}
	}
	if err := s.transferFile(dc, mediaPath); err != nil {
		return err
	}

	if err := s.waitForResult(dc); err != nil {
		return err
	}

	s.prevMu.Lock()
	s.previousTaskUUID = unit.TaskUUID
	s.prevMu.Unlock()
	return nil
}

// waitForResult is spec §4.4 step 4: poll the Agent with StillProcess
// every polling_interval while it runs inference, accepting
// StillProcessAck (resets the data-channel timeout) or TaskResult (ends
// the loop).
func (s *Session) waitForResult(dc *xchan.Channel) error {
	poll := config.Get().PollingInterval()
	timeout := config.Get().DataChannelTimeout()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-deadline.C:
			return cos.ErrTimeout(nil, "waitForResult: no response within %s", timeout)
		case <-ticker.C:
			dc.Send(wire.Empty(wire.StillProcess))
		case _, ok := <-dc.Queue(wire.StillProcessAck).Out:
			if !ok {
				return cos.ErrNetwork(nil, "waitForResult: channel closed waiting for StillProcessAck")
			}
			if !deadline.Stop() {
				<-deadline.C
			}
			deadline.Reset(timeout)
		case p, ok := <-dc.Queue(wire.TaskResult).Out:
			if !ok {
				return cos.ErrNetwork(nil, "waitForResult: channel closed waiting for TaskResult")
			}
			var payload agentmodel.TaskResultPayload
			if err := wire.DecodeJSON(p.Data, &payload); err != nil {
				return cos.ErrProtocol(err, "waitForResult: malformed TaskResult")
			}
			dc.Send(wire.Empty(wire.TaskResultAck))
			if s.OnResult != nil {
				s.OnResult(s.ID, payload)
			}
			return nil
		}
	}
}

// transferFile implements the FileHeader/FileBody/FileTransferEnd/
// FileTransferResult cycle, with one retransmit pass for any chunks the
// Agent reports missing.
func (s *Session) transferFile(dc *xchan.Channel, path string) error {
	chunks, header, err := readChunks(path)
	if err != nil {
		return cos.ErrIO(err, "transferFile: read %s", path)
	}
	return s.sendWithRetry(dc, header, chunks)
}

func (s *Session) sendWithRetry(dc *xchan.Channel, header wire.FileHeader, chunks [][]byte) error {
	timeout := config.Get().FileTransferTimeout()
	headerData, err := wire.EncodeJSON(header)
	if err != nil {
		return cos.ErrProtocol(err, "transferFile: encode header")
	}
	dc.Send(wire.New(wire.FileHeader, headerData))
	select {
	case _, ok := <-dc.Queue(wire.FileHeaderAck).Out:
		if !ok {
			return cos.ErrNetwork(nil, "transferFile: channel closed waiting for FileHeaderAck")
		}
	case <-time.After(timeout):
		return cos.ErrTimeout(nil, "transferFile: no FileHeaderAck within %s", timeout)
	}

	send := func(indices []int) {
		for _, i := range indices {
			dc.Send(wire.New(wire.FileBody, wire.EncodeFileBody(uint64(i), chunks[i])))
		}
	}
	all := make([]int, len(chunks))
	for i := range chunks {
		all[i] = i
	}
	send(all)
	dc.Send(wire.Empty(wire.FileTransferEnd))

	missing, err := s.awaitResult(dc, timeout)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}
	idx := make([]int, len(missing))
	for i, m := range missing {
		idx[i] = int(m)
	}
	send(idx)
	dc.Send(wire.Empty(wire.FileTransferEnd))
	missing, err = s.awaitResult(dc, timeout)
	if err != nil {
		return err
	}
	if len(missing) != 0 {
		return cos.ErrNetwork(nil, "transferFile: %d chunks still missing after retry", len(missing))
	}
	return nil
}

func (s *Session) awaitResult(dc *xchan.Channel, timeout time.Duration) ([]uint64, error) {
	select {
	case p, ok := <-dc.Queue(wire.FileTransferResult).Out:
		if !ok {
			return nil, cos.ErrNetwork(nil, "awaitResult: channel closed")
		}
		return wire.DecodeMissingChunks(p.Data), nil
	case <-time.After(timeout):
		return nil, cos.ErrTimeout(nil, "awaitResult: no FileTransferResult within %s", timeout)
	}
}

// readChunks splits a file into fixed 1 MiB chunks for the FileBody
// transfer protocol.
func readChunks(path string) ([][]byte, wire.FileHeader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, wire.FileHeader{}, err
	}
	header := wire.FileHeader{Filename: filepath.Base(path), Size: int64(len(data))}
	var chunks [][]byte
	for i := 0; i < len(data); i += fileChunkSize {
		end := i + fileChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[i:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	return chunks, header, nil
}

// Disconnect releases the dedicated data-channel port and tears down
// both channels.
func (s *Session) Disconnect() {
	s.ctrl.Disconnect()
	s.dataMu.Lock()
	if s.data != nil {
		s.data.Disconnect()
	}
	s.dataMu.Unlock()
	if s.dataPort != 0 {
		s.ports.Free(s.dataPort)
	}
	s.agents.Remove(s.ID)
	s.tasks.Redistribute(s.ID)
}
