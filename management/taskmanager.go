package management

import (
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/cmn/cos"
)

// EstimateVRAMBytes is the heuristic linear model from spec §4.8: larger
// model files produce monotonically larger estimates. The coefficients
// are deliberately approximate — only monotonicity and the ordering
// between assignment and the cache flag are load-bearing.
func EstimateVRAMBytes(modelFileSize int64) int64 {
	return int64(2.43e-6*float64(modelFileSize) + 303.39)
}

// EstimateRAMBytes is the analogous heuristic for the media input.
func EstimateRAMBytes(mediaFileSize int64) int64 {
	return int64(4.19*float64(mediaFileSize) + 1.398e9)
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

// assignment is a pending (or queued) unit of work handed to one Agent.
type assignment struct {
	agentID uuid.UUID
	unit    agentmodel.InferenceUnit
	task    *agentmodel.Task
}

// TaskManager owns the outstanding Tasks, the per-Agent assignment
// queues, and the completion bookkeeping described in spec §4.8.
type TaskManager struct {
	mu            sync.Mutex
	agents        *AgentManager
	queues        map[uuid.UUID][]*assignment
	tasks         map[string]*agentmodel.Task
	roundRobinPos map[string]int

	// Dispatch is invoked (outside the lock) once a unit has been bound
	// to an Agent, so the caller can push it across that Agent's data
	// channel. Tests substitute a recording stub.
	Dispatch func(agentID uuid.UUID, unit agentmodel.InferenceUnit)
	// PostProcess is invoked once a Task's unprocessed count reaches
	// zero, handing it to MediaProcessor.
	PostProcess func(task *agentmodel.Task)
}

func NewTaskManager(agents *AgentManager) *TaskManager {
	return &TaskManager{
		agents:        agents,
		queues:        make(map[uuid.UUID][]*assignment),
		tasks:         make(map[string]*agentmodel.Task),
		roundRobinPos: make(map[string]int),
	}
}

// Submit registers a new Task and assigns its units.
func (tm *TaskManager) Submit(task *agentmodel.Task, units []agentmodel.InferenceUnit) {
	tm.mu.Lock()
	tm.tasks[task.UUID] = task
	tm.mu.Unlock()

	task.SetUnprocessed(len(units))
	if len(units) == 1 {
		tm.assignOne(task, units[0])
		return
	}
	tm.assignRoundRobin(task, units)
}

// assignOne implements the single-frame assignment policy.
func (tm *TaskManager) assignOne(task *agentmodel.Task, unit agentmodel.InferenceUnit) {
	estVRAM := EstimateVRAMBytes(fileSize(unit.ModelFilePath))
	estRAM := EstimateRAMBytes(fileSize(unit.MediaFilePath))

	candidates := tm.agents.FilterByVRAM(estVRAM)
	for _, c := range candidates {
		idleRAM, ok := tm.agents.IdleRAM(c.ID)
		if !ok {
			continue
		}
		if float64(idleRAM) <= 0.7*float64(estRAM) {
			continue
		}
		unit.Cache = idleRAM < estRAM
		tm.enqueue(c.ID, task, unit)
		return
	}
	tm.fail(task, unit, cos.ErrTask(nil, "no agent fits unit (vram=%d ram=%d)", estVRAM, estRAM))
}

// assignRoundRobin implements the multi-frame (video/zip) policy:
// round-robin over the VRAM-filtered candidate list.
func (tm *TaskManager) assignRoundRobin(task *agentmodel.Task, units []agentmodel.InferenceUnit) {
	if len(units) == 0 {
		return
	}
	estVRAM := EstimateVRAMBytes(fileSize(units[0].ModelFilePath))
	candidates := tm.agents.FilterByVRAM(estVRAM)
	if len(candidates) == 0 {
		for _, u := range units {
			tm.fail(task, u, cos.ErrTask(nil, "no agent fits unit (vram=%d)", estVRAM))
		}
		return
	}

	tm.mu.Lock()
	pos := tm.roundRobinPos[task.UUID]
	tm.mu.Unlock()

	for _, unit := range units {
		estRAM := EstimateRAMBytes(fileSize(unit.MediaFilePath))
		assigned := false
		for i := 0; i < len(candidates); i++ {
			idx := (pos + i) % len(candidates)
			c := candidates[idx]
			idleRAM, ok := tm.agents.IdleRAM(c.ID)
			if !ok || float64(idleRAM) <= 0.7*float64(estRAM) {
				continue
			}
			unit.Cache = idleRAM < estRAM
			tm.enqueue(c.ID, task, unit)
			pos = (idx + 1) % len(candidates)
			assigned = true
			break
		}
		if !assigned {
			tm.fail(task, unit, cos.ErrTask(nil, "no agent fits unit (vram=%d ram=%d)", estVRAM, estRAM))
		}
	}

	tm.mu.Lock()
	tm.roundRobinPos[task.UUID] = pos
	tm.mu.Unlock()
}

func (tm *TaskManager) enqueue(agentID uuid.UUID, task *agentmodel.Task, unit agentmodel.InferenceUnit) {
	a := &assignment{agentID: agentID, unit: unit, task: task}
	tm.mu.Lock()
	tm.queues[agentID] = append(tm.queues[agentID], a)
	tm.mu.Unlock()
	if tm.Dispatch != nil {
		tm.Dispatch(agentID, unit)
	}
}

func (tm *TaskManager) fail(task *agentmodel.Task, unit agentmodel.InferenceUnit, reason error) {
	unit.Cache = false
	done := task.Submit(unit, false)
	if done {
		tm.finish(task)
	}
	_ = reason // a richer pipeline would attach this to task.Error per-unit; spec only requires the aggregate accounting
}

// SubmitResult records completion of one unit (success or failure) and,
// when the Task's unprocessed count reaches zero, hands it to
// post-process. boxes/success/errMsg come off the wire; the dispatched
// unit itself (with its MediaFilePath) comes from the agent's queue,
// since the TaskResult payload only carries the (taskUUID, sequenceID)
// key plus the outcome.
func (tm *TaskManager) SubmitResult(agentID uuid.UUID, taskUUID string, sequenceID int, boxes []agentmodel.BoundingBox, success bool, errMsg string) {
	tm.mu.Lock()
	task, ok := tm.tasks[taskUUID]
	var unit agentmodel.InferenceUnit
	if ok {
		if found, u := tm.dequeueLocked(agentID, taskUUID, sequenceID); found {
			unit = u
		}
	}
	tm.mu.Unlock()
	if !ok {
		return
	}
	unit.BoundingBoxes = boxes
	if !success {
		unit.Cache = false
	}
	_ = errMsg // per-unit error text isn't part of InferenceUnit; aggregate accounting only
	if task.Submit(unit, success) {
		tm.finish(task)
	}
}

func (tm *TaskManager) dequeueLocked(agentID uuid.UUID, taskUUID string, sequenceID int) (bool, agentmodel.InferenceUnit) {
	q := tm.queues[agentID]
	for i, a := range q {
		if a.unit.TaskUUID == taskUUID && a.unit.SequenceID == sequenceID {
			tm.queues[agentID] = append(q[:i], q[i+1:]...)
			return true, a.unit
		}
	}
	return false, agentmodel.InferenceUnit{}
}

func (tm *TaskManager) finish(task *agentmodel.Task) {
	tm.mu.Lock()
	delete(tm.tasks, task.UUID)
	delete(tm.roundRobinPos, task.UUID)
	tm.mu.Unlock()
	if tm.PostProcess != nil {
		tm.PostProcess(task)
	}
}

// Redistribute re-runs the assignment policy for every unit still queued
// against a terminated Agent, per spec §4.8.
func (tm *TaskManager) Redistribute(agentID uuid.UUID) {
	tm.mu.Lock()
	q := tm.queues[agentID]
	delete(tm.queues, agentID)
	tm.mu.Unlock()

	for _, a := range q {
		tm.assignOne(a.task, a.unit)
	}
}

// Steal looks for a stealable unit on behalf of an idle Agent: only the
// second position in any victim's queue is eligible, since the head may
// already be mid-transfer.
func (tm *TaskManager) Steal(thiefID uuid.UUID, thiefIdleVRAM, thiefIdleRAM int64) (agentmodel.InferenceUnit, *agentmodel.Task, bool) {
	victims := tm.agents.SortedByVRAM()
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for _, v := range victims {
		if v.ID == thiefID {
			continue
		}
		q := tm.queues[v.ID]
		if len(q) < 2 {
			continue
		}
		stolen := q[1]
		estVRAM := EstimateVRAMBytes(fileSize(stolen.unit.ModelFilePath))
		estRAM := EstimateRAMBytes(fileSize(stolen.unit.MediaFilePath))
		if estVRAM > thiefIdleVRAM || float64(thiefIdleRAM) <= 0.7*float64(estRAM) {
			continue
		}
		tm.queues[v.ID] = append(append([]*assignment{}, q[:1]...), q[2:]...)
		stolen.unit.Cache = thiefIdleRAM < estRAM
		stolen.agentID = thiefID
		tm.queues[thiefID] = append(tm.queues[thiefID], stolen)
		return stolen.unit, stolen.task, true
	}
	return agentmodel.InferenceUnit{}, nil, false
}
