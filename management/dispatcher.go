package management

import (
	"sync"

	"github.com/google/uuid"

	"github.com/dalaw2/visiogrid/agentmodel"
)

// Dispatcher wires MediaProcessor's pre/post-process pipeline to
// TaskManager's assignment policy and retains every Task submitted this
// process's lifetime so the HTTP surface can answer status/result
// queries after TaskManager's own bookkeeping has forgotten them.
type Dispatcher struct {
	mp    *MediaProcessor
	tasks *TaskManager

	mu  sync.RWMutex
	all map[string]*agentmodel.Task
}

func NewDispatcher(mp *MediaProcessor, tasks *TaskManager) *Dispatcher {
	d := &Dispatcher{mp: mp, tasks: tasks, all: make(map[string]*agentmodel.Task)}
	mp.OnUnits = func(task *agentmodel.Task, units []agentmodel.InferenceUnit) {
		tasks.Submit(task, units)
	}
	tasks.PostProcess = mp.SubmitPostProcess
	return d
}

// Submit creates a new Task for a just-uploaded file and pushes it into
// pre-process.
func (d *Dispatcher) Submit(modelFileName, modelSavedPath, mediaFileName string, arg agentmodel.InferenceArgument, savedPath string) *agentmodel.Task {
	task := agentmodel.NewTask(uuid.NewString(), modelFileName, modelSavedPath, mediaFileName, arg)
	d.mu.Lock()
	d.all[task.UUID] = task
	d.mu.Unlock()
	d.mp.SubmitPreProcess(task, savedPath)
	return task
}

// Get returns the Task for taskID regardless of whether it has finished.
func (d *Dispatcher) Get(taskID string) (*agentmodel.Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.all[taskID]
	return t, ok
}

// SubmitResult feeds an Agent's TaskResult payload back into TaskManager.
func (d *Dispatcher) SubmitResult(agentID uuid.UUID, payload agentmodel.TaskResultPayload) {
	d.tasks.SubmitResult(agentID, payload.TaskUUID, payload.SequenceID, payload.BoundingBoxes, payload.Success, payload.Error)
}
