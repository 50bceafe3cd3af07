package management_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/management"
)

func writeTempFile(t *testing.T, size int) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "unit-*")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.Write(make([]byte, size)); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func TestAssignOneGoesToQualifyingAgent(t *testing.T) {
	agents := management.NewAgentManager()
	tm := management.NewTaskManager(agents)

	a := uuid.New()
	agents.Add(a, agentmodel.AgentInformation{TotalVRAM: 8_000_000_000, TotalRAM: 64_000_000_000})
	agents.UpdatePerformance(a, agentmodel.Performance{})

	var dispatched []uuid.UUID
	tm.Dispatch = func(id uuid.UUID, _ agentmodel.InferenceUnit) { dispatched = append(dispatched, id) }

	task := agentmodel.NewTask(uuid.New().String(), "model.pt", "", "img.png", agentmodel.InferenceArgument{})
	unit := agentmodel.InferenceUnit{
		TaskUUID:      task.UUID,
		ModelFilePath: writeTempFile(t, 1024),
		MediaFilePath: writeTempFile(t, 1024),
	}
	tm.Submit(task, []agentmodel.InferenceUnit{unit})

	if len(dispatched) != 1 || dispatched[0] != a {
		t.Fatalf("expected dispatch to %v, got %v", a, dispatched)
	}
}

func TestNoFitFailsTaskImmediately(t *testing.T) {
	agents := management.NewAgentManager()
	tm := management.NewTaskManager(agents)

	var postProcessed *agentmodel.Task
	tm.PostProcess = func(task *agentmodel.Task) { postProcessed = task }

	task := agentmodel.NewTask(uuid.New().String(), "model.pt", "", "img.png", agentmodel.InferenceArgument{})
	unit := agentmodel.InferenceUnit{
		TaskUUID:      task.UUID,
		ModelFilePath: filepath.Join(t.TempDir(), "missing.pt"),
		MediaFilePath: filepath.Join(t.TempDir(), "missing.png"),
	}
	tm.Submit(task, []agentmodel.InferenceUnit{unit})

	if postProcessed == nil {
		t.Fatal("expected task to reach post-process with a failed unit")
	}
	if task.FailedCount != 1 || task.SuccessCount != 0 {
		t.Fatalf("expected 1 failed 0 success, got %d/%d", task.FailedCount, task.SuccessCount)
	}
}

func TestSubmitResultCompletesTask(t *testing.T) {
	agents := management.NewAgentManager()
	tm := management.NewTaskManager(agents)

	a := uuid.New()
	agents.Add(a, agentmodel.AgentInformation{TotalVRAM: 8_000_000_000, TotalRAM: 64_000_000_000})
	agents.UpdatePerformance(a, agentmodel.Performance{})

	var completed *agentmodel.Task
	tm.PostProcess = func(task *agentmodel.Task) { completed = task }

	task := agentmodel.NewTask(uuid.New().String(), "model.pt", "", "img.png", agentmodel.InferenceArgument{})
	unit := agentmodel.InferenceUnit{
		TaskUUID:      task.UUID,
		ModelFilePath: writeTempFile(t, 1024),
		MediaFilePath: writeTempFile(t, 1024),
	}
	tm.Submit(task, []agentmodel.InferenceUnit{unit})
	tm.SubmitResult(a, task.UUID, unit.SequenceID, nil, true, "")

	if completed == nil {
		t.Fatal("expected post-process to be invoked")
	}
	if completed.SuccessCount != 1 {
		t.Fatalf("expected success count 1, got %d", completed.SuccessCount)
	}
}

func TestStealOnlyTakesSecondPosition(t *testing.T) {
	agents := management.NewAgentManager()
	tm := management.NewTaskManager(agents)

	victim := uuid.New()
	thief := uuid.New()
	agents.Add(victim, agentmodel.AgentInformation{TotalVRAM: 8_000_000_000, TotalRAM: 64_000_000_000})
	// The thief reports too little idle RAM for assignOne to pick it, so
	// every Submit below queues on the victim; Steal is handed the
	// thief's capacity explicitly.
	agents.Add(thief, agentmodel.AgentInformation{TotalVRAM: 8_000_000_000, TotalRAM: 1_000})
	agents.UpdatePerformance(victim, agentmodel.Performance{})
	agents.UpdatePerformance(thief, agentmodel.Performance{})

	task := agentmodel.NewTask(uuid.New().String(), "model.pt", "", "img.png", agentmodel.InferenceArgument{})
	u1 := agentmodel.InferenceUnit{TaskUUID: task.UUID, SequenceID: 0, ModelFilePath: writeTempFile(t, 1024), MediaFilePath: writeTempFile(t, 1024)}
	u2 := agentmodel.InferenceUnit{TaskUUID: task.UUID, SequenceID: 1, ModelFilePath: writeTempFile(t, 1024), MediaFilePath: writeTempFile(t, 1024)}

	tm.Submit(task, []agentmodel.InferenceUnit{u1})

	_, _, ok := tm.Steal(thief, 8_000_000_000, 64_000_000_000)
	// With only one unit queued (depth 1), nothing is stealable yet.
	if ok {
		t.Fatal("expected no steal with victim queue depth < 2")
	}

	tm.Submit(task, []agentmodel.InferenceUnit{u2})
	stolen, _, ok := tm.Steal(thief, 8_000_000_000, 64_000_000_000)
	if !ok {
		t.Fatal("expected a steal with victim queue depth 2")
	}
	if stolen.SequenceID != u2.SequenceID {
		t.Fatalf("expected the second unit (seq %d) to be stolen, got seq %d", u2.SequenceID, stolen.SequenceID)
	}
	// The head stays with the victim: its queue is back to depth 1.
	if _, _, ok := tm.Steal(thief, 8_000_000_000, 64_000_000_000); ok {
		t.Fatal("expected the head unit never to be stolen")
	}
}
