package management_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/config"
	"github.com/dalaw2/visiogrid/management"
	"github.com/dalaw2/visiogrid/portpool"
)

func TestDispatcherSubmitIsRetrievableBeforeCompletion(t *testing.T) {
	root := t.TempDir()
	config.Initialize(func() config.Config {
		c := config.Default()
		c.DataRoot = root
		return c
	}())
	defer config.Terminate()

	saved := filepath.Join(root, "pic.png")
	if err := os.WriteFile(saved, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	agents := management.NewAgentManager()
	tasks := management.NewTaskManager(agents)
	_ = portpool.New(30000, 30010)
	mp := management.NewMediaProcessor(fakeTranscoder{}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mp.Run(ctx)

	d := management.NewDispatcher(mp, tasks)
	task := d.Submit("model.pt", filepath.Join(root, "model.pt"), "pic.png", agentmodel.InferenceArgument{}, saved)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := d.Get(task.UUID); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("task never became retrievable via Get")
}
