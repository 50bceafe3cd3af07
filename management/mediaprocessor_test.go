package management_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/config"
	"github.com/dalaw2/visiogrid/management"
	"github.com/dalaw2/visiogrid/transcoder"
)

type fakeTranscoder struct{}

func (fakeTranscoder) Split(context.Context, string, string, transcoder.SplitMode, *atomic.Bool) error {
	return nil
}
func (fakeTranscoder) Join(context.Context, string, string, string, string, float64, *atomic.Bool) error {
	return nil
}
func (fakeTranscoder) Probe(context.Context, string) (agentmodel.VideoInfo, error) {
	return agentmodel.VideoInfo{Format: "h264", Framerate: "30/1"}, nil
}

func TestPreProcessImageProducesOneUnit(t *testing.T) {
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

	mp := management.NewMediaProcessor(fakeTranscoder{}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mp.Run(ctx)

	done := make(chan []agentmodel.InferenceUnit, 1)
	mp.OnUnits = func(_ *agentmodel.Task, units []agentmodel.InferenceUnit) { done <- units }

	task := agentmodel.NewTask("task-1", "model.pt", "", "pic.png", agentmodel.InferenceArgument{})
	mp.SubmitPreProcess(task, saved)

	select {
	case units := <-done:
		if len(units) != 1 {
			t.Fatalf("expected 1 unit, got %d", len(units))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pre-process")
	}
}

func TestPreProcessUnsupportedTypeFailsTask(t *testing.T) {
	root := t.TempDir()
	config.Initialize(func() config.Config {
		c := config.Default()
		c.DataRoot = root
		return c
	}())
	defer config.Terminate()

	saved := filepath.Join(root, "doc.pdf")
	if err := os.WriteFile(saved, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	mp := management.NewMediaProcessor(fakeTranscoder{}, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mp.Run(ctx)

	failed := make(chan error, 1)
	mp.OnTaskFailed = func(_ *agentmodel.Task, err error) { failed <- err }

	task := agentmodel.NewTask("task-2", "model.pt", "", "doc.pdf", agentmodel.InferenceArgument{})
	mp.SubmitPreProcess(task, saved)

	select {
	case err := <-failed:
		if err == nil {
			t.Fatal("expected non-nil failure reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure callback")
	}
}
