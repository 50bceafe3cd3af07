package httpapi_test

import (
	"bufio"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/httpapi"
)

type fakeDispatcher struct {
	tasks map[string]*agentmodel.Task
}

func (f *fakeDispatcher) Submit(modelFileName, modelSavedPath, mediaFileName string, arg agentmodel.InferenceArgument, savedPath string) *agentmodel.Task {
	t := agentmodel.NewTask("fixed-uuid", modelFileName, modelSavedPath, mediaFileName, arg)
	f.tasks[t.UUID] = t
	return t
}

func (f *fakeDispatcher) Get(taskID string) (*agentmodel.Task, bool) {
	t, ok := f.tasks[taskID]
	return t, ok
}

func startServer(t *testing.T, d *fakeDispatcher) (*fasthttputil.InmemoryListener, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	reg := prometheus.NewRegistry()
	srv := httpapi.New("inmem", t.TempDir(), d, reg)
	go fasthttp.Serve(ln, srv.Handler)
	return ln, func() { ln.Close() }
}

func doGet(t *testing.T, ln *fasthttputil.InmemoryListener, path string) (int, []byte) {
	t.Helper()
	conn, err := ln.Dial()
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	req := "GET " + path + " HTTP/1.1\r\nHost: inmem\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatal(err)
	}
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	br := bufio.NewReader(conn)
	var resp fasthttp.Response
	if err := resp.Read(br); err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode(), resp.Body()
}

func TestStatusNotFoundForUnknownTask(t *testing.T) {
	d := &fakeDispatcher{tasks: map[string]*agentmodel.Task{}}
	ln, stop := startServer(t, d)
	defer stop()

	code, _ := doGet(t, ln, "/v1/tasks/does-not-exist")
	if code != fasthttp.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestStatusReturnsKnownTask(t *testing.T) {
	d := &fakeDispatcher{tasks: map[string]*agentmodel.Task{}}
	task := d.Submit("model.pt", "/tmp/model.pt", "pic.png", agentmodel.InferenceArgument{}, "/tmp/pic.png")
	ln, stop := startServer(t, d)
	defer stop()

	code, body := doGet(t, ln, "/v1/tasks/"+task.UUID)
	if code != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d: %s", code, body)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	d := &fakeDispatcher{tasks: map[string]*agentmodel.Task{}}
	ln, stop := startServer(t, d)
	defer stop()

	code, _ := doGet(t, ln, "/metrics")
	if code != fasthttp.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}
