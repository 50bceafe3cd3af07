// Package httpapi is the thin out-of-core-scope HTTP surface spec §6
// names (upload, status, result download, /metrics) — an external
// collaborator boundary, not a restatement of the control/data channel
// protocol.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package httpapi

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/cmn/nlog"
)

// Dispatcher is the subset of management.Dispatcher the HTTP surface
// needs, kept as an interface so this package tests without pulling in
// the rest of the Management process.
type Dispatcher interface {
	Submit(modelFileName, modelSavedPath, mediaFileName string, arg agentmodel.InferenceArgument, savedPath string) *agentmodel.Task
	Get(taskID string) (*agentmodel.Task, bool)
}

// Server answers task submission, status, and result requests over
// fasthttp, plus a Prometheus /metrics endpoint backed by registry.
type Server struct {
	Addr       string
	UploadDir  string
	Dispatcher Dispatcher
	Registry   *prometheus.Registry

	metricsHandler fasthttp.RequestHandler
}

func New(addr, uploadDir string, d Dispatcher, registry *prometheus.Registry) *Server {
	s := &Server{Addr: addr, UploadDir: uploadDir, Dispatcher: d, Registry: registry}
	s.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return s
}

// ListenAndServe blocks serving fasthttp requests until the listener
// fails or is closed.
func (s *Server) ListenAndServe() error {
	return fasthttp.ListenAndServe(s.Addr, s.handle)
}

// Handler exposes the request handler directly, for serving over a
// caller-supplied listener (e.g. an in-memory one in tests).
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	s.handle(ctx)
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	switch {
	case path == "/metrics":
		s.metricsHandler(ctx)
	case path == "/v1/tasks" && ctx.IsPost():
		s.handleSubmit(ctx)
	case strings.HasPrefix(path, "/v1/tasks/") && strings.HasSuffix(path, "/result") && ctx.IsGet():
		s.handleResult(ctx, strings.TrimSuffix(strings.TrimPrefix(path, "/v1/tasks/"), "/result"))
	case strings.HasPrefix(path, "/v1/tasks/") && ctx.IsGet():
		s.handleStatus(ctx, strings.TrimPrefix(path, "/v1/tasks/"))
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	}
}

type submitResponse struct {
	TaskUUID string `json:"task_uuid"`
}

// handleSubmit accepts a multipart upload carrying "model", "media", and
// an "argument" JSON field, saves media to UploadDir, and hands it to
// the Dispatcher.
func (s *Server) handleSubmit(ctx *fasthttp.RequestCtx) {
	form, err := ctx.MultipartForm()
	if err != nil {
		ctx.Error("malformed multipart body", fasthttp.StatusBadRequest)
		return
	}
	mediaFiles := form.File["media"]
	if len(mediaFiles) != 1 {
		ctx.Error("expected exactly one media file", fasthttp.StatusBadRequest)
		return
	}
	modelName, modelSavedPath := "", ""
	if mf := form.File["model"]; len(mf) == 1 {
		modelHeader := mf[0]
		modelName = modelHeader.Filename
		modelSavedPath = filepath.Join(filepath.Dir(s.UploadDir), "SavedModel", filepath.Base(modelHeader.Filename))
		if err := fasthttp.SaveMultipartFile(modelHeader, modelSavedPath); err != nil {
			nlog.Warningf("httpapi: save model %s: %v", modelSavedPath, err)
			ctx.Error("failed to save model", fasthttp.StatusInternalServerError)
			return
		}
	}

	var arg agentmodel.InferenceArgument
	if vals := form.Value["argument"]; len(vals) == 1 {
		if err := json.Unmarshal([]byte(vals[0]), &arg); err != nil {
			ctx.Error("malformed argument JSON", fasthttp.StatusBadRequest)
			return
		}
	}

	mediaHeader := mediaFiles[0]
	savedPath := filepath.Join(s.UploadDir, filepath.Base(mediaHeader.Filename))
	if err := fasthttp.SaveMultipartFile(mediaHeader, savedPath); err != nil {
		nlog.Warningf("httpapi: save upload %s: %v", savedPath, err)
		ctx.Error("failed to save upload", fasthttp.StatusInternalServerError)
		return
	}

	task := s.Dispatcher.Submit(modelName, modelSavedPath, mediaHeader.Filename, arg, savedPath)

	ctx.SetContentType("application/json")
	ctx.SetStatusCode(fasthttp.StatusAccepted)
	json.NewEncoder(ctx).Encode(submitResponse{TaskUUID: task.UUID})
}

type statusResponse struct {
	UUID           string `json:"uuid"`
	Status         string `json:"status"`
	OriginalCount  int    `json:"original_count"`
	Unprocessed    int    `json:"unprocessed"`
	SuccessCount   int    `json:"success_count"`
	FailedCount    int    `json:"failed_count"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) handleStatus(ctx *fasthttp.RequestCtx, taskID string) {
	task, ok := s.Dispatcher.Get(taskID)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	resp := statusResponse{
		UUID:          task.UUID,
		Status:        task.Status.String(),
		OriginalCount: task.OriginalCount,
		Unprocessed:   task.Unprocessed,
		SuccessCount:  task.SuccessCount,
		FailedCount:   task.FailedCount,
		Error:         task.Error,
	}
	ctx.SetContentType("application/json")
	json.NewEncoder(ctx).Encode(resp)
}

// handleResult streams the Result/<media_file_name> artifact for a
// completed Task. Non-goal: range requests, resumable downloads.
func (s *Server) handleResult(ctx *fasthttp.RequestCtx, taskID string) {
	task, ok := s.Dispatcher.Get(taskID)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	if task.Status != agentmodel.Success {
		ctx.Error("task has not completed successfully", fasthttp.StatusConflict)
		return
	}
	path := filepath.Join(filepath.Dir(s.UploadDir), "Result", task.MediaFileName)
	fi, err := os.Stat(path)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}
	ctx.Response.Header.Set(fasthttp.HeaderContentLength, strconv.FormatInt(fi.Size(), 10))
	fasthttp.ServeFile(ctx, path)
}
