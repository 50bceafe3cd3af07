package management

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"

	"github.com/dalaw2/visiogrid/agentmodel"
	"github.com/dalaw2/visiogrid/cmn/cos"
	"github.com/dalaw2/visiogrid/cmn/nlog"
	"github.com/dalaw2/visiogrid/config"
	"github.com/dalaw2/visiogrid/transcoder"
)

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}
var videoExts = map[string]bool{".mp4": true, ".avi": true, ".mkv": true}

// preJob and postJob are the two bounded-latency queue items MediaProcessor
// drains, one long-lived goroutine per queue, per spec §4.9.
type preJob struct {
	task     *agentmodel.Task
	savedPath string
}
type postJob struct {
	task *agentmodel.Task
}

// MediaProcessor owns pre-process and post-process dispatch by file
// extension, plus cancellation via a polled atomic flag.
type MediaProcessor struct {
	trans      transcoder.Transcoder
	preQueue   chan preJob
	postQueue  chan postJob
	cancelFlag atomic.Bool

	// OnUnits receives the fanned-out InferenceUnits for a pre-processed
	// Task, handing them to TaskManager.Submit.
	OnUnits func(task *agentmodel.Task, units []agentmodel.InferenceUnit)
	// OnTaskFailed is invoked when pre-process cannot proceed at all
	// (unsupported file type, I/O failure before fan-out).
	OnTaskFailed func(task *agentmodel.Task, reason error)
}

func NewMediaProcessor(trans transcoder.Transcoder, queueDepth int) *MediaProcessor {
	mp := &MediaProcessor{
		trans:     trans,
		preQueue:  make(chan preJob, queueDepth),
		postQueue: make(chan postJob, queueDepth),
	}
	return mp
}

func (mp *MediaProcessor) Cancel() { mp.cancelFlag.Store(true) }

func (mp *MediaProcessor) Run(ctx context.Context) {
	go mp.drainPre(ctx)
	go mp.drainPost(ctx)
}

func (mp *MediaProcessor) SubmitPreProcess(task *agentmodel.Task, savedPath string) {
	mp.preQueue <- preJob{task: task, savedPath: savedPath}
}

func (mp *MediaProcessor) SubmitPostProcess(task *agentmodel.Task) {
	mp.postQueue <- postJob{task: task}
}

func (mp *MediaProcessor) drainPre(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-mp.preQueue:
			mp.preProcess(ctx, j)
		}
	}
}

func (mp *MediaProcessor) drainPost(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-mp.postQueue:
			mp.postProcess(ctx, j)
		}
	}
}

func (mp *MediaProcessor) checkpoint() error {
	if mp.cancelFlag.Load() {
		return cos.ErrSystem(nil, "cancelled")
	}
	return nil
}

// preProcess dispatches by file extension: image, video, or zip archive.
// See spec §4.9.
func (mp *MediaProcessor) preProcess(ctx context.Context, j preJob) {
	task := j.task
	layout := config.Get()
	preDir := filepath.Join(layout.DataRoot, "PreProcess", task.UUID)
	if err := os.MkdirAll(preDir, 0o755); err != nil {
		mp.fail(task, cos.ErrIO(err, "preprocess: mkdir %s", preDir))
		return
	}

	ext := strings.ToLower(filepath.Ext(j.savedPath))
	switch {
	case imageExts[ext]:
		mp.preProcessImage(task, j.savedPath, preDir)
	case videoExts[ext]:
		mp.preProcessVideo(ctx, task, j.savedPath, preDir)
	case ext == ".zip":
		mp.preProcessZip(task, j.savedPath, preDir)
	default:
		mp.fail(task, cos.ErrTask(nil, "preprocess: unsupported file type %q", ext))
	}
}

func (mp *MediaProcessor) preProcessImage(task *agentmodel.Task, savedPath, preDir string) {
	dst := filepath.Join(preDir, filepath.Base(savedPath))
	if err := os.Rename(savedPath, dst); err != nil {
		mp.fail(task, cos.ErrIO(err, "preprocess: move image"))
		return
	}
	unit := agentmodel.InferenceUnit{
		TaskUUID:      task.UUID,
		SequenceID:    0,
		ModelFileName: task.ModelFileName,
		ModelFilePath: task.ModelFilePath,
		MediaFileName: filepath.Base(dst),
		MediaFilePath: dst,
		Argument:      task.Argument,
	}
	if mp.OnUnits != nil {
		mp.OnUnits(task, []agentmodel.InferenceUnit{unit})
	}
}

func (mp *MediaProcessor) preProcessVideo(ctx context.Context, task *agentmodel.Task, savedPath, preDir string) {
	dst := filepath.Join(preDir, filepath.Base(savedPath))
	if err := os.Rename(savedPath, dst); err != nil {
		mp.fail(task, cos.ErrIO(err, "preprocess: move video"))
		return
	}
	if err := mp.checkpoint(); err != nil {
		mp.fail(task, err)
		return
	}

	info, err := mp.trans.Probe(ctx, dst)
	if err != nil {
		mp.fail(task, err)
		return
	}
	sidecar := dst + ".toml"
	f, err := os.Create(sidecar)
	if err != nil {
		mp.fail(task, cos.ErrIO(err, "preprocess: create sidecar"))
		return
	}
	if err := toml.NewEncoder(f).Encode(info); err != nil {
		f.Close()
		mp.fail(task, cos.ErrIO(err, "preprocess: write sidecar"))
		return
	}
	f.Close()

	if err := mp.checkpoint(); err != nil {
		mp.fail(task, err)
		return
	}

	cfg := config.Get()
	mode := transcoder.SplitMode{
		Frame:               cfg.Split.Mode != "Time",
		SegmentDurationSecs: cfg.Split.SegmentDurationSecs,
	}
	var pattern string
	if mode.Frame {
		pattern = filepath.Join(preDir, "Frame_%d.png")
	} else {
		pattern = filepath.Join(preDir, "Part_%d.mp4")
	}
	if err := mp.trans.Split(ctx, dst, pattern, mode, &mp.cancelFlag); err != nil {
		mp.fail(task, err)
		return
	}

	entries, err := filepath.Glob(filepath.Join(preDir, "*"))
	if err != nil {
		mp.fail(task, cos.ErrIO(err, "preprocess: glob split output"))
		return
	}
	var units []agentmodel.InferenceUnit
	seq := 0
	for _, e := range entries {
		if strings.HasSuffix(e, ".toml") || e == dst {
			continue
		}
		units = append(units, agentmodel.InferenceUnit{
			TaskUUID:      task.UUID,
			SequenceID:    seq,
			ModelFileName: task.ModelFileName,
			ModelFilePath: task.ModelFilePath,
			MediaFileName: filepath.Base(e),
			MediaFilePath: e,
			Argument:      task.Argument,
		})
		seq++
	}
	if len(units) == 0 {
		mp.fail(task, cos.ErrTask(nil, "preprocess: split produced no output"))
		return
	}
	if mp.OnUnits != nil {
		mp.OnUnits(task, units)
	}
}

func (mp *MediaProcessor) preProcessZip(task *agentmodel.Task, savedPath, preDir string) {
	dst := filepath.Join(preDir, filepath.Base(savedPath))
	if err := os.Rename(savedPath, dst); err != nil {
		mp.fail(task, cos.ErrIO(err, "preprocess: move zip"))
		return
	}
	r, err := zip.OpenReader(dst)
	if err != nil {
		mp.fail(task, cos.ErrIO(err, "preprocess: open zip"))
		return
	}
	defer r.Close()

	var units []agentmodel.InferenceUnit
	seq := 0
	for _, f := range r.File {
		if err := mp.checkpoint(); err != nil {
			mp.fail(task, err)
			return
		}
		ext := strings.ToLower(filepath.Ext(f.Name))
		if !imageExts[ext] {
			continue
		}
		out := filepath.Join(preDir, filepath.Base(f.Name))
		if err := extractZipEntry(f, out); err != nil {
			mp.fail(task, cos.ErrIO(err, "preprocess: extract %s", f.Name))
			return
		}
		units = append(units, agentmodel.InferenceUnit{
			TaskUUID:      task.UUID,
			SequenceID:    seq,
			ModelFileName: task.ModelFileName,
			ModelFilePath: task.ModelFilePath,
			MediaFileName: filepath.Base(out),
			MediaFilePath: out,
			Argument:      task.Argument,
		})
		seq++
	}
	if len(units) == 0 {
		mp.fail(task, cos.ErrTask(nil, "preprocess: zip contained no usable images"))
		return
	}
	if mp.OnUnits != nil {
		mp.OnUnits(task, units)
	}
}

func extractZipEntry(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, rc)
	return err
}

func (mp *MediaProcessor) fail(task *agentmodel.Task, err error) {
	task.Status = agentmodel.Fail
	task.Error = err.Error()
	nlog.Warningf("mediaprocessor: task %s pre-process failed: %v", task.UUID, err)
	if mp.OnTaskFailed != nil {
		mp.OnTaskFailed(task, err)
	}
}

// postProcess is the inverse dispatch, per spec §4.9.
func (mp *MediaProcessor) postProcess(ctx context.Context, j postJob) {
	task := j.task
	cfg := config.Get()
	resultDir := filepath.Join(cfg.DataRoot, "Result")
	if err := os.MkdirAll(resultDir, 0o755); err != nil {
		task.Finish(true, err.Error())
		return
	}

	ext := strings.ToLower(filepath.Ext(task.MediaFileName))
	var err error
	switch {
	case imageExts[ext]:
		err = mp.postProcessImage(task, resultDir)
	case videoExts[ext]:
		err = mp.postProcessVideo(ctx, task, resultDir)
	case ext == ".zip":
		err = mp.postProcessZip(task, resultDir)
	default:
		err = cos.ErrTask(nil, "postprocess: unsupported file type %q", ext)
	}

	if err != nil {
		task.Finish(true, err.Error())
		return
	}
	task.Finish(false, "")
}

func (mp *MediaProcessor) postProcessImage(task *agentmodel.Task, resultDir string) error {
	if len(task.Result) == 0 {
		return cos.ErrTask(nil, "postprocess: no annotated output for %s", task.UUID)
	}
	src := task.Result[0].MediaFilePath
	dst := filepath.Join(resultDir, task.MediaFileName)
	in, err := os.Open(src)
	if err != nil {
		return cos.ErrIO(err, "postprocess: open annotated image")
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return cos.ErrIO(err, "postprocess: create result image")
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func encoderFor(formatTag string) string {
	switch {
	case strings.Contains(formatTag, "h264"):
		return "x264enc"
	case strings.Contains(formatTag, "h265") || strings.Contains(formatTag, "hevc"):
		return "x265enc"
	case strings.Contains(formatTag, "vp8"):
		return "vp8enc"
	case strings.Contains(formatTag, "vp9"):
		return "vp9enc"
	default:
		return "x264enc"
	}
}

func (mp *MediaProcessor) postProcessVideo(ctx context.Context, task *agentmodel.Task, resultDir string) error {
	if err := mp.checkpoint(); err != nil {
		return err
	}
	preDir := filepath.Join(config.Get().DataRoot, "PreProcess", task.UUID)
	sidecarGlob, _ := filepath.Glob(filepath.Join(preDir, "*.toml"))
	var info agentmodel.VideoInfo
	if len(sidecarGlob) > 0 {
		if _, err := toml.DecodeFile(sidecarGlob[0], &info); err != nil {
			return cos.ErrIO(err, "postprocess: read sidecar")
		}
	}
	encoder := encoderFor(info.Format)
	muxer := strings.TrimPrefix(filepath.Ext(task.MediaFileName), ".")
	if muxer == "" {
		muxer = "mp4"
	}

	postDir := filepath.Join(config.Get().DataRoot, "PostProcess", task.UUID)
	if err := os.MkdirAll(postDir, 0o755); err != nil {
		return cos.ErrIO(err, "postprocess: mkdir")
	}
	pattern := filepath.Join(postDir, "Frame_%d.png")
	dst := filepath.Join(resultDir, task.MediaFileName)

	framerate := 30.0
	if info.Framerate != "" {
		fmt.Sscanf(info.Framerate, "%f/1", &framerate)
	}
	return mp.trans.Join(ctx, pattern, dst, encoder, muxer, framerate, &mp.cancelFlag)
}

func (mp *MediaProcessor) postProcessZip(task *agentmodel.Task, resultDir string) error {
	dst := filepath.Join(resultDir, task.MediaFileName)
	out, err := os.Create(dst)
	if err != nil {
		return cos.ErrIO(err, "postprocess: create result zip")
	}
	defer out.Close()
	zw := zip.NewWriter(out)
	defer zw.Close()

	for _, u := range task.Result {
		if u.MediaFilePath == "" {
			continue
		}
		if err := addStored(zw, u.MediaFilePath); err != nil {
			return cos.ErrIO(err, "postprocess: pack %s", u.MediaFilePath)
		}
	}
	return nil
}

// addStored adds path to zw uncompressed, matching spec §4.9's "stored
// (no compression) method" for reassembled zip results.
func addStored(zw *zip.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(fi)
	if err != nil {
		return err
	}
	hdr.Name = filepath.Base(path)
	hdr.Method = zip.Store
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, in)
	return err
}
