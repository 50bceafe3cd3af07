// Package agentmodel holds the data types shared by Management and Agent:
// AgentInformation, Performance, AgentState, Task, InferenceUnit,
// BoundingBox, and VideoInfo — spec §3.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package agentmodel

// AgentInformation is the immutable per-Agent descriptor populated at
// handshake time.
type AgentInformation struct {
	HostName      string `json:"host_name"`
	OSName        string `json:"os_name"`
	CPUModel      string `json:"cpu_model"`
	PhysicalCores int    `json:"physical_cores"`
	TotalRAM      uint64 `json:"total_ram_bytes"`
	GPUModel      string `json:"gpu_model"`
	TotalVRAM     uint64 `json:"total_vram_bytes"`
}

// Performance is a mutable resource sample.
type Performance struct {
	CPUPercent   float64 `json:"cpu_percent"`
	RAMBytesUsed uint64  `json:"ram_bytes_used"`
	GPUPercent   float64 `json:"gpu_percent"`
	VRAMUsed     uint64  `json:"vram_bytes_used"`
}

// Residual is the {cpu, ram, gpu, vram} derived capacity: total minus used
// (100-used for the two percentage dimensions).
type Residual struct {
	CPU  float64
	RAM  uint64
	GPU  float64
	VRAM uint64
}

// ResidualOf computes idle-residual capacity from a total descriptor and a
// current usage sample.
func ResidualOf(info AgentInformation, perf Performance) Residual {
	r := Residual{
		CPU:  100 - perf.CPUPercent,
		GPU:  100 - perf.GPUPercent,
	}
	if perf.RAMBytesUsed < info.TotalRAM {
		r.RAM = info.TotalRAM - perf.RAMBytesUsed
	}
	if perf.VRAMUsed < info.TotalVRAM {
		r.VRAM = info.TotalVRAM - perf.VRAMUsed
	}
	return r
}

// State is the AgentState tagged variant. Ordinals below implement the
// total order from spec §3: None(1) < {ProcessTask,Idle}(2) <
// CreateDataChannel(3) < Terminate(4). Idle additionally carries its
// seconds payload so the Agent learns the Management-selected idle
// duration as part of the same transition.
type StateKind int

const (
	None StateKind = iota + 1
	ProcessTask
	Idle
	CreateDataChannel
	Terminate
)

// ordinal implements the merge order: None < {ProcessTask,Idle} < CreateDataChannel < Terminate.
func (k StateKind) ordinal() int {
	switch k {
	case None:
		return 1
	case ProcessTask, Idle:
		return 2
	case CreateDataChannel:
		return 3
	case Terminate:
		return 4
	default:
		return 0
	}
}

type State struct {
	Kind            StateKind `json:"kind"`
	IdleSeconds     uint64    `json:"idle_seconds,omitempty"`
}

func NewNone() State              { return State{Kind: None} }
func NewProcessTask() State       { return State{Kind: ProcessTask} }
func NewIdle(seconds uint64) State { return State{Kind: Idle, IdleSeconds: seconds} }
func NewCreateDataChannel() State { return State{Kind: CreateDataChannel} }
func NewTerminate() State         { return State{Kind: Terminate} }

// Merge applies the stored-state overwrite rule: a stored state is
// overwritten by a new one only if the new ordinal is >= the stored one,
// except Terminate is sticky (never overwritten once reached).
func Merge(stored, next State) State {
	if stored.Kind == Terminate {
		return stored
	}
	if next.Kind.ordinal() >= stored.Kind.ordinal() {
		return next
	}
	return stored
}

// BoundingBox is attached to an InferenceUnit after successful inference.
type BoundingBox struct {
	XMin       float64 `json:"xmin"`
	XMax       float64 `json:"xmax"`
	YMin       float64 `json:"ymin"`
	YMax       float64 `json:"ymax"`
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// VideoInfo is the split-time sidecar that preserves enough of the source
// format for reassembly to reproduce it.
type VideoInfo struct {
	Format    string `toml:"format" json:"format"`
	Width     int    `toml:"width" json:"width"`
	Height    int    `toml:"height" json:"height"`
	Bitrate   int64  `toml:"bitrate" json:"bitrate"`
	Framerate string `toml:"framerate" json:"framerate"` // e.g. "30/1"
}

// ModelKind/DetectMode are closed-ish enums for InferenceArgument; kept as
// plain strings on the wire (JSON) so an Agent running a newer/older build
// isn't hard-broken by an unrecognized value — it simply forwards the
// string to the inference backend.
type InferenceArgument struct {
	ModelKind  string  `json:"model_kind"`
	Confidence float64 `json:"confidence"`
	ImageSize  int     `json:"image_size"`
	BatchSize  int     `json:"batch_size"`
	DetectMode string  `json:"detect_mode"`
}

// TaskResultPayload is the JSON body of a TaskResult packet: one unit's
// outcome, reported back across the data channel after the Agent's
// inference backend subprocess exits.
type TaskResultPayload struct {
	TaskUUID      string        `json:"task_uuid"`
	SequenceID    int           `json:"sequence_id"`
	Success       bool          `json:"success"`
	BoundingBoxes []BoundingBox `json:"bounding_boxes,omitempty"`
	Error         string        `json:"error,omitempty"`
}

type TaskStatus int

const (
	Waiting TaskStatus = iota
	PreProcessing
	Processing
	PostProcessing
	Success
	Fail
)

func (s TaskStatus) String() string {
	switch s {
	case Waiting:
		return "Waiting"
	case PreProcessing:
		return "PreProcessing"
	case Processing:
		return "Processing"
	case PostProcessing:
		return "PostProcessing"
	case Success:
		return "Success"
	case Fail:
		return "Fail"
	default:
		return "Unknown"
	}
}

// InferenceUnit is the per-frame work item dispatched to an Agent.
type InferenceUnit struct {
	TaskUUID        string            `json:"task_uuid"`
	SequenceID      int               `json:"sequence_id"`
	ModelFileName   string            `json:"model_file_name"`
	MediaFileName   string            `json:"media_file_name"`
	ModelFilePath   string            `json:"model_file_path"`
	MediaFilePath   string            `json:"media_file_path"`
	Argument        InferenceArgument `json:"inference_argument"`
	BoundingBoxes   []BoundingBox     `json:"bounding_boxes,omitempty"`
	Cache           bool              `json:"cache_flag"` // RAM is tight: Agent should stream the model, not retain it
}

// Task is the user-visible unit of work. Invariant: Success+Failed <=
// original Unprocessed count; the task completes when Success+Failed ==
// the original frame count.
type Task struct {
	UUID             string
	Status           TaskStatus
	ModelFileName    string
	ModelFilePath    string
	MediaFileName    string
	Argument         InferenceArgument
	OriginalCount    int
	Unprocessed      int
	SuccessCount     int
	FailedCount      int
	Result           []InferenceUnit
	Error            string
}

func NewTask(uuid, modelFile, modelPath, mediaFile string, arg InferenceArgument) *Task {
	return &Task{
		UUID:          uuid,
		Status:        Waiting,
		ModelFileName: modelFile,
		ModelFilePath: modelPath,
		MediaFileName: mediaFile,
		Argument:      arg,
	}
}

// SetUnprocessed fixes the frame count once pre-processing determines how
// many InferenceUnits this Task fans out into.
func (t *Task) SetUnprocessed(n int) {
	t.OriginalCount = n
	t.Unprocessed = n
}

// Submit accounts for one completed (successful or failed) InferenceUnit.
// It reports whether this was the last outstanding unit.
func (t *Task) Submit(unit InferenceUnit, success bool) (done bool) {
	t.Unprocessed--
	t.Result = append(t.Result, unit)
	if success {
		t.SuccessCount++
	} else {
		t.FailedCount++
	}
	return t.Unprocessed == 0
}

// Finish sets the terminal status. A Task with some failed units is still
// Success; it is Fail when the caller passes postProcessFailed=true (the
// post-process step itself failed) or when every unit failed.
func (t *Task) Finish(postProcessFailed bool, reason string) {
	if postProcessFailed || (t.SuccessCount == 0 && t.FailedCount > 0) {
		t.Status = Fail
		t.Error = reason
		return
	}
	t.Status = Success
}
