// Package cos provides common low-level types and utilities shared by the
// Management and Agent processes.
/*
 * Copyright (c) 2021-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the seven error kinds the protocol and pipeline layers
// classify every failure into: Network, Timeout, Protocol, IO, Transcoder,
// Task, System.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindTimeout
	KindProtocol
	KindIO
	KindTranscoder
	KindTask
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindIO:
		return "io"
	case KindTranscoder:
		return "transcoder"
	case KindTask:
		return "task"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Err is the typed error every package in this module returns: it pins a
// failure to one of the seven Kinds (see spec §7) and optionally chains a
// cause via github.com/pkg/errors so the original socket/os error survives
// up to wherever a Task.error string gets written.
type Err struct {
	kind  Kind
	msg   string
	cause error
}

func NewErr(kind Kind, cause error, format string, a ...any) *Err {
	return &Err{kind: kind, msg: fmt.Sprintf(format, a...), cause: cause}
}

func (e *Err) Kind() Kind { return e.kind }

func (e *Err) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Err) Unwrap() error { return e.cause }

// IsKind reports whether err (or anything it wraps) carries the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Err
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}

func ErrNetwork(cause error, format string, a ...any) error    { return NewErr(KindNetwork, cause, format, a...) }
func ErrTimeout(cause error, format string, a ...any) error    { return NewErr(KindTimeout, cause, format, a...) }
func ErrProtocol(cause error, format string, a ...any) error   { return NewErr(KindProtocol, cause, format, a...) }
func ErrIO(cause error, format string, a ...any) error         { return NewErr(KindIO, cause, format, a...) }
func ErrTranscoder(cause error, format string, a ...any) error { return NewErr(KindTranscoder, cause, format, a...) }
func ErrTask(cause error, format string, a ...any) error       { return NewErr(KindTask, cause, format, a...) }
func ErrSystem(cause error, format string, a ...any) error     { return NewErr(KindSystem, cause, format, a...) }
