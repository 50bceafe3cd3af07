// Package cos provides common low-level types and utilities shared by the
// Management and Agent processes.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"flag"
	"fmt"
	"os"

	"github.com/dalaw2/visiogrid/cmn/nlog"
)

const fatalPrefix = "FATAL ERROR: "

// Exitf prints a fatal message and exits without touching the logger —
// used before flag.Parse has run, when nlog isn't configured yet.
func Exitf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	_exit(msg)
}

// ExitLogf logs a fatal message, flushes, then exits 1. The flag.Parsed
// guard mirrors Exitf's use before logging is configured.
func ExitLogf(f string, a ...any) {
	msg := fmt.Sprintf(fatalPrefix+f, a...)
	if flag.Parsed() {
		nlog.ErrorDepth(1, msg+"\n")
		nlog.Flush(true)
	}
	_exit(msg)
}

func _exit(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}
