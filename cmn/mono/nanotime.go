//go:build !mono

// Package mono provides low-level monotonic time
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package mono

import "time"

// NanoTime returns a monotonic clock reading in nanoseconds. The `mono`
// build tag swaps this for a runtime.nanotime linkname shim (see
// fast_nanotime.go); this default uses the exported monotonic reading
// that time.Now() already carries, which is good enough off the hot path.
func NanoTime() int64 { return int64(time.Since(start)) }

var start = time.Now()

func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
