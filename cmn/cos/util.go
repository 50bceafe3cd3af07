// Package cos provides common low-level types and utilities shared by the
// Management and Agent processes.
/*
 * Copyright (c) 2021-2023, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"errors"
	"io"
)

// IsEOF reports whether err is (or wraps) io.EOF or io.ErrUnexpectedEOF —
// the two flavors a SocketStream read can legitimately end with.
func IsEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

func Plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
