// Package cos provides common low-level types and utilities shared by the
// Management and Agent processes.
/*
 * Copyright (c) 2018-2022, NVIDIA CORPORATION. All rights reserved.
 */
package cos_test

import (
	"errors"
	"io"
	"testing"

	"github.com/dalaw2/visiogrid/cmn/cos"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestCos(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, t.Name())
}

var _ = Describe("Err", func() {
	It("classifies by kind and preserves the cause", func() {
		cause := errors.New("connection reset")
		err := cos.ErrTimeout(cause, "control channel silent for %ds", 30)

		Expect(cos.IsKind(err, cos.KindTimeout)).To(BeTrue())
		Expect(cos.IsKind(err, cos.KindNetwork)).To(BeFalse())
		Expect(errors.Unwrap(err)).To(Equal(cause))
	})

	It("IsEOF recognizes both EOF flavors", func() {
		Expect(cos.IsEOF(io.EOF)).To(BeTrue())
		Expect(cos.IsEOF(cos.ErrIO(io.ErrUnexpectedEOF, "receive: body"))).To(BeTrue())
		Expect(cos.IsEOF(errors.New("nope"))).To(BeFalse())
	})
})
