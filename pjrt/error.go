// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pjrt

/*
#include "chelpers.h"
*/
import "C"
import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode is the status code carried by plugin errors. Values mirror the
// canonical absl status codes used across the C ABI.
type ErrorCode int

const (
	CodeOK                 ErrorCode = ErrorCode(C.PJRT_Error_Code_OK)
	CodeCancelled          ErrorCode = ErrorCode(C.PJRT_Error_Code_CANCELLED)
	CodeUnknown            ErrorCode = ErrorCode(C.PJRT_Error_Code_UNKNOWN)
	CodeInvalidArgument    ErrorCode = ErrorCode(C.PJRT_Error_Code_INVALID_ARGUMENT)
	CodeDeadlineExceeded   ErrorCode = ErrorCode(C.PJRT_Error_Code_DEADLINE_EXCEEDED)
	CodeNotFound           ErrorCode = ErrorCode(C.PJRT_Error_Code_NOT_FOUND)
	CodeAlreadyExists      ErrorCode = ErrorCode(C.PJRT_Error_Code_ALREADY_EXISTS)
	CodePermissionDenied   ErrorCode = ErrorCode(C.PJRT_Error_Code_PERMISSION_DENIED)
	CodeResourceExhausted  ErrorCode = ErrorCode(C.PJRT_Error_Code_RESOURCE_EXHAUSTED)
	CodeFailedPrecondition ErrorCode = ErrorCode(C.PJRT_Error_Code_FAILED_PRECONDITION)
	CodeAborted            ErrorCode = ErrorCode(C.PJRT_Error_Code_ABORTED)
	CodeOutOfRange         ErrorCode = ErrorCode(C.PJRT_Error_Code_OUT_OF_RANGE)
	CodeUnimplemented      ErrorCode = ErrorCode(C.PJRT_Error_Code_UNIMPLEMENTED)
	CodeInternal           ErrorCode = ErrorCode(C.PJRT_Error_Code_INTERNAL)
	CodeUnavailable        ErrorCode = ErrorCode(C.PJRT_Error_Code_UNAVAILABLE)
	CodeDataLoss           ErrorCode = ErrorCode(C.PJRT_Error_Code_DATA_LOSS)
	CodeUnauthenticated    ErrorCode = ErrorCode(C.PJRT_Error_Code_UNAUTHENTICATED)
)

var errorCodeNames = map[ErrorCode]string{
	CodeOK:                 "OK",
	CodeCancelled:          "CANCELLED",
	CodeUnknown:            "UNKNOWN",
	CodeInvalidArgument:    "INVALID_ARGUMENT",
	CodeDeadlineExceeded:   "DEADLINE_EXCEEDED",
	CodeNotFound:           "NOT_FOUND",
	CodeAlreadyExists:      "ALREADY_EXISTS",
	CodePermissionDenied:   "PERMISSION_DENIED",
	CodeResourceExhausted:  "RESOURCE_EXHAUSTED",
	CodeFailedPrecondition: "FAILED_PRECONDITION",
	CodeAborted:            "ABORTED",
	CodeOutOfRange:         "OUT_OF_RANGE",
	CodeUnimplemented:      "UNIMPLEMENTED",
	CodeInternal:           "INTERNAL",
	CodeUnavailable:        "UNAVAILABLE",
	CodeDataLoss:           "DATA_LOSS",
	CodeUnauthenticated:    "UNAUTHENTICATED",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Error is a status returned by a plugin or raised by the adapter itself.
// Plugin-owned PJRT_Error values are decoded (message and code extracted)
// and destroyed immediately, so an Error never retains C memory.
type Error struct {
	Code    ErrorCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// newError builds an adapter-side error with an explicit code.
func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// invalidArgumentf is the default for adapter-side validation failures.
func invalidArgumentf(format string, args ...any) *Error {
	return newError(CodeInvalidArgument, format, args...)
}

// protocolViolationf flags a plugin that broke an ABI contract, e.g. a null
// pointer paired with a nonzero length.
func protocolViolationf(format string, args ...any) *Error {
	return newError(CodeInternal, "plugin protocol violation: "+format, args...)
}

// toError converts a plugin-owned *PJRT_Error to a Go error, destroying the
// C error exactly once. Returns nil on a nil error.
func (p *Plugin) toError(cErr *C.PJRT_Error) error {
	if cErr == nil {
		return nil
	}
	defer func() {
		args := C.new_PJRT_Error_Destroy_Args()
		defer cFree(args)
		args.error = cErr
		C.call_PJRT_Error_Destroy(p.api, args)
	}()

	msgArgs := C.new_PJRT_Error_Message_Args()
	defer cFree(msgArgs)
	msgArgs.error = cErr
	C.call_PJRT_Error_Message(p.api, msgArgs)
	msg := cCharArray(msgArgs.message, msgArgs.message_size)

	code := CodeUnknown
	codeArgs := C.new_PJRT_Error_GetCode_Args()
	defer cFree(codeArgs)
	codeArgs.error = cErr
	if cErr2 := C.call_PJRT_Error_GetCode(p.api, codeArgs); cErr2 == nil {
		code = ErrorCode(codeArgs.code)
	} else {
		// The code query itself failed; consume the nested error and keep
		// the original message with an unknown code.
		_ = p.toError(cErr2)
	}
	return &Error{Code: code, Message: msg}
}

// CodeOf returns the ErrorCode carried by err, unwrapping layered context.
// Non-plugin errors report CodeUnknown; nil reports CodeOK.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return CodeOK
	}
	var pjrtErr *Error
	if errors.As(err, &pjrtErr) {
		return pjrtErr.Code
	}
	return CodeUnknown
}
