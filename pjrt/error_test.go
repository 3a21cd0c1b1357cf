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

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorCodeString(t *testing.T) {
	require.Equal(t, "OK", CodeOK.String())
	require.Equal(t, "INVALID_ARGUMENT", CodeInvalidArgument.String())
	require.Equal(t, "UNIMPLEMENTED", CodeUnimplemented.String())
	require.Equal(t, "ErrorCode(999)", ErrorCode(999).String())
}

func TestErrorFormatting(t *testing.T) {
	err := newError(CodeNotFound, "no device %d", 3)
	require.Equal(t, "NOT_FOUND: no device 3", err.Error())
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, CodeOK, CodeOf(nil))
	require.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))

	err := invalidArgumentf("dimension %d is negative", -1)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))

	// The code survives layered context.
	wrapped := errors.WithMessagef(err, "uploading buffer")
	require.Equal(t, CodeInvalidArgument, CodeOf(wrapped))
}

func TestProtocolViolation(t *testing.T) {
	err := protocolViolationf("null serialized bytes with size %d", 16)
	require.Equal(t, CodeInternal, err.Code)
	require.Contains(t, err.Error(), "plugin protocol violation")
	require.Contains(t, err.Error(), "null serialized bytes with size 16")
}
