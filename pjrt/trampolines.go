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

extern void goEventOnReady(PJRT_Error* error, void* user_arg);
extern PJRT_Error* goSendChunk(PJRT_Chunk* chunk,
                               PJRT_CallbackError* callback_error,
                               size_t total_size_in_bytes, bool done,
                               void* user_arg);
extern void goRecvStream(PJRT_CopyToDeviceStream* stream, void* user_arg);

static inline PJRT_Event_OnReadyCallback pjrt_onready_trampoline(void) {
  return goEventOnReady;
}

static inline PJRT_SendCallback pjrt_send_trampoline(void) {
  return goSendChunk;
}

static inline PJRT_RecvCallback pjrt_recv_trampoline(void) {
  return goRecvStream;
}
*/
import "C"
import (
	"runtime/cgo"
	"sync"
	"unsafe"
)

// Plugin callbacks land on these trampolines from plugin-internal threads.
// The user_arg carried across the ABI is a cgo.Handle on the Go-side state.

var (
	cOnReadyCallback = C.pjrt_onready_trampoline()
	cSendCallback    = C.pjrt_send_trampoline()
	cRecvCallback    = C.pjrt_recv_trampoline()
)

func newHandlePointer(v any) unsafe.Pointer {
	return unsafe.Pointer(uintptr(cgo.NewHandle(v)))
}

type onReadyState struct {
	plugin *Plugin
	fn     func(error)
}

//export goEventOnReady
func goEventOnReady(cErr *C.PJRT_Error, userArg unsafe.Pointer) {
	h := cgo.Handle(uintptr(userArg))
	state := h.Value().(*onReadyState)
	h.Delete()
	// The callback owns the error; toError consumes it.
	state.fn(state.plugin.toError(cErr))
}

// errorLatch keeps the first error reported during one execution.
type errorLatch struct {
	mu    sync.Mutex
	first error
}

func (l *errorLatch) latch(err error) {
	if err == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.first == nil {
		l.first = err
	}
}

func (l *errorLatch) err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.first
}

type sendState struct {
	plugin    *Plugin
	channelID int64
	fn        SendCallback
	latch     *errorLatch
}

//export goSendChunk
func goSendChunk(chunk *C.PJRT_Chunk, callbackError *C.PJRT_CallbackError,
	totalSize C.size_t, done C.bool, userArg unsafe.Pointer) *C.PJRT_Error {
	h := cgo.Handle(uintptr(userArg))
	state := h.Value().(*sendState)
	if bool(done) {
		defer h.Delete()
	}

	var data []byte
	if chunk != nil && chunk.data != nil && chunk.size > 0 {
		data = make([]byte, int(chunk.size))
		copy(data, unsafe.Slice((*byte)(chunk.data), int(chunk.size)))
	}
	C.pjrt_chunk_release(chunk)

	err := state.fn(state.channelID, data, int(totalSize), bool(done))
	if err == nil {
		return nil
	}
	state.latch.latch(err)
	msg, msgSize := cCString(err.Error())
	defer cFree(msg)
	return C.pjrt_invoke_callback_error(callbackError,
		C.PJRT_Error_Code(callbackErrorCode(err)), msg, msgSize)
}

func callbackErrorCode(err error) ErrorCode {
	code := CodeOf(err)
	if code == CodeOK || code == CodeUnknown {
		code = CodeInternal
	}
	return code
}

type recvState struct {
	plugin    *Plugin
	channelID int64
	fn        RecvCallback
}

//export goRecvStream
func goRecvStream(cStream *C.PJRT_CopyToDeviceStream, userArg unsafe.Pointer) {
	h := cgo.Handle(uintptr(userArg))
	state := h.Value().(*recvState)
	h.Delete()
	state.fn(state.channelID, newCopyToDeviceStream(state.plugin, cStream))
}
