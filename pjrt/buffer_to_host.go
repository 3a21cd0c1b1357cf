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
	"runtime"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// HostSize returns the number of bytes needed to hold the buffer's
// contents on host.
func (b *Buffer) HostSize() (int, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return 0, err
	}
	// A null dst turns the call into a size query.
	args := C.new_PJRT_Buffer_ToHostBuffer_Args()
	defer cFree(args)
	args.src = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_ToHostBuffer(b.plugin.api, args)); err != nil {
		return 0, err
	}
	return int(args.dst_size), nil
}

// ToHostAsync starts a device-to-host copy into dst, requesting a plain
// major-to-minor host layout. It returns the event tracking the transfer;
// dst stays pinned until the event is destroyed.
func (b *Buffer) ToHostAsync(dst []byte) (*Event, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	if len(dst) == 0 {
		return nil, invalidArgumentf("ToHost destination is empty")
	}
	dims, err := b.Dimensions()
	if err != nil {
		return nil, err
	}

	pinner := new(runtime.Pinner)
	dstPtr := unsafe.SliceData(dst)
	pinner.Pin(dstPtr)
	fail := func(err error) (*Event, error) {
		pinner.Unpin()
		return nil, err
	}

	args := C.new_PJRT_Buffer_ToHostBuffer_Args()
	defer cFree(args)
	args.src = cBuf
	args.dst = unsafe.Pointer(dstPtr)
	args.dst_size = C.size_t(len(dst))
	args.host_layout = C.pjrt_new_major_to_minor_layout(C.int(len(dims)))
	defer cFree(args.host_layout)
	if err := b.plugin.toError(C.call_PJRT_Buffer_ToHostBuffer(b.plugin.api, args)); err != nil {
		return fail(err)
	}
	if args.event == nil {
		return fail(protocolViolationf("PJRT_Buffer_ToHostBuffer returned a null event"))
	}
	return newEventWithRelease(b.plugin, args.event, pinner.Unpin), nil
}

// ToHost copies the buffer's contents into dst and waits for the transfer.
// dst must hold at least HostSize bytes.
func (b *Buffer) ToHost(dst []byte) error {
	event, err := b.ToHostAsync(dst)
	if err != nil {
		return err
	}
	if err := event.AwaitAndDestroy(); err != nil {
		return errors.WithMessagef(err, "device-to-host transfer failed")
	}
	return nil
}

// BufferToFlatData downloads the buffer into a freshly allocated flat
// slice of its element type.
func BufferToFlatData[T dtypes.Supported](b *Buffer) ([]T, error) {
	dtype, err := b.DType()
	if err != nil {
		return nil, err
	}
	if want := dtypes.FromGenericsType[T](); dtype != want {
		return nil, invalidArgumentf("buffer holds %s elements, requested %s", dtype, want)
	}
	size, err := b.HostSize()
	if err != nil {
		return nil, err
	}
	var t T
	elemSize := int(unsafe.Sizeof(t))
	if size%elemSize != 0 {
		return nil, protocolViolationf("host size %d is not a multiple of the %d-byte element size",
			size, elemSize)
	}
	flat := make([]T, size/elemSize)
	if len(flat) == 0 {
		return flat, nil
	}
	dst := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), size)
	if err := b.ToHost(dst); err != nil {
		return nil, err
	}
	return flat, nil
}

// BufferToScalar downloads a scalar buffer's single value.
func BufferToScalar[T dtypes.Supported](b *Buffer) (T, error) {
	var value T
	flat, err := BufferToFlatData[T](b)
	if err != nil {
		return value, err
	}
	if len(flat) != 1 {
		return value, invalidArgumentf("expected a scalar buffer, got %d elements", len(flat))
	}
	return flat[0], nil
}
