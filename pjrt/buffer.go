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
	"slices"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Buffer is an on-device array managed by a client.
type Buffer struct {
	client  *Client
	plugin  *Plugin
	wrapper *bufferC

	// Shape info cached at creation when known, to save ABI round trips.
	dims     []int64
	dimsSet  bool
	dtype    dtypes.DType
	dtypeSet bool
}

// bufferC holds the C handle, so a cleanup can destroy it after the Buffer
// itself is collected.
type bufferC struct {
	plugin *Plugin
	buffer *C.PJRT_Buffer
}

func newBuffer(client *Client, cBuffer *C.PJRT_Buffer) *Buffer {
	b := &Buffer{
		client:  client,
		plugin:  client.plugin,
		wrapper: &bufferC{plugin: client.plugin, buffer: cBuffer},
	}
	runtime.AddCleanup(b, func(wrapper *bufferC) {
		if wrapper.buffer == nil {
			return
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("failed to destroy leaked PJRT_Buffer: %v", err)
		}
	}, b.wrapper)
	return b
}

func (w *bufferC) destroy() error {
	if w == nil || w.buffer == nil {
		return nil
	}
	args := C.new_PJRT_Buffer_Destroy_Args()
	defer cFree(args)
	args.buffer = w.buffer
	w.buffer = nil
	return w.plugin.toError(C.call_PJRT_Buffer_Destroy(w.plugin.api, args))
}

// Destroy releases the host-side handle and the device memory behind it.
// Idempotent.
func (b *Buffer) Destroy() error {
	if b == nil {
		return nil
	}
	return b.wrapper.destroy()
}

func (b *Buffer) cBuffer() (*C.PJRT_Buffer, error) {
	if b == nil || b.wrapper.buffer == nil {
		return nil, invalidArgumentf("PJRT_Buffer already destroyed")
	}
	return b.wrapper.buffer, nil
}

// Client returns the client owning this buffer.
func (b *Buffer) Client() *Client { return b.client }

// DType returns the element type of the buffer.
func (b *Buffer) DType() (dtypes.DType, error) {
	if b.dtypeSet {
		return b.dtype, nil
	}
	cBuf, err := b.cBuffer()
	if err != nil {
		return dtypes.InvalidDType, err
	}
	args := C.new_PJRT_Buffer_ElementType_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_ElementType(b.plugin.api, args)); err != nil {
		return dtypes.InvalidDType, err
	}
	b.dtype = dtypes.DType(args._type)
	b.dtypeSet = true
	return b.dtype, nil
}

// Dimensions returns the buffer's dimensions; a scalar has none.
func (b *Buffer) Dimensions() ([]int64, error) {
	if b.dimsSet {
		return slices.Clone(b.dims), nil
	}
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Buffer_Dimensions_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_Dimensions(b.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.dims == nil && args.num_dims > 0 {
		return nil, protocolViolationf("PJRT_Buffer_Dimensions returned a null dims array with %d dims",
			int(args.num_dims))
	}
	dims := make([]int64, int(args.num_dims))
	for i, d := range cDataToSlice[C.int64_t](unsafe.Pointer(args.dims), int(args.num_dims)) {
		dims[i] = int64(d)
	}
	b.dims = slices.Clone(dims)
	b.dimsSet = true
	return dims, nil
}

// UnpaddedDimensions returns the dimensions excluding padding. Errors if
// any dimension is dynamic.
func (b *Buffer) UnpaddedDimensions() ([]int64, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Buffer_UnpaddedDimensions_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_UnpaddedDimensions(b.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.unpadded_dims == nil && args.num_dims > 0 {
		return nil, protocolViolationf("PJRT_Buffer_UnpaddedDimensions returned a null array with %d dims",
			int(args.num_dims))
	}
	dims := make([]int64, int(args.num_dims))
	for i, d := range cDataToSlice[C.int64_t](unsafe.Pointer(args.unpadded_dims), int(args.num_dims)) {
		dims[i] = int64(d)
	}
	return dims, nil
}

// DynamicDimensionIndices returns the indices of dimensions whose size is
// only known at runtime.
func (b *Buffer) DynamicDimensionIndices() ([]int, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Buffer_DynamicDimensionIndices_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_DynamicDimensionIndices(b.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.dynamic_dim_indices == nil && args.num_dynamic_dims > 0 {
		return nil, protocolViolationf(
			"PJRT_Buffer_DynamicDimensionIndices returned a null array with %d entries",
			int(args.num_dynamic_dims))
	}
	indices := make([]int, int(args.num_dynamic_dims))
	for i, x := range cDataToSlice[C.size_t](unsafe.Pointer(args.dynamic_dim_indices), int(args.num_dynamic_dims)) {
		indices[i] = int(x)
	}
	return indices, nil
}

// Layout describes how a buffer is laid out in memory: either explicit byte
// strides, or a minor-to-major dimension order.
type Layout struct {
	// ByteStrides is set for strided layouts, one entry per dimension.
	ByteStrides []int64
	// MinorToMajor is set for tiled layouts.
	MinorToMajor []int64
}

// MemoryLayout returns the buffer's on-device layout.
func (b *Buffer) MemoryLayout() (*Layout, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Buffer_GetMemoryLayout_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_GetMemoryLayout(b.plugin.api, args)); err != nil {
		return nil, err
	}
	layout := &Layout{}
	switch C.pjrt_layout_type(&args.layout) {
	case C.PJRT_Buffer_MemoryLayout_Type_Strides:
		n := int(C.pjrt_layout_num_strides(&args.layout))
		cStrides := C.pjrt_layout_strides(&args.layout)
		if cStrides == nil && n > 0 {
			return nil, protocolViolationf("strided layout has null strides with %d entries", n)
		}
		layout.ByteStrides = make([]int64, n)
		for i, s := range cDataToSlice[C.int64_t](unsafe.Pointer(cStrides), n) {
			layout.ByteStrides[i] = int64(s)
		}
	case C.PJRT_Buffer_MemoryLayout_Type_Tiled:
		n := int(C.pjrt_layout_minor_to_major_size(&args.layout))
		cM2M := C.pjrt_layout_minor_to_major(&args.layout)
		if cM2M == nil && n > 0 {
			return nil, protocolViolationf("tiled layout has null minor_to_major with %d entries", n)
		}
		layout.MinorToMajor = make([]int64, n)
		for i, s := range cDataToSlice[C.int64_t](unsafe.Pointer(cM2M), n) {
			layout.MinorToMajor[i] = int64(s)
		}
	default:
		return nil, protocolViolationf("unknown memory layout type %d",
			int(C.pjrt_layout_type(&args.layout)))
	}
	return layout, nil
}

// OnDeviceSizeInBytes returns the buffer's size on device, padding included.
func (b *Buffer) OnDeviceSizeInBytes() (int, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return 0, err
	}
	args := C.new_PJRT_Buffer_OnDeviceSizeInBytes_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_OnDeviceSizeInBytes(b.plugin.api, args)); err != nil {
		return 0, err
	}
	return int(args.on_device_size_in_bytes), nil
}

// Device returns the device holding this buffer.
func (b *Buffer) Device() (*Device, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Buffer_Device_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_Device(b.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.device == nil {
		return nil, protocolViolationf("PJRT_Buffer_Device returned a null device")
	}
	return newDevice(b.client, args.device), nil
}

// Memory returns the memory space holding this buffer.
func (b *Buffer) Memory() (*Memory, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	if !C.has_PJRT_Buffer_Memory(b.plugin.api) {
		return nil, b.plugin.unimplemented("PJRT_Buffer_Memory")
	}
	args := C.new_PJRT_Buffer_Memory_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_Memory(b.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.memory == nil {
		return nil, protocolViolationf("PJRT_Buffer_Memory returned a null memory")
	}
	return newMemory(b.client, args.memory), nil
}

// Delete frees the device memory while keeping the host-side handle valid.
// Later operations on the buffer fail; Delete on a deleted buffer is a
// no-op.
func (b *Buffer) Delete() error {
	cBuf, err := b.cBuffer()
	if err != nil {
		return err
	}
	args := C.new_PJRT_Buffer_Delete_Args()
	defer cFree(args)
	args.buffer = cBuf
	return b.plugin.toError(C.call_PJRT_Buffer_Delete(b.plugin.api, args))
}

// IsDeleted reports whether the device memory has been freed.
func (b *Buffer) IsDeleted() (bool, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return false, err
	}
	args := C.new_PJRT_Buffer_IsDeleted_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_IsDeleted(b.plugin.api, args)); err != nil {
		return false, err
	}
	return bool(args.is_deleted), nil
}

// IsOnCpu reports whether the buffer lives in host memory.
func (b *Buffer) IsOnCpu() (bool, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return false, err
	}
	args := C.new_PJRT_Buffer_IsOnCpu_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_IsOnCpu(b.plugin.api, args)); err != nil {
		return false, err
	}
	return bool(args.is_on_cpu), nil
}

// ReadyEvent returns an event resolving when the buffer's contents are
// ready, after the producing computation or transfer completed. The caller
// owns the event.
func (b *Buffer) ReadyEvent() (*Event, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Buffer_ReadyEvent_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_ReadyEvent(b.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.event == nil {
		return nil, protocolViolationf("PJRT_Buffer_ReadyEvent returned a null event")
	}
	return newEvent(b.plugin, args.event), nil
}

// CopyToDevice copies the buffer to another device of the same client.
func (b *Buffer) CopyToDevice(dst *Device) (*Buffer, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	if dst == nil {
		return nil, invalidArgumentf("CopyToDevice destination device is nil")
	}
	args := C.new_PJRT_Buffer_CopyToDevice_Args()
	defer cFree(args)
	args.buffer = cBuf
	args.dst_device = dst.device
	if err := b.plugin.toError(C.call_PJRT_Buffer_CopyToDevice(b.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.dst_buffer == nil {
		return nil, protocolViolationf("PJRT_Buffer_CopyToDevice returned a null buffer")
	}
	return newBuffer(b.client, args.dst_buffer), nil
}

// CopyToMemory copies the buffer to another memory space.
func (b *Buffer) CopyToMemory(dst *Memory) (*Buffer, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	if dst == nil {
		return nil, invalidArgumentf("CopyToMemory destination memory is nil")
	}
	if !C.has_PJRT_Buffer_CopyToMemory(b.plugin.api) {
		return nil, b.plugin.unimplemented("PJRT_Buffer_CopyToMemory")
	}
	args := C.new_PJRT_Buffer_CopyToMemory_Args()
	defer cFree(args)
	args.buffer = cBuf
	args.dst_memory = dst.memory
	if err := b.plugin.toError(C.call_PJRT_Buffer_CopyToMemory(b.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.dst_buffer == nil {
		return nil, protocolViolationf("PJRT_Buffer_CopyToMemory returned a null buffer")
	}
	return newBuffer(b.client, args.dst_buffer), nil
}

// CopyRawToHost starts a copy of transferSize bytes, from the given byte
// offset in the device buffer, into dst. It returns an event tracking the
// transfer; dst must stay valid until it resolves.
func (b *Buffer) CopyRawToHost(dst []byte, offset int64) (*Event, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, invalidArgumentf("CopyRawToHost offset must be >= 0, got %d", offset)
	}
	if len(dst) == 0 {
		return nil, invalidArgumentf("CopyRawToHost destination is empty")
	}
	if !C.has_PJRT_Buffer_CopyRawToHost(b.plugin.api) {
		return nil, b.plugin.unimplemented("PJRT_Buffer_CopyRawToHost")
	}

	// dst stays pinned until the returned event is destroyed: the plugin
	// writes into it asynchronously.
	pinner := new(runtime.Pinner)
	dstPtr := unsafe.SliceData(dst)
	pinner.Pin(dstPtr)

	args := C.new_PJRT_Buffer_CopyRawToHost_Args()
	defer cFree(args)
	args.buffer = cBuf
	args.dst = unsafe.Pointer(dstPtr)
	args.offset = C.int64_t(offset)
	args.transfer_size = C.int64_t(len(dst))
	if err := b.plugin.toError(C.call_PJRT_Buffer_CopyRawToHost(b.plugin.api, args)); err != nil {
		pinner.Unpin()
		return nil, err
	}
	if args.event == nil {
		pinner.Unpin()
		return nil, protocolViolationf("PJRT_Buffer_CopyRawToHost returned a null event")
	}
	return newEventWithRelease(b.plugin, args.event, pinner.Unpin), nil
}

// UnsafePointer returns the platform-dependent address of the buffer data,
// for interoperability with other device runtimes.
func (b *Buffer) UnsafePointer() (uintptr, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return 0, err
	}
	if !C.has_PJRT_Buffer_UnsafePointer(b.plugin.api) {
		return 0, b.plugin.unimplemented("PJRT_Buffer_UnsafePointer")
	}
	args := C.new_PJRT_Buffer_UnsafePointer_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_UnsafePointer(b.plugin.api, args)); err != nil {
		return 0, err
	}
	return uintptr(args.buffer_pointer), nil
}

// IncreaseExternalReferenceCount pins the device memory for external
// consumers: the plugin will not free it while the count is positive.
func (b *Buffer) IncreaseExternalReferenceCount() error {
	cBuf, err := b.cBuffer()
	if err != nil {
		return err
	}
	args := C.new_PJRT_Buffer_IncreaseExternalReferenceCount_Args()
	defer cFree(args)
	args.buffer = cBuf
	return b.plugin.toError(C.call_PJRT_Buffer_IncreaseExternalReferenceCount(b.plugin.api, args))
}

// DecreaseExternalReferenceCount undoes IncreaseExternalReferenceCount.
// Fails if the count is already zero.
func (b *Buffer) DecreaseExternalReferenceCount() error {
	cBuf, err := b.cBuffer()
	if err != nil {
		return err
	}
	args := C.new_PJRT_Buffer_DecreaseExternalReferenceCount_Args()
	defer cFree(args)
	args.buffer = cBuf
	return b.plugin.toError(C.call_PJRT_Buffer_DecreaseExternalReferenceCount(b.plugin.api, args))
}

// OpaqueDeviceMemoryDataPointer returns the raw device memory pointer.
// Only meaningful while an external reference is held.
func (b *Buffer) OpaqueDeviceMemoryDataPointer() (unsafe.Pointer, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	if !C.has_PJRT_Buffer_OpaqueDeviceMemoryDataPointer(b.plugin.api) {
		return nil, b.plugin.unimplemented("PJRT_Buffer_OpaqueDeviceMemoryDataPointer")
	}
	args := C.new_PJRT_Buffer_OpaqueDeviceMemoryDataPointer_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_OpaqueDeviceMemoryDataPointer(b.plugin.api, args)); err != nil {
		return nil, err
	}
	return args.device_memory_ptr, nil
}

// DonateWithControlDependency donates the buffer's device memory to a new
// buffer that only becomes usable once dependency resolves. The plugin
// hands back a notification callback which is invoked exactly once with
// the dependency's final status; the original buffer must not be used
// afterwards.
func (b *Buffer) DonateWithControlDependency(dependency *Event) (*Buffer, error) {
	cBuf, err := b.cBuffer()
	if err != nil {
		return nil, err
	}
	if dependency == nil {
		return nil, invalidArgumentf("DonateWithControlDependency dependency event is nil")
	}
	if !C.has_PJRT_Buffer_DonateWithControlDependency(b.plugin.api) {
		return nil, b.plugin.unimplemented("PJRT_Buffer_DonateWithControlDependency")
	}

	args := C.new_PJRT_Buffer_DonateWithControlDependency_Args()
	defer cFree(args)
	args.buffer = cBuf
	if err := b.plugin.toError(C.call_PJRT_Buffer_DonateWithControlDependency(b.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.dependency_ready_callback == nil {
		return nil, protocolViolationf(
			"PJRT_Buffer_DonateWithControlDependency returned a null dependency callback")
	}
	if args.out_buffer == nil {
		return nil, protocolViolationf(
			"PJRT_Buffer_DonateWithControlDependency returned a null buffer")
	}

	depErr := dependency.OK()
	code := C.PJRT_Error_Code(C.PJRT_Error_Code_OK)
	var cMsg *C.char
	var cMsgSize C.size_t
	if depErr != nil {
		code = C.PJRT_Error_Code_UNKNOWN
		cMsg, cMsgSize = cCString(depErr.Error())
		defer cFree(cMsg)
	}
	C.pjrt_invoke_donate_callback(args.dependency_ready_callback, args.callback_data,
		code, cMsg, cMsgSize)

	if depErr != nil {
		return nil, errors.WithMessagef(depErr, "dependency event failed")
	}
	return newBuffer(b.client, args.out_buffer), nil
}
