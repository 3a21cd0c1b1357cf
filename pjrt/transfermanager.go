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
	"k8s.io/klog/v2"
)

// ShapeSpec describes one device buffer to be filled by an async
// host-to-device transfer.
type ShapeSpec struct {
	Dims  []int64
	DType dtypes.DType
}

// AsyncTransferManager stages host-to-device transfers into a batch of
// device buffers created up front, so device allocation does not wait for
// the host data.
type AsyncTransferManager struct {
	plugin  *Plugin
	client  *Client
	wrapper *transferManagerC
}

type transferManagerC struct {
	plugin  *Plugin
	manager *C.PJRT_AsyncHostToDeviceTransferManager
}

// CreateBuffersForAsyncHostToDevice allocates one device buffer per shape
// spec and returns the manager feeding them. memory selects the target
// memory space; nil leaves the choice to the plugin.
func (c *Client) CreateBuffersForAsyncHostToDevice(specs []ShapeSpec, memory *Memory) (*AsyncTransferManager, error) {
	cClient, err := c.cClient()
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return nil, invalidArgumentf("CreateBuffersForAsyncHostToDevice requires at least one shape spec")
	}
	for i, spec := range specs {
		for _, dim := range spec.Dims {
			if dim < 0 {
				return nil, invalidArgumentf("shape spec #%d has a negative dimension %v", i, spec.Dims)
			}
		}
	}
	if !C.has_PJRT_Client_CreateBuffersForAsyncHostToDevice(c.plugin.api) {
		return nil, c.plugin.unimplemented("PJRT_Client_CreateBuffersForAsyncHostToDevice")
	}

	args := C.new_PJRT_Client_CreateBuffersForAsyncHostToDevice_Args()
	defer cFree(args)
	args.client = cClient

	var dimAllocs []*C.int64_t
	defer func() {
		for _, p := range dimAllocs {
			cFree(p)
		}
	}()
	cSpecs := cMallocArrayAndSet[C.PJRT_ShapeSpec](len(specs), func(i int) C.PJRT_ShapeSpec {
		spec := specs[i]
		dims := cInt64Array(spec.Dims)
		if dims != nil {
			dimAllocs = append(dimAllocs, dims)
		}
		return C.PJRT_ShapeSpec{
			struct_size:  C.PJRT_ShapeSpec_STRUCT_SIZE,
			dims:         dims,
			num_dims:     C.size_t(len(spec.Dims)),
			element_type: C.PJRT_Buffer_Type(spec.DType),
		}
	})
	defer cFree(cSpecs)
	args.shape_specs = cSpecs
	args.num_shape_specs = C.size_t(len(specs))
	if memory != nil {
		args.memory = memory.memory
	}

	if err := c.plugin.toError(C.call_PJRT_Client_CreateBuffersForAsyncHostToDevice(c.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.transfer_manager == nil {
		return nil, protocolViolationf(
			"PJRT_Client_CreateBuffersForAsyncHostToDevice returned a null transfer manager")
	}

	m := &AsyncTransferManager{
		plugin:  c.plugin,
		client:  c,
		wrapper: &transferManagerC{plugin: c.plugin, manager: args.transfer_manager},
	}
	runtime.AddCleanup(m, func(wrapper *transferManagerC) {
		if wrapper.manager == nil {
			return
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("failed to destroy leaked PJRT_AsyncHostToDeviceTransferManager: %v", err)
		}
	}, m.wrapper)
	return m, nil
}

func (w *transferManagerC) destroy() error {
	if w == nil || w.manager == nil {
		return nil
	}
	args := C.new_PJRT_AsyncHostToDeviceTransferManager_Destroy_Args()
	defer cFree(args)
	args.transfer_manager = w.manager
	w.manager = nil
	return w.plugin.toError(C.call_PJRT_AsyncHostToDeviceTransferManager_Destroy(w.plugin.api, args))
}

// Destroy releases the manager. Idempotent. Buffers already retrieved
// stay valid.
func (m *AsyncTransferManager) Destroy() error {
	if m == nil {
		return nil
	}
	return m.wrapper.destroy()
}

func (m *AsyncTransferManager) cManager() (*C.PJRT_AsyncHostToDeviceTransferManager, error) {
	if m == nil || m.wrapper.manager == nil {
		return nil, invalidArgumentf("PJRT_AsyncHostToDeviceTransferManager already destroyed")
	}
	return m.wrapper.manager, nil
}

// Device returns the device the staged buffers live on.
func (m *AsyncTransferManager) Device() (*Device, error) {
	cManager, err := m.cManager()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_AsyncHostToDeviceTransferManager_Device_Args()
	defer cFree(args)
	args.transfer_manager = cManager
	if err := m.plugin.toError(C.call_PJRT_AsyncHostToDeviceTransferManager_Device(m.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.device_out == nil {
		return nil, protocolViolationf(
			"PJRT_AsyncHostToDeviceTransferManager_Device returned a null device")
	}
	return newDevice(m.client, args.device_out), nil
}

// BufferCount returns the number of staged buffers.
func (m *AsyncTransferManager) BufferCount() (int, error) {
	cManager, err := m.cManager()
	if err != nil {
		return 0, err
	}
	args := C.new_PJRT_AsyncHostToDeviceTransferManager_BufferCount_Args()
	defer cFree(args)
	args.transfer_manager = cManager
	if err := m.plugin.toError(C.call_PJRT_AsyncHostToDeviceTransferManager_BufferCount(m.plugin.api, args)); err != nil {
		return 0, err
	}
	return int(args.buffer_count), nil
}

// BufferSize returns the on-device byte size of the staged buffer.
func (m *AsyncTransferManager) BufferSize(bufferIndex int) (int, error) {
	cManager, err := m.cManager()
	if err != nil {
		return 0, err
	}
	args := C.new_PJRT_AsyncHostToDeviceTransferManager_BufferSize_Args()
	defer cFree(args)
	args.transfer_manager = cManager
	args.buffer_index = C.int(bufferIndex)
	if err := m.plugin.toError(C.call_PJRT_AsyncHostToDeviceTransferManager_BufferSize(m.plugin.api, args)); err != nil {
		return 0, err
	}
	return int(args.buffer_size), nil
}

// RetrieveBuffer returns the staged buffer. Valid immediately; consumers
// observe the data once its transfers complete.
func (m *AsyncTransferManager) RetrieveBuffer(bufferIndex int) (*Buffer, error) {
	cManager, err := m.cManager()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_AsyncHostToDeviceTransferManager_RetrieveBuffer_Args()
	defer cFree(args)
	args.transfer_manager = cManager
	args.buffer_index = C.int(bufferIndex)
	if err := m.plugin.toError(C.call_PJRT_AsyncHostToDeviceTransferManager_RetrieveBuffer(m.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.buffer_out == nil {
		return nil, protocolViolationf(
			"PJRT_AsyncHostToDeviceTransferManager_RetrieveBuffer returned a null buffer for index %d",
			bufferIndex)
	}
	return newBuffer(m.client, args.buffer_out), nil
}

// TransferData copies raw bytes into the staged buffer at the given byte
// offset. isLast marks the final transfer for the buffer. The returned
// event tracks transfer completion and may be nil if the plugin finished
// synchronously; data stays pinned until the event is destroyed.
func (m *AsyncTransferManager) TransferData(bufferIndex int, data []byte, offset int64, isLast bool) (*Event, error) {
	cManager, err := m.cManager()
	if err != nil {
		return nil, err
	}
	if offset < 0 {
		return nil, invalidArgumentf("TransferData offset must be >= 0, got %d", offset)
	}

	args := C.new_PJRT_AsyncHostToDeviceTransferManager_TransferData_Args()
	defer cFree(args)
	args.transfer_manager = cManager
	args.buffer_index = C.int(bufferIndex)
	args.offset = C.int64_t(offset)
	args.transfer_size = C.int64_t(len(data))
	args.is_last_transfer = C.bool(isLast)

	pinner := new(runtime.Pinner)
	if len(data) > 0 {
		dataPtr := unsafe.SliceData(data)
		pinner.Pin(dataPtr)
		args.data = unsafe.Pointer(dataPtr)
	}
	if err := m.plugin.toError(C.call_PJRT_AsyncHostToDeviceTransferManager_TransferData(m.plugin.api, args)); err != nil {
		pinner.Unpin()
		return nil, err
	}
	if args.done_with_h2d_transfer == nil {
		pinner.Unpin()
		return nil, nil
	}
	return newEventWithRelease(m.plugin, args.done_with_h2d_transfer, pinner.Unpin), nil
}

// TransferLiteral copies a full literal (flat data plus shape) into the
// staged buffer. byteStrides optionally gives the host layout; nil means
// dense row-major. The returned event may be nil if the plugin finished
// synchronously.
func (m *AsyncTransferManager) TransferLiteral(bufferIndex int, data []byte, dims []int64, dtype dtypes.DType, byteStrides []int64) (*Event, error) {
	cManager, err := m.cManager()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, invalidArgumentf("TransferLiteral data is empty")
	}
	if !C.has_PJRT_AsyncHostToDeviceTransferManager_TransferLiteral(m.plugin.api) {
		return nil, m.plugin.unimplemented("PJRT_AsyncHostToDeviceTransferManager_TransferLiteral")
	}

	args := C.new_PJRT_AsyncHostToDeviceTransferManager_TransferLiteral_Args()
	defer cFree(args)
	args.transfer_manager = cManager
	args.buffer_index = C.int(bufferIndex)
	args.shape_element_type = C.PJRT_Buffer_Type(dtype)
	if len(dims) > 0 {
		args.shape_dims = cInt64Array(dims)
		defer cFree(args.shape_dims)
		args.shape_num_dims = C.size_t(len(dims))
	}
	if len(byteStrides) > 0 {
		cStrides := cInt64Array(byteStrides)
		defer cFree(cStrides)
		args.shape_layout = C.pjrt_new_strides_layout(cStrides, C.size_t(len(byteStrides)))
		defer cFree(args.shape_layout)
	}

	pinner := new(runtime.Pinner)
	dataPtr := unsafe.SliceData(data)
	pinner.Pin(dataPtr)
	args.data = unsafe.Pointer(dataPtr)
	if err := m.plugin.toError(C.call_PJRT_AsyncHostToDeviceTransferManager_TransferLiteral(m.plugin.api, args)); err != nil {
		pinner.Unpin()
		return nil, err
	}
	if args.done_with_h2d_transfer == nil {
		pinner.Unpin()
		return nil, nil
	}
	return newEventWithRelease(m.plugin, args.done_with_h2d_transfer, pinner.Unpin), nil
}

// SetBufferError poisons the staged buffer: consumers waiting on it
// observe the error instead of data.
func (m *AsyncTransferManager) SetBufferError(bufferIndex int, code ErrorCode, message string) error {
	cManager, err := m.cManager()
	if err != nil {
		return err
	}
	args := C.new_PJRT_AsyncHostToDeviceTransferManager_SetBufferError_Args()
	defer cFree(args)
	args.transfer_manager = cManager
	args.buffer_index = C.int(bufferIndex)
	args.error_code = C.PJRT_Error_Code(code)
	args.error_message, args.error_message_size = cCString(message)
	defer cFree(args.error_message)
	return m.plugin.toError(C.call_PJRT_AsyncHostToDeviceTransferManager_SetBufferError(m.plugin.api, args))
}

// AddMetadata attaches transfer metadata, to be set before any transfer
// starts.
func (m *AsyncTransferManager) AddMetadata(metadata NamedValuesMap) error {
	cManager, err := m.cManager()
	if err != nil {
		return err
	}
	args := C.new_PJRT_AsyncHostToDeviceTransferManager_AddMetadata_Args()
	defer cFree(args)
	args.transfer_manager = cManager
	cValues, numValues, freeValues, err := cNamedValues(metadata)
	if err != nil {
		return err
	}
	defer freeValues()
	args.transfer_metadata = cValues
	args.num_metadata = numValues
	return m.plugin.toError(C.call_PJRT_AsyncHostToDeviceTransferManager_AddMetadata(m.plugin.api, args))
}
