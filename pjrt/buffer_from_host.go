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
	"reflect"
	"runtime"
	"slices"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// HostBufferSemantics tells the plugin how long it may read the host data
// handed to a transfer.
type HostBufferSemantics int

const (
	// ImmutableOnlyDuringCall: the plugin copies the data before the call
	// returns.
	ImmutableOnlyDuringCall HostBufferSemantics = C.PJRT_HostBufferSemantics_kImmutableOnlyDuringCall
	// ImmutableUntilTransferCompletes: the data must stay valid until the
	// done event resolves.
	ImmutableUntilTransferCompletes HostBufferSemantics = C.PJRT_HostBufferSemantics_kImmutableUntilTransferCompletes
	// ImmutableZeroCopy: the plugin may alias the host data indefinitely.
	ImmutableZeroCopy HostBufferSemantics = C.PJRT_HostBufferSemantics_kImmutableZeroCopy
	// MutableZeroCopy: like ImmutableZeroCopy, and the plugin may also
	// write through the alias.
	MutableZeroCopy HostBufferSemantics = C.PJRT_HostBufferSemantics_kMutableZeroCopy
)

// BufferFromHostConfig configures a host-to-device transfer. Create it with
// Client.BufferFromHost, chain the With*/From*/To* calls and finish with
// Done (synchronous) or DoneAsync.
type BufferFromHostConfig struct {
	client      *Client
	data        []byte
	dtype       dtypes.DType
	dimensions  []int64
	byteStrides []int64
	device      *Device
	memory      *Memory
	semantics   HostBufferSemantics

	deviceLayoutStrides []int64
	hasDeviceLayout     bool

	// err latches the first configuration error; Done returns it.
	err error
}

// BufferFromHost starts the configuration of a host-to-device transfer.
func (c *Client) BufferFromHost() *BufferFromHostConfig {
	return &BufferFromHostConfig{
		client:    c,
		semantics: ImmutableOnlyDuringCall,
	}
}

// FromRawData configures the source data: raw bytes plus the array shape.
func (b *BufferFromHostConfig) FromRawData(data []byte, dtype dtypes.DType, dimensions []int64) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	b.data = data
	b.dtype = dtype
	b.dimensions = dimensions
	return b
}

// FromFlatDataWithDimensions configures the source from a flat slice of any
// supported Go type plus the dimensions. The slice length must match the
// product of the dimensions.
func (b *BufferFromHostConfig) FromFlatDataWithDimensions(flat any, dimensions []int64) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	expectedSize := int64(1)
	for _, dim := range dimensions {
		if dim <= 0 {
			b.err = errors.Errorf("FromFlatDataWithDimensions requires positive dimensions, got %v", dimensions)
			return b
		}
		expectedSize *= dim
	}
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		b.err = errors.Errorf("FromFlatDataWithDimensions requires a slice, got %s", flatV.Kind())
		return b
	}
	if int64(flatV.Len()) != expectedSize {
		b.err = errors.Errorf("FromFlatDataWithDimensions(flat, dimensions=%v) needs %d values, got len(flat)=%d",
			dimensions, expectedSize, flatV.Len())
		return b
	}
	element0Type := flatV.Type().Elem()
	dtype := dtypes.FromGoType(element0Type)
	if dtype == dtypes.InvalidDType {
		b.err = errors.Errorf("FromFlatDataWithDimensions got flat=[]%s, which has no matching element type",
			element0Type)
		return b
	}
	sizeBytes := uintptr(flatV.Len()) * element0Type.Size()
	data := unsafe.Slice((*byte)(flatV.Index(0).Addr().UnsafePointer()), sizeBytes)
	return b.FromRawData(data, dtype, dimensions)
}

// WithByteStrides overrides the default dense row-major interpretation of
// the host data. One stride per dimension.
func (b *BufferFromHostConfig) WithByteStrides(strides []int64) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	b.byteStrides = strides
	return b
}

// WithSemantics selects the host buffer semantics; the default is
// ImmutableOnlyDuringCall.
func (b *BufferFromHostConfig) WithSemantics(semantics HostBufferSemantics) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	b.semantics = semantics
	return b
}

// WithDeviceLayoutStrides requests an explicit strided device layout.
func (b *BufferFromHostConfig) WithDeviceLayoutStrides(strides []int64) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	b.deviceLayoutStrides = strides
	b.hasDeviceLayout = true
	return b
}

// ToDevice selects the destination device. Defaults to the first
// addressable device.
func (b *BufferFromHostConfig) ToDevice(device *Device) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if device == nil {
		b.err = errors.New("BufferFromHost().ToDevice() given a nil device")
		return b
	}
	addressable, err := device.IsAddressable()
	if err != nil {
		b.err = errors.WithMessagef(err, "BufferFromHost().ToDevice() failed to check whether device is addressable")
		return b
	}
	if !addressable {
		b.err = errors.New("BufferFromHost().ToDevice() given a non addressable device")
		return b
	}
	b.device = device
	return b
}

// ToDeviceNum selects the destination device by its index in
// Client.AddressableDevices.
func (b *BufferFromHostConfig) ToDeviceNum(deviceNum int) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if deviceNum < 0 || deviceNum >= len(b.client.addressableDevices) {
		b.err = errors.Errorf("BufferFromHost().ToDeviceNum() invalid deviceNum=%d, only %d addressable devices available",
			deviceNum, len(b.client.addressableDevices))
		return b
	}
	return b.ToDevice(b.client.addressableDevices[deviceNum])
}

// ToMemory selects a destination memory space instead of a device.
func (b *BufferFromHostConfig) ToMemory(memory *Memory) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if memory == nil {
		b.err = errors.New("BufferFromHost().ToMemory() given a nil memory")
		return b
	}
	b.memory = memory
	return b
}

func (b *BufferFromHostConfig) validate() error {
	if b.err != nil {
		return b.err
	}
	numElements := int64(1)
	for _, dim := range b.dimensions {
		if dim < 0 {
			return invalidArgumentf("dimensions must be >= 0, got %v", b.dimensions)
		}
		numElements *= dim
	}
	if len(b.data) == 0 && numElements > 0 {
		return invalidArgumentf("no host data configured for a %v array", b.dimensions)
	}
	if b.byteStrides != nil && len(b.byteStrides) != len(b.dimensions) {
		return invalidArgumentf("%d byte strides for %d dimensions", len(b.byteStrides), len(b.dimensions))
	}
	if b.device != nil && b.memory != nil {
		return invalidArgumentf("destination device and destination memory are mutually exclusive")
	}
	return nil
}

// DoneAsync starts the transfer. It returns the new buffer and, if the
// plugin reports one, an event resolving when the host data has been
// consumed. The host data stays pinned until that event is destroyed.
func (b *BufferFromHostConfig) DoneAsync() (*Buffer, *Event, error) {
	if err := b.validate(); err != nil {
		return nil, nil, err
	}
	cClient, err := b.client.cClient()
	if err != nil {
		return nil, nil, err
	}
	defer runtime.KeepAlive(b)

	if b.device == nil && b.memory == nil {
		devices := b.client.AddressableDevices()
		if len(devices) == 0 {
			return nil, nil, errors.New("BufferFromHost found no addressable device to transfer to")
		}
		b.device = devices[0]
	}

	pinner := new(runtime.Pinner)
	var dataPtr *byte
	if len(b.data) > 0 {
		dataPtr = unsafe.SliceData(b.data)
		pinner.Pin(dataPtr)
	}
	fail := func(err error) (*Buffer, *Event, error) {
		pinner.Unpin()
		return nil, nil, err
	}

	args := C.new_PJRT_Client_BufferFromHostBuffer_Args()
	defer cFree(args)
	args.client = cClient
	args.data = unsafe.Pointer(dataPtr)
	args._type = C.PJRT_Buffer_Type(b.dtype)
	args.num_dims = C.size_t(len(b.dimensions))
	args.dims = cInt64Array(b.dimensions)
	defer cFree(args.dims)
	if b.byteStrides != nil {
		args.byte_strides = cInt64Array(b.byteStrides)
		defer cFree(args.byte_strides)
		args.num_byte_strides = C.size_t(len(b.byteStrides))
	}
	args.host_buffer_semantics = C.PJRT_HostBufferSemantics(b.semantics)
	if b.device != nil {
		args.device = b.device.device
	}
	if b.memory != nil {
		args.memory = b.memory.memory
	}
	if b.hasDeviceLayout {
		cStrides := cInt64Array(b.deviceLayoutStrides)
		defer cFree(cStrides)
		args.device_layout = C.pjrt_new_strides_layout(cStrides, C.size_t(len(b.deviceLayoutStrides)))
		defer cFree(args.device_layout)
	}

	if err := b.client.plugin.toError(C.call_PJRT_Client_BufferFromHostBuffer(b.client.plugin.api, args)); err != nil {
		return fail(err)
	}
	if args.buffer == nil {
		return fail(protocolViolationf("PJRT_Client_BufferFromHostBuffer returned a null buffer"))
	}
	buffer := newBuffer(b.client, args.buffer)
	buffer.dims = slices.Clone(b.dimensions)
	buffer.dimsSet = true
	buffer.dtype = b.dtype
	buffer.dtypeSet = true

	var done *Event
	if args.done_with_host_buffer != nil {
		done = newEventWithRelease(b.client.plugin, args.done_with_host_buffer, pinner.Unpin)
	} else {
		pinner.Unpin()
	}
	return buffer, done, nil
}

// Done starts the transfer and waits for the plugin to be finished with
// the host data.
func (b *BufferFromHostConfig) Done() (*Buffer, error) {
	buffer, done, err := b.DoneAsync()
	if err != nil {
		return nil, err
	}
	if done != nil {
		// Await even under ImmutableOnlyDuringCall: some plugins implement
		// the transfer asynchronously regardless.
		if err := done.AwaitAndDestroy(); err != nil {
			_ = buffer.Destroy()
			return nil, errors.WithMessagef(err, "host-to-device transfer failed")
		}
	}
	return buffer, nil
}

// BufferFromHostSlice uploads a typed flat slice as an array with the given
// dimensions, waiting for the transfer to finish. A generic convenience
// over Client.BufferFromHost.
func BufferFromHostSlice[T dtypes.Supported](c *Client, flat []T, dimensions []int64) (*Buffer, error) {
	dtype := dtypes.FromGenericsType[T]()
	var data []byte
	if len(flat) > 0 {
		var t T
		data = unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))),
			len(flat)*int(unsafe.Sizeof(t)))
	}
	return c.BufferFromHost().FromRawData(data, dtype, dimensions).Done()
}

// ScalarToBuffer uploads a single value as a scalar buffer.
func ScalarToBuffer[T dtypes.Supported](c *Client, value T) (*Buffer, error) {
	return BufferFromHostSlice(c, []T{value}, nil)
}
