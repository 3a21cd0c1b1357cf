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

	"k8s.io/klog/v2"
)

// Device is one device of a client. The underlying handle is owned by the
// client and needs no destruction.
type Device struct {
	plugin *Plugin
	client *Client
	device *C.PJRT_Device
}

func newDevice(client *Client, cDevice *C.PJRT_Device) *Device {
	return &Device{plugin: client.plugin, client: client, device: cDevice}
}

// Client returns the client this device belongs to.
func (d *Device) Client() *Client { return d.client }

// Description returns the device's static description.
func (d *Device) Description() (*DeviceDescription, error) {
	args := C.new_PJRT_Device_GetDescription_Args()
	defer cFree(args)
	args.device = d.device
	if err := d.plugin.toError(C.call_PJRT_Device_GetDescription(d.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.device_description == nil {
		return nil, protocolViolationf("PJRT_Device_GetDescription returned a null description")
	}
	return &DeviceDescription{plugin: d.plugin, description: args.device_description}, nil
}

// IsAddressable reports whether this process can issue work to the device.
func (d *Device) IsAddressable() (bool, error) {
	args := C.new_PJRT_Device_IsAddressable_Args()
	defer cFree(args)
	args.device = d.device
	if err := d.plugin.toError(C.call_PJRT_Device_IsAddressable(d.plugin.api, args)); err != nil {
		return false, err
	}
	return bool(args.is_addressable), nil
}

// LocalHardwareID returns the device's opaque local id, which matches the
// hardware numbering (e.g. a CUDA device ordinal).
func (d *Device) LocalHardwareID() (int, error) {
	args := C.new_PJRT_Device_LocalHardwareId_Args()
	defer cFree(args)
	args.device = d.device
	if err := d.plugin.toError(C.call_PJRT_Device_LocalHardwareId(d.plugin.api, args)); err != nil {
		return -1, err
	}
	return int(args.local_hardware_id), nil
}

// AddressableMemories returns the memory spaces attached to the device.
func (d *Device) AddressableMemories() ([]*Memory, error) {
	args := C.new_PJRT_Device_AddressableMemories_Args()
	defer cFree(args)
	args.device = d.device
	if err := d.plugin.toError(C.call_PJRT_Device_AddressableMemories(d.plugin.api, args)); err != nil {
		return nil, err
	}
	cMemories := cDataToSlice[*C.PJRT_Memory](unsafe.Pointer(args.memories), int(args.num_memories))
	memories := make([]*Memory, len(cMemories))
	for ii, m := range cMemories {
		memories[ii] = newMemory(d.client, m)
	}
	return memories, nil
}

// DefaultMemory returns the memory space buffers land in by default.
func (d *Device) DefaultMemory() (*Memory, error) {
	args := C.new_PJRT_Device_DefaultMemory_Args()
	defer cFree(args)
	args.device = d.device
	if err := d.plugin.toError(C.call_PJRT_Device_DefaultMemory(d.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.memory == nil {
		return nil, protocolViolationf("PJRT_Device_DefaultMemory returned a null memory")
	}
	return newMemory(d.client, args.memory), nil
}

// MemoryStats is an allocator snapshot for one device. BytesInUse is always
// populated; every other counter has a matching Has* presence flag since
// not all allocators track all of them.
type MemoryStats struct {
	BytesInUse int64

	PeakBytesInUse      int64
	HasPeakBytesInUse   bool
	NumAllocs           int64
	HasNumAllocs        bool
	LargestAllocSize    int64
	HasLargestAllocSize bool
	BytesLimit          int64
	HasBytesLimit       bool

	BytesReserved           int64
	HasBytesReserved        bool
	PeakBytesReserved       int64
	HasPeakBytesReserved    bool
	BytesReservableLimit    int64
	HasBytesReservableLimit bool

	LargestFreeBlockBytes    int64
	HasLargestFreeBlockBytes bool

	PoolBytes        int64
	HasPoolBytes     bool
	PeakPoolBytes    int64
	HasPeakPoolBytes bool
}

// MemoryStats returns the device allocator's current statistics. Optional
// for plugins; absent implementations report CodeUnimplemented.
func (d *Device) MemoryStats() (*MemoryStats, error) {
	if !C.has_PJRT_Device_MemoryStats(d.plugin.api) {
		return nil, d.plugin.unimplemented("PJRT_Device_MemoryStats")
	}
	args := C.new_PJRT_Device_MemoryStats_Args()
	defer cFree(args)
	args.device = d.device
	if err := d.plugin.toError(C.call_PJRT_Device_MemoryStats(d.plugin.api, args)); err != nil {
		return nil, err
	}
	return &MemoryStats{
		BytesInUse: int64(args.bytes_in_use),

		PeakBytesInUse:      int64(args.peak_bytes_in_use),
		HasPeakBytesInUse:   bool(args.peak_bytes_in_use_is_set),
		NumAllocs:           int64(args.num_allocs),
		HasNumAllocs:        bool(args.num_allocs_is_set),
		LargestAllocSize:    int64(args.largest_alloc_size),
		HasLargestAllocSize: bool(args.largest_alloc_size_is_set),
		BytesLimit:          int64(args.bytes_limit),
		HasBytesLimit:       bool(args.bytes_limit_is_set),

		BytesReserved:           int64(args.bytes_reserved),
		HasBytesReserved:        bool(args.bytes_reserved_is_set),
		PeakBytesReserved:       int64(args.peak_bytes_reserved),
		HasPeakBytesReserved:    bool(args.peak_bytes_reserved_is_set),
		BytesReservableLimit:    int64(args.bytes_reservable_limit),
		HasBytesReservableLimit: bool(args.bytes_reservable_limit_is_set),

		LargestFreeBlockBytes:    int64(args.largest_free_block_bytes),
		HasLargestFreeBlockBytes: bool(args.largest_free_block_bytes_is_set),

		PoolBytes:        int64(args.pool_bytes),
		HasPoolBytes:     bool(args.pool_bytes_is_set),
		PeakPoolBytes:    int64(args.peak_pool_bytes),
		HasPeakPoolBytes: bool(args.peak_pool_bytes_is_set),
	}, nil
}

// PoisonExecution marks the in-flight execution with the given launch id as
// failed, handing the cause's code and message to the plugin. Returns
// whether an execution was actually poisoned.
func (d *Device) PoisonExecution(launchID int32, cause error) (bool, error) {
	if !C.has_PJRT_Device_PoisonExecution(d.plugin.api) {
		return false, d.plugin.unimplemented("PJRT_Device_PoisonExecution")
	}
	args := C.new_PJRT_Device_PoisonExecution_Args()
	defer cFree(args)
	args.device = d.device
	args.launch_id = C.int32_t(launchID)
	args.error_code = C.PJRT_Error_Code(callbackErrorCode(cause))
	if cause != nil {
		args.error_message, args.error_message_size = cCString(cause.Error())
		defer cFree(args.error_message)
	}
	if err := d.plugin.toError(C.call_PJRT_Device_PoisonExecution(d.plugin.api, args)); err != nil {
		return false, err
	}
	return bool(args.poisoned), nil
}

// AsyncTrackingEvent tags asynchronous work on a device for debugging and
// profiling. It carries no status; destroying it ends the tracking scope.
type AsyncTrackingEvent struct {
	plugin  *Plugin
	wrapper *asyncTrackingEventC
}

type asyncTrackingEventC struct {
	plugin *Plugin
	event  *C.PJRT_AsyncTrackingEvent
}

// CreateAsyncTrackingEvent creates a tracking event on this device with a
// human-readable description.
func (d *Device) CreateAsyncTrackingEvent(description string) (*AsyncTrackingEvent, error) {
	if !C.has_PJRT_Device_CreateAsyncTrackingEvent(d.plugin.api) {
		return nil, d.plugin.unimplemented("PJRT_Device_CreateAsyncTrackingEvent")
	}
	args := C.new_PJRT_Device_CreateAsyncTrackingEvent_Args()
	defer cFree(args)
	args.device = d.device
	if description != "" {
		args.description, args.description_size = cCString(description)
		defer cFree(args.description)
	}
	if err := d.plugin.toError(C.call_PJRT_Device_CreateAsyncTrackingEvent(d.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.event == nil {
		return nil, protocolViolationf("PJRT_Device_CreateAsyncTrackingEvent returned a null event")
	}
	e := &AsyncTrackingEvent{
		plugin:  d.plugin,
		wrapper: &asyncTrackingEventC{plugin: d.plugin, event: args.event},
	}
	runtime.AddCleanup(e, func(wrapper *asyncTrackingEventC) {
		if wrapper.event == nil {
			return
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("failed to destroy leaked PJRT_AsyncTrackingEvent: %v", err)
		}
	}, e.wrapper)
	return e, nil
}

func (w *asyncTrackingEventC) destroy() error {
	if w.event == nil {
		return nil
	}
	if !C.has_PJRT_AsyncTrackingEvent_Destroy(w.plugin.api) {
		w.event = nil
		return nil
	}
	args := C.new_PJRT_AsyncTrackingEvent_Destroy_Args()
	defer cFree(args)
	args.event = w.event
	w.event = nil
	return w.plugin.toError(C.call_PJRT_AsyncTrackingEvent_Destroy(w.plugin.api, args))
}

// Destroy releases the tracking event. Safe to call more than once.
func (e *AsyncTrackingEvent) Destroy() error {
	return e.wrapper.destroy()
}

// DeviceDescription describes a device without requiring it to be
// addressable. Descriptions are owned by the plugin or topology that
// produced them.
type DeviceDescription struct {
	plugin      *Plugin
	description *C.PJRT_DeviceDescription
}

// ID returns the device's global id, unique across the runtime.
func (d *DeviceDescription) ID() (int, error) {
	args := C.new_PJRT_DeviceDescription_Id_Args()
	defer cFree(args)
	args.device_description = d.description
	if err := d.plugin.toError(C.call_PJRT_DeviceDescription_Id(d.plugin.api, args)); err != nil {
		return -1, err
	}
	return int(args.id), nil
}

// ProcessIndex returns the index of the process that can address the
// described device.
func (d *DeviceDescription) ProcessIndex() (int, error) {
	args := C.new_PJRT_DeviceDescription_ProcessIndex_Args()
	defer cFree(args)
	args.device_description = d.description
	if err := d.plugin.toError(C.call_PJRT_DeviceDescription_ProcessIndex(d.plugin.api, args)); err != nil {
		return -1, err
	}
	return int(args.process_index), nil
}

// Kind returns the device kind, e.g. "cpu" or "TPU v5e".
func (d *DeviceDescription) Kind() (string, error) {
	args := C.new_PJRT_DeviceDescription_Kind_Args()
	defer cFree(args)
	args.device_description = d.description
	if err := d.plugin.toError(C.call_PJRT_DeviceDescription_Kind(d.plugin.api, args)); err != nil {
		return "", err
	}
	return cCharArray(args.device_kind, args.device_kind_size), nil
}

// DebugString returns a verbose description for logs and error messages.
func (d *DeviceDescription) DebugString() (string, error) {
	args := C.new_PJRT_DeviceDescription_DebugString_Args()
	defer cFree(args)
	args.device_description = d.description
	if err := d.plugin.toError(C.call_PJRT_DeviceDescription_DebugString(d.plugin.api, args)); err != nil {
		return "", err
	}
	return cCharArray(args.debug_string, args.debug_string_size), nil
}

// ToString returns a short display string.
func (d *DeviceDescription) ToString() (string, error) {
	args := C.new_PJRT_DeviceDescription_ToString_Args()
	defer cFree(args)
	args.device_description = d.description
	if err := d.plugin.toError(C.call_PJRT_DeviceDescription_ToString(d.plugin.api, args)); err != nil {
		return "", err
	}
	return cCharArray(args.to_string, args.to_string_size), nil
}

// Attributes returns the description's named attributes, decoded.
func (d *DeviceDescription) Attributes() (NamedValuesMap, error) {
	args := C.new_PJRT_DeviceDescription_Attributes_Args()
	defer cFree(args)
	args.device_description = d.description
	if err := d.plugin.toError(C.call_PJRT_DeviceDescription_Attributes(d.plugin.api, args)); err != nil {
		return nil, err
	}
	return namedValuesToMap(args.attributes, args.num_attributes)
}
