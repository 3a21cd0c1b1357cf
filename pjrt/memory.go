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
	"unsafe"
)

// Memory is one memory space of a client (e.g. device HBM, pinned host
// memory). The handle is owned by the client.
type Memory struct {
	plugin *Plugin
	client *Client
	memory *C.PJRT_Memory
}

func newMemory(client *Client, cMemory *C.PJRT_Memory) *Memory {
	return &Memory{plugin: client.plugin, client: client, memory: cMemory}
}

// ID returns the memory's id, unique within the client.
func (m *Memory) ID() (int, error) {
	args := C.new_PJRT_Memory_Id_Args()
	defer cFree(args)
	args.memory = m.memory
	if err := m.plugin.toError(C.call_PJRT_Memory_Id(m.plugin.api, args)); err != nil {
		return -1, err
	}
	return int(args.id), nil
}

// Kind returns the platform-specific memory kind, e.g. "device" or
// "pinned_host".
func (m *Memory) Kind() (string, error) {
	args := C.new_PJRT_Memory_Kind_Args()
	defer cFree(args)
	args.memory = m.memory
	if err := m.plugin.toError(C.call_PJRT_Memory_Kind(m.plugin.api, args)); err != nil {
		return "", err
	}
	return cCharArray(args.kind, args.kind_size), nil
}

// KindID returns the integer id matching Kind.
func (m *Memory) KindID() (int, error) {
	if !C.has_PJRT_Memory_Kind_Id(m.plugin.api) {
		return -1, m.plugin.unimplemented("PJRT_Memory_Kind_Id")
	}
	args := C.new_PJRT_Memory_Kind_Id_Args()
	defer cFree(args)
	args.memory = m.memory
	if err := m.plugin.toError(C.call_PJRT_Memory_Kind_Id(m.plugin.api, args)); err != nil {
		return -1, err
	}
	return int(args.kind_id), nil
}

// DebugString returns a verbose description for logs and error messages.
func (m *Memory) DebugString() (string, error) {
	args := C.new_PJRT_Memory_DebugString_Args()
	defer cFree(args)
	args.memory = m.memory
	if err := m.plugin.toError(C.call_PJRT_Memory_DebugString(m.plugin.api, args)); err != nil {
		return "", err
	}
	return cCharArray(args.debug_string, args.debug_string_size), nil
}

// ToString returns a short display string.
func (m *Memory) ToString() (string, error) {
	args := C.new_PJRT_Memory_ToString_Args()
	defer cFree(args)
	args.memory = m.memory
	if err := m.plugin.toError(C.call_PJRT_Memory_ToString(m.plugin.api, args)); err != nil {
		return "", err
	}
	return cCharArray(args.to_string, args.to_string_size), nil
}

// AddressableByDevices returns the devices that can address this memory.
func (m *Memory) AddressableByDevices() ([]*Device, error) {
	args := C.new_PJRT_Memory_AddressableByDevices_Args()
	defer cFree(args)
	args.memory = m.memory
	if err := m.plugin.toError(C.call_PJRT_Memory_AddressableByDevices(m.plugin.api, args)); err != nil {
		return nil, err
	}
	cDevices := cDataToSlice[*C.PJRT_Device](unsafe.Pointer(args.devices), int(args.num_devices))
	devices := make([]*Device, len(cDevices))
	for ii, d := range cDevices {
		devices[ii] = newDevice(m.client, d)
	}
	return devices, nil
}
