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
	"runtime"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Client is a PJRT client: the entry point to devices, compilation and
// buffer transfers for one plugin instance.
type Client struct {
	plugin  *Plugin
	wrapper *clientC

	platform           string
	platformVersion    string
	processIndex       int
	addressableDevices []*Device
}

// clientC holds the C handle, so a cleanup can destroy it after the Client
// itself is collected.
type clientC struct {
	plugin *Plugin
	client *C.PJRT_Client
}

// NewClient creates a client with the given creation options (may be nil).
func (p *Plugin) NewClient(options NamedValuesMap) (*Client, error) {
	args := C.new_PJRT_Client_Create_Args()
	defer cFree(args)
	cOptions, numOptions, freeOptions, err := cNamedValues(options)
	if err != nil {
		return nil, err
	}
	defer freeOptions()
	args.create_options = cOptions
	args.num_options = numOptions
	if err := p.toError(C.call_PJRT_Client_Create(p.api, args)); err != nil {
		return nil, err
	}
	if args.client == nil {
		return nil, protocolViolationf("PJRT_Client_Create returned a null client")
	}
	return newClient(p, args.client), nil
}

func newClient(plugin *Plugin, cClient *C.PJRT_Client) *Client {
	c := &Client{
		plugin:  plugin,
		wrapper: &clientC{plugin: plugin, client: cClient},
	}
	var err error
	// Metadata initialization is best-effort: a plugin that cannot answer
	// these queries still yields a working client.
	if c.platform, err = c.queryPlatformName(); err != nil {
		klog.Errorf("failed to retrieve the client's platform name: %v", err)
	}
	if c.platformVersion, err = c.queryPlatformVersion(); err != nil {
		klog.Errorf("failed to retrieve the client's platform version: %v", err)
	}
	if c.processIndex, err = c.queryProcessIndex(); err != nil {
		klog.Errorf("failed to retrieve the client's process index: %v", err)
	}
	if c.addressableDevices, err = c.queryAddressableDevices(); err != nil {
		klog.Errorf("failed to retrieve the client's addressable devices: %v", err)
	}
	runtime.AddCleanup(c, func(wrapper *clientC) {
		if wrapper.client == nil {
			return
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("failed to destroy leaked PJRT_Client: %v", err)
		}
	}, c.wrapper)
	return c
}

func (w *clientC) destroy() error {
	if w == nil || w.client == nil {
		return nil
	}
	args := C.new_PJRT_Client_Destroy_Args()
	defer cFree(args)
	args.client = w.client
	w.client = nil
	return w.plugin.toError(C.call_PJRT_Client_Destroy(w.plugin.api, args))
}

// Destroy shuts the client down. Idempotent; buffers and executables
// created from it become invalid.
func (c *Client) Destroy() error {
	if c == nil {
		return nil
	}
	return c.wrapper.destroy()
}

func (c *Client) cClient() (*C.PJRT_Client, error) {
	if c == nil || c.wrapper.client == nil {
		return nil, invalidArgumentf("PJRT_Client already destroyed")
	}
	return c.wrapper.client, nil
}

// Plugin returns the plugin that created this client.
func (c *Client) Plugin() *Plugin { return c.plugin }

// Platform returns the platform name cached at client creation.
func (c *Client) Platform() string { return c.platform }

// PlatformVersion returns the platform version cached at client creation.
func (c *Client) PlatformVersion() string { return c.platformVersion }

// ProcessIndex returns this process's index cached at client creation.
// Always 0 in single-process runtimes.
func (c *Client) ProcessIndex() int { return c.processIndex }

// String implements fmt.Stringer.
func (c *Client) String() string {
	if c.wrapper.client == nil {
		return "pjrt.Client(destroyed)"
	}
	return fmt.Sprintf("pjrt.Client(%s, %d addressable devices)",
		c.platform, len(c.addressableDevices))
}

func (c *Client) queryPlatformName() (string, error) {
	cClient, err := c.cClient()
	if err != nil {
		return "", err
	}
	args := C.new_PJRT_Client_PlatformName_Args()
	defer cFree(args)
	args.client = cClient
	if err := c.plugin.toError(C.call_PJRT_Client_PlatformName(c.plugin.api, args)); err != nil {
		return "", err
	}
	return cCharArray(args.platform_name, args.platform_name_size), nil
}

func (c *Client) queryPlatformVersion() (string, error) {
	cClient, err := c.cClient()
	if err != nil {
		return "", err
	}
	args := C.new_PJRT_Client_PlatformVersion_Args()
	defer cFree(args)
	args.client = cClient
	if err := c.plugin.toError(C.call_PJRT_Client_PlatformVersion(c.plugin.api, args)); err != nil {
		return "", err
	}
	return cCharArray(args.platform_version, args.platform_version_size), nil
}

func (c *Client) queryProcessIndex() (int, error) {
	cClient, err := c.cClient()
	if err != nil {
		return -1, err
	}
	args := C.new_PJRT_Client_ProcessIndex_Args()
	defer cFree(args)
	args.client = cClient
	if err := c.plugin.toError(C.call_PJRT_Client_ProcessIndex(c.plugin.api, args)); err != nil {
		return -1, err
	}
	return int(args.process_index), nil
}

// Devices lists all devices in the runtime, including non-addressable ones.
func (c *Client) Devices() ([]*Device, error) {
	cClient, err := c.cClient()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Client_Devices_Args()
	defer cFree(args)
	args.client = cClient
	if err := c.plugin.toError(C.call_PJRT_Client_Devices(c.plugin.api, args)); err != nil {
		return nil, err
	}
	cDevices := cDataToSlice[*C.PJRT_Device](unsafe.Pointer(args.devices), int(args.num_devices))
	devices := make([]*Device, len(cDevices))
	for ii, d := range cDevices {
		devices[ii] = newDevice(c, d)
	}
	return devices, nil
}

// AddressableDevices returns the devices this process can issue work to,
// cached at client creation.
func (c *Client) AddressableDevices() []*Device {
	return c.addressableDevices
}

func (c *Client) queryAddressableDevices() ([]*Device, error) {
	cClient, err := c.cClient()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Client_AddressableDevices_Args()
	defer cFree(args)
	args.client = cClient
	if err := c.plugin.toError(C.call_PJRT_Client_AddressableDevices(c.plugin.api, args)); err != nil {
		return nil, err
	}
	cDevices := cDataToSlice[*C.PJRT_Device](unsafe.Pointer(args.addressable_devices), int(args.num_addressable_devices))
	devices := make([]*Device, len(cDevices))
	for ii, d := range cDevices {
		devices[ii] = newDevice(c, d)
	}
	return devices, nil
}

// LookupDevice returns the device with the given global id.
func (c *Client) LookupDevice(id int) (*Device, error) {
	cClient, err := c.cClient()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Client_LookupDevice_Args()
	defer cFree(args)
	args.client = cClient
	args.id = C.int(id)
	if err := c.plugin.toError(C.call_PJRT_Client_LookupDevice(c.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.device == nil {
		return nil, protocolViolationf("PJRT_Client_LookupDevice(%d) returned a null device", id)
	}
	return newDevice(c, args.device), nil
}

// LookupAddressableDevice returns the addressable device with the given
// local hardware id.
func (c *Client) LookupAddressableDevice(localHardwareID int) (*Device, error) {
	cClient, err := c.cClient()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Client_LookupAddressableDevice_Args()
	defer cFree(args)
	args.client = cClient
	args.local_hardware_id = C.int(localHardwareID)
	if err := c.plugin.toError(C.call_PJRT_Client_LookupAddressableDevice(c.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.addressable_device == nil {
		return nil, protocolViolationf(
			"PJRT_Client_LookupAddressableDevice(%d) returned a null device", localHardwareID)
	}
	return newDevice(c, args.addressable_device), nil
}

// AddressableMemories returns the memory spaces addressable by this client.
func (c *Client) AddressableMemories() ([]*Memory, error) {
	cClient, err := c.cClient()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Client_AddressableMemories_Args()
	defer cFree(args)
	args.client = cClient
	if err := c.plugin.toError(C.call_PJRT_Client_AddressableMemories(c.plugin.api, args)); err != nil {
		return nil, err
	}
	cMemories := cDataToSlice[*C.PJRT_Memory](unsafe.Pointer(args.addressable_memories), int(args.num_addressable_memories))
	memories := make([]*Memory, len(cMemories))
	for ii, m := range cMemories {
		memories[ii] = newMemory(c, m)
	}
	return memories, nil
}

// DefaultDeviceAssignment returns the plugin's default device assignment
// for the given replica/partition grid, as num_replicas*num_partitions
// device ids.
//
// A probing call with a zero-sized buffer runs first, so plugins that
// reject the shape outright fail cleanly before the fill call.
func (c *Client) DefaultDeviceAssignment(numReplicas, numPartitions int) ([]int, error) {
	if numReplicas < 0 || numPartitions < 0 {
		return nil, invalidArgumentf("numReplicas (%d) and numPartitions (%d) must be >= 0",
			numReplicas, numPartitions)
	}
	cClient, err := c.cClient()
	if err != nil {
		return nil, err
	}

	probe := C.new_PJRT_Client_DefaultDeviceAssignment_Args()
	defer cFree(probe)
	probe.client = cClient
	probe.num_replicas = C.int(numReplicas)
	probe.num_partitions = C.int(numPartitions)
	probeErr := c.plugin.toError(C.call_PJRT_Client_DefaultDeviceAssignment(c.plugin.api, probe))
	expected := numReplicas * numPartitions
	if probeErr != nil && expected == 0 {
		return nil, probeErr
	}
	size := max(int(probe.default_assignment_size), expected)
	if size == 0 {
		return nil, nil
	}

	args := C.new_PJRT_Client_DefaultDeviceAssignment_Args()
	defer cFree(args)
	args.client = cClient
	args.num_replicas = C.int(numReplicas)
	args.num_partitions = C.int(numPartitions)
	cAssignment := cMallocArray[C.int](size)
	defer cFree(cAssignment)
	args.default_assignment_size = C.size_t(size)
	args.default_assignment = cAssignment
	if err := c.plugin.toError(C.call_PJRT_Client_DefaultDeviceAssignment(c.plugin.api, args)); err != nil {
		return nil, err
	}
	n := min(int(args.default_assignment_size), size)
	assignment := make([]int, n)
	for i, x := range cDataToSlice[C.int](unsafe.Pointer(cAssignment), n) {
		assignment[i] = int(x)
	}
	return assignment, nil
}

// Known program formats accepted by PJRT_Client_Compile.
const (
	ProgramFormatMLIR = "mlir"
	ProgramFormatHLO  = "hlo"
)

// Program is source code handed to the compiler: StableHLO MLIR bytecode
// or text ("mlir"), or a serialized HloModuleProto ("hlo").
type Program struct {
	Code   []byte
	Format string
}

// Compile compiles and loads a program on this client. compileOptions is an
// opaque serialized CompileOptionsProto and may be empty if the plugin
// accepts defaults.
func (c *Client) Compile(program *Program, compileOptions []byte) (*LoadedExecutable, error) {
	cClient, err := c.cClient()
	if err != nil {
		return nil, err
	}
	if program == nil || len(program.Code) == 0 {
		return nil, invalidArgumentf("cannot compile an empty program")
	}
	if program.Format == "" {
		return nil, invalidArgumentf("program format must be set (%q or %q)",
			ProgramFormatMLIR, ProgramFormatHLO)
	}

	args := C.new_PJRT_Client_Compile_Args()
	defer cFree(args)
	args.client = cClient

	cProgram := cMalloc[C.PJRT_Program]()
	defer cFree(cProgram)
	cProgram.struct_size = C.PJRT_Program_STRUCT_SIZE
	cProgram.code = (*C.char)(cBytes(program.Code))
	defer cFree(cProgram.code)
	cProgram.code_size = C.size_t(len(program.Code))
	cProgram.format, cProgram.format_size = cCString(program.Format)
	defer cFree(cProgram.format)
	args.program = cProgram

	if len(compileOptions) > 0 {
		args.compile_options = (*C.char)(cBytes(compileOptions))
		defer cFree(args.compile_options)
		args.compile_options_size = C.size_t(len(compileOptions))
	}

	if err := c.plugin.toError(C.call_PJRT_Client_Compile(c.plugin.api, args)); err != nil {
		return nil, errors.WithMessagef(err, "failed to compile %s program", program.Format)
	}
	if args.executable == nil {
		return nil, protocolViolationf("PJRT_Client_Compile returned a null executable")
	}
	return newLoadedExecutable(c, args.executable), nil
}

// DmaMap registers a host memory region for direct transfers. The region
// must stay valid until DmaUnmap.
func (c *Client) DmaMap(data unsafe.Pointer, size int) error {
	cClient, err := c.cClient()
	if err != nil {
		return err
	}
	if data == nil && size != 0 {
		return invalidArgumentf("DmaMap data is nil with size %d", size)
	}
	if !C.has_PJRT_Client_DmaMap(c.plugin.api) {
		return c.plugin.unimplemented("PJRT_Client_DmaMap")
	}
	args := C.new_PJRT_Client_DmaMap_Args()
	defer cFree(args)
	args.client = cClient
	args.data = data
	args.size = C.size_t(size)
	return c.plugin.toError(C.call_PJRT_Client_DmaMap(c.plugin.api, args))
}

// DmaUnmap undoes a DmaMap registration.
func (c *Client) DmaUnmap(data unsafe.Pointer) error {
	cClient, err := c.cClient()
	if err != nil {
		return err
	}
	if data == nil {
		return invalidArgumentf("DmaUnmap data is nil")
	}
	if !C.has_PJRT_Client_DmaUnmap(c.plugin.api) {
		return c.plugin.unimplemented("PJRT_Client_DmaUnmap")
	}
	args := C.new_PJRT_Client_DmaUnmap_Args()
	defer cFree(args)
	args.client = cClient
	args.data = data
	return c.plugin.toError(C.call_PJRT_Client_DmaUnmap(c.plugin.api, args))
}
