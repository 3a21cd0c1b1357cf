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

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Topology describes a device topology, possibly of machines the caller
// cannot reach, for ahead-of-time compilation.
type Topology struct {
	plugin  *Plugin
	wrapper *topologyC
}

// topologyC holds the C handle. owned is false for client-owned
// topologies, which must not be destroyed by the host.
type topologyC struct {
	plugin   *Plugin
	topology *C.PJRT_TopologyDescription
	owned    bool
}

func newTopology(plugin *Plugin, cTopology *C.PJRT_TopologyDescription, owned bool) *Topology {
	t := &Topology{
		plugin:  plugin,
		wrapper: &topologyC{plugin: plugin, topology: cTopology, owned: owned},
	}
	runtime.AddCleanup(t, func(wrapper *topologyC) {
		if wrapper.topology == nil || !wrapper.owned {
			return
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("failed to destroy leaked PJRT_TopologyDescription: %v", err)
		}
	}, t.wrapper)
	return t
}

// NewTopology creates a topology description by name, e.g. for a TPU
// slice shape this process is not attached to.
func (p *Plugin) NewTopology(name string, options NamedValuesMap) (*Topology, error) {
	if !C.has_PJRT_TopologyDescription_Create(p.api) {
		return nil, p.unimplemented("PJRT_TopologyDescription_Create")
	}
	args := C.new_PJRT_TopologyDescription_Create_Args()
	defer cFree(args)
	args.topology_name, args.topology_name_size = cCString(name)
	defer cFree(args.topology_name)
	cOptions, numOptions, freeOptions, err := cNamedValues(options)
	if err != nil {
		return nil, err
	}
	defer freeOptions()
	args.create_options = cOptions
	args.num_options = numOptions
	if err := p.toError(C.call_PJRT_TopologyDescription_Create(p.api, args)); err != nil {
		return nil, err
	}
	if args.topology == nil {
		return nil, protocolViolationf("PJRT_TopologyDescription_Create returned a null topology")
	}
	return newTopology(p, args.topology, true), nil
}

// DeserializeTopology rebuilds a topology serialized with
// Topology.Serialize.
func (p *Plugin) DeserializeTopology(serialized []byte) (*Topology, error) {
	if len(serialized) == 0 {
		return nil, invalidArgumentf("cannot deserialize an empty topology")
	}
	if !C.has_PJRT_TopologyDescription_Deserialize(p.api) {
		return nil, p.unimplemented("PJRT_TopologyDescription_Deserialize")
	}
	args := C.new_PJRT_TopologyDescription_Deserialize_Args()
	defer cFree(args)
	args.serialized_bytes = (*C.char)(cBytes(serialized))
	defer cFree(args.serialized_bytes)
	args.serialized_bytes_size = C.size_t(len(serialized))
	if err := p.toError(C.call_PJRT_TopologyDescription_Deserialize(p.api, args)); err != nil {
		return nil, err
	}
	if args.topology == nil {
		return nil, protocolViolationf("PJRT_TopologyDescription_Deserialize returned a null topology")
	}
	return newTopology(p, args.topology, true), nil
}

// TopologyDescription returns the topology of the client's runtime. The
// returned topology is owned by the client and shares its lifetime;
// Destroy on it is a no-op.
func (c *Client) TopologyDescription() (*Topology, error) {
	cClient, err := c.cClient()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Client_TopologyDescription_Args()
	defer cFree(args)
	args.client = cClient
	if err := c.plugin.toError(C.call_PJRT_Client_TopologyDescription(c.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.topology == nil {
		return nil, protocolViolationf("PJRT_Client_TopologyDescription returned a null topology")
	}
	return newTopology(c.plugin, args.topology, false), nil
}

func (w *topologyC) destroy() error {
	if w == nil || w.topology == nil {
		return nil
	}
	if !w.owned {
		w.topology = nil
		return nil
	}
	args := C.new_PJRT_TopologyDescription_Destroy_Args()
	defer cFree(args)
	args.topology = w.topology
	w.topology = nil
	return w.plugin.toError(C.call_PJRT_TopologyDescription_Destroy(w.plugin.api, args))
}

// Destroy releases the topology. Idempotent; a no-op for client-owned
// topologies.
func (t *Topology) Destroy() error {
	if t == nil {
		return nil
	}
	return t.wrapper.destroy()
}

func (t *Topology) cTopology() (*C.PJRT_TopologyDescription, error) {
	if t == nil || t.wrapper.topology == nil {
		return nil, invalidArgumentf("PJRT_TopologyDescription already destroyed")
	}
	return t.wrapper.topology, nil
}

// PlatformName returns the platform this topology describes.
func (t *Topology) PlatformName() (string, error) {
	cTopology, err := t.cTopology()
	if err != nil {
		return "", err
	}
	args := C.new_PJRT_TopologyDescription_PlatformName_Args()
	defer cFree(args)
	args.topology = cTopology
	if err := t.plugin.toError(C.call_PJRT_TopologyDescription_PlatformName(t.plugin.api, args)); err != nil {
		return "", err
	}
	return cCharArray(args.platform_name, args.platform_name_size), nil
}

// PlatformVersion returns the platform version of the topology.
func (t *Topology) PlatformVersion() (string, error) {
	cTopology, err := t.cTopology()
	if err != nil {
		return "", err
	}
	args := C.new_PJRT_TopologyDescription_PlatformVersion_Args()
	defer cFree(args)
	args.topology = cTopology
	if err := t.plugin.toError(C.call_PJRT_TopologyDescription_PlatformVersion(t.plugin.api, args)); err != nil {
		return "", err
	}
	return cCharArray(args.platform_version, args.platform_version_size), nil
}

// DeviceDescriptions describes every device in the topology, including
// ones not addressable by any client.
func (t *Topology) DeviceDescriptions() ([]*DeviceDescription, error) {
	cTopology, err := t.cTopology()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_TopologyDescription_GetDeviceDescriptions_Args()
	defer cFree(args)
	args.topology = cTopology
	if err := t.plugin.toError(C.call_PJRT_TopologyDescription_GetDeviceDescriptions(t.plugin.api, args)); err != nil {
		return nil, err
	}
	cDescriptions := cDataToSlice[*C.PJRT_DeviceDescription](unsafe.Pointer(args.descriptions),
		int(args.num_descriptions))
	descriptions := make([]*DeviceDescription, len(cDescriptions))
	for ii, d := range cDescriptions {
		descriptions[ii] = &DeviceDescription{plugin: t.plugin, description: d}
	}
	return descriptions, nil
}

// Attributes returns the topology's named attributes.
func (t *Topology) Attributes() (NamedValuesMap, error) {
	cTopology, err := t.cTopology()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_TopologyDescription_Attributes_Args()
	defer cFree(args)
	args.topology = cTopology
	if err := t.plugin.toError(C.call_PJRT_TopologyDescription_Attributes(t.plugin.api, args)); err != nil {
		return nil, err
	}
	return namedValuesToMap(args.attributes, args.num_attributes)
}

// Serialize returns the topology as opaque bytes, reloadable with
// Plugin.DeserializeTopology.
func (t *Topology) Serialize() ([]byte, error) {
	cTopology, err := t.cTopology()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_TopologyDescription_Serialize_Args()
	defer cFree(args)
	args.topology = cTopology
	if err := t.plugin.toError(C.call_PJRT_TopologyDescription_Serialize(t.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.serialized_topology != nil && args.serialized_topology_deleter == nil {
		return nil, protocolViolationf(
			"PJRT_TopologyDescription_Serialize returned a serialized topology without a deleter")
	}
	var serialized []byte
	if args.serialized_bytes_size > 0 {
		if args.serialized_bytes == nil {
			return nil, protocolViolationf(
				"PJRT_TopologyDescription_Serialize returned null bytes of size %d",
				int(args.serialized_bytes_size))
		}
		serialized = cCharSlice(args.serialized_bytes, args.serialized_bytes_size)
	}
	if args.serialized_topology != nil {
		C.pjrt_invoke_serialized_deleter(args.serialized_topology_deleter,
			args.serialized_topology)
	}
	return serialized, nil
}

// Compile compiles a program against this topology without loading it,
// for ahead-of-time compilation. client may be nil; when set, the plugin
// can reuse client state to speed compilation up.
func (t *Topology) Compile(program *Program, compileOptions []byte, client *Client) (*Executable, error) {
	cTopology, err := t.cTopology()
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
	if !C.has_PJRT_Compile(t.plugin.api) {
		return nil, t.plugin.unimplemented("PJRT_Compile")
	}

	args := C.new_PJRT_Compile_Args()
	defer cFree(args)
	args.topology = cTopology

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
	if client != nil {
		cClient, err := client.cClient()
		if err != nil {
			return nil, err
		}
		args.client = cClient
	}

	if err := t.plugin.toError(C.call_PJRT_Compile(t.plugin.api, args)); err != nil {
		return nil, errors.WithMessagef(err, "failed to compile %s program against topology",
			program.Format)
	}
	if args.executable == nil {
		return nil, protocolViolationf("PJRT_Compile returned a null executable")
	}
	return newExecutable(t.plugin, args.executable), nil
}

// CompileAndLoad compiles a program against this topology and loads the
// result on client: compile, serialize, then deserialize-and-load. The
// intermediate unloaded executable is destroyed before returning.
func (t *Topology) CompileAndLoad(program *Program, compileOptions []byte, client *Client) (*LoadedExecutable, error) {
	if client == nil {
		return nil, invalidArgumentf("a client is required to load the compiled program")
	}
	exec, err := t.Compile(program, compileOptions, client)
	if err != nil {
		return nil, err
	}
	serialized, err := exec.Serialize()
	if destroyErr := exec.Destroy(); destroyErr != nil {
		klog.Errorf("failed to destroy intermediate executable: %+v", destroyErr)
	}
	if err != nil {
		return nil, err
	}
	return client.DeserializeAndLoad(serialized)
}
