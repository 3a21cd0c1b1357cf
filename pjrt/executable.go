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

// Executable is the compiled program behind a LoadedExecutable: compiler
// output metadata, without any association to devices.
type Executable struct {
	plugin  *Plugin
	wrapper *executableC
}

type executableC struct {
	plugin     *Plugin
	executable *C.PJRT_Executable
}

func newExecutable(plugin *Plugin, cExec *C.PJRT_Executable) *Executable {
	e := &Executable{
		plugin:  plugin,
		wrapper: &executableC{plugin: plugin, executable: cExec},
	}
	runtime.AddCleanup(e, func(wrapper *executableC) {
		if wrapper.executable == nil {
			return
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("failed to destroy leaked PJRT_Executable: %v", err)
		}
	}, e.wrapper)
	return e
}

func (w *executableC) destroy() error {
	if w == nil || w.executable == nil {
		return nil
	}
	args := C.new_PJRT_Executable_Destroy_Args()
	defer cFree(args)
	args.executable = w.executable
	w.executable = nil
	return w.plugin.toError(C.call_PJRT_Executable_Destroy(w.plugin.api, args))
}

// Destroy releases the executable. Idempotent.
func (e *Executable) Destroy() error {
	if e == nil {
		return nil
	}
	return e.wrapper.destroy()
}

func (e *Executable) cExecutable() (*C.PJRT_Executable, error) {
	if e == nil || e.wrapper.executable == nil {
		return nil, invalidArgumentf("PJRT_Executable already destroyed")
	}
	return e.wrapper.executable, nil
}

// Name returns the compiler-assigned name of the program.
func (e *Executable) Name() (string, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return "", err
	}
	args := C.new_PJRT_Executable_Name_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_Name(e.plugin.api, args)); err != nil {
		return "", err
	}
	return cCharArray(args.executable_name, args.executable_name_size), nil
}

// NumReplicas returns the replica count the program was compiled for.
func (e *Executable) NumReplicas() (int, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return 0, err
	}
	args := C.new_PJRT_Executable_NumReplicas_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_NumReplicas(e.plugin.api, args)); err != nil {
		return 0, err
	}
	return int(args.num_replicas), nil
}

// NumPartitions returns the partition count the program was compiled for.
func (e *Executable) NumPartitions() (int, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return 0, err
	}
	args := C.new_PJRT_Executable_NumPartitions_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_NumPartitions(e.plugin.api, args)); err != nil {
		return 0, err
	}
	return int(args.num_partitions), nil
}

// NumOutputs returns the number of outputs per device.
func (e *Executable) NumOutputs() (int, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return 0, err
	}
	args := C.new_PJRT_Executable_NumOutputs_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_NumOutputs(e.plugin.api, args)); err != nil {
		return 0, err
	}
	return int(args.num_outputs), nil
}

// SizeOfGeneratedCodeInBytes returns the size of the generated device code.
func (e *Executable) SizeOfGeneratedCodeInBytes() (int64, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return 0, err
	}
	args := C.new_PJRT_Executable_SizeOfGeneratedCodeInBytes_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_SizeOfGeneratedCodeInBytes(e.plugin.api, args)); err != nil {
		return 0, err
	}
	return int64(args.size_in_bytes), nil
}

// GetCostAnalysis returns the compiler's cost properties for the program
// (flop count, bytes accessed and the like, keyed by property name).
func (e *Executable) GetCostAnalysis() (NamedValuesMap, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Executable_GetCostAnalysis_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_GetCostAnalysis(e.plugin.api, args)); err != nil {
		return nil, err
	}
	return namedValuesToMap(args.properties, args.num_properties)
}

// CompiledMemoryStats reports the memory footprint the compiler predicts
// for one execution, split between device and host.
type CompiledMemoryStats struct {
	GeneratedCodeSizeInBytes int64
	ArgumentSizeInBytes      int64
	OutputSizeInBytes        int64
	AliasSizeInBytes         int64
	TempSizeInBytes          int64

	HostGeneratedCodeSizeInBytes int64
	HostArgumentSizeInBytes      int64
	HostOutputSizeInBytes        int64
	HostAliasSizeInBytes         int64
	HostTempSizeInBytes          int64

	PeakMemoryInBytes int64
}

// GetCompiledMemoryStats returns the compiler's memory usage estimates.
func (e *Executable) GetCompiledMemoryStats() (*CompiledMemoryStats, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return nil, err
	}
	if !C.has_PJRT_Executable_GetCompiledMemoryStats(e.plugin.api) {
		return nil, e.plugin.unimplemented("PJRT_Executable_GetCompiledMemoryStats")
	}
	args := C.new_PJRT_Executable_GetCompiledMemoryStats_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_GetCompiledMemoryStats(e.plugin.api, args)); err != nil {
		return nil, err
	}
	return &CompiledMemoryStats{
		GeneratedCodeSizeInBytes: int64(args.generated_code_size_in_bytes),
		ArgumentSizeInBytes:      int64(args.argument_size_in_bytes),
		OutputSizeInBytes:        int64(args.output_size_in_bytes),
		AliasSizeInBytes:         int64(args.alias_size_in_bytes),
		TempSizeInBytes:          int64(args.temp_size_in_bytes),

		HostGeneratedCodeSizeInBytes: int64(args.host_generated_code_size_in_bytes),
		HostArgumentSizeInBytes:      int64(args.host_argument_size_in_bytes),
		HostOutputSizeInBytes:        int64(args.host_output_size_in_bytes),
		HostAliasSizeInBytes:         int64(args.host_alias_size_in_bytes),
		HostTempSizeInBytes:          int64(args.host_temp_size_in_bytes),

		PeakMemoryInBytes: int64(args.peak_memory_in_bytes),
	}, nil
}

// OutputElementTypes returns the element type of each output.
func (e *Executable) OutputElementTypes() ([]dtypes.DType, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return nil, err
	}
	if !C.has_PJRT_Executable_OutputElementTypes(e.plugin.api) {
		return nil, e.plugin.unimplemented("PJRT_Executable_OutputElementTypes")
	}
	args := C.new_PJRT_Executable_OutputElementTypes_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_OutputElementTypes(e.plugin.api, args)); err != nil {
		return nil, err
	}
	n := int(args.num_output_types)
	if n == 0 {
		return nil, nil
	}
	if args.output_types == nil {
		return nil, protocolViolationf(
			"PJRT_Executable_OutputElementTypes returned null output_types for %d outputs", n)
	}
	out := make([]dtypes.DType, n)
	for i, t := range cDataToSlice[C.PJRT_Buffer_Type](unsafe.Pointer(args.output_types), n) {
		out[i] = dtypes.DType(t)
	}
	return out, nil
}

// OutputDimensions returns the shape of each output.
func (e *Executable) OutputDimensions() ([][]int64, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return nil, err
	}
	if !C.has_PJRT_Executable_OutputDimensions(e.plugin.api) {
		return nil, e.plugin.unimplemented("PJRT_Executable_OutputDimensions")
	}
	args := C.new_PJRT_Executable_OutputDimensions_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_OutputDimensions(e.plugin.api, args)); err != nil {
		return nil, err
	}
	n := int(args.num_outputs)
	if n == 0 {
		return nil, nil
	}
	if args.dim_sizes == nil {
		return nil, protocolViolationf(
			"PJRT_Executable_OutputDimensions returned null dim_sizes for %d outputs", n)
	}
	dimSizes := cDataToSlice[C.size_t](unsafe.Pointer(args.dim_sizes), n)
	totalDims := 0
	for _, s := range dimSizes {
		totalDims += int(s)
	}
	if totalDims > 0 && args.dims == nil {
		return nil, protocolViolationf(
			"PJRT_Executable_OutputDimensions returned null dims for %d axes", totalDims)
	}
	flat := cDataToSlice[C.int64_t](unsafe.Pointer(args.dims), totalDims)
	out := make([][]int64, n)
	pos := 0
	for i, s := range dimSizes {
		dims := make([]int64, int(s))
		for j := range dims {
			dims[j] = int64(flat[pos])
			pos++
		}
		out[i] = dims
	}
	return out, nil
}

// OutputMemoryKinds returns the memory kind each output lands in.
func (e *Executable) OutputMemoryKinds() ([]string, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Executable_OutputMemoryKinds_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_OutputMemoryKinds(e.plugin.api, args)); err != nil {
		return nil, err
	}
	n := int(args.num_outputs)
	if n == 0 {
		return nil, nil
	}
	if args.memory_kinds == nil || args.memory_kind_sizes == nil {
		return nil, protocolViolationf(
			"PJRT_Executable_OutputMemoryKinds returned null lists for %d outputs", n)
	}
	kinds := cDataToSlice[*C.char](unsafe.Pointer(args.memory_kinds), n)
	sizes := cDataToSlice[C.size_t](unsafe.Pointer(args.memory_kind_sizes), n)
	out := make([]string, n)
	for i := range out {
		if kinds[i] == nil && sizes[i] != 0 {
			return nil, protocolViolationf(
				"PJRT_Executable_OutputMemoryKinds returned a null kind of size %d at output %d",
				int(sizes[i]), i)
		}
		out[i] = cCharArray(kinds[i], sizes[i])
	}
	return out, nil
}

// Serialize returns the executable as opaque bytes, reloadable with
// Client.DeserializeAndLoad on a compatible plugin.
func (e *Executable) Serialize() ([]byte, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_Executable_Serialize_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_Serialize(e.plugin.api, args)); err != nil {
		return nil, err
	}
	// The plugin owns the bytes through the opaque token; the deleter must
	// run exactly once after we copy them out.
	if args.serialized_executable != nil && args.serialized_executable_deleter == nil {
		return nil, protocolViolationf(
			"PJRT_Executable_Serialize returned a serialized executable without a deleter")
	}
	var serialized []byte
	if args.serialized_bytes_size > 0 {
		if args.serialized_bytes == nil {
			return nil, protocolViolationf(
				"PJRT_Executable_Serialize returned null bytes of size %d",
				int(args.serialized_bytes_size))
		}
		serialized = cCharSlice(args.serialized_bytes, args.serialized_bytes_size)
	}
	if args.serialized_executable != nil {
		C.pjrt_invoke_serialized_deleter(args.serialized_executable_deleter,
			args.serialized_executable)
	}
	return serialized, nil
}

// Fingerprint returns an opaque identity for the compiled program, stable
// across processes. May be empty if the plugin does not fingerprint.
func (e *Executable) Fingerprint() (string, error) {
	cExec, err := e.cExecutable()
	if err != nil {
		return "", err
	}
	if !C.has_PJRT_Executable_Fingerprint(e.plugin.api) {
		return "", e.plugin.unimplemented("PJRT_Executable_Fingerprint")
	}
	args := C.new_PJRT_Executable_Fingerprint_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_Executable_Fingerprint(e.plugin.api, args)); err != nil {
		return "", err
	}
	if args.executable_fingerprint == nil && args.executable_fingerprint_size != 0 {
		return "", protocolViolationf(
			"PJRT_Executable_Fingerprint returned a null fingerprint of size %d",
			int(args.executable_fingerprint_size))
	}
	return cCharArray(args.executable_fingerprint, args.executable_fingerprint_size), nil
}
