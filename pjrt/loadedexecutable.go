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
	"runtime/cgo"
	"slices"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// SendCallback receives one chunk of a device-to-host send operation.
// data is a private copy the callback may keep; totalSize is the size of
// the full transfer and done marks the last chunk of the channel.
// A non-nil error aborts the execution.
type SendCallback func(channelID int64, data []byte, totalSize int, done bool) error

// RecvCallback feeds a host-to-device receive operation. The callback owns
// the stream and must destroy it once the data has been pushed.
type RecvCallback func(channelID int64, stream *CopyToDeviceStream)

// LoadedExecutable is a compiled program loaded on the client's devices,
// ready to execute.
type LoadedExecutable struct {
	plugin  *Plugin
	client  *Client
	wrapper *loadedExecutableC

	// Name and NumOutputs are cached at load time. Read-only.
	Name       string
	NumOutputs int
}

type loadedExecutableC struct {
	plugin     *Plugin
	executable *C.PJRT_LoadedExecutable
}

func newLoadedExecutable(client *Client, cExec *C.PJRT_LoadedExecutable) *LoadedExecutable {
	e := &LoadedExecutable{
		plugin:  client.plugin,
		client:  client,
		wrapper: &loadedExecutableC{plugin: client.plugin, executable: cExec},
	}
	runtime.AddCleanup(e, func(wrapper *loadedExecutableC) {
		if wrapper.executable == nil {
			return
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("failed to destroy leaked PJRT_LoadedExecutable: %v", err)
		}
	}, e.wrapper)

	// Best-effort metadata, same contract as newClient.
	exec, err := e.GetExecutable()
	if err != nil {
		klog.Errorf("failed to retrieve the executable behind a loaded executable: %v", err)
		return e
	}
	defer func() { _ = exec.Destroy() }()
	if e.Name, err = exec.Name(); err != nil {
		klog.Errorf("failed to retrieve the loaded executable's name: %v", err)
	}
	if e.NumOutputs, err = exec.NumOutputs(); err != nil {
		e.NumOutputs = -1
		klog.Errorf("failed to retrieve the loaded executable's output count: %v", err)
	}
	return e
}

func (w *loadedExecutableC) destroy() error {
	if w == nil || w.executable == nil {
		return nil
	}
	args := C.new_PJRT_LoadedExecutable_Destroy_Args()
	defer cFree(args)
	args.executable = w.executable
	w.executable = nil
	return w.plugin.toError(C.call_PJRT_LoadedExecutable_Destroy(w.plugin.api, args))
}

// Destroy releases the loaded executable. Idempotent.
func (e *LoadedExecutable) Destroy() error {
	if e == nil {
		return nil
	}
	return e.wrapper.destroy()
}

func (e *LoadedExecutable) cLoadedExecutable() (*C.PJRT_LoadedExecutable, error) {
	if e == nil || e.wrapper.executable == nil {
		return nil, invalidArgumentf("PJRT_LoadedExecutable already destroyed")
	}
	return e.wrapper.executable, nil
}

// Client returns the client this executable was loaded on.
func (e *LoadedExecutable) Client() *Client { return e.client }

// GetExecutable returns the underlying compiled program. The caller owns
// the returned Executable and should destroy it.
func (e *LoadedExecutable) GetExecutable() (*Executable, error) {
	cExec, err := e.cLoadedExecutable()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_LoadedExecutable_GetExecutable_Args()
	defer cFree(args)
	args.loaded_executable = cExec
	if err := e.plugin.toError(C.call_PJRT_LoadedExecutable_GetExecutable(e.plugin.api, args)); err != nil {
		return nil, err
	}
	if args.executable == nil {
		return nil, protocolViolationf("PJRT_LoadedExecutable_GetExecutable returned a null executable")
	}
	return newExecutable(e.plugin, args.executable), nil
}

// AddressableDevices returns the devices this executable will run on.
func (e *LoadedExecutable) AddressableDevices() ([]*Device, error) {
	cExec, err := e.cLoadedExecutable()
	if err != nil {
		return nil, err
	}
	args := C.new_PJRT_LoadedExecutable_AddressableDevices_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_LoadedExecutable_AddressableDevices(e.plugin.api, args)); err != nil {
		return nil, err
	}
	cDevices := cDataToSlice[*C.PJRT_Device](unsafe.Pointer(args.addressable_devices),
		int(args.num_addressable_devices))
	devices := make([]*Device, len(cDevices))
	for ii, d := range cDevices {
		devices[ii] = newDevice(e.client, d)
	}
	return devices, nil
}

// Delete drops the device resources backing the executable. The handle
// stays valid for metadata queries; further executions fail.
func (e *LoadedExecutable) Delete() error {
	cExec, err := e.cLoadedExecutable()
	if err != nil {
		return err
	}
	args := C.new_PJRT_LoadedExecutable_Delete_Args()
	defer cFree(args)
	args.executable = cExec
	return e.plugin.toError(C.call_PJRT_LoadedExecutable_Delete(e.plugin.api, args))
}

// IsDeleted reports whether Delete has run on this executable.
func (e *LoadedExecutable) IsDeleted() (bool, error) {
	cExec, err := e.cLoadedExecutable()
	if err != nil {
		return false, err
	}
	args := C.new_PJRT_LoadedExecutable_IsDeleted_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_LoadedExecutable_IsDeleted(e.plugin.api, args)); err != nil {
		return false, err
	}
	return bool(args.is_deleted), nil
}

// Fingerprint returns an opaque identity for the loaded executable.
func (e *LoadedExecutable) Fingerprint() (string, error) {
	cExec, err := e.cLoadedExecutable()
	if err != nil {
		return "", err
	}
	if !C.has_PJRT_LoadedExecutable_Fingerprint(e.plugin.api) {
		return "", e.plugin.unimplemented("PJRT_LoadedExecutable_Fingerprint")
	}
	args := C.new_PJRT_LoadedExecutable_Fingerprint_Args()
	defer cFree(args)
	args.executable = cExec
	if err := e.plugin.toError(C.call_PJRT_LoadedExecutable_Fingerprint(e.plugin.api, args)); err != nil {
		return "", err
	}
	if args.executable_fingerprint == nil && args.executable_fingerprint_size != 0 {
		return "", protocolViolationf(
			"PJRT_LoadedExecutable_Fingerprint returned a null fingerprint of size %d",
			int(args.executable_fingerprint_size))
	}
	return cCharArray(args.executable_fingerprint, args.executable_fingerprint_size), nil
}

// DeserializeAndLoad reloads an executable serialized with
// Executable.Serialize onto this client.
func (c *Client) DeserializeAndLoad(serialized []byte) (*LoadedExecutable, error) {
	cClient, err := c.cClient()
	if err != nil {
		return nil, err
	}
	if len(serialized) == 0 {
		return nil, invalidArgumentf("cannot deserialize an empty executable")
	}
	args := C.new_PJRT_Executable_DeserializeAndLoad_Args()
	defer cFree(args)
	args.client = cClient
	args.serialized_executable = (*C.char)(cBytes(serialized))
	defer cFree(args.serialized_executable)
	args.serialized_executable_size = C.size_t(len(serialized))
	if err := c.plugin.toError(C.call_PJRT_Executable_DeserializeAndLoad(c.plugin.api, args)); err != nil {
		return nil, errors.WithMessagef(err, "failed to deserialize executable")
	}
	if args.loaded_executable == nil {
		return nil, protocolViolationf("PJRT_Executable_DeserializeAndLoad returned a null executable")
	}
	return newLoadedExecutable(c, args.loaded_executable), nil
}

// Execute stages an execution of the program with the given inputs. It
// returns an ExecutionConfig for further options; call Done (or DoneAsync)
// to run. By default no input is donated and the device chosen at
// compilation is used:
//
//	outputs, err := exec.Execute(x, y).Done()
func (e *LoadedExecutable) Execute(inputs ...*Buffer) *ExecutionConfig {
	c := &ExecutionConfig{
		executable: e,
		inputs:     inputs,
	}
	return c.DonateNone()
}

type sendChannelConfig struct {
	channelID int64
	fn        SendCallback
}

type recvChannelConfig struct {
	channelID int64
	fn        RecvCallback
}

// ExecutionConfig collects options for one execution, created by
// LoadedExecutable.Execute.
type ExecutionConfig struct {
	executable         *LoadedExecutable
	inputs             []*Buffer
	nonDonatableInputs []int
	device             *Device
	context            *ExecuteContext
	launchID           int32
	sendCallbacks      []sendChannelConfig
	recvCallbacks      []recvChannelConfig
	latch              *errorLatch

	// err latches the first configuration error until Done.
	err error
}

// OnDevice runs the execution on the given addressable device. Only valid
// for programs compiled portably; otherwise the devices were fixed at
// compilation.
func (c *ExecutionConfig) OnDevice(device *Device) *ExecutionConfig {
	if c.err != nil {
		return c
	}
	if device == nil {
		c.err = invalidArgumentf("Execute().OnDevice() given a nil device")
		return c
	}
	addressable, err := device.IsAddressable()
	if err != nil {
		c.err = errors.WithMessagef(err, "Execute().OnDevice() could not check addressability")
		return c
	}
	if !addressable {
		c.err = invalidArgumentf("Execute().OnDevice() given a non-addressable device")
		return c
	}
	c.device = device
	return c
}

// OnDeviceNum runs the execution on the deviceNum-th addressable device.
func (c *ExecutionConfig) OnDeviceNum(deviceNum int) *ExecutionConfig {
	if c.err != nil {
		return c
	}
	devices := c.executable.client.AddressableDevices()
	if deviceNum < 0 || deviceNum >= len(devices) {
		c.err = invalidArgumentf("Execute().OnDeviceNum(%d): only %d addressable devices",
			deviceNum, len(devices))
		return c
	}
	return c.OnDevice(devices[deviceNum])
}

// WithContext attaches an ExecuteContext to the execution.
func (c *ExecutionConfig) WithContext(ctx *ExecuteContext) *ExecutionConfig {
	if c.err != nil {
		return c
	}
	if ctx == nil {
		c.err = invalidArgumentf("Execute().WithContext() given a nil context")
		return c
	}
	c.context = ctx
	return c
}

// WithLaunchID tags the execution with a launch id, used to correlate the
// same logical launch across multi-process runs.
func (c *ExecutionConfig) WithLaunchID(launchID int32) *ExecutionConfig {
	c.launchID = launchID
	return c
}

// OnSend registers the callback serving the program's send op with the
// given channel id. One registration per send op, in program order.
func (c *ExecutionConfig) OnSend(channelID int64, fn SendCallback) *ExecutionConfig {
	if c.err != nil {
		return c
	}
	if fn == nil {
		c.err = invalidArgumentf("Execute().OnSend(%d) given a nil callback", channelID)
		return c
	}
	c.sendCallbacks = append(c.sendCallbacks, sendChannelConfig{channelID: channelID, fn: fn})
	return c
}

// OnRecv registers the callback feeding the program's recv op with the
// given channel id. One registration per recv op, in program order.
func (c *ExecutionConfig) OnRecv(channelID int64, fn RecvCallback) *ExecutionConfig {
	if c.err != nil {
		return c
	}
	if fn == nil {
		c.err = invalidArgumentf("Execute().OnRecv(%d) given a nil callback", channelID)
		return c
	}
	c.recvCallbacks = append(c.recvCallbacks, recvChannelConfig{channelID: channelID, fn: fn})
	return c
}

// DonateAll marks every input as donated: the plugin may reuse their
// device memory and the buffers are destroyed after the execution.
func (c *ExecutionConfig) DonateAll() *ExecutionConfig {
	c.nonDonatableInputs = nil
	return c
}

// DonateNone marks every input as non-donatable. This is the default.
func (c *ExecutionConfig) DonateNone() *ExecutionConfig {
	c.nonDonatableInputs = make([]int, len(c.inputs))
	for ii := range c.inputs {
		c.nonDonatableInputs[ii] = ii
	}
	return c
}

// Donate marks the inputs at the given indices as donated.
func (c *ExecutionConfig) Donate(inputIndices ...int) *ExecutionConfig {
	c.nonDonatableInputs = slices.DeleteFunc(c.nonDonatableInputs, func(i int) bool {
		return slices.Contains(inputIndices, i)
	})
	return c
}

// DoneAsync dispatches the execution and returns the output buffers along
// with the event tracking device completion. Donated inputs are destroyed
// before returning. After awaiting the event, callers must consult
// FirstCallbackError: a send or recv callback failure does not always fail
// the completion event.
func (c *ExecutionConfig) DoneAsync() ([]*Buffer, *Event, error) {
	if c.err != nil {
		return nil, nil, c.err
	}
	e := c.executable
	cExec, err := e.cLoadedExecutable()
	if err != nil {
		return nil, nil, err
	}
	numOutputs := e.NumOutputs
	if numOutputs < 0 {
		exec, err := e.GetExecutable()
		if err != nil {
			return nil, nil, err
		}
		numOutputs, err = exec.NumOutputs()
		_ = exec.Destroy()
		if err != nil {
			return nil, nil, err
		}
	}
	for ii, input := range c.inputs {
		if _, err := input.cBuffer(); err != nil {
			return nil, nil, errors.WithMessagef(err, "execution input #%d is invalid", ii)
		}
	}

	args := C.new_PJRT_LoadedExecutable_Execute_Args()
	defer cFree(args)
	args.executable = cExec
	args.num_devices = 1
	args.num_args = C.size_t(len(c.inputs))

	options := C.new_PJRT_ExecuteOptions()
	defer cFree(options)
	options.launch_id = C.int(c.launchID)
	args.options = options

	if c.context != nil {
		cContext, err := c.context.cContext()
		if err != nil {
			return nil, nil, err
		}
		options.context = cContext
	}

	if len(c.nonDonatableInputs) > 0 {
		cIndices := cMallocArrayAndSet[C.int64_t](len(c.nonDonatableInputs), func(i int) C.int64_t {
			return C.int64_t(c.nonDonatableInputs[i])
		})
		defer cFree(cIndices)
		options.non_donatable_input_indices = cIndices
		options.num_non_donatable_input_indices = C.size_t(len(c.nonDonatableInputs))
	}

	// Callback state crosses the ABI as cgo handles; they are released by
	// the trampolines, or here if the dispatch itself fails.
	if c.latch == nil {
		c.latch = &errorLatch{}
	}
	latch := c.latch
	var handles []cgo.Handle
	newState := func(v any) unsafe.Pointer {
		h := cgo.NewHandle(v)
		handles = append(handles, h)
		return unsafe.Pointer(uintptr(h))
	}
	dispatched := false
	defer func() {
		if dispatched {
			return
		}
		for _, h := range handles {
			h.Delete()
		}
	}()

	if len(c.sendCallbacks) > 0 {
		infos := cMallocArrayAndSet[C.PJRT_SendCallbackInfo](len(c.sendCallbacks),
			func(i int) C.PJRT_SendCallbackInfo {
				cb := c.sendCallbacks[i]
				return C.PJRT_SendCallbackInfo{
					channel_id:    C.int64_t(cb.channelID),
					user_arg:      newState(&sendState{plugin: e.plugin, channelID: cb.channelID, fn: cb.fn, latch: latch}),
					send_callback: cSendCallback,
				}
			})
		defer cFree(infos)
		perDevice := cMallocArrayAndSet[*C.PJRT_SendCallbackInfo](1,
			func(int) *C.PJRT_SendCallbackInfo { return infos })
		defer cFree(perDevice)
		options.send_callbacks = perDevice
		options.num_send_ops = C.size_t(len(c.sendCallbacks))
	}
	if len(c.recvCallbacks) > 0 {
		infos := cMallocArrayAndSet[C.PJRT_RecvCallbackInfo](len(c.recvCallbacks),
			func(i int) C.PJRT_RecvCallbackInfo {
				cb := c.recvCallbacks[i]
				return C.PJRT_RecvCallbackInfo{
					channel_id:    C.int64_t(cb.channelID),
					user_arg:      newState(&recvState{plugin: e.plugin, channelID: cb.channelID, fn: cb.fn}),
					recv_callback: cRecvCallback,
				}
			})
		defer cFree(infos)
		perDevice := cMallocArrayAndSet[*C.PJRT_RecvCallbackInfo](1,
			func(int) *C.PJRT_RecvCallbackInfo { return infos })
		defer cFree(perDevice)
		options.recv_callbacks = perDevice
		options.num_recv_ops = C.size_t(len(c.recvCallbacks))
	}

	if len(c.inputs) > 0 {
		argList := cMallocArrayAndSet[*C.PJRT_Buffer](len(c.inputs), func(i int) *C.PJRT_Buffer {
			return c.inputs[i].wrapper.buffer
		})
		defer cFree(argList)
		perDeviceArgs := cMallocArrayAndSet[**C.PJRT_Buffer](1,
			func(int) **C.PJRT_Buffer { return argList })
		defer cFree(perDeviceArgs)
		args.argument_lists = perDeviceArgs
	}

	outputList := cMallocArray[*C.PJRT_Buffer](max(numOutputs, 1))
	defer cFree(outputList)
	perDeviceOutputs := cMallocArrayAndSet[**C.PJRT_Buffer](1,
		func(int) **C.PJRT_Buffer { return outputList })
	defer cFree(perDeviceOutputs)
	args.output_lists = perDeviceOutputs

	completionEvents := cMallocArray[*C.PJRT_Event](1)
	defer cFree(completionEvents)
	args.device_complete_events = completionEvents

	if c.device != nil {
		args.execute_device = c.device.device
	}

	if err := e.plugin.toError(C.call_PJRT_LoadedExecutable_Execute(e.plugin.api, args)); err != nil {
		return nil, nil, err
	}
	dispatched = true

	cOutputs := cDataToSlice[*C.PJRT_Buffer](unsafe.Pointer(outputList), numOutputs)
	outputs := make([]*Buffer, numOutputs)
	for ii, cBuf := range cOutputs {
		if cBuf == nil {
			return nil, nil, protocolViolationf(
				"PJRT_LoadedExecutable_Execute produced a null output buffer at #%d", ii)
		}
		outputs[ii] = newBuffer(e.client, cBuf)
	}
	cEvent := cDataToSlice[*C.PJRT_Event](unsafe.Pointer(completionEvents), 1)[0]
	if cEvent == nil {
		return nil, nil, protocolViolationf(
			"PJRT_LoadedExecutable_Execute returned a null completion event")
	}
	event := newEvent(e.plugin, cEvent)

	// Donated inputs are dead once handed to the plugin.
	for ii, input := range c.inputs {
		if slices.Contains(c.nonDonatableInputs, ii) {
			continue
		}
		if err := input.Destroy(); err != nil {
			klog.Errorf("failed to destroy donated execution input #%d: %v", ii, err)
		}
	}
	return outputs, event, nil
}

// FirstCallbackError returns the first error returned by a send or recv
// callback during this execution, or nil if every callback succeeded.
func (c *ExecutionConfig) FirstCallbackError() error {
	if c.latch == nil {
		return nil
	}
	return c.latch.err()
}

// Done runs the execution and waits for device completion. A callback
// failure fails the execution even when the plugin resolves the
// completion event OK.
func (c *ExecutionConfig) Done() ([]*Buffer, error) {
	latch := &errorLatch{}
	outputs, event, err := c.doneAsyncWithLatch(latch)
	if err != nil {
		return nil, err
	}
	if err := event.AwaitAndDestroy(); err != nil {
		if first := latch.err(); first != nil {
			return nil, errors.WithMessagef(err, "execution failed (first callback error: %v)", first)
		}
		return nil, errors.WithMessagef(err, "execution failed")
	}
	if first := latch.err(); first != nil {
		for ii, out := range outputs {
			if err := out.Destroy(); err != nil {
				klog.Errorf("failed to destroy output buffer #%d after callback error: %v", ii, err)
			}
		}
		return nil, errors.WithMessagef(first, "execution callback failed")
	}
	return outputs, nil
}

func (c *ExecutionConfig) doneAsyncWithLatch(latch *errorLatch) ([]*Buffer, *Event, error) {
	c.latch = latch
	return c.DoneAsync()
}
