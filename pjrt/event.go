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
	"sync/atomic"

	"k8s.io/klog/v2"
)

// Event is a plugin-owned completion signal for an asynchronous operation.
// It resolves exactly once, either OK or with an error.
type Event struct {
	plugin  *Plugin
	wrapper *eventC
	set     atomic.Bool
}

// eventC holds the C handle, so a cleanup can destroy it after the Event
// itself is collected.
type eventC struct {
	plugin *Plugin
	event  *C.PJRT_Event

	// release, when set, runs once when the event is destroyed. Used to
	// unpin host memory that must stay put until the event resolves.
	release func()
}

func newEvent(plugin *Plugin, cEvent *C.PJRT_Event) *Event {
	return newEventWithRelease(plugin, cEvent, nil)
}

func newEventWithRelease(plugin *Plugin, cEvent *C.PJRT_Event, release func()) *Event {
	e := &Event{plugin: plugin, wrapper: &eventC{plugin: plugin, event: cEvent, release: release}}
	runtime.AddCleanup(e, func(wrapper *eventC) {
		if wrapper.event == nil {
			return
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("failed to destroy leaked PJRT_Event: %v", err)
		}
	}, e.wrapper)
	return e
}

func (w *eventC) destroy() error {
	if w == nil || w.event == nil {
		return nil
	}
	args := C.new_PJRT_Event_Destroy_Args()
	defer cFree(args)
	args.event = w.event
	w.event = nil
	err := w.plugin.toError(C.call_PJRT_Event_Destroy(w.plugin.api, args))
	if w.release != nil {
		w.release()
		w.release = nil
	}
	return err
}

// Destroy releases the event. Idempotent: later calls and the garbage
// collector cleanup become no-ops.
func (e *Event) Destroy() error {
	if e == nil {
		return nil
	}
	return e.wrapper.destroy()
}

func (e *Event) cEvent() (*C.PJRT_Event, error) {
	if e == nil || e.wrapper.event == nil {
		return nil, invalidArgumentf("PJRT_Event already destroyed")
	}
	return e.wrapper.event, nil
}

// IsReady reports whether the event has resolved.
func (e *Event) IsReady() (bool, error) {
	cEvent, err := e.cEvent()
	if err != nil {
		return false, err
	}
	args := C.new_PJRT_Event_IsReady_Args()
	defer cFree(args)
	args.event = cEvent
	if err := e.plugin.toError(C.call_PJRT_Event_IsReady(e.plugin.api, args)); err != nil {
		return false, err
	}
	return bool(args.is_ready), nil
}

// OK blocks until the event resolves and returns its resolution status.
// Querying an unready event's error is undefined, so the await comes first.
func (e *Event) OK() error {
	if err := e.Await(); err != nil {
		return err
	}
	cEvent, err := e.cEvent()
	if err != nil {
		return err
	}
	args := C.new_PJRT_Event_Error_Args()
	defer cFree(args)
	args.event = cEvent
	return e.plugin.toError(C.call_PJRT_Event_Error(e.plugin.api, args))
}

// Await blocks until the event resolves and returns its status.
func (e *Event) Await() error {
	cEvent, err := e.cEvent()
	if err != nil {
		return err
	}
	args := C.new_PJRT_Event_Await_Args()
	defer cFree(args)
	args.event = cEvent
	return e.plugin.toError(C.call_PJRT_Event_Await(e.plugin.api, args))
}

// AwaitAndDestroy blocks until the event resolves, then destroys it,
// returning the resolution status.
func (e *Event) AwaitAndDestroy() error {
	err := e.Await()
	if destroyErr := e.Destroy(); err == nil {
		err = destroyErr
	}
	return err
}

// OnReady registers fn to run when the event resolves, with the event's
// status. fn may run on a plugin-internal thread; it must not block.
func (e *Event) OnReady(fn func(error)) error {
	if fn == nil {
		return invalidArgumentf("OnReady callback is nil")
	}
	cEvent, err := e.cEvent()
	if err != nil {
		return err
	}
	if !C.has_PJRT_Event_OnReady(e.plugin.api) {
		return e.plugin.unimplemented("PJRT_Event_OnReady")
	}
	args := C.new_PJRT_Event_OnReady_Args()
	defer cFree(args)
	args.event = cEvent
	args.callback = cOnReadyCallback
	args.user_arg = newHandlePointer(&onReadyState{plugin: e.plugin, fn: fn})
	return e.plugin.toError(C.call_PJRT_Event_OnReady(e.plugin.api, args))
}

// NewEvent creates a standalone event to be resolved with Event.Set. It
// requires the plugin to provide PJRT_Event_Create.
func (p *Plugin) NewEvent() (*Event, error) {
	if !C.has_PJRT_Event_Create(p.api) {
		return nil, p.unimplemented("PJRT_Event_Create")
	}
	args := C.new_PJRT_Event_Create_Args()
	defer cFree(args)
	if err := p.toError(C.call_PJRT_Event_Create(p.api, args)); err != nil {
		return nil, err
	}
	if args.event == nil {
		return nil, protocolViolationf("PJRT_Event_Create returned a null event")
	}
	return newEvent(p, args.event), nil
}

// Set resolves an event created with NewEvent. A nil err resolves it OK;
// otherwise the event resolves with CodeOf(err) and the error's message.
// An event resolves at most once: a second Set fails locally.
func (e *Event) Set(err error) error {
	cEvent, cErr := e.cEvent()
	if cErr != nil {
		return cErr
	}
	if !C.has_PJRT_Event_Set(e.plugin.api) {
		return e.plugin.unimplemented("PJRT_Event_Set")
	}
	if !e.set.CompareAndSwap(false, true) {
		return newError(CodeFailedPrecondition, "event already resolved")
	}
	args := C.new_PJRT_Event_Set_Args()
	defer cFree(args)
	args.event = cEvent
	if err != nil {
		code := CodeOf(err)
		if code == CodeOK {
			code = CodeUnknown
		}
		args.error_code = C.PJRT_Error_Code(code)
		args.error_message, args.error_message_size = cCString(err.Error())
		defer cFree(args.error_message)
	}
	return e.plugin.toError(C.call_PJRT_Event_Set(e.plugin.api, args))
}
