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

	"k8s.io/klog/v2"
)

// ExecuteContext is an opaque plugin-side context that can be attached to
// executions via ExecutionConfig.WithContext.
type ExecuteContext struct {
	plugin  *Plugin
	wrapper *executeContextC
}

type executeContextC struct {
	plugin  *Plugin
	context *C.PJRT_ExecuteContext
}

// NewExecuteContext creates an execute context on this plugin.
func (p *Plugin) NewExecuteContext() (*ExecuteContext, error) {
	if !C.has_PJRT_ExecuteContext_Create(p.api) {
		return nil, p.unimplemented("PJRT_ExecuteContext_Create")
	}
	args := C.new_PJRT_ExecuteContext_Create_Args()
	defer cFree(args)
	if err := p.toError(C.call_PJRT_ExecuteContext_Create(p.api, args)); err != nil {
		return nil, err
	}
	if args.context == nil {
		return nil, protocolViolationf("PJRT_ExecuteContext_Create returned a null context")
	}
	ctx := &ExecuteContext{
		plugin:  p,
		wrapper: &executeContextC{plugin: p, context: args.context},
	}
	runtime.AddCleanup(ctx, func(wrapper *executeContextC) {
		if wrapper.context == nil {
			return
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("failed to destroy leaked PJRT_ExecuteContext: %v", err)
		}
	}, ctx.wrapper)
	return ctx, nil
}

func (w *executeContextC) destroy() error {
	if w == nil || w.context == nil {
		return nil
	}
	args := C.new_PJRT_ExecuteContext_Destroy_Args()
	defer cFree(args)
	args.context = w.context
	w.context = nil
	return w.plugin.toError(C.call_PJRT_ExecuteContext_Destroy(w.plugin.api, args))
}

// Destroy releases the context. Idempotent.
func (ctx *ExecuteContext) Destroy() error {
	if ctx == nil {
		return nil
	}
	return ctx.wrapper.destroy()
}

func (ctx *ExecuteContext) cContext() (*C.PJRT_ExecuteContext, error) {
	if ctx == nil || ctx.wrapper.context == nil {
		return nil, invalidArgumentf("PJRT_ExecuteContext already destroyed")
	}
	return ctx.wrapper.context, nil
}
