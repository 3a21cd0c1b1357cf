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

// CopyToDeviceStream feeds host data into a device buffer waiting on a
// recv op. Handed to a RecvCallback, which owns it and must destroy it
// after pushing TotalBytes of data.
type CopyToDeviceStream struct {
	plugin  *Plugin
	wrapper *copyToDeviceStreamC
}

type copyToDeviceStreamC struct {
	plugin *Plugin
	stream *C.PJRT_CopyToDeviceStream
}

func newCopyToDeviceStream(plugin *Plugin, cStream *C.PJRT_CopyToDeviceStream) *CopyToDeviceStream {
	s := &CopyToDeviceStream{
		plugin:  plugin,
		wrapper: &copyToDeviceStreamC{plugin: plugin, stream: cStream},
	}
	runtime.AddCleanup(s, func(wrapper *copyToDeviceStreamC) {
		if wrapper.stream == nil {
			return
		}
		if err := wrapper.destroy(); err != nil {
			klog.Errorf("failed to destroy leaked PJRT_CopyToDeviceStream: %v", err)
		}
	}, s.wrapper)
	return s
}

func (w *copyToDeviceStreamC) destroy() error {
	if w == nil || w.stream == nil {
		return nil
	}
	args := C.new_PJRT_CopyToDeviceStream_Destroy_Args()
	defer cFree(args)
	args.stream = w.stream
	w.stream = nil
	return w.plugin.toError(C.call_PJRT_CopyToDeviceStream_Destroy(w.plugin.api, args))
}

// Destroy releases the stream. Idempotent. Destroying before TotalBytes
// have been pushed aborts the transfer.
func (s *CopyToDeviceStream) Destroy() error {
	if s == nil {
		return nil
	}
	return s.wrapper.destroy()
}

func (s *CopyToDeviceStream) cStream() (*C.PJRT_CopyToDeviceStream, error) {
	if s == nil || s.wrapper.stream == nil {
		return nil, invalidArgumentf("PJRT_CopyToDeviceStream already destroyed")
	}
	return s.wrapper.stream, nil
}

// AddChunk pushes data into the stream and returns the event tracking the
// chunk's transfer. The chunk size must be a multiple of GranuleSize and
// the running total must not exceed TotalBytes.
func (s *CopyToDeviceStream) AddChunk(data []byte) (*Event, error) {
	cStream, err := s.cStream()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, invalidArgumentf("AddChunk given an empty chunk")
	}
	// The chunk data is copied to the C heap; the plugin frees it through
	// the chunk deleter when consumed.
	chunk := C.pjrt_new_chunk(cBytes(data), C.size_t(len(data)))
	defer cFree(chunk)
	args := C.new_PJRT_CopyToDeviceStream_AddChunk_Args()
	defer cFree(args)
	args.stream = cStream
	args.chunk = chunk
	if err := s.plugin.toError(C.call_PJRT_CopyToDeviceStream_AddChunk(s.plugin.api, args)); err != nil {
		C.pjrt_chunk_release(chunk)
		return nil, err
	}
	if args.transfer_complete == nil {
		return nil, protocolViolationf("PJRT_CopyToDeviceStream_AddChunk returned a null event")
	}
	return newEvent(s.plugin, args.transfer_complete), nil
}

// TotalBytes returns the total size of the transfer this stream expects.
func (s *CopyToDeviceStream) TotalBytes() (int64, error) {
	cStream, err := s.cStream()
	if err != nil {
		return 0, err
	}
	args := C.new_PJRT_CopyToDeviceStream_TotalBytes_Args()
	defer cFree(args)
	args.stream = cStream
	if err := s.plugin.toError(C.call_PJRT_CopyToDeviceStream_TotalBytes(s.plugin.api, args)); err != nil {
		return 0, err
	}
	return int64(args.total_bytes), nil
}

// GranuleSize returns the chunk size granularity in bytes.
func (s *CopyToDeviceStream) GranuleSize() (int64, error) {
	cStream, err := s.cStream()
	if err != nil {
		return 0, err
	}
	args := C.new_PJRT_CopyToDeviceStream_GranuleSize_Args()
	defer cFree(args)
	args.stream = cStream
	if err := s.plugin.toError(C.call_PJRT_CopyToDeviceStream_GranuleSize(s.plugin.api, args)); err != nil {
		return 0, err
	}
	return int64(args.granule_size_in_bytes), nil
}

// CurrentBytes returns how many bytes have been pushed so far.
func (s *CopyToDeviceStream) CurrentBytes() (int64, error) {
	cStream, err := s.cStream()
	if err != nil {
		return 0, err
	}
	args := C.new_PJRT_CopyToDeviceStream_CurrentBytes_Args()
	defer cFree(args)
	args.stream = cStream
	if err := s.plugin.toError(C.call_PJRT_CopyToDeviceStream_CurrentBytes(s.plugin.api, args)); err != nil {
		return 0, err
	}
	return int64(args.current_bytes), nil
}
