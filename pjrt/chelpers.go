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
#include <stdlib.h>
#include <string.h>
#include "chelpers.h"
*/
import "C"
import (
	"unsafe"
)

// cFree frees a pointer allocated on the C heap. A no-op on nil.
func cFree[T any](data *T) {
	if data == nil {
		return
	}
	C.free(unsafe.Pointer(data))
}

// cMalloc allocates a zeroed T on the C heap. Must be freed with cFree.
func cMalloc[T any]() *T {
	var t T
	size := C.size_t(unsafe.Sizeof(t))
	return (*T)(C.calloc(1, size))
}

// cMallocArray allocates a zeroed contiguous array of T on the C heap.
func cMallocArray[T any](n int) *T {
	var t T
	size := C.size_t(unsafe.Sizeof(t))
	return (*T)(C.calloc(C.size_t(n), size))
}

// cMallocArrayAndSet allocates an array of T on the C heap and initializes
// element i with setFn(i).
func cMallocArrayAndSet[T any](n int, setFn func(i int) T) *T {
	ptr := cMallocArray[T](n)
	slice := unsafe.Slice(ptr, n)
	for i := range slice {
		slice[i] = setFn(i)
	}
	return ptr
}

// cDataToSlice reinterprets a C pointer + count as a Go slice aliasing the
// C memory. The caller must not retain the slice past the life of the
// underlying C allocation.
func cDataToSlice[T any](data unsafe.Pointer, n int) []T {
	if data == nil || n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(data), n)
}

// cCharArray copies a (not necessarily NUL-terminated) C char array into a
// Go string.
func cCharArray(data *C.char, size C.size_t) string {
	if data == nil || size == 0 {
		return ""
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(data)), int(size)))
}

// cCharSlice copies a C char array into a fresh Go byte slice.
func cCharSlice(data *C.char, size C.size_t) []byte {
	if data == nil || size == 0 {
		return nil
	}
	out := make([]byte, int(size))
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(data)), int(size)))
	return out
}

// cCString copies a Go string into a C char array on the C heap, returning
// the pointer and length. An empty string yields a nil pointer.
func cCString(s string) (*C.char, C.size_t) {
	if len(s) == 0 {
		return nil, 0
	}
	return C.CString(s), C.size_t(len(s))
}

// cBytes copies a Go byte slice onto the C heap. An empty slice yields nil.
func cBytes(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return C.CBytes(b)
}

// cInt64Array copies int64s onto the C heap.
func cInt64Array(xs []int64) *C.int64_t {
	if len(xs) == 0 {
		return nil
	}
	return cMallocArrayAndSet[C.int64_t](len(xs), func(i int) C.int64_t {
		return C.int64_t(xs[i])
	})
}
