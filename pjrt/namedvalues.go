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
	"slices"
	"unsafe"
)

// NamedValuesMap holds decoded PJRT named values: plugin attributes, device
// attributes, cost analysis properties and creation options. Values are
// string, int64, []int64, float32 or bool.
type NamedValuesMap map[string]any

// GetString returns the string value under key, if present.
func (m NamedValuesMap) GetString(key string) (string, bool) {
	v, ok := m[key].(string)
	return v, ok
}

// GetInt64 returns the int64 value under key, if present.
func (m NamedValuesMap) GetInt64(key string) (int64, bool) {
	v, ok := m[key].(int64)
	return v, ok
}

// GetInt64List returns the []int64 value under key, if present.
func (m NamedValuesMap) GetInt64List(key string) ([]int64, bool) {
	v, ok := m[key].([]int64)
	return v, ok
}

// namedValuesToMap decodes a plugin-owned array of PJRT_NamedValue. The
// array and everything it points into remain owned by the plugin; all
// values are copied out.
func namedValuesToMap(cValues *C.PJRT_NamedValue, numValues C.size_t) (NamedValuesMap, error) {
	m := make(NamedValuesMap, int(numValues))
	if numValues == 0 {
		return m, nil
	}
	if cValues == nil {
		return nil, protocolViolationf("named values array is null with count %d", int(numValues))
	}
	for _, cv := range cDataToSlice[C.PJRT_NamedValue](unsafe.Pointer(cValues), int(numValues)) {
		if cv.name == nil && cv.name_size != 0 {
			return nil, protocolViolationf("named value name is null with size %d", int(cv.name_size))
		}
		name := cCharArray(cv.name, cv.name_size)
		switch cv._type {
		case C.PJRT_NamedValue_kString:
			cStr := C.pjrt_namedvalue_string(&cv)
			if cStr == nil && cv.value_size != 0 {
				return nil, protocolViolationf("named value %q has a null string with size %d",
					name, int(cv.value_size))
			}
			m[name] = cCharArray(cStr, cv.value_size)
		case C.PJRT_NamedValue_kInt64:
			m[name] = int64(C.pjrt_namedvalue_int64(&cv))
		case C.PJRT_NamedValue_kInt64List:
			cList := C.pjrt_namedvalue_int64list(&cv)
			if cList == nil && cv.value_size != 0 {
				return nil, protocolViolationf("named value %q has a null int64 list with size %d",
					name, int(cv.value_size))
			}
			list := make([]int64, int(cv.value_size))
			for i, x := range cDataToSlice[C.int64_t](unsafe.Pointer(cList), int(cv.value_size)) {
				list[i] = int64(x)
			}
			m[name] = list
		case C.PJRT_NamedValue_kFloat:
			m[name] = float32(C.pjrt_namedvalue_float(&cv))
		case C.PJRT_NamedValue_kBool:
			m[name] = bool(C.pjrt_namedvalue_bool(&cv))
		default:
			return nil, protocolViolationf("named value %q carries unknown type tag %d",
				name, int(cv._type))
		}
	}
	return m, nil
}

// cNamedValues marshals options into a C array of PJRT_NamedValue. The
// returned free function releases the array and everything it points to,
// and must be called after the ABI call returns. Keys are marshaled in
// sorted order.
func cNamedValues(options NamedValuesMap) (*C.PJRT_NamedValue, C.size_t, func(), error) {
	if len(options) == 0 {
		return nil, 0, func() {}, nil
	}
	var allocs []unsafe.Pointer
	free := func() {
		for _, p := range allocs {
			C.free(p)
		}
	}

	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	slices.Sort(names)

	cValues := cMallocArray[C.PJRT_NamedValue](len(options))
	allocs = append(allocs, unsafe.Pointer(cValues))
	values := unsafe.Slice(cValues, len(options))
	for i, name := range names {
		cv := &values[i]
		cv.struct_size = C.PJRT_NamedValue_STRUCT_SIZE
		cv.name, cv.name_size = cCString(name)
		if cv.name != nil {
			allocs = append(allocs, unsafe.Pointer(cv.name))
		}
		switch v := options[name].(type) {
		case string:
			cStr, size := cCString(v)
			if cStr != nil {
				allocs = append(allocs, unsafe.Pointer(cStr))
			}
			C.pjrt_namedvalue_set_string(cv, cStr, size)
		case int64:
			C.pjrt_namedvalue_set_int64(cv, C.int64_t(v))
		case int:
			C.pjrt_namedvalue_set_int64(cv, C.int64_t(v))
		case []int64:
			cList := cInt64Array(v)
			if cList != nil {
				allocs = append(allocs, unsafe.Pointer(cList))
			}
			C.pjrt_namedvalue_set_int64list(cv, cList, C.size_t(len(v)))
		case float32:
			C.pjrt_namedvalue_set_float(cv, C.float(v))
		case bool:
			C.pjrt_namedvalue_set_bool(cv, C.bool(v))
		default:
			free()
			return nil, 0, func() {}, invalidArgumentf(
				"option %q has unsupported type %T: must be string, int64, []int64, float32 or bool",
				name, v)
		}
	}
	return cValues, C.size_t(len(options)), free, nil
}
