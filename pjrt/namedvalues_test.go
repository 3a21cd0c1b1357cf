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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNamedValuesMapGetters(t *testing.T) {
	m := NamedValuesMap{
		"platform":  "cpu",
		"num_chips": int64(4),
		"chip_ids":  []int64{0, 1, 2, 3},
		"clock_ghz": float32(1.5),
		"has_hbm":   true,
	}

	s, ok := m.GetString("platform")
	require.True(t, ok)
	require.Equal(t, "cpu", s)

	n, ok := m.GetInt64("num_chips")
	require.True(t, ok)
	require.Equal(t, int64(4), n)

	list, ok := m.GetInt64List("chip_ids")
	require.True(t, ok)
	require.Equal(t, []int64{0, 1, 2, 3}, list)

	// Missing keys.
	_, ok = m.GetString("missing")
	require.False(t, ok)
	_, ok = m.GetInt64("missing")
	require.False(t, ok)
	_, ok = m.GetInt64List("missing")
	require.False(t, ok)

	// Wrong types.
	_, ok = m.GetString("num_chips")
	require.False(t, ok)
	_, ok = m.GetInt64("platform")
	require.False(t, ok)
	_, ok = m.GetInt64List("num_chips")
	require.False(t, ok)
}

func TestNamedValuesMapNil(t *testing.T) {
	var m NamedValuesMap
	_, ok := m.GetString("anything")
	require.False(t, ok)
}
