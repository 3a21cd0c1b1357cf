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

func TestPathToPluginName(t *testing.T) {
	for path, want := range map[string]string{
		"/usr/local/lib/pjrt_c_api_cpu_plugin.so": "cpu",
		"/opt/xla/pjrt_c_api_gpu_plugin.dylib":    "gpu",
		"/home/u/.local/lib/pjrt-plugin-tpu.so":   "tpu",
		"/usr/lib/pjrt_plugin_metal.dylib":        "metal",
		"/usr/lib/libtpu.so":                      "",
		"pjrt_c_api_cpu_plugin.so":                "",
	} {
		require.Equalf(t, want, pathToPluginName(path), "path %q", path)
	}
}

func TestAvailablePlugins(t *testing.T) {
	// No plugin installed is fine: the search must still return a usable map.
	plugins := AvailablePlugins()
	require.NotNil(t, plugins)
	for name, path := range plugins {
		require.NotEmpty(t, name)
		require.NotEmpty(t, path)
	}
}
