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
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
#include "chelpers.h"
*/
import "C"
import (
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"unsafe"

	"github.com/pkg/errors"
)

const (
	// PluginPathsEnv is the environment variable defining the search paths
	// for plugins, as a ":" separated list of directories.
	PluginPathsEnv = "PJRT_PLUGIN_LIBRARY_PATH"

	// getAPIFunctionName is the symbol every plugin exports to hand out its
	// function table.
	getAPIFunctionName = "GetPjrtApi"
)

// pluginSearchPaths is resolved once at startup from PluginPathsEnv, falling
// back to conventional library directories.
var pluginSearchPaths []string

func init() {
	pjrtPaths, found := os.LookupEnv(PluginPathsEnv)
	if !found {
		pluginSearchPaths = defaultLibraryPaths()
		return
	}
	pluginSearchPaths = slices.DeleteFunc(strings.Split(pjrtPaths, ":"), func(p string) bool {
		return p == ""
	})
}

func defaultLibraryPaths() []string {
	paths := []string{"/usr/local/lib", "/usr/lib"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append([]string{filepath.Join(home, ".local", "lib")}, paths...)
	}
	if ldPaths, found := os.LookupEnv("LD_LIBRARY_PATH"); found {
		for _, p := range strings.Split(ldPaths, ":") {
			if p != "" {
				paths = append(paths, p)
			}
		}
	}
	return paths
}

// dllHandle wraps a dlopen handle for one loaded plugin library.
type dllHandle struct {
	path   string
	handle unsafe.Pointer
}

// dlError returns the pending dlfcn error message, if any.
func dlError() string {
	cMsg := C.dlerror()
	if cMsg == nil {
		return ""
	}
	return C.GoString(cMsg)
}

// loadLibrary dlopens the library at path.
func loadLibrary(path string) (*dllHandle, error) {
	cPath := C.CString(path)
	defer cFree(cPath)
	C.dlerror() // Clear any previous error.
	handle := C.dlopen(cPath, C.RTLD_NOW|C.RTLD_LOCAL)
	if handle == nil {
		msg := dlError()
		if msg == "" {
			msg = "unknown dlopen failure"
		}
		return nil, errors.Errorf("failed to load plugin library %q: %s", path, msg)
	}
	return &dllHandle{path: path, handle: handle}, nil
}

// apiFn looks up the GetPjrtApi entry symbol.
func (h *dllHandle) apiFn() (C.GetPJRTApiFn, error) {
	cName := C.CString(getAPIFunctionName)
	defer cFree(cName)
	C.dlerror()
	sym := C.dlsym(h.handle, cName)
	if sym == nil {
		msg := dlError()
		if msg == "" {
			msg = "symbol is null"
		}
		return nil, errors.Errorf("plugin library %q does not export %s: %s",
			h.path, getAPIFunctionName, msg)
	}
	return C.GetPJRTApiFn(sym), nil
}

// Close unloads the library. The plugin's function table becomes invalid.
func (h *dllHandle) Close() error {
	if h.handle == nil {
		return nil
	}
	if C.dlclose(h.handle) != 0 {
		return errors.Errorf("failed to unload plugin library %q: %s", h.path, dlError())
	}
	h.handle = nil
	return nil
}

// Patterns that map a plugin file name to a short plugin name.
var rePluginName = []*regexp.Regexp{
	regexp.MustCompile(`^.*[/\\]pjrt_c_api_(.+)_plugin\.(so|dylib)$`),
	regexp.MustCompile(`^.*[/\\]pjrt[-_]plugin[-_](.+)\.(so|dylib)$`),
}

func pathToPluginName(pPath string) string {
	for _, re := range rePluginName {
		if subMatches := re.FindStringSubmatch(pPath); subMatches != nil {
			return subMatches[1]
		}
	}
	return ""
}

// AvailablePlugins searches the plugin search paths and returns a map from
// plugin name to library path. Already-loaded plugins are included first,
// so directory order decides between same-named candidates.
func AvailablePlugins() map[string]string {
	muPlugins.Lock()
	defer muPlugins.Unlock()
	return searchPlugins("")
}

func searchPlugin(searchName string) (path string, found bool) {
	pluginsFound := searchPlugins(searchName)
	path, found = pluginsFound[searchName]
	return path, found
}

func searchPlugins(searchName string) map[string]string {
	pluginsPaths := make(map[string]string)
	for name, plugin := range loadedPlugins {
		if searchName != "" && searchName != name {
			continue
		}
		pluginsPaths[name] = plugin.Path()
	}
	for _, dir := range pluginSearchPaths {
		for _, pattern := range []string{
			"pjrt-plugin-*.so", "pjrt_plugin_*.so", "pjrt_c_api_*_plugin.so",
			"pjrt-plugin-*.dylib", "pjrt_plugin_*.dylib", "pjrt_c_api_*_plugin.dylib"} {
			candidates, err := filepath.Glob(filepath.Join(dir, pattern))
			if err != nil {
				continue
			}
			for _, candidate := range candidates {
				name := pathToPluginName(candidate)
				if name == "" {
					continue
				}
				if searchName != "" && searchName != name {
					continue
				}
				if _, found := pluginsPaths[name]; found {
					continue
				}
				pluginsPaths[name] = candidate
			}
		}
	}
	return pluginsPaths
}
