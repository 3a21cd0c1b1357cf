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

// Package pjrt loads PJRT plugins and adapts their versioned C function
// table to Go. A plugin is a shared library exporting GetPjrtApi; every
// call crosses the ABI through struct_size-stamped argument structs, and
// plugin-owned errors are decoded into Go errors.
package pjrt

/*
#include "chelpers.h"
*/
import "C"
import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// loadedPlugins caches plugins by name. Protected by muPlugins.
	loadedPlugins = make(map[string]*Plugin)
	muPlugins     sync.Mutex
)

// Plugin is a loaded PJRT plugin: a handle on the shared library plus its
// function table. Plugins are singletons per name and stay loaded for the
// life of the process.
type Plugin struct {
	name, path string
	api        *C.PJRT_Api
	handle     *dllHandle

	attributes NamedValuesMap
}

// GetPlugin loads (or returns the cached) plugin for the given name.
//
// The name can be a short platform name ("cpu", "cuda"), resolved against
// the search paths, or an absolute path to the plugin library.
func GetPlugin(name string) (*Plugin, error) {
	muPlugins.Lock()
	defer muPlugins.Unlock()

	if plugin, found := loadedPlugins[name]; found {
		return plugin, nil
	}
	if filepath.IsAbs(name) {
		for _, plugin := range loadedPlugins {
			if plugin.Path() == name {
				return plugin, nil
			}
		}
	}

	// Short platform names are resolved against the search paths; anything
	// that already looks like a library path goes to dlopen as is.
	pluginPath := name
	if !filepath.IsAbs(name) && filepath.Base(name) == name && filepath.Ext(name) == "" {
		found := false
		pluginPath, found = searchPlugin(name)
		if !found {
			return nil, errors.Errorf(
				"plugin %q not found in paths %v: set %s to the directories to search",
				name, pluginSearchPaths, PluginPathsEnv)
		}
	}
	klog.V(1).Infof("loading PJRT plugin from %s", pluginPath)

	handle, err := loadLibrary(pluginPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load PJRT plugin %q", name)
	}
	apiFn, err := handle.apiFn()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to resolve the API entry point of plugin %q", name)
	}
	api := C.call_GetPJRTApiFn(apiFn)
	if api == nil {
		return nil, errors.Errorf("plugin %q returned a nil function table", name)
	}
	plugin, err := newPlugin(name, pluginPath, api, handle)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize plugin %q", name)
	}
	loadedPlugins[name] = plugin
	return plugin, nil
}

// newPlugin checks the version handshake and runs the plugin's one-time
// initialization. Internal: use GetPlugin.
func newPlugin(name, path string, api *C.PJRT_Api, handle *dllHandle) (*Plugin, error) {
	plugin := &Plugin{name: name, path: path, api: api, handle: handle}

	major, minor := plugin.Version()
	if major != C.PJRT_API_MAJOR {
		return nil, errors.Errorf(
			"plugin reports API version %d.%d, incompatible with the supported major version %d",
			major, minor, C.PJRT_API_MAJOR)
	}
	if minor < C.PJRT_API_MINOR {
		klog.Warningf("plugin %s reports API version %d.%d, older than the supported %d.%d; "+
			"newer entry points will report as unimplemented", name, major, minor,
			C.PJRT_API_MAJOR, C.PJRT_API_MINOR)
	}

	initArgs := C.new_PJRT_Plugin_Initialize_Args()
	defer cFree(initArgs)
	if err := plugin.toError(C.call_PJRT_Plugin_Initialize(plugin.api, initArgs)); err != nil {
		return nil, errors.WithMessagef(err, "PJRT_Plugin_Initialize failed")
	}

	var err error
	plugin.attributes, err = plugin.readAttributes()
	if err != nil {
		// Not fatal: the plugin works without its attribute map.
		klog.Errorf("failed to read attributes of plugin %s: %v", name, err)
		plugin.attributes = NamedValuesMap{}
	}
	return plugin, nil
}

func (p *Plugin) readAttributes() (NamedValuesMap, error) {
	args := C.new_PJRT_Plugin_Attributes_Args()
	defer cFree(args)
	if err := p.toError(C.call_PJRT_Plugin_Attributes(p.api, args)); err != nil {
		return nil, err
	}
	return namedValuesToMap(args.attributes, args.num_attributes)
}

// Name returns the name the plugin was loaded under.
func (p *Plugin) Name() string { return p.name }

// Path returns the resolved path of the plugin library.
func (p *Plugin) Path() string { return p.path }

// Version returns the API version reported by the loaded plugin.
func (p *Plugin) Version() (major, minor int) {
	return int(p.api.pjrt_api_version.major_version), int(p.api.pjrt_api_version.minor_version)
}

// Attributes returns the plugin-reported attributes, decoded at load time.
func (p *Plugin) Attributes() NamedValuesMap {
	return p.attributes
}

// String implements fmt.Stringer.
func (p *Plugin) String() string {
	major, minor := p.Version()
	return fmt.Sprintf("PJRT %s plugin v%d.%d", p.name, major, minor)
}

// unimplemented is the error for entry points absent from the loaded
// plugin's function table, either null or beyond its struct_size.
func (p *Plugin) unimplemented(entryPoint string) error {
	return newError(CodeUnimplemented, "%s is not provided by plugin %s", entryPoint, p.name)
}
