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

// Package plugin creates a PJRT GX platform from a PJRT plugin name.
package plugin

import (
	"github.com/pkg/errors"
	"github.com/gx-org/pjrthost/pjrt"
	"github.com/gx-org/pjrthost/platform"
)

// New returns a new PJRT platform given a plugin name.
// The plugin is loaded, its version negotiated, and a client
// created with default options.
func New(name string) (*platform.Platform, error) {
	return NewWithOptions(name, nil)
}

// NewWithOptions creates a PJRT platform given a plugin name and client options.
func NewWithOptions(name string, options pjrt.NamedValuesMap) (*platform.Platform, error) {
	plg, err := pjrt.GetPlugin(name)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot load PJRT plugin %q", name)
	}
	client, err := plg.NewClient(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "cannot create a client for PJRT plugin %q", name)
	}
	return platform.New(client), nil
}
