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

// Package platform provides the pjrt platform for GX.
package platform

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/gx-org/backend/platform"
	"github.com/gx-org/pjrthost/pjrt"
)

// Platform is the PJRT platform.
type Platform struct {
	clt *pjrt.Client

	mu      sync.Mutex
	devices map[int]*Device
}

// New PJRT platform.
func New(clt *pjrt.Client) *Platform {
	return &Platform{
		clt:     clt,
		devices: make(map[int]*Device),
	}
}

// Name of the platform.
func (plat *Platform) Name() string {
	return "pjrt"
}

// Device returns a device given its ordinal amongst the addressable
// devices of the client.
// The same pointer will be returned for the same ordinal.
// Consequently, it is valid to compare pointers to check that two devices are the same.
func (plat *Platform) Device(ordinal int) (platform.Device, error) {
	plat.mu.Lock()
	defer plat.mu.Unlock()
	if dev, ok := plat.devices[ordinal]; ok {
		return dev, nil
	}
	addressable := plat.clt.AddressableDevices()
	if ordinal < 0 || ordinal >= len(addressable) {
		return nil, errors.Errorf("device ordinal %d out of range: client has %d addressable device(s)", ordinal, len(addressable))
	}
	dev := &Device{plat: plat, dev: addressable[ordinal], ord: ordinal}
	plat.devices[ordinal] = dev
	return dev, nil
}

// Client returns the PJRT client.
func (plat *Platform) Client() *pjrt.Client {
	return plat.clt
}
