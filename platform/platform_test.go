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

package platform

import (
	"encoding/binary"
	"math"
	"os"
	"testing"

	"github.com/gx-org/backend/dtype"
	"github.com/gx-org/backend/shape"
	"github.com/gx-org/pjrthost/pjrt"
	"github.com/stretchr/testify/require"
)

func float32Bytes(values []float32) []byte {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return data
}

func newTestPlatform(t *testing.T) *Platform {
	t.Helper()
	name := os.Getenv("PJRT_PLUGIN")
	if name == "" {
		t.Skip("PJRT_PLUGIN is not set, skipping test that needs a live plugin")
	}
	plugin, err := pjrt.GetPlugin(name)
	require.NoErrorf(t, err, "cannot load plugin %q", name)
	client, err := plugin.NewClient(nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Destroy()) })
	return New(client)
}

func TestPlatformDevice(t *testing.T) {
	plat := newTestPlatform(t)
	require.Equal(t, "pjrt", plat.Name())

	dev, err := plat.Device(0)
	require.NoError(t, err)
	again, err := plat.Device(0)
	require.NoError(t, err)
	require.Same(t, dev, again)

	_, err = plat.Device(-1)
	require.Error(t, err)
	_, err = plat.Device(1 << 20)
	require.Error(t, err)
}

func TestSendAndFetch(t *testing.T) {
	plat := newTestPlatform(t)
	dev, err := plat.Device(0)
	require.NoError(t, err)

	values := []float32{1, 2, 3, 4}
	sh := &shape.Shape{DType: dtype.Float32, AxisLengths: []int{4}}
	handle, err := dev.Send(float32Bytes(values), sh)
	require.NoError(t, err)
	require.Equal(t, sh, handle.Shape())
	require.Same(t, dev, handle.Device())

	pjrtHandle, ok := handle.(*Handle)
	require.True(t, ok)
	back, err := pjrt.BufferToFlatData[float32](pjrtHandle.OnDeviceBuffer())
	require.NoError(t, err)
	require.Equal(t, values, back)
	require.NoError(t, pjrtHandle.Free())
}

func TestSendInvalidDType(t *testing.T) {
	plat := newTestPlatform(t)
	dev, err := plat.Device(0)
	require.NoError(t, err)

	sh := &shape.Shape{DType: dtype.Invalid, AxisLengths: []int{1}}
	_, err = dev.Send(make([]byte, 8), sh)
	require.Error(t, err)
	require.Contains(t, err.Error(), "not supported")
}
