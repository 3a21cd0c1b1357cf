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
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// loadTestPlugin loads the plugin named by the PJRT_PLUGIN environment
// variable, skipping the test when none is configured.
func loadTestPlugin(t *testing.T) *Plugin {
	t.Helper()
	name := os.Getenv("PJRT_PLUGIN")
	if name == "" {
		t.Skip("PJRT_PLUGIN is not set, skipping test that needs a live plugin")
	}
	plugin, err := GetPlugin(name)
	require.NoErrorf(t, err, "cannot load plugin %q", name)
	return plugin
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	plugin := loadTestPlugin(t)
	client, err := plugin.NewClient(nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, client.Destroy()) })
	return client
}

func TestGetPluginNotFound(t *testing.T) {
	_, err := GetPlugin("no-such-platform")
	require.Error(t, err)
	require.Contains(t, err.Error(), PluginPathsEnv)
}

func TestGetPluginCached(t *testing.T) {
	plugin := loadTestPlugin(t)
	again, err := GetPlugin(os.Getenv("PJRT_PLUGIN"))
	require.NoError(t, err)
	require.Same(t, plugin, again)
}

func TestPluginMetadata(t *testing.T) {
	plugin := loadTestPlugin(t)
	require.NotEmpty(t, plugin.Path())
	// The handshake only lets through plugins with the supported major.
	major, minor := plugin.Version()
	require.Equal(t, 0, major)
	require.GreaterOrEqual(t, minor, 0)
	require.NotNil(t, plugin.Attributes())
	require.NotEmpty(t, plugin.String())
}

func TestClientDevices(t *testing.T) {
	client := newTestClient(t)
	require.NotEmpty(t, client.Platform())

	devices, err := client.Devices()
	require.NoError(t, err)
	require.NotEmpty(t, devices)

	addressable := client.AddressableDevices()
	require.NotEmpty(t, addressable)
	for _, dev := range addressable {
		ok, err := dev.IsAddressable()
		require.NoError(t, err)
		require.True(t, ok)
	}

	desc, err := devices[0].Description()
	require.NoError(t, err)
	kind, err := desc.Kind()
	require.NoError(t, err)
	require.NotEmpty(t, kind)
}

func TestBufferUploadDownload(t *testing.T) {
	client := newTestClient(t)
	values := []float32{1, 2, 3, 4, 5, 6}
	buffer, err := BufferFromHostSlice(client, values, []int64{2, 3})
	require.NoError(t, err)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	dims, err := buffer.Dimensions()
	require.NoError(t, err)
	require.Equal(t, []int64{2, 3}, dims)

	back, err := BufferToFlatData[float32](buffer)
	require.NoError(t, err)
	require.Equal(t, values, back)
}

func TestScalarRoundTrip(t *testing.T) {
	client := newTestClient(t)
	buffer, err := ScalarToBuffer(client, int32(42))
	require.NoError(t, err)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	v, err := BufferToScalar[int32](buffer)
	require.NoError(t, err)
	require.Equal(t, int32(42), v)
}

func TestCompileValidation(t *testing.T) {
	client := newTestClient(t)

	_, err := client.Compile(nil, nil)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))

	_, err = client.Compile(&Program{Code: []byte("module {}")}, nil)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestDefaultDeviceAssignment(t *testing.T) {
	client := newTestClient(t)

	_, err := client.DefaultDeviceAssignment(-1, 1)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))

	assignment, err := client.DefaultDeviceAssignment(1, 1)
	require.NoError(t, err)
	require.Len(t, assignment, 1)
}

func TestEventSetAndAwait(t *testing.T) {
	plugin := loadTestPlugin(t)
	event, err := plugin.NewEvent()
	if CodeOf(err) == CodeUnimplemented {
		t.Skip("plugin does not implement host-created events")
	}
	require.NoError(t, err)
	require.NoError(t, event.Set(nil))
	require.NoError(t, event.AwaitAndDestroy())
}

func TestBufferDeleteTransition(t *testing.T) {
	client := newTestClient(t)
	buffer, err := BufferFromHostSlice(client, []int32{1, 2, 3}, []int64{3})
	require.NoError(t, err)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	deleted, err := buffer.IsDeleted()
	require.NoError(t, err)
	require.False(t, deleted)

	require.NoError(t, buffer.Delete())
	deleted, err = buffer.IsDeleted()
	require.NoError(t, err)
	require.True(t, deleted)
}

func TestBufferOnDeviceSize(t *testing.T) {
	client := newTestClient(t)
	values := []float64{1, 2, 3, 4, 5}
	buffer, err := BufferFromHostSlice(client, values, []int64{5})
	require.NoError(t, err)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	size, err := buffer.OnDeviceSizeInBytes()
	require.NoError(t, err)
	require.GreaterOrEqual(t, size, 8*len(values))
}

func TestOnReadyNilCallback(t *testing.T) {
	client := newTestClient(t)
	buffer, err := BufferFromHostSlice(client, []float32{1}, []int64{1})
	require.NoError(t, err)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	event, err := buffer.ReadyEvent()
	require.NoError(t, err)
	defer func() { require.NoError(t, event.Destroy()) }()

	err = event.OnReady(nil)
	require.Equal(t, CodeInvalidArgument, CodeOf(err))
}

func TestPoisonExecution(t *testing.T) {
	client := newTestClient(t)
	dev := client.AddressableDevices()[0]

	// No execution carries this launch id; nothing must be poisoned.
	poisoned, err := dev.PoisonExecution(1<<30, newError(CodeAborted, "requested abort"))
	if CodeOf(err) == CodeUnimplemented {
		t.Skip("plugin does not implement execution poisoning")
	}
	require.NoError(t, err)
	require.False(t, poisoned)
}

func TestCreateAsyncTrackingEvent(t *testing.T) {
	client := newTestClient(t)
	dev := client.AddressableDevices()[0]

	event, err := dev.CreateAsyncTrackingEvent("upload batch")
	if CodeOf(err) == CodeUnimplemented {
		t.Skip("plugin does not implement async tracking events")
	}
	require.NoError(t, err)
	require.NoError(t, event.Destroy())
	// Destroy is idempotent.
	require.NoError(t, event.Destroy())
}

func TestEventOKAwaits(t *testing.T) {
	client := newTestClient(t)
	buffer, err := BufferFromHostSlice(client, []float32{1, 2}, []int64{2})
	require.NoError(t, err)
	defer func() { require.NoError(t, buffer.Destroy()) }()

	event, err := buffer.ReadyEvent()
	require.NoError(t, err)
	defer func() { require.NoError(t, event.Destroy()) }()

	// OK blocks until the event resolves; no IsReady polling needed first.
	require.NoError(t, event.OK())
}
