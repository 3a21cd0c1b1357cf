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

const addOneProgram = `
module @add_one {
  func.func @main(%arg0: tensor<f32>) -> tensor<f32> {
    %0 = stablehlo.constant dense<1.000000e+00> : tensor<f32>
    %1 = stablehlo.add %arg0, %0 : tensor<f32>
    return %1 : tensor<f32>
  }
}
`

// Returns the input unchanged and the input doubled, in that order.
const twoOutputsProgram = `
module @two_outputs {
  func.func @main(%arg0: tensor<f32>) -> (tensor<f32>, tensor<f32>) {
    %0 = stablehlo.constant dense<2.000000e+00> : tensor<f32>
    %1 = stablehlo.multiply %arg0, %0 : tensor<f32>
    return %arg0, %1 : tensor<f32>, tensor<f32>
  }
}
`

func compileTestProgram(t *testing.T, client *Client, source string) *LoadedExecutable {
	t.Helper()
	exec, err := client.Compile(&Program{
		Code:   []byte(source),
		Format: ProgramFormatMLIR,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, exec.Destroy()) })
	return exec
}

func TestExecuteAddOne(t *testing.T) {
	client := newTestClient(t)
	exec := compileTestProgram(t, client, addOneProgram)

	input, err := ScalarToBuffer(client, float32(41))
	require.NoError(t, err)
	defer func() { require.NoError(t, input.Destroy()) }()

	config := exec.Execute(input)
	outputs, event, err := config.DoneAsync()
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	require.NoError(t, event.AwaitAndDestroy())
	require.NoError(t, config.FirstCallbackError())

	out, err := BufferToScalar[float32](outputs[0])
	require.NoError(t, err)
	require.InDelta(t, float32(42), out, 1e-6)
	require.NoError(t, outputs[0].Destroy())
}

func TestExecuteTwoOutputsOrder(t *testing.T) {
	client := newTestClient(t)
	exec := compileTestProgram(t, client, twoOutputsProgram)

	input, err := ScalarToBuffer(client, float32(3))
	require.NoError(t, err)
	defer func() { require.NoError(t, input.Destroy()) }()

	outputs, err := exec.Execute(input).Done()
	require.NoError(t, err)
	require.Len(t, outputs, 2)

	first, err := BufferToScalar[float32](outputs[0])
	require.NoError(t, err)
	require.InDelta(t, float32(3), first, 1e-6)
	second, err := BufferToScalar[float32](outputs[1])
	require.NoError(t, err)
	require.InDelta(t, float32(6), second, 1e-6)
	for _, out := range outputs {
		require.NoError(t, out.Destroy())
	}
}

func TestTopologySerializeRoundTrip(t *testing.T) {
	client := newTestClient(t)
	topology, err := client.TopologyDescription()
	if CodeOf(err) == CodeUnimplemented {
		t.Skip("plugin does not expose a client topology")
	}
	require.NoError(t, err)
	name, err := topology.PlatformName()
	require.NoError(t, err)

	serialized, err := topology.Serialize()
	if CodeOf(err) == CodeUnimplemented {
		t.Skip("plugin does not implement topology serialization")
	}
	require.NoError(t, err)
	require.NotEmpty(t, serialized)

	restored, err := client.plugin.DeserializeTopology(serialized)
	require.NoError(t, err)
	defer func() { require.NoError(t, restored.Destroy()) }()
	restoredName, err := restored.PlatformName()
	require.NoError(t, err)
	require.Equal(t, name, restoredName)
}
