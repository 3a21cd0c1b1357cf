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

package plugin

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewNotFound(t *testing.T) {
	_, err := New("no-such-platform")
	require.Error(t, err)
	require.Contains(t, err.Error(), `cannot load PJRT plugin "no-such-platform"`)
}

func TestNew(t *testing.T) {
	name := os.Getenv("PJRT_PLUGIN")
	if name == "" {
		t.Skip("PJRT_PLUGIN is not set, skipping test that needs a live plugin")
	}
	plat, err := New(name)
	require.NoError(t, err)
	require.Equal(t, "pjrt", plat.Name())
	require.NotNil(t, plat.Client())

	dev, err := plat.Device(0)
	require.NoError(t, err)
	require.Equal(t, 0, dev.Ordinal())
}
