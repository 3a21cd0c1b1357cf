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
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gx-org/backend/dtype"
	"github.com/stretchr/testify/require"
)

func TestDTypeRoundTrip(t *testing.T) {
	for _, k := range []dtype.DataType{
		dtype.Bool,
		dtype.Float32,
		dtype.Float64,
		dtype.Int32,
		dtype.Int64,
		dtype.Uint32,
		dtype.Uint64,
	} {
		dt := ToDType(k)
		require.NotEqualf(t, dtypes.InvalidDType, dt, "datatype %s", k)
		require.Equalf(t, k, ToGXDType(dt), "datatype %s", k)
	}
}

func TestDTypeInvalid(t *testing.T) {
	require.Equal(t, dtypes.InvalidDType, ToDType(dtype.Invalid))
	require.Equal(t, dtype.Invalid, ToGXDType(dtypes.InvalidDType))
	require.Equal(t, dtype.Invalid, ToGXDType(dtypes.Int8))
}
