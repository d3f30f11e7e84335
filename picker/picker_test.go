// Copyright 2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package picker

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorPicker(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	p := ErrorPicker(boom)
	for i := 0; i < 3; i++ {
		result, err := p.Pick(Args{Method: "/test.v1.TestService/Do"})
		require.ErrorIs(t, err, boom)
		assert.Nil(t, result.Subchannel)
		assert.Nil(t, result.Done)
	}
}
