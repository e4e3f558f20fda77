// Copyright 2026 The gVisor Authors.
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

package sync

import "testing"

func TestSpinnerReset(t *testing.T) {
	var s Spinner
	for i := 0; i < spinIters+4; i++ {
		s.Spin()
	}
	if s.n != spinIters {
		t.Errorf("after %d spins: got n=%d, want %d", spinIters+4, s.n, spinIters)
	}
	s.Reset()
	if s.n != 0 {
		t.Errorf("after Reset: got n=%d, want 0", s.n)
	}
}
