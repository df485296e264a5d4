/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ticker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatchesUpMissedMinutes(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 30, 0, time.UTC)

	var fired []time.Time
	tk := New(start, func(minute time.Time) error {
		fired = append(fired, minute)
		return nil
	}, nil)

	// Pause long enough that minutes 1-3 are wholly in the past; minute
	// 4 is still current and must not fire yet.
	now := start.Add(4 * time.Minute)
	tk.Advance(now)

	require.Len(t, fired, 3)
	assert.Equal(t, 1, fired[0].Minute())
	assert.Equal(t, 2, fired[1].Minute())
	assert.Equal(t, 3, fired[2].Minute())
}

func TestNoTickWithinSameMinute(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var fired int
	tk := New(start, func(time.Time) error { fired++; return nil }, nil)
	tk.Advance(start.Add(10 * time.Second))
	assert.Equal(t, 0, fired)
}

func TestErrorsAreSwallowed(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var caught error
	tk := New(start, func(time.Time) error { return assertErr }, func(err error) { caught = err })
	tk.Advance(start.Add(2 * time.Minute))
	require.Error(t, caught)
}

var assertErr = assertError("boom")

type assertError string

func (e assertError) Error() string { return string(e) }
