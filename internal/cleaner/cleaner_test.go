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

package cleaner

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crabhq/crabd/internal/store"
)

type fakeStore struct {
	store.Store
	deleteCalls []time.Time
	deleted     int64
	err         error
}

func (f *fakeStore) DeleteOldEvents(ctx context.Context, before time.Time) (int64, error) {
	f.deleteCalls = append(f.deleteCalls, before)
	return f.deleted, f.err
}

func TestTickOnlyDeletesWhenScheduleMatches(t *testing.T) {
	fs := &fakeStore{deleted: 3}
	c, err := New(Options{Store: fs, CronExpression: "0 3 * * *", Timezone: "UTC", KeepDays: 30, Logger: logr.Discard()})
	require.NoError(t, err)

	off := time.Date(2024, 1, 1, 4, 0, 0, 0, time.UTC)
	require.NoError(t, c.tick(context.Background(), off))
	assert.Empty(t, fs.deleteCalls)

	matching := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, c.tick(context.Background(), matching))
	require.Len(t, fs.deleteCalls, 1)
	assert.Equal(t, matching.AddDate(0, 0, -30), fs.deleteCalls[0])
}
