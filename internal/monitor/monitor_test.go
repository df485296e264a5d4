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

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crabhq/crabd/internal/store"
)

func at(minute int) time.Time {
	return time.Date(2024, 1, 1, 0, minute, 0, 0, time.UTC)
}

func statusEvent(kind store.EventKind, jobID uint64, minute int, status int) store.Event {
	s := status
	return store.Event{Kind: kind, JobID: jobID, Datetime: at(minute), Status: &s}
}

// A history of [SUCCESS, LATE, UNKNOWN, FAIL, MISSED, SUCCESS]
// applied in order: the first five collapse to FAIL (MISSED cannot
// downgrade an error), then the trailing SUCCESS overwrites it.
func TestStatusPrecedence(t *testing.T) {
	m := New(Options{Store: nil})
	m.states[1] = &jobState{}

	sequence := []int{store.StatusSuccess, store.StatusLate, store.StatusUnknown, store.StatusFail, store.StatusMissed}
	for i, status := range sequence {
		m.processEvent(1, statusEvent(store.EventFinish, 1, i, status))
	}
	require.NotNil(t, m.states[1].status)
	assert.Equal(t, store.StatusFail, *m.states[1].status)

	m.processEvent(1, statusEvent(store.EventFinish, 1, len(sequence), store.StatusSuccess))
	assert.Equal(t, store.StatusSuccess, *m.states[1].status)
}

// LATE never enters history; reliability is an integer in
// [0, 100] and ignores LATE entries.
func TestReliabilityIgnoresLate(t *testing.T) {
	m := New(Options{Store: nil})
	m.states[1] = &jobState{}

	events := []int{store.StatusSuccess, store.StatusLate, store.StatusSuccess, store.StatusFail}
	for i, status := range events {
		m.processEvent(1, statusEvent(store.EventFinish, 1, i, status))
	}

	st := m.states[1]
	require.Len(t, st.history, 3) // LATE excluded
	assert.Equal(t, 66, st.reliability) // 2/3 successes, integer division
}

func TestStartEventSetsRunningAndTimeoutDeadline(t *testing.T) {
	m := New(Options{Store: nil})
	m.states[1] = &jobState{timeout: 5 * time.Minute}

	start := at(0)
	m.processEvent(1, store.Event{Kind: store.EventStart, JobID: 1, Datetime: start})

	assert.True(t, m.states[1].running)
	assert.Equal(t, start, m.lastStart[1])
	assert.Equal(t, start.Add(5*time.Minute), m.runningTimeout[1])
}

func TestFinishEventClearsRunning(t *testing.T) {
	m := New(Options{Store: nil})
	m.states[1] = &jobState{running: true}
	m.runningTimeout[1] = at(5)

	m.processEvent(1, statusEvent(store.EventFinish, 1, 5, store.StatusSuccess))

	assert.False(t, m.states[1].running)
	_, stillTracked := m.runningTimeout[1]
	assert.False(t, stillTracked)
}

// An alarm TIMEOUT event also clears running, mirroring a client
// FINISH.
func TestTimeoutAlarmClearsRunning(t *testing.T) {
	m := New(Options{Store: nil})
	m.states[1] = &jobState{running: true}
	m.runningTimeout[1] = at(5)

	m.processEvent(1, statusEvent(store.EventAlarm, 1, 5, store.StatusTimeout))

	assert.False(t, m.states[1].running)
}

func TestMergeStatusWarningNeverDowngradesError(t *testing.T) {
	errStatus := store.StatusFail
	result := mergeStatus(&errStatus, store.StatusMissed)
	require.NotNil(t, result)
	assert.Equal(t, store.StatusFail, *result)
}

func TestMergeStatusLateOnlySetsOnOkOrNil(t *testing.T) {
	assert.Equal(t, store.StatusLate, *mergeStatus(nil, store.StatusLate))

	ok := store.StatusSuccess
	assert.Equal(t, store.StatusLate, *mergeStatus(&ok, store.StatusLate))

	warn := store.StatusWarning
	assert.Equal(t, store.StatusWarning, *mergeStatus(&warn, store.StatusLate))
}

func TestSnapshotAggregatesWarningAndErrorCounts(t *testing.T) {
	m := New(Options{Store: nil})
	warn := store.StatusWarning
	fail := store.StatusFail
	ok := store.StatusSuccess
	m.states[1] = &jobState{status: &warn}
	m.states[2] = &jobState{status: &fail}
	m.states[3] = &jobState{status: &ok}

	m.publish(true)
	snap := m.Snapshot()
	assert.Equal(t, 1, snap.NumWarning)
	assert.Equal(t, 1, snap.NumError)
	assert.Len(t, snap.Jobs, 3)
}

func TestWaitForEventSinceReturnsImmediatelyWhenAlreadyNewer(t *testing.T) {
	m := New(Options{Store: nil})
	m.setCursors(5, 0, 0)
	m.publish(true)

	snap := m.WaitForEventSince(context.Background(), 0, 0, 0, 0)
	assert.Equal(t, uint64(5), snap.MaxStartID)
}

// ALREADYRUNNING counts as a finish for the running state machine but
// never becomes the job status and never enters the history ring.
func TestAlreadyRunningIsNotACompletion(t *testing.T) {
	m := New(Options{Store: nil})
	m.states[1] = &jobState{running: true}
	m.runningTimeout[1] = at(5)

	m.processEvent(1, statusEvent(store.EventFinish, 1, 5, store.StatusAlreadyRunning))

	st := m.states[1]
	assert.False(t, st.running)
	assert.Nil(t, st.status)
	assert.Empty(t, st.history)
}

func ptr[T any](v T) *T { return &v }

func newTestStore(t *testing.T) *store.GormStore {
	t.Helper()
	st, err := store.NewGormStore("sqlite", "file::memory:?cache=shared", "db", "")
	require.NoError(t, err)
	require.NoError(t, st.Init())
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// A scheduled minute with no start raises LATE at the tick; once the
// grace period passes without a start, the sweep raises MISSED.
func TestTickEmitsLateThenSweepEmitsMissed(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	id, err := st.CheckJob(ctx, "h1", "u1", nil, "/bin/a", ptr("* * * * *"), ptr("UTC"))
	require.NoError(t, err)

	m := New(Options{Store: st})
	require.NoError(t, m.bootstrapAll(ctx))

	// A minute comfortably in the past, so the grace deadline set by
	// the LATE path has already expired by the time the sweep runs.
	minute := time.Now().UTC().Add(-10 * time.Minute).Truncate(time.Minute)
	require.NoError(t, m.tick(ctx, minute))

	events, err := st.GetEventsSince(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventAlarm, events[0].Kind)
	assert.Equal(t, store.StatusLate, *events[0].Status)
	assert.Equal(t, minute.Add(m.defaultGrace), m.missedTimeout[id])

	m.sweepTimeouts(ctx)

	events, err = st.GetEventsSince(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, store.StatusMissed, *events[1].Status)
	_, tracked := m.missedTimeout[id]
	assert.False(t, tracked)
}

// A start with no finish before the timeout deadline raises TIMEOUT;
// the next poll applies the alarm and clears the running flag.
func TestSweepEmitsTimeoutAndPollClearsRunning(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	id, err := st.CheckJob(ctx, "h1", "u1", nil, "/bin/a", nil, nil)
	require.NoError(t, err)

	m := New(Options{Store: st})
	require.NoError(t, m.bootstrapAll(ctx))

	m.processEvent(id, store.Event{Kind: store.EventStart, JobID: id, Datetime: time.Now().UTC().Add(-10 * time.Minute)})
	require.True(t, m.states[id].running)

	m.sweepTimeouts(ctx)

	events, err := st.GetEventsSince(ctx, 0, 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, store.EventAlarm, events[0].Kind)
	assert.Equal(t, store.StatusTimeout, *events[0].Status)

	require.NoError(t, m.poll(ctx))
	assert.False(t, m.states[id].running)
	assert.Equal(t, store.StatusTimeout, *m.states[id].status)
}

// A start event arriving for the scheduled minute cancels the pending
// MISSED deadline.
func TestStartCancelsPendingMissedDeadline(t *testing.T) {
	m := New(Options{Store: nil})
	m.states[1] = &jobState{timeout: 5 * time.Minute}
	m.missedTimeout[1] = at(2)

	m.processEvent(1, store.Event{Kind: store.EventStart, JobID: 1, Datetime: at(1)})

	_, tracked := m.missedTimeout[1]
	assert.False(t, tracked)
}
