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

// Package monitor implements the scheduling engine at the heart of
// crabd: a long-lived worker that bootstraps in-memory job status from
// stored history, polls the store for new events, advances a
// minute-aligned scheduling tick to raise LATE/MISSED/TIMEOUT alarms,
// and serves a blocking long-poll for the dashboard.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/crabhq/crabd/internal/metrics"
	"github.com/crabhq/crabd/internal/schedule"
	"github.com/crabhq/crabd/internal/store"
	"github.com/crabhq/crabd/internal/ticker"
)

const historyCapacity = 10

// jobState is the in-memory state for one job, owned exclusively by
// the Monitor's run-loop goroutine.
type jobState struct {
	host, user, command string
	crabid              *string

	status      *int
	running     bool
	installed   time.Time
	history     []int
	reliability int
	scheduled   bool
	gracePeriod time.Duration
	timeout     time.Duration
}

func (s *jobState) pushHistory(status int) {
	if store.IsTrivial(status) {
		return
	}
	s.history = append(s.history, status)
	if len(s.history) > historyCapacity {
		s.history = s.history[len(s.history)-historyCapacity:]
	}
	s.reliability = reliabilityOf(s.history)
}

func reliabilityOf(history []int) int {
	if len(history) == 0 {
		return 0
	}
	successes := 0
	for _, st := range history {
		if st == store.StatusSuccess {
			successes++
		}
	}
	return 100 * successes / len(history)
}

// mergeStatus applies the status-precedence rule: trivial (LATE)
// statuses only land on a null or ok-class current status;
// warning-class statuses never downgrade an error; everything else
// (ok or error class) always wins.
func mergeStatus(current *int, incoming int) *int {
	v := incoming
	switch {
	case store.IsTrivial(incoming):
		if current == nil || store.IsOK(*current) {
			return &v
		}
		return current
	case store.IsWarning(incoming):
		if current != nil && store.IsError(*current) {
			return current
		}
		return &v
	default:
		return &v
	}
}

// JobStatusView is the per-job projection exposed in a Snapshot.
type JobStatusView struct {
	JobID       uint64
	Host        string
	User        string
	Command     string
	CrabID      *string
	Status      *int
	Running     bool
	Reliability int
	Scheduled   bool
	Installed   time.Time
}

// Snapshot is the immutable view WaitForEventSince returns: the
// current event cursors, the full per-job status map, aggregate
// warning/error counts, and service liveness.
type Snapshot struct {
	MaxStartID  uint64
	MaxAlarmID  uint64
	MaxFinishID uint64
	Jobs        map[uint64]JobStatusView
	NumWarning  int
	NumError    int
	GeneratedAt time.Time
	Alive       bool
}

// newer reports whether this snapshot has any cursor strictly ahead
// of the caller's, the long-poll wake condition.
func (s *Snapshot) newer(startCursor, alarmCursor, finishCursor uint64) bool {
	return s.MaxStartID > startCursor || s.MaxAlarmID > alarmCursor || s.MaxFinishID > finishCursor
}

// Monitor is the single-threaded worker described above. Its job maps
// and ticker are touched only from the run-loop goroutine; external
// callers interact exclusively through
// WaitForEventSince and Snapshot, both backed by an atomically
// published Snapshot.
type Monitor struct {
	store          store.Store
	pollInterval   time.Duration
	tickInterval   time.Duration
	defaultGrace   time.Duration
	defaultTimeout time.Duration
	logger         logr.Logger

	states         map[uint64]*jobState
	schedules      map[uint64]*schedule.Schedule
	lastStart      map[uint64]time.Time
	runningTimeout map[uint64]time.Time
	missedTimeout  map[uint64]time.Time

	tkr *ticker.Ticker

	snapshot atomic.Pointer[Snapshot]

	wakeMu sync.Mutex
	wakeCh chan struct{}
}

// Options configures a Monitor.
type Options struct {
	Store              store.Store
	PollInterval       time.Duration
	TickInterval       time.Duration
	DefaultGracePeriod time.Duration
	DefaultTimeout     time.Duration
	Logger             logr.Logger
}

// New constructs a Monitor. Call Run to bootstrap and start polling.
func New(opts Options) *Monitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 5 * time.Second
	}
	if opts.DefaultGracePeriod <= 0 {
		opts.DefaultGracePeriod = 2 * time.Minute
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	m := &Monitor{
		store:          opts.Store,
		pollInterval:   opts.PollInterval,
		tickInterval:   opts.TickInterval,
		defaultGrace:   opts.DefaultGracePeriod,
		defaultTimeout: opts.DefaultTimeout,
		logger:         opts.Logger,
		states:         make(map[uint64]*jobState),
		schedules:      make(map[uint64]*schedule.Schedule),
		lastStart:      make(map[uint64]time.Time),
		runningTimeout: make(map[uint64]time.Time),
		missedTimeout:  make(map[uint64]time.Time),
		wakeCh:         make(chan struct{}),
	}
	m.publish(false)
	return m
}

// Run bootstraps in-memory status from stored history and then polls
// forever until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.bootstrapAll(ctx); err != nil {
		return fmt.Errorf("bootstrap monitor: %w", err)
	}
	m.tkr = ticker.New(time.Now().UTC(), func(minute time.Time) error {
		return m.tick(ctx, minute)
	}, func(err error) {
		m.logger.Error(err, "monitor tick failed")
	})
	m.publish(true)

	pollTicker := time.NewTicker(m.pollInterval)
	defer pollTicker.Stop()
	minuteTicker := time.NewTicker(m.tickInterval)
	defer minuteTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.publish(false)
			return nil
		case <-pollTicker.C:
			if err := m.poll(ctx); err != nil {
				m.logger.Error(err, "monitor poll failed")
			}
		case <-minuteTicker.C:
			m.tkr.Advance(time.Now().UTC())
			m.sweepTimeouts(ctx)
			m.publish(true)
		}
	}
}

// bootstrapAll loads every non-deleted job's state from stored
// history.
func (m *Monitor) bootstrapAll(ctx context.Context) error {
	jobs, err := m.store.GetJobs(ctx, store.JobFilter{})
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := m.bootstrapJob(ctx, job.ID); err != nil {
			m.logger.Error(err, "bootstrap job failed", "jobID", job.ID)
		}
	}
	return nil
}

// bootstrapJob (re)loads a single job's schedule/config and replays up
// to 40 of its most recent events in chronological order. It silently
// does nothing if the job is deleted or missing, so a deletion racing
// the bootstrap is a normal outcome rather than an error.
func (m *Monitor) bootstrapJob(ctx context.Context, jobID uint64) error {
	job, err := m.store.GetJobInfo(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if job.DeletedAt != nil {
		return nil
	}

	st := &jobState{
		host:      job.Host,
		user:      job.User,
		command:   job.Command,
		crabid:    job.CrabID,
		installed: job.InstalledAt,
	}

	grace, timeout := m.defaultGrace, m.defaultTimeout
	if cfg, err := m.store.GetJobConfig(ctx, jobID); err == nil {
		if cfg.GracePeriodMinutes > 0 {
			grace = time.Duration(cfg.GracePeriodMinutes) * time.Minute
		}
		if cfg.TimeoutMinutes > 0 {
			timeout = time.Duration(cfg.TimeoutMinutes) * time.Minute
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	st.gracePeriod = grace
	st.timeout = timeout

	delete(m.schedules, jobID)
	if job.Time != nil {
		sched, err := schedule.New(*job.Time, job.Timezone)
		if err != nil {
			m.logger.Info("job has unparsable schedule", "jobID", jobID, "time", *job.Time, "error", err.Error())
			st.scheduled = false
		} else {
			m.schedules[jobID] = sched
			st.scheduled = true
		}
	}

	m.states[jobID] = st
	delete(m.lastStart, jobID)
	delete(m.runningTimeout, jobID)
	delete(m.missedTimeout, jobID)

	events, err := m.store.GetJobEvents(ctx, jobID, 40, nil, nil)
	if err != nil {
		return err
	}
	for i := len(events) - 1; i >= 0; i-- {
		m.processEvent(jobID, events[i])
	}
	return nil
}

// poll fetches events past the current cursors, applies them to the
// in-memory state, and wakes long-poll waiters if anything changed.
func (m *Monitor) poll(ctx context.Context) error {
	maxStart, maxAlarm, maxFinish := m.cursors()
	events, err := m.store.GetEventsSince(ctx, maxStart, maxAlarm, maxFinish)
	if err != nil {
		return err
	}

	for _, ev := range events {
		switch ev.Kind {
		case store.EventStart:
			maxStart = ev.ID
		case store.EventAlarm:
			maxAlarm = ev.ID
		case store.EventFinish:
			maxFinish = ev.ID
		}
		if _, ok := m.states[ev.JobID]; !ok {
			if err := m.bootstrapJob(ctx, ev.JobID); err != nil {
				m.logger.Error(err, "bootstrap on unknown job failed", "jobID", ev.JobID)
				continue
			}
			if _, ok := m.states[ev.JobID]; !ok {
				continue // deleted or missing while the event was in flight
			}
		}
		m.processEvent(ev.JobID, ev)
	}

	m.setCursors(maxStart, maxAlarm, maxFinish)

	if len(events) > 0 {
		m.publish(true)
		m.wake()
	}
	return nil
}

// processEvent merges event status into job state and updates the
// running/timeout bookkeeping.
func (m *Monitor) processEvent(jobID uint64, ev store.Event) {
	st, ok := m.states[jobID]
	if !ok {
		return
	}

	// ALREADYRUNNING is not a completion: it counts as a finish for the
	// running state machine below but never becomes the job status and
	// never enters the history ring.
	if ev.Status != nil && *ev.Status != store.StatusAlreadyRunning {
		st.status = mergeStatus(st.status, *ev.Status)
		st.pushHistory(*ev.Status)
	}

	switch {
	case ev.Kind == store.EventStart:
		st.running = true
		m.lastStart[jobID] = ev.Datetime
		m.runningTimeout[jobID] = ev.Datetime.Add(st.timeout)
		delete(m.missedTimeout, jobID)
	case ev.Kind == store.EventFinish, ev.Status != nil && *ev.Status == store.StatusTimeout:
		st.running = false
		delete(m.runningTimeout, jobID)
	}
}

// tick raises LATE for any job whose schedule matched the minute and
// whose grace period has elapsed without a start, then reconciles the
// in-memory job set against the store.
func (m *Monitor) tick(ctx context.Context, minute time.Time) error {
	for jobID, sched := range m.schedules {
		if !sched.Match(minute) {
			continue
		}
		st := m.states[jobID]
		if st == nil {
			continue
		}
		last, started := m.lastStart[jobID]
		if !started || last.Add(st.gracePeriod).Before(minute) {
			if err := m.store.LogAlarm(ctx, jobID, store.StatusLate); err != nil {
				m.logger.Error(err, "log LATE alarm failed", "jobID", jobID)
				continue
			}
			metrics.RecordAlarm("LATE")
			m.missedTimeout[jobID] = minute.Add(st.gracePeriod)
		}
	}
	return m.reconcileJobSet(ctx)
}

// reconcileJobSet brings the in-memory job set up to date: bootstrap
// new jobs, reload schedules for jobs re-installed since we last saw
// them, refresh config, and forget jobs no longer present.
func (m *Monitor) reconcileJobSet(ctx context.Context) error {
	jobs, err := m.store.GetJobs(ctx, store.JobFilter{})
	if err != nil {
		return err
	}

	present := make(map[uint64]bool, len(jobs))
	for _, job := range jobs {
		present[job.ID] = true
		st, known := m.states[job.ID]
		switch {
		case !known:
			if err := m.bootstrapJob(ctx, job.ID); err != nil {
				m.logger.Error(err, "bootstrap new job failed", "jobID", job.ID)
			}
			continue
		case job.InstalledAt.After(st.installed):
			if err := m.bootstrapJob(ctx, job.ID); err != nil {
				m.logger.Error(err, "reload reinstalled job failed", "jobID", job.ID)
			}
			continue
		}

		if cfg, err := m.store.GetJobConfig(ctx, job.ID); err == nil {
			if cfg.GracePeriodMinutes > 0 {
				st.gracePeriod = time.Duration(cfg.GracePeriodMinutes) * time.Minute
			}
			if cfg.TimeoutMinutes > 0 {
				st.timeout = time.Duration(cfg.TimeoutMinutes) * time.Minute
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			m.logger.Error(err, "refresh job config failed", "jobID", job.ID)
		}
	}

	for jobID := range m.states {
		if !present[jobID] {
			delete(m.states, jobID)
			delete(m.schedules, jobID)
			delete(m.lastStart, jobID)
			delete(m.runningTimeout, jobID)
			delete(m.missedTimeout, jobID)
		}
	}
	return nil
}

// sweepTimeouts fires MISSED/TIMEOUT alarms for deadlines that have
// passed. The alarm becomes visible to the status map only on the
// next poll cycle; it is never applied in the cycle that wrote it.
func (m *Monitor) sweepTimeouts(ctx context.Context) {
	now := time.Now().UTC()
	for jobID, deadline := range m.missedTimeout {
		if !deadline.Before(now) {
			continue
		}
		if err := m.store.LogAlarm(ctx, jobID, store.StatusMissed); err != nil {
			m.logger.Error(err, "log MISSED alarm failed", "jobID", jobID)
			continue
		}
		metrics.RecordAlarm("MISSED")
		delete(m.missedTimeout, jobID)
	}
	for jobID, deadline := range m.runningTimeout {
		if !deadline.Before(now) {
			continue
		}
		if err := m.store.LogAlarm(ctx, jobID, store.StatusTimeout); err != nil {
			m.logger.Error(err, "log TIMEOUT alarm failed", "jobID", jobID)
			continue
		}
		metrics.RecordAlarm("TIMEOUT")
		delete(m.runningTimeout, jobID)
	}
}

// ------------------------------------------------------------------
// Cursors, snapshot publication, and the long-poll waiter.
// ------------------------------------------------------------------

func (m *Monitor) cursors() (start, alarm, finish uint64) {
	snap := m.snapshot.Load()
	if snap == nil {
		return 0, 0, 0
	}
	return snap.MaxStartID, snap.MaxAlarmID, snap.MaxFinishID
}

func (m *Monitor) setCursors(start, alarm, finish uint64) {
	snap := *m.snapshot.Load()
	snap.MaxStartID, snap.MaxAlarmID, snap.MaxFinishID = start, alarm, finish
	m.snapshot.Store(&snap)
}

// publish recomputes aggregate counts and atomically swaps in a
// fresh, immutable Snapshot. Readers on other goroutines only ever
// see a fully built snapshot.
func (m *Monitor) publish(alive bool) {
	start, alarm, finish := m.cursors()
	jobs := make(map[uint64]JobStatusView, len(m.states))
	numOK, numWarning, numError := 0, 0, 0
	for id, st := range m.states {
		jobs[id] = JobStatusView{
			JobID:       id,
			Host:        st.host,
			User:        st.user,
			Command:     st.command,
			CrabID:      st.crabid,
			Status:      copyIntPtr(st.status),
			Running:     st.running,
			Reliability: st.reliability,
			Scheduled:   st.scheduled,
			Installed:   st.installed,
		}
		switch {
		case st.status == nil, store.IsOK(*st.status):
			numOK++
		case store.IsWarning(*st.status):
			numWarning++
		case store.IsError(*st.status):
			numError++
		}
	}
	metrics.SetActiveJobs("ok", float64(numOK))
	metrics.SetActiveJobs("warning", float64(numWarning))
	metrics.SetActiveJobs("error", float64(numError))
	m.snapshot.Store(&Snapshot{
		MaxStartID:  start,
		MaxAlarmID:  alarm,
		MaxFinishID: finish,
		Jobs:        jobs,
		NumWarning:  numWarning,
		NumError:    numError,
		GeneratedAt: time.Now().UTC(),
		Alive:       alive,
	})
}

func copyIntPtr(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// wake broadcasts to every blocked WaitForEventSince caller.
func (m *Monitor) wake() {
	m.wakeMu.Lock()
	close(m.wakeCh)
	m.wakeCh = make(chan struct{})
	m.wakeMu.Unlock()
}

// Snapshot returns the most recently published Snapshot.
func (m *Monitor) Snapshot() Snapshot {
	if s := m.snapshot.Load(); s != nil {
		return *s
	}
	return Snapshot{}
}

// WaitForEventSince blocks until a Monitor cursor exceeds the
// caller's, ctx is cancelled, or timeoutSeconds elapses. The timeout
// carries 0-20s of random jitter to stagger dashboard reconnects.
func (m *Monitor) WaitForEventSince(ctx context.Context, startCursor, alarmCursor, finishCursor uint64, timeoutSeconds int) Snapshot {
	if snap := m.Snapshot(); snap.newer(startCursor, alarmCursor, finishCursor) {
		return snap
	}

	m.wakeMu.Lock()
	ch := m.wakeCh
	m.wakeMu.Unlock()

	jitter := time.Duration(rand.Intn(21)) * time.Second
	timer := time.NewTimer(time.Duration(timeoutSeconds)*time.Second + jitter)
	defer timer.Stop()

	select {
	case <-ch:
	case <-timer.C:
	case <-ctx.Done():
	}
	return m.Snapshot()
}
