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

// Package notifier implements the notification worker: on each minute
// tick it reads pending notification targets, groups them by recipient
// and by the set of jobs they cover, and delegates rendering/delivery
// to an external Reporter.
package notifier

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/crabhq/crabd/internal/metrics"
	"github.com/crabhq/crabd/internal/schedule"
	"github.com/crabhq/crabd/internal/store"
	"github.com/crabhq/crabd/internal/ticker"
)

// RecipientKey is the grouping key for firing notifications: rows
// sharing all of these fields are treated as the same recipient.
type RecipientKey struct {
	Method        string
	Address       string
	Time          string
	Timezone      string
	SkipOK        bool
	SkipWarning   bool
	SkipError     bool
	IncludeOutput bool
}

func (k RecipientKey) signature() string {
	return fmt.Sprintf("%s|%s|%s|%s|%t|%t|%t|%t", k.Method, k.Address, k.Time, k.Timezone, k.SkipOK, k.SkipWarning, k.SkipError, k.IncludeOutput)
}

// JobWindow is one job's [start, end) reporting window.
type JobWindow struct {
	JobID uint64
	Start time.Time
	End   time.Time
}

// Reporter renders and delivers a report covering jobs to every
// recipient in recipients. Rendering and delivery (HTML, RSS, SMTP)
// live outside this package; the notifier only decides who gets told
// about what.
type Reporter interface {
	Report(ctx context.Context, recipients []RecipientKey, jobs []JobWindow) error
}

type cachedSchedule struct {
	time     string
	timezone string
	sched    *schedule.Schedule
}

// Notifier is the minutely worker described above.
type Notifier struct {
	store    store.Store
	reporter Reporter
	limiter  *rate.Limiter
	logger   logr.Logger

	daily *schedule.Schedule
	cache map[uint64]cachedSchedule

	tkr *ticker.Ticker
}

// Options configures a Notifier.
type Options struct {
	Store               store.Store
	Reporter            Reporter
	DailyCronExpression string
	DailyTimezone       string
	MaxReportsPerMinute int
	Logger              logr.Logger
}

// New constructs a Notifier. Call Run to start its minute tick.
func New(opts Options) (*Notifier, error) {
	if opts.MaxReportsPerMinute <= 0 {
		opts.MaxReportsPerMinute = 50
	}
	daily, err := schedule.New(opts.DailyCronExpression, &opts.DailyTimezone)
	if err != nil {
		return nil, fmt.Errorf("compile daily notifier schedule: %w", err)
	}
	return &Notifier{
		store:    opts.Store,
		reporter: opts.Reporter,
		limiter:  rate.NewLimiter(rate.Limit(float64(opts.MaxReportsPerMinute)/60.0), opts.MaxReportsPerMinute),
		logger:   opts.Logger,
		daily:    daily,
		cache:    make(map[uint64]cachedSchedule),
	}, nil
}

// Run starts the minute tick loop until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	n.tkr = ticker.New(time.Now().UTC(), func(minute time.Time) error {
		return n.tick(ctx, minute)
	}, func(err error) {
		n.logger.Error(err, "notifier tick failed")
	})

	poll := time.NewTicker(5 * time.Second)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			n.tkr.Advance(time.Now().UTC())
		}
	}
}

type firingEntry struct {
	recipient RecipientKey
	jobID     uint64
	start     time.Time
	end       time.Time
}

// tick finds every firing notification, groups and merges by
// recipient, collapses identical job sets, and hands each off to the
// Reporter.
func (n *Notifier) tick(ctx context.Context, minute time.Time) error {
	rows, err := n.store.GetNotifications(ctx)
	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}

	var firing []firingEntry
	for _, row := range rows {
		sched, err := n.scheduleFor(row)
		if err != nil {
			n.logger.Info("notification has unparsable schedule", "notifyID", row.ID, "error", err.Error())
			continue
		}
		if !sched.Match(minute) {
			continue
		}
		start := sched.Previous(minute)
		firing = append(firing, firingEntry{
			recipient: recipientKeyOf(row),
			jobID:     row.JobID,
			start:     start,
			end:       minute,
		})
	}

	groups := groupByRecipient(firing)
	buckets := collapseByJobSet(groups)

	for _, bucket := range buckets {
		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("notifier rate limiter: %w", err)
		}
		if err := n.reporter.Report(ctx, bucket.recipients, bucket.jobs); err != nil {
			n.logger.Error(err, "reporter invocation failed")
			continue
		}
		metrics.RecordNotifierReport()
	}
	return nil
}

// scheduleFor resolves the Schedule a notification fires on: its own
// cron expression (cached per notification id, invalidated when the
// stored time/timezone changes), or the Notifier's daily fallback
// schedule when Time is null.
func (n *Notifier) scheduleFor(row store.NotificationRow) (*schedule.Schedule, error) {
	if row.Time == nil {
		return n.daily, nil
	}

	tz := ""
	if row.EffectiveTimezone != nil {
		tz = *row.EffectiveTimezone
	}
	if cached, ok := n.cache[row.ID]; ok && cached.time == *row.Time && cached.timezone == tz {
		return cached.sched, nil
	}

	var tzPtr *string
	if tz != "" {
		tzPtr = &tz
	}
	sched, err := schedule.New(*row.Time, tzPtr)
	if err != nil {
		return nil, err
	}
	n.cache[row.ID] = cachedSchedule{time: *row.Time, timezone: tz, sched: sched}
	return sched, nil
}

func recipientKeyOf(row store.NotificationRow) RecipientKey {
	timeField := ""
	if row.Time != nil {
		timeField = *row.Time
	}
	tz := ""
	if row.EffectiveTimezone != nil {
		tz = *row.EffectiveTimezone
	}
	return RecipientKey{
		Method:        row.Method,
		Address:       row.Address,
		Time:          timeField,
		Timezone:      tz,
		SkipOK:        row.SkipOK,
		SkipWarning:   row.SkipWarning,
		SkipError:     row.SkipError,
		IncludeOutput: row.IncludeOutput,
	}
}

type recipientGroup struct {
	recipient RecipientKey
	jobs      map[uint64]JobWindow
}

// groupByRecipient groups firing entries by recipient key and merges
// per-job windows to the widest [min(start), max(end)] span.
func groupByRecipient(firing []firingEntry) []recipientGroup {
	index := map[string]int{}
	var groups []recipientGroup

	for _, f := range firing {
		sig := f.recipient.signature()
		i, ok := index[sig]
		if !ok {
			groups = append(groups, recipientGroup{recipient: f.recipient, jobs: map[uint64]JobWindow{}})
			i = len(groups) - 1
			index[sig] = i
		}
		existing, has := groups[i].jobs[f.jobID]
		if !has {
			groups[i].jobs[f.jobID] = JobWindow{JobID: f.jobID, Start: f.start, End: f.end}
			continue
		}
		if f.start.Before(existing.Start) {
			existing.Start = f.start
		}
		if f.end.After(existing.End) {
			existing.End = f.end
		}
		groups[i].jobs[f.jobID] = existing
	}
	return groups
}

type reportBucket struct {
	recipients []RecipientKey
	jobs       []JobWindow
}

// jobSetSignature canonicalizes a group's job-window map so two
// groups covering the identical set of jobs over identical windows
// compare equal.
func jobSetSignature(jobs map[uint64]JobWindow) string {
	ids := make([]uint64, 0, len(jobs))
	for id := range jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	sig := ""
	for _, id := range ids {
		w := jobs[id]
		sig += fmt.Sprintf("%d:%d:%d;", id, w.Start.Unix(), w.End.Unix())
	}
	return sig
}

// collapseByJobSet merges recipient groups that ended up covering an
// identical job-window set into a single Reporter invocation, so one
// report is rendered per distinct job set.
func collapseByJobSet(groups []recipientGroup) []reportBucket {
	index := map[string]int{}
	var buckets []reportBucket

	for _, g := range groups {
		sig := jobSetSignature(g.jobs)
		i, ok := index[sig]
		if !ok {
			windows := make([]JobWindow, 0, len(g.jobs))
			for _, w := range g.jobs {
				windows = append(windows, w)
			}
			sort.Slice(windows, func(a, b int) bool { return windows[a].JobID < windows[b].JobID })
			buckets = append(buckets, reportBucket{recipients: []RecipientKey{g.recipient}, jobs: windows})
			index[sig] = len(buckets) - 1
			continue
		}
		buckets[i].recipients = append(buckets[i].recipients, g.recipient)
	}
	return buckets
}
