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

// Package cleaner implements the retention worker: on a configurable
// cron schedule it deletes job event history older than the retention
// window.
package cleaner

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/crabhq/crabd/internal/metrics"
	"github.com/crabhq/crabd/internal/schedule"
	"github.com/crabhq/crabd/internal/store"
	"github.com/crabhq/crabd/internal/ticker"
)

// Cleaner is the minutely retention worker.
type Cleaner struct {
	store    store.Store
	sched    *schedule.Schedule
	keepDays int
	logger   logr.Logger

	tkr *ticker.Ticker
}

// Options configures a Cleaner.
type Options struct {
	Store          store.Store
	CronExpression string
	Timezone       string
	KeepDays       int
	Logger         logr.Logger
}

// New constructs a Cleaner. Call Run to start its minute tick.
func New(opts Options) (*Cleaner, error) {
	if opts.KeepDays <= 0 {
		opts.KeepDays = 90
	}
	var tz *string
	if opts.Timezone != "" {
		tz = &opts.Timezone
	}
	sched, err := schedule.New(opts.CronExpression, tz)
	if err != nil {
		return nil, fmt.Errorf("compile cleaner schedule: %w", err)
	}
	return &Cleaner{
		store:    opts.Store,
		sched:    sched,
		keepDays: opts.KeepDays,
		logger:   opts.Logger,
	}, nil
}

// Run starts the minute tick loop until ctx is cancelled.
func (c *Cleaner) Run(ctx context.Context) error {
	c.tkr = ticker.New(time.Now().UTC(), func(minute time.Time) error {
		return c.tick(ctx, minute)
	}, func(err error) {
		c.logger.Error(err, "cleaner tick failed")
	})

	poll := time.NewTicker(5 * time.Second)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			c.tkr.Advance(time.Now().UTC())
		}
	}
}

// tick deletes event history older than the retention window whenever
// minute matches the configured retention cron expression.
func (c *Cleaner) tick(ctx context.Context, minute time.Time) error {
	if !c.sched.Match(minute) {
		return nil
	}

	cutoff := minute.AddDate(0, 0, -c.keepDays)
	deleted, err := c.store.DeleteOldEvents(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("delete old events: %w", err)
	}
	if deleted > 0 {
		metrics.RecordCleanerDeletes(float64(deleted))
		c.logger.Info("deleted old event history", "recordsDeleted", deleted, "cutoff", cutoff)
	}
	return nil
}
