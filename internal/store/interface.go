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

package store

import (
	"context"
	"time"
)

// JobFilter narrows GetJobs. A nil field means "don't filter on this".
type JobFilter struct {
	Host           *string
	User           *string
	IncludeDeleted bool
	CrabID         *string
	Command        *string
	WithoutCrabID  bool
}

// JobFields is the set of optional fields UpdateJob may set.
type JobFields struct {
	Command  *string
	Time     *string
	Timezone *string
}

// JobConfigFields is the set of optional fields WriteJobConfig may set.
// Nil fields are left unchanged on an existing row, or default on a new one.
type JobConfigFields struct {
	GracePeriodMinutes *int
	TimeoutMinutes     *int
	SuccessPattern     *string
	WarningPattern     *string
	FailPattern        *string
	Note               *string
	Inhibit            *bool
}

// NotificationRow is a Notification joined to the matching Job(s),
// through its JobConfig for a config-linked notification and by
// host/user match otherwise, carrying the job id and the effective timezone
// (the notification's own, falling back to the job's).
type NotificationRow struct {
	Notification
	JobID             uint64
	EffectiveTimezone *string
}

// Store is the durable, transactional repository of jobs, events,
// per-job configuration, notification targets, and raw-crontab
// snapshots. Every mutation (and every composite read) runs inside a
// single process-wide scoped critical section; implementations must
// not permit nested acquisition.
type Store interface {
	Init() error
	Close() error

	GetJobs(ctx context.Context, filter JobFilter) ([]Job, error)
	CheckJob(ctx context.Context, host, user string, crabid *string, command string, cronTime, timezone *string) (uint64, error)
	DeleteJob(ctx context.Context, id uint64) error
	UpdateJob(ctx context.Context, id uint64, fields JobFields) error

	LogStart(ctx context.Context, host, user string, crabid *string, command string) (inhibit bool, err error)
	LogFinish(ctx context.Context, host, user string, crabid *string, command string, status int, stdout, stderr *string) error
	LogAlarm(ctx context.Context, jobID uint64, status int) error

	GetJobInfo(ctx context.Context, id uint64) (Job, error)
	GetJobConfig(ctx context.Context, id uint64) (JobConfig, error)
	WriteJobConfig(ctx context.Context, jobID uint64, fields JobConfigFields) error
	DisableInhibit(ctx context.Context, id uint64) error
	GetOrphanConfigs(ctx context.Context) ([]JobConfig, error)
	RelinkJobConfig(ctx context.Context, configID, jobID uint64) error

	GetJobEvents(ctx context.Context, jobID uint64, limit int, start, end *time.Time) ([]Event, error)
	GetEventsSince(ctx context.Context, afterStart, afterAlarm, afterFinish uint64) ([]Event, error)
	GetJobFinishes(ctx context.Context, jobID uint64, opts GetJobFinishesOptions) ([]Event, error)
	GetFailEvents(ctx context.Context, limit int) ([]Event, error)
	DeleteOldEvents(ctx context.Context, before time.Time) (int64, error)
	GetJobOutput(ctx context.Context, finishID uint64, host, user string, jobID uint64, crabid *string) (stdout, stderr string, err error)

	WriteRawCrontab(ctx context.Context, host, user string, lines []string) error
	GetRawCrontab(ctx context.Context, host, user string) ([]string, error)
	GetCrontab(ctx context.Context, host, user string) ([]string, error)
	SaveCrontab(ctx context.Context, host, user string, lines []string, defaultTimezone *string) ([]string, error)

	GetNotifications(ctx context.Context) ([]NotificationRow, error)
	GetJobNotifications(ctx context.Context, configID uint64) ([]Notification, error)
	GetMatchNotifications(ctx context.Context, host, user *string) ([]Notification, error)
	WriteNotification(ctx context.Context, n Notification) (uint64, error)
	DeleteNotification(ctx context.Context, id uint64) error
}

// GetJobFinishesOptions configures GetJobFinishes. Limit <= 0 means
// unbounded. Ordering is DESC by default; if After is set, ASC.
type GetJobFinishesOptions struct {
	Limit                 int
	FinishID              *uint64
	Before                *time.Time
	After                 *time.Time
	IncludeAlreadyRunning bool
}
