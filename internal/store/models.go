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

import "time"

// Status codes shared between the wire protocol, the store, and the
// Monitor. Negative codes are reserved for Monitor-generated alarms;
// clients may only send the non-negative subset.
const (
	StatusSuccess        = 0
	StatusFail           = 1
	StatusUnknown        = 2
	StatusCouldNotStart  = 3
	StatusWarning        = 4
	StatusAlreadyRunning = 5
	StatusInhibited      = 6

	StatusLate    = -1
	StatusMissed  = -2
	StatusTimeout = -3
	StatusCleared = -4
)

// IsTrivial reports whether status counts as "trivial" (LATE): excluded
// from history and from reliability, never downgrades an ok status.
func IsTrivial(status int) bool {
	return status == StatusLate
}

// IsOK reports whether status belongs to the "ok" class.
func IsOK(status int) bool {
	return status == StatusSuccess || status == StatusLate || status == StatusCleared
}

// IsWarning reports whether status belongs to the "warning" class.
func IsWarning(status int) bool {
	return status == StatusUnknown || status == StatusMissed || status == StatusWarning
}

// IsError reports whether status belongs to the "error" class.
func IsError(status int) bool {
	return !IsOK(status) && !IsWarning(status) &&
		status != StatusAlreadyRunning && status != StatusInhibited
}

// ClientSendableStatuses are the codes a client is permitted to report
// for a FinishEvent.
var ClientSendableStatuses = map[int]bool{
	StatusSuccess:        true,
	StatusFail:           true,
	StatusUnknown:        true,
	StatusCouldNotStart:  true,
	StatusWarning:        true,
	StatusAlreadyRunning: true,
}

// Job is the canonical identity of a scheduled command.
type Job struct {
	ID          uint64 `gorm:"primaryKey"`
	Host        string `gorm:"column:host;index:idx_job_host_user"`
	User        string `gorm:"column:user_name;index:idx_job_host_user"`
	CrabID      *string
	Command     string
	Time        *string
	Timezone    *string
	InstalledAt time.Time
	DeletedAt   *time.Time
}

func (Job) TableName() string { return "job" }

// JobConfig is optional per-Job tuning.
type JobConfig struct {
	ID                 uint64 `gorm:"primaryKey"`
	JobID              uint64 `gorm:"uniqueIndex"`
	GracePeriodMinutes int
	TimeoutMinutes     int
	SuccessPattern     *string
	WarningPattern     *string
	FailPattern        *string
	Note               string
	Inhibit            bool
}

func (JobConfig) TableName() string { return "jobconfig" }

// StartEvent is an append-only record of a client "start" report.
type StartEvent struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	JobID    uint64 `gorm:"index:idx_jobstart_job"`
	Datetime time.Time
	Command  string
}

func (StartEvent) TableName() string { return "jobstart" }

// FinishEvent is an append-only record of a client "finish" report.
type FinishEvent struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	JobID    uint64 `gorm:"index:idx_jobfinish_job"`
	Datetime time.Time
	Command  string
	Status   int
}

func (FinishEvent) TableName() string { return "jobfinish" }

// AlarmEvent is an append-only record produced only by the Monitor.
type AlarmEvent struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	JobID    uint64 `gorm:"index:idx_jobalarm_job"`
	Datetime time.Time
	Status   int
}

func (AlarmEvent) TableName() string { return "jobalarm" }

// JobOutput holds captured stdout/stderr for a FinishEvent when the
// database backend is configured to store output bodies.
type JobOutput struct {
	FinishEventID uint64 `gorm:"primaryKey"`
	Stdout        string `gorm:"type:text"`
	Stderr        string `gorm:"type:text"`
}

func (JobOutput) TableName() string { return "joboutput" }

// RawCrontab is the last textual crontab submitted for (host, user).
type RawCrontab struct {
	Host string `gorm:"primaryKey;column:host"`
	User string `gorm:"primaryKey;column:user_name"`
	Body string `gorm:"type:text"`
}

func (RawCrontab) TableName() string { return "rawcrontab" }

// Notification is either config-linked (ConfigID set, Host/User null)
// or match-based (ConfigID null, Host and/or User possibly null
// wildcards). Linking through JobConfig rather than Job means a
// notification follows its config when the config is re-linked to a
// new job.
type Notification struct {
	ID            uint64 `gorm:"primaryKey"`
	ConfigID      *uint64
	Host          *string
	User          *string `gorm:"column:user_name"`
	Method        string
	Address       string
	Time          *string
	Timezone      *string
	SkipOK        bool
	SkipWarning   bool
	SkipError     bool
	IncludeOutput bool
}

func (Notification) TableName() string { return "jobnotify" }

// EventKind tags the variant carried by Event, replacing the source's
// integer `type` column test.
type EventKind int

const (
	EventStart EventKind = iota + 1
	EventAlarm
	EventFinish
)

// Event is the tagged union GetJobEvents/GetEventsSince/GetFailEvents
// return: exactly one of Start/Finish/Alarm-shaped data is populated,
// selected by Kind.
type Event struct {
	Kind     EventKind
	ID       uint64
	JobID    uint64
	Datetime time.Time
	Command  string // set for Start and Finish
	Status   *int   // set for Finish and Alarm

	// Present on rows joined to their Job (GetFailEvents).
	Host string
	User string
}
