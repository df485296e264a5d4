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

package api

import "time"

// startRequest is the body of PUT /api/0/start/{host}/{user}[/{crabid}].
type startRequest struct {
	Command string `json:"command"`
}

// startResponse answers a start report with whether the client should
// inhibit (skip) running the command.
type startResponse struct {
	Inhibit bool `json:"inhibit"`
}

// finishRequest is the body of PUT /api/0/finish/{host}/{user}[/{crabid}].
type finishRequest struct {
	Command string  `json:"command"`
	Status  int     `json:"status"`
	Stdout  *string `json:"stdout,omitempty"`
	Stderr  *string `json:"stderr,omitempty"`
}

// crontabPutRequest is the body of PUT /api/0/crontab/{host}/{user}.
type crontabPutRequest struct {
	Crontab  []string `json:"crontab"`
	Timezone *string  `json:"timezone,omitempty"`
}

// crontabPutResponse reports warnings produced while parsing the
// submitted crontab lines.
type crontabPutResponse struct {
	Warning []string `json:"warning"`
}

// crontabGetResponse is the body of GET /api/0/crontab/{host}/{user}.
type crontabGetResponse struct {
	Crontab []string `json:"crontab"`
}

// errorResponse is the uniform body of every non-2xx response.
type errorResponse struct {
	Error string `json:"error"`
}

// jobView is the JSON projection of a store.Job for GetJobs/jobinfo.
type jobView struct {
	ID          uint64     `json:"id"`
	Host        string     `json:"host"`
	User        string     `json:"user"`
	CrabID      *string    `json:"crabid,omitempty"`
	Command     string     `json:"command"`
	Time        *string    `json:"time,omitempty"`
	Timezone    *string    `json:"timezone,omitempty"`
	InstalledAt time.Time  `json:"installed_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// eventView is the JSON projection of a store.Event.
type eventView struct {
	Kind     string    `json:"kind"`
	ID       uint64    `json:"id"`
	JobID    uint64    `json:"job_id"`
	Datetime time.Time `json:"datetime"`
	Command  string    `json:"command,omitempty"`
	Status   *int      `json:"status,omitempty"`
}

// jobStatusView is the JSON projection of a monitor.JobStatusView.
type jobStatusView struct {
	JobID       uint64    `json:"job_id"`
	Host        string    `json:"host"`
	User        string    `json:"user"`
	Command     string    `json:"command"`
	CrabID      *string   `json:"crabid,omitempty"`
	Status      *int      `json:"status,omitempty"`
	Running     bool      `json:"running"`
	Reliability int       `json:"reliability"`
	Scheduled   bool      `json:"scheduled"`
	Installed   time.Time `json:"installed"`
}

// jobStatusResponse is the body of GET /api/0/jobstatus.
type jobStatusResponse struct {
	StartCursor  uint64          `json:"start_cursor"`
	AlarmCursor  uint64          `json:"alarm_cursor"`
	FinishCursor uint64          `json:"finish_cursor"`
	NumWarning   int             `json:"num_warning"`
	NumError     int             `json:"num_error"`
	GeneratedAt  time.Time       `json:"generated_at"`
	Alive        bool            `json:"alive"`
	Jobs         []jobStatusView `json:"jobs"`
}

// jobOutputResponse is the body of GET /api/0/jobs/{id}/output/{finishID}.
type jobOutputResponse struct {
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}
