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

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/crabhq/crabd/internal/metrics"
	"github.com/crabhq/crabd/internal/monitor"
	"github.com/crabhq/crabd/internal/store"
)

// handlers holds every dependency the IngestAPI/QueryAPI routes need.
type handlers struct {
	store     store.Store
	mon       *monitor.Monitor
	startTime time.Time
}

func newHandlers(s store.Store, m *monitor.Monitor, startTime time.Time) *handlers {
	return &handlers{store: s, mon: m, startTime: startTime}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func (h *handlers) getHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": Version,
		"uptime":  time.Since(h.startTime).String(),
	})
}

// putStart handles PUT /api/0/start/{host}/{user}[/{crabid}]: it
// validates (host, user), calls Store.LogStart, and answers whether
// the client should inhibit this run.
func (h *handlers) putStart(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	user := chi.URLParam(r, "user")
	if host == "" || user == "" {
		writeError(w, http.StatusBadRequest, "host and user are required")
		return
	}
	crabid := crabIDParam(r)

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}

	inhibit, err := h.store.LogStart(r.Context(), host, user, crabid, req.Command)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.RecordIngest("start")
	writeJSON(w, http.StatusOK, startResponse{Inhibit: inhibit})
}

// putFinish handles PUT /api/0/finish/{host}/{user}[/{crabid}]: it
// validates (host, user) and that status is in the client-sendable
// set, then calls Store.LogFinish.
func (h *handlers) putFinish(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	user := chi.URLParam(r, "user")
	if host == "" || user == "" {
		writeError(w, http.StatusBadRequest, "host and user are required")
		return
	}
	crabid := crabIDParam(r)

	var req finishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if !store.ClientSendableStatuses[req.Status] {
		writeError(w, http.StatusBadRequest, "status is not a client-sendable status code")
		return
	}

	if err := h.store.LogFinish(r.Context(), host, user, crabid, req.Command, req.Status, req.Stdout, req.Stderr); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.RecordIngest("finish")
	w.WriteHeader(http.StatusOK)
}

// putCrontab handles PUT /api/0/crontab/{host}/{user}: it requires a
// "crontab" field, calls Store.SaveCrontab, and returns any parse
// warnings.
func (h *handlers) putCrontab(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	user := chi.URLParam(r, "user")
	if host == "" || user == "" {
		writeError(w, http.StatusBadRequest, "host and user are required")
		return
	}

	var req crontabPutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if req.Crontab == nil {
		writeError(w, http.StatusBadRequest, "crontab field is required")
		return
	}

	warnings, err := h.store.SaveCrontab(r.Context(), host, user, req.Crontab, req.Timezone)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.RecordIngest("crontab")
	writeJSON(w, http.StatusOK, crontabPutResponse{Warning: warnings})
}

// getCrontab handles GET /api/0/crontab/{host}/{user}[?raw=true]:
// raw=true returns the last submitted textual crontab verbatim;
// otherwise the rendered, reconciled form.
func (h *handlers) getCrontab(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")
	user := chi.URLParam(r, "user")
	if host == "" || user == "" {
		writeError(w, http.StatusBadRequest, "host and user are required")
		return
	}

	var (
		lines []string
		err   error
	)
	if r.URL.Query().Get("raw") == "true" {
		lines, err = h.store.GetRawCrontab(r.Context(), host, user)
	} else {
		lines, err = h.store.GetCrontab(r.Context(), host, user)
	}
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// No crontab recorded for (host, user): "crontab" is null.
			writeJSON(w, http.StatusOK, crontabGetResponse{})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, crontabGetResponse{Crontab: lines})
}

// getJobStatus handles GET /api/0/jobstatus, the monitor long-poll
// the dashboard refreshes from.
func (h *handlers) getJobStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	startCursor := parseUintQuery(q, "start_cursor")
	alarmCursor := parseUintQuery(q, "alarm_cursor")
	finishCursor := parseUintQuery(q, "finish_cursor")
	timeoutSeconds := 30
	if v, err := strconv.Atoi(q.Get("timeout")); err == nil && v > 0 {
		timeoutSeconds = v
	}

	snap := h.mon.WaitForEventSince(r.Context(), startCursor, alarmCursor, finishCursor, timeoutSeconds)

	jobs := make([]jobStatusView, 0, len(snap.Jobs))
	for _, job := range snap.Jobs {
		jobs = append(jobs, jobStatusView{
			JobID:       job.JobID,
			Host:        job.Host,
			User:        job.User,
			Command:     job.Command,
			CrabID:      job.CrabID,
			Status:      job.Status,
			Running:     job.Running,
			Reliability: job.Reliability,
			Scheduled:   job.Scheduled,
			Installed:   job.Installed,
		})
	}

	writeJSON(w, http.StatusOK, jobStatusResponse{
		StartCursor:  snap.MaxStartID,
		AlarmCursor:  snap.MaxAlarmID,
		FinishCursor: snap.MaxFinishID,
		NumWarning:   snap.NumWarning,
		NumError:     snap.NumError,
		GeneratedAt:  snap.GeneratedAt,
		Alive:        snap.Alive,
		Jobs:         jobs,
	})
}

// getJobs handles GET /api/0/jobs[?host=&user=], backed by
// Store.GetJobs.
func (h *handlers) getJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.JobFilter{}
	if host := q.Get("host"); host != "" {
		filter.Host = &host
	}
	if user := q.Get("user"); user != "" {
		filter.User = &user
	}

	jobs, err := h.store.GetJobs(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, jobViewOf(j))
	}
	writeJSON(w, http.StatusOK, views)
}

// getJobInfo handles GET /api/0/jobs/{id}.
func (h *handlers) getJobInfo(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.store.GetJobInfo(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobViewOf(job))
}

// getJobEvents handles GET /api/0/jobs/{id}/events[?limit=], backed by
// Store.GetJobEvents.
func (h *handlers) getJobEvents(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	limit := 100
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = v
	}

	events, err := h.store.GetJobEvents(r.Context(), id, limit, nil, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eventViewsOf(events))
}

// getJobFinishes handles GET /api/0/jobs/{id}/finishes[?limit=],
// backed by Store.GetJobFinishes.
func (h *handlers) getJobFinishes(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	opts := store.GetJobFinishesOptions{}
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		opts.Limit = v
	}

	finishes, err := h.store.GetJobFinishes(r.Context(), id, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, eventViewsOf(finishes))
}

// getJobOutput handles GET /api/0/jobs/{id}/output/{finishID}, backed
// by Store.GetJobOutput.
func (h *handlers) getJobOutput(w http.ResponseWriter, r *http.Request) {
	id, err := parseUintParam(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}
	finishID, err := parseUintParam(r, "finishID")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid finish id")
		return
	}

	job, err := h.store.GetJobInfo(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	stdout, stderr, err := h.store.GetJobOutput(r.Context(), finishID, job.Host, job.User, job.ID, job.CrabID)
	if err != nil {
		if errors.Is(err, store.ErrNoOutput) || errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "output not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobOutputResponse{Stdout: stdout, Stderr: stderr})
}

func jobViewOf(j store.Job) jobView {
	return jobView{
		ID:          j.ID,
		Host:        j.Host,
		User:        j.User,
		CrabID:      j.CrabID,
		Command:     j.Command,
		Time:        j.Time,
		Timezone:    j.Timezone,
		InstalledAt: j.InstalledAt,
		DeletedAt:   j.DeletedAt,
	}
}

func eventViewsOf(events []store.Event) []eventView {
	views := make([]eventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView{
			Kind:     eventKindName(ev.Kind),
			ID:       ev.ID,
			JobID:    ev.JobID,
			Datetime: ev.Datetime,
			Command:  ev.Command,
			Status:   ev.Status,
		})
	}
	return views
}

func eventKindName(k store.EventKind) string {
	switch k {
	case store.EventStart:
		return "start"
	case store.EventAlarm:
		return "alarm"
	case store.EventFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// crabIDParam reads the optional trailing {crabid} path segment.
func crabIDParam(r *http.Request) *string {
	v := chi.URLParam(r, "crabid")
	if v == "" {
		return nil
	}
	return &v
}

func parseUintParam(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, name), 10, 64)
}

func parseUintQuery(q map[string][]string, name string) uint64 {
	if vs, ok := q[name]; ok && len(vs) > 0 {
		if v, err := strconv.ParseUint(vs[0], 10, 64); err == nil {
			return v
		}
	}
	return 0
}
