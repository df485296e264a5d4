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
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crabhq/crabd/internal/monitor"
	"github.com/crabhq/crabd/internal/store"
)

func doRequest(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestPutStartRejectsMissingHostOrUser(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.setupRoutes()

	rec := doRequest(t, router, http.MethodPut, "/api/0/start//u1", startRequest{Command: "/bin/a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code) // chi matches the route with an empty host; the handler rejects it
}

func TestPutStartThenFinishRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.setupRoutes()

	rec := doRequest(t, router, http.MethodPut, "/api/0/start/h1/u1", startRequest{Command: "/bin/a"})
	require.Equal(t, http.StatusOK, rec.Code)
	var startResp startResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&startResp))
	assert.False(t, startResp.Inhibit)

	rec = doRequest(t, router, http.MethodPut, "/api/0/finish/h1/u1", finishRequest{
		Command: "/bin/a",
		Status:  store.StatusSuccess,
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPutFinishRejectsNonClientSendableStatus(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.setupRoutes()

	rec := doRequest(t, router, http.MethodPut, "/api/0/finish/h1/u1", finishRequest{
		Command: "/bin/a",
		Status:  store.StatusLate, // Monitor-only status, never client-sendable
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutFinishRejectsMalformedJSON(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.setupRoutes()

	req := httptest.NewRequest(http.MethodPut, "/api/0/finish/h1/u1", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutCrontabThenGetRoundTrip(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.setupRoutes()

	tz := "UTC"
	rec := doRequest(t, router, http.MethodPut, "/api/0/crontab/h1/u1", crontabPutRequest{
		Crontab:  []string{"* * * * * CRABID=a /bin/a"},
		Timezone: &tz,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var putResp crontabPutResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&putResp))
	assert.Empty(t, putResp.Warning)

	req := httptest.NewRequest(http.MethodGet, "/api/0/crontab/h1/u1", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)
	var getResp crontabGetResponse
	require.NoError(t, json.NewDecoder(rec2.Body).Decode(&getResp))
	assert.Equal(t, []string{"CRON_TZ=UTC", "* * * * * CRABID=a /bin/a"}, getResp.Crontab)
}

func TestPutCrontabRequiresCrontabField(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.setupRoutes()

	req := httptest.NewRequest(http.MethodPut, "/api/0/crontab/h1/u1", bytes.NewBufferString(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetJobsFiltersByHostAndUser(t *testing.T) {
	s, st := newTestServer(t)
	router := s.setupRoutes()

	ctx := context.Background()
	_, err := st.CheckJob(ctx, "h1", "u1", nil, "/bin/a", nil, nil)
	require.NoError(t, err)
	_, err = st.CheckJob(ctx, "h2", "u2", nil, "/bin/b", nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/0/jobs?host=h1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var jobs []jobView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "h1", jobs[0].Host)
}

func TestGetJobInfoNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/0/jobs/999999", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobStatusReturnsCurrentCursorsOnCancel(t *testing.T) {
	st, err := store.NewGormStore("sqlite", "file::memory:?cache=shared", "db", "")
	require.NoError(t, err)
	require.NoError(t, st.Init())
	defer st.Close()

	mon := monitor.New(monitor.Options{Store: st})
	s := NewServer(ServerOptions{Store: st, Monitor: mon})
	router := s.setupRoutes()

	// A cancelled request context unblocks the long-poll immediately
	// with the monitor's current cursors.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/0/jobstatus?timeout=1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobStatusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, uint64(0), resp.StartCursor)
}

func TestGetJobOutputNotFoundWhenNoOutputStored(t *testing.T) {
	s, st := newTestServer(t)
	router := s.setupRoutes()

	id, err := st.CheckJob(context.Background(), "h1", "u1", nil, "/bin/a", nil, nil)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/0/jobs/"+strconv.FormatUint(id, 10)+"/output/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
