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
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crabhq/crabd/internal/monitor"
	"github.com/crabhq/crabd/internal/store"
)

func newTestServer(t *testing.T) (*Server, store.Store) {
	t.Helper()
	st, err := store.NewGormStore("sqlite", "file::memory:?cache=shared", "db", "")
	require.NoError(t, err)
	require.NoError(t, st.Init())
	t.Cleanup(func() { _ = st.Close() })

	mon := monitor.New(monitor.Options{Store: st})
	s := NewServer(ServerOptions{Store: st, Monitor: mon})
	return s, st
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	router := s.setupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/api/0/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerStartStopsOnContextCancel(t *testing.T) {
	s, _ := newTestServer(t)
	s.bind = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}
