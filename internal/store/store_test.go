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
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"
)

// StoreTestSuite exercises GormStore against an in-memory SQLite
// database.
type StoreTestSuite struct {
	suite.Suite
	store *GormStore
	ctx   context.Context
}

func (s *StoreTestSuite) SetupTest() {
	st, err := NewGormStore("sqlite", "file::memory:?cache=shared", "db", "")
	s.Require().NoError(err)
	s.Require().NoError(st.Init())
	s.store = st
	s.ctx = context.Background()
}

func (s *StoreTestSuite) TearDownTest() {
	_ = s.store.Close()
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

func ptr[T any](v T) *T { return &v }

// Alternating crabid="X" with different commands always
// resolves to the same job id.
func (s *StoreTestSuite) TestReconcilerIdentityStableAcrossCommandChanges() {
	id1, err := s.store.CheckJob(s.ctx, "h1", "u1", ptr("X"), "A", nil, nil)
	s.Require().NoError(err)

	id2, err := s.store.CheckJob(s.ctx, "h1", "u1", ptr("X"), "B", nil, nil)
	s.Require().NoError(err)
	s.Equal(id1, id2)

	id3, err := s.store.CheckJob(s.ctx, "h1", "u1", ptr("X"), "A", nil, nil)
	s.Require().NoError(err)
	s.Equal(id1, id3)
}

// A crabid-less job later declared with a crabid adopts
// the same row instead of creating a new one.
func (s *StoreTestSuite) TestCommandThenCrabidAdoption() {
	k, err := s.store.CheckJob(s.ctx, "h1", "u1", nil, "cmd", nil, nil)
	s.Require().NoError(err)

	adopted, err := s.store.CheckJob(s.ctx, "h1", "u1", ptr("id1"), "cmd", nil, nil)
	s.Require().NoError(err)
	s.Equal(k, adopted)

	job, err := s.store.GetJobInfo(s.ctx, k)
	s.Require().NoError(err)
	s.Require().NotNil(job.CrabID)
	s.Equal("id1", *job.CrabID)
}

// SaveCrontab removing then re-adding an identical line
// un-deletes the same job id.
func (s *StoreTestSuite) TestUndeleteOnReappearance() {
	line := "* * * * * CRABID=a /bin/a"
	warnings, err := s.store.SaveCrontab(s.ctx, "h1", "u1", []string{line}, ptr("UTC"))
	s.Require().NoError(err)
	s.Empty(warnings)

	jobs, err := s.store.GetJobs(s.ctx, JobFilter{Host: ptr("h1"), User: ptr("u1")})
	s.Require().NoError(err)
	s.Require().Len(jobs, 1)
	id := jobs[0].ID

	_, err = s.store.SaveCrontab(s.ctx, "h1", "u1", []string{}, ptr("UTC"))
	s.Require().NoError(err)

	deletedJobs, err := s.store.GetJobs(s.ctx, JobFilter{Host: ptr("h1"), User: ptr("u1"), IncludeDeleted: true})
	s.Require().NoError(err)
	s.Require().Len(deletedJobs, 1)
	s.NotNil(deletedJobs[0].DeletedAt)

	_, err = s.store.SaveCrontab(s.ctx, "h1", "u1", []string{line}, ptr("UTC"))
	s.Require().NoError(err)

	revived, err := s.store.GetJobInfo(s.ctx, id)
	s.Require().NoError(err)
	s.Nil(revived.DeletedAt)
}

// Status-pattern reclassification inside LogFinish.
func (s *StoreTestSuite) TestStatusPatternReclassification() {
	id, err := s.store.CheckJob(s.ctx, "h1", "u1", nil, "cmd", nil, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.store.WriteJobConfig(s.ctx, id, JobConfigFields{
		SuccessPattern: ptr("OK"),
		FailPattern:    ptr("ERR"),
	}))

	s.Require().NoError(s.store.LogFinish(s.ctx, "h1", "u1", nil, "cmd", StatusSuccess, ptr(""), ptr("ERR in log")))
	s.Require().NoError(s.store.LogFinish(s.ctx, "h1", "u1", nil, "cmd", StatusSuccess, ptr(""), ptr("nothing matches")))

	finishes, err := s.store.GetJobFinishes(s.ctx, id, GetJobFinishesOptions{})
	s.Require().NoError(err)
	s.Require().Len(finishes, 2)
	// DESC order: most recent first.
	s.Equal(StatusUnknown, *finishes[0].Status)
	s.Equal(StatusFail, *finishes[1].Status)
}

func (s *StoreTestSuite) TestStatusPatternReclassificationSuccessOnlyFallsBackToFail() {
	id, err := s.store.CheckJob(s.ctx, "h1", "u1", nil, "cmd2", nil, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.store.WriteJobConfig(s.ctx, id, JobConfigFields{
		SuccessPattern: ptr("OK"),
	}))

	s.Require().NoError(s.store.LogFinish(s.ctx, "h1", "u1", nil, "cmd2", StatusSuccess, ptr(""), ptr("nope")))
	finishes, err := s.store.GetJobFinishes(s.ctx, id, GetJobFinishesOptions{})
	s.Require().NoError(err)
	s.Require().Len(finishes, 1)
	s.Equal(StatusFail, *finishes[0].Status)
}

// Concurrent ingest from multiple goroutines
// must complete without error and GetEventsSince must never repeat an
// id.
func (s *StoreTestSuite) TestConcurrentIngestCursorMonotonicity() {
	const goroutines = 8
	const iterations = 25

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			host := fmt.Sprintf("host%d", g)
			for i := 0; i < iterations; i++ {
				cmd := fmt.Sprintf("/bin/job-%d-%d", g, i%3)
				_, err := s.store.LogStart(s.ctx, host, "u", nil, cmd)
				s.NoError(err)
				err = s.store.LogFinish(s.ctx, host, "u", nil, cmd, StatusSuccess, nil, nil)
				s.NoError(err)
			}
		}(g)
	}
	wg.Wait()

	seen := map[uint64]bool{}
	events, err := s.store.GetEventsSince(s.ctx, 0, 0, 0)
	s.Require().NoError(err)
	for _, ev := range events {
		key := uint64(ev.Kind)<<56 | ev.ID
		s.False(seen[key], "duplicate event returned")
		seen[key] = true
	}
	s.Len(events, goroutines*iterations*2)
}

// Two crontab lines that reconcile to the same job are
// indistinguishable; SaveCrontab keeps the job and warns.
func (s *StoreTestSuite) TestSaveCrontabWarnsOnIndistinguishableDuplicate() {
	warnings, err := s.store.SaveCrontab(s.ctx, "h1", "u1", []string{
		"* * * * * /bin/a",
		"* * * * * /bin/a",
	}, ptr("UTC"))
	s.Require().NoError(err)
	s.Require().Len(warnings, 1)
	s.Contains(warnings[0], "indistinguishable")

	jobs, err := s.store.GetJobs(s.ctx, JobFilter{Host: ptr("h1"), User: ptr("u1")})
	s.Require().NoError(err)
	s.Len(jobs, 1)
}

// An unparsable schedule or unknown timezone warns but does not fail
// the save; the job row is still reconciled.
func (s *StoreTestSuite) TestSaveCrontabWarnsOnBadScheduleButStillSaves() {
	warnings, err := s.store.SaveCrontab(s.ctx, "h1", "u1", []string{
		"99 99 99 99 99 /bin/a",
	}, ptr("UTC"))
	s.Require().NoError(err)
	s.Require().Len(warnings, 1)
	s.Contains(warnings[0], "unable to parse schedule")

	jobs, err := s.store.GetJobs(s.ctx, JobFilter{Host: ptr("h1"), User: ptr("u1")})
	s.Require().NoError(err)
	s.Len(jobs, 1)
}

func (s *StoreTestSuite) TestSaveCrontabWarnsOnUnknownTimezone() {
	warnings, err := s.store.SaveCrontab(s.ctx, "h1", "u1", []string{
		"* * * * * /bin/a",
	}, ptr("Not/AZone"))
	s.Require().NoError(err)
	s.Require().Len(warnings, 1)
	s.Contains(warnings[0], "unknown timezone")
}

// Config-linked notifications join through JobConfig to the job and
// carry the job's timezone when the notification has none; match-based
// rows fan out across matching jobs; deleted jobs drop out entirely.
func (s *StoreTestSuite) TestNotificationsJoinThroughConfigToJob() {
	id, err := s.store.CheckJob(s.ctx, "h1", "u1", nil, "cmd", ptr("* * * * *"), ptr("Europe/London"))
	s.Require().NoError(err)
	s.Require().NoError(s.store.WriteJobConfig(s.ctx, id, JobConfigFields{}))
	cfg, err := s.store.GetJobConfig(s.ctx, id)
	s.Require().NoError(err)

	_, err = s.store.WriteNotification(s.ctx, Notification{ConfigID: &cfg.ID, Method: "email", Address: "a@example.com"})
	s.Require().NoError(err)
	_, err = s.store.WriteNotification(s.ctx, Notification{Method: "email", Address: "b@example.com"})
	s.Require().NoError(err)

	rows, err := s.store.GetNotifications(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(rows, 2)
	for _, row := range rows {
		s.Equal(id, row.JobID)
		s.Require().NotNil(row.EffectiveTimezone)
		s.Equal("Europe/London", *row.EffectiveTimezone)
	}

	linked, err := s.store.GetJobNotifications(s.ctx, cfg.ID)
	s.Require().NoError(err)
	s.Len(linked, 1)

	matched, err := s.store.GetMatchNotifications(s.ctx, ptr("h1"), ptr("u1"))
	s.Require().NoError(err)
	s.Len(matched, 1)

	s.Require().NoError(s.store.DeleteJob(s.ctx, id))
	rows, err = s.store.GetNotifications(s.ctx)
	s.Require().NoError(err)
	s.Empty(rows)
}

// A JobConfig whose job is deleted becomes an orphan and can be
// re-linked to a new job.
func (s *StoreTestSuite) TestOrphanConfigRelink() {
	id, err := s.store.CheckJob(s.ctx, "h1", "u1", nil, "cmd", nil, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.store.WriteJobConfig(s.ctx, id, JobConfigFields{Note: ptr("keep me")}))
	cfg, err := s.store.GetJobConfig(s.ctx, id)
	s.Require().NoError(err)

	s.Require().NoError(s.store.DeleteJob(s.ctx, id))

	orphans, err := s.store.GetOrphanConfigs(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(orphans, 1)
	s.Equal(cfg.ID, orphans[0].ID)

	newID, err := s.store.CheckJob(s.ctx, "h2", "u2", nil, "cmd", nil, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.store.RelinkJobConfig(s.ctx, cfg.ID, newID))

	relinked, err := s.store.GetJobConfig(s.ctx, newID)
	s.Require().NoError(err)
	s.Equal("keep me", relinked.Note)

	orphans, err = s.store.GetOrphanConfigs(s.ctx)
	s.Require().NoError(err)
	s.Empty(orphans)
}

func (s *StoreTestSuite) TestGetCrontabRendersCronTZAndCrabID() {
	_, err := s.store.SaveCrontab(s.ctx, "h1", "u1", []string{"* * * * * CRABID=a /bin/a"}, ptr("UTC"))
	s.Require().NoError(err)

	lines, err := s.store.GetCrontab(s.ctx, "h1", "u1")
	s.Require().NoError(err)
	s.Equal([]string{"CRON_TZ=UTC", "* * * * * CRABID=a /bin/a"}, lines)
}

func (s *StoreTestSuite) TestGetFailEventsExcludesOKAndLate() {
	id, err := s.store.CheckJob(s.ctx, "h1", "u1", nil, "cmd", nil, nil)
	s.Require().NoError(err)
	s.Require().NoError(s.store.LogFinish(s.ctx, "h1", "u1", nil, "cmd", StatusSuccess, nil, nil))
	s.Require().NoError(s.store.LogFinish(s.ctx, "h1", "u1", nil, "cmd", StatusFail, nil, nil))
	s.Require().NoError(s.store.LogAlarm(s.ctx, id, StatusLate))
	s.Require().NoError(s.store.LogAlarm(s.ctx, id, StatusMissed))

	fails, err := s.store.GetFailEvents(s.ctx, 10)
	s.Require().NoError(err)
	s.Len(fails, 2)
	for _, ev := range fails {
		s.Require().NotNil(ev.Status)
		s.NotEqual(StatusSuccess, *ev.Status)
		s.NotEqual(StatusLate, *ev.Status)
	}
}
