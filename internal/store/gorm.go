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
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crabhq/crabd/internal/crontab"
	"github.com/crabhq/crabd/internal/schedule"
	"github.com/glebarez/sqlite" // Pure Go SQLite driver (no CGO required)
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormStore implements Store over GORM's sqlite/postgres/mysql
// dialects. Every method other than Init and Close acquires mu before
// touching the database, a single process-wide critical section: mutations run
// inside a transaction that commits on a nil return and rolls back
// otherwise; composite reads take the same lock so they observe a
// consistent snapshot.
type GormStore struct {
	db      *gorm.DB
	dialect string
	mu      sync.Mutex
	output  OutputStore
}

// ConnectionPoolConfig holds connection pool settings for non-SQLite dialects.
type ConnectionPoolConfig struct {
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// NewGormStore creates a new GORM-based store. outputBackend/outputDir
// select the OutputStore (see output.go); outputBackend "fs" requires
// outputDir, anything else defaults to the in-database backend.
func NewGormStore(dialect, dsn, outputBackend, outputDir string) (*GormStore, error) {
	return NewGormStoreWithPool(dialect, dsn, ConnectionPoolConfig{}, outputBackend, outputDir)
}

// NewGormStoreWithPool is NewGormStore with explicit connection pool tuning.
func NewGormStoreWithPool(dialect, dsn string, pool ConnectionPoolConfig, outputBackend, outputDir string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch dialect {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect != "sqlite" && (pool.MaxIdleConns > 0 || pool.MaxOpenConns > 0 || pool.ConnMaxLifetime > 0 || pool.ConnMaxIdleTime > 0) {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sql.DB for pool config: %w", err)
		}
		if pool.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(pool.MaxIdleConns)
		}
		if pool.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(pool.MaxOpenConns)
		}
		if pool.ConnMaxLifetime > 0 {
			sqlDB.SetConnMaxLifetime(pool.ConnMaxLifetime)
		}
		if pool.ConnMaxIdleTime > 0 {
			sqlDB.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
		}
	}

	s := &GormStore{db: db, dialect: dialect}
	if outputBackend == "fs" && outputDir != "" {
		s.output = NewFSOutputStore(outputDir)
	} else {
		s.output = NewDBOutputStore(db)
	}
	return s, nil
}

// Init creates tables via auto-migration.
func (s *GormStore) Init() error {
	return s.db.AutoMigrate(&Job{}, &JobConfig{}, &StartEvent{}, &FinishEvent{}, &AlarmEvent{}, &JobOutput{}, &RawCrontab{}, &Notification{})
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) withTx(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.WithContext(ctx).Transaction(fn); err != nil {
		return sentinelOrWrap(op, err)
	}
	return nil
}

func (s *GormStore) withRead(ctx context.Context, op string, fn func(db *gorm.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := fn(s.db.WithContext(ctx)); err != nil {
		return sentinelOrWrap(op, err)
	}
	return nil
}

// sentinelOrWrap leaves ErrNotFound/ErrNoOutput as-is (they are normal,
// expected outcomes callers compare against with errors.Is) and wraps
// everything else as a store Error.
func sentinelOrWrap(op string, err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNoOutput) {
		return err
	}
	return wrapErr(op, err)
}

// ------------------------------------------------------------------
// Jobs
// ------------------------------------------------------------------

func (s *GormStore) GetJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	var jobs []Job
	err := s.withRead(ctx, "GetJobs", func(db *gorm.DB) error {
		q := db.Model(&Job{})
		if !filter.IncludeDeleted {
			q = q.Where("deleted_at IS NULL")
		}
		if filter.Host != nil {
			q = q.Where("host = ?", *filter.Host)
		}
		if filter.User != nil {
			q = q.Where("user_name = ?", *filter.User)
		}
		if filter.CrabID != nil {
			q = q.Where("crab_id = ?", *filter.CrabID)
		}
		if filter.Command != nil {
			q = q.Where("command = ?", *filter.Command)
		}
		if filter.WithoutCrabID {
			q = q.Where("crab_id IS NULL")
		}
		return q.Order("host ASC, user_name ASC, crab_id ASC, installed_at ASC").Find(&jobs).Error
	})
	return jobs, err
}

func (s *GormStore) CheckJob(ctx context.Context, host, user string, crabid *string, command string, cronTime, timezone *string) (uint64, error) {
	var id uint64
	err := s.withTx(ctx, "CheckJob", func(tx *gorm.DB) error {
		var err error
		id, err = checkJobTx(tx, host, user, crabid, command, cronTime, timezone)
		return err
	})
	return id, err
}

func (s *GormStore) DeleteJob(ctx context.Context, id uint64) error {
	return s.withTx(ctx, "DeleteJob", func(tx *gorm.DB) error {
		return tx.Model(&Job{}).Where("id = ?", id).Update("deleted_at", time.Now().UTC()).Error
	})
}

func (s *GormStore) UpdateJob(ctx context.Context, id uint64, fields JobFields) error {
	return s.withTx(ctx, "UpdateJob", func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"installed_at": time.Now().UTC(),
			"deleted_at":   nil,
		}
		if fields.Command != nil {
			updates["command"] = *fields.Command
		}
		if fields.Time != nil {
			updates["time"] = *fields.Time
		}
		if fields.Timezone != nil {
			updates["timezone"] = *fields.Timezone
		}
		return tx.Model(&Job{}).Where("id = ?", id).Updates(updates).Error
	})
}

// ------------------------------------------------------------------
// Ingest
// ------------------------------------------------------------------

func (s *GormStore) LogStart(ctx context.Context, host, user string, crabid *string, command string) (bool, error) {
	var inhibit bool
	err := s.withTx(ctx, "LogStart", func(tx *gorm.DB) error {
		id, err := checkJobTx(tx, host, user, crabid, command, nil, nil)
		if err != nil {
			return err
		}
		if err := tx.Create(&StartEvent{JobID: id, Datetime: time.Now().UTC(), Command: command}).Error; err != nil {
			return fmt.Errorf("insert start event: %w", err)
		}
		var cfg JobConfig
		err = tx.Where("job_id = ?", id).First(&cfg).Error
		if err == nil {
			inhibit = cfg.Inhibit
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("read job config: %w", err)
		}
		return nil
	})
	return inhibit, err
}

func (s *GormStore) LogFinish(ctx context.Context, host, user string, crabid *string, command string, status int, stdout, stderr *string) error {
	return s.withTx(ctx, "LogFinish", func(tx *gorm.DB) error {
		id, err := checkJobTx(tx, host, user, crabid, command, nil, nil)
		if err != nil {
			return err
		}

		var cfg JobConfig
		hasCfg := true
		if err := tx.Where("job_id = ?", id).First(&cfg).Error; err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("read job config: %w", err)
			}
			hasCfg = false
		}

		var stdoutVal, stderrVal string
		if stdout != nil {
			stdoutVal = *stdout
		}
		if stderr != nil {
			stderrVal = *stderr
		}
		if hasCfg {
			status = reclassify(status, cfg, stdoutVal+"\n"+stderrVal)
		}

		finish := FinishEvent{JobID: id, Datetime: time.Now().UTC(), Command: command, Status: status}
		if err := tx.Create(&finish).Error; err != nil {
			return fmt.Errorf("insert finish event: %w", err)
		}

		if stdoutVal != "" || stderrVal != "" {
			if err := s.output.Write(ctx, tx, finish.ID, host, user, id, crabid, stdoutVal, stderrVal); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) LogAlarm(ctx context.Context, jobID uint64, status int) error {
	return s.withTx(ctx, "LogAlarm", func(tx *gorm.DB) error {
		return tx.Create(&AlarmEvent{JobID: jobID, Datetime: time.Now().UTC(), Status: status}).Error
	})
}

// ------------------------------------------------------------------
// Job info / config
// ------------------------------------------------------------------

func (s *GormStore) GetJobInfo(ctx context.Context, id uint64) (Job, error) {
	var job Job
	err := s.withRead(ctx, "GetJobInfo", func(db *gorm.DB) error {
		err := db.Where("id = ?", id).First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	return job, err
}

func (s *GormStore) GetJobConfig(ctx context.Context, id uint64) (JobConfig, error) {
	var cfg JobConfig
	err := s.withRead(ctx, "GetJobConfig", func(db *gorm.DB) error {
		err := db.Where("job_id = ?", id).First(&cfg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	return cfg, err
}

func (s *GormStore) WriteJobConfig(ctx context.Context, jobID uint64, fields JobConfigFields) error {
	return s.withTx(ctx, "WriteJobConfig", func(tx *gorm.DB) error {
		var cfg JobConfig
		err := tx.Where("job_id = ?", jobID).First(&cfg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			cfg = JobConfig{JobID: jobID, GracePeriodMinutes: 2, TimeoutMinutes: 5}
		} else if err != nil {
			return fmt.Errorf("read job config: %w", err)
		}

		if fields.GracePeriodMinutes != nil {
			cfg.GracePeriodMinutes = *fields.GracePeriodMinutes
		}
		if fields.TimeoutMinutes != nil {
			cfg.TimeoutMinutes = *fields.TimeoutMinutes
		}
		if fields.SuccessPattern != nil {
			cfg.SuccessPattern = fields.SuccessPattern
		}
		if fields.WarningPattern != nil {
			cfg.WarningPattern = fields.WarningPattern
		}
		if fields.FailPattern != nil {
			cfg.FailPattern = fields.FailPattern
		}
		if fields.Note != nil {
			cfg.Note = *fields.Note
		}
		if fields.Inhibit != nil {
			cfg.Inhibit = *fields.Inhibit
		}

		return tx.Save(&cfg).Error
	})
}

func (s *GormStore) DisableInhibit(ctx context.Context, id uint64) error {
	return s.withTx(ctx, "DisableInhibit", func(tx *gorm.DB) error {
		return tx.Model(&JobConfig{}).Where("job_id = ?", id).Update("inhibit", false).Error
	})
}

func (s *GormStore) GetOrphanConfigs(ctx context.Context) ([]JobConfig, error) {
	var configs []JobConfig
	err := s.withRead(ctx, "GetOrphanConfigs", func(db *gorm.DB) error {
		return db.Raw(`
			SELECT jc.* FROM jobconfig jc
			LEFT JOIN job j ON j.id = jc.job_id AND j.deleted_at IS NULL
			WHERE j.id IS NULL
		`).Scan(&configs).Error
	})
	return configs, err
}

func (s *GormStore) RelinkJobConfig(ctx context.Context, configID, jobID uint64) error {
	return s.withTx(ctx, "RelinkJobConfig", func(tx *gorm.DB) error {
		return tx.Model(&JobConfig{}).Where("id = ?", configID).Update("job_id", jobID).Error
	})
}

// ------------------------------------------------------------------
// Events
// ------------------------------------------------------------------

func (s *GormStore) GetJobEvents(ctx context.Context, jobID uint64, limit int, start, end *time.Time) ([]Event, error) {
	var events []Event
	err := s.withRead(ctx, "GetJobEvents", func(db *gorm.DB) error {
		var err error
		events, err = fetchJobEvents(db, jobID, start, end)
		return err
	})
	sort.Slice(events, func(i, j int) bool {
		if !events[i].Datetime.Equal(events[j].Datetime) {
			return events[i].Datetime.After(events[j].Datetime)
		}
		return events[i].Kind > events[j].Kind // finish(3) before alarm(2) before start(1)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, err
}

func fetchJobEvents(db *gorm.DB, jobID uint64, start, end *time.Time) ([]Event, error) {
	var starts []StartEvent
	sq := db.Where("job_id = ?", jobID)
	if start != nil {
		sq = sq.Where("datetime >= ?", *start)
	}
	if end != nil {
		sq = sq.Where("datetime <= ?", *end)
	}
	if err := sq.Find(&starts).Error; err != nil {
		return nil, fmt.Errorf("query start events: %w", err)
	}

	var finishes []FinishEvent
	fq := db.Where("job_id = ?", jobID)
	if start != nil {
		fq = fq.Where("datetime >= ?", *start)
	}
	if end != nil {
		fq = fq.Where("datetime <= ?", *end)
	}
	if err := fq.Find(&finishes).Error; err != nil {
		return nil, fmt.Errorf("query finish events: %w", err)
	}

	var alarms []AlarmEvent
	aq := db.Where("job_id = ?", jobID)
	if start != nil {
		aq = aq.Where("datetime >= ?", *start)
	}
	if end != nil {
		aq = aq.Where("datetime <= ?", *end)
	}
	if err := aq.Find(&alarms).Error; err != nil {
		return nil, fmt.Errorf("query alarm events: %w", err)
	}

	events := make([]Event, 0, len(starts)+len(finishes)+len(alarms))
	for _, e := range starts {
		events = append(events, Event{Kind: EventStart, ID: e.ID, JobID: e.JobID, Datetime: e.Datetime, Command: e.Command})
	}
	for _, e := range finishes {
		status := e.Status
		events = append(events, Event{Kind: EventFinish, ID: e.ID, JobID: e.JobID, Datetime: e.Datetime, Command: e.Command, Status: &status})
	}
	for _, e := range alarms {
		status := e.Status
		events = append(events, Event{Kind: EventAlarm, ID: e.ID, JobID: e.JobID, Datetime: e.Datetime, Status: &status})
	}
	return events, nil
}

func (s *GormStore) GetEventsSince(ctx context.Context, afterStart, afterAlarm, afterFinish uint64) ([]Event, error) {
	var events []Event
	err := s.withRead(ctx, "GetEventsSince", func(db *gorm.DB) error {
		var starts []StartEvent
		if err := db.Where("id > ?", afterStart).Find(&starts).Error; err != nil {
			return fmt.Errorf("query start events: %w", err)
		}
		var alarms []AlarmEvent
		if err := db.Where("id > ?", afterAlarm).Find(&alarms).Error; err != nil {
			return fmt.Errorf("query alarm events: %w", err)
		}
		var finishes []FinishEvent
		if err := db.Where("id > ?", afterFinish).Find(&finishes).Error; err != nil {
			return fmt.Errorf("query finish events: %w", err)
		}

		events = make([]Event, 0, len(starts)+len(alarms)+len(finishes))
		for _, e := range starts {
			events = append(events, Event{Kind: EventStart, ID: e.ID, JobID: e.JobID, Datetime: e.Datetime, Command: e.Command})
		}
		for _, e := range alarms {
			status := e.Status
			events = append(events, Event{Kind: EventAlarm, ID: e.ID, JobID: e.JobID, Datetime: e.Datetime, Status: &status})
		}
		for _, e := range finishes {
			status := e.Status
			events = append(events, Event{Kind: EventFinish, ID: e.ID, JobID: e.JobID, Datetime: e.Datetime, Command: e.Command, Status: &status})
		}
		return nil
	})

	sort.Slice(events, func(i, j int) bool {
		if !events[i].Datetime.Equal(events[j].Datetime) {
			return events[i].Datetime.Before(events[j].Datetime)
		}
		return events[i].Kind < events[j].Kind // start<alarm<finish
	})
	return events, err
}

func (s *GormStore) GetJobFinishes(ctx context.Context, jobID uint64, opts GetJobFinishesOptions) ([]Event, error) {
	var events []Event
	err := s.withRead(ctx, "GetJobFinishes", func(db *gorm.DB) error {
		q := db.Where("job_id = ?", jobID)
		if !opts.IncludeAlreadyRunning {
			q = q.Where("status != ?", StatusAlreadyRunning)
		}
		if opts.FinishID != nil {
			q = q.Where("id = ?", *opts.FinishID)
		}
		if opts.Before != nil {
			q = q.Where("datetime < ?", *opts.Before)
		}
		if opts.After != nil {
			q = q.Where("datetime > ?", *opts.After).Order("datetime ASC")
		} else {
			q = q.Order("datetime DESC")
		}
		if opts.Limit > 0 {
			q = q.Limit(opts.Limit)
		}
		var finishes []FinishEvent
		if err := q.Find(&finishes).Error; err != nil {
			return err
		}
		events = make([]Event, 0, len(finishes))
		for _, e := range finishes {
			status := e.Status
			events = append(events, Event{Kind: EventFinish, ID: e.ID, JobID: e.JobID, Datetime: e.Datetime, Command: e.Command, Status: &status})
		}
		return nil
	})
	return events, err
}

func (s *GormStore) GetFailEvents(ctx context.Context, limit int) ([]Event, error) {
	var events []Event
	err := s.withRead(ctx, "GetFailEvents", func(db *gorm.DB) error {
		type finishRow struct {
			FinishEvent
			Host string
			User string `gorm:"column:user_name"`
		}
		var finishes []finishRow
		if err := db.Table("jobfinish").
			Select("jobfinish.*, job.host, job.user_name").
			Joins("JOIN job ON job.id = jobfinish.job_id").
			Where("jobfinish.status NOT IN ?", []int{StatusSuccess, StatusAlreadyRunning, StatusInhibited}).
			Find(&finishes).Error; err != nil {
			return fmt.Errorf("query fail finishes: %w", err)
		}

		type alarmRow struct {
			AlarmEvent
			Host string
			User string `gorm:"column:user_name"`
		}
		var alarms []alarmRow
		if err := db.Table("jobalarm").
			Select("jobalarm.*, job.host, job.user_name").
			Joins("JOIN job ON job.id = jobalarm.job_id").
			Where("jobalarm.status NOT IN ?", []int{StatusCleared, StatusLate}).
			Find(&alarms).Error; err != nil {
			return fmt.Errorf("query fail alarms: %w", err)
		}

		events = make([]Event, 0, len(finishes)+len(alarms))
		for _, e := range finishes {
			status := e.Status
			events = append(events, Event{Kind: EventFinish, ID: e.ID, JobID: e.JobID, Datetime: e.Datetime, Command: e.Command, Status: &status, Host: e.Host, User: e.User})
		}
		for _, e := range alarms {
			status := e.Status
			events = append(events, Event{Kind: EventAlarm, ID: e.ID, JobID: e.JobID, Datetime: e.Datetime, Status: &status, Host: e.Host, User: e.User})
		}
		return nil
	})

	sort.Slice(events, func(i, j int) bool {
		if !events[i].Datetime.Equal(events[j].Datetime) {
			return events[i].Datetime.After(events[j].Datetime)
		}
		return *events[i].Status > *events[j].Status
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, err
}

func (s *GormStore) DeleteOldEvents(ctx context.Context, before time.Time) (int64, error) {
	var total int64
	err := s.withTx(ctx, "DeleteOldEvents", func(tx *gorm.DB) error {
		r := tx.Where("datetime < ?", before).Delete(&StartEvent{})
		if r.Error != nil {
			return fmt.Errorf("delete start events: %w", r.Error)
		}
		total += r.RowsAffected

		r = tx.Where("datetime < ?", before).Delete(&AlarmEvent{})
		if r.Error != nil {
			return fmt.Errorf("delete alarm events: %w", r.Error)
		}
		total += r.RowsAffected

		r = tx.Where("datetime < ?", before).Delete(&FinishEvent{})
		if r.Error != nil {
			return fmt.Errorf("delete finish events: %w", r.Error)
		}
		total += r.RowsAffected
		return nil
	})
	return total, err
}

func (s *GormStore) GetJobOutput(ctx context.Context, finishID uint64, host, user string, jobID uint64, crabid *string) (string, string, error) {
	var stdout, stderr string
	err := s.withRead(ctx, "GetJobOutput", func(_ *gorm.DB) error {
		var err error
		stdout, stderr, err = s.output.Read(ctx, finishID, host, user, jobID, crabid)
		return err
	})
	return stdout, stderr, err
}

// ------------------------------------------------------------------
// Crontab
// ------------------------------------------------------------------

func (s *GormStore) WriteRawCrontab(ctx context.Context, host, user string, lines []string) error {
	return s.withTx(ctx, "WriteRawCrontab", func(tx *gorm.DB) error {
		return writeRawCrontabTx(tx, host, user, lines)
	})
}

func writeRawCrontabTx(tx *gorm.DB, host, user string, lines []string) error {
	row := RawCrontab{Host: host, User: user, Body: joinLines(lines)}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "host"}, {Name: "user_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"body"}),
	}).Create(&row).Error
}

func (s *GormStore) GetRawCrontab(ctx context.Context, host, user string) ([]string, error) {
	var row RawCrontab
	err := s.withRead(ctx, "GetRawCrontab", func(db *gorm.DB) error {
		err := db.Where("host = ? AND user_name = ?", host, user).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return splitLines(row.Body), nil
}

func (s *GormStore) GetCrontab(ctx context.Context, host, user string) ([]string, error) {
	var jobs []Job
	err := s.withRead(ctx, "GetCrontab", func(db *gorm.DB) error {
		return db.Where("host = ? AND user_name = ? AND deleted_at IS NULL", host, user).
			Order("installed_at ASC").Find(&jobs).Error
	})
	if err != nil {
		return nil, err
	}

	rows := make([]crontab.JobRow, len(jobs))
	for i, j := range jobs {
		rows[i] = crontab.JobRow{CrabID: j.CrabID, Command: j.Command, Time: j.Time, Timezone: j.Timezone}
	}
	return crontab.Render(rows), nil
}

func (s *GormStore) SaveCrontab(ctx context.Context, host, user string, lines []string, defaultTimezone *string) ([]string, error) {
	var warnings []string
	err := s.withTx(ctx, "SaveCrontab", func(tx *gorm.DB) error {
		if err := writeRawCrontabTx(tx, host, user, lines); err != nil {
			return fmt.Errorf("write raw crontab: %w", err)
		}

		var existing []Job
		if err := tx.Where("host = ? AND user_name = ? AND deleted_at IS NULL", host, user).Find(&existing).Error; err != nil {
			return fmt.Errorf("list existing jobs: %w", err)
		}
		remaining := make(map[uint64]bool, len(existing))
		for _, j := range existing {
			remaining[j.ID] = true
		}

		parsedLines, parseWarnings := crontab.Parse(lines, defaultTimezone)
		warnings = parseWarnings

		saved := make(map[uint64]bool, len(parsedLines))
		for _, pl := range parsedLines {
			if sched, err := schedule.New(pl.Time, pl.Timezone); err != nil {
				warnings = append(warnings, "unable to parse schedule: "+strings.TrimSpace(pl.Rule))
			} else if sched.FellBack {
				warnings = append(warnings, "unknown timezone: "+*pl.Timezone)
			}
			t := pl.Time
			id, err := checkJobTx(tx, host, user, pl.CrabID, pl.Command, &t, pl.Timezone)
			if err != nil {
				return fmt.Errorf("reconcile job %q: %w", pl.Command, err)
			}
			if saved[id] {
				warnings = append(warnings, "indistinguishable duplicated job: "+strings.TrimSpace(pl.Rule))
			} else {
				saved[id] = true
			}
			delete(remaining, id)
		}

		now := time.Now().UTC()
		for id := range remaining {
			if err := tx.Model(&Job{}).Where("id = ?", id).Update("deleted_at", now).Error; err != nil {
				return fmt.Errorf("delete stale job: %w", err)
			}
		}
		return nil
	})
	return warnings, err
}

// ------------------------------------------------------------------
// Notifications
// ------------------------------------------------------------------

func (s *GormStore) GetNotifications(ctx context.Context) ([]NotificationRow, error) {
	var rows []NotificationRow
	err := s.withRead(ctx, "GetNotifications", func(db *gorm.DB) error {
		var configLinked []Notification
		if err := db.Where("config_id IS NOT NULL").Find(&configLinked).Error; err != nil {
			return fmt.Errorf("query config-linked notifications: %w", err)
		}
		for _, n := range configLinked {
			var cfg JobConfig
			if err := db.Where("id = ?", *n.ConfigID).First(&cfg).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					continue
				}
				return fmt.Errorf("join config for notification: %w", err)
			}
			var job Job
			if err := db.Where("id = ? AND deleted_at IS NULL", cfg.JobID).First(&job).Error; err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					continue
				}
				return fmt.Errorf("join job for notification: %w", err)
			}
			tz := n.Timezone
			if tz == nil {
				tz = job.Timezone
			}
			rows = append(rows, NotificationRow{Notification: n, JobID: job.ID, EffectiveTimezone: tz})
		}

		var matchBased []Notification
		if err := db.Where("config_id IS NULL").Find(&matchBased).Error; err != nil {
			return fmt.Errorf("query match-based notifications: %w", err)
		}
		for _, n := range matchBased {
			q := db.Model(&Job{}).Where("deleted_at IS NULL")
			if n.Host != nil {
				q = q.Where("host = ?", *n.Host)
			}
			if n.User != nil {
				q = q.Where("user_name = ?", *n.User)
			}
			var jobs []Job
			if err := q.Find(&jobs).Error; err != nil {
				return fmt.Errorf("match notification jobs: %w", err)
			}
			for _, job := range jobs {
				tz := n.Timezone
				if tz == nil {
					tz = job.Timezone
				}
				rows = append(rows, NotificationRow{Notification: n, JobID: job.ID, EffectiveTimezone: tz})
			}
		}
		return nil
	})
	return rows, err
}

func (s *GormStore) GetJobNotifications(ctx context.Context, configID uint64) ([]Notification, error) {
	var notifications []Notification
	err := s.withRead(ctx, "GetJobNotifications", func(db *gorm.DB) error {
		return db.Where("config_id = ?", configID).Find(&notifications).Error
	})
	return notifications, err
}

func (s *GormStore) GetMatchNotifications(ctx context.Context, host, user *string) ([]Notification, error) {
	var notifications []Notification
	err := s.withRead(ctx, "GetMatchNotifications", func(db *gorm.DB) error {
		q := db.Where("config_id IS NULL")
		if host != nil {
			q = q.Where("host IS NULL OR host = ?", *host)
		}
		if user != nil {
			q = q.Where("user_name IS NULL OR user_name = ?", *user)
		}
		return q.Find(&notifications).Error
	})
	return notifications, err
}

func (s *GormStore) WriteNotification(ctx context.Context, n Notification) (uint64, error) {
	err := s.withTx(ctx, "WriteNotification", func(tx *gorm.DB) error {
		return tx.Save(&n).Error
	})
	return n.ID, err
}

func (s *GormStore) DeleteNotification(ctx context.Context, id uint64) error {
	return s.withTx(ctx, "DeleteNotification", func(tx *gorm.DB) error {
		return tx.Delete(&Notification{}, id).Error
	})
}

// ------------------------------------------------------------------
// helpers
// ------------------------------------------------------------------

// reclassify applies JobConfig's optional status patterns to the
// combined stdout+stderr, promoting or demoting the reported status.
// Error-class and ALREADYRUNNING reports pass through untouched; a
// defined-but-unmatched success pattern demotes to UNKNOWN when a fail
// pattern is also defined, otherwise to FAIL.
func reclassify(status int, cfg JobConfig, combined string) int {
	if status == StatusAlreadyRunning {
		return status
	}
	if IsError(status) {
		return status
	}
	if matches(cfg.FailPattern, combined) {
		return StatusFail
	}
	if IsWarning(status) {
		return status
	}
	if matches(cfg.WarningPattern, combined) {
		return StatusWarning
	}
	if matches(cfg.SuccessPattern, combined) {
		return StatusSuccess
	}
	if cfg.SuccessPattern != nil {
		if cfg.FailPattern != nil {
			return StatusUnknown
		}
		return StatusFail
	}
	return status
}

func matches(pattern *string, s string) bool {
	if pattern == nil || *pattern == "" {
		return false
	}
	re, err := regexp.Compile(*pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

func joinLines(lines []string) string {
	return strings.Join(lines, "\n")
}

func splitLines(body string) []string {
	if body == "" {
		return nil
	}
	return strings.Split(body, "\n")
}
