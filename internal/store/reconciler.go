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
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// checkJobTx is the job reconciler: given (host, user, crabid?,
// command, time?, timezone?) it finds or creates the canonical Job row
// and brings it up to date. crabid is the preferred stable identity;
// command is the fallback, and a crabid-less row matching the command
// adopts the new crabid so history survives crontab edits. It must run
// inside the caller's transaction; it performs no locking of its own.
func checkJobTx(tx *gorm.DB, host, user string, crabid *string, command string, cronTime, timezone *string) (uint64, error) {
	now := time.Now().UTC()

	if crabid != nil {
		var job Job
		err := tx.Where("host = ? AND user_name = ? AND crab_id = ?", host, user, *crabid).First(&job).Error
		switch {
		case err == nil:
			if job.DeletedAt == nil && job.Command == command && cronMatches(job.Time, cronTime) && tzMatches(job.Timezone, timezone) {
				return job.ID, nil
			}
			return job.ID, updateJobTx(tx, &job, command, cronTime, timezone, now)
		case errors.Is(err, gorm.ErrRecordNotFound):
			// fallthrough to command-based adoption below
		default:
			return 0, fmt.Errorf("look up job by crabid: %w", err)
		}

		var adoptee Job
		err = tx.Where("host = ? AND user_name = ? AND command = ? AND crab_id IS NULL", host, user, command).First(&adoptee).Error
		switch {
		case err == nil:
			adoptee.CrabID = crabid
			return adoptee.ID, updateJobTx(tx, &adoptee, command, cronTime, timezone, now)
		case errors.Is(err, gorm.ErrRecordNotFound):
			return insertJobTx(tx, host, user, crabid, command, cronTime, timezone, now)
		default:
			return 0, fmt.Errorf("look up job for adoption: %w", err)
		}
	}

	var job Job
	err := tx.Where("host = ? AND user_name = ? AND command = ?", host, user, command).First(&job).Error
	switch {
	case err == nil:
		if job.DeletedAt == nil && cronMatches(job.Time, cronTime) && tzMatches(job.Timezone, timezone) {
			return job.ID, nil
		}
		return job.ID, updateJobTx(tx, &job, command, cronTime, timezone, now)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return insertJobTx(tx, host, user, nil, command, cronTime, timezone, now)
	default:
		return 0, fmt.Errorf("look up job by command: %w", err)
	}
}

func insertJobTx(tx *gorm.DB, host, user string, crabid *string, command string, cronTime, timezone *string, now time.Time) (uint64, error) {
	job := Job{
		Host:        host,
		User:        user,
		CrabID:      crabid,
		Command:     command,
		Time:        cronTime,
		Timezone:    timezone,
		InstalledAt: now,
	}
	if err := tx.Create(&job).Error; err != nil {
		return 0, fmt.Errorf("insert job: %w", err)
	}
	return job.ID, nil
}

func updateJobTx(tx *gorm.DB, job *Job, command string, cronTime, timezone *string, now time.Time) error {
	updates := map[string]interface{}{
		"command":      command,
		"installed_at": now,
		"deleted_at":   nil,
	}
	if job.CrabID != nil {
		updates["crab_id"] = job.CrabID
	}
	if cronTime != nil {
		updates["time"] = *cronTime
	} else if job.Time != nil {
		updates["time"] = *job.Time
	}
	if timezone != nil {
		updates["timezone"] = *timezone
	} else if job.Timezone != nil {
		updates["timezone"] = *job.Timezone
	}
	if err := tx.Model(&Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// cronMatches/tzMatches decide whether a found row already reflects
// the caller's declaration: a nil caller-supplied value never blocks
// the no-op path.
func cronMatches(existing *string, supplied *string) bool {
	if supplied == nil {
		return true
	}
	return existing != nil && *existing == *supplied
}

func tzMatches(existing *string, supplied *string) bool {
	if supplied == nil {
		return true
	}
	return existing != nil && *existing == *supplied
}
