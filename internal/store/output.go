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
	"os"
	"path/filepath"
	"strconv"

	"gorm.io/gorm"
)

// OutputStore holds captured stdout/stderr bodies for finish events.
// Two backends exist: a row alongside the finish event in the
// database, or a sharded directory tree for deployments that want to
// keep bulky output out of the relational store.
type OutputStore interface {
	Write(ctx context.Context, tx *gorm.DB, finishID uint64, host, user string, jobID uint64, crabid *string, stdout, stderr string) error
	Read(ctx context.Context, finishID uint64, host, user string, jobID uint64, crabid *string) (stdout, stderr string, err error)
}

// dbOutputStore stores stdout/stderr as a row alongside the
// FinishEvent. It participates in the caller's transaction.
type dbOutputStore struct{ db *gorm.DB }

// NewDBOutputStore returns the in-database JobOutput backend.
func NewDBOutputStore(db *gorm.DB) OutputStore {
	return &dbOutputStore{db: db}
}

func (o *dbOutputStore) Write(ctx context.Context, tx *gorm.DB, finishID uint64, _ string, _ string, _ uint64, _ *string, stdout, stderr string) error {
	row := JobOutput{FinishEventID: finishID, Stdout: stdout, Stderr: stderr}
	if err := tx.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("write job output: %w", err)
	}
	return nil
}

func (o *dbOutputStore) Read(ctx context.Context, finishID uint64, _ string, _ string, _ uint64, _ *string) (string, string, error) {
	var row JobOutput
	err := o.db.WithContext(ctx).Where("finish_event_id = ?", finishID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", ErrNoOutput
	}
	if err != nil {
		return "", "", fmt.Errorf("read job output: %w", err)
	}
	return row.Stdout, row.Stderr, nil
}

// fsOutputStore stores stdout/stderr under a digit-chunked directory
// tree, bounding directory fanout the way the original's filesystem
// outputstore implementation does.
type fsOutputStore struct{ root string }

// NewFSOutputStore returns the filesystem JobOutput backend rooted at dir.
func NewFSOutputStore(dir string) OutputStore {
	return &fsOutputStore{root: dir}
}

func (o *fsOutputStore) Write(_ context.Context, _ *gorm.DB, finishID uint64, host, user string, jobID uint64, crabid *string, stdout, stderr string) error {
	dir := o.path(host, user, jobID, crabid, finishID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stdout"), []byte(stdout), 0o644); err != nil {
		return fmt.Errorf("write stdout: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "stderr"), []byte(stderr), 0o644); err != nil {
		return fmt.Errorf("write stderr: %w", err)
	}
	return nil
}

func (o *fsOutputStore) Read(_ context.Context, finishID uint64, host, user string, jobID uint64, crabid *string) (string, string, error) {
	dir := o.path(host, user, jobID, crabid, finishID)
	stdout, err := os.ReadFile(filepath.Join(dir, "stdout"))
	if errors.Is(err, os.ErrNotExist) {
		return "", "", ErrNoOutput
	}
	if err != nil {
		return "", "", fmt.Errorf("read stdout: %w", err)
	}
	stderr, err := os.ReadFile(filepath.Join(dir, "stderr"))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", "", fmt.Errorf("read stderr: %w", err)
	}
	return string(stdout), string(stderr), nil
}

// path shards by the last two digits of the finish id, so a user's
// directory holds at most 100 shard directories; the per-job directory
// inside a shard gets one entry for every finish id ending in those
// digits and is not bounded.
func (o *fsOutputStore) path(host, user string, jobID uint64, crabid *string, finishID uint64) string {
	shard := finishID % 100
	name := strconv.FormatUint(jobID, 10)
	if crabid != nil {
		name = *crabid
	}
	return filepath.Join(o.root, host, user, strconv.FormatUint(shard, 10), name, strconv.FormatUint(finishID, 10))
}
