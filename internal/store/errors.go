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
)

// Error wraps an underlying database/driver failure. Every Store
// method that fails because the database misbehaved returns one of
// these rather than the raw driver error (Init and Close return the
// driver error unwrapped), so callers can distinguish
// "the database broke" from validation failures by type assertion.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// ErrNotFound is returned by point lookups (GetJobInfo, GetJobConfig,
// ...) when the row does not exist. It is not a store-failure kind and
// is not wrapped in Error.
var ErrNotFound = errors.New("store: not found")

// ErrNoOutput is the sentinel "absent" result for GetJobOutput. It is
// not an error condition from the caller's point of view (see
// spec §7 "Output-store miss") and must never be logged as a failure.
var ErrNoOutput = errors.New("store: no output")
