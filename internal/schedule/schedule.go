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

// Package schedule compiles a five-field cron expression plus an
// optional IANA timezone into something that can answer "does instant
// T match?" and "what is the previous/next matching instant?".
package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field cron (minute hour dom month dow)
// plus the @hourly/@daily/@weekly/@monthly/@yearly descriptors.
// robfig/cron's field grammar supports lists, ranges, steps and
// three-letter month/day names. Its day-of-week field stops at 6, so
// New rewrites a day-of-week 7 (alone or as a range end) to Sunday (0)
// before parsing; a stepped range ending in 7 is not rewritten.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Schedule is a compiled cron expression bound to a timezone.
type Schedule struct {
	expression string
	cronSched  cron.Schedule
	location   *time.Location

	// FellBack records whether the supplied timezone was unknown and
	// matching fell back to UTC. Callers use it to surface a warning.
	FellBack bool
}

// New compiles expression (a 5-field cron spec or "@alias") against an
// optional IANA timezone name. A nil or empty timezone matches in UTC.
func New(expression string, timezone *string) (*Schedule, error) {
	spec := expression
	if fields := strings.Fields(expression); len(fields) == 5 {
		parts := strings.Split(fields[4], ",")
		for i, p := range parts {
			switch {
			case p == "7":
				parts[i] = "0"
			case strings.HasSuffix(p, "-7"):
				parts[i] = strings.TrimSuffix(p, "-7") + "-6,0"
			}
		}
		fields[4] = strings.Join(parts, ",")
		spec = strings.Join(fields, " ")
	}
	cronSched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expression, err)
	}

	loc := time.UTC
	fellBack := false
	if timezone != nil && *timezone != "" {
		l, err := time.LoadLocation(*timezone)
		if err != nil {
			fellBack = true
		} else {
			loc = l
		}
	}

	return &Schedule{expression: expression, cronSched: cronSched, location: loc, FellBack: fellBack}, nil
}

// Match reports whether instant falls on a scheduled minute: the
// instant is localized to the schedule's timezone and compared against
// the compiled expression at minute granularity.
func (s *Schedule) Match(instant time.Time) bool {
	local := instant.In(s.location).Truncate(time.Minute)
	probe := local.Add(-time.Minute)
	return s.cronSched.Next(probe).Equal(local)
}

// Next returns the nearest scheduled instant strictly after instant.
func (s *Schedule) Next(instant time.Time) time.Time {
	local := instant.In(s.location)
	return s.cronSched.Next(local).In(time.UTC)
}

// lookback bounds Previous's backward scan: robfig/cron only exposes
// a forward Next, so Previous is a minute-by-minute probe, capped at a
// year so a schedule that (erroneously) never matches cannot spin
// forever.
const lookback = 366 * 24 * time.Hour

// Previous returns the nearest scheduled instant strictly before instant.
// Returns the zero time if no match is found within the lookback window.
func (s *Schedule) Previous(instant time.Time) time.Time {
	local := instant.In(s.location).Truncate(time.Minute)
	limit := local.Add(-lookback)
	for t := local.Add(-time.Minute); t.After(limit); t = t.Add(-time.Minute) {
		if s.Match(t) {
			return t.In(time.UTC)
		}
	}
	return time.Time{}
}

// Expression returns the compiled cron expression text.
func (s *Schedule) Expression() string {
	return s.expression
}
