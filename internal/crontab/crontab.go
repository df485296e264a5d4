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

// Package crontab parses submitted crontab text into schedule lines
// ready for reconciliation, and renders the reverse view: one
// cron-style line per stored job, with CRON_TZ lines injected where
// the timezone changes between rows.
package crontab

import (
	"regexp"
	"strings"
)

var (
	blankLineRe = regexp.MustCompile(`^\s*(#.*)?$`)
	assignRe    = regexp.MustCompile(`^\s*(\w+)\s*=\s*(.*?)\s*$`)
	ruleRe      = regexp.MustCompile(`^\s*(@\w+|[-0-9*,/]+\s+[-0-9*,/]+\s+[-0-9*,/?]+\s+[-0-9A-Za-z*,/]+\s+[-0-9A-Za-z*,/?]+)\s+(.*)$`)
	headVarRe   = regexp.MustCompile(`^(CRAB\w*)=`)
)

// falsey CRABIGNORE values, case-insensitive.
var falseyWords = map[string]bool{"0": true, "no": true, "false": true, "off": true}

// ParsedLine is one schedule line from a submitted crontab, ready for
// reconciliation.
type ParsedLine struct {
	Time     string
	Command  string
	CrabID   *string
	Timezone *string // the tracked CRON_TZ in effect when this line was parsed
	Rule     string  // the raw submitted line, kept for warnings
}

// Parse interprets crontab text (as submitted via PUT .../crontab).
// Standalone CRON_TZ assignments update the timezone tracked across
// subsequent lines; standalone CRAB* assignments persist in an
// environment applied to every following schedule line, overridden by
// CRAB* assignments at the head of a command. A truthy CRABIGNORE
// (from either source) skips the line. Returns the schedule lines to
// reconcile and a warning per unrecognisable line.
func Parse(lines []string, defaultTimezone *string) ([]ParsedLine, []string) {
	var parsed []ParsedLine
	var warnings []string

	var currentTZ *string
	if defaultTimezone != nil && *defaultTimezone != "" {
		tz := *defaultTimezone
		currentTZ = &tz
	}

	env := map[string]string{}

	for _, raw := range lines {
		if blankLineRe.MatchString(raw) {
			continue
		}

		if m := assignRe.FindStringSubmatch(raw); m != nil {
			name, value := m[1], unquote(m[2])
			switch {
			case name == "CRON_TZ":
				if value == "" {
					currentTZ = nil
				} else {
					v := value
					currentTZ = &v
				}
			case strings.HasPrefix(name, "CRAB"):
				env[name] = value
			}
			continue
		}

		m := ruleRe.FindStringSubmatch(raw)
		if m == nil {
			warnings = append(warnings, "did not recognise line: "+strings.TrimSpace(raw))
			continue
		}

		timeField := m[1]
		command, _ := splitPercent(m[2])

		vars := make(map[string]string, len(env))
		for k, v := range env {
			vars[k] = v
		}
		command = extractHeadVars(command, vars)

		if ignore, ok := vars["CRABIGNORE"]; ok && !falseyWords[strings.ToLower(ignore)] {
			continue
		}

		var crabid *string
		if v, ok := vars["CRABID"]; ok {
			crabid = &v
		}

		var tz *string
		if currentTZ != nil {
			v := *currentTZ
			tz = &v
		}

		parsed = append(parsed, ParsedLine{
			Time:     timeField,
			Command:  strings.TrimSpace(command),
			CrabID:   crabid,
			Timezone: tz,
			Rule:     raw,
		})
	}

	return parsed, warnings
}

// extractHeadVars peels CRAB*-named NAME=VALUE assignments off the
// head of a command into vars, returning the remaining command text.
// Values may be wrapped in matching single or double quotes, which
// also protect embedded spaces. Non-CRAB assignments are left in the
// command untouched: they belong to the eventual process environment,
// not to this daemon.
func extractHeadVars(command string, vars map[string]string) string {
	for {
		command = strings.TrimLeft(command, " \t")
		m := headVarRe.FindStringSubmatch(command)
		if m == nil {
			return command
		}
		value, rest := takeValue(command[len(m[1])+1:])
		vars[m[1]] = value
		command = rest
	}
}

// takeValue consumes the value of a head assignment: a quoted run up
// to the matching close quote, or a bare word up to whitespace.
func takeValue(s string) (value, rest string) {
	if s != "" && (s[0] == '\'' || s[0] == '"') {
		if end := strings.IndexByte(s[1:], s[0]); end >= 0 {
			return s[1 : end+1], s[end+2:]
		}
		return s, ""
	}
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i:]
}

// splitPercent implements cron's percent-sign convention: an
// unescaped % ends the command and introduces line-separated stdin
// for the eventual process (preserved in the stored rule but never
// interpreted by this daemon); \% is a literal percent.
func splitPercent(command string) (cmd string, stdin string) {
	var b strings.Builder
	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '\\' && i+1 < len(runes) && runes[i+1] == '%' {
			b.WriteRune('%')
			i++
			continue
		}
		if runes[i] == '%' {
			return b.String(), string(runes[i+1:])
		}
		b.WriteRune(runes[i])
	}
	return b.String(), ""
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// JobRow is the minimal view of a Job Render needs; kept independent
// of internal/store to avoid an import cycle.
type JobRow struct {
	CrabID   *string
	Command  string
	Time     *string
	Timezone *string
}

// Render builds the derived crontab view: one line per job (ordered
// by the caller, typically installed ASC), injecting CRON_TZ lines
// where timezone changes between adjacent rows, emitting the UNKNOWN
// TIMEZONE marker when a job lacks a timezone after a previously
// tracked one (or on a first row without one), and prefixing CRABID=
// when set. A job without a schedule keeps its command line, with the
// UNKNOWN SCHEDULE marker standing in for the time field.
func Render(jobs []JobRow) []string {
	var lines []string
	var tracked *string
	first := true

	for _, j := range jobs {
		time := "### CRAB: UNKNOWN SCHEDULE ###"
		if j.Time != nil {
			time = *j.Time
		}

		switch {
		case j.Timezone != nil && (tracked == nil || *tracked != *j.Timezone):
			lines = append(lines, "CRON_TZ="+quoteIfNeeded(*j.Timezone))
			v := *j.Timezone
			tracked = &v
		case j.Timezone == nil && (tracked != nil || first):
			lines = append(lines, "### CRAB: UNKNOWN TIMEZONE ###")
			tracked = nil
		}
		first = false

		command := j.Command
		if j.CrabID != nil {
			command = "CRABID=" + quoteIfNeeded(*j.CrabID) + " " + command
		}
		lines = append(lines, time+" "+command)
	}

	return lines
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \t'\"") {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	}
	return s
}
