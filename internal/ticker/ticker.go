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

// Package ticker provides the minutely tick shared by the monitor,
// notifier, and cleaner workers: a value that invokes a callback for
// every wall-clock minute elapsed since the last check, catching up on
// minutes missed while the process was paused. Each worker owns a
// Ticker and drives it from its own polling loop.
package ticker

import (
	"time"
)

// catchUpWindow advances the candidate probe in 55-second steps:
// shorter than a minute, so consecutive candidates never skip a
// minute. Two candidates can land in the same minute; Advance fires
// only the first of them.
const catchUpWindow = 55 * time.Second

// Ticker invokes Tick for every wall-clock minute that has elapsed
// since the previous call to Advance, even if Advance was not called
// for several minutes (e.g. the process was busy or paused). It is not
// safe for concurrent use; each worker owns one Ticker and calls
// Advance from its own loop goroutine.
type Ticker struct {
	previous time.Time
	tick     func(minute time.Time) error
	onError  func(error)
}

// New constructs a Ticker anchored at now(); the first Advance call
// will not fire tick for the construction minute itself, only for
// minutes that elapse afterward. onError receives any error tick
// returns; it may be nil, in which case errors are discarded. Either
// way ticking continues.
func New(now time.Time, tick func(minute time.Time) error, onError func(error)) *Ticker {
	return &Ticker{previous: now, tick: tick, onError: onError}
}

// Advance checks wall-clock time against the last recorded minute and
// invokes tick once per elapsed minute, oldest first. Call this
// repeatedly from a polling loop, every few seconds.
func (t *Ticker) Advance(now time.Time) {
	candidate := t.previous.Add(catchUpWindow)
	for minuteBefore(candidate, now) {
		if !sameMinute(candidate, t.previous) {
			if err := t.tick(candidate); err != nil && t.onError != nil {
				t.onError(err)
			}
		}
		t.previous = candidate
		candidate = candidate.Add(catchUpWindow)
	}
}

// minuteBefore reports whether candidate's (Y, Mo, D, H, Mi) tuple is
// strictly less than now's.
func minuteBefore(candidate, now time.Time) bool {
	cy, cmo, cd := candidate.Date()
	ch, cmi, _ := candidate.Clock()
	ny, nmo, nd := now.Date()
	nh, nmi, _ := now.Clock()

	if cy != ny {
		return cy < ny
	}
	if cmo != nmo {
		return cmo < nmo
	}
	if cd != nd {
		return cd < nd
	}
	if ch != nh {
		return ch < nh
	}
	return cmi < nmi
}

func sameMinute(a, b time.Time) bool {
	ay, amo, ad := a.Date()
	ah, ami, _ := a.Clock()
	by, bmo, bd := b.Date()
	bh, bmi, _ := b.Clock()
	return ay == by && amo == bmo && ad == bd && ah == bh && ami == bmi
}
