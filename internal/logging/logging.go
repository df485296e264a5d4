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

// Package logging adapts the structured-logging idiom the rest of this
// codebase uses (a logr.Logger threaded through context.Context) to a
// plain binary with no controller-runtime manager behind it.
package logging

import (
	"context"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

type ctxKey struct{}

var base logr.Logger

func init() {
	zerologr.SetMaxV(1)
	zl := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	base = zerologr.New(&zl)
}

// SetOutput reconfigures the process-wide base logger. level follows
// zerolog's conventions (zerolog.DebugLevel, zerolog.InfoLevel, ...).
func SetOutput(level zerolog.Level, json bool) {
	var w zerolog.ConsoleWriter
	var zl zerolog.Logger
	if json {
		zl = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	} else {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
		zl = zerolog.New(w).Level(level).With().Timestamp().Logger()
	}
	base = zerologr.New(&zl)
}

// Base returns the process-wide root logger.
func Base() logr.Logger {
	return base
}

// IntoContext stores logger under ctx, mirroring log.IntoContext.
func IntoContext(ctx context.Context, logger logr.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// FromContext returns the logger stored in ctx, or the base logger if
// none was stored, mirroring log.FromContext(ctx).
func FromContext(ctx context.Context) logr.Logger {
	if l, ok := ctx.Value(ctxKey{}).(logr.Logger); ok {
		return l
	}
	return base
}
