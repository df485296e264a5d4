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

// Package metrics holds crabd's Prometheus instrumentation. Metrics
// are registered against a registry constructed here and served by
// cmd/main.go via promhttp.HandlerFor on the metrics listener.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// Registry is the registry every crabd metric is registered
	// against. cmd/main.go serves it on the metrics listener.
	Registry = prometheus.NewRegistry()

	// EventsIngestedTotal counts start/finish/crontab ingest calls
	// accepted by the ingest API.
	EventsIngestedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crabd_events_ingested_total",
			Help: "Total number of start/finish/crontab events accepted by the ingest API",
		},
		[]string{"kind"},
	)

	// AlarmsEmittedTotal counts alarms the monitor writes, broken down
	// by the status the alarm carries.
	AlarmsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crabd_alarms_emitted_total",
			Help: "Total number of alarms recorded by the monitor, by status code",
		},
		[]string{"status"},
	)

	// ActiveJobs tracks the number of jobs the monitor currently holds
	// state for, by status class (ok, warning, error).
	ActiveJobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "crabd_active_jobs",
			Help: "Number of jobs currently tracked by the monitor, by status class",
		},
		[]string{"class"},
	)

	// NotifierReportsTotal counts Reporter invocations the notifier
	// dispatches.
	NotifierReportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crabd_notifier_reports_total",
			Help: "Total number of reports dispatched by the notifier",
		},
		[]string{},
	)

	// CleanerDeletedEventsTotal counts rows the cleaner removes on each
	// retention pass.
	CleanerDeletedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crabd_cleaner_deleted_events_total",
			Help: "Total number of event rows deleted by the retention cleaner",
		},
	)
)

func init() {
	Registry.MustRegister(
		EventsIngestedTotal,
		AlarmsEmittedTotal,
		ActiveJobs,
		NotifierReportsTotal,
		CleanerDeletedEventsTotal,
	)
}

// RecordIngest increments the ingest counter for kind ("start",
// "finish", or "crontab").
func RecordIngest(kind string) {
	EventsIngestedTotal.WithLabelValues(kind).Inc()
}

// RecordAlarm increments the alarm counter for the given status code.
func RecordAlarm(status string) {
	AlarmsEmittedTotal.WithLabelValues(status).Inc()
}

// SetActiveJobs sets the gauge for a status class ("ok", "warning",
// "error").
func SetActiveJobs(class string, count float64) {
	ActiveJobs.WithLabelValues(class).Set(count)
}

// RecordNotifierReport increments the notifier report counter.
func RecordNotifierReport() {
	NotifierReportsTotal.WithLabelValues().Inc()
}

// RecordCleanerDeletes adds n to the cleaner's deleted-events counter.
func RecordCleanerDeletes(n float64) {
	CleanerDeletedEventsTotal.Add(n)
}
