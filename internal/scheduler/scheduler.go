// Package scheduler registers the pipeline's recurring tasks: the three
// cadence runs plus maintenance. Each entry's key is its semantic name, so
// repeated process restarts never create duplicate schedules.
package scheduler

import (
	"log/slog"

	"job-alert-pipeline/internal/alerts"
	"job-alert-pipeline/internal/queue"
)

// Entry describes one recurring registration.
type Entry struct {
	Key      string
	Spec     string
	Queue    string
	TaskType string
}

// Entries returns the pipeline's fixed schedule set. Cadence runs fire at
// 08:00; maintenance runs early Monday morning.
func Entries() []Entry {
	return []Entry{
		{Key: "alert-processing-daily", Spec: "0 8 * * *", Queue: alerts.QueueName, TaskType: alerts.TaskDaily},
		{Key: "alert-processing-weekly", Spec: "0 8 * * 1", Queue: alerts.QueueName, TaskType: alerts.TaskWeekly},
		{Key: "alert-processing-monthly", Spec: "0 8 1 * *", Queue: alerts.QueueName, TaskType: alerts.TaskMonthly},
		{Key: "alert-pause-inactive", Spec: "0 3 * * 1", Queue: alerts.QueueName, TaskType: alerts.TaskPauseInactive},
		{Key: "alert-match-cleanup", Spec: "30 3 * * 1", Queue: alerts.QueueName, TaskType: alerts.TaskCleanupMatches},
	}
}

// Register submits every entry to the queue service. Failures are logged and
// skipped rather than aborting: schedule registration is best-effort and must
// never keep a process from coming up. Returns how many entries registered.
func Register(qs *queue.Service, log *slog.Logger) int {
	registered := 0
	for _, e := range Entries() {
		if err := qs.RegisterCron(e.Key, e.Spec, e.Queue, e.TaskType, nil); err != nil {
			log.Error("schedule registration failed", "key", e.Key, "error", err)
			continue
		}
		registered++
	}
	return registered
}
