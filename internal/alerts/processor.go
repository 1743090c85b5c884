// Package alerts implements the per-cadence task handlers that scan due
// alerts, run the matching engine, persist matches, and hand notification
// work to the email queue.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"job-alert-pipeline/internal/matching"
	"job-alert-pipeline/internal/models"
	"job-alert-pipeline/internal/queue"
	"job-alert-pipeline/internal/telemetry"
	"job-alert-pipeline/internal/worker"
)

// Queue and task-type names used by the pipeline.
const (
	QueueName = "alerts"

	TaskDaily          = "alerts:daily"
	TaskWeekly         = "alerts:weekly"
	TaskMonthly        = "alerts:monthly"
	TaskPauseInactive  = "alerts:pause-inactive-users"
	TaskCleanupMatches = "alerts:cleanup-matches"

	NotificationQueue = "email"
	NotificationTask  = "email:alert-matches"
)

// matchLimit caps one matching run; notifyCap caps the postings included in a
// single notification payload.
const (
	matchLimit = 50
	notifyCap  = 10
)

// Store is the data-access surface the processor needs.
type Store interface {
	FindAlertsDue(ctx context.Context, freq models.Frequency, cutoff time.Time) ([]models.Alert, error)
	InsertMatches(ctx context.Context, matches []models.Match) (int, error)
	FindUnsentMatches(ctx context.Context, alertID string, limit int) ([]models.UnsentMatch, error)
	CountUnsentMatches(ctx context.Context, alertID string) (int, error)
	MarkMatchesSent(ctx context.Context, matchIDs []string) error
	UpdateLastSentAt(ctx context.Context, alertID string, ts time.Time) error
	GetUser(ctx context.Context, id string) (models.User, error)
	PauseAlertsForInactiveUsers(ctx context.Context) (int64, error)
	DeleteOldMatches(ctx context.Context, olderThan time.Time) (int64, error)
}

// Matcher produces scored candidates for one alert.
type Matcher interface {
	Match(ctx context.Context, alert models.Alert, limit int) ([]matching.Candidate, error)
}

// Enqueuer hands notification tasks to the downstream queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, taskType string, payload any, opts queue.EnqueueOptions) (models.Task, bool, error)
}

// Stats aggregates one batch run for observability.
type Stats struct {
	AlertsSeen            int `json:"alerts_seen"`
	Processed             int `json:"processed"`
	Skipped               int `json:"skipped"`
	MatchesFound          int `json:"matches_found"`
	NotificationsEnqueued int `json:"notifications_enqueued"`
}

// Processor runs one cadence batch per task invocation. Per-alert failures
// are logged and absorbed; only batch-level infrastructure failures (the
// initial due-alert load) surface as errors.
type Processor struct {
	store          Store
	engine         Matcher
	queue          Enqueuer
	matchRetention time.Duration
	log            *slog.Logger
	now            func() time.Time
}

// NewProcessor constructs a processor. matchRetention bounds how long
// notified match rows are kept by the cleanup task.
func NewProcessor(st Store, engine Matcher, q Enqueuer, matchRetention time.Duration, log *slog.Logger) *Processor {
	return &Processor{
		store:          st,
		engine:         engine,
		queue:          q,
		matchRetention: matchRetention,
		log:            log.With("component", "alerts"),
		now:            time.Now,
	}
}

// Handlers returns the task-type handler map registered on the alerts queue.
func (p *Processor) Handlers() map[string]worker.Handler {
	cadence := func(freq models.Frequency) worker.Handler {
		return func(ctx context.Context, _ models.Task) error {
			_, err := p.ProcessDue(ctx, freq)
			return err
		}
	}
	return map[string]worker.Handler{
		TaskDaily:          cadence(models.FrequencyDaily),
		TaskWeekly:         cadence(models.FrequencyWeekly),
		TaskMonthly:        cadence(models.FrequencyMonthly),
		TaskPauseInactive:  p.handlePauseInactive,
		TaskCleanupMatches: p.handleCleanupMatches,
	}
}

// ProcessDue runs one cadence batch: load due alerts, match each one
// independently, persist new matches, enqueue notifications, and advance
// watermarks. Re-running before the next cutoff is a safe no-op because no
// alerts will be due.
func (p *Processor) ProcessDue(ctx context.Context, freq models.Frequency) (Stats, error) {
	var stats Stats

	cutoff := p.now().Add(-freq.Window())
	due, err := p.store.FindAlertsDue(ctx, freq, cutoff)
	if err != nil {
		return stats, fmt.Errorf("load due alerts for %s: %w", freq, err)
	}
	stats.AlertsSeen = len(due)
	if len(due) == 0 {
		p.log.Info("no alerts due", "cadence", freq)
		return stats, nil
	}

	for _, alert := range due {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		found, notified, err := p.processOne(ctx, alert)
		if err != nil {
			// One bad alert never aborts the batch.
			p.log.Error("alert processing failed", "alert", alert.ID, "error", err)
			stats.Skipped++
			telemetry.AlertsSkipped.Inc()
			continue
		}
		stats.Processed++
		stats.MatchesFound += found
		stats.NotificationsEnqueued += notified
		telemetry.AlertsProcessed.Inc()
		telemetry.MatchesFound.Add(float64(found))
	}

	p.log.Info("cadence batch complete", "cadence", freq,
		"seen", stats.AlertsSeen, "processed", stats.Processed, "skipped", stats.Skipped,
		"matches", stats.MatchesFound, "notifications", stats.NotificationsEnqueued)
	return stats, nil
}

// processOne handles a single alert end to end. Returns the number of newly
// persisted matches and 1 when a notification was enqueued.
func (p *Processor) processOne(ctx context.Context, alert models.Alert) (int, int, error) {
	candidates, err := p.engine.Match(ctx, alert, matchLimit)
	if err != nil {
		return 0, 0, err
	}

	// An alert with nothing new still counts as processed.
	if len(candidates) == 0 {
		if err := p.store.UpdateLastSentAt(ctx, alert.ID, p.now()); err != nil {
			return 0, 0, fmt.Errorf("advance watermark: %w", err)
		}
		return 0, 0, nil
	}

	rows := make([]models.Match, len(candidates))
	for i, c := range candidates {
		rows[i] = models.Match{AlertID: alert.ID, JobID: c.Posting.ID, Score: c.Score}
	}
	inserted, err := p.store.InsertMatches(ctx, rows)
	if err != nil {
		return 0, 0, fmt.Errorf("persist matches: %w", err)
	}

	notified, err := p.notify(ctx, alert)
	if err != nil {
		// Dispatch failures never roll back matches or the watermark; the
		// unsent rows ride along with the next run instead.
		p.log.Error("notification dispatch failed", "alert", alert.ID, "error", err)
		notified = 0
	}

	if err := p.store.UpdateLastSentAt(ctx, alert.ID, p.now()); err != nil {
		return inserted, notified, fmt.Errorf("advance watermark: %w", err)
	}
	return inserted, notified, nil
}

// notify assembles and enqueues one notification task for the alert's unsent
// matches, then marks the dispatched matches as sent. Alerts without a
// resolvable, active owner are skipped quietly.
func (p *Processor) notify(ctx context.Context, alert models.Alert) (int, error) {
	unsent, err := p.store.FindUnsentMatches(ctx, alert.ID, notifyCap)
	if err != nil {
		return 0, fmt.Errorf("load unsent matches: %w", err)
	}
	if len(unsent) == 0 {
		return 0, nil
	}
	total, err := p.store.CountUnsentMatches(ctx, alert.ID)
	if err != nil {
		return 0, fmt.Errorf("count unsent matches: %w", err)
	}

	user, err := p.store.GetUser(ctx, alert.UserID)
	if err != nil {
		p.log.Warn("alert owner not resolvable, skipping notification", "alert", alert.ID, "user", alert.UserID, "error", err)
		return 0, nil
	}
	if !user.IsActive {
		p.log.Info("alert owner deactivated, skipping notification", "alert", alert.ID, "user", user.ID)
		return 0, nil
	}

	payload := models.AlertNotification{
		UserID:       user.ID,
		Email:        user.Email,
		FullName:     user.FullName,
		AlertName:    alert.Name,
		Matches:      make([]models.NotifiedMatch, len(unsent)),
		TotalMatches: total,
	}
	dispatched := make([]string, len(unsent))
	for i, um := range unsent {
		dispatched[i] = um.Match.ID
		payload.Matches[i] = models.NotifiedMatch{
			Job: models.NotifiedJob{
				ID:              um.Posting.ID,
				Title:           um.Posting.Title,
				Company:         um.Posting.Company,
				Location:        um.Posting.LocationString(),
				JobType:         um.Posting.JobType,
				ExperienceLevel: um.Posting.ExperienceLevel,
				Description:     um.Posting.Description,
			},
			MatchScore: um.Match.Score,
		}
	}

	if _, _, err := p.queue.Enqueue(ctx, NotificationQueue, NotificationTask, payload, queue.EnqueueOptions{}); err != nil {
		return 0, fmt.Errorf("enqueue notification: %w", err)
	}
	if err := p.store.MarkMatchesSent(ctx, dispatched); err != nil {
		return 0, fmt.Errorf("mark matches sent: %w", err)
	}
	telemetry.NotificationsEnqueued.Inc()
	return 1, nil
}

// handlePauseInactive soft-disables alerts owned by deactivated accounts.
func (p *Processor) handlePauseInactive(ctx context.Context, _ models.Task) error {
	paused, err := p.store.PauseAlertsForInactiveUsers(ctx)
	if err != nil {
		return err
	}
	if paused > 0 {
		p.log.Info("paused alerts for deactivated users", "count", paused)
	}
	return nil
}

// handleCleanupMatches drops notified matches past the retention window.
func (p *Processor) handleCleanupMatches(ctx context.Context, _ models.Task) error {
	deleted, err := p.store.DeleteOldMatches(ctx, p.now().Add(-p.matchRetention))
	if err != nil {
		return err
	}
	if deleted > 0 {
		p.log.Info("cleaned up old matches", "count", deleted)
	}
	return nil
}
