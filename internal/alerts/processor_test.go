package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"testing"
	"time"

	"job-alert-pipeline/internal/matching"
	"job-alert-pipeline/internal/models"
	"job-alert-pipeline/internal/queue"
)

// fakeStore is an in-memory alerts.Store.
type fakeStore struct {
	alerts      []models.Alert
	users       map[string]models.User
	postings    map[string]models.Posting
	matches     map[string]*models.Match // keyed alertID|jobID
	failDueLoad error
	pausedCount int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[string]models.User{},
		postings: map[string]models.Posting{},
		matches:  map[string]*models.Match{},
	}
}

func (f *fakeStore) FindAlertsDue(_ context.Context, freq models.Frequency, cutoff time.Time) ([]models.Alert, error) {
	if f.failDueLoad != nil {
		return nil, f.failDueLoad
	}
	var due []models.Alert
	for _, a := range f.alerts {
		if a.Frequency != freq || !a.IsActive || a.IsPaused {
			continue
		}
		if a.LastSentAt == nil || a.LastSentAt.Before(cutoff) {
			due = append(due, a)
		}
	}
	return due, nil
}

func (f *fakeStore) InsertMatches(_ context.Context, matches []models.Match) (int, error) {
	inserted := 0
	for _, m := range matches {
		key := m.AlertID + "|" + m.JobID
		if _, ok := f.matches[key]; ok {
			continue
		}
		row := m
		row.ID = fmt.Sprintf("match-%s-%s", m.AlertID, m.JobID)
		f.matches[key] = &row
		inserted++
	}
	return inserted, nil
}

func (f *fakeStore) FindUnsentMatches(_ context.Context, alertID string, limit int) ([]models.UnsentMatch, error) {
	var out []models.UnsentMatch
	for _, m := range f.matches {
		if m.AlertID != alertID || m.Notified {
			continue
		}
		out = append(out, models.UnsentMatch{Match: *m, Posting: f.postings[m.JobID]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Match.Score > out[j].Match.Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CountUnsentMatches(_ context.Context, alertID string) (int, error) {
	n := 0
	for _, m := range f.matches {
		if m.AlertID == alertID && !m.Notified {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) MarkMatchesSent(_ context.Context, matchIDs []string) error {
	for _, id := range matchIDs {
		for _, m := range f.matches {
			if m.ID == id {
				m.Notified = true
			}
		}
	}
	return nil
}

func (f *fakeStore) UpdateLastSentAt(_ context.Context, alertID string, ts time.Time) error {
	for i := range f.alerts {
		if f.alerts[i].ID == alertID {
			t := ts
			f.alerts[i].LastSentAt = &t
		}
	}
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, id string) (models.User, error) {
	u, ok := f.users[id]
	if !ok {
		return models.User{}, fmt.Errorf("user %s: not found", id)
	}
	return u, nil
}

func (f *fakeStore) PauseAlertsForInactiveUsers(context.Context) (int64, error) {
	return f.pausedCount, nil
}

func (f *fakeStore) DeleteOldMatches(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) lastSentOf(t *testing.T, alertID string) *time.Time {
	t.Helper()
	for _, a := range f.alerts {
		if a.ID == alertID {
			return a.LastSentAt
		}
	}
	t.Fatalf("alert %s not in store", alertID)
	return nil
}

// fakeEngine returns canned candidates or errors per alert.
type fakeEngine struct {
	results map[string][]matching.Candidate
	errs    map[string]error
	calls   int
}

func (f *fakeEngine) Match(_ context.Context, alert models.Alert, _ int) ([]matching.Candidate, error) {
	f.calls++
	if err := f.errs[alert.ID]; err != nil {
		return nil, err
	}
	return f.results[alert.ID], nil
}

// fakeQueue records enqueued notification tasks.
type fakeQueue struct {
	enqueued []models.AlertNotification
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, queueName, taskType string, payload any, _ queue.EnqueueOptions) (models.Task, bool, error) {
	if f.err != nil {
		return models.Task{}, false, f.err
	}
	if queueName != NotificationQueue || taskType != NotificationTask {
		return models.Task{}, false, fmt.Errorf("unexpected enqueue target %s/%s", queueName, taskType)
	}
	f.enqueued = append(f.enqueued, payload.(models.AlertNotification))
	return models.Task{ID: "task"}, false, nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testProcessor(st *fakeStore, eng *fakeEngine, q *fakeQueue, now time.Time) *Processor {
	p := NewProcessor(st, eng, q, 90*24*time.Hour, discard())
	p.now = func() time.Time { return now }
	return p
}

func weeklyAlert(id, userID string, lastSent *time.Time) models.Alert {
	return models.Alert{
		ID: id, UserID: userID, Name: "Go jobs", Query: "golang",
		Frequency: models.FrequencyWeekly, IsActive: true, LastSentAt: lastSent,
	}
}

func candidate(jobID string, score float64) matching.Candidate {
	return matching.Candidate{Posting: models.Posting{ID: jobID, Title: "Engineer", Company: "Acme"}, Score: score}
}

func TestProcessDueEndToEnd(t *testing.T) {
	now := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	eightDaysAgo := now.Add(-8 * 24 * time.Hour)

	st := newFakeStore()
	st.alerts = []models.Alert{{
		ID: "a1", UserID: "u1", Name: "Seattle react", City: "Seattle",
		Skills: []string{"react"}, Frequency: models.FrequencyWeekly,
		IsActive: true, LastSentAt: &eightDaysAgo,
	}}
	st.users["u1"] = models.User{ID: "u1", Email: "dev@example.com", FullName: "Dev One", IsActive: true}
	st.postings["j1"] = models.Posting{ID: "j1", Title: "React Engineer", Company: "Acme", City: "Seattle", State: "WA", CreatedAt: now.Add(-24 * time.Hour)}

	eng := &fakeEngine{results: map[string][]matching.Candidate{
		"a1": {{Posting: st.postings["j1"], Relevance: 85.5, Score: 89.1}},
	}}
	q := &fakeQueue{}
	p := testProcessor(st, eng, q, now)

	stats, err := p.ProcessDue(context.Background(), models.FrequencyWeekly)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.AlertsSeen != 1 || stats.Processed != 1 || stats.MatchesFound != 1 || stats.NotificationsEnqueued != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(q.enqueued))
	}
	n := q.enqueued[0]
	if n.Email != "dev@example.com" || n.AlertName != "Seattle react" || n.TotalMatches != 1 {
		t.Fatalf("unexpected notification: %+v", n)
	}
	if len(n.Matches) != 1 || n.Matches[0].Job.Title != "React Engineer" || n.Matches[0].Job.Location != "Seattle, WA" {
		t.Fatalf("unexpected notification matches: %+v", n.Matches)
	}
	if got := st.lastSentOf(t, "a1"); got == nil || !got.Equal(now) {
		t.Fatalf("watermark not advanced to now: %v", got)
	}
	if m := st.matches["a1|j1"]; m == nil || !m.Notified {
		t.Fatalf("match not persisted and marked sent: %+v", m)
	}
}

func TestProcessDuePartialBatchResilience(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.alerts = []models.Alert{
		weeklyAlert("a1", "u1", nil),
		weeklyAlert("a2", "u1", nil),
		weeklyAlert("a3", "u1", nil),
	}
	st.users["u1"] = models.User{ID: "u1", Email: "dev@example.com", IsActive: true}

	eng := &fakeEngine{
		results: map[string][]matching.Candidate{},
		errs:    map[string]error{"a2": fmt.Errorf("%w: boom", matching.ErrSearchBackend)},
	}
	q := &fakeQueue{}
	p := testProcessor(st, eng, q, now)

	stats, err := p.ProcessDue(context.Background(), models.FrequencyWeekly)
	if err != nil {
		t.Fatalf("batch must not fail on a per-alert error: %v", err)
	}
	if stats.Processed != 2 || stats.Skipped != 1 {
		t.Fatalf("expected 2 processed / 1 skipped, got %+v", stats)
	}
	if st.lastSentOf(t, "a1") == nil || st.lastSentOf(t, "a3") == nil {
		t.Fatalf("healthy alerts must still advance their watermark")
	}
	if st.lastSentOf(t, "a2") != nil {
		t.Fatalf("failed alert must keep its watermark for the next run")
	}
}

func TestProcessDueIdempotentWatermark(t *testing.T) {
	now := time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)
	st := newFakeStore()
	st.alerts = []models.Alert{weeklyAlert("a1", "u1", nil)}
	st.users["u1"] = models.User{ID: "u1", Email: "dev@example.com", IsActive: true}
	st.postings["j1"] = models.Posting{ID: "j1", Title: "Engineer", CreatedAt: now.Add(-time.Hour)}

	eng := &fakeEngine{results: map[string][]matching.Candidate{"a1": {candidate("j1", 90)}}}
	q := &fakeQueue{}
	p := testProcessor(st, eng, q, now)

	first, err := p.ProcessDue(context.Background(), models.FrequencyWeekly)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.MatchesFound != 1 || len(q.enqueued) != 1 {
		t.Fatalf("unexpected first run: %+v", first)
	}

	// Re-running before the next cutoff is a no-op: the alert is not due.
	second, err := p.ProcessDue(context.Background(), models.FrequencyWeekly)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.AlertsSeen != 0 || second.MatchesFound != 0 {
		t.Fatalf("second run should see nothing due: %+v", second)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("second run must not enqueue another notification")
	}
	if len(st.matches) != 1 {
		t.Fatalf("second run must not create match rows, have %d", len(st.matches))
	}
}

func TestProcessDueMatchUniqueness(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.alerts = []models.Alert{weeklyAlert("a1", "u1", nil)}
	st.users["u1"] = models.User{ID: "u1", Email: "dev@example.com", IsActive: true}
	st.postings["j1"] = models.Posting{ID: "j1", Title: "Engineer"}

	eng := &fakeEngine{results: map[string][]matching.Candidate{"a1": {candidate("j1", 90)}}}
	q := &fakeQueue{}
	p := testProcessor(st, eng, q, now)

	if _, err := p.ProcessDue(context.Background(), models.FrequencyWeekly); err != nil {
		t.Fatalf("first run: %v", err)
	}
	// Force the alert due again with the index unchanged.
	st.alerts[0].LastSentAt = nil
	stats, err := p.ProcessDue(context.Background(), models.FrequencyWeekly)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if stats.MatchesFound != 0 {
		t.Fatalf("unchanged index must not create new matches: %+v", stats)
	}
	if len(st.matches) != 1 {
		t.Fatalf("expected a single match row, have %d", len(st.matches))
	}
}

func TestProcessDueZeroMatchesStillAdvances(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.alerts = []models.Alert{weeklyAlert("a1", "u1", nil)}
	eng := &fakeEngine{results: map[string][]matching.Candidate{}}
	q := &fakeQueue{}
	p := testProcessor(st, eng, q, now)

	stats, err := p.ProcessDue(context.Background(), models.FrequencyWeekly)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.Processed != 1 || stats.MatchesFound != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if st.lastSentOf(t, "a1") == nil {
		t.Fatalf("an alert with nothing new still counts as processed")
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("no notification expected for zero matches")
	}
}

func TestProcessDueMissingUserSkipsNotification(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.alerts = []models.Alert{weeklyAlert("a1", "ghost", nil)}
	st.postings["j1"] = models.Posting{ID: "j1", Title: "Engineer"}

	eng := &fakeEngine{results: map[string][]matching.Candidate{"a1": {candidate("j1", 90)}}}
	q := &fakeQueue{}
	p := testProcessor(st, eng, q, now)

	stats, err := p.ProcessDue(context.Background(), models.FrequencyWeekly)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.Processed != 1 || stats.NotificationsEnqueued != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if st.lastSentOf(t, "a1") == nil {
		t.Fatalf("watermark must advance even without a resolvable owner")
	}
	// The matches stay unsent for when the owner becomes resolvable.
	if st.matches["a1|j1"].Notified {
		t.Fatalf("undispatched matches must not be marked sent")
	}
}

func TestProcessDueEnqueueFailureKeepsProgress(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.alerts = []models.Alert{weeklyAlert("a1", "u1", nil)}
	st.users["u1"] = models.User{ID: "u1", Email: "dev@example.com", IsActive: true}
	st.postings["j1"] = models.Posting{ID: "j1", Title: "Engineer"}

	eng := &fakeEngine{results: map[string][]matching.Candidate{"a1": {candidate("j1", 90)}}}
	q := &fakeQueue{err: errors.New("email queue down")}
	p := testProcessor(st, eng, q, now)

	stats, err := p.ProcessDue(context.Background(), models.FrequencyWeekly)
	if err != nil {
		t.Fatalf("dispatch failure must not fail the batch: %v", err)
	}
	if stats.Processed != 1 || stats.NotificationsEnqueued != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if st.lastSentOf(t, "a1") == nil {
		t.Fatalf("dispatch failure must not roll back the watermark")
	}
	if st.matches["a1|j1"].Notified {
		t.Fatalf("matches must stay unsent when dispatch fails, so the next run retries them")
	}
}

func TestProcessDueNotificationCap(t *testing.T) {
	now := time.Now().UTC()
	st := newFakeStore()
	st.alerts = []models.Alert{weeklyAlert("a1", "u1", nil)}
	st.users["u1"] = models.User{ID: "u1", Email: "dev@example.com", IsActive: true}

	var cands []matching.Candidate
	for i := 0; i < 15; i++ {
		jobID := fmt.Sprintf("j%02d", i)
		st.postings[jobID] = models.Posting{ID: jobID, Title: "Engineer"}
		cands = append(cands, candidate(jobID, float64(100-i)))
	}
	eng := &fakeEngine{results: map[string][]matching.Candidate{"a1": cands}}
	q := &fakeQueue{}
	p := testProcessor(st, eng, q, now)

	stats, err := p.ProcessDue(context.Background(), models.FrequencyWeekly)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.MatchesFound != 15 {
		t.Fatalf("expected all 15 matches persisted, got %d", stats.MatchesFound)
	}
	if len(q.enqueued) != 1 {
		t.Fatalf("expected one notification, got %d", len(q.enqueued))
	}
	n := q.enqueued[0]
	if len(n.Matches) != 10 {
		t.Fatalf("payload must cap at 10 matches, got %d", len(n.Matches))
	}
	if n.TotalMatches != 15 {
		t.Fatalf("total must count every unsent match, got %d", n.TotalMatches)
	}
}

func TestProcessDueBatchLoadFailure(t *testing.T) {
	st := newFakeStore()
	st.failDueLoad = errors.New("connection reset")
	p := testProcessor(st, &fakeEngine{}, &fakeQueue{}, time.Now())

	if _, err := p.ProcessDue(context.Background(), models.FrequencyWeekly); err == nil {
		t.Fatalf("infrastructure failure on the initial load must propagate")
	}
}
