package models

import (
	"fmt"
	"time"
)

// Frequency is an alert's notification cadence.
type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// Valid reports whether f is one of the known cadences.
func (f Frequency) Valid() bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	}
	return false
}

// Window returns the processing window for the cadence. An alert is due when
// its last_sent_at watermark is older than now minus this window.
func (f Frequency) Window() time.Duration {
	switch f {
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	case FrequencyMonthly:
		return 30 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// Alert is a user-owned job-search subscription. LastSentAt is the sole
// progress watermark: nil means the alert has never been processed.
type Alert struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	Name             string     `json:"name"`
	Query            string     `json:"query"`
	City             string     `json:"city"`
	State            string     `json:"state"`
	JobTypes         []string   `json:"job_types"`
	Skills           []string   `json:"skills"`
	ExperienceLevels []string   `json:"experience_levels"`
	IncludeRemote    bool       `json:"include_remote"`
	Frequency        Frequency  `json:"frequency"`
	IsActive         bool       `json:"is_active"`
	IsPaused         bool       `json:"is_paused"`
	LastSentAt       *time.Time `json:"last_sent_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Match records that a posting matched an alert, with the composite score it
// matched at. (AlertID, JobID) is unique; inserting the same pairing twice is
// a no-op.
type Match struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	JobID     string    `json:"job_id"`
	Score     float64   `json:"score"`
	Notified  bool      `json:"notified"`
	CreatedAt time.Time `json:"created_at"`
}

// Posting is the read-only projection of a job posting, limited to the fields
// the matching and notification pipeline reads.
type Posting struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Company         string    `json:"company"`
	City            string    `json:"city"`
	State           string    `json:"state"`
	IsRemote        bool      `json:"is_remote"`
	JobType         string    `json:"job_type"`
	ExperienceLevel string    `json:"experience_level"`
	Description     string    `json:"description"`
	CreatedAt       time.Time `json:"created_at"`
}

// LocationString renders the display location for notifications: "City, ST",
// a bare city or state, or "Remote" when the posting has no location at all.
func (p Posting) LocationString() string {
	switch {
	case p.City != "" && p.State != "":
		return fmt.Sprintf("%s, %s", p.City, p.State)
	case p.City != "":
		return p.City
	case p.State != "":
		return p.State
	case p.IsRemote:
		return "Remote"
	}
	return ""
}

// UnsentMatch joins a match row with its posting for notification assembly.
type UnsentMatch struct {
	Match   Match
	Posting Posting
}

// User is the read-only projection of an alert's owner.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	IsActive bool   `json:"is_active"`
}
