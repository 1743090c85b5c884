package models

// NotifiedJob carries the posting fields rendered into an alert email.
// Optional fields are omitted rather than sent empty.
type NotifiedJob struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Company         string `json:"company"`
	Location        string `json:"location,omitempty"`
	JobType         string `json:"jobType,omitempty"`
	ExperienceLevel string `json:"experienceLevel,omitempty"`
	Description     string `json:"description,omitempty"`
}

// NotifiedMatch pairs a job with the composite score it matched at.
type NotifiedMatch struct {
	Job        NotifiedJob `json:"job"`
	MatchScore float64     `json:"matchScore"`
}

// AlertNotification is the payload of one "email:alert-matches" task. The
// email subsystem consumes it as-is; TotalMatches may exceed len(Matches)
// when more unsent matches exist than the payload cap.
type AlertNotification struct {
	UserID       string          `json:"userId"`
	Email        string          `json:"email"`
	FullName     string          `json:"fullName"`
	AlertName    string          `json:"alertName"`
	Matches      []NotifiedMatch `json:"matches"`
	TotalMatches int             `json:"totalMatches"`
}
