package notification

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a notification. Values are ordered;
// transitions only move forward.
type Status int

const (
	StatusDraft Status = iota
	StatusSyncingRecipients
	StatusInstallingApp
	StatusSending
	StatusCanceling
	StatusCanceled
	StatusSent
	StatusFailed
)

var statusNames = [...]string{
	StatusDraft:             "Draft",
	StatusSyncingRecipients: "SyncingRecipients",
	StatusInstallingApp:     "InstallingApp",
	StatusSending:           "Sending",
	StatusCanceling:         "Canceling",
	StatusCanceled:          "Canceled",
	StatusSent:              "Sent",
	StatusFailed:            "Failed",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "Unknown"
	}
	return statusNames[s]
}

// ParseStatus is the inverse of Status.String (case-insensitive).
func ParseStatus(v string) (Status, bool) {
	for i, n := range statusNames {
		if strings.EqualFold(n, strings.TrimSpace(v)) {
			return Status(i), true
		}
	}
	return 0, false
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCanceled || s == StatusSent || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	return to >= from
}

// AudienceKind selects how recipients are expanded.
type AudienceKind string

const (
	AudienceAllUsers AudienceKind = "all_users"
	AudienceRosters  AudienceKind = "rosters"
	AudienceGroups   AudienceKind = "groups"
	AudienceTeams    AudienceKind = "teams"
)

// Audience describes who receives a notification. Exactly one of the fields
// must be set.
type Audience struct {
	AllUsers  bool     `json:"all_users,omitempty"`
	RosterIDs []string `json:"roster_ids,omitempty"`
	GroupIDs  []string `json:"group_ids,omitempty"`
	TeamIDs   []string `json:"team_ids,omitempty"`
}

// Kind returns the single selected audience kind or ErrInvalidAudience.
func (a Audience) Kind() (AudienceKind, error) {
	var kinds []AudienceKind
	if a.AllUsers {
		kinds = append(kinds, AudienceAllUsers)
	}
	if len(a.RosterIDs) > 0 {
		kinds = append(kinds, AudienceRosters)
	}
	if len(a.GroupIDs) > 0 {
		kinds = append(kinds, AudienceGroups)
	}
	if len(a.TeamIDs) > 0 {
		kinds = append(kinds, AudienceTeams)
	}
	if len(kinds) != 1 {
		return "", ErrInvalidAudience
	}
	return kinds[0], nil
}

// Record is the authoritative state of one notification.
type Record struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Format   string   `json:"format,omitempty"`
	Audience Audience `json:"audience"`
	Status   Status   `json:"status"`

	TotalRecipientCount int `json:"total_recipient_count"`
	Succeeded           int `json:"succeeded"`
	Failed              int `json:"failed"`
	Throttled           int `json:"throttled"`
	Unknown             int `json:"unknown"`

	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	SendingStartedAt *time.Time `json:"sending_started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`

	// Version is bumped on every write; updates are conditional on it.
	Version int64 `json:"version"`
}

// Covered reports whether every recipient has a terminal outcome recorded.
func (r Record) Covered() bool {
	return r.Succeeded+r.Failed+r.Unknown >= r.TotalRecipientCount
}

// ContentSnapshot is the frozen copy of authored content read by send workers.
type ContentSnapshot struct {
	NotificationID string    `json:"notification_id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	Format         string    `json:"format,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Text renders the snapshot as a single message body.
func (c ContentSnapshot) Text() string {
	t := strings.TrimSpace(c.Title)
	if t == "" {
		return c.Content
	}
	if strings.TrimSpace(c.Content) == "" {
		return t
	}
	return t + "\n\n" + c.Content
}
