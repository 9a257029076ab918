package notification

import (
	"strconv"
	"strings"
	"time"
)

type RecipientType string

const (
	RecipientUser RecipientType = "User"
	RecipientTeam RecipientType = "Team"
)

type UserType string

const (
	UserMember UserType = "Member"
	UserGuest  UserType = "Guest"
)

// Sentinel status codes stored alongside platform (HTTP-like) codes.
const (
	StatusCodeInitializing    = 0
	StatusCodeFaultedRetrying = -1
	StatusCodeFaultedFinal    = -2
)

type DeliveryStatus string

const (
	DeliveryNone              DeliveryStatus = ""
	DeliverySucceeded         DeliveryStatus = "Succeeded"
	DeliveryFailed            DeliveryStatus = "Failed"
	DeliveryRecipientNotFound DeliveryStatus = "RecipientNotFound"
	DeliveryThrottled         DeliveryStatus = "Throttled"
	DeliveryRetrying          DeliveryStatus = "Retrying"
)

// Recipient is the per-recipient delivery state of one notification.
type Recipient struct {
	NotificationID string        `json:"notification_id"`
	RecipientID    string        `json:"recipient_id"`
	RecipientType  RecipientType `json:"recipient_type"`
	UserType       UserType      `json:"user_type,omitempty"`

	ConversationID string `json:"conversation_id,omitempty"`
	ServiceURL     string `json:"service_url,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`

	StatusCode         int            `json:"status_code"`
	DeliveryStatus     DeliveryStatus `json:"delivery_status,omitempty"`
	TotalThrottleCount int            `json:"total_throttle_count"`
	AttemptCount       int            `json:"attempt_count"`
	AllStatusCodes     string         `json:"all_status_codes,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`

	BatchKey string     `json:"batch_key,omitempty"`
	SentAt   *time.Time `json:"sent_at,omitempty"`
}

// Pending reports whether the recipient may still be sent to.
func (r Recipient) Pending() bool {
	return r.StatusCode == StatusCodeInitializing || r.StatusCode == StatusCodeFaultedRetrying
}

// UnthrottledAttempts counts send attempts the platform did not answer with
// a throttle. Only these spend the retry budget.
func (r Recipient) UnthrottledAttempts() int {
	return max(0, r.AttemptCount-r.TotalThrottleCount)
}

// FaultedFinal reports whether the recipient was given up on without a send.
func (r Recipient) FaultedFinal() bool {
	return r.StatusCode == StatusCodeFaultedFinal
}

// StatusCodes parses AllStatusCodes.
func (r Recipient) StatusCodes() []int {
	if strings.TrimSpace(r.AllStatusCodes) == "" {
		return nil
	}
	parts := strings.Split(r.AllStatusCodes, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// AppendStatusCode returns list with code appended in comma form.
func AppendStatusCode(list string, code int) string {
	c := strconv.Itoa(code)
	if list == "" {
		return c
	}
	return list + "," + c
}

// Outcome is a single write against a recipient row. Code is appended to the
// status code history; StatusCode is the value stored as current.
type Outcome struct {
	StatusCode       int
	Code             int
	DeliveryStatus   DeliveryStatus
	ErrorMessage     string
	ThrottleIncrease int
	SentAt           *time.Time
}
