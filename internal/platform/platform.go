// Package platform is the boundary to the chat platform the pipeline
// delivers through. Implementations report failures as *Error so callers can
// classify them without knowing the wire protocol.
package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"herald/internal/notification"
)

// Identity selects the credential set used for a call. Users are reached by
// the user-facing bot, teams by the author bot.
type Identity string

const (
	IdentityUser   Identity = "user"
	IdentityAuthor Identity = "author"
)

// IdentityFor returns the identity that owns conversations of the given type.
func IdentityFor(t notification.RecipientType) Identity {
	if t == notification.RecipientTeam {
		return IdentityAuthor
	}
	return IdentityUser
}

type ConversationRequest struct {
	RecipientID   string
	RecipientType notification.RecipientType
	TenantID      string
	ServiceURL    string
}

type Conversation struct {
	ID         string
	ServiceURL string
	TenantID   string
}

type Content struct {
	Text   string
	Format string // platform parse mode, e.g. HTML
}

type SendResult struct {
	MessageID  string
	StatusCode int
}

type Adapter interface {
	CreateConversation(ctx context.Context, id Identity, req ConversationRequest) (Conversation, error)
	SendMessage(ctx context.Context, id Identity, conversationID string, c Content) (SendResult, error)
}

// Error is a classified platform failure. StatusCode follows HTTP semantics.
type Error struct {
	StatusCode int
	RetryAfter time.Duration
	Body       string
	Err        error
}

func (e *Error) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("platform: %d: %s", e.StatusCode, e.Body)
	}
	if e.Err != nil {
		return fmt.Sprintf("platform: %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("platform: %d", e.StatusCode)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusOf extracts the status code and retry hint of err. Errors that are
// not *Error count as transient gateway failures (timeouts become 504).
func StatusOf(err error) (code int, retryAfter time.Duration) {
	if err == nil {
		return http.StatusOK, 0
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.StatusCode, pe.RetryAfter
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, 0
	}
	return http.StatusBadGateway, 0
}

// Category buckets status codes into the outcomes the pipeline acts on.
type Category int

const (
	Success Category = iota
	Throttled
	NotFound
	Transient
)

func Classify(code int) Category {
	switch {
	case code >= 200 && code < 300:
		return Success
	case code == http.StatusTooManyRequests:
		return Throttled
	case code == http.StatusNotFound || code == http.StatusForbidden:
		return NotFound
	default:
		return Transient
	}
}
