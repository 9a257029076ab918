// Package platformtest provides an in-memory platform.Adapter with scripted
// failures for pipeline tests.
package platformtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"herald/internal/platform"
)

type Sent struct {
	Identity       platform.Identity
	ConversationID string
	Content        platform.Content
	At             time.Time
}

// Fake records sends and returns scripted errors. Conversations are created as
// "conv-<recipient id>" unless a create error is scripted.
type Fake struct {
	mu         sync.Mutex
	sendErrs   map[string][]error
	createErrs map[string][]error
	sent       []Sent
	creates    map[string]int
	seq        int
}

func New() *Fake {
	return &Fake{
		sendErrs:   map[string][]error{},
		createErrs: map[string][]error{},
		creates:    map[string]int{},
	}
}

// FailSend queues errors returned by the next sends to conversationID, in order.
func (f *Fake) FailSend(conversationID string, errs ...error) {
	f.mu.Lock()
	f.sendErrs[conversationID] = append(f.sendErrs[conversationID], errs...)
	f.mu.Unlock()
}

// FailCreate queues errors returned by the next conversation creations for recipientID.
func (f *Fake) FailCreate(recipientID string, errs ...error) {
	f.mu.Lock()
	f.createErrs[recipientID] = append(f.createErrs[recipientID], errs...)
	f.mu.Unlock()
}

// Status builds a *platform.Error.
func Status(code int, retryAfter time.Duration) error {
	return &platform.Error{StatusCode: code, RetryAfter: retryAfter, Body: fmt.Sprintf("scripted %d", code)}
}

func (f *Fake) CreateConversation(ctx context.Context, id platform.Identity, req platform.ConversationRequest) (platform.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return platform.Conversation{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates[req.RecipientID]++
	if q := f.createErrs[req.RecipientID]; len(q) > 0 {
		f.createErrs[req.RecipientID] = q[1:]
		if q[0] != nil {
			return platform.Conversation{}, q[0]
		}
	}
	return platform.Conversation{ID: "conv-" + req.RecipientID, ServiceURL: req.ServiceURL, TenantID: req.TenantID}, nil
}

func (f *Fake) SendMessage(ctx context.Context, id platform.Identity, conversationID string, c platform.Content) (platform.SendResult, error) {
	if err := ctx.Err(); err != nil {
		return platform.SendResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.sendErrs[conversationID]; len(q) > 0 {
		f.sendErrs[conversationID] = q[1:]
		if q[0] != nil {
			return platform.SendResult{}, q[0]
		}
	}
	f.seq++
	f.sent = append(f.sent, Sent{Identity: id, ConversationID: conversationID, Content: c, At: time.Now()})
	return platform.SendResult{MessageID: fmt.Sprint(f.seq), StatusCode: 201}, nil
}

func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}

// SendCount returns the successful sends to conversationID.
func (f *Fake) SendCount(conversationID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.ConversationID == conversationID {
			n++
		}
	}
	return n
}

func (f *Fake) CreateCount(recipientID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[recipientID]
}
