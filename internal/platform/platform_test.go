package platform

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	logx "herald/pkg/logx"
)

func TestStatusOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		err   error
		code  int
		retry time.Duration
	}{
		{name: "nil", err: nil, code: 200},
		{name: "flood", err: &Error{StatusCode: 429, RetryAfter: 3 * time.Second}, code: 429, retry: 3 * time.Second},
		{name: "wrapped", err: fmt.Errorf("send: %w", &Error{StatusCode: 404}), code: 404},
		{name: "deadline", err: fmt.Errorf("send: %w", context.DeadlineExceeded), code: 504},
		{name: "other", err: errors.New("connection reset"), code: 502},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, retry := StatusOf(tt.err)
			if code != tt.code || retry != tt.retry {
				t.Fatalf("StatusOf = %d, %s; want %d, %s", code, retry, tt.code, tt.retry)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	want := map[int]Category{200: Success, 201: Success, 429: Throttled, 403: NotFound, 404: NotFound, 400: Transient, 500: Transient, 504: Transient}
	for code, cat := range want {
		if got := Classify(code); got != cat {
			t.Errorf("Classify(%d) = %v, want %v", code, got, cat)
		}
	}
}

func TestDiscardAcceptsEverything(t *testing.T) {
	t.Parallel()
	d := NewDiscard(logx.Nop())
	conv, err := d.CreateConversation(context.Background(), IdentityUser, ConversationRequest{RecipientID: "u1"})
	if err != nil || conv.ID != "discard-u1" {
		t.Fatalf("conv = %+v err = %v", conv, err)
	}
	a, _ := d.SendMessage(context.Background(), IdentityUser, conv.ID, Content{Text: "x"})
	b, _ := d.SendMessage(context.Background(), IdentityUser, conv.ID, Content{Text: "y"})
	if a.StatusCode != 200 || a.MessageID == b.MessageID {
		t.Fatalf("results = %+v %+v", a, b)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.SendMessage(ctx, IdentityUser, conv.ID, Content{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("canceled send err = %v", err)
	}
}
