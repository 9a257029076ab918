package platform

import (
	"context"
	"net/http"
	"strconv"
	"sync/atomic"

	logx "herald/pkg/logx"
)

// Discard accepts every call without contacting a platform. It backs the
// "none" driver for dry runs.
type Discard struct {
	log logx.Logger
	seq atomic.Int64
}

var _ Adapter = (*Discard)(nil)

func NewDiscard(log logx.Logger) *Discard {
	return &Discard{log: log.With(logx.Component("platform.discard"))}
}

func (d *Discard) CreateConversation(ctx context.Context, id Identity, req ConversationRequest) (Conversation, error) {
	if err := ctx.Err(); err != nil {
		return Conversation{}, err
	}
	return Conversation{ID: "discard-" + req.RecipientID, ServiceURL: req.ServiceURL, TenantID: req.TenantID}, nil
}

func (d *Discard) SendMessage(ctx context.Context, id Identity, conversationID string, c Content) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, err
	}
	n := d.seq.Add(1)
	d.log.Debug("message discarded", logx.String("identity", string(id)), logx.String("conversation", conversationID), logx.Int("len", len(c.Text)))
	return SendResult{MessageID: strconv.FormatInt(n, 10), StatusCode: http.StatusOK}, nil
}
