// Package resolver expands a notification audience into recipient rows.
//
// Rows are written insert-if-absent in chunks of storage.MaxBatchWrite, so a
// replayed resolution never resets a recipient that was already sent to.
// After every row exists the recipients are sliced, ordered by id, into
// dispatch batches whose keys are returned to the orchestrator.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"herald/internal/directory"
	"herald/internal/notification"
	"herald/internal/storage"
	logx "herald/pkg/logx"
)

const DefaultBatchSize = 1000

// Store is the recipient persistence used by the resolver.
type Store interface {
	InsertRecipients(ctx context.Context, rs []notification.Recipient) (int, error)
	AssignBatches(ctx context.Context, notificationID string, size int) ([]string, error)
	CountRecipients(ctx context.Context, notificationID string) (int, error)
}

type Config struct {
	BatchSize int
}

// RecipientsInfo is the result of one resolution.
type RecipientsInfo struct {
	TotalCount        int      `json:"total_count"`
	BatchKeys         []string `json:"batch_keys"`
	NeedsConversation bool     `json:"needs_conversation"`
}

type Resolver struct {
	dir directory.Directory
	st  Store
	cfg Config
	log logx.Logger
}

func New(dir directory.Directory, st Store, cfg Config, log logx.Logger) *Resolver {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Resolver{dir: dir, st: st, cfg: cfg, log: log.With(logx.Component("resolver"))}
}

// Resolve writes one row per distinct audience member of rec and assigns
// dispatch batches. Directory failures are returned as is; callers retry.
func (r *Resolver) Resolve(ctx context.Context, rec notification.Record) (RecipientsInfo, error) {
	kind, err := rec.Audience.Kind()
	if err != nil {
		return RecipientsInfo{}, err
	}
	start := time.Now()
	w := &writer{st: r.st, notificationID: rec.ID, seen: map[string]struct{}{}}

	switch kind {
	case notification.AudienceAllUsers:
		err = r.pages(ctx, w, func(ctx context.Context, cursor string) (directory.Page, error) {
			return r.dir.AllUsers(ctx, cursor)
		})
	case notification.AudienceRosters:
		for _, id := range rec.Audience.RosterIDs {
			err = r.pages(ctx, w, func(ctx context.Context, cursor string) (directory.Page, error) {
				return r.dir.TeamRoster(ctx, id, cursor)
			})
			if err != nil {
				err = fmt.Errorf("roster %s: %w", id, err)
				break
			}
		}
	case notification.AudienceGroups:
		for _, id := range rec.Audience.GroupIDs {
			err = r.pages(ctx, w, func(ctx context.Context, cursor string) (directory.Page, error) {
				return r.dir.GroupMembers(ctx, id, cursor)
			})
			if err != nil {
				err = fmt.Errorf("group %s: %w", id, err)
				break
			}
		}
	case notification.AudienceTeams:
		err = r.teams(ctx, w, rec.Audience.TeamIDs)
	}
	if err == nil {
		err = w.flush(ctx)
	}
	if err != nil {
		return RecipientsInfo{}, err
	}

	total, err := r.st.CountRecipients(ctx, rec.ID)
	if err != nil {
		return RecipientsInfo{}, err
	}
	keys, err := r.st.AssignBatches(ctx, rec.ID, r.cfg.BatchSize)
	if err != nil {
		return RecipientsInfo{}, err
	}
	r.log.Info("recipients resolved",
		logx.Notification(rec.ID),
		logx.String("audience", string(kind)),
		logx.Int("total", total),
		logx.Int("inserted", w.inserted),
		logx.Int("faulted", w.faulted),
		logx.Int("batches", len(keys)),
		logx.Duration("dur", time.Since(start)),
	)
	return RecipientsInfo{TotalCount: total, BatchKeys: keys, NeedsConversation: w.needsConversation}, nil
}

type pageFunc func(ctx context.Context, cursor string) (directory.Page, error)

func (r *Resolver) pages(ctx context.Context, w *writer, next pageFunc) error {
	cursor := ""
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := next(ctx, cursor)
		if err != nil {
			return err
		}
		for _, m := range p.Members {
			if err := w.add(ctx, memberRow(w.notificationID, m)); err != nil {
				return err
			}
		}
		if p.Next == "" || p.Next == cursor {
			return nil
		}
		cursor = p.Next
	}
}

// teams yields one recipient per team, addressed to the team conversation.
func (r *Resolver) teams(ctx context.Context, w *writer, ids []string) error {
	for _, id := range ids {
		t, err := r.dir.Team(ctx, id)
		switch {
		case errors.Is(err, directory.ErrUnknownTeam), errors.Is(err, notification.ErrNotFound):
			// A team that does not exist cannot become reachable by retrying.
			row := notification.Recipient{
				NotificationID: w.notificationID,
				RecipientID:    id,
				RecipientType:  notification.RecipientTeam,
			}
			failFinal(&row, "team not found")
			if err := w.add(ctx, row); err != nil {
				return err
			}
			continue
		case err != nil:
			return fmt.Errorf("team %s: %w", id, err)
		}
		if err := w.add(ctx, notification.Recipient{
			NotificationID: w.notificationID,
			RecipientID:    t.ID,
			RecipientType:  notification.RecipientTeam,
			ConversationID: t.ConversationID,
			ServiceURL:     t.ServiceURL,
			TenantID:       t.TenantID,
		}); err != nil {
			return err
		}
	}
	return nil
}

func memberRow(notificationID string, m directory.Member) notification.Recipient {
	row := notification.Recipient{
		NotificationID: notificationID,
		RecipientID:    m.ID,
		RecipientType:  notification.RecipientUser,
		UserType:       notification.UserMember,
		ConversationID: m.ConversationID,
		ServiceURL:     m.ServiceURL,
		TenantID:       m.TenantID,
	}
	if m.Guest {
		row.UserType = notification.UserGuest
	}
	if !m.HasApp {
		failFinal(&row, "app not installed for recipient")
	}
	return row
}

func failFinal(r *notification.Recipient, msg string) {
	r.StatusCode = notification.StatusCodeFaultedFinal
	r.DeliveryStatus = notification.DeliveryFailed
	r.AllStatusCodes = notification.AppendStatusCode("", notification.StatusCodeFaultedFinal)
	r.ErrorMessage = msg
}

// writer buffers rows up to storage.MaxBatchWrite and drops repeats; the
// first occurrence of a recipient id wins.
type writer struct {
	st             Store
	notificationID string
	seen           map[string]struct{}
	buf            []notification.Recipient

	inserted          int
	faulted           int
	needsConversation bool
}

func (w *writer) add(ctx context.Context, row notification.Recipient) error {
	if row.RecipientID == "" {
		return nil
	}
	if _, dup := w.seen[row.RecipientID]; dup {
		return nil
	}
	w.seen[row.RecipientID] = struct{}{}
	if row.FaultedFinal() {
		w.faulted++
	} else if row.ConversationID == "" {
		w.needsConversation = true
	}
	w.buf = append(w.buf, row)
	if len(w.buf) >= storage.MaxBatchWrite {
		return w.flush(ctx)
	}
	return nil
}

func (w *writer) flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	n, err := w.st.InsertRecipients(ctx, w.buf)
	if err != nil {
		return fmt.Errorf("insert recipients: %w", err)
	}
	w.inserted += n
	w.buf = w.buf[:0]
	return nil
}
