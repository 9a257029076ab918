// Package directory pages through tenant users, rosters, groups and teams.
//
// The pipeline only depends on Directory; StoreDirectory serves it from the
// local database, which the chat adapter and the ops API keep populated.
package directory

import (
	"context"
	"errors"
	"strings"
)

// DefaultPageSize bounds every page returned by StoreDirectory.
const DefaultPageSize = 200

var ErrUnknownTeam = errors.New("directory: unknown team")

// Member is one addressable user.
type Member struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	Guest          bool   `json:"guest,omitempty"`
	HasApp         bool   `json:"has_app"`
	ConversationID string `json:"conversation_id,omitempty"`
	ServiceURL     string `json:"service_url,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
}

// Team is a channel-backed recipient (one message per team).
type Team struct {
	ID             string `json:"id"`
	Name           string `json:"name,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	ServiceURL     string `json:"service_url,omitempty"`
	TenantID       string `json:"tenant_id,omitempty"`
}

// Page is one slice of a listing. Next is empty on the last page.
type Page struct {
	Members []Member
	Next    string
}

// GroupKind distinguishes membership lists stored in the same table.
type GroupKind string

const (
	KindGroup  GroupKind = "group"
	KindRoster GroupKind = "roster"
)

// Directory is the read side used by the recipient resolver.
type Directory interface {
	AllUsers(ctx context.Context, cursor string) (Page, error)
	GroupMembers(ctx context.Context, groupID, cursor string) (Page, error)
	TeamRoster(ctx context.Context, teamID, cursor string) (Page, error)
	Team(ctx context.Context, teamID string) (Team, error)
}

// Store is the persistence the StoreDirectory reads from and writers fill in.
type Store interface {
	ListUsers(ctx context.Context, after string, limit int) ([]Member, error)
	ListMembers(ctx context.Context, kind GroupKind, groupID, after string, limit int) ([]Member, error)
	GetTeam(ctx context.Context, teamID string) (Team, error)
	UpsertUser(ctx context.Context, m Member) error
	UpsertTeam(ctx context.Context, t Team) error
	ReplaceMembers(ctx context.Context, kind GroupKind, groupID string, memberIDs []string) error
}

// StoreDirectory implements Directory with keyset pagination over Store.
// Cursors are the last member id of the previous page.
type StoreDirectory struct {
	st       Store
	pageSize int
}

func NewStoreDirectory(st Store, pageSize int) *StoreDirectory {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &StoreDirectory{st: st, pageSize: pageSize}
}

func (d *StoreDirectory) AllUsers(ctx context.Context, cursor string) (Page, error) {
	ms, err := d.st.ListUsers(ctx, cursor, d.pageSize+1)
	if err != nil {
		return Page{}, err
	}
	return d.page(ms), nil
}

func (d *StoreDirectory) GroupMembers(ctx context.Context, groupID, cursor string) (Page, error) {
	ms, err := d.st.ListMembers(ctx, KindGroup, groupID, cursor, d.pageSize+1)
	if err != nil {
		return Page{}, err
	}
	return d.page(ms), nil
}

func (d *StoreDirectory) TeamRoster(ctx context.Context, teamID, cursor string) (Page, error) {
	ms, err := d.st.ListMembers(ctx, KindRoster, teamID, cursor, d.pageSize+1)
	if err != nil {
		return Page{}, err
	}
	return d.page(ms), nil
}

func (d *StoreDirectory) Team(ctx context.Context, teamID string) (Team, error) {
	return d.st.GetTeam(ctx, strings.TrimSpace(teamID))
}

// page trims the look-ahead row and derives the next cursor from it.
func (d *StoreDirectory) page(ms []Member) Page {
	if len(ms) <= d.pageSize {
		return Page{Members: ms}
	}
	ms = ms[:d.pageSize]
	return Page{Members: ms, Next: ms[len(ms)-1].ID}
}

// Recorder is the write side used by the chat adapter.
type Recorder struct {
	st Store
}

func NewRecorder(st Store) *Recorder { return &Recorder{st: st} }

// RecordUser stores a user that opened a private conversation with the bot.
func (r *Recorder) RecordUser(ctx context.Context, m Member) error {
	m.HasApp = true
	return r.st.UpsertUser(ctx, m)
}

// RecordTeam stores a group chat the bot was added to.
func (r *Recorder) RecordTeam(ctx context.Context, t Team) error {
	return r.st.UpsertTeam(ctx, t)
}

// ImportMembers replaces the membership list of a group or roster.
func (r *Recorder) ImportMembers(ctx context.Context, kind GroupKind, groupID string, memberIDs []string) error {
	if strings.TrimSpace(groupID) == "" {
		return errors.New("directory: group id required")
	}
	seen := make(map[string]struct{}, len(memberIDs))
	ids := make([]string, 0, len(memberIDs))
	for _, id := range memberIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return r.st.ReplaceMembers(ctx, kind, groupID, ids)
}
