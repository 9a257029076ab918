package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"herald/internal/directory"
)

func scanMembers(rows *sql.Rows) ([]directory.Member, error) {
	defer rows.Close()
	var out []directory.Member
	for rows.Next() {
		var (
			m      directory.Member
			guest  int
			hasApp int
		)
		if err := rows.Scan(&m.ID, &m.Name, &guest, &hasApp, &m.ConversationID, &m.ServiceURL, &m.TenantID); err != nil {
			return nil, err
		}
		m.Guest = guest != 0
		m.HasApp = hasApp != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListUsers(ctx context.Context, after string, limit int) ([]directory.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, guest, has_app, conversation_id, service_url, tenant_id
		 FROM directory_users WHERE id > ? ORDER BY id LIMIT ?`, after, limit)
	if err != nil {
		return nil, err
	}
	return scanMembers(rows)
}

// ListMembers joins the membership list against known users; members the bot
// has never seen come back with HasApp unset.
func (s *sqliteStore) ListMembers(ctx context.Context, kind directory.GroupKind, groupID, after string, limit int) ([]directory.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.member_id, COALESCE(u.name, ''), COALESCE(u.guest, 0), COALESCE(u.has_app, 0),
		        COALESCE(u.conversation_id, ''), COALESCE(u.service_url, ''), COALESCE(u.tenant_id, '')
		 FROM directory_members m
		 LEFT JOIN directory_users u ON u.id = m.member_id
		 WHERE m.kind = ? AND m.group_id = ? AND m.member_id > ?
		 ORDER BY m.member_id LIMIT ?`, string(kind), groupID, after, limit)
	if err != nil {
		return nil, err
	}
	return scanMembers(rows)
}

func (s *sqliteStore) GetTeam(ctx context.Context, teamID string) (directory.Team, error) {
	var t directory.Team
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, conversation_id, service_url, tenant_id FROM directory_teams WHERE id = ?`, teamID,
	).Scan(&t.ID, &t.Name, &t.ConversationID, &t.ServiceURL, &t.TenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return directory.Team{}, directory.ErrUnknownTeam
	}
	return t, err
}

func (s *sqliteStore) UpsertUser(ctx context.Context, m directory.Member) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO directory_users(id, name, guest, has_app, conversation_id, service_url, tenant_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, guest = excluded.guest,
		   has_app = MAX(directory_users.has_app, excluded.has_app),
		   conversation_id = CASE WHEN excluded.conversation_id = '' THEN directory_users.conversation_id ELSE excluded.conversation_id END,
		   service_url = excluded.service_url, tenant_id = excluded.tenant_id,
		   updated_at = excluded.updated_at`,
		m.ID, m.Name, boolInt(m.Guest), boolInt(m.HasApp), m.ConversationID, m.ServiceURL, m.TenantID, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) UpsertTeam(ctx context.Context, t directory.Team) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO directory_teams(id, name, conversation_id, service_url, tenant_id, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name, conversation_id = excluded.conversation_id,
		   service_url = excluded.service_url, tenant_id = excluded.tenant_id,
		   updated_at = excluded.updated_at`,
		t.ID, t.Name, t.ConversationID, t.ServiceURL, t.TenantID, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) ReplaceMembers(ctx context.Context, kind directory.GroupKind, groupID string, memberIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM directory_members WHERE kind = ? AND group_id = ?`, string(kind), groupID); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO directory_members(kind, group_id, member_id) VALUES (?, ?, ?)
		 ON CONFLICT(kind, group_id, member_id) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, id := range memberIDs {
		if _, err := stmt.ExecContext(ctx, string(kind), groupID, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}
