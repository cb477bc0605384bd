package store

import "context"

// Actor types recorded on audit entries.
const (
	ActorSystem   = "system"
	ActorUser     = "user"
	ActorAdmin    = "admin"
	ActorProvider = "provider"
)

type AuditStore struct {
	db DB
}

type auditRow struct {
	ID        string  `db:"id"`
	Action    string  `db:"action"`
	ActorType string  `db:"actor_type"`
	ActorID   *string `db:"actor_id"`
	AccountID string  `db:"account_id"`
	Metadata  string  `db:"metadata"`
	CreatedAt any     `db:"created_at"`
}

func NewAuditStore(db DB) *AuditStore {
	return &AuditStore{db: db}
}

// Log appends an audit entry inside the caller's transaction. Audit rows are
// never updated or deleted.
func (s *AuditStore) Log(ctx context.Context, tx Execer, action, actorType string, actorID *string, accountID, metadata string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit_logs (id, action, actor_type, actor_id, account_id, metadata)
		VALUES (gen_random_uuid()::text, $1, $2, $3, $4, $5)
	`, action, actorType, actorID, accountID, metadata)
	return err
}

func (s *AuditStore) List(ctx context.Context, limit, offset int) ([]map[string]any, error) {
	var rows []auditRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, action, actor_type, actor_id, account_id, metadata, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	logs := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		actorID := ""
		if row.ActorID != nil {
			actorID = *row.ActorID
		}
		logs = append(logs, map[string]any{
			"id":         row.ID,
			"action":     row.Action,
			"actor_type": row.ActorType,
			"actor_id":   actorID,
			"account_id": row.AccountID,
			"metadata":   row.Metadata,
			"created_at": row.CreatedAt,
		})
	}
	return logs, nil
}
