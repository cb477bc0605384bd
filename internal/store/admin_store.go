package store

import "context"

// AdminStore gates manual hold releases and audit access.
type AdminStore struct {
	db DB
}

func NewAdminStore(db DB) *AdminStore {
	return &AdminStore{db: db}
}

func (s *AdminStore) IsAdmin(ctx context.Context, accountID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM admins WHERE account_id = $1)
	`, accountID)
	return exists, err
}

func (s *AdminStore) CreateAdmin(ctx context.Context, tx Execer, accountID string, createdBy *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO admins (account_id, created_by)
		VALUES ($1, $2)
		ON CONFLICT (account_id) DO NOTHING
	`, accountID, createdBy)
	return err
}
