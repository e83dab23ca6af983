package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

type PermissionStore struct {
	db *sql.DB
}

func NewPermissionStore(db *sql.DB) *PermissionStore {
	return &PermissionStore{db: db}
}

func (s *PermissionStore) ListPermittedKBs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT kb_id
FROM kb_permissions
WHERE user_id = $1
ORDER BY kb_id
`, userID)
	if err != nil {
		return nil, fmt.Errorf("query permitted kbs: %w", err)
	}
	defer rows.Close()

	var kbIDs []string
	for rows.Next() {
		var kbID string
		if err := rows.Scan(&kbID); err != nil {
			return nil, fmt.Errorf("scan permitted kb: %w", err)
		}
		kbIDs = append(kbIDs, kbID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permitted kbs: %w", err)
	}
	return kbIDs, nil
}
