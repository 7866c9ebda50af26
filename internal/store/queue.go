package store

import (
	"context"
	"fmt"
	"sort"

	"github.com/datallboy/gowish/internal/domain"
)

// SaveWishes replaces the stored queue with wishes in a single transaction,
// so an interrupted write leaves the previous queue intact.
func (s *PersistentStore) SaveWishes(ctx context.Context, wishes []domain.Wish) error {
	s.wishMu.Lock()
	defer s.wishMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM wishes"); err != nil {
		return fmt.Errorf("failed to clear wishes: %w", err)
	}

	query := s.rebind(`INSERT INTO wishes (id, position, held, partial, payload, created_at)
              VALUES (?, ?, ?, ?, ?, ?)`)

	// Reuse a single DBO instance for efficiency
	var dbo wishDBO
	for i, w := range wishes {
		if err := dbo.FromDomain(w, i); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, query,
			dbo.ID, dbo.Position, dbo.Held, dbo.Partial, dbo.Payload, dbo.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save wish %s: %w", w.ID, err)
		}
	}

	return tx.Commit()
}

// LoadWishes returns the stored queue in order.
func (s *PersistentStore) LoadWishes(ctx context.Context) ([]domain.Wish, error) {
	s.wishMu.Lock()
	defer s.wishMu.Unlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, position, held, partial, payload, created_at FROM wishes ORDER BY position ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch wishes: %w", err)
	}
	defer rows.Close()

	var dbos []wishDBO
	for rows.Next() {
		var dbo wishDBO
		if err := rows.Scan(&dbo.ID, &dbo.Position, &dbo.Held, &dbo.Partial, &dbo.Payload, &dbo.CreatedAt); err != nil {
			return nil, err
		}
		dbos = append(dbos, dbo)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(dbos, func(i, j int) bool { return dbos[i].Position < dbos[j].Position })

	wishes := make([]domain.Wish, 0, len(dbos))
	for _, dbo := range dbos {
		w, err := dbo.ToDomain()
		if err != nil {
			// A corrupt row must not take the whole queue down
			continue
		}
		wishes = append(wishes, w)
	}
	return wishes, nil
}
