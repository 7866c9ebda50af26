package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/datallboy/gowish/internal/domain"
)

// wishDBO maps to the wishes table
type wishDBO struct {
	ID        string `db:"id"`
	Position  int    `db:"position"`
	Held      bool   `db:"held"`
	Partial   bool   `db:"partial"`
	Payload   string `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}

// Mapper: DBO to Domain Wish
func (w *wishDBO) ToDomain() (domain.Wish, error) {
	var order domain.Order
	if err := json.Unmarshal([]byte(w.Payload), &order); err != nil {
		return domain.Wish{}, fmt.Errorf("failed to decode wish %s: %w", w.ID, err)
	}
	return domain.Wish{
		ID:        w.ID,
		Order:     order,
		Held:      w.Held,
		Partial:   w.Partial,
		CreatedAt: time.Unix(w.CreatedAt, 0).UTC(),
	}, nil
}

// Mapper: Domain Wish to DBO
func (w *wishDBO) FromDomain(wish domain.Wish, position int) error {
	payload, err := json.Marshal(wish.Order)
	if err != nil {
		return fmt.Errorf("failed to encode wish %s: %w", wish.ID, err)
	}
	w.ID = wish.ID
	w.Position = position
	w.Held = wish.Held
	w.Partial = wish.Partial
	w.Payload = string(payload)
	if !wish.CreatedAt.IsZero() {
		w.CreatedAt = wish.CreatedAt.Unix()
	} else {
		w.CreatedAt = time.Now().Unix()
	}
	return nil
}

// ancestryDBO maps to the ancestry table
type ancestryDBO struct {
	Path       string `db:"path"`
	Host       string `db:"host"`
	RecordedAt int64  `db:"recorded_at"`
}
