package domain

import "time"

// Wish is a queued, possibly held, Order awaiting later execution.
type Wish struct {
	ID        string    `json:"id"`
	Order     Order     `json:"order"`
	Held      bool      `json:"held"`
	Partial   bool      `json:"partial"` // deferred with bytes on disk
	CreatedAt time.Time `json:"created_at"`
}

// NewWish wraps order in a released wish. The order's WishID is set to id.
func NewWish(id string, order Order) Wish {
	order.WishID = id
	return Wish{ID: id, Order: order, CreatedAt: time.Now().UTC()}
}
