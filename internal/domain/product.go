package domain

import "time"

// ProductCategory determines how a purchase affects the buyer's gold balance
type ProductCategory string

const (
	// CategoryConversion credits gold (external points settled elsewhere)
	CategoryConversion ProductCategory = "conversion"
	// CategoryItem debits gold for an item grant
	CategoryItem ProductCategory = "item"
)

// Product represents a shop catalog entry
type Product struct {
	ProductID   string          `json:"product_id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       int64           `json:"price"`
	Category    ProductCategory `json:"category"`
	GoldOut     int64           `json:"gold_out,omitempty"`
	IsActive    bool            `json:"is_active"`
	CreatedAt   time.Time       `json:"created_at"`
}

// User represents a platform user with a gold balance
type User struct {
	ID          int64     `json:"id"`
	Username    string    `json:"username"`
	GoldBalance int64     `json:"gold_balance"`
	CreatedAt   time.Time `json:"created_at"`
}
