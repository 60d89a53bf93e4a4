package domain

import "time"

// PurchaseStatusSuccess is the only status the ledger records. Failed attempts
// are rejected before any row is written, leaving the idempotency key free for
// a retry.
const PurchaseStatusSuccess = "success"

// Purchase is a ledger row recording one effective charge. The tuple
// (UserID, ProductID, IdempotencyKey) is unique; retries with the same key
// resolve to this row instead of a second charge.
type Purchase struct {
	ID             int64           `json:"id"`
	UserID         int64           `json:"user_id"`
	ProductID      string          `json:"product_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Category       ProductCategory `json:"category"`
	Amount         int64           `json:"amount"`
	GoldBefore     int64           `json:"gold_before"`
	GoldDelta      int64           `json:"gold_delta"`
	GoldAfter      int64           `json:"gold_after"`
	Status         string          `json:"status"`
	ReceiptCode    string          `json:"receipt_code"`
	CreatedAt      time.Time       `json:"created_at"`
}

// PurchaseRequest is the body of POST /api/shop/purchase
type PurchaseRequest struct {
	ProductID      string `json:"product_id"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// PurchaseResult is returned to the caller; identical for the original
// request and any retry with the same idempotency key.
type PurchaseResult struct {
	ProductID      string          `json:"product_id"`
	Category       ProductCategory `json:"category"`
	GoldBefore     int64           `json:"gold_before"`
	GoldDelta      int64           `json:"gold_delta"`
	GoldAfter      int64           `json:"gold_after"`
	TransactionID  int64           `json:"transaction_id"`
	ReceiptCode    string          `json:"receipt_code"`
	IdempotencyKey string          `json:"idempotency_key"`
	Idempotent     bool            `json:"idempotent,omitempty"`
}

// ResultFromPurchase builds the API result for a ledger row.
func ResultFromPurchase(p *Purchase, idempotent bool) *PurchaseResult {
	return &PurchaseResult{
		ProductID:      p.ProductID,
		Category:       p.Category,
		GoldBefore:     p.GoldBefore,
		GoldDelta:      p.GoldDelta,
		GoldAfter:      p.GoldAfter,
		TransactionID:  p.ID,
		ReceiptCode:    p.ReceiptCode,
		IdempotencyKey: p.IdempotencyKey,
		Idempotent:     idempotent,
	}
}
