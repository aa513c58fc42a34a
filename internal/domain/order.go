package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownComplexityLevel marks an order line item referencing a level the
// snapshot does not configure. The whole order's calculation is rejected; no
// best-effort partial amount is produced.
var ErrUnknownComplexityLevel = errors.New("unknown complexity level")

// Order is a repair order submitted for settlement.
type Order struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`

	// Parties
	UserID     string `json:"userId"`
	MerchantID string `json:"merchantId"`

	// Identity attributes used for blacklist matching
	Phone    string `json:"phone,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
	IDCard   string `json:"idCard,omitempty"`

	// Financial details
	TotalAmount  decimal.Decimal `json:"totalAmount"`
	VehiclePrice decimal.Decimal `json:"vehiclePrice"`

	// Repaired line items, each carrying a complexity level
	Items []LineItem `json:"items"`

	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// LineItem is a single repaired item on an order.
type LineItem struct {
	ID    string  `json:"id"`
	Level LevelID `json:"level"`

	// Amount attributable to this item. Zero means "not itemized"; the
	// calculator then attributes an even share of the order total.
	Amount decimal.Decimal `json:"amount"`
}

// ResolvedLevel is the order's overall complexity: the highest level among
// its line items. Freeze and monthly-cap policies key off this value.
func (o *Order) ResolvedLevel() LevelID {
	best := LevelID("")
	rank := 0
	for _, it := range o.Items {
		if r := it.Level.Rank(); r > rank {
			rank = r
			best = it.Level
		}
	}
	return best
}

// OrderRequest is the API request payload for a settle pass.
type OrderRequest struct {
	OrderID      string                 `json:"orderId"`
	UserID       string                 `json:"userId"`
	MerchantID   string                 `json:"merchantId"`
	Phone        string                 `json:"phone,omitempty"`
	DeviceID     string                 `json:"deviceId,omitempty"`
	IDCard       string                 `json:"idCard,omitempty"`
	TotalAmount  decimal.Decimal        `json:"totalAmount"`
	VehiclePrice decimal.Decimal        `json:"vehiclePrice"`
	Items        []LineItemRequest      `json:"items"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// LineItemRequest is a line item in an OrderRequest.
type LineItemRequest struct {
	ID     string          `json:"id,omitempty"`
	Level  LevelID         `json:"level"`
	Amount decimal.Decimal `json:"amount,omitempty"`
}

// ToOrder converts a request to an Order domain object.
func (r *OrderRequest) ToOrder(tenantID string) *Order {
	now := time.Now().UTC()
	items := make([]LineItem, 0, len(r.Items))
	for _, it := range r.Items {
		items = append(items, LineItem{
			ID:     it.ID,
			Level:  it.Level,
			Amount: it.Amount,
		})
	}
	return &Order{
		ID:           r.OrderID,
		TenantID:     tenantID,
		UserID:       r.UserID,
		MerchantID:   r.MerchantID,
		Phone:        r.Phone,
		DeviceID:     r.DeviceID,
		IDCard:       r.IDCard,
		TotalAmount:  r.TotalAmount,
		VehiclePrice: r.VehiclePrice,
		Items:        items,
		Timestamp:    now,
		CreatedAt:    now,
		Metadata:     r.Metadata,
	}
}
