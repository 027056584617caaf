package models

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// TransactionType classifies a decoded receipt.
type TransactionType string

const (
	TypeSale   TransactionType = "sale"
	TypeVoid   TransactionType = "void"
	TypeRefund TransactionType = "refund"
)

// LineItem is a single item line on a receipt. Total is recorded independently
// of Quantity*UnitPrice because the receipt text may state it directly.
type LineItem struct {
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
	Total     float64 `json:"total"`
}

// Transaction is the decoder's output for one frame. It is immutable once
// built; delivery bookkeeping lives on StoredTransaction.
type Transaction struct {
	ReceiptID     string          `json:"receipt_id"`
	Items         []LineItem      `json:"items"`
	Subtotal      float64         `json:"subtotal"`
	Tax           float64         `json:"tax"`
	Total         float64         `json:"total"`
	CapturedAt    time.Time       `json:"captured_at"`
	SourceExcerpt string          `json:"source_excerpt"`
	IsIncomplete  bool            `json:"is_incomplete"`
	Type          TransactionType `json:"transaction_type"`
}

// StoredTransaction is a Transaction persisted by the store, with
// store-assigned identity and delivery bookkeeping. Synced flips false->true
// exactly once; Attempts and LastSyncError are an audit trail only and never
// gate delivery eligibility (the pending_deliveries queue does that).
type StoredTransaction struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
	ReceiptID     string         `gorm:"not null;index" json:"receipt_id"`
	PrinterID     string         `gorm:"index" json:"printer_id"`
	ItemsJSON     string         `gorm:"type:text" json:"-"`
	Subtotal      float64        `gorm:"not null;default:0" json:"subtotal"`
	Tax           float64        `gorm:"not null;default:0" json:"tax"`
	Total         float64        `gorm:"not null;default:0" json:"total"`
	Type          string         `gorm:"not null;default:'sale'" json:"transaction_type"`
	IsIncomplete  bool           `gorm:"not null;default:false" json:"is_incomplete"`
	CapturedAt    time.Time      `gorm:"index" json:"captured_at"`
	SourceExcerpt string         `gorm:"type:text" json:"source_excerpt"`
	Synced        bool           `gorm:"not null;default:false;index" json:"synced"`
	LastSyncError *string        `json:"last_sync_error"`
	Attempts      int            `gorm:"not null;default:0" json:"attempts"`
}

// Items decodes the persisted line items.
func (t *StoredTransaction) Items() ([]LineItem, error) {
	if t.ItemsJSON == "" {
		return nil, nil
	}
	var items []LineItem
	if err := json.Unmarshal([]byte(t.ItemsJSON), &items); err != nil {
		return nil, errors.Wrap(err, "failed to decode stored line items")
	}
	return items, nil
}

// PendingDelivery is the sole source of delivery eligibility: one row per
// unsynced transaction. Payload is the serialized snapshot taken at insert
// time so later schema drift cannot affect in-flight deliveries. The row is
// deleted on successful delivery or permanent failure; transient failures
// advance NextAttempt.
type PendingDelivery struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	TransactionID uint      `gorm:"not null;uniqueIndex" json:"transaction_id"`
	Payload       string    `gorm:"type:text;not null" json:"-"`
	NextAttempt   time.Time `gorm:"not null;index" json:"next_attempt"`
	Attempts      int       `gorm:"not null;default:0" json:"attempts"`
}

// GapRecord logs a numeric discontinuity in receipt identifiers for a source.
// Resolved only by explicit operator action.
type GapRecord struct {
	ID                uint      `gorm:"primaryKey" json:"id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	PrinterID         string    `gorm:"index" json:"printer_id"`
	ExpectedReceiptID string    `gorm:"not null" json:"expected_receipt_id"`
	MissingReceiptID  string    `gorm:"not null" json:"missing_receipt_id"`
	DetectedAt        time.Time `gorm:"not null" json:"detected_at"`
	Resolved          bool      `gorm:"not null;default:false;index" json:"resolved"`
	ResolutionNote    string    `json:"resolution_note"`
}

// CheckpointEntry is a key to a JSON value with last-writer-wins semantics.
type CheckpointEntry struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DeliveryLog is the audit row written when a delivery succeeds.
type DeliveryLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	TransactionID uint      `gorm:"not null;index" json:"transaction_id"`
	DeliveredAt   time.Time `gorm:"not null;index" json:"delivered_at"`
	StatusCode    int       `gorm:"not null" json:"status_code"`
}

// DeliveryPayload is the wire shape posted to the remote transaction endpoint.
// Replay marks deliveries replayed after recovery so the receiver may
// deduplicate.
type DeliveryPayload struct {
	ReceiptID string     `json:"receipt_id"`
	PrinterID string     `json:"printer_id"`
	Items     []LineItem `json:"items"`
	Subtotal  float64    `json:"subtotal"`
	Tax       float64    `json:"tax"`
	Total     float64    `json:"total"`
	Timestamp time.Time  `json:"timestamp"`
	Replay    bool       `json:"replay"`
}

// SetupModels configures GORM models and runs migrations
func SetupModels(db *gorm.DB) error {
	err := db.AutoMigrate(
		&StoredTransaction{},
		&PendingDelivery{},
		&GapRecord{},
		&CheckpointEntry{},
		&DeliveryLog{},
	)
	if err != nil {
		return errors.Wrap(err, "failed to run auto migrations")
	}
	return nil
}
