// Package store is the durable local buffer: every captured transaction, its
// pending-delivery queue entry, the gap log and the checkpoint table live in
// one sqlite file. All multi-step operations run inside a single database
// transaction; a crash can never leave a transaction without either a synced
// flag or a pending-delivery row.
package store

import (
	"context"
	"encoding/json"
	"time"

	"example.com/retailstack/pos-agent/internal/models"

	"github.com/pkg/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store provides access to the agent's persistent state.
type Store struct {
	db *gorm.DB
}

// Open opens (or creates) the sqlite file at path and runs migrations.
func Open(path string) (*Store, error) {
	// WAL keeps readers from blocking the transport writers; the busy
	// timeout covers the drain pass contending with an append.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open store database")
	}
	if err := models.SetupModels(db); err != nil {
		return nil, errors.Wrap(err, "failed to migrate store database")
	}
	return &Store{db: db}, nil
}

// New wraps an already-open gorm DB. The caller is responsible for migrations.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append persists a freshly decoded transaction and atomically enqueues its
// delivery snapshot. The snapshot is serialized now, not at delivery time.
func (s *Store) Append(ctx context.Context, tx models.Transaction, printerID string) (*models.StoredTransaction, error) {
	itemsJSON, err := json.Marshal(tx.Items)
	if err != nil {
		return nil, errors.Wrap(err, "failed to serialize line items")
	}

	capturedAt := tx.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	stored := &models.StoredTransaction{
		ReceiptID:     tx.ReceiptID,
		PrinterID:     printerID,
		ItemsJSON:     string(itemsJSON),
		Subtotal:      tx.Subtotal,
		Tax:           tx.Tax,
		Total:         tx.Total,
		Type:          string(tx.Type),
		IsIncomplete:  tx.IsIncomplete,
		CapturedAt:    capturedAt,
		SourceExcerpt: tx.SourceExcerpt,
	}

	err = s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		if err := dbtx.Create(stored).Error; err != nil {
			return errors.Wrap(err, "failed to insert transaction")
		}
		payload := models.DeliveryPayload{
			ReceiptID: tx.ReceiptID,
			PrinterID: printerID,
			Items:     tx.Items,
			Subtotal:  tx.Subtotal,
			Tax:       tx.Tax,
			Total:     tx.Total,
			Timestamp: capturedAt,
		}
		snapshot, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "failed to serialize delivery snapshot")
		}
		pending := &models.PendingDelivery{
			TransactionID: stored.ID,
			Payload:       string(snapshot),
			NextAttempt:   time.Now(),
		}
		if err := dbtx.Create(pending).Error; err != nil {
			return errors.Wrap(err, "failed to enqueue delivery")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// DuePending returns queue entries eligible for delivery now, oldest
// eligibility first.
func (s *Store) DuePending(ctx context.Context, limit int) ([]models.PendingDelivery, error) {
	var pending []models.PendingDelivery
	err := s.db.WithContext(ctx).
		Where("next_attempt <= ?", time.Now()).
		Order("next_attempt ASC").
		Limit(limit).
		Find(&pending).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due deliveries")
	}
	return pending, nil
}

// AllPending returns every queue entry regardless of eligibility, for forced
// replay.
func (s *Store) AllPending(ctx context.Context) ([]models.PendingDelivery, error) {
	var pending []models.PendingDelivery
	err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Find(&pending).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending deliveries")
	}
	return pending, nil
}

// MarkDelivered flips the transaction to synced, removes its queue entry and
// writes the delivery audit row, all atomically. Synced flips exactly once;
// marking an already-synced transaction is an error.
func (s *Store) MarkDelivered(ctx context.Context, transactionID uint, statusCode int) error {
	return s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		res := dbtx.Model(&models.StoredTransaction{}).
			Where("id = ? AND synced = ?", transactionID, false).
			Updates(map[string]interface{}{"synced": true, "last_sync_error": nil})
		if res.Error != nil {
			return errors.Wrap(res.Error, "failed to mark transaction synced")
		}
		if res.RowsAffected == 0 {
			return errors.Errorf("transaction %d not found or already synced", transactionID)
		}
		if err := dbtx.Where("transaction_id = ?", transactionID).
			Delete(&models.PendingDelivery{}).Error; err != nil {
			return errors.Wrap(err, "failed to dequeue delivery")
		}
		entry := &models.DeliveryLog{
			TransactionID: transactionID,
			DeliveredAt:   time.Now(),
			StatusCode:    statusCode,
		}
		if err := dbtx.Create(entry).Error; err != nil {
			return errors.Wrap(err, "failed to write delivery log")
		}
		return nil
	})
}

// MarkAttemptFailed records a failed delivery attempt. Transient failures
// reschedule the queue entry to nextAttempt; permanent failures remove it so
// the transaction is never retried automatically (it stays unsynced with the
// error recorded, visible to the operator surface).
func (s *Store) MarkAttemptFailed(ctx context.Context, transactionID uint, deliveryErr string, nextAttempt time.Time, permanent bool) error {
	return s.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		res := dbtx.Model(&models.StoredTransaction{}).
			Where("id = ?", transactionID).
			Updates(map[string]interface{}{
				"last_sync_error": deliveryErr,
				"attempts":        gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return errors.Wrap(res.Error, "failed to record delivery error")
		}
		if permanent {
			if err := dbtx.Where("transaction_id = ?", transactionID).
				Delete(&models.PendingDelivery{}).Error; err != nil {
				return errors.Wrap(err, "failed to drop permanently failed delivery")
			}
			return nil
		}
		res = dbtx.Model(&models.PendingDelivery{}).
			Where("transaction_id = ?", transactionID).
			Updates(map[string]interface{}{
				"next_attempt": nextAttempt,
				"attempts":     gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return errors.Wrap(res.Error, "failed to reschedule delivery")
		}
		return nil
	})
}

// Transaction returns one stored transaction by id.
func (s *Store) Transaction(ctx context.Context, id uint) (*models.StoredTransaction, error) {
	var tx models.StoredTransaction
	if err := s.db.WithContext(ctx).First(&tx, id).Error; err != nil {
		return nil, errors.Wrap(err, "failed to load transaction")
	}
	return &tx, nil
}

// RecentUnsynced lists the newest unsynced transactions for the operator
// surface.
func (s *Store) RecentUnsynced(ctx context.Context, limit int) ([]models.StoredTransaction, error) {
	var txs []models.StoredTransaction
	err := s.db.WithContext(ctx).
		Where("synced = ?", false).
		Order("created_at DESC").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list unsynced transactions")
	}
	return txs, nil
}

// ReceiptIDs returns all receipt identifiers for a printer in capture order,
// for gap auditing. An empty printerID means all printers.
func (s *Store) ReceiptIDs(ctx context.Context, printerID string) ([]string, error) {
	q := s.db.WithContext(ctx).Model(&models.StoredTransaction{}).
		Order("captured_at ASC")
	if printerID != "" {
		q = q.Where("printer_id = ?", printerID)
	}
	var ids []string
	if err := q.Pluck("receipt_id", &ids).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list receipt ids")
	}
	return ids, nil
}

// LastReceiptID returns the most recently captured receipt id for a printer,
// or "" when none exist.
func (s *Store) LastReceiptID(ctx context.Context, printerID string) (string, error) {
	var tx models.StoredTransaction
	err := s.db.WithContext(ctx).
		Where("printer_id = ?", printerID).
		Order("captured_at DESC").
		First(&tx).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to load last receipt id")
	}
	return tx.ReceiptID, nil
}

// PrinterIDs returns the distinct printer identifiers seen so far.
func (s *Store) PrinterIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.StoredTransaction{}).
		Distinct("printer_id").
		Where("printer_id <> ''").
		Pluck("printer_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list printer ids")
	}
	return ids, nil
}

// LogGap records a sequence gap. Gaps are an observability signal, never an
// error, but failing to persist one is a storage fault and is returned.
func (s *Store) LogGap(ctx context.Context, printerID, expected, missing string) error {
	gap := &models.GapRecord{
		PrinterID:         printerID,
		ExpectedReceiptID: expected,
		MissingReceiptID:  missing,
		DetectedAt:        time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(gap).Error; err != nil {
		return errors.Wrap(err, "failed to log gap")
	}
	return nil
}

// OpenGaps lists unresolved gap records.
func (s *Store) OpenGaps(ctx context.Context) ([]models.GapRecord, error) {
	var gaps []models.GapRecord
	err := s.db.WithContext(ctx).
		Where("resolved = ?", false).
		Order("detected_at ASC").
		Find(&gaps).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list open gaps")
	}
	return gaps, nil
}

// ResolveGap marks a gap resolved with an operator note. Gaps are only ever
// resolved this way, never automatically.
func (s *Store) ResolveGap(ctx context.Context, gapID uint, note string) error {
	res := s.db.WithContext(ctx).Model(&models.GapRecord{}).
		Where("id = ?", gapID).
		Updates(map[string]interface{}{"resolved": true, "resolution_note": note})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to resolve gap")
	}
	if res.RowsAffected == 0 {
		return errors.Errorf("gap %d not found", gapID)
	}
	return nil
}

// SetCheckpoint writes a JSON value under key, last writer wins.
func (s *Store) SetCheckpoint(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "failed to serialize checkpoint value")
	}
	entry := models.CheckpointEntry{Key: key, Value: string(data)}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return errors.Wrap(err, "failed to save checkpoint")
	}
	return nil
}

// GetCheckpoint loads the value under key into out. It reports whether the
// key existed.
func (s *Store) GetCheckpoint(ctx context.Context, key string, out interface{}) (bool, error) {
	var entry models.CheckpointEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "failed to load checkpoint")
	}
	if err := json.Unmarshal([]byte(entry.Value), out); err != nil {
		return false, errors.Wrap(err, "failed to decode checkpoint value")
	}
	return true, nil
}

// Stats is the aggregate view consumed by the operator surface.
type Stats struct {
	TotalTransactions int64      `json:"total_transactions"`
	PendingDeliveries int64      `json:"pending_deliveries"`
	OpenGaps          int64      `json:"open_gaps"`
	LastDeliveredAt   *time.Time `json:"last_delivered_at"`
}

// Stats produces aggregate counts over the store.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	db := s.db.WithContext(ctx)

	if err := db.Model(&models.StoredTransaction{}).Count(&stats.TotalTransactions).Error; err != nil {
		return stats, errors.Wrap(err, "failed to count transactions")
	}
	if err := db.Model(&models.PendingDelivery{}).Count(&stats.PendingDeliveries).Error; err != nil {
		return stats, errors.Wrap(err, "failed to count pending deliveries")
	}
	if err := db.Model(&models.GapRecord{}).Where("resolved = ?", false).Count(&stats.OpenGaps).Error; err != nil {
		return stats, errors.Wrap(err, "failed to count open gaps")
	}
	var last models.DeliveryLog
	err := db.Order("delivered_at DESC").First(&last).Error
	if err == nil {
		stats.LastDeliveredAt = &last.DeliveredAt
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return stats, errors.Wrap(err, "failed to load last delivery")
	}
	return stats, nil
}

// PendingFor returns the queue entry for a transaction, or nil when none
// exists. Mostly useful for tests and the operator surface.
func (s *Store) PendingFor(ctx context.Context, transactionID uint) (*models.PendingDelivery, error) {
	var pending models.PendingDelivery
	err := s.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&pending).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pending delivery")
	}
	return &pending, nil
}
