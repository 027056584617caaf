// Package gaps watches receipt identifiers for numeric discontinuities. A
// jump from 1046 to 1049 means two receipts were printed while the agent was
// not listening; a drop (1049 back to 1001) is a counter reset or a printer
// swap and is deliberately not a gap.
package gaps

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"example.com/retailstack/pos-agent/internal/escpos"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultPrinterID is used when frames carry no printer attribution.
const DefaultPrinterID = "default"

var (
	trailingNumber = regexp.MustCompile(`(\d+)$`)
	anyNumber      = regexp.MustCompile(`(\d+)`)
)

// GapStore is the slice of the persistence layer the detector needs.
type GapStore interface {
	LogGap(ctx context.Context, printerID, expected, missing string) error
	ReceiptIDs(ctx context.Context, printerID string) ([]string, error)
	LastReceiptID(ctx context.Context, printerID string) (string, error)
}

// Alert describes one detected gap.
type Alert struct {
	PrinterID  string    `json:"printer_id"`
	LastID     string    `json:"last_id"`
	NewID      string    `json:"new_id"`
	ExpectedID string    `json:"expected_id"`
	MissingID  string    `json:"missing_id"`
	Size       int64     `json:"size"`
	DetectedAt time.Time `json:"detected_at"`
}

// AlertFunc is notified synchronously when a gap is found.
type AlertFunc func(Alert)

// Detector tracks the last receipt identifier seen per printer. Safe for
// concurrent use.
type Detector struct {
	store   GapStore
	onAlert AlertFunc

	mu       sync.Mutex
	lastSeen map[string]string
}

// New creates a detector. onAlert may be nil.
func New(store GapStore, onAlert AlertFunc) *Detector {
	return &Detector{
		store:    store,
		onAlert:  onAlert,
		lastSeen: make(map[string]string),
	}
}

// receiptNumber extracts the numeric counter from a receipt id. A trailing
// run of digits wins ("A-1047" -> 1047); otherwise the first run anywhere.
// Decoder-synthesized ids are timestamps, not counters, and are skipped.
func receiptNumber(id string) (int64, bool) {
	if strings.HasPrefix(id, escpos.SyntheticIDPrefix) {
		return 0, false
	}
	m := trailingNumber.FindStringSubmatch(id)
	if m == nil {
		m = anyNumber.FindStringSubmatch(id)
	}
	if m == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Check records newID as the last-seen identifier for printerID and reports
// a gap when its counter jumped past the immediate successor. Identifiers
// without a numeric component become last-seen without any gap judgment.
// Counter resets and repeats never alert. The returned error is a storage
// fault, not a gap.
func (d *Detector) Check(ctx context.Context, newID, printerID string) (*Alert, error) {
	if printerID == "" {
		printerID = DefaultPrinterID
	}

	d.mu.Lock()
	last, seen := d.lastSeen[printerID]
	d.lastSeen[printerID] = newID
	d.mu.Unlock()

	n, ok := receiptNumber(newID)
	if !ok || !seen {
		return nil, nil
	}
	lastN, ok := receiptNumber(last)
	if !ok || n <= lastN+1 {
		return nil, nil
	}

	alert := Alert{
		PrinterID:  printerID,
		LastID:     last,
		NewID:      newID,
		ExpectedID: strconv.FormatInt(lastN+1, 10),
		MissingID:  missingRange(lastN+1, n-1),
		Size:       n - 1 - lastN,
		DetectedAt: time.Now(),
	}

	if err := d.store.LogGap(ctx, printerID, alert.ExpectedID, alert.MissingID); err != nil {
		return nil, errors.Wrap(err, "failed to persist gap")
	}

	log.Warn().
		Str("printer_id", printerID).
		Str("last_id", alert.LastID).
		Str("new_id", newID).
		Int64("size", alert.Size).
		Msg("Receipt sequence gap detected")

	if d.onAlert != nil {
		d.onAlert(alert)
	}
	return &alert, nil
}

func missingRange(first, last int64) string {
	if first == last {
		return strconv.FormatInt(first, 10)
	}
	return strconv.FormatInt(first, 10) + "-" + strconv.FormatInt(last, 10)
}

// LoadLastSeen seeds the detector's counter for printerID from storage, so a
// restart does not lose track of where the sequence left off.
func (d *Detector) LoadLastSeen(ctx context.Context, printerID string) error {
	if printerID == "" {
		printerID = DefaultPrinterID
	}
	id, err := d.store.LastReceiptID(ctx, printerID)
	if err != nil {
		return errors.Wrap(err, "failed to load last receipt id")
	}
	if id == "" {
		return nil
	}
	d.mu.Lock()
	d.lastSeen[printerID] = id
	d.mu.Unlock()
	return nil
}

// AuditExisting replays all stored receipt ids for printerID in capture order
// and returns the gaps found, without persisting or alerting. Used for
// offline audits of an existing store.
func (d *Detector) AuditExisting(ctx context.Context, printerID string) ([]Alert, error) {
	ids, err := d.store.ReceiptIDs(ctx, printerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list receipt ids")
	}

	var alerts []Alert
	var last string
	seen := false
	for _, id := range ids {
		if seen {
			n, okNew := receiptNumber(id)
			lastN, okLast := receiptNumber(last)
			if okNew && okLast && n > lastN+1 {
				alerts = append(alerts, Alert{
					PrinterID:  printerID,
					LastID:     last,
					NewID:      id,
					ExpectedID: strconv.FormatInt(lastN+1, 10),
					MissingID:  missingRange(lastN+1, n-1),
					Size:       n - 1 - lastN,
					DetectedAt: time.Now(),
				})
			}
		}
		last, seen = id, true
	}
	return alerts, nil
}

// Reset forgets the counter for printerID, or all counters when printerID is
// empty.
func (d *Detector) Reset(printerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if printerID == "" {
		d.lastSeen = make(map[string]string)
		return
	}
	delete(d.lastSeen, printerID)
}
