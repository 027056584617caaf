// Package recovery owns the agent's crash-consistency story: checkpointing on
// shutdown, replaying the pending queue on startup and draining it while
// running. The rule everywhere is that one bad delivery never blocks the
// rest.
package recovery

import (
	"context"
	"encoding/json"
	"time"

	"example.com/retailstack/pos-agent/internal/gaps"
	"example.com/retailstack/pos-agent/internal/models"
	"example.com/retailstack/pos-agent/internal/store"
	"example.com/retailstack/pos-agent/internal/syncclient"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Checkpoint keys.
const (
	ckLastSyncTime      = "last_sync_time"
	ckLastRecovery      = "last_recovery"
	ckPendingOnShutdown = "pending_on_shutdown"
	ckDowntimeLog       = "downtime_log"
)

const drainBatchLimit = 100

// Manager coordinates startup recovery, shutdown checkpointing and queue
// drains.
type Manager struct {
	store    *store.Store
	client   syncclient.Client
	detector *gaps.Detector
	backoff  syncclient.Backoff
}

// New creates a Manager. detector may be nil when gap tracking is disabled.
func New(st *store.Store, client syncclient.Client, detector *gaps.Detector, backoff syncclient.Backoff) *Manager {
	return &Manager{store: st, client: client, detector: detector, backoff: backoff}
}

// Report summarizes one recovery pass.
type Report struct {
	StartedAt      time.Time          `json:"started_at"`
	CompletedAt    time.Time          `json:"completed_at"`
	Replayed       int                `json:"replayed"`
	Delivered      int                `json:"delivered"`
	Failed         int                `json:"failed"`
	OpenGaps       []models.GapRecord `json:"open_gaps"`
	DowntimeLogged bool               `json:"downtime_logged"`
}

// OnStartup runs the full recovery pass: log the downtime window, re-seed the
// gap detector from storage, replay everything still queued and surface open
// gaps. Per-item delivery failures are recorded, not returned; the error
// covers storage faults only.
func (m *Manager) OnStartup(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now()}

	report.DowntimeLogged = m.logDowntime(ctx)

	if m.detector != nil {
		printers, err := m.store.PrinterIDs(ctx)
		if err != nil {
			return report, errors.Wrap(err, "failed to list printers for recovery")
		}
		for _, p := range printers {
			if err := m.detector.LoadLastSeen(ctx, p); err != nil {
				return report, errors.Wrapf(err, "failed to seed gap detector for %s", p)
			}
		}
	}

	pending, err := m.store.AllPending(ctx)
	if err != nil {
		return report, errors.Wrap(err, "failed to list pending deliveries")
	}
	report.Replayed = len(pending)
	report.Delivered, report.Failed = m.deliverPending(ctx, pending, true)

	report.OpenGaps, err = m.store.OpenGaps(ctx)
	if err != nil {
		return report, errors.Wrap(err, "failed to list open gaps")
	}

	report.CompletedAt = time.Now()
	if err := m.store.SetCheckpoint(ctx, ckLastRecovery, report); err != nil {
		return report, err
	}

	log.Info().
		Int("replayed", report.Replayed).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Int("open_gaps", len(report.OpenGaps)).
		Msg("Startup recovery complete")
	return report, nil
}

// logDowntime reports how long the agent was down, once per restart.
func (m *Manager) logDowntime(ctx context.Context) bool {
	var lastSync time.Time
	found, err := m.store.GetCheckpoint(ctx, ckLastSyncTime, &lastSync)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read shutdown checkpoint")
		return false
	}
	if !found {
		return false
	}

	downtime := time.Since(lastSync)
	log.Warn().
		Time("last_seen", lastSync).
		Dur("downtime", downtime).
		Msg("Agent was down; receipts printed in this window were not captured")

	entry := map[string]interface{}{
		"last_seen": lastSync,
		"restarted": time.Now(),
		"downtime":  downtime.String(),
	}
	if err := m.store.SetCheckpoint(ctx, ckDowntimeLog, entry); err != nil {
		log.Warn().Err(err).Msg("Failed to record downtime window")
		return false
	}
	return true
}

// OnShutdown checkpoints the clean-shutdown marker and the queue depth.
func (m *Manager) OnShutdown(ctx context.Context) error {
	pending, err := m.store.AllPending(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to count pending deliveries")
	}
	if err := m.store.SetCheckpoint(ctx, ckPendingOnShutdown, len(pending)); err != nil {
		return err
	}
	if err := m.store.SetCheckpoint(ctx, ckLastSyncTime, time.Now()); err != nil {
		return err
	}
	log.Info().Int("pending", len(pending)).Msg("Shutdown checkpoint written")
	return nil
}

// DrainPending delivers the currently eligible slice of the queue. Called
// periodically while the agent runs. Returns how many were delivered.
func (m *Manager) DrainPending(ctx context.Context) (int, error) {
	pending, err := m.store.DuePending(ctx, drainBatchLimit)
	if err != nil {
		return 0, err
	}
	delivered, _ := m.deliverPending(ctx, pending, false)
	return delivered, nil
}

// ForceReplayAll delivers every queued entry regardless of eligibility time.
func (m *Manager) ForceReplayAll(ctx context.Context) (int, error) {
	pending, err := m.store.AllPending(ctx)
	if err != nil {
		return 0, err
	}
	delivered, _ := m.deliverPending(ctx, pending, true)
	return delivered, nil
}

// deliverPending pushes queue entries through the client and updates the
// store per outcome. Entries with corrupt snapshots are dropped as permanent
// failures so they cannot wedge the queue.
func (m *Manager) deliverPending(ctx context.Context, pending []models.PendingDelivery, replay bool) (delivered, failed int) {
	for _, entry := range pending {
		if ctx.Err() != nil {
			failed += len(pending) - delivered - failed
			return delivered, failed
		}

		var payload models.DeliveryPayload
		if err := json.Unmarshal([]byte(entry.Payload), &payload); err != nil {
			log.Error().Uint("transaction_id", entry.TransactionID).Err(err).
				Msg("Corrupt delivery snapshot, dropping")
			if err := m.store.MarkAttemptFailed(ctx, entry.TransactionID,
				"corrupt delivery snapshot: "+err.Error(), time.Time{}, true); err != nil {
				log.Error().Err(err).Msg("Failed to drop corrupt delivery")
			}
			failed++
			continue
		}
		payload.Replay = replay

		res := m.client.Deliver(ctx, payload)
		switch {
		case res.Delivered:
			if err := m.store.MarkDelivered(ctx, entry.TransactionID, res.StatusCode); err != nil {
				log.Error().Uint("transaction_id", entry.TransactionID).Err(err).
					Msg("Delivered but failed to mark synced")
				failed++
				continue
			}
			delivered++
		case res.Permanent:
			log.Warn().
				Uint("transaction_id", entry.TransactionID).
				Str("receipt_id", payload.ReceiptID).
				Int("status", res.StatusCode).
				Msg("Delivery permanently rejected")
			if err := m.store.MarkAttemptFailed(ctx, entry.TransactionID,
				syncclient.FormatDeliveryError(res), time.Time{}, true); err != nil {
				log.Error().Err(err).Msg("Failed to record permanent failure")
			}
			failed++
		default:
			next := time.Now().Add(m.backoff.Delay(entry.Attempts + 1))
			if err := m.store.MarkAttemptFailed(ctx, entry.TransactionID,
				syncclient.FormatDeliveryError(res), next, false); err != nil {
				log.Error().Err(err).Msg("Failed to reschedule delivery")
			}
			failed++
		}
	}
	return delivered, failed
}
