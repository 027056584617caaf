// Package agent wires the capture pipeline together: transport frames go
// through the decoder and gap detector into the store, and a background drain
// pushes the queue to the collection endpoint.
package agent

import (
	"context"
	"io"
	"os"
	"sync"
	"time"

	"example.com/retailstack/pos-agent/internal/escpos"
	"example.com/retailstack/pos-agent/internal/gaps"
	"example.com/retailstack/pos-agent/internal/metrics"
	"example.com/retailstack/pos-agent/internal/models"
	"example.com/retailstack/pos-agent/internal/recovery"
	"example.com/retailstack/pos-agent/internal/store"
	"example.com/retailstack/pos-agent/internal/syncclient"
	"example.com/retailstack/pos-agent/internal/transport"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Listen modes.
const (
	ModeTCP    = "tcp"
	ModeStdin  = "stdin"
	ModeSerial = "serial"
)

const defaultStopTimeout = 10 * time.Second

// Config is the agent's runtime configuration, already resolved by the
// config layer.
type Config struct {
	// PrinterID overrides manufacturer sniffing when set.
	PrinterID string

	ListenMode string
	ListenAddr string

	// SerialOpen opens the raw channel in ModeSerial. Required for that
	// mode; the agent does not talk to port hardware itself.
	SerialOpen transport.Opener

	DrainInterval time.Duration
	StopTimeout   time.Duration

	TransportBaseDelay time.Duration
	TransportMaxDelay  time.Duration
}

func (c *Config) stopTimeout() time.Duration {
	if c.StopTimeout > 0 {
		return c.StopTimeout
	}
	return defaultStopTimeout
}

// Agent is the composition root. One Agent runs per till.
type Agent struct {
	cfg      Config
	parser   *escpos.Parser
	store    *store.Store
	detector *gaps.Detector
	manager  *recovery.Manager
	metrics  *metrics.Metrics

	// fatal carries unrecoverable faults (storage loss) to the process
	// lifecycle. Capturing receipts we cannot persist is worse than
	// crashing: a dead agent is visible, silent loss is not.
	fatal chan error

	mu        sync.Mutex
	listener  transport.Listener
	scheduler gocron.Scheduler
	running   bool
}

// New assembles an agent from its parts.
func New(cfg Config, st *store.Store, client syncclient.Client, m *metrics.Metrics, backoff syncclient.Backoff) *Agent {
	a := &Agent{
		cfg:     cfg,
		parser:  escpos.NewParser(),
		store:   st,
		metrics: m,
		fatal:   make(chan error, 1),
	}
	a.detector = gaps.New(st, func(alert gaps.Alert) {
		m.Inc(metrics.GapsDetected)
	})
	a.manager = recovery.New(st, client, a.detector, backoff)
	return a
}

// Recovery exposes the recovery manager for the control surface and CLI.
func (a *Agent) Recovery() *recovery.Manager { return a.manager }

// Detector exposes the gap detector for audits.
func (a *Agent) Detector() *gaps.Detector { return a.detector }

// Fatal delivers at most one unrecoverable fault.
func (a *Agent) Fatal() <-chan error { return a.fatal }

// HandleFrame runs one complete frame through the pipeline. Decode failures
// do not exist (the decoder degrades instead); the only hard failure is
// storage, which is escalated as fatal.
func (a *Agent) HandleFrame(frame []byte) {
	a.metrics.Inc(metrics.FramesReceived)

	tx, unknown := a.parser.Parse(frame)
	if len(unknown) > 0 {
		a.metrics.IncBy(metrics.UnknownCommands, int64(len(unknown)))
	}
	if tx.IsIncomplete {
		a.metrics.Inc(metrics.IncompleteParses)
	}

	printerID := a.cfg.PrinterID
	if printerID == "" {
		printerID = escpos.DetectPrinter(frame)
	}

	ctx := context.Background()
	if _, err := a.detector.Check(ctx, tx.ReceiptID, printerID); err != nil {
		// A gap we could not persist is a storage fault, same as below.
		a.escalate(errors.Wrap(err, "gap bookkeeping failed"))
		return
	}

	stored, err := a.store.Append(ctx, tx, printerID)
	if err != nil {
		a.metrics.Inc(metrics.StorageErrors)
		a.metrics.SetHealth(metrics.ComponentStore, false)
		a.escalate(errors.Wrap(err, "failed to persist transaction"))
		return
	}
	a.metrics.Inc(metrics.TransactionsStored)
	a.metrics.SetHealth(metrics.ComponentStore, true)

	log.Info().
		Str("receipt_id", tx.ReceiptID).
		Str("printer_id", printerID).
		Float64("total", tx.Total).
		Bool("incomplete", tx.IsIncomplete).
		Uint("id", stored.ID).
		Msg("Transaction captured")
}

func (a *Agent) escalate(err error) {
	log.Error().Err(err).Msg("Unrecoverable fault")
	select {
	case a.fatal <- err:
	default:
	}
}

// Inject stores a manually crafted transaction, bypassing the decoder. Used
// by the control API to verify the delivery path end to end.
func (a *Agent) Inject(ctx context.Context, tx models.Transaction) (*models.StoredTransaction, error) {
	if tx.ReceiptID == "" {
		tx.ReceiptID = "TEST-" + uuid.NewString()
	}
	if tx.CapturedAt.IsZero() {
		tx.CapturedAt = time.Now()
	}
	if tx.Type == "" {
		tx.Type = models.TypeSale
	}

	printerID := a.cfg.PrinterID
	if printerID == "" {
		printerID = "manual"
	}
	stored, err := a.store.Append(ctx, tx, printerID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to store injected transaction")
	}
	a.metrics.Inc(metrics.TransactionsStored)
	log.Info().Str("receipt_id", tx.ReceiptID).Msg("Test transaction injected")
	return stored, nil
}

func (a *Agent) newListener(mode, addr string) (transport.Listener, error) {
	cfg := transport.Config{
		OnFrame:   a.HandleFrame,
		BaseDelay: a.cfg.TransportBaseDelay,
		MaxDelay:  a.cfg.TransportMaxDelay,
		OnDisconnect: func(channel string) {
			a.metrics.Inc(metrics.StreamDisconnects)
			a.metrics.SetHealth(metrics.ComponentTransport, false)
		},
		OnReconnect: func(channel string) {
			a.metrics.SetHealth(metrics.ComponentTransport, true)
		},
	}

	switch mode {
	case ModeTCP:
		return transport.NewNetworkListener(addr, cfg), nil
	case ModeStdin:
		return transport.NewReaderListener("stdin", io.NopCloser(os.Stdin), cfg), nil
	case ModeSerial:
		if a.cfg.SerialOpen == nil {
			return nil, errors.New("serial mode requires a channel opener")
		}
		return transport.NewChannelListener(addr, a.cfg.SerialOpen, cfg), nil
	default:
		return nil, errors.Errorf("unknown listen mode %q", mode)
	}
}

// Start runs startup recovery, opens the transport and schedules the
// periodic queue drain.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return errors.New("agent already started")
	}

	if _, err := a.manager.OnStartup(ctx); err != nil {
		return errors.Wrap(err, "startup recovery failed")
	}

	listener, err := a.newListener(a.cfg.ListenMode, a.cfg.ListenAddr)
	if err != nil {
		return err
	}
	if err := listener.Start(); err != nil {
		return errors.Wrap(err, "failed to start transport")
	}
	a.listener = listener
	a.metrics.SetHealth(metrics.ComponentStore, true)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		listener.Stop(a.cfg.stopTimeout())
		return errors.Wrap(err, "failed to create scheduler")
	}
	// A drain slower than the interval must not overlap itself, or two
	// passes race to deliver the same pending rows.
	_, err = scheduler.NewJob(
		gocron.DurationJob(a.cfg.DrainInterval),
		gocron.NewTask(func() {
			a.drainOnce(context.Background())
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		listener.Stop(a.cfg.stopTimeout())
		return errors.Wrap(err, "failed to schedule queue drain")
	}
	scheduler.Start()
	a.scheduler = scheduler
	a.running = true

	log.Info().
		Str("mode", a.cfg.ListenMode).
		Str("addr", a.cfg.ListenAddr).
		Dur("drain_interval", a.cfg.DrainInterval).
		Msg("Agent started")
	return nil
}

func (a *Agent) drainOnce(ctx context.Context) {
	delivered, err := a.manager.DrainPending(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Queue drain failed")
		a.metrics.Inc(metrics.DeliveryFailures)
		return
	}
	if delivered > 0 {
		a.metrics.IncBy(metrics.Deliveries, int64(delivered))
	}
	if pending, err := a.store.AllPending(ctx); err == nil {
		a.metrics.SetGauge(metrics.PendingQueueDepth, int64(len(pending)))
	}
}

// Stop tears the pipeline down in dependency order: transport first so no new
// frames arrive, then the drain, then the shutdown checkpoint.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false

	var firstErr error
	// The listener can be gone already after a failed rebind.
	if a.listener != nil {
		if err := a.listener.Stop(a.cfg.stopTimeout()); err != nil {
			log.Warn().Err(err).Msg("Transport did not stop cleanly")
			firstErr = err
		}
		a.listener = nil
	}

	if err := a.scheduler.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Scheduler did not stop cleanly")
		if firstErr == nil {
			firstErr = err
		}
	}
	a.scheduler = nil

	if err := a.manager.OnShutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Shutdown checkpoint failed")
		if firstErr == nil {
			firstErr = err
		}
	}

	log.Info().Msg("Agent stopped")
	return firstErr
}

// Rebind moves a running TCP listener to a new address. The old socket is
// fully released before the new bind; on bind failure the agent is left
// without a listener and the error tells the operator so.
func (a *Agent) Rebind(addr string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return errors.New("agent not running")
	}
	if a.cfg.ListenMode != ModeTCP {
		return errors.Errorf("rebind not supported in %s mode", a.cfg.ListenMode)
	}

	// The listener is nil when a previous rebind failed to bind; a retry
	// then starts from the stopped state.
	if a.listener != nil {
		if err := a.listener.Stop(a.cfg.stopTimeout()); err != nil {
			return errors.Wrap(err, "failed to stop current listener")
		}
		a.listener = nil
	}

	listener, err := a.newListener(ModeTCP, addr)
	if err != nil {
		return err
	}
	if err := listener.Start(); err != nil {
		return errors.Wrapf(err, "failed to bind %s", addr)
	}
	a.listener = listener
	a.cfg.ListenAddr = addr
	log.Info().Str("addr", addr).Msg("Listener rebound")
	return nil
}

// ListenAddr returns the actual bound address in TCP mode, or the configured
// address otherwise.
func (a *Agent) ListenAddr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if nl, ok := a.listener.(*transport.NetworkListener); ok {
		if addr := nl.Addr(); addr != nil {
			return addr.String()
		}
	}
	return a.cfg.ListenAddr
}

// Status is the agent's operational summary for the control API.
type Status struct {
	Running    bool             `json:"running"`
	ListenMode string           `json:"listen_mode"`
	ListenAddr string           `json:"listen_addr"`
	PrinterID  string           `json:"printer_id,omitempty"`
	Store      store.Stats      `json:"store"`
	Metrics    metrics.Snapshot `json:"metrics"`
}

// Status reports the current state of the pipeline.
func (a *Agent) Status(ctx context.Context) (Status, error) {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return Status{}, err
	}

	a.mu.Lock()
	running := a.running
	mode := a.cfg.ListenMode
	printerID := a.cfg.PrinterID
	a.mu.Unlock()

	return Status{
		Running:    running,
		ListenMode: mode,
		ListenAddr: a.ListenAddr(),
		PrinterID:  printerID,
		Store:      stats,
		Metrics:    a.metrics.GetSnapshot(),
	}, nil
}

// ForceReplay redelivers the whole queue immediately.
func (a *Agent) ForceReplay(ctx context.Context) (int, error) {
	delivered, err := a.manager.ForceReplayAll(ctx)
	if err != nil {
		return 0, err
	}
	a.metrics.IncBy(metrics.Deliveries, int64(delivered))
	return delivered, nil
}
