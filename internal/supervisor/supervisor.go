// Package supervisor is the manual control surface: batch creation and
// lifecycle commands, per-item interventions, and the batch finalizer.
// Every command is written to the audit log.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"batch_trader/internal/config"
	"batch_trader/internal/core"
	"batch_trader/internal/eod"
	"batch_trader/internal/metrics"
	"batch_trader/internal/store"
	apperrors "batch_trader/pkg/errors"
	"batch_trader/pkg/retry"
)

// isTransientCancel treats everything except a definitive broker verdict as
// retryable.
func isTransientCancel(err error) bool {
	return !errors.Is(err, apperrors.ErrBrokerRejected) &&
		!errors.Is(err, apperrors.ErrOrderNotFound) &&
		!errors.Is(err, apperrors.ErrValidation)
}

// Dispatcher receives batches the supervisor resumes or starts by hand.
type Dispatcher interface {
	EnqueueBatch(batchID int64)
}

// ItemSpec is one planned trade in a batch request.
type ItemSpec struct {
	Symbol         string
	Exchange       int
	Product        core.Product
	Side           core.Side
	Qty            int64
	EntryType      core.EntryType
	EntryPrice     *decimal.Decimal
	TpPrice        decimal.Decimal
	SlTriggerPrice decimal.Decimal
}

// BatchRequest is a batch creation command.
type BatchRequest struct {
	Name          string
	RunMode       core.RunMode
	ScheduledAt   *time.Time
	EodCloseTime  string
	EodForceClose bool
	Items         []ItemSpec
}

// Supervisor executes operator commands against the store and broker.
type Supervisor struct {
	store      *store.Store
	broker     core.IBroker
	clock      core.IClock
	dispatcher Dispatcher
	closer     *eod.Closer
	logger     core.ILogger
	metrics    *metrics.Metrics
	retry      retry.Policy

	finalizeInterval time.Duration

	haltMu     sync.Mutex
	haltReason string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor.
func New(
	st *store.Store,
	broker core.IBroker,
	clock core.IClock,
	dispatcher Dispatcher,
	closer *eod.Closer,
	logger core.ILogger,
	m *metrics.Metrics,
	policy retry.Policy,
) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		store:            st,
		broker:           broker,
		clock:            clock,
		dispatcher:       dispatcher,
		closer:           closer,
		logger:           logger.WithField("component", "supervisor"),
		metrics:          m,
		retry:            policy,
		finalizeInterval: 2 * time.Second,
		ctx:              ctx,
		cancel:           cancel,
	}
}

// Start launches the batch finalizer loop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.logger.Info("Starting supervisor")
	s.wg.Add(1)
	go s.finalizeLoop()
	return nil
}

// Stop stops the finalizer loop.
func (s *Supervisor) Stop() error {
	s.logger.Info("Stopping supervisor")
	s.cancel()
	s.wg.Wait()
	return nil
}

func (s *Supervisor) finalizeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.finalizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
			if err := s.FinalizeBatches(ctx); err != nil {
				s.logger.Error("Batch finalization failed", "error", err.Error())
			}
			cancel()
		}
	}
}

// HaltIntake stops the supervisor from accepting new work. Watchdog paths
// call it when broker state contradicts the records; only a restart (after
// operator review) clears it.
func (s *Supervisor) HaltIntake(reason string) {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	if s.haltReason != "" {
		return
	}
	s.haltReason = reason
	s.logger.Error("Intake halted", "reason", reason)
}

func (s *Supervisor) intakeGuard() error {
	s.haltMu.Lock()
	defer s.haltMu.Unlock()
	if s.haltReason == "" {
		return nil
	}
	return fmt.Errorf("%w: intake halted: %s", apperrors.ErrInternalInvariant, s.haltReason)
}

// CreateBatch validates a request and persists it as SCHEDULED.
func (s *Supervisor) CreateBatch(ctx context.Context, actor string, req BatchRequest) (*core.BatchJob, error) {
	if err := s.intakeGuard(); err != nil {
		return nil, err
	}
	if err := s.validateRequest(ctx, &req); err != nil {
		return nil, err
	}

	job := &core.BatchJob{
		BatchCode:     uuid.NewString(),
		Name:          req.Name,
		Status:        core.BatchScheduled,
		RunMode:       req.RunMode,
		ScheduledAt:   req.ScheduledAt,
		EodCloseTime:  req.EodCloseTime,
		EodForceClose: req.EodForceClose,
	}
	items := make([]*core.BatchItem, len(req.Items))
	for i, spec := range req.Items {
		items[i] = &core.BatchItem{
			Symbol:         spec.Symbol,
			Exchange:       spec.Exchange,
			Product:        spec.Product,
			Side:           spec.Side,
			Qty:            spec.Qty,
			EntryType:      spec.EntryType,
			EntryPrice:     spec.EntryPrice,
			TpPrice:        spec.TpPrice,
			SlTriggerPrice: spec.SlTriggerPrice,
			Status:         core.ItemReady,
		}
	}
	if err := s.store.CreateBatch(ctx, job, items); err != nil {
		return nil, err
	}

	s.logger.Info("Batch created",
		"batch_id", job.ID, "batch_code", job.BatchCode, "items", len(items), "run_mode", job.RunMode)
	s.audit(ctx, actor, "create_batch", "", job.ID, 0)
	return job, nil
}

func (s *Supervisor) validateRequest(ctx context.Context, req *BatchRequest) error {
	if req.Name == "" {
		return fmt.Errorf("%w: batch name required", apperrors.ErrValidation)
	}
	switch req.RunMode {
	case core.RunImmediate:
	case core.RunScheduled:
		if req.ScheduledAt == nil {
			return fmt.Errorf("%w: scheduled batch requires a start time", apperrors.ErrValidation)
		}
	default:
		return fmt.Errorf("%w: invalid run mode %q", apperrors.ErrValidation, req.RunMode)
	}
	if req.EodCloseTime == "" {
		return fmt.Errorf("%w: eod close time required", apperrors.ErrValidation)
	}
	if _, err := config.ParseWallClock(req.EodCloseTime); err != nil {
		return fmt.Errorf("%w: invalid eod close time: %v", apperrors.ErrValidation, err)
	}
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: batch requires at least one item", apperrors.ErrValidation)
	}

	for i, spec := range req.Items {
		if err := s.validateItem(ctx, i, spec); err != nil {
			return err
		}
	}
	return nil
}

func (s *Supervisor) validateItem(ctx context.Context, i int, spec ItemSpec) error {
	if spec.Symbol == "" {
		return fmt.Errorf("%w: item %d: symbol required", apperrors.ErrValidation, i)
	}
	if spec.Qty <= 0 {
		return fmt.Errorf("%w: item %d: qty must be positive", apperrors.ErrValidation, i)
	}
	switch spec.Product {
	case core.ProductCash, core.ProductMargin:
	default:
		return fmt.Errorf("%w: item %d: invalid product %q", apperrors.ErrValidation, i, spec.Product)
	}
	switch spec.Side {
	case core.SideBuy, core.SideSell:
	default:
		return fmt.Errorf("%w: item %d: invalid side %q", apperrors.ErrValidation, i, spec.Side)
	}
	if !spec.TpPrice.IsPositive() || !spec.SlTriggerPrice.IsPositive() {
		return fmt.Errorf("%w: item %d: tp and sl prices must be positive", apperrors.ErrValidation, i)
	}

	switch spec.EntryType {
	case core.EntryMarket:
		// TP/SL ordering against the fill is checked once the fill price is
		// known; here only side consistency is possible.
		if spec.Side == core.SideBuy && !spec.TpPrice.GreaterThan(spec.SlTriggerPrice) {
			return fmt.Errorf("%w: item %d: buy item requires tp > sl", apperrors.ErrValidation, i)
		}
		if spec.Side == core.SideSell && !spec.TpPrice.LessThan(spec.SlTriggerPrice) {
			return fmt.Errorf("%w: item %d: sell item requires tp < sl", apperrors.ErrValidation, i)
		}
	case core.EntryLimit:
		if spec.EntryPrice == nil || !spec.EntryPrice.IsPositive() {
			return fmt.Errorf("%w: item %d: limit entry requires a positive entry price", apperrors.ErrValidation, i)
		}
		trial := core.BatchItem{Side: spec.Side, TpPrice: spec.TpPrice, SlTriggerPrice: spec.SlTriggerPrice}
		if err := trial.ValidateBracketPrices(*spec.EntryPrice); err != nil {
			return fmt.Errorf("%w: item %d: %v", apperrors.ErrValidation, i, err)
		}
	default:
		return fmt.Errorf("%w: item %d: invalid entry type %q", apperrors.ErrValidation, i, spec.EntryType)
	}

	// Best-effort symbol check; an empty name just logs.
	if name, err := s.broker.SymbolName(ctx, spec.Symbol, spec.Exchange); err != nil {
		s.logger.Warn("Symbol lookup failed", "symbol", spec.Symbol, "error", err.Error())
	} else if name == "" {
		s.logger.Warn("Symbol resolved to no name", "symbol", spec.Symbol)
	} else {
		s.logger.Debug("Symbol resolved", "symbol", spec.Symbol, "name", name)
	}
	return nil
}

// StartBatch starts a SCHEDULED batch immediately, ahead of its schedule.
func (s *Supervisor) StartBatch(ctx context.Context, actor string, batchID int64) error {
	if err := s.intakeGuard(); err != nil {
		return err
	}
	ok, err := s.store.MarkBatchRunning(ctx, batchID, s.clock.Now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: batch %d is not in SCHEDULED", apperrors.ErrValidation, batchID)
	}
	s.logger.Info("Batch started manually", "batch_id", batchID, "actor", actor)
	s.audit(ctx, actor, "start_batch", "", batchID, 0)
	s.dispatcher.EnqueueBatch(batchID)
	return nil
}

// PauseBatch stops new entry submissions for a RUNNING batch. In-flight
// orders and brackets keep being managed.
func (s *Supervisor) PauseBatch(ctx context.Context, actor string, batchID int64, reason string) error {
	ok, err := s.store.TransitionBatch(ctx, batchID, core.BatchRunning, core.BatchPaused)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: batch %d is not RUNNING", apperrors.ErrValidation, batchID)
	}
	s.logger.Info("Batch paused", "batch_id", batchID, "actor", actor, "reason", reason)
	s.audit(ctx, actor, "pause_batch", reason, batchID, 0)
	return nil
}

// ResumeBatch resumes a PAUSED batch and re-dispatches its READY items.
func (s *Supervisor) ResumeBatch(ctx context.Context, actor string, batchID int64) error {
	if err := s.intakeGuard(); err != nil {
		return err
	}
	ok, err := s.store.TransitionBatch(ctx, batchID, core.BatchPaused, core.BatchRunning)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: batch %d is not PAUSED", apperrors.ErrValidation, batchID)
	}
	s.logger.Info("Batch resumed", "batch_id", batchID, "actor", actor)
	s.audit(ctx, actor, "resume_batch", "", batchID, 0)
	s.dispatcher.EnqueueBatch(batchID)
	return nil
}

// CancelBatch cancels a batch that has not finished. Items already at the
// broker are untouched; use ForceCloseItem or PanicStopAll for those.
func (s *Supervisor) CancelBatch(ctx context.Context, actor string, batchID int64, reason string) error {
	batch, err := s.store.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if batch.Status.Terminal() {
		return fmt.Errorf("%w: batch %d already %s", apperrors.ErrValidation, batchID, batch.Status)
	}
	ok, err := s.store.TransitionBatch(ctx, batchID, batch.Status, core.BatchCancelled)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: batch %d moved, retry", apperrors.ErrValidation, batchID)
	}
	s.logger.Info("Batch cancelled", "batch_id", batchID, "actor", actor, "reason", reason)
	s.audit(ctx, actor, "cancel_batch", reason, batchID, 0)
	return nil
}

// CancelItemBrackets cancels the live bracket legs of one item, leaving
// the position unprotected for manual handling.
func (s *Supervisor) CancelItemBrackets(ctx context.Context, actor string, itemID int64, reason string) error {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	groups, err := s.store.OcoGroupsForItem(ctx, itemID)
	if err != nil {
		return err
	}

	cancelled := 0
	for _, g := range groups {
		if g.Status != core.OcoActive {
			continue
		}
		for _, brokerOrderID := range []string{g.TpOrderID, g.SlOrderID} {
			o, err := s.store.GetOrderByBrokerID(ctx, brokerOrderID)
			if err != nil {
				return err
			}
			if o.Status.Terminal() {
				continue
			}
			// Operator-issued cancels retry through transient broker trouble;
			// a definitive refusal surfaces immediately.
			err = retry.Do(ctx, s.retry, isTransientCancel, func() error {
				return s.broker.CancelOrder(ctx, brokerOrderID)
			})
			if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
				return fmt.Errorf("failed to cancel %s: %w", brokerOrderID, err)
			}
			s.metrics.OrdersCancelled.Inc()
			if _, err := s.store.MarkOrderStatus(ctx, brokerOrderID, o.Status, core.OrderCancelled); err != nil {
				return err
			}
			cancelled++
		}
		if _, err := s.store.CloseOcoGroup(ctx, g.ID, core.OcoActive); err != nil {
			return err
		}
	}

	s.logger.Warn("Item brackets cancelled by operator",
		"item_id", itemID, "symbol", item.Symbol, "legs_cancelled", cancelled, "actor", actor)
	s.audit(ctx, actor, "cancel_item_brackets", reason, item.BatchJobID, itemID)
	if err := s.store.AppendEvent(ctx, item.BatchJobID, "WARN", "BRACKETS_CANCELLED",
		fmt.Sprintf("item %d (%s): %d bracket legs cancelled by %s", itemID, item.Symbol, cancelled, actor)); err != nil {
		s.logger.Warn("Failed to append event", "error", err.Error())
	}
	return nil
}

// ForceCloseItem flattens one item immediately, regardless of the clock.
func (s *Supervisor) ForceCloseItem(ctx context.Context, actor string, itemID int64, reason string) error {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Status.Terminal() {
		return fmt.Errorf("%w: item %d already %s", apperrors.ErrValidation, itemID, item.Status)
	}
	if err := s.closer.CloseItemNow(ctx, item); err != nil {
		return err
	}
	s.logger.Warn("Item force-closed", "item_id", itemID, "symbol", item.Symbol, "actor", actor)
	s.audit(ctx, actor, "force_close_item", reason, item.BatchJobID, itemID)
	return nil
}

// PanicStopAll pauses every running batch and flattens every open item.
func (s *Supervisor) PanicStopAll(ctx context.Context, actor, reason string) error {
	s.logger.Error("PANIC STOP", "actor", actor, "reason", reason)
	s.audit(ctx, actor, "panic_stop_all", reason, 0, 0)

	running, err := s.store.BatchesByStatus(ctx, core.BatchRunning)
	if err != nil {
		return err
	}
	for _, b := range running {
		if _, err := s.store.TransitionBatch(ctx, b.ID, core.BatchRunning, core.BatchPaused); err != nil {
			return err
		}
	}

	batches, err := s.store.BatchesByStatus(ctx, core.BatchRunning, core.BatchPaused)
	if err != nil {
		return err
	}
	for _, b := range batches {
		items, err := s.store.ListItems(ctx, b.ID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.Status.Terminal() || item.Status == core.ItemReady {
				continue
			}
			if err := s.closer.CloseItemNow(ctx, item); err != nil {
				s.logger.Error("Panic close failed", "item_id", item.ID, "error", err.Error())
			}
		}
	}
	return nil
}

// FinalizeBatches moves RUNNING batches whose items are all terminal to
// DONE, or ERROR if any item errored. It also refreshes the gauges.
func (s *Supervisor) FinalizeBatches(ctx context.Context) error {
	running, err := s.store.BatchesByStatus(ctx, core.BatchRunning)
	if err != nil {
		return err
	}
	s.metrics.ActiveBatches.Set(float64(len(running)))

	open, err := s.store.OpenOrders(ctx)
	if err != nil {
		return err
	}
	s.metrics.OpenOrders.Set(float64(len(open)))

	for _, b := range running {
		counts, err := s.store.ItemStatusCounts(ctx, b.ID)
		if err != nil {
			return err
		}
		total, terminal, errored := 0, 0, 0
		for status, n := range counts {
			total += n
			if status.Terminal() {
				terminal += n
			}
			if status == core.ItemError {
				errored += n
			}
		}
		if total == 0 || terminal < total {
			continue
		}

		to := core.BatchDone
		if errored > 0 {
			to = core.BatchError
		}
		ok, err := s.store.TransitionBatch(ctx, b.ID, core.BatchRunning, to)
		if err != nil {
			return err
		}
		if ok {
			s.logger.Info("Batch finalized", "batch_id", b.ID, "status", to, "items", total, "errored", errored)
			if err := s.store.AppendEvent(ctx, b.ID, "INFO", "BATCH_FINALIZED",
				fmt.Sprintf("batch %s finished as %s (%d items, %d errored)", b.BatchCode, to, total, errored)); err != nil {
				s.logger.Warn("Failed to append event", "error", err.Error())
			}
		}
	}
	return nil
}

func (s *Supervisor) audit(ctx context.Context, actor, command, reason string, batchID, itemID int64) {
	if err := s.store.AppendAudit(ctx, core.AuditEntry{
		Actor:       actor,
		Command:     command,
		Reason:      reason,
		BatchJobID:  batchID,
		BatchItemID: itemID,
	}); err != nil {
		s.logger.Error("Failed to append audit entry", "error", err.Error())
	}
}
