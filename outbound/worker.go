package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/aethermsg/chatcore/config"
	"github.com/aethermsg/chatcore/crypto"
	"github.com/aethermsg/chatcore/errors"
	"github.com/aethermsg/chatcore/jobs"
	"github.com/aethermsg/chatcore/mlsengine"
	"github.com/aethermsg/chatcore/mlsgroup"
	"github.com/aethermsg/chatcore/runtoken"
	"github.com/aethermsg/chatcore/store"
)

// pushTokenCheckInterval is how often the timed-task step asks whether a
// push token resubmission is due; the actual decision is gated by the
// persisted PushTokenState.RetryAfter clamp, not by this interval alone.
const pushTokenCheckInterval = time.Hour

// Worker is the outbound service (C7): a single background round loop
// that, each round, holds the store's process-wide lock and drains the
// resync, receipt, and message queues in that order before running any
// due timed tasks (§4.7, §5).
type Worker struct {
	store  *store.Store
	groups *mlsgroup.Manager
	ds     DS
	qs     QS

	self       mlsengine.Credential
	signer     *crypto.Signer
	selfEncKey []byte
	clientID   string

	cfg        config.OutboundConfig
	cell       *runtoken.Cell
	ticker     *jobs.Ticker
	debounce   *debouncer
	markAsRead *markAsReadDebouncer
	retryLimit *rate.Limiter
	log        *zap.SugaredLogger
	lockToken  string

	wg sync.WaitGroup
}

func NewWorker(st *store.Store, groups *mlsgroup.Manager, ds DS, qs QS, self mlsengine.Credential, signer *crypto.Signer, selfEncKey []byte, clientID string, cfg config.OutboundConfig, log *zap.SugaredLogger) *Worker {
	retryRate := rate.Limit(cfg.RetryRatePerSecond)
	if cfg.RetryRatePerSecond <= 0 {
		retryRate = rate.Inf
	}
	w := &Worker{
		store:      st,
		groups:     groups,
		ds:         ds,
		qs:         qs,
		self:       self,
		signer:     signer,
		selfEncKey: selfEncKey,
		clientID:   clientID,
		cfg:        cfg,
		cell:       runtoken.New(context.Background()),
		retryLimit: rate.NewLimiter(retryRate, cfg.RetryBurst),
		log:        log,
		lockToken:  uuid.New().String(),
	}
	w.debounce = newDebouncer(cfg.ReceiptDebounce, w.enqueueReceiptNow)
	w.markAsRead = newMarkAsReadDebouncer(cfg.MarkAsReadDebounce, w.applyMarkAsRead)
	w.ticker = jobs.NewTicker(log)
	w.ticker.Register(&jobs.Task{Name: "key-package-upload", Interval: cfg.KeyPackageUploadInterval, Run: w.runKeyPackageUpload})
	w.ticker.Register(&jobs.Task{Name: "push-token-resubmit", Interval: pushTokenCheckInterval, Run: w.runPushTokenResubmit})
	return w
}

// Start launches the background round loop under ctx. Stop ends it.
func (w *Worker) Start(ctx context.Context) {
	w.cell.Reset(ctx)
	w.wg.Add(1)
	go w.loop()
}

// Stop cancels the round loop, waits for the in-flight round (if any) to
// return, and stops every pending debounce timer.
func (w *Worker) Stop() {
	w.cell.Cancel()
	w.wg.Wait()
	w.debounce.Stop()
	w.markAsRead.Stop()
}

// NotifyWork wakes a sleeping round loop without blocking the caller,
// used whenever something enqueues new work (a message send, a receipt,
// a resync) between rounds.
func (w *Worker) NotifyWork() {
	w.cell.NotifyWork()
}

func (w *Worker) loop() {
	defer w.wg.Done()
	idleTick := time.NewTicker(time.Second)
	defer idleTick.Stop()
	for {
		select {
		case <-w.cell.Context().Done():
			return
		case <-w.cell.WorkCh():
		case <-idleTick.C:
		}
		if err := w.RunOnce(w.cell.Context()); err != nil && w.cell.Context().Err() == nil {
			w.logRoundError(err)
		}
	}
}

// RunOnce runs exactly one round synchronously: acquire the store's
// process-wide lock, drain resync then receipt then message, then run
// any due timed tasks. Exposed directly (not only through Start) so
// tests can drive a deterministic round without the background loop's
// timing.
func (w *Worker) RunOnce(ctx context.Context) error {
	release, err := w.store.Lock(ctx)
	if err != nil {
		return err
	}
	defer release()

	now := time.Now()
	if err := w.drainResyncs(ctx, now); err != nil {
		return err
	}
	if err := w.drainReceipts(ctx, now); err != nil {
		return err
	}
	if err := w.drainMessages(ctx, now); err != nil {
		return err
	}
	w.ticker.RunDue(ctx, now)
	return nil
}

// drainQueue implements the shared two-phase claim/process/complete-or-
// fail pattern every sub-step uses: claim a row inside its own
// transaction, process it with the network entirely outside any open
// transaction, then complete or reschedule it in a second transaction.
// process owns any domain-specific persistence (e.g. setting a
// message's status); its returned error only drives this queue row's
// retry/drop classification. A claimed item that is itself a retry
// (Attempts > 0) additionally waits on the worker's shared retryLimit,
// capping how much retry traffic a recovering backlog sends toward
// AS/DS/QS regardless of how many items just became due at once.
func (w *Worker) drainQueue(ctx context.Context, queue store.QueueName, now time.Time, process func(ctx context.Context, item *store.WorkItem) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var item *store.WorkItem
		if err := w.store.WithTx(ctx, func(tx *store.Tx) error {
			claimed, err := tx.Claim(ctx, queue, w.lockToken, now)
			item = claimed
			return err
		}); err != nil {
			return err
		}
		if item == nil {
			return nil
		}

		if item.Attempts > 0 {
			if err := w.retryLimit.Wait(ctx); err != nil {
				return err
			}
		}

		procErr := process(ctx, item)
		if procErr == nil {
			if err := w.store.WithTx(ctx, func(tx *store.Tx) error { return tx.Complete(ctx, item.ID) }); err != nil {
				return err
			}
			continue
		}

		if errors.GetKind(procErr).Retryable() && item.Attempts+1 < w.cfg.ResyncMaxAttempts {
			retryAfter := now.Add(backoffFor(w.cfg, item.Attempts))
			if err := w.store.WithTx(ctx, func(tx *store.Tx) error { return tx.Fail(ctx, item.ID, retryAfter) }); err != nil {
				return err
			}
			continue
		}

		w.logPermanentFailure(queue, item, procErr)
		if err := w.store.WithTx(ctx, func(tx *store.Tx) error { return tx.Complete(ctx, item.ID) }); err != nil {
			return err
		}
	}
}

// backoffFor computes the retry delay for a queue row that has already
// failed attempts times, per Open Question (a)'s resolved policy
// (5s base, factor 2, cap 10m) mirrored generically across every
// sub-step rather than only the resync queue it was first decided for.
func backoffFor(cfg config.OutboundConfig, attempts int) time.Duration {
	d := cfg.ResyncBackoffBase
	for i := 0; i < attempts; i++ {
		d = time.Duration(float64(d) * cfg.ResyncBackoffFactor)
		if d >= cfg.ResyncBackoffCap {
			return cfg.ResyncBackoffCap
		}
	}
	return d
}

func (w *Worker) logRoundError(err error) {
	if w.log != nil {
		w.log.Warnw("outbound round failed", "error", err)
	}
}

func (w *Worker) logPermanentFailure(queue store.QueueName, item *store.WorkItem, err error) {
	if w.log != nil {
		w.log.Warnw("outbound work item permanently failed, dropping", "queue", queue, "chat", item.ChatID, "attempts", item.Attempts, "error", err)
	}
}

func (w *Worker) logEnqueueReceiptError(chatID, messageID string, err error) {
	if w.log != nil {
		w.log.Warnw("failed to enqueue debounced receipt", "chat", chatID, "message", messageID, "error", err)
	}
}
