package mempool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/habibyte/habibyte/logger"
	"github.com/habibyte/habibyte/observability"
	"github.com/habibyte/habibyte/types"
)

var (
	ErrTxIsNil              = errors.New("tx is nil")
	ErrInvalidTransaction   = errors.New("invalid transaction")
	ErrInvalidSignature     = errors.New("invalid transaction signature")
	ErrDuplicateTransaction = errors.New("duplicate transaction")
	ErrMempoolFull          = errors.New("mempool is full")
)

type (
	// Mempool holds signed transactions which have not been committed yet.
	//
	// Transactions are kept in submission order, DrainCandidates returns them
	// FIFO so that every validator derives the same block from the same
	// sequence of submissions.
	Mempool struct {
		mutex       sync.Mutex
		maxSize     int
		order       *list.List               // of *entry, in submission order
		index       map[string]*list.Element // tx id -> element in order
		isCommitted func(txID string) bool
		log         *slog.Logger
		tracer      trace.Tracer

		mDur      metric.Float64Histogram
		mRejected metric.Int64Counter
	}

	entry struct {
		tx    *types.Transaction
		added time.Time
	}

	Observability interface {
		Meter(name string, opts ...metric.MeterOption) metric.Meter
		Tracer(name string, options ...trace.TracerOption) trace.Tracer
		Logger() *slog.Logger
	}
)

/*
New creates mempool which holds up to maxSize transactions.

isCommitted is consulted on Submit so that transaction already included
into the ledger is rejected as duplicate, nil means "nothing is committed".
*/
func New(maxSize int, isCommitted func(txID string) bool, obs Observability) (*Mempool, error) {
	if maxSize < 1 {
		return nil, fmt.Errorf("mempool max size must be greater than zero, got %d", maxSize)
	}
	if isCommitted == nil {
		isCommitted = func(string) bool { return false }
	}
	mp := &Mempool{
		maxSize:     maxSize,
		order:       list.New(),
		index:       make(map[string]*list.Element),
		isCommitted: isCommitted,
		log:         obs.Logger(),
		tracer:      obs.Tracer("mempool"),
	}
	if err := mp.initMetrics(obs); err != nil {
		return nil, fmt.Errorf("initializing metrics: %w", err)
	}
	return mp, nil
}

/*
Submit verifies the transaction and adds it to the pool.

Returns ErrInvalidTransaction or ErrInvalidSignature when transaction fails
validation, ErrDuplicateTransaction when transaction with the same id is
already in the pool or committed and ErrMempoolFull when there is no room.
*/
func (mp *Mempool) Submit(ctx context.Context, tx *types.Transaction) (rErr error) {
	ctx, span := mp.tracer.Start(ctx, "Mempool.Submit")
	defer func() {
		if rErr != nil {
			span.RecordError(rErr)
			mp.mRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", rejectReason(rErr))))
		}
		span.End()
	}()

	if tx == nil {
		return ErrTxIsNil
	}
	span.SetAttributes(observability.TxID(tx.ID), observability.TxTypeKey.String(tx.Kind.Type.String()))
	if err := tx.IsValid(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTransaction, err)
	}
	if err := tx.VerifySignature(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	mp.mutex.Lock()
	defer mp.mutex.Unlock()

	if _, ok := mp.index[tx.ID]; ok {
		return fmt.Errorf("%w: %s is pending", ErrDuplicateTransaction, tx.ID)
	}
	if mp.isCommitted(tx.ID) {
		return fmt.Errorf("%w: %s is committed", ErrDuplicateTransaction, tx.ID)
	}
	if mp.order.Len() >= mp.maxSize {
		return ErrMempoolFull
	}
	mp.index[tx.ID] = mp.order.PushBack(&entry{tx: tx, added: time.Now()})
	mp.log.DebugContext(ctx, fmt.Sprintf("accepted %s transaction", tx.Kind.Type), logger.TxID(tx.ID))
	return nil
}

/*
DrainCandidates removes and returns up to "max" transactions in submission
order. Transactions which got committed meanwhile are dropped.
*/
func (mp *Mempool) DrainCandidates(ctx context.Context, max int) []*types.Transaction {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()

	var txs []*types.Transaction
	for e := mp.order.Front(); e != nil && len(txs) < max; {
		next := e.Next()
		ent := mp.remove(ctx, e)
		if !mp.isCommitted(ent.tx.ID) {
			txs = append(txs, ent.tx)
		}
		e = next
	}
	return txs
}

/*
Restore puts transactions back to the front of the pool keeping their
relative order, used when drained transactions didn't make it into a block.
Transactions which are already pending or committed are skipped. Restore
may grow the pool over the max size.
*/
func (mp *Mempool) Restore(txs []*types.Transaction) {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()

	for i := len(txs) - 1; i >= 0; i-- {
		tx := txs[i]
		if tx == nil {
			continue
		}
		if _, ok := mp.index[tx.ID]; ok || mp.isCommitted(tx.ID) {
			continue
		}
		mp.index[tx.ID] = mp.order.PushFront(&entry{tx: tx, added: time.Now()})
	}
}

// RemoveCommitted removes transactions with given ids, unknown ids are ignored.
func (mp *Mempool) RemoveCommitted(ctx context.Context, ids []string) {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()

	for _, id := range ids {
		if e, ok := mp.index[id]; ok {
			mp.remove(ctx, e)
		}
	}
}

func (mp *Mempool) remove(ctx context.Context, e *list.Element) *entry {
	ent := mp.order.Remove(e).(*entry)
	delete(mp.index, ent.tx.ID)
	mp.mDur.Record(ctx, time.Since(ent.added).Seconds())
	return ent
}

func (mp *Mempool) Contains(txID string) bool {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	_, ok := mp.index[txID]
	return ok
}

func (mp *Mempool) Len() int {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	return mp.order.Len()
}

// Pending returns pending transactions in submission order without removing them.
func (mp *Mempool) Pending() []*types.Transaction {
	mp.mutex.Lock()
	defer mp.mutex.Unlock()
	txs := make([]*types.Transaction, 0, mp.order.Len())
	for e := mp.order.Front(); e != nil; e = e.Next() {
		txs = append(txs, e.Value.(*entry).tx)
	}
	return txs
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateTransaction):
		return "duplicate"
	case errors.Is(err, ErrInvalidSignature):
		return "signature"
	case errors.Is(err, ErrMempoolFull):
		return "full"
	default:
		return "invalid"
	}
}

func (mp *Mempool) initMetrics(obs Observability) (err error) {
	m := obs.Meter("mempool")

	if _, err = m.Int64ObservableUpDownCounter(
		"count",
		metric.WithDescription(`Number of transactions in the mempool.`),
		metric.WithUnit("{transaction}"),
		metric.WithInt64Callback(func(ctx context.Context, io metric.Int64Observer) error {
			io.Observe(int64(mp.Len()))
			return nil
		}),
	); err != nil {
		return fmt.Errorf("creating tx counter: %w", err)
	}

	if mp.mDur, err = m.Float64Histogram(
		"queued",
		metric.WithDescription("For how long transaction was in the mempool before being drained or removed."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60),
	); err != nil {
		return fmt.Errorf("creating duration histogram: %w", err)
	}

	if mp.mRejected, err = m.Int64Counter(
		"rejected",
		metric.WithDescription("Number of transactions rejected by the mempool, by reason."),
		metric.WithUnit("{transaction}"),
	); err != nil {
		return fmt.Errorf("creating rejected counter: %w", err)
	}
	return nil
}
