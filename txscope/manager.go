package txscope

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Manager hands out physical connections to data-access operations so that
// every operation inside one logical transaction shares one connection.
// A Manager is safe for concurrent use; ambient state lives in the contexts
// passed to it, never in the Manager.
type Manager struct {
	driver      Driver
	cfg         Config
	presets     TxOptionPreset
	opts        managerOptions
	coordinator Coordinator
	metrics     *telemetry
	helper      *log.Helper
	tracer      trace.Tracer

	opened atomic.Int64
	closed atomic.Int64
}

// Stats counts physical connections handled by a Manager.
type Stats struct {
	Opened int64
	Closed int64
	Active int64
}

// NewManager constructs a scope manager opening connections through driver.
func NewManager(driver Driver, cfg Config, options ...Option) (*Manager, error) {
	if driver == nil {
		return nil, errors.New("txscope: driver is required")
	}

	cfg = cfg.sanitized()
	mgrOpts := defaultManagerOptions()
	for _, opt := range options {
		opt(&mgrOpts)
	}

	if mgrOpts.meter == nil {
		mgrOpts.meter = otel.GetMeterProvider().Meter(cfg.MeterName)
	}
	if mgrOpts.tracer == nil {
		mgrOpts.tracer = otel.Tracer(cfg.MeterName)
	}

	helper := log.NewHelper(mgrOpts.logger)

	metricsEnabled := *cfg.MetricsEnabled
	if mgrOpts.metricsEnabledOverride != nil {
		metricsEnabled = *mgrOpts.metricsEnabledOverride
	}

	m := &Manager{
		driver:  driver,
		cfg:     cfg,
		presets: cfg.BuildPresets(),
		opts:    mgrOpts,
		metrics: newTelemetry(mgrOpts.meter, helper, metricsEnabled),
		helper:  helper,
		tracer:  mgrOpts.tracer,
	}
	m.coordinator = mgrOpts.coordinator
	if m.coordinator == nil {
		m.coordinator = NewUnavailableCoordinator(m.endpoint())
	}
	return m, nil
}

// Stats returns a snapshot of the connection counters.
func (m *Manager) Stats() Stats {
	opened := m.opened.Load()
	closed := m.closed.Load()
	return Stats{Opened: opened, Closed: closed, Active: opened - closed}
}

// Presets exposes the transaction presets derived from the configuration.
func (m *Manager) Presets() TxOptionPreset {
	return m.presets
}

// WithConn runs fn with the connection data-access operations should use in
// ctx. Inside a shared scope of the ambient chain that is the scope's
// connection. Otherwise a connection is opened for fn alone, enlisted in the
// ambient boundary if there is one, and released when fn returns; an
// enlisted connection stays open until the boundary resolves.
//
// Enlisting a second connection into one boundary needs the coordinator to
// promote the transaction; the default coordinator refuses with a
// TransactionCoordinationError, which means the caller must wrap its unit
// of work in a shared scope.
func (m *Manager) WithConn(ctx context.Context, fn func(ctx context.Context, q Queryer) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if h := CurrentConnection(ctx); h != nil {
		return fn(ctx, h)
	}

	h, err := m.open(ctx, false)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := h.release(ctx); relErr != nil {
			err = errors.Join(err, fmt.Errorf("txscope: close connection: %w", relErr))
		}
	}()
	if ch := ambientChain(ctx); ch != nil {
		if err := m.enlist(ctx, ch, h); err != nil {
			return err
		}
	}
	return fn(ctx, h)
}

// Within runs fn inside a boundary: fn's success marks it complete, and the
// boundary is ended on every return path. Nested inside another boundary
// its outcome is decided by the root; as the root it commits or rolls back.
func (m *Manager) Within(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	return m.within(ctx, fn, WithTxOptions(opts))
}

// WithinReadOnly is Within with the read-only preset as the base options.
func (m *Manager) WithinReadOnly(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	base := mergeTxOptions(m.presets.ReadOnly, opts)
	base.AccessMode = ReadOnly
	return m.within(ctx, fn, WithTxOptions(base))
}

// WithinIndependent is Within for a new root chain, unaffected by the
// ambient boundary.
func (m *Manager) WithinIndependent(ctx context.Context, opts TxOptions, fn func(ctx context.Context) error) error {
	return m.within(ctx, fn, Independent(), WithTxOptions(opts))
}

func (m *Manager) within(ctx context.Context, fn func(ctx context.Context) error, opts ...BeginOption) (err error) {
	ctx, b := m.Begin(ctx, opts...)

	defer func() {
		if r := recover(); r != nil {
			endErr := m.End(ctx, b)
			m.helper.Errorf("txscope: panic boundary=%s err=%v end=%v", b.ID(), r, endErr)
			panic(r)
		}
		if endErr := m.End(ctx, b); endErr != nil {
			err = errors.Join(err, endErr)
		}
	}()

	if err = fn(ctx); err != nil {
		retryable, sqlState := classifyPgError(err)
		m.helper.Warnf("txscope: fn error boundary=%s retryable=%t sql_state=%s err=%v", b.ID(), retryable, sqlState, err)
		return err
	}
	b.MarkComplete()
	return nil
}

func (m *Manager) open(ctx context.Context, scoped bool) (*Handle, error) {
	conn, err := m.driver.Open(ctx)
	if err != nil {
		m.helper.Errorf("txscope: open failed endpoint=%s err=%v", m.driver.Endpoint(), err)
		return nil, &ConnectionError{Endpoint: m.driver.Endpoint(), Op: "open", Err: err}
	}
	m.opened.Add(1)
	m.metrics.recordOpen(ctx, scoped)
	return newHandle(m, conn), nil
}

func (m *Manager) recordClose(ctx context.Context) {
	m.closed.Add(1)
	m.metrics.recordClose(ctx)
}

// enlist begins the chain's transaction on h. A chain that already holds a
// different connection must be promoted by the coordinator first.
func (m *Manager) enlist(ctx context.Context, ch *chain, h *Handle) error {
	if h.enlistedIn(ch) {
		return nil
	}

	ch.mu.Lock()
	enlisted := len(ch.enlisted)
	ch.mu.Unlock()

	if enlisted > 0 {
		req := PromotionRequest{BoundaryID: ch.id, Endpoint: m.endpoint(), Enlisted: enlisted}
		if err := m.coordinator.Promote(ctx, req); err != nil {
			m.metrics.recordCoordinationFailure(ctx)
			m.helper.Warnf("txscope: promotion refused boundary=%s enlisted=%d err=%v", ch.id, enlisted, err)
			return err
		}
	}

	tx, err := h.conn.Begin(ctx, ch.opts)
	if err != nil {
		m.helper.Errorf("txscope: begin failed boundary=%s err=%v", ch.id, err)
		return &ConnectionError{Endpoint: m.driver.Endpoint(), Op: "begin", Err: err}
	}
	h.attach(ch, tx)

	ch.mu.Lock()
	ch.enlisted = append(ch.enlisted, h)
	ch.mu.Unlock()
	ch.span.AddEvent("enlist", trace.WithAttributes(attribute.Int("db.tx.connections", enlisted+1)))
	return nil
}

func (m *Manager) endpoint() string {
	if m.cfg.CoordinatorEndpoint != "" {
		return m.cfg.CoordinatorEndpoint
	}
	return m.driver.Endpoint()
}

func (m *Manager) elapsedSince(start time.Time) time.Duration {
	return m.opts.clock().Sub(start)
}
