// Package syncer pushes CRM entities into the ERP and keeps the CRM to ERP id
// mappings. Calls that fail with a retryable kind after the orchestrator has
// spent its budget are deferred into a resync queue and replayed later.
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"erpsync/internal/adapter/alert"
	"erpsync/internal/adapter/erp"
	"erpsync/internal/domain/mapping"
	"erpsync/internal/domain/resync"
	"erpsync/internal/platform/metrics"
	"erpsync/internal/shared"
	"erpsync/pkg/retry"
)

// ErrDeferred marks a failed sync that was queued for replay.
var ErrDeferred = errors.New("sync deferred")

// ERP is the subset of the ERP client used by the service.
type ERP interface {
	CreateProduct(ctx context.Context, p erp.Product) (string, error)
	UpdateProduct(ctx context.Context, erpID string, p erp.Product) error
	FindProductByCode(ctx context.Context, crmID string) (erp.Product, error)
	DeleteProduct(ctx context.Context, erpID string) error
	CreateSalesDocument(ctx context.Context, d erp.SalesDocument) (string, error)
	UpdateSalesDocument(ctx context.Context, erpID string, d erp.SalesDocument) error
}

var _ ERP = (*erp.Client)(nil)

// Options configures Service. Zero values fall back to defaults.
type Options struct {
	// Queue receives deferred jobs. Without it failures are only alerted.
	Queue resync.Queue
	// Notifier receives failure alerts.
	Notifier alert.Notifier
	Logger   *slog.Logger
	// DeferrableKinds are the kinds that send a failed sync to the queue.
	DeferrableKinds shared.KindSet
	// DeferBaseDelay and DeferMaxDelay shape the replay schedule.
	DeferBaseDelay time.Duration
	DeferMaxDelay  time.Duration
	// MaxReplayAttempts drops a job after this many failed replays.
	MaxReplayAttempts int
	// AdoptExisting looks up an unmapped product by its CRM id in the ERP
	// before creating it and maps the one it finds.
	AdoptExisting bool
}

func (o Options) withDefaults() Options {
	if o.Notifier == nil {
		o.Notifier = alert.Nop{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.DeferrableKinds == 0 {
		o.DeferrableKinds = shared.NewKindSet(shared.KindNetwork, shared.KindServer)
	}
	if o.DeferBaseDelay <= 0 {
		o.DeferBaseDelay = time.Minute
	}
	if o.DeferMaxDelay < o.DeferBaseDelay {
		o.DeferMaxDelay = max(time.Hour, o.DeferBaseDelay)
	}
	if o.MaxReplayAttempts <= 0 {
		o.MaxReplayAttempts = 10
	}
	return o
}

// Service synchronizes CRM entities into the ERP.
type Service struct {
	erp   ERP
	store mapping.Store
	opts  Options
	log   *slog.Logger
	locks *keyedMutex
	now   func() time.Time
	newID func() string
}

// New creates a service.
func New(client ERP, store mapping.Store, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		erp:   client,
		store: store,
		opts:  opts,
		log:   opts.Logger.With(slog.String("component", "syncer")),
		locks: newKeyedMutex(),
		now:   time.Now,
		newID: uuid.NewString,
	}
}

// withCorrelation copies ids into ctx so every orchestrated call logs them.
func withCorrelation(ctx context.Context, ids map[string]string) context.Context {
	for k, v := range ids {
		if v != "" {
			ctx = retry.ContextWithCorrelation(ctx, k, v)
		}
	}
	return ctx
}

// SyncProduct creates or updates the ERP product for p and returns its ERP id.
// A stored mapping that the ERP no longer knows is replaced by a new product.
func (s *Service) SyncProduct(ctx context.Context, p CRMProduct, correlation map[string]string) (string, error) {
	ctx = withCorrelation(ctx, correlation)
	if err := p.Validate(); err != nil {
		return "", s.fail(ctx, "sync.product", mapping.EntityProduct, resync.ActionUpsert, p.ID, nil, err)
	}
	id, err := s.syncProduct(ctx, p)
	if err != nil {
		return "", s.fail(ctx, "sync.product", mapping.EntityProduct, resync.ActionUpsert, p.ID, p, err)
	}
	metrics.RecordSync(string(mapping.EntityProduct), string(resync.ActionUpsert), metrics.ResultSuccess)
	return id, nil
}

func (s *Service) syncProduct(ctx context.Context, p CRMProduct) (string, error) {
	key := mapping.Key{EntityType: mapping.EntityProduct, CRMID: p.ID}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	ctx = retry.ContextWithCorrelation(ctx, "crmId", p.ID)
	payload := p.toERP()
	var find func(ctx context.Context) (string, error)
	if s.opts.AdoptExisting {
		find = func(ctx context.Context) (string, error) {
			found, err := s.erp.FindProductByCode(ctx, p.ID)
			return found.ID, err
		}
	}
	return s.upsert(ctx, key, find,
		func(ctx context.Context) (string, error) { return s.erp.CreateProduct(ctx, payload) },
		func(ctx context.Context, erpID string) error { return s.erp.UpdateProduct(ctx, erpID, payload) },
	)
}

// SyncSalesDocument creates or updates the ERP sales document for d. Every
// line must reference a product that has already been synchronized.
func (s *Service) SyncSalesDocument(ctx context.Context, d CRMSalesDocument, correlation map[string]string) (string, error) {
	ctx = withCorrelation(ctx, correlation)
	if err := d.Validate(); err != nil {
		return "", s.fail(ctx, "sync.sales_document", mapping.EntitySalesDocument, resync.ActionUpsert, d.ID, nil, err)
	}
	id, err := s.syncSalesDocument(ctx, d)
	if err != nil {
		return "", s.fail(ctx, "sync.sales_document", mapping.EntitySalesDocument, resync.ActionUpsert, d.ID, d, err)
	}
	metrics.RecordSync(string(mapping.EntitySalesDocument), string(resync.ActionUpsert), metrics.ResultSuccess)
	return id, nil
}

func (s *Service) syncSalesDocument(ctx context.Context, d CRMSalesDocument) (string, error) {
	key := mapping.Key{EntityType: mapping.EntitySalesDocument, CRMID: d.ID}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	ctx = retry.ContextWithCorrelation(ctx, "crmId", d.ID)
	doc, err := s.resolveLines(ctx, d)
	if err != nil {
		return "", err
	}
	return s.upsert(ctx, key, nil,
		func(ctx context.Context) (string, error) { return s.erp.CreateSalesDocument(ctx, doc) },
		func(ctx context.Context, erpID string) error { return s.erp.UpdateSalesDocument(ctx, erpID, doc) },
	)
}

func (s *Service) resolveLines(ctx context.Context, d CRMSalesDocument) (erp.SalesDocument, error) {
	doc := erp.SalesDocument{
		ExternalCode: d.ID,
		Number:       d.Number,
		CustomerName: d.CustomerName,
		Currency:     d.Currency,
		Date:         d.Date,
		Lines:        make([]erp.SalesLine, 0, len(d.Lines)),
	}
	for _, l := range d.Lines {
		m, err := s.store.Get(ctx, mapping.Key{EntityType: mapping.EntityProduct, CRMID: l.ProductID})
		if shared.IsNotFound(err) {
			return erp.SalesDocument{}, fmt.Errorf("%w: product %s of sales document %s is not synchronized",
				shared.ErrValidation, l.ProductID, d.ID)
		}
		if err != nil {
			return erp.SalesDocument{}, err
		}
		doc.Lines = append(doc.Lines, erp.SalesLine{
			ProductID: m.ERPID,
			Quantity:  l.Quantity,
			Price:     l.Price,
			Discount:  l.Discount,
		})
	}
	return doc, nil
}

// upsert updates the mapped ERP entity or creates it when there is no mapping
// or the mapped entity is gone. A non-nil find is asked for an existing ERP id
// before creating.
func (s *Service) upsert(
	ctx context.Context,
	key mapping.Key,
	find func(ctx context.Context) (string, error),
	create func(ctx context.Context) (string, error),
	update func(ctx context.Context, erpID string) error,
) (string, error) {
	m, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		err = update(retry.ContextWithCorrelation(ctx, "erpId", m.ERPID), m.ERPID)
		if err == nil {
			if _, err := s.store.Put(ctx, m); err != nil {
				return "", err
			}
			return m.ERPID, nil
		}
		if !shared.IsNotFound(err) {
			return "", err
		}
		s.log.WarnContext(ctx, "stale mapping, recreating",
			slog.String("key", key.String()), slog.String("erp_id", m.ERPID))
		if _, err := s.store.Delete(ctx, key); err != nil {
			return "", err
		}
	case !shared.IsNotFound(err):
		return "", err
	}

	if find != nil {
		erpID, err := find(ctx)
		switch {
		case err == nil && erpID != "":
			if err := update(retry.ContextWithCorrelation(ctx, "erpId", erpID), erpID); err != nil {
				return "", err
			}
			if _, err := s.store.Put(ctx, mapping.Mapping{EntityType: key.EntityType, CRMID: key.CRMID, ERPID: erpID}); err != nil {
				return "", err
			}
			s.log.InfoContext(ctx, "existing erp entity adopted", slog.String("key", key.String()), slog.String("erp_id", erpID))
			return erpID, nil
		case err != nil && !shared.IsNotFound(err):
			return "", err
		}
	}

	erpID, err := create(ctx)
	if err != nil {
		return "", err
	}
	if _, err := s.store.Put(ctx, mapping.Mapping{EntityType: key.EntityType, CRMID: key.CRMID, ERPID: erpID}); err != nil {
		return "", err
	}
	s.log.InfoContext(ctx, "entity created in erp", slog.String("key", key.String()), slog.String("erp_id", erpID))
	return erpID, nil
}

// DeleteProduct deletes the mapped ERP product and the mapping. A product the
// ERP no longer has, or one that was never mapped, is not an error.
func (s *Service) DeleteProduct(ctx context.Context, crmID string, correlation map[string]string) error {
	ctx = withCorrelation(ctx, correlation)
	key := mapping.Key{EntityType: mapping.EntityProduct, CRMID: crmID}
	if err := key.Validate(); err != nil {
		return s.fail(ctx, "sync.delete_product", mapping.EntityProduct, resync.ActionDelete, crmID, nil, err)
	}
	if err := s.deleteProduct(ctx, key); err != nil {
		return s.fail(ctx, "sync.delete_product", mapping.EntityProduct, resync.ActionDelete, crmID, nil, err)
	}
	metrics.RecordSync(string(mapping.EntityProduct), string(resync.ActionDelete), metrics.ResultSuccess)
	return nil
}

func (s *Service) deleteProduct(ctx context.Context, key mapping.Key) error {
	unlock := s.locks.Lock(key.String())
	defer unlock()

	ctx = retry.ContextWithCorrelation(ctx, "crmId", key.CRMID)
	m, err := s.store.Get(ctx, key)
	if shared.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	err = s.erp.DeleteProduct(retry.ContextWithCorrelation(ctx, "erpId", m.ERPID), m.ERPID)
	if err != nil && !shared.IsNotFound(err) {
		return err
	}
	_, err = s.store.Delete(ctx, key)
	return err
}

// fail records the failure, defers the job when its kind allows it and sends
// an alert. The returned error wraps ErrDeferred when the job was queued.
func (s *Service) fail(
	ctx context.Context,
	op string,
	entity mapping.EntityType,
	action resync.Action,
	crmID string,
	payload any,
	err error,
) error {
	kind := shared.KindOf(err)
	deferred := false
	if s.opts.Queue != nil && s.opts.DeferrableKinds.Has(kind) {
		job, jerr := s.newJob(ctx, entity, action, crmID, payload, err)
		if jerr == nil {
			jerr = s.opts.Queue.Push(context.WithoutCancel(ctx), job, s.now().Add(s.deferDelay(job.Attempts)))
		}
		if jerr != nil {
			s.log.ErrorContext(ctx, "failed to defer sync job", slog.String("operation", op), slog.String("error", jerr.Error()))
		} else {
			deferred = true
		}
	}

	result := metrics.ResultFailure
	if deferred {
		result = metrics.ResultDeferred
	}
	metrics.RecordSync(string(entity), string(action), result)

	s.log.ErrorContext(ctx, "sync failed",
		slog.String("operation", op),
		slog.String("crm_id", crmID),
		slog.String("kind", kind.String()),
		slog.Bool("deferred", deferred),
		slog.String("error", err.Error()),
	)
	s.alert(ctx, op, entity, crmID, kind, err, deferred)

	if deferred {
		return fmt.Errorf("%w: %w", ErrDeferred, err)
	}
	return err
}

func (s *Service) alert(ctx context.Context, op string, entity mapping.EntityType, crmID string, kind shared.Kind, err error, deferred bool) {
	// validation failures are the caller's problem
	if kind == shared.KindValidation || kind == shared.KindCanceled {
		return
	}
	ev := alert.Event{
		Operation:   op,
		EntityType:  string(entity),
		CRMID:       crmID,
		Kind:        kind.String(),
		Message:     err.Error(),
		Deferred:    deferred,
		Correlation: retry.CorrelationFromContext(ctx),
	}
	if aerr := s.opts.Notifier.Notify(context.WithoutCancel(ctx), ev); aerr != nil {
		s.log.WarnContext(ctx, "alert failed", slog.String("error", aerr.Error()))
	}
}

func (s *Service) newJob(ctx context.Context, entity mapping.EntityType, action resync.Action, crmID string, payload any, cause error) (resync.Job, error) {
	job := resync.Job{
		ID:          s.newID(),
		EntityType:  entity,
		Action:      action,
		CRMID:       crmID,
		Correlation: retry.CorrelationFromContext(ctx),
		Attempts:    1,
		LastError:   cause.Error(),
		LastKind:    shared.KindOf(cause).String(),
		CreatedAt:   s.now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return resync.Job{}, fmt.Errorf("marshal job payload: %w", err)
		}
		job.Payload = raw
	}
	return job, nil
}

// deferDelay grows with the number of failed attempts of a job.
func (s *Service) deferDelay(attempts int) time.Duration {
	return retry.ComputeDelay(max(attempts-1, 0), retry.Config{
		BaseDelay:             s.opts.DeferBaseDelay,
		MaxDelay:              s.opts.DeferMaxDelay,
		UseExponentialBackoff: true,
	})
}
