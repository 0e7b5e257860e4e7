package cistatus

import (
	"context"
	"fmt"
	"time"

	"ci-status/logger"
)

// ProductAggregator derives ProductCiStatus rows from the latest persisted checks
// of a product's rules.
type ProductAggregator struct {
	store    *Store
	locker   Locker
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time
}

func NewProductAggregator(store *Store, log *logger.Logger, opts ...Option) *ProductAggregator {
	if log == nil {
		log = logger.Nop()
	}
	o := buildOptions(opts)
	return &ProductAggregator{
		store:    store,
		locker:   o.locker,
		notifier: o.notifier,
		log:      log.With("component", "product"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Aggregate returns the latest status of product and whether a row was written.
// Repeating the previous code, or landing on InProgress with history present,
// writes nothing.
func (a *ProductAggregator) Aggregate(ctx context.Context, product ProductCi) (*ProductCiStatus, bool, error) {
	unlock, err := a.locker.Lock(ctx, productLockKey(product.ID))
	if err != nil {
		return nil, false, fmt.Errorf("lock product %s: %w", product.Name, err)
	}
	defer unlock()

	log := a.log.With("product", product.Name, "version", product.Version)

	rules, err := a.store.ProductActiveRules(ctx, product.ID)
	if err != nil {
		return nil, false, err
	}
	codes := make([]StatusType, 0, len(rules))
	for _, rule := range rules {
		rc, err := a.store.LatestRuleCheck(ctx, rule.ID)
		if err != nil {
			return nil, false, err
		}
		if rc != nil {
			codes = append(codes, rc.StatusType)
		}
	}

	prev, err := a.store.LatestProductStatus(ctx, product.ID)
	if err != nil {
		return nil, false, err
	}
	if len(codes) == 0 {
		log.Debug("no rule checks yet")
		return prev, false, nil
	}

	code := MergeProductStatus(codes)
	if prev != nil && (prev.StatusType == code || code == StatusInProgress) {
		statusUnchanged.WithLabelValues("product").Inc()
		return prev, false, nil
	}

	now := a.now()
	st := &ProductCiStatus{
		ProductCiID:   product.ID,
		StatusType:    code,
		Summary:       SummaryAutomatic,
		Version:       product.Version,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastChangedAt: now,
	}
	if err := a.store.CreateProductStatus(ctx, st); err != nil {
		return nil, false, fmt.Errorf("save status of product %s: %w", product.Name, err)
	}
	statusWrites.WithLabelValues("product", code.String()).Inc()
	log.Info("product status created", "status", code.String(), "rules", len(codes))

	if err := a.notifier.ProductStatusCreated(ctx, product, *st); err != nil {
		log.Warn("notification failed", "error", err)
	}
	return st, true, nil
}
