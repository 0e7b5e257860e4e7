package cistatus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"ci-status/buildsource"
	"ci-status/logger"
)

const (
	SummaryAutomatic = "Assigned automatically by a periodic task"
	SummaryNoRules   = "No rules configured or all of them are invalid."
	SummarySticky    = "`FAIL` status on CI with `sticky_failure` set to `True` could not be changed automatically."
)

// SourceFunc opens the build source of a CI system.
type SourceFunc func(ci CiSystem) (buildsource.Source, error)

// Reconciler turns the rule outcomes of one CI system into its Status history.
type Reconciler struct {
	store    *Store
	eval     *Evaluator
	sources  SourceFunc
	locker   Locker
	notifier Notifier
	log      *logger.Logger
	now      func() time.Time
}

type options struct {
	locker   Locker
	notifier Notifier
}

// Option configures a Reconciler or a ProductAggregator.
type Option func(*options)

func WithLocker(l Locker) Option { return func(o *options) { o.locker = l } }

func WithNotifier(n Notifier) Option { return func(o *options) { o.notifier = n } }

func buildOptions(opts []Option) options {
	o := options{locker: NewLocalLocker(), notifier: nopNotifier{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func NewReconciler(store *Store, eval *Evaluator, sources SourceFunc, log *logger.Logger, opts ...Option) *Reconciler {
	if log == nil {
		log = logger.Nop()
	}
	o := buildOptions(opts)
	return &Reconciler{
		store:    store,
		eval:     eval,
		sources:  sources,
		locker:   o.locker,
		notifier: o.notifier,
		log:      log.With("component", "reconciler"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile evaluates every active rule of ci and records a new Status when the
// outcome differs from the latest one. The bool reports whether a row was written.
func (r *Reconciler) Reconcile(ctx context.Context, ci CiSystem) (*Status, bool, error) {
	unlock, err := r.locker.Lock(ctx, ciLockKey(ci.ID))
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", ci, err)
	}
	defer unlock()

	log := r.log.With("ci", ci.String())

	prev, err := r.store.LatestStatus(ctx, ci.ID)
	if err != nil {
		return nil, false, err
	}
	prevChecks, err := r.checksByRule(ctx, prev)
	if err != nil {
		return nil, false, err
	}

	rules, err := r.store.ActiveRules(ctx, ci.ID)
	if err != nil {
		return nil, false, err
	}

	current := make(map[string]*RuleCheck, len(rules))
	cursors := make(map[uint]time.Time)
	if len(rules) > 0 {
		src, err := r.sources(ci)
		if err != nil {
			return nil, false, fmt.Errorf("build source for %s: %w", ci, err)
		}
		for _, rule := range rules {
			ev, err := r.eval.Evaluate(ctx, src, rule)
			if err != nil {
				if ctx.Err() != nil {
					return nil, false, ctx.Err()
				}
				switch {
				case errors.Is(err, ErrUnsupportedRuleType):
					log.Warn("rule skipped", "rule", rule.Name, "error", err)
				case buildsource.IsConnectivity(err):
					log.Error("build source unreachable, rule skipped", "rule", rule.Name, "error", err)
				default:
					log.Error("rule evaluation failed", "rule", rule.Name, "error", err)
				}
				continue
			}
			if ev.Check == nil {
				continue
			}
			current[rule.UniqueName()] = ev.Check
			if ev.CursorAdvance != nil {
				cursors[rule.ID] = *ev.CursorAdvance
			}
		}
	}

	if prev != nil && sameChecks(prevChecks, current) {
		log.Debug("status unchanged", "status", prev.StatusType.String())
		statusUnchanged.WithLabelValues("ci").Inc()
		return prev, false, nil
	}

	now := r.now()
	st := &Status{
		CiSystemID: ci.ID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	keys := sortedKeys(current)
	checks := make([]*RuleCheck, 0, len(keys))
	for _, k := range keys {
		checks = append(checks, current[k])
	}

	if len(checks) == 0 {
		st.StatusType = StatusSkip
		st.Summary = SummaryNoRules
		st.LastChangedAt = now
		if prev != nil && prev.StatusType == StatusSkip {
			st.LastChangedAt = prev.LastChangedAt
		}
	} else {
		codes := make([]StatusType, 0, len(checks))
		for _, rc := range checks {
			codes = append(codes, rc.StatusType)
		}
		st.StatusType = MergeSystemStatus(codes)
		st.Summary = SummaryAutomatic
		if ci.StickyFailure && prev != nil && prev.StatusType == StatusFail && st.StatusType == StatusSuccess {
			st.StatusType = StatusFail
			st.Summary = SummarySticky
			stickyOverrides.Inc()
			log.Info("sticky failure kept")
		}
		if prev != nil && prev.StatusType == st.StatusType {
			st.LastChangedAt = prev.LastChangedAt
		} else {
			st.LastChangedAt = freshest(checks)
		}
		st.Description = describeChecks(keys, current)
	}

	if err := r.store.SaveReconciliation(ctx, st, checks, cursors); err != nil {
		return nil, false, fmt.Errorf("save status of %s: %w", ci, err)
	}
	statusWrites.WithLabelValues("ci", st.StatusType.String()).Inc()
	log.Info("status created", "status", st.StatusType.String(), "checks", len(checks))

	if err := r.notifier.StatusCreated(ctx, ci, *st); err != nil {
		log.Warn("notification failed", "error", err)
	}
	return st, true, nil
}

// checksByRule keys the checks of st by their rule's unique name.
func (r *Reconciler) checksByRule(ctx context.Context, st *Status) (map[string]*RuleCheck, error) {
	out := make(map[string]*RuleCheck)
	if st == nil {
		return out, nil
	}
	checks, err := r.store.StatusRuleChecks(ctx, st.ID)
	if err != nil {
		return nil, err
	}
	ids := make([]uint, 0, len(checks))
	for _, rc := range checks {
		ids = append(ids, rc.RuleID)
	}
	rules, err := r.store.RulesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range checks {
		rule, ok := rules[checks[i].RuleID]
		if !ok {
			continue
		}
		out[rule.UniqueName()] = &checks[i]
	}
	return out, nil
}

func sameChecks(prev, current map[string]*RuleCheck) bool {
	if len(prev) != len(current) {
		return false
	}
	for k, rc := range current {
		p, ok := prev[k]
		if !ok || !p.SameOutcome(rc) {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]*RuleCheck) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func freshest(checks []*RuleCheck) time.Time {
	var t time.Time
	for _, rc := range checks {
		if ts := rc.Touched(); ts.After(t) {
			t = ts
		}
	}
	return t
}

func describeChecks(keys []string, checks map[string]*RuleCheck) string {
	var b strings.Builder
	for _, k := range keys {
		rc := checks[k]
		fmt.Fprintf(&b, "%s: %s #%d\n", strings.TrimPrefix(k, "_"), rc.StatusType, rc.BuildNumber)
	}
	return strings.TrimSuffix(b.String(), "\n")
}
