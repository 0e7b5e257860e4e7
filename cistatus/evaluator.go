package cistatus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ci-status/buildsource"
	"ci-status/logger"
)

// ErrUnsupportedRuleType is returned by Evaluate for rule types it cannot dispatch.
var ErrUnsupportedRuleType = errors.New("unsupported rule type")

const (
	defaultScanWindow = 10
	upstreamCause     = "Started by upstream project"

	paramGerritRefspec = "GERRIT_REFSPEC"
	paramGerritBranch  = "GERRIT_BRANCH"
)

// Evaluation is the outcome of one rule evaluation. Check is nil when the rule
// produced no result. CursorAdvance, when set, is the value the caller should
// persist as the rule's cursor together with the check.
type Evaluation struct {
	Check         *RuleCheck
	CursorAdvance *time.Time
}

// Evaluator matches rules against build history. It only reads from the store.
type Evaluator struct {
	store  *Store
	log    *logger.Logger
	now    func() time.Time
	window int
}

func NewEvaluator(store *Store, log *logger.Logger) *Evaluator {
	if log == nil {
		log = logger.Nop()
	}
	return &Evaluator{
		store:  store,
		log:    log.With("component", "evaluator"),
		now:    func() time.Time { return time.Now().UTC() },
		window: defaultScanWindow,
	}
}

func (e *Evaluator) Evaluate(ctx context.Context, src buildsource.Source, rule Rule) (Evaluation, error) {
	var (
		ev  Evaluation
		err error
	)
	switch rule.RuleType {
	case RuleJob:
		ev, err = e.evaluateJob(ctx, src, rule)
	case RuleView:
		ev, err = e.evaluateView(ctx, src, rule)
	default:
		return Evaluation{}, fmt.Errorf("%w %d (rule %q)", ErrUnsupportedRuleType, rule.RuleType, rule.Name)
	}
	ruleEvaluations.WithLabelValues(rule.RuleType.String(), evaluationOutcome(ev, err)).Inc()
	return ev, err
}

func evaluationOutcome(ev Evaluation, err error) string {
	switch {
	case err != nil:
		return "error"
	case ev.Check == nil:
		return "none"
	case ev.Check.ID != 0:
		return "previous"
	default:
		return "match"
	}
}

func (e *Evaluator) evaluateJob(ctx context.Context, src buildsource.Source, rule Rule) (Evaluation, error) {
	now := e.now()
	check, err := e.scanJob(ctx, src, rule, rule.Name, now)
	if err != nil {
		return Evaluation{}, err
	}
	if check != nil {
		return Evaluation{Check: check, CursorAdvance: &now}, nil
	}
	prev, err := e.store.LatestRuleCheck(ctx, rule.ID)
	if err != nil {
		return Evaluation{}, fmt.Errorf("latest check of rule %q: %w", rule.Name, err)
	}
	return Evaluation{Check: prev}, nil
}

func (e *Evaluator) evaluateView(ctx context.Context, src buildsource.Source, rule Rule) (Evaluation, error) {
	now := e.now()
	jobs, err := viewJobs(ctx, src, rule.Name)
	if err != nil {
		return Evaluation{}, err
	}
	checks := make([]*RuleCheck, 0, len(jobs))
	for _, job := range jobs {
		rc, err := e.scanJob(ctx, src, rule, job.Name, now)
		if err != nil {
			return Evaluation{}, err
		}
		checks = append(checks, rc)
	}
	check := AggregateView(checks)
	if check != nil {
		check.RuleID = rule.ID
		check.CreatedAt = now
		check.UpdatedAt = now
	}
	return Evaluation{Check: check}, nil
}

// viewJobs lists the member jobs of the view called name. A missing view has no jobs.
func viewJobs(ctx context.Context, src buildsource.Source, name string) ([]buildsource.Job, error) {
	views, err := src.Views(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range views {
		if v.Name != name {
			continue
		}
		jobs, err := src.ViewJobs(ctx, v)
		if buildsource.IsNotFound(err) {
			return nil, nil
		}
		return jobs, err
	}
	return nil, nil
}

// scanJob walks back from the latest build of job looking for the newest build
// that satisfies rule. It returns nil when nothing new matched.
func (e *Evaluator) scanJob(ctx context.Context, src buildsource.Source, rule Rule, job string, now time.Time) (*RuleCheck, error) {
	log := e.log.With("rule", rule.Name, "job", job)

	info, err := src.JobInfo(ctx, job)
	if buildsource.IsNotFound(err) {
		log.Warn("job not found")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if info.LastCompletedBuild == nil {
		log.Info("job was never built, skipped")
		return nil, nil
	}

	last := 0
	if info.LastBuild != nil {
		last = info.LastBuild.Number
	}
	pattern := rule.TriggerType.CausePattern()

	var (
		running int
		matched *buildsource.BuildInfo
	)
	for number := last; number > last-e.window; number-- {
		if number < 1 {
			log.Debug("reached first build", "number", number)
			break
		}
		build, err := src.BuildInfo(ctx, job, number)
		if buildsource.IsNotFound(err) {
			log.Debug("build not found", "number", number)
			continue
		}
		if err != nil {
			return nil, err
		}

		if rule.GerritRefspec != "" && !build.HasParameter(paramGerritRefspec, rule.GerritRefspec) {
			continue
		}
		if rule.GerritBranch != "" && !build.HasParameter(paramGerritBranch, rule.GerritBranch) {
			continue
		}
		if build.Building {
			running++
			continue
		}
		if rule.LastUpdated != nil && !build.Time().After(*rule.LastUpdated) {
			break
		}

		cause := build.Cause()
		// Upstream-triggered builds carry no trigger of their own.
		if strings.HasPrefix(cause, upstreamCause) {
			cause = pattern
		}
		if strings.HasPrefix(cause, pattern) {
			log.Debug("cause matched", "cause", cause, "pattern", pattern, "number", build.Number)
			matched = build
			break
		}
	}
	if matched == nil {
		return nil, nil
	}

	rc := &RuleCheck{
		RuleID:       rule.ID,
		StatusType:   StatusFromResult(matched.Result),
		Running:      running,
		BuildNumber:  matched.Number,
		IsRunningNow: running > 0,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if info.LastSuccessfulBuild != nil {
		rc.LastSuccessfulBuildLink = info.LastSuccessfulBuild.URL
	}
	if info.LastFailedBuild != nil {
		rc.LastFailedBuildLink = info.LastFailedBuild.URL
	}
	return rc, nil
}
