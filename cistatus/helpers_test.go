package cistatus

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ci-status/buildsource"
	"ci-status/logger"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := OpenDB(DatabaseConfig{DSN: filepath.Join(t.TempDir(), "ci-status.db")})
	if err != nil {
		t.Fatal(err)
	}
	s := NewStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, v any) {
	t.Helper()
	if err := s.DB().Create(v).Error; err != nil {
		t.Fatal(err)
	}
}

func countRows(t *testing.T, s *Store, model any) int64 {
	t.Helper()
	var n int64
	if err := s.DB().Model(model).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

// seedCI creates an active CI system with one active rule per entry of rules.
func seedCI(t *testing.T, s *Store, url string, sticky bool, rules ...Rule) (CiSystem, []Rule) {
	t.Helper()
	ci := CiSystem{URL: url, Name: url, IsActive: true, StickyFailure: sticky}
	mustCreate(t, s, &ci)
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		r.CiSystemID = ci.ID
		r.IsActive = true
		if r.RuleType == 0 {
			r.RuleType = RuleJob
		}
		if r.TriggerType == 0 {
			r.TriggerType = TriggerTimer
		}
		mustCreate(t, s, &r)
		out = append(out, r)
	}
	return ci, out
}

// testClock is a settable clock shared by the components under test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestEvaluator(s *Store, clock *testClock) *Evaluator {
	e := NewEvaluator(s, logger.Nop())
	e.now = clock.Now
	return e
}

func newTestReconciler(s *Store, src buildsource.Source, clock *testClock, opts ...Option) *Reconciler {
	r := NewReconciler(s, newTestEvaluator(s, clock), func(CiSystem) (buildsource.Source, error) {
		return src, nil
	}, logger.Nop(), opts...)
	r.now = clock.Now
	return r
}

// fakeSource is an in-memory build server.
type fakeSource struct {
	mu       sync.Mutex
	jobs     map[string]*buildsource.JobInfo
	builds   map[string]map[int]*buildsource.BuildInfo
	views    []buildsource.View
	viewJobs map[string][]buildsource.Job
	down     bool
	calls    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		jobs:     make(map[string]*buildsource.JobInfo),
		builds:   make(map[string]map[int]*buildsource.BuildInfo),
		viewJobs: make(map[string][]buildsource.Job),
	}
}

type fakeBuild struct {
	number   int
	result   string
	cause    string
	at       time.Time
	building bool
	params   map[string]string
}

func (f *fakeSource) addBuild(job string, b fakeBuild) {
	f.mu.Lock()
	defer f.mu.Unlock()

	url := fmt.Sprintf("http://ci.example/job/%s/%d/", job, b.number)
	info := &buildsource.BuildInfo{
		Number:    b.number,
		Building:  b.building,
		Result:    b.result,
		Timestamp: b.at.UnixMilli(),
		URL:       url,
	}
	if b.cause != "" {
		info.Actions = append(info.Actions, buildsource.Action{Causes: []buildsource.Cause{{ShortDescription: b.cause}}})
	}
	if len(b.params) > 0 {
		var ps []buildsource.Parameter
		for k, v := range b.params {
			ps = append(ps, buildsource.Parameter{Name: k, Value: v})
		}
		info.Actions = append(info.Actions, buildsource.Action{Parameters: ps})
	}
	if f.builds[job] == nil {
		f.builds[job] = make(map[int]*buildsource.BuildInfo)
	}
	f.builds[job][b.number] = info

	ji := f.jobs[job]
	if ji == nil {
		ji = &buildsource.JobInfo{Name: job}
		f.jobs[job] = ji
	}
	ref := &buildsource.BuildRef{Number: b.number, URL: url}
	if ji.LastBuild == nil || ji.LastBuild.Number < b.number {
		ji.LastBuild = ref
	}
	if b.building {
		return
	}
	if ji.LastCompletedBuild == nil || ji.LastCompletedBuild.Number < b.number {
		ji.LastCompletedBuild = ref
	}
	switch b.result {
	case "SUCCESS":
		if ji.LastSuccessfulBuild == nil || ji.LastSuccessfulBuild.Number < b.number {
			ji.LastSuccessfulBuild = ref
		}
	case "FAILURE":
		if ji.LastFailedBuild == nil || ji.LastFailedBuild.Number < b.number {
			ji.LastFailedBuild = ref
		}
	}
}

// dropBuild makes a build disappear while the job still reports it.
func (f *fakeSource) dropBuild(job string, number int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.builds[job], number)
}

func (f *fakeSource) addView(name string, jobs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := buildsource.View{Name: name, URL: "http://ci.example/view/" + name}
	f.views = append(f.views, v)
	for _, j := range jobs {
		f.viewJobs[v.URL] = append(f.viewJobs[v.URL], buildsource.Job{Name: j})
	}
}

func (f *fakeSource) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

func (f *fakeSource) unreachable(op string) error {
	return &buildsource.ConnectivityError{Op: op, URL: "http://ci.example", Err: fmt.Errorf("connection refused")}
}

func (f *fakeSource) JobInfo(_ context.Context, name string) (*buildsource.JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return nil, f.unreachable("job info")
	}
	ji, ok := f.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job %q: %w", name, buildsource.ErrNotFound)
	}
	cp := *ji
	return &cp, nil
}

func (f *fakeSource) BuildInfo(_ context.Context, name string, number int) (*buildsource.BuildInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return nil, f.unreachable("build info")
	}
	b, ok := f.builds[name][number]
	if !ok {
		return nil, fmt.Errorf("build %s #%d: %w", name, number, buildsource.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (f *fakeSource) Views(context.Context) ([]buildsource.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return nil, f.unreachable("views")
	}
	return append([]buildsource.View(nil), f.views...), nil
}

func (f *fakeSource) ViewJobs(_ context.Context, v buildsource.View) ([]buildsource.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.down {
		return nil, f.unreachable("view jobs")
	}
	jobs, ok := f.viewJobs[v.URL]
	if !ok {
		return nil, fmt.Errorf("view %q: %w", v.Name, buildsource.ErrNotFound)
	}
	return append([]buildsource.Job(nil), jobs...), nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	statuses []Status
	products []ProductCiStatus
}

func (n *recordingNotifier) StatusCreated(_ context.Context, _ CiSystem, st Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, st)
	return nil
}

func (n *recordingNotifier) ProductStatusCreated(_ context.Context, _ ProductCi, st ProductCiStatus) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.products = append(n.products, st)
	return nil
}

func (n *recordingNotifier) Statuses() []Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Status(nil), n.statuses...)
}

func (n *recordingNotifier) Products() []ProductCiStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]ProductCiStatus(nil), n.products...)
}
