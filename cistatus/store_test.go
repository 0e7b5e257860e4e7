package cistatus

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestSaveReconciliation_ValidatesStatus(t *testing.T) {
	s := newTestStore(t)
	ci, _ := seedCI(t, s, "http://ci.example", false)
	cases := []struct {
		name string
		st   Status
	}{
		{"unknown code", Status{CiSystemID: ci.ID, StatusType: 3, Summary: "x"}},
		{"empty summary", Status{CiSystemID: ci.ID, StatusType: StatusSuccess, Summary: "  "}},
		{"long summary", Status{CiSystemID: ci.ID, StatusType: StatusSuccess, Summary: strings.Repeat("s", 256)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st := tc.st
			err := s.SaveReconciliation(context.Background(), &st, nil, nil)
			if !errors.Is(err, ErrInvalidStatus) {
				t.Fatalf("err = %v, want ErrInvalidStatus", err)
			}
		})
	}
	if n := countRows(t, s, &Status{}); n != 0 {
		t.Fatalf("statuses = %d, want 0", n)
	}
}

func TestSaveReconciliation_CursorOnlyMovesForward(t *testing.T) {
	s := newTestStore(t)
	ci, rules := seedCI(t, s, "http://ci.example", false, Rule{Name: "job"})
	ctx := context.Background()

	save := func(cursor time.Time) {
		t.Helper()
		st := &Status{CiSystemID: ci.ID, StatusType: StatusSuccess, Summary: SummaryAutomatic, CreatedAt: cursor}
		if err := s.SaveReconciliation(ctx, st, nil, map[uint]time.Time{rules[0].ID: cursor}); err != nil {
			t.Fatal(err)
		}
	}
	save(baseTime)
	save(baseTime.Add(-time.Hour))

	var rule Rule
	if err := s.DB().First(&rule, rules[0].ID).Error; err != nil {
		t.Fatal(err)
	}
	if rule.LastUpdated == nil || !rule.LastUpdated.Equal(baseTime) {
		t.Fatalf("cursor = %v, want %v", rule.LastUpdated, baseTime)
	}
}

func TestLatestStatus_NewestFirst(t *testing.T) {
	s := newTestStore(t)
	ci, _ := seedCI(t, s, "http://ci.example", false)
	ctx := context.Background()

	if st, err := s.LatestStatus(ctx, ci.ID); err != nil || st != nil {
		t.Fatalf("empty history: %+v, %v", st, err)
	}
	for i, code := range []StatusType{StatusFail, StatusSuccess, StatusAborted} {
		mustCreate(t, s, &Status{CiSystemID: ci.ID, StatusType: code, Summary: "x", CreatedAt: baseTime.Add(time.Duration(i) * time.Minute)})
	}
	st, err := s.LatestStatus(ctx, ci.ID)
	if err != nil {
		t.Fatal(err)
	}
	if st.StatusType != StatusAborted {
		t.Fatalf("latest = %s, want Aborted", st.StatusType)
	}
	history, err := s.StatusHistory(ctx, ci.ID, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[1].StatusType != StatusSuccess {
		t.Fatalf("history = %+v", history)
	}
}

func TestDeleteStatus_ReferenceCountsRuleChecks(t *testing.T) {
	s := newTestStore(t)
	ci, rules := seedCI(t, s, "http://ci.example", false, Rule{Name: "a"}, Rule{Name: "b"})
	ctx := context.Background()

	shared := &RuleCheck{RuleID: rules[0].ID, StatusType: StatusSuccess, BuildNumber: 1, CreatedAt: baseTime}
	own := &RuleCheck{RuleID: rules[1].ID, StatusType: StatusFail, BuildNumber: 1, CreatedAt: baseTime}
	first := &Status{CiSystemID: ci.ID, StatusType: StatusFail, Summary: "x", CreatedAt: baseTime}
	if err := s.SaveReconciliation(ctx, first, []*RuleCheck{shared, own}, nil); err != nil {
		t.Fatal(err)
	}
	second := &Status{CiSystemID: ci.ID, StatusType: StatusSuccess, Summary: "x", CreatedAt: baseTime.Add(time.Minute)}
	if err := s.SaveReconciliation(ctx, second, []*RuleCheck{shared}, nil); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, s, &RuleCheck{}); n != 2 {
		t.Fatalf("rule checks = %d, want 2", n)
	}

	if err := s.DeleteStatus(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	checks, err := s.StatusRuleChecks(ctx, second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(checks) != 1 || checks[0].ID != shared.ID {
		t.Fatalf("second status checks = %+v", checks)
	}
	if n := countRows(t, s, &RuleCheck{}); n != 1 {
		t.Fatalf("rule checks = %d, want 1", n)
	}

	if err := s.DeleteStatus(ctx, second.ID); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, s, &RuleCheck{}); n != 0 {
		t.Fatalf("rule checks = %d, want 0", n)
	}
	if n := countRows(t, s, &StatusRuleCheck{}); n != 0 {
		t.Fatalf("links = %d, want 0", n)
	}
}

func TestDeleteCiSystem_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ci, rules := seedCI(t, s, "http://ci.example", false, Rule{Name: "a"})
	other, otherRules := seedCI(t, s, "http://other.example", false, Rule{Name: "b"})

	st := &Status{CiSystemID: ci.ID, StatusType: StatusSuccess, Summary: "x", CreatedAt: baseTime}
	if err := s.SaveReconciliation(ctx, st, []*RuleCheck{{RuleID: rules[0].ID, StatusType: StatusSuccess, BuildNumber: 1}}, nil); err != nil {
		t.Fatal(err)
	}
	// a check that is not linked to any status
	addCheck(t, s, rules[0].ID, StatusFail, 2, baseTime)
	otherSt := &Status{CiSystemID: other.ID, StatusType: StatusSuccess, Summary: "x", CreatedAt: baseTime}
	if err := s.SaveReconciliation(ctx, otherSt, []*RuleCheck{{RuleID: otherRules[0].ID, StatusType: StatusSuccess, BuildNumber: 1}}, nil); err != nil {
		t.Fatal(err)
	}
	product := ProductCi{Name: "p", IsActive: true}
	mustCreate(t, s, &product)
	if err := s.SetProductRules(ctx, product.ID, []uint{rules[0].ID, otherRules[0].ID}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteCiSystem(ctx, ci.ID); err != nil {
		t.Fatal(err)
	}

	for _, tc := range []struct {
		model any
		want  int64
	}{
		{&CiSystem{}, 1},
		{&Rule{}, 1},
		{&RuleCheck{}, 1},
		{&Status{}, 1},
		{&StatusRuleCheck{}, 1},
		{&ProductCiRule{}, 1},
	} {
		if n := countRows(t, s, tc.model); n != tc.want {
			t.Fatalf("%T rows = %d, want %d", tc.model, n, tc.want)
		}
	}
}

func TestDeleteProductCi_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, rules := seedCI(t, s, "http://ci.example", false, Rule{Name: "a"})
	product := ProductCi{Name: "p", IsActive: true}
	mustCreate(t, s, &product)
	if err := s.SetProductRules(ctx, product.ID, []uint{rules[0].ID}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateProductStatus(ctx, &ProductCiStatus{ProductCiID: product.ID, StatusType: StatusSuccess, Summary: "x", LastChangedAt: baseTime}); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteProductCi(ctx, product.ID); err != nil {
		t.Fatal(err)
	}
	if n := countRows(t, s, &ProductCiStatus{}); n != 0 {
		t.Fatalf("product statuses = %d", n)
	}
	if n := countRows(t, s, &ProductCiRule{}); n != 0 {
		t.Fatalf("product rules = %d", n)
	}
	if n := countRows(t, s, &Rule{}); n != 1 {
		t.Fatalf("rules must survive, got %d", n)
	}
}

func TestCreateManualStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ci, _ := seedCI(t, s, "http://ci.example", false)

	if _, err := s.CreateManualStatus(ctx, ci.ID, StatusSuccess, "", "bob", baseTime); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("err = %v, want ErrInvalidStatus", err)
	}
	first, err := s.CreateManualStatus(ctx, ci.ID, StatusFail, "broken", "bob", baseTime)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.CreateManualStatus(ctx, ci.ID, StatusFail, "still broken", "", baseTime.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !second.LastChangedAt.Equal(first.LastChangedAt) {
		t.Fatalf("last changed = %v, want %v", second.LastChangedAt, first.LastChangedAt)
	}
	if second.AuthorName() != "Inactive User" {
		t.Fatalf("author = %q", second.AuthorName())
	}
}

func TestSyncStat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if ts, err := s.SyncStatTime(ctx, SyncStatLastSync); err != nil || !ts.IsZero() {
		t.Fatalf("untouched stat: %v, %v", ts, err)
	}
	for _, ts := range []time.Time{baseTime, baseTime.Add(time.Hour)} {
		if err := s.TouchSyncStat(ctx, SyncStatLastSync, ts); err != nil {
			t.Fatal(err)
		}
	}
	ts, err := s.SyncStatTime(ctx, SyncStatLastSync)
	if err != nil {
		t.Fatal(err)
	}
	if !ts.Equal(baseTime.Add(time.Hour)) {
		t.Fatalf("last sync = %v", ts)
	}
	if n := countRows(t, s, &SyncStat{}); n != 1 {
		t.Fatalf("stats = %d, want 1", n)
	}
}
