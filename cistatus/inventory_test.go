package cistatus

import (
	"context"
	"strings"
	"testing"
)

func TestApplyInventory_UpsertsAndDeactivates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cfg := &FileConfig{
		CiSystems: []CiSystemConfig{
			{
				URL:  "http://a.example",
				Name: "alpha",
				Rules: RulesConfig{Items: []RuleConfig{
					{Name: "deploy", TriggerType: "timer"},
					{Name: "verify", TriggerType: "gerrit", GerritBranch: "master"},
					{Name: "deploy", TriggerType: "timer"},
				}},
			},
			{URL: "http://b.example", StickyFailure: true, Rules: RulesConfig{Items: []RuleConfig{{Name: "kilo", RuleType: "view", TriggerType: "any"}}}},
		},
		Products: []ProductConfig{
			{Name: "mos", Version: "9.0", Rules: []RuleConfig{
				{Name: "deploy", TriggerType: "timer", CiSystem: "alpha"},
				{Name: "kilo", RuleType: "view", TriggerType: "any", CiSystem: "http://b.example"},
			}},
		},
	}
	res, err := s.ApplyInventory(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 0 || res.CiSystemsImported != 2 || res.ProductsImported != 1 {
		t.Fatalf("result = %+v", res)
	}
	if n := countRows(t, s, &Rule{}); n != 3 {
		t.Fatalf("rules = %d, want 3", n)
	}
	products, err := s.ActiveProducts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 1 {
		t.Fatalf("products = %d", len(products))
	}
	members, err := s.ProductActiveRules(ctx, products[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("product rules = %d, want 2", len(members))
	}

	// drop the verify rule, the second CI system and the product
	cfg.CiSystems = cfg.CiSystems[:1]
	cfg.CiSystems[0].Rules.Items = cfg.CiSystems[0].Rules.Items[:1]
	cfg.Products = nil
	if _, err := s.ApplyInventory(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveCiSystems(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].URL != "http://a.example" {
		t.Fatalf("active ci systems = %+v", active)
	}
	rules, err := s.ActiveRules(ctx, active[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rules) != 1 || rules[0].Name != "deploy" {
		t.Fatalf("active rules = %+v", rules)
	}
	if n := countRows(t, s, &Rule{}); n != 3 {
		t.Fatalf("rules are deactivated, never deleted: %d", n)
	}
	products, err = s.ActiveProducts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 0 {
		t.Fatalf("products should be inactive, got %d", len(products))
	}
}

func TestApplyInventory_ReportsInvalidEntries(t *testing.T) {
	s := newTestStore(t)
	cfg := &FileConfig{
		CiSystems: []CiSystemConfig{
			{URL: ""},
			{URL: "http://a.example", Rules: RulesConfig{Items: []RuleConfig{{Name: "x", TriggerType: "cron"}}}},
			{URL: "http://b.example", Rules: RulesConfig{Items: []RuleConfig{{Name: "deploy", TriggerType: "timer"}}}},
		},
		Products: []ProductConfig{
			{Name: "unknown-ci", Rules: []RuleConfig{{Name: "deploy", TriggerType: "timer", CiSystem: "http://nowhere"}}},
			{Name: "unknown-rule", Rules: []RuleConfig{{Name: "build", TriggerType: "timer", CiSystem: "http://b.example"}}},
		},
	}
	res, err := s.ApplyInventory(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if res.CiSystemsImported != 1 || res.ProductsImported != 0 || len(res.Errors) != 4 {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(res.Errors[1], "cron") {
		t.Fatalf("error = %q", res.Errors[1])
	}
}
