package cistatus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

type InventoryResult struct {
	CiSystemsTotal    int
	CiSystemsImported int
	ProductsTotal     int
	ProductsImported  int
	Errors            []string
}

// ApplyInventory upserts CI systems, rules and products from cfg. Entries missing
// from cfg are deactivated, never deleted. Per-entry problems are collected in
// the result; only storage failures are returned as errors.
func (s *Store) ApplyInventory(ctx context.Context, cfg *FileConfig) (*InventoryResult, error) {
	res := &InventoryResult{
		CiSystemsTotal: len(cfg.CiSystems),
		ProductsTotal:  len(cfg.Products),
	}

	keptCIs := make(map[uint]struct{})
	for _, c := range cfg.CiSystems {
		ci, msg, err := s.importCiSystem(ctx, c)
		if err != nil {
			return res, err
		}
		if msg != "" {
			res.Errors = append(res.Errors, msg)
			continue
		}
		keptCIs[ci.ID] = struct{}{}
		res.CiSystemsImported++
	}
	if err := s.deactivateCiSystemsExcept(ctx, keptCIs); err != nil {
		return res, err
	}

	keptProducts := make(map[uint]struct{})
	for _, p := range cfg.Products {
		product, msg, err := s.importProduct(ctx, p)
		if err != nil {
			return res, err
		}
		if msg != "" {
			res.Errors = append(res.Errors, msg)
			continue
		}
		keptProducts[product.ID] = struct{}{}
		res.ProductsImported++
	}
	if err := s.deactivateProductsExcept(ctx, keptProducts); err != nil {
		return res, err
	}
	return res, nil
}

func ruleFromConfig(rc RuleConfig) (Rule, error) {
	name := strings.TrimSpace(rc.Name)
	if name == "" {
		return Rule{}, fmt.Errorf("rule name is required")
	}
	rt, ok := ParseRuleType(rc.RuleType)
	if !ok {
		return Rule{}, fmt.Errorf("rule %q: unknown rule type %q", name, rc.RuleType)
	}
	tt, ok := ParseTriggerType(rc.TriggerType)
	if !ok {
		return Rule{}, fmt.Errorf("rule %q: unknown trigger type %q", name, rc.TriggerType)
	}
	return Rule{
		Name:          name,
		Description:   rc.Description,
		RuleType:      rt,
		TriggerType:   tt,
		GerritRefspec: strings.TrimSpace(rc.GerritRefspec),
		GerritBranch:  strings.TrimSpace(rc.GerritBranch),
		IsActive:      !rc.Inactive,
	}, nil
}

func findRule(tx *gorm.DB, r Rule) (*Rule, error) {
	var existing Rule
	err := tx.Where(
		"name = ? AND rule_type = ? AND trigger_type = ? AND ci_system_id = ? AND gerrit_refspec = ? AND gerrit_branch = ?",
		r.Name, r.RuleType, r.TriggerType, r.CiSystemID, r.GerritRefspec, r.GerritBranch,
	).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// importCiSystem returns a non-empty message for invalid entries; the whole CI system is skipped then.
func (s *Store) importCiSystem(ctx context.Context, c CiSystemConfig) (*CiSystem, string, error) {
	url := strings.TrimSpace(c.URL)
	if url == "" {
		return nil, "can not import CI system: url is required", nil
	}
	rules := make([]Rule, 0, len(c.Rules.Items))
	seen := make(map[string]struct{}, len(c.Rules.Items))
	for _, rc := range c.Rules.Items {
		r, err := ruleFromConfig(rc)
		if err != nil {
			return nil, fmt.Sprintf("can not import CI system %q: %v", url, err), nil
		}
		key := r.UniqueName()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		rules = append(rules, r)
	}

	var ci CiSystem
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("url = ?", url).Take(&ci).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			ci = CiSystem{URL: url}
		case err != nil:
			return err
		}
		ci.Name = strings.TrimSpace(c.Name)
		ci.Username = c.Username
		ci.Password = c.Password
		ci.StickyFailure = c.StickyFailure
		ci.IsActive = !c.Inactive
		if err := tx.Save(&ci).Error; err != nil {
			return err
		}

		kept := make([]uint, 0, len(rules))
		for _, r := range rules {
			r.CiSystemID = ci.ID
			existing, err := findRule(tx, r)
			if err != nil {
				return err
			}
			if existing != nil {
				existing.Description = r.Description
				existing.IsActive = r.IsActive
				if err := tx.Save(existing).Error; err != nil {
					return err
				}
				kept = append(kept, existing.ID)
				continue
			}
			if err := tx.Create(&r).Error; err != nil {
				return err
			}
			kept = append(kept, r.ID)
		}

		q := tx.Model(&Rule{}).Where("ci_system_id = ? AND is_active = ?", ci.ID, true)
		if len(kept) > 0 {
			q = q.Where("id NOT IN ?", kept)
		}
		return q.Update("is_active", false).Error
	})
	if err != nil {
		return nil, "", err
	}
	return &ci, "", nil
}

func (s *Store) deactivateCiSystemsExcept(ctx context.Context, kept map[uint]struct{}) error {
	q := s.db.WithContext(ctx).Model(&CiSystem{}).Where("is_active = ?", true)
	if ids := keys(kept); len(ids) > 0 {
		q = q.Where("id NOT IN ?", ids)
	}
	return q.Update("is_active", false).Error
}

func (s *Store) importProduct(ctx context.Context, p ProductConfig) (*ProductCi, string, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, "can not import product: name is required", nil
	}

	ruleIDs := make([]uint, 0, len(p.Rules))
	for _, rc := range p.Rules {
		r, err := ruleFromConfig(rc)
		if err != nil {
			return nil, fmt.Sprintf("product %q has invalid rules: %v", name, err), nil
		}
		ci, err := s.FindCiSystem(ctx, strings.TrimSpace(rc.CiSystem))
		if err != nil {
			return nil, "", err
		}
		if ci == nil {
			return nil, fmt.Sprintf("product %q: unknown CI system %q for rule %q", name, rc.CiSystem, r.Name), nil
		}
		r.CiSystemID = ci.ID
		existing, err := findRule(s.db.WithContext(ctx), r)
		if err != nil {
			return nil, "", err
		}
		if existing == nil {
			return nil, fmt.Sprintf("product %q: rule %q is not configured on CI system %q", name, r.Name, ci.String()), nil
		}
		ruleIDs = append(ruleIDs, existing.ID)
	}

	var product ProductCi
	err := s.db.WithContext(ctx).Where("name = ? AND version = ?", name, p.Version).Take(&product).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		product = ProductCi{Name: name, Version: p.Version}
	case err != nil:
		return nil, "", err
	}
	product.IsActive = !p.Inactive
	if err := s.db.WithContext(ctx).Save(&product).Error; err != nil {
		return nil, "", err
	}
	if err := s.SetProductRules(ctx, product.ID, ruleIDs); err != nil {
		return nil, "", err
	}
	return &product, "", nil
}

func (s *Store) deactivateProductsExcept(ctx context.Context, kept map[uint]struct{}) error {
	q := s.db.WithContext(ctx).Model(&ProductCi{}).Where("is_active = ?", true)
	if ids := keys(kept); len(ids) > 0 {
		q = q.Where("id NOT IN ?", ids)
	}
	return q.Update("is_active", false).Error
}

func keys(m map[uint]struct{}) []uint {
	out := make([]uint, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
