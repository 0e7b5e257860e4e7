package cistatus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

var (
	// ErrInvalidStatus is returned when a status row fails validation before persisting.
	ErrInvalidStatus = errors.New("invalid status")
)

const maxSummaryLen = 255

func OpenDB(cfg DatabaseConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{Logger: gormLogger.Default.LogMode(gormLogger.Silent)}
	if cfg.Debug {
		gcfg.Logger = gormLogger.Default.LogMode(gormLogger.Info)
	}

	var (
		db  *gorm.DB
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite":
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		db, err = gorm.Open(sqlite.Open(sqliteDSN(cfg.DSN)), gcfg)
		if err != nil {
			return nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite has a single writer.
		sqlDB.SetMaxOpenConns(1)
	case "postgres", "postgresql":
		db, err = gorm.Open(postgres.Open(cfg.DSN), gcfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if err := db.AutoMigrate(
		&CiSystem{},
		&Rule{},
		&RuleCheck{},
		&Status{},
		&StatusRuleCheck{},
		&ProductCi{},
		&ProductCiRule{},
		&ProductCiStatus{},
		&SyncStat{},
	); err != nil {
		return nil, err
	}
	return db, nil
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=busy_timeout") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)"
}

// Store wraps the database with the queries the engine needs.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *gorm.DB { return s.db }

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) ActiveCiSystems(ctx context.Context) ([]CiSystem, error) {
	var out []CiSystem
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id asc").Find(&out).Error
	return out, err
}

func (s *Store) CiSystems(ctx context.Context) ([]CiSystem, error) {
	var out []CiSystem
	err := s.db.WithContext(ctx).Order("id asc").Find(&out).Error
	return out, err
}

// FindCiSystem resolves a CiSystem by url, then by name.
func (s *Store) FindCiSystem(ctx context.Context, ref string) (*CiSystem, error) {
	var ci CiSystem
	err := s.db.WithContext(ctx).Where("url = ?", ref).Take(&ci).Error
	if err == nil {
		return &ci, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	err = s.db.WithContext(ctx).Where("name = ?", ref).Order("id asc").Take(&ci).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ci, nil
}

func (s *Store) ActiveRules(ctx context.Context, ciSystemID uint) ([]Rule, error) {
	var out []Rule
	err := s.db.WithContext(ctx).
		Where("ci_system_id = ? AND is_active = ?", ciSystemID, true).
		Order("id asc").
		Find(&out).Error
	return out, err
}

func (s *Store) RulesByIDs(ctx context.Context, ids []uint) (map[uint]Rule, error) {
	out := make(map[uint]Rule, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rules []Rule
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rules).Error; err != nil {
		return nil, err
	}
	for _, r := range rules {
		out[r.ID] = r
	}
	return out, nil
}

// LatestStatus returns nil when the CiSystem has no status yet.
func (s *Store) LatestStatus(ctx context.Context, ciSystemID uint) (*Status, error) {
	var st Status
	err := s.db.WithContext(ctx).
		Where("ci_system_id = ?", ciSystemID).
		Order("created_at desc").Order("id desc").
		Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) StatusHistory(ctx context.Context, ciSystemID uint, limit int) ([]Status, error) {
	var out []Status
	q := s.db.WithContext(ctx).
		Where("ci_system_id = ?", ciSystemID).
		Order("created_at desc").Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&out).Error
	return out, err
}

func (s *Store) StatusRuleChecks(ctx context.Context, statusID uint) ([]RuleCheck, error) {
	var out []RuleCheck
	err := s.db.WithContext(ctx).
		Joins("JOIN status_rule_checks ON status_rule_checks.rule_check_id = rule_checks.id").
		Where("status_rule_checks.status_id = ?", statusID).
		Order("rule_checks.id asc").
		Find(&out).Error
	return out, err
}

// FailedRuleChecks lists the failing checks a status was built from.
func (s *Store) FailedRuleChecks(ctx context.Context, statusID uint) ([]RuleCheck, error) {
	checks, err := s.StatusRuleChecks(ctx, statusID)
	if err != nil {
		return nil, err
	}
	out := checks[:0]
	for _, rc := range checks {
		if rc.StatusType == StatusFail {
			out = append(out, rc)
		}
	}
	return out, nil
}

// LatestRuleCheck returns nil when the rule was never checked.
func (s *Store) LatestRuleCheck(ctx context.Context, ruleID uint) (*RuleCheck, error) {
	var rc RuleCheck
	err := s.db.WithContext(ctx).
		Where("rule_id = ?", ruleID).
		Order("created_at desc").Order("id desc").
		Take(&rc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rc, nil
}

func validateStatus(code StatusType, summary string) error {
	if !code.Valid() {
		return fmt.Errorf("%w: unknown status code %d", ErrInvalidStatus, code)
	}
	if strings.TrimSpace(summary) == "" {
		return fmt.Errorf("%w: summary is required", ErrInvalidStatus)
	}
	if len(summary) > maxSummaryLen {
		return fmt.Errorf("%w: summary longer than %d characters", ErrInvalidStatus, maxSummaryLen)
	}
	return nil
}

// SaveReconciliation writes a new Status with its checks and rule cursor advances
// in one transaction. Checks that already have an ID are linked, never re-inserted.
func (s *Store) SaveReconciliation(ctx context.Context, st *Status, checks []*RuleCheck, cursors map[uint]time.Time) error {
	if err := validateStatus(st.StatusType, st.Summary); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(st).Error; err != nil {
			return err
		}
		for _, rc := range checks {
			if rc.ID == 0 {
				if err := tx.Create(rc).Error; err != nil {
					return err
				}
			}
			if err := tx.Create(&StatusRuleCheck{StatusID: st.ID, RuleCheckID: rc.ID}).Error; err != nil {
				return err
			}
		}
		for ruleID, ts := range cursors {
			if err := advanceCursor(tx, ruleID, ts); err != nil {
				return err
			}
		}
		return nil
	})
}

// advanceCursor never moves a cursor backwards.
func advanceCursor(tx *gorm.DB, ruleID uint, ts time.Time) error {
	return tx.Model(&Rule{}).
		Where("id = ? AND (last_updated IS NULL OR last_updated < ?)", ruleID, ts).
		Update("last_updated", ts).Error
}

// CreateManualStatus records an operator decision. It is the only way out of a sticky failure.
func (s *Store) CreateManualStatus(ctx context.Context, ciSystemID uint, code StatusType, summary string, author string, now time.Time) (*Status, error) {
	if err := validateStatus(code, summary); err != nil {
		return nil, err
	}
	prev, err := s.LatestStatus(ctx, ciSystemID)
	if err != nil {
		return nil, err
	}
	lastChanged := now
	if prev != nil && prev.StatusType == code {
		lastChanged = prev.LastChangedAt
	}
	st := &Status{
		CiSystemID:    ciSystemID,
		StatusType:    code,
		Summary:       summary,
		IsManual:      true,
		Author:        author,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastChangedAt: lastChanged,
	}
	if err := s.db.WithContext(ctx).Create(st).Error; err != nil {
		return nil, err
	}
	return st, nil
}

// DeleteStatus removes a status and every RuleCheck no other status still references.
func (s *Store) DeleteStatus(ctx context.Context, statusID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return deleteStatusTx(tx, statusID)
	})
}

func deleteStatusTx(tx *gorm.DB, statusID uint) error {
	var checkIDs []uint
	if err := tx.Model(&StatusRuleCheck{}).
		Where("status_id = ?", statusID).
		Pluck("rule_check_id", &checkIDs).Error; err != nil {
		return err
	}
	if err := tx.Where("status_id = ?", statusID).Delete(&StatusRuleCheck{}).Error; err != nil {
		return err
	}
	for _, id := range checkIDs {
		var refs int64
		if err := tx.Model(&StatusRuleCheck{}).Where("rule_check_id = ?", id).Count(&refs).Error; err != nil {
			return err
		}
		if refs > 0 {
			continue
		}
		if err := tx.Delete(&RuleCheck{}, id).Error; err != nil {
			return err
		}
	}
	return tx.Delete(&Status{}, statusID).Error
}

// DeleteCiSystem cascades over statuses, rules, their checks and product links.
func (s *Store) DeleteCiSystem(ctx context.Context, ciSystemID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var statusIDs []uint
		if err := tx.Model(&Status{}).Where("ci_system_id = ?", ciSystemID).Pluck("id", &statusIDs).Error; err != nil {
			return err
		}
		for _, id := range statusIDs {
			if err := deleteStatusTx(tx, id); err != nil {
				return err
			}
		}

		var ruleIDs []uint
		if err := tx.Model(&Rule{}).Where("ci_system_id = ?", ciSystemID).Pluck("id", &ruleIDs).Error; err != nil {
			return err
		}
		if len(ruleIDs) > 0 {
			var checkIDs []uint
			if err := tx.Model(&RuleCheck{}).Where("rule_id IN ?", ruleIDs).Pluck("id", &checkIDs).Error; err != nil {
				return err
			}
			if len(checkIDs) > 0 {
				if err := tx.Where("rule_check_id IN ?", checkIDs).Delete(&StatusRuleCheck{}).Error; err != nil {
					return err
				}
				if err := tx.Where("id IN ?", checkIDs).Delete(&RuleCheck{}).Error; err != nil {
					return err
				}
			}
			if err := tx.Where("rule_id IN ?", ruleIDs).Delete(&ProductCiRule{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", ruleIDs).Delete(&Rule{}).Error; err != nil {
				return err
			}
		}
		return tx.Delete(&CiSystem{}, ciSystemID).Error
	})
}

func (s *Store) ActiveProducts(ctx context.Context) ([]ProductCi, error) {
	var out []ProductCi
	err := s.db.WithContext(ctx).Where("is_active = ?", true).Order("id asc").Find(&out).Error
	return out, err
}

func (s *Store) Products(ctx context.Context) ([]ProductCi, error) {
	var out []ProductCi
	err := s.db.WithContext(ctx).Order("id asc").Find(&out).Error
	return out, err
}

func (s *Store) ProductActiveRules(ctx context.Context, productID uint) ([]Rule, error) {
	var out []Rule
	err := s.db.WithContext(ctx).
		Joins("JOIN product_ci_rules ON product_ci_rules.rule_id = rules.id").
		Where("product_ci_rules.product_ci_id = ? AND rules.is_active = ?", productID, true).
		Order("rules.id asc").
		Find(&out).Error
	return out, err
}

func (s *Store) SetProductRules(ctx context.Context, productID uint, ruleIDs []uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("product_ci_id = ?", productID).Delete(&ProductCiRule{}).Error; err != nil {
			return err
		}
		for _, id := range ruleIDs {
			if err := tx.Create(&ProductCiRule{ProductCiID: productID, RuleID: id}).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// LatestProductStatus returns nil when the product has no status yet.
func (s *Store) LatestProductStatus(ctx context.Context, productID uint) (*ProductCiStatus, error) {
	var st ProductCiStatus
	err := s.db.WithContext(ctx).
		Where("product_ci_id = ?", productID).
		Order("created_at desc").Order("id desc").
		Take(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *Store) CreateProductStatus(ctx context.Context, st *ProductCiStatus) error {
	if err := validateStatus(st.StatusType, st.Summary); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(st).Error; err != nil {
			return err
		}
		return tx.Model(&ProductCi{}).
			Where("id = ?", st.ProductCiID).
			Update("last_changed_at", st.LastChangedAt).Error
	})
}

func (s *Store) DeleteProductCi(ctx context.Context, productID uint) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("product_ci_id = ?", productID).Delete(&ProductCiStatus{}).Error; err != nil {
			return err
		}
		if err := tx.Where("product_ci_id = ?", productID).Delete(&ProductCiRule{}).Error; err != nil {
			return err
		}
		return tx.Delete(&ProductCi{}, productID).Error
	})
}

func (s *Store) TouchSyncStat(ctx context.Context, name string, now time.Time) error {
	var stat SyncStat
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.db.WithContext(ctx).Create(&SyncStat{Name: name, UpdatedAt: now}).Error
	}
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&stat).UpdateColumn("updated_at", now).Error
}

// SyncStatTime returns the zero time when the stat was never touched.
func (s *Store) SyncStatTime(ctx context.Context, name string) (time.Time, error) {
	var stat SyncStat
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&stat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return stat.UpdatedAt, nil
}
