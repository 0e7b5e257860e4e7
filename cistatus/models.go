package cistatus

import (
	"fmt"
	"strings"
	"time"
)

type CiSystem struct {
	ID            uint   `gorm:"primaryKey"`
	URL           string `gorm:"uniqueIndex;size:255;not null"`
	Name          string `gorm:"index;size:50"`
	Username      string `gorm:"size:50"`
	Password      string `gorm:"size:100"`
	IsActive      bool   `gorm:"index"`
	StickyFailure bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (CiSystem) TableName() string { return "ci_systems" }

func (c CiSystem) String() string {
	if c.Name != "" {
		return c.Name
	}
	return c.URL
}

type Rule struct {
	ID            uint        `gorm:"primaryKey"`
	Name          string      `gorm:"uniqueIndex:uniq_rule,priority:1;size:255;not null"`
	Description   string      `gorm:"type:text"`
	RuleType      RuleType    `gorm:"uniqueIndex:uniq_rule,priority:2;not null"`
	TriggerType   TriggerType `gorm:"uniqueIndex:uniq_rule,priority:3;not null"`
	CiSystemID    uint        `gorm:"uniqueIndex:uniq_rule,priority:4;index;not null"`
	GerritRefspec string      `gorm:"uniqueIndex:uniq_rule,priority:5;size:255"`
	GerritBranch  string      `gorm:"uniqueIndex:uniq_rule,priority:6;size:255"`
	IsActive      bool        `gorm:"index"`
	// LastUpdated is the evaluation cursor: builds at or before it are already accounted for.
	LastUpdated *time.Time
}

func (Rule) TableName() string { return "rules" }

// UniqueName identifies the rule by its uniqueness tuple.
func (r Rule) UniqueName() string {
	return fmt.Sprintf("_%s_%d_%d_%d_%s_%s", r.Name, r.RuleType, r.TriggerType, r.CiSystemID, r.GerritRefspec, r.GerritBranch)
}

// RuleCheck is one immutable evaluation outcome of a Rule. Rows are shared by
// consecutive Status snapshots through StatusRuleCheck.
type RuleCheck struct {
	ID                      uint       `gorm:"primaryKey"`
	RuleID                  uint       `gorm:"index;not null"`
	StatusType              StatusType `gorm:"index;not null"`
	Running                 int
	Queued                  int
	BuildNumber             int
	IsRunningNow            bool
	LastSuccessfulBuildLink string    `gorm:"size:1024"`
	LastFailedBuildLink     string    `gorm:"size:1024"`
	CreatedAt               time.Time `gorm:"index"`
	UpdatedAt               time.Time
}

func (RuleCheck) TableName() string { return "rule_checks" }

// SameOutcome reports equality on (rule, status, build number).
func (rc *RuleCheck) SameOutcome(other *RuleCheck) bool {
	if rc == nil || other == nil {
		return rc == other
	}
	return rc.RuleID == other.RuleID &&
		rc.StatusType == other.StatusType &&
		rc.BuildNumber == other.BuildNumber
}

// Touched is the freshest timestamp of the check.
func (rc *RuleCheck) Touched() time.Time {
	if rc.UpdatedAt.After(rc.CreatedAt) {
		return rc.UpdatedAt
	}
	return rc.CreatedAt
}

// LinkToCI builds <ci url><job|view>/<name>.
func LinkToCI(ci CiSystem, rule Rule) string {
	base := ci.URL
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.ToLower(rule.RuleType.String()) + "/" + rule.Name
}

type StatusRuleCheck struct {
	StatusID    uint `gorm:"primaryKey;autoIncrement:false"`
	RuleCheckID uint `gorm:"primaryKey;autoIncrement:false;index"`
}

func (StatusRuleCheck) TableName() string { return "status_rule_checks" }

type Status struct {
	ID          uint       `gorm:"primaryKey"`
	CiSystemID  uint       `gorm:"index;not null"`
	StatusType  StatusType `gorm:"not null"`
	Summary     string     `gorm:"size:255;not null"`
	Description string     `gorm:"type:text"`
	IsManual    bool
	Author      string    `gorm:"size:150"`
	CreatedAt   time.Time `gorm:"index"`
	UpdatedAt   time.Time
	// LastChangedAt is when the aggregated state last differed from its predecessor.
	LastChangedAt time.Time
}

func (Status) TableName() string { return "statuses" }

func (s Status) AuthorName() string {
	switch {
	case s.Author != "":
		return s.Author
	case s.IsManual:
		return "Inactive User"
	default:
		return "Assigned Automatically"
	}
}

type ProductCi struct {
	ID            uint   `gorm:"primaryKey"`
	Name          string `gorm:"uniqueIndex:uniq_product,priority:1;size:50;not null"`
	Version       string `gorm:"uniqueIndex:uniq_product,priority:2;size:255"`
	IsActive      bool   `gorm:"index"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastChangedAt time.Time
}

func (ProductCi) TableName() string { return "product_cis" }

type ProductCiRule struct {
	ProductCiID uint `gorm:"primaryKey;autoIncrement:false"`
	RuleID      uint `gorm:"primaryKey;autoIncrement:false;index"`
}

func (ProductCiRule) TableName() string { return "product_ci_rules" }

type ProductCiStatus struct {
	ID            uint       `gorm:"primaryKey"`
	ProductCiID   uint       `gorm:"index;not null"`
	StatusType    StatusType `gorm:"not null"`
	Summary       string     `gorm:"size:255;not null"`
	Description   string     `gorm:"type:text"`
	IsManual      bool
	Author        string    `gorm:"size:150"`
	Version       string    `gorm:"size:255"`
	CreatedAt     time.Time `gorm:"index"`
	UpdatedAt     time.Time
	LastChangedAt time.Time
}

func (ProductCiStatus) TableName() string { return "product_ci_statuses" }

// SyncStat records bookkeeping timestamps such as the last completed sweep.
type SyncStat struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:255;not null"`
	UpdatedAt time.Time
}

func (SyncStat) TableName() string { return "sync_stats" }
