// Package retention maps record classifications to retention periods and
// decides when a ledger entry may be archived or deleted.
package retention

import (
	"fmt"
	"strings"
	"time"
)

// Classification determines how long a record must be kept.
type Classification string

const (
	ClassTax        Classification = "TAX"
	ClassFinancial  Classification = "FINANCIAL"
	ClassCompliance Classification = "COMPLIANCE"
	ClassMessage    Classification = "MESSAGE"
	ClassAttorney   Classification = "ATTORNEY"
	ClassAuditTrail Classification = "AUDIT_TRAIL"
	ClassPermanent  Classification = "PERMANENT"
)

// PermanentYears is the retention used for classifications that are never
// meant to expire.
const PermanentYears = 100

// DefaultYears is the built-in classification table.
var DefaultYears = map[Classification]int{
	ClassTax:        5,
	ClassFinancial:  7, // Companies Act
	ClassCompliance: 7,
	ClassMessage:    6,
	ClassAttorney:   6,
	ClassAuditTrail: PermanentYears,
	ClassPermanent:  PermanentYears,
}

// ParseClassification normalises s and checks it against the known set.
func ParseClassification(s string) (Classification, error) {
	c := Classification(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := DefaultYears[c]; !ok {
		return "", fmt.Errorf("unknown classification %q", s)
	}
	return c, nil
}

// Subject is the view of a ledger entry the policy needs.
type Subject interface {
	RetentionClass() Classification
	ExpiresAt() time.Time
	OnLegalHold() bool
}

// Config holds the recognised policy options.
type Config struct {
	// Years overrides DefaultYears per classification.
	Years map[Classification]int

	// RequireSignOff lists classifications that need manual sign-off before
	// deletion even once retention has expired.
	RequireSignOff []Classification
}

// Policy is safe for concurrent use once constructed.
type Policy struct {
	years     map[Classification]int
	signOff   map[Classification]bool
	permanent map[Classification]bool
}

// NewPolicy builds a Policy from cfg layered over DefaultYears.
func NewPolicy(cfg Config) (*Policy, error) {
	p := &Policy{
		years:     make(map[Classification]int, len(DefaultYears)),
		signOff:   make(map[Classification]bool),
		permanent: map[Classification]bool{ClassAuditTrail: true, ClassPermanent: true},
	}
	for c, y := range DefaultYears {
		p.years[c] = y
	}
	for c, y := range cfg.Years {
		if _, ok := DefaultYears[c]; !ok {
			return nil, fmt.Errorf("retention: unknown classification %q", c)
		}
		if y <= 0 {
			return nil, fmt.Errorf("retention: %s years must be positive, got %d", c, y)
		}
		p.years[c] = y
	}
	for _, c := range cfg.RequireSignOff {
		if _, ok := DefaultYears[c]; !ok {
			return nil, fmt.Errorf("retention: unknown classification %q", c)
		}
		p.signOff[c] = true
	}
	return p, nil
}

// Years returns the retention period for c.
func (p *Policy) Years(c Classification) (int, bool) {
	y, ok := p.years[c]
	return y, ok
}

// IsPermanent reports whether c may never be deleted.
func (p *Policy) IsPermanent(c Classification) bool { return p.permanent[c] }

// RequiresSignOff reports whether c needs manual sign-off before deletion.
func (p *Policy) RequiresSignOff(c Classification) bool { return p.signOff[c] }

// ExpiryFor returns the date at which a record created at createdAt becomes
// archive-eligible.
func (p *Policy) ExpiryFor(c Classification, createdAt time.Time) (time.Time, error) {
	y, ok := p.years[c]
	if !ok {
		return time.Time{}, fmt.Errorf("retention: unknown classification %q", c)
	}
	return createdAt.UTC().AddDate(y, 0, 0), nil
}

// Decision describes what the policy allows for a subject at a given time.
type Decision struct {
	Expired      bool
	Held         bool
	Permanent    bool
	NeedsSignOff bool
	Archivable   bool
	Deletable    bool
}

// Decide evaluates s at now.
func (p *Policy) Decide(s Subject, now time.Time) Decision {
	d := Decision{
		Expired:   !s.ExpiresAt().After(now),
		Held:      s.OnLegalHold(),
		Permanent: p.permanent[s.RetentionClass()],
	}
	d.Archivable = d.Expired && !d.Held
	d.Deletable = d.Expired && !d.Held && !d.Permanent
	d.NeedsSignOff = d.Deletable && p.signOff[s.RetentionClass()]
	return d
}

// IsArchivable reports whether s may move to ARCHIVED at now.
func (p *Policy) IsArchivable(s Subject, now time.Time) bool {
	return p.Decide(s, now).Archivable
}

// IsDeletable reports whether s may be soft-deleted at now without manual
// sign-off. It is always false while a legal hold is active.
func (p *Policy) IsDeletable(s Subject, now time.Time) bool {
	d := p.Decide(s, now)
	return d.Deletable && !d.NeedsSignOff
}
