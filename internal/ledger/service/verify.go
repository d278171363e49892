package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/ledger/model"
)

// verifyPageSize is the number of entries fetched per verification page.
const verifyPageSize = 500

// LinkResult is the verification outcome of a single entry.
type LinkResult struct {
	SequenceIndex int64  `json:"sequence_index"`
	EntryID       string `json:"entry_id"`
	Valid         bool   `json:"valid"`
}

// BrokenLink describes one entry that failed verification.
type BrokenLink struct {
	SequenceIndex int64  `json:"sequence_index"`
	EntryID       string `json:"entry_id"`
	ExpectedHash  string `json:"expected_hash"`
	StoredHash    string `json:"stored_hash"`
	Reason        string `json:"reason"`
}

// Report is the result of walking a tenant chain.
type Report struct {
	TenantID     string       `json:"tenant_id"`
	FromIndex    int64        `json:"from_index"`
	ToIndex      int64        `json:"to_index"`
	TotalChecked int          `json:"total_checked"`
	ValidCount   int          `json:"valid_count"`
	BrokenLinks  []BrokenLink `json:"broken_links"`
	Results      []LinkResult `json:"results,omitempty"`
	ChainIntact  bool         `json:"chain_intact"`
	GeneratedAt  time.Time    `json:"generated_at"`
}

// Err returns ErrChainIntegrityViolation when the chain is not intact.
func (r *Report) Err() error {
	if r.ChainIntact {
		return nil
	}
	return fmt.Errorf("%w: tenant %s has %d broken link(s), first at index %d",
		ErrChainIntegrityViolation, r.TenantID, len(r.BrokenLinks), r.BrokenLinks[0].SequenceIndex)
}

// VerifyChain walks the tenant's whole chain.
func (s *Service) VerifyChain(ctx context.Context, tenantID string) (*Report, error) {
	return s.VerifyRange(ctx, tenantID, 0, -1)
}

// VerifyRange walks entries from..to (to < 0 means through the tail),
// recomputing each link hash from the entry's canonical fields and its
// predecessor's stored link hash. Every mismatch is reported; the walk never
// stops early. It reads only, and honours ctx between pages.
func (s *Service) VerifyRange(ctx context.Context, tenantID string, from, to int64) (*Report, error) {
	if from < 0 {
		return nil, fmt.Errorf("%w: from must be >= 0", ErrInvalidInput)
	}
	if to >= 0 && to < from {
		return nil, fmt.Errorf("%w: to must be >= from", ErrInvalidInput)
	}

	report := &Report{
		TenantID:    tenantID,
		FromIndex:   from,
		ToIndex:     to,
		BrokenLinks: []BrokenLink{},
		GeneratedAt: s.now().UTC(),
	}

	tail, err := s.store.FetchTail(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("fetch tail: %w", err)
	}
	if tail == nil || from > tail.SequenceIndex {
		report.ToIndex = from - 1
		report.ChainIntact = true
		return report, nil
	}
	if to < 0 || to > tail.SequenceIndex {
		to = tail.SequenceIndex
	}
	report.ToIndex = to

	prevHash := s.chain.Genesis()
	if from > 0 {
		pred, err := s.store.FetchRange(ctx, tenantID, from-1, from-1)
		if err != nil {
			return nil, fmt.Errorf("fetch predecessor: %w", err)
		}
		if len(pred) == 1 {
			prevHash = pred[0].LinkHash
		} else {
			prevHash = ""
		}
	}

	expectIndex := from
	for cursor := from; cursor <= to; cursor += verifyPageSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := cursor + verifyPageSize - 1
		if end > to {
			end = to
		}
		page, err := s.store.FetchRange(ctx, tenantID, cursor, end)
		if err != nil {
			return nil, fmt.Errorf("fetch range %d-%d: %w", cursor, end, err)
		}
		for _, e := range page {
			broken, err := s.checkLink(e, prevHash, expectIndex)
			if err != nil {
				return nil, err
			}
			report.TotalChecked++
			report.Results = append(report.Results, LinkResult{
				SequenceIndex: e.SequenceIndex,
				EntryID:       e.ID,
				Valid:         broken == nil,
			})
			if broken != nil {
				report.BrokenLinks = append(report.BrokenLinks, *broken)
			} else {
				report.ValidCount++
			}
			prevHash = e.LinkHash
			expectIndex = e.SequenceIndex + 1
		}
	}

	report.ChainIntact = len(report.BrokenLinks) == 0
	if !report.ChainIntact {
		s.metrics.BrokenLinksObserved(len(report.BrokenLinks))
		s.logger.Warn("chain verification found broken links",
			zap.String("tenant_id", tenantID),
			zap.Int("broken", len(report.BrokenLinks)),
			zap.Int64("first_broken_index", report.BrokenLinks[0].SequenceIndex),
		)
	}
	return report, nil
}

// checkLink returns nil if e links correctly to a predecessor whose stored
// link hash is prevHash. An empty prevHash means the predecessor is missing.
func (s *Service) checkLink(e *model.Entry, prevHash string, expectIndex int64) (*BrokenLink, error) {
	var reasons []string
	if e.SequenceIndex != expectIndex {
		reasons = append(reasons, fmt.Sprintf("sequence gap: expected index %d", expectIndex))
	}
	if prevHash == "" {
		reasons = append(reasons, "predecessor missing")
	} else if e.PreviousHash != prevHash {
		reasons = append(reasons, "previous hash does not match predecessor")
	}

	ok, expected, err := s.chain.Check(e.CanonicalFields(), prevHash, e.LinkHash)
	if err != nil {
		return nil, fmt.Errorf("recompute link hash at %d: %w", e.SequenceIndex, err)
	}
	if !ok {
		reasons = append(reasons, "link hash mismatch")
	}

	if len(reasons) == 0 {
		return nil, nil
	}
	return &BrokenLink{
		SequenceIndex: e.SequenceIndex,
		EntryID:       e.ID,
		ExpectedHash:  expected,
		StoredHash:    e.LinkHash,
		Reason:        strings.Join(reasons, "; "),
	}, nil
}
