// Package hashchain computes the link hashes that bind each ledger entry to
// its predecessor.
//
// A link hash is SHA-256 over the RFC 8785 canonical JSON encoding of an
// entry's CanonicalFields followed by the predecessor's link hash. The first
// entry of every tenant chain links to the genesis constant.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the default well-known previous hash of index 0.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

// CanonicalFields is the fixed, immutable subset of entry metadata that is
// hashed. The encrypted payload is deliberately absent; its integrity is
// covered by the AEAD tag.
type CanonicalFields struct {
	EntryID        string    `json:"entry_id"`
	TenantID       string    `json:"tenant_id"`
	SequenceIndex  int64     `json:"sequence_index"`
	Classification string    `json:"classification"`
	Action         string    `json:"action"`
	Actor          string    `json:"actor"`
	CreatedAt      time.Time `json:"-"`
}

// canonicalWire fixes the timestamp encoding independently of time.Time's
// own JSON marshalling.
type canonicalWire struct {
	EntryID        string `json:"entry_id"`
	TenantID       string `json:"tenant_id"`
	SequenceIndex  int64  `json:"sequence_index"`
	Classification string `json:"classification"`
	Action         string `json:"action"`
	Actor          string `json:"actor"`
	CreatedAt      string `json:"created_at"`
}

// Canonicalize returns the deterministic byte encoding of f.
// Timestamps are rendered in UTC with microsecond precision.
func Canonicalize(f CanonicalFields) ([]byte, error) {
	raw, err := json.Marshal(canonicalWire{
		EntryID:        f.EntryID,
		TenantID:       f.TenantID,
		SequenceIndex:  f.SequenceIndex,
		Classification: f.Classification,
		Action:         f.Action,
		Actor:          f.Actor,
		CreatedAt:      f.CreatedAt.UTC().Truncate(time.Microsecond).Format("2006-01-02T15:04:05.000000Z"),
	})
	if err != nil {
		return nil, fmt.Errorf("hashchain: marshal canonical fields: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("hashchain: canonicalize: %w", err)
	}
	return out, nil
}

// Chain computes and checks link hashes against a fixed genesis constant.
type Chain struct {
	genesis string
}

// New creates a Chain. An empty genesis selects GenesisHash.
func New(genesis string) (*Chain, error) {
	if genesis == "" {
		genesis = GenesisHash
	}
	if !hexHash.MatchString(genesis) {
		return nil, fmt.Errorf("hashchain: genesis must be 64 lowercase hex characters")
	}
	return &Chain{genesis: genesis}, nil
}

// Genesis returns the previous hash used for sequence index 0.
func (c *Chain) Genesis() string { return c.genesis }

// LinkHash returns hex(SHA-256(Canonicalize(f) || previousHash)).
// It is a pure function of its inputs.
func (c *Chain) LinkHash(f CanonicalFields, previousHash string) (string, error) {
	canon, err := Canonicalize(f)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write(canon)
	h.Write([]byte(previousHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Check reports whether stored equals the link hash recomputed from f and
// previousHash, and returns the recomputed value.
func (c *Chain) Check(f CanonicalFields, previousHash, stored string) (bool, string, error) {
	expected, err := c.LinkHash(f, previousHash)
	if err != nil {
		return false, "", err
	}
	return expected == stored, expected, nil
}
