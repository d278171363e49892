package model

import "time"

// AccessOutcome is the result of a decrypt attempt.
type AccessOutcome string

const (
	AccessGranted AccessOutcome = "granted"
	AccessDenied  AccessOutcome = "denied"
	AccessFailed  AccessOutcome = "failed" // authorised, but decryption failed
)

// AccessRecord is one row of an entry's mutable access sub-trail. It is not
// part of the hash chain.
type AccessRecord struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	EntryID     string        `json:"entry_id"`
	RequesterID string        `json:"requester_id"`
	Role        string        `json:"role"`
	Action      string        `json:"action"`
	Outcome     AccessOutcome `json:"outcome"`
	Detail      string        `json:"detail,omitempty"`
	At          time.Time     `json:"at"`
}
