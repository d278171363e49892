// Package model defines the ledger entry, its lifecycle state machine and
// its access sub-trail.
package model
