// Package store owns the engine's durable local state: settlement
// records, deposit balances, compliance module registrations, and
// consumed orders. Every write path is an upsert keyed on a natural
// identifier so concurrent writers converge rather than conflict.
package store

import (
	"time"
)

// Status of a settlement record. Terminal states never revert.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// SettlementRecord is the durable outcome of one execution attempt.
// The transaction hash is the natural key: re-processing the same hash
// updates status and metadata instead of duplicating a row.
type SettlementRecord struct {
	TxHash           string `gorm:"primaryKey;size:66"`
	BuyOrderDigest   string `gorm:"size:66;index"`
	SellOrderDigest  string `gorm:"size:66;index"`
	PropertyToken    string `gorm:"size:42;index"`
	StablecoinToken  string `gorm:"size:42;index"`
	PropertyAmount   string `gorm:"size:80"`
	StablecoinAmount string `gorm:"size:80"`
	Buyer            string `gorm:"size:42;index"`
	Seller           string `gorm:"size:42;index"`
	Status           Status `gorm:"size:16;index"`
	BlockNumber      uint64
	GasUsed          uint64
	ErrorMessage     string `gorm:"size:512"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DepositRecord is the cumulative confirmed escrow contribution for one
// (token, wallet) pair. Amount only grows, via additive upsert; it is
// not a live balance snapshot.
type DepositRecord struct {
	Token     string `gorm:"primaryKey;size:42"`
	Wallet    string `gorm:"primaryKey;size:42"`
	Amount    string `gorm:"type:numeric(78,0);not null"`
	UpdatedAt time.Time
}

// ComplianceModuleRecord mirrors the registry's module set for audit
// queries. The compliance gate is the sole writer.
type ComplianceModuleRecord struct {
	Address   string `gorm:"primaryKey;size:42"`
	Active    bool   `gorm:"index"`
	Name      string `gorm:"size:128"`
	Version   string `gorm:"size:32"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderRecord tracks an order digest the engine has seen, and whether a
// confirmed settlement consumed it. This is the local idempotency fast
// path; the settlement contract remains authoritative.
type OrderRecord struct {
	Digest    string `gorm:"primaryKey;size:66"`
	Signer    string `gorm:"size:42;index"`
	Consumed  bool   `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
