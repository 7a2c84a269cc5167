package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"gorm.io/datatypes"
)

type Direction string
type Kind string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"

	KindContactSent   Kind = "CONTACT_SENT"
	KindContactClosed Kind = "CONTACT_CLOSED"
	KindWithdrawal    Kind = "WITHDRAWAL"

	mainLedgerID = "main"
	genesisHash  = "GENESIS"
	dateLayout   = "2006-01-02"
)

// Ledger is the process-wide balance record. Today resets lazily on the first
// access of a new calendar date; Total only grows; Wallet is drawn down by
// withdrawals and never goes below zero.
type Ledger struct {
	ID            string    `gorm:"column:id;primaryKey;type:varchar(32)"`
	Today         int64     `gorm:"column:today;not null;default:0"`
	Total         int64     `gorm:"column:total;not null;default:0"`
	Wallet        int64     `gorm:"column:wallet;not null;default:0"`
	LastResetDate string    `gorm:"column:last_reset_date;type:varchar(10)"`
	CreatedAt     time.Time `gorm:"column:created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at"`
}

func (Ledger) TableName() string { return "ledger_balances" }

type Snapshot struct {
	Today         int64     `json:"today"`
	Total         int64     `json:"total"`
	Wallet        int64     `json:"wallet"`
	LastResetDate string    `json:"last_reset_date"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (l *Ledger) Snapshot() Snapshot {
	return Snapshot{
		Today:         l.Today,
		Total:         l.Total,
		Wallet:        l.Wallet,
		LastResetDate: l.LastResetDate,
		UpdatedAt:     l.UpdatedAt,
	}
}

// resetIfNewDay zeroes Today when the calendar date moved. Reports whether it did.
func (l *Ledger) resetIfNewDay(date string) bool {
	if l.LastResetDate == date {
		return false
	}
	l.Today = 0
	l.LastResetDate = date
	return true
}

// Entry is one hash-chained journal line. Every movement of the balance record
// appends exactly one entry in the same transaction.
type Entry struct {
	ID           string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	Kind         Kind           `gorm:"column:kind;type:varchar(32);index;not null"`
	Direction    Direction      `gorm:"column:direction;type:varchar(8);not null"`
	Amount       int64          `gorm:"column:amount;not null"`
	ReferenceID  string         `gorm:"column:reference_id;index"`
	Description  string         `gorm:"column:description"`
	Metadata     datatypes.JSON `gorm:"column:metadata"`
	BalanceAfter int64          `gorm:"column:balance_after"`
	PreviousHash string         `gorm:"column:previous_hash"`
	Hash         string         `gorm:"column:hash"`
	CreatedAt    time.Time      `gorm:"column:created_at;index"`
}

func (Entry) TableName() string { return "ledger_entries" }

// Movement describes a credit or debit to apply.
type Movement struct {
	Kind        Kind
	Amount      int64
	ReferenceID string
	Description string
	Metadata    map[string]any
}

func (e *Entry) HashFields() map[string]string {
	return map[string]string{
		"id":            e.ID,
		"kind":          string(e.Kind),
		"direction":     string(e.Direction),
		"amount":        fmt.Sprintf("%d", e.Amount),
		"reference_id":  e.ReferenceID,
		"description":   e.Description,
		"balance_after": fmt.Sprintf("%d", e.BalanceAfter),
		"created_at":    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": e.PreviousHash,
	}
}

func (e *Entry) GenerateHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
