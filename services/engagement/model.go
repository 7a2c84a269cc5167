package engagement

import (
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"gorm.io/datatypes"
)

type Status string
type Channel string
type Outcome string

const (
	StatusScheduled Status = "SCHEDULED"
	StatusDone      Status = "DONE"

	ChannelWhatsApp Channel = "whatsapp"
	ChannelEmail    Channel = "email"
	ChannelProfile  Channel = "profile"

	OutcomeDelivered Outcome = "delivered"
	OutcomeError     Outcome = "error"
)

// Engagement tracks one contacted party through its follow-up sequence.
// Status is DONE exactly when NextFollowUpAt is nil.
type Engagement struct {
	ID              string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Seq             int64          `gorm:"column:seq;index" json:"-"`
	ContactAddress  string         `gorm:"column:contact_address;index;not null" json:"contact_address"`
	Channel         Channel        `gorm:"column:channel;type:varchar(16)" json:"channel"`
	Subject         datatypes.JSON `gorm:"column:subject" json:"subject,omitempty"`
	InitialMessage  string         `gorm:"column:initial_message;type:text;not null" json:"initial_message"`
	PricePerContact int64          `gorm:"column:price_per_contact" json:"price_per_contact"`
	FollowUpCount   int            `gorm:"column:follow_up_count;not null;default:0" json:"follow_up_count"`
	NextFollowUpAt  *time.Time     `gorm:"column:next_follow_up_at;index" json:"next_follow_up_at,omitempty"`
	Status          Status         `gorm:"column:status;type:varchar(16);index;not null" json:"status"`
	ClosedAmount    *int64         `gorm:"column:closed_amount" json:"closed_amount,omitempty"`
	ClosedAt        *time.Time     `gorm:"column:closed_at" json:"closed_at,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at" json:"updated_at"`

	FollowUps []FollowUp `gorm:"foreignKey:EngagementID;references:ID" json:"follow_ups"`
}

func (Engagement) TableName() string { return "engagements" }

// FollowUp is one attempted follow-up delivery. History is append-only.
type FollowUp struct {
	ID           string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"-"`
	EngagementID string    `gorm:"column:engagement_id;index;not null" json:"-"`
	Seq          int       `gorm:"column:seq" json:"seq"`
	At           time.Time `gorm:"column:at" json:"at"`
	Message      string    `gorm:"column:message;type:text" json:"message"`
	Outcome      Outcome   `gorm:"column:outcome;type:varchar(16)" json:"outcome"`
	Error        string    `gorm:"column:error" json:"error,omitempty"`
	ReceiptID    string    `gorm:"column:receipt_id" json:"receipt_id,omitempty"`
}

func (FollowUp) TableName() string { return "engagement_follow_ups" }

// Subject describes the contacted party. The engine only passes it through
// to prompts and the close annotation.
type Subject struct {
	Name      string `json:"name,omitempty"`
	Role      string `json:"role,omitempty"`
	Company   string `json:"company,omitempty"`
	City      string `json:"city,omitempty"`
	Category  string `json:"category,omitempty"`
	PainPoint string `json:"pain_point,omitempty"`
}

func (s Subject) IsZero() bool {
	return s == Subject{}
}

func (s Subject) JSON() datatypes.JSON {
	if s.IsZero() {
		return nil
	}
	b, _ := json.Marshal(s)
	return datatypes.JSON(b)
}

// SubjectInfo decodes Subject, returning the zero value when absent or malformed.
func (e *Engagement) SubjectInfo() Subject {
	var s Subject
	if len(e.Subject) > 0 {
		_ = json.Unmarshal(e.Subject, &s)
	}
	return s
}

func (e *Engagement) Done() bool {
	return e.Status == StatusDone
}

// IsDue reports whether the record should receive its next follow-up at now.
func (e *Engagement) IsDue(now time.Time, total int) bool {
	return !e.Done() &&
		e.NextFollowUpAt != nil &&
		!e.NextFollowUpAt.After(now) &&
		e.FollowUpCount < total
}

// Schedule starts the sequence: count zero, first follow-up one interval out.
func (e *Engagement) Schedule(now time.Time, intervals []time.Duration) {
	next := now.Add(intervals[0])
	e.FollowUpCount = 0
	e.NextFollowUpAt = &next
	e.Status = StatusScheduled
}

// RecordDelivered appends a delivered follow-up and moves the record to its
// next step, finishing it when the interval list is exhausted.
func (e *Engagement) RecordDelivered(now time.Time, message, receiptID string, intervals []time.Duration) {
	e.appendFollowUp(FollowUp{At: now, Message: message, Outcome: OutcomeDelivered, ReceiptID: receiptID})
	e.FollowUpCount++
	if e.FollowUpCount < len(intervals) {
		next := now.Add(intervals[e.FollowUpCount])
		e.NextFollowUpAt = &next
		return
	}
	e.finish()
}

// RecordFailed appends a failed attempt. Count and due time stay put so the
// next tick retries.
func (e *Engagement) RecordFailed(now time.Time, message string, cause error) {
	f := FollowUp{At: now, Message: message, Outcome: OutcomeError}
	if cause != nil {
		f.Error = cause.Error()
	}
	e.appendFollowUp(f)
}

// Close forces the record terminal regardless of count.
func (e *Engagement) Close(now time.Time, amount int64) {
	e.ClosedAmount = &amount
	e.ClosedAt = &now
	e.finish()
}

func (e *Engagement) finish() {
	e.NextFollowUpAt = nil
	e.Status = StatusDone
}

func (e *Engagement) appendFollowUp(f FollowUp) {
	f.EngagementID = e.ID
	f.Seq = len(e.FollowUps)
	e.FollowUps = append(e.FollowUps, f)
}

// ChannelFor classifies a contact address.
func ChannelFor(address string) Channel {
	address = strings.TrimSpace(address)
	if strings.Contains(address, "@") {
		return ChannelEmail
	}

	digits := 0
	for _, r := range address {
		switch {
		case unicode.IsDigit(r):
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return ChannelProfile
		}
	}
	if digits >= 6 {
		return ChannelWhatsApp
	}
	return ChannelProfile
}
