package withdrawal

import "time"

type Status string

const StatusRequested Status = "requested"

const defaultPayee = "Owner"

// Request is a manual payout ask. It is never mutated after creation here;
// fulfillment happens outside the system.
type Request struct {
	ID            string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Code          string    `gorm:"column:code;uniqueIndex;type:varchar(32)" json:"code"`
	PayoutAddress string    `gorm:"column:payout_address;not null" json:"payout_address"`
	PayeeName     string    `gorm:"column:payee_name" json:"payee_name"`
	Amount        int64     `gorm:"column:amount;not null" json:"amount"`
	Status        Status    `gorm:"column:status;type:varchar(16);not null" json:"status"`
	CreatedAt     time.Time `gorm:"column:created_at;index" json:"created_at"`
}

func (Request) TableName() string { return "withdrawal_requests" }
