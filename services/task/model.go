package task

import (
	"time"

	"gorm.io/datatypes"
)

type Trigger string

const (
	TriggerAsynq Trigger = "asynq"
	TriggerLocal Trigger = "local"
	TriggerHTTP  Trigger = "http"
)

type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
)

// Run is an execution record for one advance pass.
type Run struct {
	ID          string         `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	Trigger     Trigger        `gorm:"column:triggered_by;type:varchar(20);not null" json:"trigger"`
	Status      RunStatus      `gorm:"column:status;type:varchar(20);default:'running'" json:"status"`
	Due         int            `gorm:"column:due" json:"due"`
	Sent        int            `gorm:"column:sent" json:"sent"`
	Failed      int            `gorm:"column:failed" json:"failed"`
	Skipped     int            `gorm:"column:skipped" json:"skipped"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text" json:"error,omitempty"`
	StartedAt   time.Time      `gorm:"column:started_at;index" json:"started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	Metadata    datatypes.JSON `gorm:"column:metadata" json:"metadata,omitempty"`
}

func (Run) TableName() string { return "advance_runs" }
