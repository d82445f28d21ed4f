package models

import "time"

// Scheduled task states.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskDone      = "done"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// ScheduledTask is a delayed rule execution. Tasks survive restarts; pending
// rows are re-armed when the service starts.
type ScheduledTask struct {
	ID         string `gorm:"primaryKey"`
	Key        string `gorm:"column:task_key;index"` // itemID/rule, one pending task per key
	ItemID     string
	StatusText string
	Rule       string
	RunAt      time.Time `gorm:"index"`
	Status     string    `gorm:"index;default:pending"`
	Attempts   int
	LastError  string
	// DateWritten is set once an attempt stamped the rule's date, so a retry
	// still runs the actions gated on it.
	DateWritten bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Automation run outcomes.
const (
	RunIgnored = "ignored"
	RunSkipped = "skipped"
	RunSuccess = "success"
	RunFailed  = "failed"
	RunDelayed = "scheduled"
)

// AutomationRun is one audit row per processed event.
type AutomationRun struct {
	ID         uint   `gorm:"primaryKey"`
	Automation string `gorm:"index"`
	ItemID     string `gorm:"index"`
	StatusText string
	Rule       string
	TargetID   string
	Status     string `gorm:"index"`
	Message    string `gorm:"type:text"`
	CreatedAt  time.Time
}
