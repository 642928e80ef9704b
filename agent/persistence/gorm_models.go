package persistence

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// taskRecord 任务表. 完整任务以 JSON 存在 Data 中, 其余列只用于查询, Version 用于乐观锁.
type taskRecord struct {
	ID           string     `gorm:"primaryKey;size:64"`
	AgentID      string     `gorm:"size:128;index:idx_relay_task_agent_status"`
	Status       string     `gorm:"size:16;index:idx_relay_task_agent_status"`
	RequesterID  string     `gorm:"size:128;index"`
	ParentTaskID string     `gorm:"size:64;index"`
	Source       string     `gorm:"size:32"`
	Priority     string     `gorm:"size:16"`
	Data         string     `gorm:"type:text"`
	Version      int64      `gorm:"not null;default:0"`
	CreatedAt    time.Time  `gorm:"index"`
	StartedAt    *time.Time `gorm:"index"`
}

func (taskRecord) TableName() string { return "relay_tasks" }

// agentRecord 智能体表. Version 用于乐观锁.
type agentRecord struct {
	ID        string `gorm:"primaryKey;size:128"`
	Data      string `gorm:"type:text"`
	Version   int64  `gorm:"not null;default:0"`
	UpdatedAt time.Time
}

func (agentRecord) TableName() string { return "relay_agents" }

// approvalRecord 审批请求表.
type approvalRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	RequesterID string    `gorm:"size:128;index"`
	Status      string    `gorm:"size:16;index"`
	Data        string    `gorm:"type:text"`
	CreatedAt   time.Time `gorm:"index"`
}

func (approvalRecord) TableName() string { return "relay_approval_requests" }

// AutoMigrate creates or updates the tables used by the GORM stores.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&taskRecord{}, &agentRecord{}, &approvalRecord{})
}
