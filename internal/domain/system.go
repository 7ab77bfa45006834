package domain

import (
	"time"
)

type SysConfig struct {
	ID        int64     `json:"id,string"   form:"id"`
	Sort      int       `json:"sort"  form:"sort"`
	Type      string    `gorm:"index" json:"type" form:"type"`
	Name      string    `gorm:"index" json:"name" form:"name"`
	Value     string    `json:"value" form:"value"`
	Remark    string    `json:"remark" form:"remark"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (SysConfig) TableName() string {
	return "sys_config"
}

// SysApiUser is an API consumer identified by its x-api-key value.
type SysApiUser struct {
	ID        int64     `json:"id,string" form:"id"`
	Username  string    `gorm:"index" json:"username" form:"username"`
	ApiKey    string    `gorm:"uniqueIndex" json:"api_key" form:"api_key"`
	Email     string    `json:"email" form:"email"`
	Status    string    `json:"status" form:"status"`
	Remark    string    `json:"remark" form:"remark"`
	LastUsed  time.Time `json:"last_used"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName Specify table name
func (SysApiUser) TableName() string {
	return "sys_api_user"
}

type SysApiLog struct {
	ID       int64     `json:"id,string"`
	Username string    `json:"username"`
	Endpoint string    `json:"endpoint"`
	Number   string    `gorm:"index" json:"number"`
	Action   string    `json:"action"`
	Status   string    `json:"status"`
	OptTime  time.Time `gorm:"index" json:"opt_time"`
}

// TableName Specify table name
func (SysApiLog) TableName() string {
	return "sys_api_log"
}
