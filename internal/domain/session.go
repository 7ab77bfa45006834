package domain

import "time"

// WhatsappSession holds one tenant's encoded WhatsApp auth state. The
// auth_state column is the codec text form; updated_at drives retention.
type WhatsappSession struct {
	ID        int64     `json:"id,string" gorm:"primaryKey"`
	Number    string    `gorm:"uniqueIndex" json:"number" form:"number"`
	AuthState string    `gorm:"type:text" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

// TableName Specify table name
func (WhatsappSession) TableName() string {
	return "whatsapp_sessions"
}
