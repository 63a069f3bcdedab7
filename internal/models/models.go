package models

import "time"

type User struct {
	ID           uint    `gorm:"primaryKey"`
	Username     string  `gorm:"uniqueIndex;size:64;not null"`
	DisplayName  string  `gorm:"size:128;not null"`
	PasswordHash string  `gorm:"not null"`
	PublicKey    string  `gorm:"type:text;not null"`
	Avatar       *string `gorm:"size:512"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Space struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"index;size:128;not null"`
	CreatedBy uint   `gorm:"index;not null"`
	CreatedAt time.Time
}

// SpaceMember 保存为某个成员单独加密的房间密钥，服务端只存储不解密。
type SpaceMember struct {
	ID                uint   `gorm:"primaryKey"`
	SpaceID           uint   `gorm:"uniqueIndex:idx_space_member;not null"`
	UserID            uint   `gorm:"uniqueIndex:idx_space_member;index;not null"`
	EncryptedSpaceKey string `gorm:"type:text;not null"`
	CreatedAt         time.Time
}

type Message struct {
	ID        uint      `gorm:"primaryKey"`
	SpaceID   uint      `gorm:"index:idx_msg_space_ts,priority:1;not null"`
	SenderID  uint      `gorm:"index;not null"`
	Content   string    `gorm:"type:text;not null"`
	Timestamp time.Time `gorm:"index:idx_msg_space_ts,priority:2;not null"`
	IsDeleted bool      `gorm:"not null;default:false"`
}
