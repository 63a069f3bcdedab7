package service

import (
	"errors"

	"github.com/suvashsumon/chat-app-backend/internal/auth"
	"github.com/suvashsumon/chat-app-backend/internal/models"

	"gorm.io/gorm"
)

// UserService 封装注册、登录、改密和公钥查询。
type UserService struct {
	db   *gorm.DB
	gate *auth.Gate
}

func NewUserService(db *gorm.DB, gate *auth.Gate) *UserService {
	return &UserService{db: db, gate: gate}
}

// UserDTO 是对外输出的用户数据，从不包含密码哈希。
type UserDTO struct {
	ID          uint    `json:"id"`
	Username    string  `json:"username"`
	DisplayName string  `json:"display_name"`
	PublicKey   string  `json:"public_key"`
	Avatar      *string `json:"avatar,omitempty"`
}

func ToUserDTO(u models.User) UserDTO {
	return UserDTO{ID: u.ID, Username: u.Username, DisplayName: u.DisplayName, PublicKey: u.PublicKey, Avatar: u.Avatar}
}

type RegisterInput struct {
	Username    string
	Password    string
	DisplayName string
	PublicKey   string
	Avatar      *string
}

// Register 注册新用户，用户名重复返回 ErrUsernameTaken。
func (s *UserService) Register(in RegisterInput) (*UserDTO, error) {
	var count int64
	if err := s.db.Model(&models.User{}).Where("username = ?", in.Username).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrUsernameTaken
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	user := models.User{
		Username:     in.Username,
		DisplayName:  in.DisplayName,
		PasswordHash: hash,
		PublicKey:    in.PublicKey,
		Avatar:       in.Avatar,
	}
	if err := s.db.Create(&user).Error; err != nil {
		// 并发注册同名用户时由唯一索引兜底
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	dto := ToUserDTO(user)
	return &dto, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken string  `json:"access_token"`
	TokenType   string  `json:"token_type"`
	User        UserDTO `json:"user"`
}

// Login 校验用户名密码并签发访问 token。
func (s *UserService) Login(username, password string) (*LoginResult, error) {
	user, token, err := s.gate.Authenticate(username, password)
	if err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: token, TokenType: auth.TokenType, User: ToUserDTO(*user)}, nil
}

// ChangePassword 校验当前密码后写入新哈希。
func (s *UserService) ChangePassword(userID uint, current, next string) (*UserDTO, error) {
	var user models.User
	if err := s.db.First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if !auth.VerifyPassword(user.PasswordHash, current) {
		return nil, ErrInvalidCredentials
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return nil, err
	}
	if err := s.db.Model(&user).Update("password_hash", hash).Error; err != nil {
		return nil, err
	}
	dto := ToUserDTO(user)
	return &dto, nil
}

// GetByUsername 用于查询对端公钥，邀请成员时客户端用它加密房间密钥。
func (s *UserService) GetByUsername(username string) (*UserDTO, error) {
	var user models.User
	if err := s.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	dto := ToUserDTO(user)
	return &dto, nil
}
