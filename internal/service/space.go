package service

import (
	"errors"

	"github.com/suvashsumon/chat-app-backend/internal/models"

	"gorm.io/gorm"
)

// SpaceService 管理空间与成员密钥。每个成员持有单独加密的房间密钥，服务端只做存储。
type SpaceService struct {
	db *gorm.DB
}

func NewSpaceService(db *gorm.DB) *SpaceService {
	return &SpaceService{db: db}
}

// SpaceDTO 是对外输出的空间数据。
type SpaceDTO struct {
	ID        uint   `json:"id"`
	Name      string `json:"name"`
	CreatedBy uint   `json:"created_by"`
}

// MySpaceDTO 把空间和“我自己的”加密密钥放在一起返回。
type MySpaceDTO struct {
	SpaceDTO
	EncryptedSpaceKey  string `json:"encrypted_space_key"`
	CreatorDisplayName string `json:"creator_display_name"`
}

func toSpaceDTO(s models.Space) SpaceDTO {
	return SpaceDTO{ID: s.ID, Name: s.Name, CreatedBy: s.CreatedBy}
}

// Create 在同一事务中创建空间并写入创建者的成员密钥，二者要么都成功要么都失败。
func (s *SpaceService) Create(name string, founderID uint, encryptedSpaceKey string) (*SpaceDTO, error) {
	var space models.Space
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&models.User{}, founderID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		space = models.Space{Name: name, CreatedBy: founderID}
		if err := tx.Create(&space).Error; err != nil {
			return err
		}
		member := models.SpaceMember{SpaceID: space.ID, UserID: founderID, EncryptedSpaceKey: encryptedSpaceKey}
		return tx.Create(&member).Error
	})
	if err != nil {
		return nil, err
	}
	dto := toSpaceDTO(space)
	return &dto, nil
}

// Get 按 id 查询空间。
func (s *SpaceService) Get(spaceID uint) (*models.Space, error) {
	var space models.Space
	if err := s.db.First(&space, spaceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSpaceNotFound
		}
		return nil, err
	}
	return &space, nil
}

// AddMember 只允许创建者邀请。新增一行成员记录，不触碰其他成员的密钥。
func (s *SpaceService) AddMember(spaceID, callerID uint, username, encryptedSpaceKey string) (*UserDTO, error) {
	var added models.User
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var space models.Space
		if err := tx.First(&space, spaceID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrSpaceNotFound
			}
			return err
		}
		if space.CreatedBy != callerID {
			return ErrNotCreator
		}
		if err := tx.Where("username = ?", username).First(&added).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		// 先查成员关系，再查密钥是否与他人重复。
		var count int64
		if err := tx.Model(&models.SpaceMember{}).
			Where("space_id = ? AND user_id = ?", spaceID, added.ID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyMember
		}
		if err := tx.Model(&models.SpaceMember{}).
			Where("space_id = ? AND encrypted_space_key = ?", spaceID, encryptedSpaceKey).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateKey
		}
		member := models.SpaceMember{SpaceID: spaceID, UserID: added.ID, EncryptedSpaceKey: encryptedSpaceKey}
		if err := tx.Create(&member).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrAlreadyMember
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	dto := ToUserDTO(added)
	return &dto, nil
}

// IsMember 判断用户当前是否为空间成员。
func (s *SpaceService) IsMember(spaceID, userID uint) (bool, error) {
	var count int64
	err := s.db.Model(&models.SpaceMember{}).
		Where("space_id = ? AND user_id = ?", spaceID, userID).
		Count(&count).Error
	return count > 0, err
}

// requireMember 空间不存在返回 ErrSpaceNotFound，非成员返回 ErrNotMember。
func (s *SpaceService) requireMember(spaceID, userID uint) (*models.Space, error) {
	space, err := s.Get(spaceID)
	if err != nil {
		return nil, err
	}
	ok, err := s.IsMember(spaceID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotMember
	}
	return space, nil
}

// ListMembers 返回成员列表，仅成员可见，结果中不含任何人的加密密钥。
func (s *SpaceService) ListMembers(spaceID, callerID uint) ([]UserDTO, error) {
	if _, err := s.requireMember(spaceID, callerID); err != nil {
		return nil, err
	}
	var users []models.User
	err := s.db.Joins("JOIN space_members ON space_members.user_id = users.id").
		Where("space_members.space_id = ?", spaceID).
		Order("space_members.id asc").
		Find(&users).Error
	if err != nil {
		return nil, err
	}
	out := make([]UserDTO, 0, len(users))
	for _, u := range users {
		out = append(out, ToUserDTO(u))
	}
	return out, nil
}

// ListForUser 返回用户加入的全部空间，附带该用户自己的加密密钥和创建者昵称。
func (s *SpaceService) ListForUser(userID uint) ([]MySpaceDTO, error) {
	type row struct {
		ID                 uint
		Name               string
		CreatedBy          uint
		EncryptedSpaceKey  string
		CreatorDisplayName string
	}
	var rows []row
	err := s.db.Table("spaces").
		Select("spaces.id, spaces.name, spaces.created_by, space_members.encrypted_space_key, users.display_name AS creator_display_name").
		Joins("JOIN space_members ON space_members.space_id = spaces.id").
		Joins("JOIN users ON users.id = spaces.created_by").
		Where("space_members.user_id = ?", userID).
		Order("spaces.id asc").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]MySpaceDTO, 0, len(rows))
	for _, r := range rows {
		out = append(out, MySpaceDTO{
			SpaceDTO:           SpaceDTO{ID: r.ID, Name: r.Name, CreatedBy: r.CreatedBy},
			EncryptedSpaceKey:  r.EncryptedSpaceKey,
			CreatorDisplayName: r.CreatorDisplayName,
		})
	}
	return out, nil
}
