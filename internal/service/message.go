package service

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/suvashsumon/chat-app-backend/internal/metrics"
	"github.com/suvashsumon/chat-app-backend/internal/models"

	"gorm.io/gorm"
)

// Broadcaster 把事件推送给空间内的在线连接，返回送达数量。
type Broadcaster interface {
	Broadcast(spaceID uint, payload []byte) int
}

// EventKind 区分广播事件类型。
type EventKind string

const (
	EventMessageCreated EventKind = "message.created"
	EventMessageDeleted EventKind = "message.deleted"
)

// Event 是推送给 WebSocket 客户端的事件：类型 + 消息行。
type Event struct {
	Type    EventKind  `json:"type"`
	Message MessageDTO `json:"message"`
}

// MessageService 负责密文消息的落库、查询、软删除以及实时广播。
type MessageService struct {
	db     *gorm.DB
	spaces *SpaceService
	hub    Broadcaster
}

func NewMessageService(db *gorm.DB, spaces *SpaceService, hub Broadcaster) *MessageService {
	return &MessageService{db: db, spaces: spaces, hub: hub}
}

// MessageDTO 是对外输出的消息数据。
type MessageDTO struct {
	ID                uint      `json:"id"`
	SpaceID           uint      `json:"space_id"`
	SenderID          uint      `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"timestamp"`
	IsDeleted         bool      `json:"is_deleted"`
}

func toMessageDTO(m models.Message, senderName string) MessageDTO {
	return MessageDTO{
		ID:                m.ID,
		SpaceID:           m.SpaceID,
		SenderID:          m.SenderID,
		SenderDisplayName: senderName,
		Content:           m.Content,
		Timestamp:         m.Timestamp,
		IsDeleted:         m.IsDeleted,
	}
}

// Post 校验发送者是成员后落库，再广播 message.created。广播结果不影响返回值。
func (s *MessageService) Post(spaceID, senderID uint, content string) (*MessageDTO, error) {
	if _, err := s.spaces.requireMember(spaceID, senderID); err != nil {
		return nil, err
	}
	msg := models.Message{
		SpaceID:   spaceID,
		SenderID:  senderID,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := s.db.Create(&msg).Error; err != nil {
		return nil, err
	}
	metrics.MessagesStored.WithLabelValues("created").Inc()

	names, err := s.resolveDisplayNames([]models.Message{msg})
	if err != nil {
		return nil, err
	}
	dto := toMessageDTO(msg, names[msg.SenderID])
	s.publish(EventMessageCreated, dto)
	return &dto, nil
}

// List 按时间升序返回空间内全部消息，包含已软删除的行，仅成员可读。
func (s *MessageService) List(spaceID, callerID uint) ([]MessageDTO, error) {
	if _, err := s.spaces.requireMember(spaceID, callerID); err != nil {
		return nil, err
	}
	var msgs []models.Message
	if err := s.db.Where("space_id = ?", spaceID).Order("messages.timestamp asc, messages.id asc").Find(&msgs).Error; err != nil {
		return nil, err
	}
	names, err := s.resolveDisplayNames(msgs)
	if err != nil {
		return nil, err
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageDTO(m, names[m.SenderID]))
	}
	return out, nil
}

// Delete 只有发送者本人可以删除；行保留，仅置 is_deleted，并广播 message.deleted。
func (s *MessageService) Delete(messageID, requesterID uint) (*MessageDTO, error) {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMessageNotFound
		}
		return nil, err
	}
	if msg.SenderID != requesterID {
		return nil, ErrNotSender
	}
	if err := s.db.Model(&msg).Update("is_deleted", true).Error; err != nil {
		return nil, err
	}
	msg.IsDeleted = true
	metrics.MessagesStored.WithLabelValues("deleted").Inc()

	names, err := s.resolveDisplayNames([]models.Message{msg})
	if err != nil {
		return nil, err
	}
	dto := toMessageDTO(msg, names[msg.SenderID])
	s.publish(EventMessageDeleted, dto)
	return &dto, nil
}

// publish 序列化事件并广播，失败只记录日志。
func (s *MessageService) publish(kind EventKind, dto MessageDTO) {
	if s.hub == nil {
		return
	}
	b, err := json.Marshal(Event{Type: kind, Message: dto})
	if err != nil {
		log.Error().Err(err).Uint("message_id", dto.ID).Msg("marshal event")
		return
	}
	n := s.hub.Broadcast(dto.SpaceID, b)
	log.Debug().Str("event", string(kind)).Uint("space_id", dto.SpaceID).Int("delivered", n).Msg("broadcast")
}

// resolveDisplayNames 批量获取消息涉及的发送者昵称。
func (s *MessageService) resolveDisplayNames(msgs []models.Message) (map[uint]string, error) {
	seen := make(map[uint]struct{}, len(msgs))
	userIDs := make([]uint, 0, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.SenderID]; ok {
			continue
		}
		seen[m.SenderID] = struct{}{}
		userIDs = append(userIDs, m.SenderID)
	}

	names := make(map[uint]string, len(userIDs))
	if len(userIDs) > 0 {
		var users []models.User
		if err := s.db.Select("id", "display_name").Where("id IN ?", userIDs).Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			names[u.ID] = u.DisplayName
		}
	}
	return names, nil
}
