package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/suvashsumon/chat-app-backend/internal/auth"
	"github.com/suvashsumon/chat-app-backend/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const (
	maxNameLen     = 128
	maxPasswordLen = 72 // bcrypt 只使用前 72 字节
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc  *service.UserService
	spaceSvc *service.SpaceService
	msgSvc   *service.MessageService
}

func NewHandler(userSvc *service.UserService, spaceSvc *service.SpaceService, msgSvc *service.MessageService) *Handler {
	return &Handler{userSvc: userSvc, spaceSvc: spaceSvc, msgSvc: msgSvc}
}

// writeError 把业务错误映射为 HTTP 状态码，未知错误记录日志后返回 500。
func writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "incorrect username or password"})
	case errors.Is(err, auth.ErrUnauthenticated):
		c.Header("WWW-Authenticate", "Bearer")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "could not validate credentials"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Uint("user_id", auth.GetUserID(c)).Str("path", c.FullPath()).Msg(op)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func parseID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		badRequest(c, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Username    string  `json:"username"`
		Password    string  `json:"password"`
		DisplayName string  `json:"display_name"`
		PublicKey   string  `json:"public_key"`
		Avatar      *string `json:"avatar"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Username == "" || req.Password == "" || req.PublicKey == "" {
		badRequest(c, "invalid payload")
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		badRequest(c, "invalid username")
		return
	}
	if len(req.Password) < 4 || len(req.Password) > maxPasswordLen {
		badRequest(c, "invalid password")
		return
	}
	if req.DisplayName == "" {
		req.DisplayName = req.Username
	}
	if len(req.DisplayName) > maxNameLen {
		badRequest(c, "invalid display name")
		return
	}
	user, err := h.userSvc.Register(service.RegisterInput{
		Username:    req.Username,
		Password:    req.Password,
		DisplayName: req.DisplayName,
		PublicKey:   req.PublicKey,
		Avatar:      req.Avatar,
	})
	if err != nil {
		writeError(c, err, "register")
		return
	}
	c.JSON(http.StatusOK, user)
}

// Login 同时接受 JSON 和表单提交。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username" form:"username"`
		Password string `json:"password" form:"password"`
	}
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		badRequest(c, "invalid payload")
		return
	}
	result, err := h.userSvc.Login(req.Username, req.Password)
	if err != nil {
		writeError(c, err, "login")
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, service.ToUserDTO(auth.CurrentUser(c)))
}

// ChangePassword 当前密码错误时返回 400，不影响现有 token。
func (h *Handler) ChangePassword(c *gin.Context) {
	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.CurrentPassword == "" {
		badRequest(c, "invalid payload")
		return
	}
	if len(req.NewPassword) < 4 || len(req.NewPassword) > maxPasswordLen {
		badRequest(c, "invalid password")
		return
	}
	user, err := h.userSvc.ChangePassword(auth.GetUserID(c), req.CurrentPassword, req.NewPassword)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			badRequest(c, "incorrect current password")
			return
		}
		writeError(c, err, "change password")
		return
	}
	c.JSON(http.StatusOK, user)
}

// PublicKey 返回目标用户的公开资料，邀请者据此加密房间密钥。
func (h *Handler) PublicKey(c *gin.Context) {
	user, err := h.userSvc.GetByUsername(c.Param("username"))
	if err != nil {
		writeError(c, err, "public key")
		return
	}
	c.JSON(http.StatusOK, user)
}

// CreateSpace 创建房间，创建者的加密房间密钥可放在 body 或 query 中。
func (h *Handler) CreateSpace(c *gin.Context) {
	var req struct {
		Name              string `json:"name"`
		EncryptedSpaceKey string `json:"encrypted_space_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.EncryptedSpaceKey == "" {
		req.EncryptedSpaceKey = c.Query("encrypted_space_key")
	}
	if req.Name == "" || req.EncryptedSpaceKey == "" {
		badRequest(c, "invalid payload")
		return
	}
	if len(req.Name) > maxNameLen {
		badRequest(c, "invalid space name")
		return
	}
	space, err := h.spaceSvc.Create(req.Name, auth.GetUserID(c), req.EncryptedSpaceKey)
	if err != nil {
		writeError(c, err, "create space")
		return
	}
	c.JSON(http.StatusOK, space)
}

func (h *Handler) MySpaces(c *gin.Context) {
	spaces, err := h.spaceSvc.ListForUser(auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "list spaces")
		return
	}
	c.JSON(http.StatusOK, gin.H{"spaces": spaces})
}

// AddMember 仅房间创建者可调用。
func (h *Handler) AddMember(c *gin.Context) {
	spaceID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Username          string `json:"username"`
		EncryptedSpaceKey string `json:"encrypted_space_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid payload")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.EncryptedSpaceKey == "" {
		badRequest(c, "invalid payload")
		return
	}
	user, err := h.spaceSvc.AddMember(spaceID, auth.GetUserID(c), req.Username, req.EncryptedSpaceKey)
	if err != nil {
		writeError(c, err, "add member")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": fmt.Sprintf("user %s added to space %d", user.Username, spaceID),
		"user":    user,
	})
}

func (h *Handler) ListMembers(c *gin.Context) {
	spaceID, ok := parseID(c, "id")
	if !ok {
		return
	}
	members, err := h.spaceSvc.ListMembers(spaceID, auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "list members")
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// PostMessage 保存密文并推送给在线成员。
func (h *Handler) PostMessage(c *gin.Context) {
	spaceID, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Content == "" {
		badRequest(c, "invalid payload")
		return
	}
	msg, err := h.msgSvc.Post(spaceID, auth.GetUserID(c), req.Content)
	if err != nil {
		writeError(c, err, "post message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// ListMessages 按时间升序返回房间全部消息，包括已删除的。
func (h *Handler) ListMessages(c *gin.Context) {
	spaceID, ok := parseID(c, "id")
	if !ok {
		return
	}
	msgs, err := h.msgSvc.List(spaceID, auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "list messages")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	msgID, ok := parseID(c, "id")
	if !ok {
		return
	}
	msg, err := h.msgSvc.Delete(msgID, auth.GetUserID(c))
	if err != nil {
		writeError(c, err, "delete message")
		return
	}
	c.JSON(http.StatusOK, msg)
}
