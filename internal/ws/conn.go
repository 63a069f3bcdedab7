package ws

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/suvashsumon/chat-app-backend/internal/auth"
	"github.com/suvashsumon/chat-app-backend/internal/config"
	"github.com/suvashsumon/chat-app-backend/internal/metrics"
	"github.com/suvashsumon/chat-app-backend/internal/models"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxFrameSize   = 1 << 20 // 1MB
	sendBufferSize = 256
)

// TokenValidator 校验握手时携带的 token。
type TokenValidator interface {
	ValidateToken(token string) (*models.User, error)
}

// MembershipChecker 确认用户是空间成员。
type MembershipChecker interface {
	IsMember(spaceID, userID uint) (bool, error)
}

type Client struct {
	id      string
	spaceID uint
	userID  uint
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn, spaceID, userID uint, perSecond int) *Client {
	if perSecond <= 0 {
		perSecond = 20
	}
	return &Client{
		id:      uuid.NewString(),
		spaceID: spaceID,
		userID:  userID,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond*2),
	}
}

func (c *Client) ID() string { return c.id }

// Send 非阻塞入队；缓冲区满说明对端过慢，由注册表将其踢出。
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrPeerClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowPeer
	}
}

// Close 关闭发送队列，writePump 随后发送关闭帧并断开底层连接。
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func newUpgrader(cfg config.Config) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = struct{}{}
	}
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || cfg.Env == "dev" {
				return true
			}
			_, ok := allowed[origin]
			return ok
		},
	}
}

// reject 以 1008 policy violation 关闭握手后的连接，不再做任何交互。
func reject(conn *websocket.Conn, reason string) {
	metrics.WsHandshakeRejected.WithLabelValues(reason).Inc()
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// Serve 处理 /ws/:space_id。token 无效或不是空间成员时以 policy violation 关闭；
// 准入后每个入站文本帧都原样广播给该空间的在线连接，不落库。
func Serve(reg *Registry, gate TokenValidator, members MembershipChecker, cfg config.Config) gin.HandlerFunc {
	upgrader := newUpgrader(cfg)
	return func(c *gin.Context) {
		sid, err := strconv.ParseUint(c.Param("space_id"), 10, 64)
		if err != nil || sid == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid space id"})
			return
		}
		spaceID := uint(sid)
		token := auth.BearerToken(c, true)

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Warn().Err(err).Uint("space_id", spaceID).Msg("ws upgrade")
			return
		}

		user, err := gate.ValidateToken(token)
		if err != nil {
			log.Info().Err(err).Uint("space_id", spaceID).Msg("ws handshake rejected")
			reject(conn, "invalid token")
			return
		}
		ok, err := members.IsMember(spaceID, user.ID)
		if err != nil {
			log.Error().Err(err).Uint("space_id", spaceID).Uint("user_id", user.ID).Msg("ws membership check")
			reject(conn, "membership check failed")
			return
		}
		if !ok {
			reject(conn, "not a member")
			return
		}

		client := newClient(conn, spaceID, user.ID, cfg.WSMessagesPerSecond)
		release, err := reg.Connect(client, spaceID)
		if err != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(reg, release)
	}
}

func (c *Client) readPump(reg *Registry, release func()) {
	defer func() {
		release()
		c.Close()
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("peer", c.id).Msg("ws read")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		if !c.limiter.Allow() {
			// 超速以 1008 断开连接。
			log.Info().Str("peer", c.id).Uint("user_id", c.userID).Uint("space_id", c.spaceID).Msg("ws frame rate exceeded")
			metrics.WsRateLimited.Inc()
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "rate limit exceeded")
			_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
		metrics.WsFramesRelayed.Inc()
		reg.Broadcast(c.spaceID, data)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// 每个 payload 独占一帧，避免多条消息交织。
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
