package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/suvashsumon/chat-app-backend/internal/config"
	"github.com/suvashsumon/chat-app-backend/internal/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// TokenType 是登录接口返回的 token 类型。
const TokenType = "bearer"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthenticated    = errors.New("unauthenticated")
)

type Claims struct {
	UserID uint `json:"uid"`
	jwt.RegisteredClaims
}

func HashPassword(pw string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

func VerifyPassword(hash, pw string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

var (
	dummyOnce sync.Once
	dummyHash []byte
)

// burnVerify 对固定哈希做一次 bcrypt 比较，让“用户不存在”和“密码错误”耗时一致。
func burnVerify(pw string) {
	dummyOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("relay-timing-equalizer"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(pw))
}

func GenerateAccessToken(userID uint, username, secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// ParseAccessToken 只接受 HS256 且必须带 exp，任何解析失败都返回错误。
func ParseAccessToken(tokenStr, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// Gate 负责凭证校验、签发和验证 token，HTTP 接口与 WebSocket 握手共用同一套逻辑。
type Gate struct {
	db     *gorm.DB
	secret string
	ttl    time.Duration
}

func NewGate(db *gorm.DB, cfg config.Config) *Gate {
	return &Gate{db: db, secret: cfg.JWTSecret, ttl: time.Duration(cfg.AccessTokenTTLMinutes) * time.Minute}
}

// Authenticate 校验用户名和密码，成功返回用户及新 token。
func (g *Gate) Authenticate(username, password string) (*models.User, string, error) {
	var user models.User
	if err := g.db.Where("username = ?", username).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			burnVerify(password)
			return nil, "", ErrInvalidCredentials
		}
		return nil, "", err
	}
	if !VerifyPassword(user.PasswordHash, password) {
		return nil, "", ErrInvalidCredentials
	}
	token, err := g.IssueToken(user)
	if err != nil {
		return nil, "", err
	}
	return &user, token, nil
}

func (g *Gate) IssueToken(user models.User) (string, error) {
	return GenerateAccessToken(user.ID, user.Username, g.secret, g.ttl)
}

// ValidateToken 校验签名与过期时间，并确认 token 对应的用户仍然存在。
func (g *Gate) ValidateToken(tokenStr string) (*models.User, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: missing token", ErrUnauthenticated)
	}
	claims, err := ParseAccessToken(tokenStr, g.secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	var user models.User
	if err := g.db.First(&user, claims.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: unknown subject", ErrUnauthenticated)
		}
		return nil, err
	}
	if user.Username != claims.Subject {
		return nil, fmt.Errorf("%w: subject mismatch", ErrUnauthenticated)
	}
	return &user, nil
}

// BearerToken 从 Authorization 头提取 token；allowQuery 时也接受 ?token=，供浏览器 WebSocket 使用。
func BearerToken(c *gin.Context, allowQuery bool) string {
	if allowQuery {
		if t := c.Query("token"); t != "" {
			return t
		}
	}
	authz := c.GetHeader("Authorization")
	if len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	return ""
}

func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := g.ValidateToken(BearerToken(c, false))
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			if errors.Is(err, ErrUnauthenticated) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "could not validate credentials"})
				return
			}
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}
		c.Set("userID", user.ID)
		c.Set("user", *user)
		c.Next()
	}
}

func GetUserID(c *gin.Context) uint {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(uint); ok2 {
			return id
		}
	}
	return 0
}

// CurrentUser 返回中间件注入的当前用户。
func CurrentUser(c *gin.Context) models.User {
	if v, ok := c.Get("user"); ok {
		if u, ok2 := v.(models.User); ok2 {
			return u
		}
	}
	return models.User{}
}
