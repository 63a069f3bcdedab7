package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/suvashsumon/chat-app-backend/internal/config"
	"github.com/suvashsumon/chat-app-backend/internal/db"
	"github.com/suvashsumon/chat-app-backend/internal/service"
	"github.com/suvashsumon/chat-app-backend/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv *httptest.Server
	reg *ws.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	cfg := config.Config{
		Port:                  "0",
		DatabaseDriver:        db.DriverSQLite,
		JWTSecret:             "router-secret",
		Env:                   "dev",
		AccessTokenTTLMinutes: 15,
		WSMessagesPerSecond:   50,
	}
	reg := ws.NewRegistry()
	engine, stop := SetupRouter(cfg, gdb, reg)
	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		reg.Close()
		srv.Close()
		stop()
	})
	return &testServer{srv: srv, reg: reg}
}

// do 发送 JSON 请求并把响应解码到 out（可为 nil）。
func (s *testServer) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) register(t *testing.T, username, displayName string) {
	t.Helper()
	code := s.do(t, http.MethodPost, "/api/v1/users/register", "", map[string]string{
		"username":     username,
		"password":     username + "-pw",
		"display_name": displayName,
		"public_key":   "pub-" + username,
	}, nil)
	require.Equal(t, http.StatusOK, code)
}

func (s *testServer) login(t *testing.T, username string) string {
	t.Helper()
	var res service.LoginResult
	code := s.do(t, http.MethodPost, "/api/v1/users/token", "", map[string]string{
		"username": username,
		"password": username + "-pw",
	}, &res)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "bearer", res.TokenType)
	require.NotEmpty(t, res.AccessToken)
	return res.AccessToken
}

func readEvent(t *testing.T, conn *websocket.Conn) service.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var evt service.Event
	require.NoError(t, json.Unmarshal(data, &evt))
	return evt
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)

	resp, err := http.Get(s.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthEndpoints(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "Alice")

	code := s.do(t, http.MethodPost, "/api/v1/users/register", "", map[string]string{
		"username": "alice", "password": "other-pw", "public_key": "pub",
	}, nil)
	require.Equal(t, http.StatusConflict, code)

	code = s.do(t, http.MethodPost, "/api/v1/users/register", "", map[string]string{
		"username": "x", "password": "pw-long-enough", "public_key": "pub",
	}, nil)
	require.Equal(t, http.StatusBadRequest, code)

	code = s.do(t, http.MethodPost, "/api/v1/users/token", "", map[string]string{
		"username": "alice", "password": "wrong",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	// OAuth2 风格的表单登录
	form := url.Values{"username": {"alice"}, "password": {"alice-pw"}}
	resp, err := http.Post(s.srv.URL+"/api/v1/users/token", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	token := s.login(t, "alice")
	var me service.UserDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/users/me", token, nil, &me))
	require.Equal(t, "alice", me.Username)
	require.Equal(t, "Alice", me.DisplayName)

	require.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/users/me", "", nil, nil))
	require.Equal(t, http.StatusUnauthorized, s.do(t, http.MethodGet, "/api/v1/users/me", "garbage", nil, nil))

	var pub service.UserDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/users/alice/public_key", "", nil, &pub))
	require.Equal(t, "pub-alice", pub.PublicKey)
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/api/v1/users/nobody/public_key", "", nil, nil))

	code = s.do(t, http.MethodPut, "/api/v1/users/me/password", token, map[string]string{
		"current_password": "wrong", "new_password": "fresh-pw",
	}, nil)
	require.Equal(t, http.StatusBadRequest, code)
	code = s.do(t, http.MethodPut, "/api/v1/users/me/password", token, map[string]string{
		"current_password": "alice-pw", "new_password": "fresh-pw",
	}, nil)
	require.Equal(t, http.StatusOK, code)
	code = s.do(t, http.MethodPost, "/api/v1/users/token", "", map[string]string{
		"username": "alice", "password": "fresh-pw",
	}, nil)
	require.Equal(t, http.StatusOK, code)
}

func TestRelayScenario(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "Alice")
	s.register(t, "bob", "Bob")
	s.register(t, "eve", "Eve")
	aliceTok := s.login(t, "alice")
	bobTok := s.login(t, "bob")
	eveTok := s.login(t, "eve")

	var space service.SpaceDTO
	code := s.do(t, http.MethodPost, "/api/v1/spaces", aliceTok, map[string]string{
		"name": "team", "encrypted_space_key": "K_a",
	}, &space)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "team", space.Name)
	base := fmt.Sprintf("/api/v1/spaces/%d", space.ID)

	addBob := map[string]string{"username": "bob", "encrypted_space_key": "K_b"}
	require.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, base+"/members", eveTok, addBob, nil))
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, base+"/members", aliceTok, addBob, nil))
	require.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, base+"/members", aliceTok, addBob, nil))
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodPost, "/api/v1/spaces/999/members", aliceTok, addBob, nil))

	var mine struct {
		Spaces []service.MySpaceDTO `json:"spaces"`
	}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/api/v1/spaces/me", bobTok, nil, &mine))
	require.Len(t, mine.Spaces, 1)
	require.Equal(t, "K_b", mine.Spaces[0].EncryptedSpaceKey)
	require.Equal(t, "Alice", mine.Spaces[0].CreatorDisplayName)

	var members struct {
		Members []service.UserDTO `json:"members"`
	}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, base+"/members", bobTok, nil, &members))
	require.Len(t, members.Members, 2)
	require.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, base+"/members", eveTok, nil, nil))

	wsURL := fmt.Sprintf("ws%s/ws/%d?token=%s", strings.TrimPrefix(s.srv.URL, "http"), space.ID, bobTok)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return s.reg.Online(space.ID) == 1 }, 2*time.Second, 10*time.Millisecond)

	var posted service.MessageDTO
	code = s.do(t, http.MethodPost, base+"/messages", aliceTok, map[string]string{"content": "c1"}, &posted)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "Alice", posted.SenderDisplayName)

	evt := readEvent(t, conn)
	require.Equal(t, service.EventMessageCreated, evt.Type)
	require.Equal(t, posted.ID, evt.Message.ID)
	require.Equal(t, "c1", evt.Message.Content)
	require.Equal(t, "Alice", evt.Message.SenderDisplayName)

	require.Equal(t, http.StatusForbidden, s.do(t, http.MethodPost, base+"/messages", eveTok, map[string]string{"content": "x"}, nil))
	require.Equal(t, http.StatusForbidden, s.do(t, http.MethodGet, base+"/messages", eveTok, nil, nil))

	msgPath := fmt.Sprintf("/api/v1/messages/%d", posted.ID)
	require.Equal(t, http.StatusForbidden, s.do(t, http.MethodDelete, msgPath, bobTok, nil, nil))
	var deleted service.MessageDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, msgPath, aliceTok, nil, &deleted))
	require.True(t, deleted.IsDeleted)
	require.Equal(t, http.StatusNotFound, s.do(t, http.MethodDelete, "/api/v1/messages/4242", aliceTok, nil, nil))

	evt = readEvent(t, conn)
	require.Equal(t, service.EventMessageDeleted, evt.Type)
	require.Equal(t, posted.ID, evt.Message.ID)

	var history struct {
		Messages []service.MessageDTO `json:"messages"`
	}
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, base+"/messages", bobTok, nil, &history))
	require.Len(t, history.Messages, 1)
	require.True(t, history.Messages[0].IsDeleted)

	require.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/v1/spaces/abc/messages", bobTok, nil, nil))
}

func TestWebSocketRejectsNonMember(t *testing.T) {
	s := newTestServer(t)
	s.register(t, "alice", "Alice")
	s.register(t, "eve", "Eve")
	aliceTok := s.login(t, "alice")
	eveTok := s.login(t, "eve")

	var space service.SpaceDTO
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/api/v1/spaces", aliceTok, map[string]string{
		"name": "team", "encrypted_space_key": "K_a",
	}, &space))

	wsURL := fmt.Sprintf("ws%s/ws/%d?token=%s", strings.TrimPrefix(s.srv.URL, "http"), space.ID, eveTok)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	require.Zero(t, s.reg.Online(space.ID))
}
