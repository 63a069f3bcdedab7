package service

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/suvashsumon/chat-app-backend/internal/auth"
	"github.com/suvashsumon/chat-app-backend/internal/config"
	"github.com/suvashsumon/chat-app-backend/internal/db"
	"gorm.io/gorm"
)

type recordedBroadcast struct {
	spaceID uint
	payload []byte
}

type recorder struct {
	mu   sync.Mutex
	sent []recordedBroadcast
}

func (r *recorder) Broadcast(spaceID uint, payload []byte) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recordedBroadcast{spaceID: spaceID, payload: payload})
	return 1
}

func (r *recorder) all() []recordedBroadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedBroadcast(nil), r.sent...)
}

type fixture struct {
	db       *gorm.DB
	users    *UserService
	spaces   *SpaceService
	messages *MessageService
	hub      *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.OpenSQLite("file:" + uuid.NewString() + "?mode=memory&cache=shared")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	cfg := config.Config{JWTSecret: "svc-secret", AccessTokenTTLMinutes: 15}
	gate := auth.NewGate(gdb, cfg)
	hub := &recorder{}
	spaces := NewSpaceService(gdb)
	return &fixture{
		db:       gdb,
		users:    NewUserService(gdb, gate),
		spaces:   spaces,
		messages: NewMessageService(gdb, spaces, hub),
		hub:      hub,
	}
}

func (f *fixture) register(t *testing.T, username, displayName string) *UserDTO {
	t.Helper()
	u, err := f.users.Register(RegisterInput{
		Username:    username,
		Password:    username + "-pw",
		DisplayName: displayName,
		PublicKey:   "pub-" + username,
	})
	require.NoError(t, err)
	return u
}
