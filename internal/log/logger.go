package log

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init 按运行环境配置全局 zerolog：dev 用彩色控制台，test 静默，其余输出 JSON。
func Init(env string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	switch env {
	case "dev":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).With().Timestamp().Logger()
	case "test":
		zerolog.SetGlobalLevel(zerolog.Disabled)
	default:
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Str("service", "chat-relay").Logger()
	}
}
