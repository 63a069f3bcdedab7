package service

import (
	"errors"
	"fmt"

	"github.com/suvashsumon/chat-app-backend/internal/auth"
)

// 业务层通用错误，handler 根据错误类型映射到合适的 HTTP 状态码。
// 具体错误都包装了四个大类之一，调用方用 errors.Is 判断类别即可。
var (
	ErrInvalidCredentials = auth.ErrInvalidCredentials
	ErrForbidden          = errors.New("forbidden")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")

	ErrUsernameTaken   = fmt.Errorf("%w: username taken", ErrConflict)
	ErrAlreadyMember   = fmt.Errorf("%w: user is already a member", ErrConflict)
	ErrDuplicateKey    = fmt.Errorf("%w: encrypted space key must differ per member", ErrConflict)
	ErrSpaceNotFound   = fmt.Errorf("%w: space", ErrNotFound)
	ErrUserNotFound    = fmt.Errorf("%w: user", ErrNotFound)
	ErrMessageNotFound = fmt.Errorf("%w: message", ErrNotFound)
	ErrNotCreator      = fmt.Errorf("%w: only the space creator can add members", ErrForbidden)
	ErrNotMember       = fmt.Errorf("%w: not a member of this space", ErrForbidden)
	ErrNotSender       = fmt.Errorf("%w: only the sender can delete a message", ErrForbidden)
)
