package relay

import (
	"errors"
	"fmt"

	"github.com/dep2p/go-magicnet/pkg/types"
)

var (
	// ErrFrameTooLarge 帧长度超过上限
	ErrFrameTooLarge = errors.New("relay: frame too large")
	// ErrPacketTooLarge 数据包超过上限
	ErrPacketTooLarge = errors.New("relay: packet too large")
	// ErrMalformedFrame 帧内容格式错误
	ErrMalformedFrame = errors.New("relay: malformed frame")
	// ErrBadMagic 服务器密钥帧魔数错误
	ErrBadMagic = errors.New("relay: bad server magic")
	// ErrUnexpectedFrame 握手阶段收到意外的帧
	ErrUnexpectedFrame = errors.New("relay: unexpected frame")
	// ErrUpgradeFailed HTTP 升级失败
	ErrUpgradeFailed = errors.New("relay: http upgrade failed")
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = fmt.Errorf("relay: session closed: %w", types.ErrRelayUnavailable)
	// ErrNoRelay 未配置任何中继
	ErrNoRelay = fmt.Errorf("relay: no relay configured: %w", types.ErrRelayUnavailable)
)

// ExhaustedError 中继重连预算耗尽
type ExhaustedError struct {
	URL      types.RelayURL
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("relay %s: retry budget exhausted after %d attempts: %v", e.URL, e.Attempts, e.Last)
}

// Unwrap 使 errors.Is(err, types.ErrRelayUnavailable) 成立
func (e *ExhaustedError) Unwrap() []error {
	return []error{types.ErrRelayUnavailable, e.Last}
}
