package quic

import "errors"

var (
	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = errors.New("quic: transport closed")

	// ErrListenerClosed 监听器已关闭
	ErrListenerClosed = errors.New("quic: listener closed")

	// ErrAlreadyListening 每个传输只能有一个监听器
	ErrAlreadyListening = errors.New("quic: already listening")

	// ErrNoCertificate 对端没有提供证书
	ErrNoCertificate = errors.New("quic: no peer certificate")

	// ErrUnsupportedKey 证书公钥不是 Ed25519
	ErrUnsupportedKey = errors.New("quic: unsupported certificate key")

	// ErrPeerIDMismatch 对端身份与拨号目标不符
	ErrPeerIDMismatch = errors.New("quic: peer id mismatch")
)
