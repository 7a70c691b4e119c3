package relay

import (
	"bufio"
	"encoding/json"
	"fmt"

	"github.com/dep2p/go-magicnet/internal/core/identity"
	"github.com/dep2p/go-magicnet/pkg/types"
)

// ============================================================================
//                              握手
// ============================================================================
//
//	S → C  ServerKey  magic | 服务器公钥
//	C → S  ClientInfo 客户端公钥 | nonce | box(ClientInfo JSON)
//	S → C  ServerInfo nonce | box(ServerInfo JSON)
//
// box 使用双方身份密钥派生的 X25519 共享密钥，打不开即认证失败。

// ClientInfo 客户端信息
type ClientInfo struct {
	Version     int  `json:"version,omitempty"`
	CanAckPings bool `json:"CanAckPings,omitempty"`
	IsProber    bool `json:"IsProber,omitempty"`
}

// ServerInfo 服务器信息
type ServerInfo struct {
	Version                   int `json:"version,omitempty"`
	TokenBucketBytesPerSecond int `json:"TokenBucketBytesPerSecond,omitempty"`
	TokenBucketBytesBurst     int `json:"TokenBucketBytesBurst,omitempty"`
}

// WriteServerKey 写入服务器密钥帧
func WriteServerKey(bw *bufio.Writer, server types.PeerID) error {
	if err := writeFrame(bw, FrameServerKey, []byte(Magic), server[:]); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadServerKey 读取服务器密钥帧
func ReadServerKey(br *bufio.Reader) (types.PeerID, error) {
	t, payload, err := readFrame(br, 1<<10, nil)
	if err != nil {
		return types.EmptyPeerID, err
	}
	if t != FrameServerKey {
		return types.EmptyPeerID, fmt.Errorf("%w: %s, want server-key", ErrUnexpectedFrame, t)
	}
	if len(payload) < len(Magic)+keyLen || string(payload[:len(Magic)]) != Magic {
		return types.EmptyPeerID, ErrBadMagic
	}
	return types.PeerIDFromBytes(payload[len(Magic) : len(Magic)+keyLen])
}

// WriteClientInfo 写入客户端信息帧
func WriteClientInfo(bw *bufio.Writer, kp *identity.KeyPair, server types.PeerID, info ClientInfo) error {
	msg, err := json.Marshal(info)
	if err != nil {
		return err
	}
	sealed, err := kp.Seal(server, msg)
	if err != nil {
		return err
	}
	self := kp.PeerID()
	if err := writeFrame(bw, FrameClientInfo, self[:], sealed); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadClientInfo 读取并认证客户端信息帧（服务器侧）
func ReadClientInfo(br *bufio.Reader, serverKP *identity.KeyPair) (types.PeerID, ClientInfo, error) {
	var info ClientInfo
	t, payload, err := readFrame(br, 1<<10, nil)
	if err != nil {
		return types.EmptyPeerID, info, err
	}
	if t != FrameClientInfo {
		return types.EmptyPeerID, info, fmt.Errorf("%w: %s, want client-info", ErrUnexpectedFrame, t)
	}
	if len(payload) < keyLen {
		return types.EmptyPeerID, info, ErrMalformedFrame
	}
	client, _ := types.PeerIDFromBytes(payload[:keyLen])
	plain, err := serverKP.Open(client, payload[keyLen:])
	if err != nil {
		return client, info, err
	}
	if err := json.Unmarshal(plain, &info); err != nil {
		return client, info, fmt.Errorf("%w: client info: %v", ErrMalformedFrame, err)
	}
	return client, info, nil
}

// WriteServerInfo 写入服务器信息帧（服务器侧）
func WriteServerInfo(bw *bufio.Writer, serverKP *identity.KeyPair, client types.PeerID, info ServerInfo) error {
	msg, err := json.Marshal(info)
	if err != nil {
		return err
	}
	sealed, err := serverKP.Seal(client, msg)
	if err != nil {
		return err
	}
	if err := writeFrame(bw, FrameServerInfo, sealed); err != nil {
		return err
	}
	return bw.Flush()
}

// readServerInfo 读取服务器信息帧
func readServerInfo(br *bufio.Reader, kp *identity.KeyPair, server types.PeerID) (ServerInfo, error) {
	var info ServerInfo
	t, payload, err := readFrame(br, 1<<10, nil)
	if err != nil {
		return info, err
	}
	if t != FrameServerInfo {
		return info, fmt.Errorf("%w: %s, want server-info", ErrUnexpectedFrame, t)
	}
	plain, err := kp.Open(server, payload)
	if err != nil {
		return info, err
	}
	if err := json.Unmarshal(plain, &info); err != nil {
		return info, fmt.Errorf("%w: server info: %v", ErrMalformedFrame, err)
	}
	return info, nil
}

// clientHandshake 执行客户端侧握手，返回服务器公钥
func clientHandshake(br *bufio.Reader, bw *bufio.Writer, kp *identity.KeyPair) (types.PeerID, ServerInfo, error) {
	server, err := ReadServerKey(br)
	if err != nil {
		return types.EmptyPeerID, ServerInfo{}, err
	}
	info := ClientInfo{Version: ProtocolVersion, CanAckPings: true}
	if err := WriteClientInfo(bw, kp, server, info); err != nil {
		return server, ServerInfo{}, err
	}
	si, err := readServerInfo(br, kp, server)
	return server, si, err
}
