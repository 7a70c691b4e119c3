package relay

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/dep2p/go-magicnet/pkg/types"
)

// ============================================================================
//                              帧格式
// ============================================================================
//
//	type(1) | length(4, BE) | payload(length)
//
// 与已部署的 DERP 中继保持二进制兼容（协议版本 2）。

// Magic 服务器密钥帧中的魔数
const Magic = "DERP🔑"

// ProtocolVersion 客户端声明的协议版本
const ProtocolVersion = 2

const (
	// MaxPacketSize 单个转发数据包上限
	MaxPacketSize = 64 << 10
	// MaxFrameSize 单帧上限
	MaxFrameSize = 1 << 20

	frameHeaderLen = 1 + 4
	keyLen         = 32
	pingDataLen    = 8
)

// FrameType 帧类型
type FrameType byte

const (
	FrameServerKey     FrameType = 0x01 // magic(8) | 服务器公钥(32)
	FrameClientInfo    FrameType = 0x02 // 客户端公钥(32) | nonce(24) | box(json)
	FrameServerInfo    FrameType = 0x03 // nonce(24) | box(json)
	FrameSendPacket    FrameType = 0x04 // 目的公钥(32) | 数据
	FrameRecvPacket    FrameType = 0x05 // 源公钥(32) | 数据
	FrameKeepAlive     FrameType = 0x06 // 无负载
	FrameNotePreferred FrameType = 0x07 // 1 字节，是否为首选中继
	FramePeerGone      FrameType = 0x08 // 公钥(32) | [原因(1)]
	FramePeerPresent   FrameType = 0x09 // 公钥(32) | ...
	FrameWatchConns    FrameType = 0x10 // 无负载
	FrameClosePeer     FrameType = 0x11 // 公钥(32)
	FramePing          FrameType = 0x12 // 8 字节
	FramePong          FrameType = 0x13 // 8 字节
	FrameHealth        FrameType = 0x14 // UTF-8 文本，空表示恢复健康
	FrameRestarting    FrameType = 0x15 // 重连等待(ms, 4) | 重试时长(ms, 4)
)

// String 返回帧类型名称
func (t FrameType) String() string {
	switch t {
	case FrameServerKey:
		return "server-key"
	case FrameClientInfo:
		return "client-info"
	case FrameServerInfo:
		return "server-info"
	case FrameSendPacket:
		return "send-packet"
	case FrameRecvPacket:
		return "recv-packet"
	case FrameKeepAlive:
		return "keep-alive"
	case FrameNotePreferred:
		return "note-preferred"
	case FramePeerGone:
		return "peer-gone"
	case FramePeerPresent:
		return "peer-present"
	case FrameWatchConns:
		return "watch-conns"
	case FrameClosePeer:
		return "close-peer"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameHealth:
		return "health"
	case FrameRestarting:
		return "restarting"
	default:
		return fmt.Sprintf("frame(0x%02x)", byte(t))
	}
}

// PeerGoneReason PeerGone 帧的原因
type PeerGoneReason byte

const (
	// PeerGoneDisconnected 对端与中继断开
	PeerGoneDisconnected PeerGoneReason = 0x00
	// PeerGoneNotHere 对端不在该中继上
	PeerGoneNotHere PeerGoneReason = 0x01
)

// writeFrame 写入一帧（不 flush），负载由多个分片拼接
func writeFrame(bw *bufio.Writer, t FrameType, parts ...[]byte) error {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	if n > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [frameHeaderLen]byte
	hdr[0] = byte(t)
	binary.BigEndian.PutUint32(hdr[1:], uint32(n))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := bw.Write(p); err != nil {
			return err
		}
	}
	return nil
}

// readFrame 读取一帧，负载写入 buf（容量不足时重新分配）
func readFrame(br *bufio.Reader, maxSize uint32, buf []byte) (FrameType, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return 0, nil, err
	}
	t := FrameType(hdr[0])
	n := binary.BigEndian.Uint32(hdr[1:])
	if n > maxSize {
		return t, nil, fmt.Errorf("%w: %s of %d bytes", ErrFrameTooLarge, t, n)
	}
	if uint32(cap(buf)) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	if _, err := io.ReadFull(br, buf); err != nil {
		return t, nil, err
	}
	return t, buf, nil
}

// ReadFrame 读取一帧（供服务器侧与测试使用）
func ReadFrame(br *bufio.Reader, buf []byte) (FrameType, []byte, error) {
	return readFrame(br, MaxFrameSize, buf)
}

// ============================================================================
//                              帧负载编解码
// ============================================================================

// WriteSendPacket 写入发往 dst 的数据包帧
func WriteSendPacket(bw *bufio.Writer, dst types.PeerID, pkt []byte) error {
	if len(pkt) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	return writeFrame(bw, FrameSendPacket, dst[:], pkt)
}

// WriteRecvPacket 写入来自 src 的数据包帧（服务器侧）
func WriteRecvPacket(bw *bufio.Writer, src types.PeerID, pkt []byte) error {
	if len(pkt) > MaxPacketSize {
		return ErrPacketTooLarge
	}
	return writeFrame(bw, FrameRecvPacket, src[:], pkt)
}

// ParsePacket 解析 SendPacket/RecvPacket 负载为（对端, 数据）
func ParsePacket(payload []byte) (types.PeerID, []byte, error) {
	if len(payload) < keyLen {
		return types.EmptyPeerID, nil, ErrMalformedFrame
	}
	var id types.PeerID
	copy(id[:], payload[:keyLen])
	return id, payload[keyLen:], nil
}

// ParsePeerGone 解析 PeerGone 负载
func ParsePeerGone(payload []byte) (types.PeerID, PeerGoneReason, error) {
	if len(payload) < keyLen {
		return types.EmptyPeerID, 0, ErrMalformedFrame
	}
	var id types.PeerID
	copy(id[:], payload[:keyLen])
	reason := PeerGoneDisconnected
	if len(payload) > keyLen {
		reason = PeerGoneReason(payload[keyLen])
	}
	return id, reason, nil
}

// WritePeerGone 写入 PeerGone 帧（服务器侧）
func WritePeerGone(bw *bufio.Writer, peer types.PeerID, reason PeerGoneReason) error {
	return writeFrame(bw, FramePeerGone, peer[:], []byte{byte(reason)})
}

// WriteKeepAlive 写入保活帧
func WriteKeepAlive(bw *bufio.Writer) error {
	return writeFrame(bw, FrameKeepAlive)
}

// WritePing 写入 ping 帧
func WritePing(bw *bufio.Writer, data [pingDataLen]byte) error {
	return writeFrame(bw, FramePing, data[:])
}

// WritePong 写入 pong 帧
func WritePong(bw *bufio.Writer, data [pingDataLen]byte) error {
	return writeFrame(bw, FramePong, data[:])
}

// WriteNotePreferred 告知中继这是否为我们的首选中继
func WriteNotePreferred(bw *bufio.Writer, preferred bool) error {
	var b byte
	if preferred {
		b = 1
	}
	return writeFrame(bw, FrameNotePreferred, []byte{b})
}

// ParseRestarting 解析 Restarting 负载
func ParseRestarting(payload []byte) (reconnectInMs, tryForMs uint32, err error) {
	if len(payload) < 8 {
		return 0, 0, ErrMalformedFrame
	}
	return binary.BigEndian.Uint32(payload), binary.BigEndian.Uint32(payload[4:]), nil
}

// WriteRestarting 写入 Restarting 帧（服务器侧）
func WriteRestarting(bw *bufio.Writer, reconnectInMs, tryForMs uint32) error {
	var b [8]byte
	binary.BigEndian.PutUint32(b[:], reconnectInMs)
	binary.BigEndian.PutUint32(b[4:], tryForMs)
	return writeFrame(bw, FrameRestarting, b[:])
}
