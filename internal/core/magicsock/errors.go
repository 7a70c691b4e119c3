package magicsock

import "errors"

var (
	// ErrClosed 套接字已关闭
	ErrClosed = errors.New("magicsock: closed")
	// ErrNotLogicalAddr 目的地址不是逻辑地址
	ErrNotLogicalAddr = errors.New("magicsock: not a logical peer address")
	// ErrSelf 向本节点发送
	ErrSelf = errors.New("magicsock: send to self")
)
