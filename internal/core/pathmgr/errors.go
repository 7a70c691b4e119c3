package pathmgr

import "errors"

var (
	// ErrSelfPeer 不能为本节点自身建立对端记录
	ErrSelfPeer = errors.New("pathmgr: peer is self")
	// ErrInvalidCandidate 候选地址不可用
	ErrInvalidCandidate = errors.New("pathmgr: invalid candidate address")
	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("pathmgr: closed")
)
