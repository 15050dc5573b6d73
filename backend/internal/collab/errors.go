package collab

import "errors"

var (
	// 客户端声称的版本超前于 Authority——协议违规，仅回给提交方
	ErrVersionMismatch = errors.New("VERSION_MISMATCH")
	// 变换/应用过程中的意外失败——操作被丢弃，实体状态不变
	ErrInternal = errors.New("INTERNAL_ERROR")
)
