package ot

import "errors"

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindRetain Kind = "retain"
	KindFormat Kind = "format"
)

var ErrInvalidOperation = errors.New("INVALID_OPERATION")

// Operation 封闭的操作变体类型（insert / delete / retain / format）。
// 一旦构造完成就不再修改；Transform 返回的是调整后的副本。
type Operation struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	Position int    `json:"position"`
	// delete / retain / format 的作用长度
	Length int `json:"length,omitempty"`
	// insert 的文本
	Content string `json:"content,omitempty"`
	// format 的样式属性（粗体/颜色等），不参与位置计算
	Attributes map[string]any `json:"attributes,omitempty"`
	AuthorID   uint64         `json:"authorId"`
	// 客户端提交时所基于的文档版本
	IssuedAtVersion uint64 `json:"issuedAtVersion"`
	ClientTimestamp int64  `json:"clientTimestamp"`
}

// Equal 操作的同一性只看 ID（用于幂等去重）。
func (op Operation) Equal(other Operation) bool {
	return op.ID == other.ID
}

// ContentLen insert 文本的 rune 长度（位置运算统一按 rune 计）。
func (op Operation) ContentLen() int {
	return len([]rune(op.Content))
}

// Validate 边界校验：非法操作在网关处被拒绝，不会进入 Authority。
func (op Operation) Validate() error {
	if op.ID == "" {
		return ErrInvalidOperation
	}
	switch op.Kind {
	case KindInsert:
		if op.Content == "" {
			return ErrInvalidOperation
		}
	case KindDelete:
		if op.Length <= 0 {
			return ErrInvalidOperation
		}
	case KindRetain, KindFormat:
		// 长度可以为 0（纯光标移动 / 空属性集也允许）
	default:
		return ErrInvalidOperation
	}
	if op.Position < 0 {
		return ErrInvalidOperation
	}
	if op.Length < 0 {
		return ErrInvalidOperation
	}
	return nil
}
