package ot

// Apply 纯函数：把单个操作套用到内容上，越界时夹取到合法区间。
// retain / format 不触碰内容（format 在本模型里只是元数据）。
// 按 rune 计量，与 collab 包的 piece table 保持一致。
func Apply(content string, op Operation) string {
	switch op.Kind {
	case KindInsert:
		r := []rune(content)
		pos := clampPos(op.Position, len(r))
		out := make([]rune, 0, len(r)+op.ContentLen())
		out = append(out, r[:pos]...)
		out = append(out, []rune(op.Content)...)
		out = append(out, r[pos:]...)
		return string(out)

	case KindDelete:
		if op.Length <= 0 {
			return content
		}
		r := []rune(content)
		pos := clampPos(op.Position, len(r))
		end := pos + op.Length
		if end > len(r) {
			end = len(r)
		}
		out := make([]rune, 0, len(r)-(end-pos))
		out = append(out, r[:pos]...)
		out = append(out, r[end:]...)
		return string(out)

	default:
		return content
	}
}

func clampPos(pos, n int) int {
	if pos < 0 {
		return 0
	}
	if pos > n {
		return n
	}
	return pos
}
