package ot

// Transform 调整 a，使得“先应用 b 再应用返回值”等价于 a 针对 b 的并发意图。
// a 与 b 必须是针对同一基准版本发出的操作；位置均以各自假设的
// 变换前内容计量。规则集封闭，穷举匹配，无运行时类型探测。
func Transform(a, b Operation) Operation {
	switch {
	case a.Kind == KindInsert && b.Kind == KindInsert:
		return transformInsertInsert(a, b)
	case a.Kind == KindInsert && b.Kind == KindDelete:
		return transformInsertDelete(a, b)
	case a.Kind == KindDelete && b.Kind == KindInsert:
		return transformDeleteInsert(a, b)
	case a.Kind == KindDelete && b.Kind == KindDelete:
		return transformDeleteDelete(a, b)
	default:
		// retain / format 不改变字符偏移：任一方参与时位置与长度原样通过
		return a
	}
}

// 同位置插入的平局规则：(clientTimestamp, authorId) 升序，小者在前。
// 与到达顺序无关，保证两端排序一致。
func insertWinsOver(a, b Operation) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	if a.ClientTimestamp != b.ClientTimestamp {
		return a.ClientTimestamp < b.ClientTimestamp
	}
	return a.AuthorID < b.AuthorID
}

func transformInsertInsert(a, b Operation) Operation {
	if insertWinsOver(a, b) {
		return a
	}
	a.Position += b.ContentLen()
	return a
}

func transformInsertDelete(a, b Operation) Operation {
	switch {
	case a.Position <= b.Position:
		return a
	case a.Position >= b.Position+b.Length:
		a.Position -= b.Length
	default:
		// 插入点落在被删区间内部：并发删除吞掉该插入（delete wins）。
		// 镜像方向上删除会增长以覆盖插入的文本，这里必须退化为
		// 零长度插入，两个应用顺序才会收敛到同一结果。
		a.Position = b.Position
		a.Content = ""
	}
	return a
}

func transformDeleteInsert(a, b Operation) Operation {
	switch {
	case a.Position+a.Length <= b.Position:
		return a
	case a.Position >= b.Position:
		a.Position += b.ContentLen()
	default:
		// 插入落在被删区间内：删除吞掉新插入的文本（delete wins）
		a.Length += b.ContentLen()
	}
	return a
}

func transformDeleteDelete(a, b Operation) Operation {
	aEnd := a.Position + a.Length
	bEnd := b.Position + b.Length

	// 区间重叠部分已经被 b 删掉了，从 a 的长度中扣除
	overlap := min(aEnd, bEnd) - max(a.Position, b.Position)
	if overlap > 0 {
		a.Length -= overlap
	}

	// b 在 a 之前删掉的字符数决定 a 的左移量
	if b.Position < a.Position {
		shift := min(b.Length, a.Position-b.Position)
		a.Position -= shift
		if a.Position < 0 {
			a.Position = 0
		}
	}
	// 完全被包含的删除退化为零长度 no-op，由 Apply 侧直接跳过
	return a
}

// TransformAgainstAll 依次对 history 中的每个操作做变换，用于
// 客户端落后于 Authority 版本时的追赶（history 按应用顺序排列）。
func TransformAgainstAll(op Operation, history []Operation) Operation {
	for _, h := range history {
		op = Transform(op, h)
	}
	return op
}
