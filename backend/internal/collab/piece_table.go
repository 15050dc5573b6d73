package collab

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable 两缓冲 piece table：original 只读，所有插入追加到 add，
// 编辑只改 piece 列表，不搬动已有文本。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	out := make([]rune, 0, pt.Len())
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			out = append(out, pt.original[p.offset:p.offset+p.length]...)
		case bufAdd:
			out = append(out, pt.add[p.offset:p.offset+p.length]...)
		}
	}
	return string(out)
}

// Insert 在逻辑位置 pos 插入 text，pos 越界时夹取到 [0, Len()]。
func (pt *PieceTable) Insert(pos int, text string) {
	r := []rune(text)
	if len(r) == 0 {
		return
	}
	pos = pt.clamp(pos)

	start := len(pt.add)
	pt.add = append(pt.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return
	}

	// 在 piece 中间插入：拆成 左 / 新 / 右 三段
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(pt.pieces)+2)
	newPieces = append(newPieces, pt.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, newPiece)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, pt.pieces[idx+1:]...)
	pt.pieces = newPieces
}

// Delete 从逻辑位置 pos 删除 length 个字符，越过末尾的部分直接截断。
func (pt *PieceTable) Delete(pos, length int) {
	if length <= 0 {
		return
	}
	pos = pt.clamp(pos)
	remain := length
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := &pt.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}

		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// 整个 piece 删掉，idx 不动（此处已是下一个 piece）
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
			offset = 0
		} else {
			// 只删中间一段：拆成 左 / 右 两段
			leftLen := offset
			rightLen := cur.length - offset - take

			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces

			// 左段保留时跳过它继续往后删
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}

		remain -= take
	}
}

func (pt *PieceTable) clamp(pos int) int {
	if pos < 0 {
		return 0
	}
	if n := pt.Len(); pos > n {
		return n
	}
	return pos
}

// locate 根据逻辑位置 pos 找到 piece 下标 idx 和该 piece 内的偏移 offset。
func (pt *PieceTable) locate(pos int) (idx, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
