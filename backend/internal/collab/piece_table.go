package collab

import "strings"

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

// PieceTable 文档内容缓冲区。
// 原始内容进 original，所有新插入的文本只追加到 add，
// pieces 按文档顺序描述两块缓冲区里的片段，编辑只改 piece 表、不搬运文本。
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	return &PieceTable{
		original: r,
		pieces:   []piece{{buf: bufOriginal, offset: 0, length: len(r)}},
	}
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		switch p.buf {
		case bufOriginal:
			sb.WriteString(string(pt.original[p.offset : p.offset+p.length]))
		case bufAdd:
			sb.WriteString(string(pt.add[p.offset : p.offset+p.length]))
		}
	}
	return sb.String()
}

// Insert 在逻辑位置 pos 插入文本。
func (pt *PieceTable) Insert(pos int, text string) {
	r := []rune(text)
	if len(r) == 0 {
		return
	}
	start := len(pt.add)
	pt.add = append(pt.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := pt.locate(pos)
	if idx >= len(pt.pieces) {
		pt.pieces = append(pt.pieces, newPiece)
		return
	}

	// 把命中的 piece 拆成 左 / 新 / 右 三段，空段丢弃
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

// Delete 从逻辑位置 pos 起删 count 个 rune。
func (pt *PieceTable) Delete(pos, count int) {
	remain := count
	idx, offset := pt.locate(pos)

	for remain > 0 && idx < len(pt.pieces) {
		cur := &pt.pieces[idx]
		// 这个 piece 里还剩多少可删
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
			// 整个 piece 都删掉，idx 不动（该下标现在是下一个 piece）
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
			offset = 0
		} else {
			// 只删中间一段：拆成左右两段替换掉当前 piece
			leftLen := offset
			rightLen := cur.length - offset - take

			newPieces := make([]piece, 0, len(pt.pieces)+1)
			newPieces = append(newPieces, pt.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{
					buf:    cur.buf,
					offset: cur.offset,
					length: leftLen,
				})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{
					buf:    cur.buf,
					offset: cur.offset + offset + take,
					length: rightLen,
				})
			}
			newPieces = append(newPieces, pt.pieces[idx+1:]...)
			pt.pieces = newPieces

			// 删的是当前 piece 的尾部时，从拆剩的右段/下一个 piece 头部继续
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}

		remain -= take
	}
}

// locate 根据逻辑位置 pos，找到对应的 piece 下标和片段内偏移。
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
