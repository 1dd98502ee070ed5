package ot

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

type Kind string

const (
	KindInsert  Kind = "insert"
	KindDelete  Kind = "delete"
	KindReplace Kind = "replace"
)

// Operation 以“文档内 rune 位置”为坐标的编辑操作。
// Position/Length 都按 rune 计数，和 PieceTable 保持一致。
type Operation struct {
	Kind             Kind   `json:"type"` // "insert" / "delete" / "replace"
	Position         int    `json:"position"`
	Length           int    `json:"length,omitempty"` // delete/replace 的长度
	Text             string `json:"text,omitempty"`   // insert/replace 的文本
	AuthorID         uint64 `json:"authorId,omitempty"`
	SubmittedVersion uint64 `json:"submittedVersion,omitempty"`
}

type Batch []Operation

// TextLen 插入文本的 rune 长度
func (op Operation) TextLen() int { return len([]rune(op.Text)) }

// TransformAgainst 把 op 变换到 applied 之后的坐标系。
// 规则：
// - applied 是 insert 且位置在 op 之前（含同位，先入日志者先生效）：op 前移插入长度
// - applied 是 delete 且位置在 op 之前：op 回退被删长度，不越过删除起点（不会为负）
// - replace 等价于同位置的 delete + insert
func (op Operation) TransformAgainst(applied Operation) Operation {
	switch applied.Kind {
	case KindInsert:
		if applied.Position <= op.Position {
			op.Position += applied.TextLen()
		}
	case KindDelete:
		op.Position = shiftForDelete(op.Position, applied.Position, applied.Length)
	case KindReplace:
		op.Position = shiftForDelete(op.Position, applied.Position, applied.Length)
		if applied.Position <= op.Position {
			op.Position += applied.TextLen()
		}
	}
	return op
}

func shiftForDelete(pos, delPos, delLen int) int {
	if delPos >= pos {
		return pos
	}
	shift := pos - delPos
	if shift > delLen {
		shift = delLen
	}
	return pos - shift
}

// TransformBatch 把整批操作依次变换过 applied 中的每一条（按日志顺序）。
func TransformBatch(ops Batch, applied Batch) Batch {
	out := make(Batch, len(ops))
	copy(out, ops)
	for i := range out {
		for _, a := range applied {
			out[i] = out[i].TransformAgainst(a)
		}
	}
	return out
}

// Buffer 是操作作用的文档内容缓冲区（由 collab.PieceTable 实现）。
type Buffer interface {
	Len() int
	Insert(pos int, text string)
	Delete(pos, count int)
	String() string
}

// ApplyBatch 把一批（已变换好的）操作落到缓冲区上。
// 先按位置降序排序再落地：靠后的改动先做，前面的偏移量就不会被同批次的改动弄脏。
func ApplyBatch(buf Buffer, ops Batch) {
	sorted := make(Batch, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Position > sorted[j].Position
	})
	for _, op := range sorted {
		applyOne(buf, op)
	}
}

func applyOne(buf Buffer, op Operation) {
	pos := clamp(op.Position, 0, buf.Len())
	switch op.Kind {
	case KindInsert:
		buf.Insert(pos, op.Text)
	case KindDelete:
		buf.Delete(pos, clamp(op.Length, 0, buf.Len()-pos))
	case KindReplace:
		buf.Delete(pos, clamp(op.Length, 0, buf.Len()-pos))
		buf.Insert(pos, op.Text)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Checksum 全文内容的 SHA-256（hex），用于副本间一致性校验。
func Checksum(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
