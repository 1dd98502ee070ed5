package ot

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 测试用的最小缓冲区实现，避免引入 collab 包（会循环依赖）
type stringBuf struct {
	r []rune
}

func newStringBuf(s string) *stringBuf { return &stringBuf{r: []rune(s)} }

func (b *stringBuf) Len() int       { return len(b.r) }
func (b *stringBuf) String() string { return string(b.r) }

func (b *stringBuf) Insert(pos int, text string) {
	t := []rune(text)
	out := make([]rune, 0, len(b.r)+len(t))
	out = append(out, b.r[:pos]...)
	out = append(out, t...)
	out = append(out, b.r[pos:]...)
	b.r = out
}

func (b *stringBuf) Delete(pos, count int) {
	b.r = append(b.r[:pos], b.r[pos+count:]...)
}

func TestTransformAgainst_InsertShiftsForward(t *testing.T) {
	op := Operation{Kind: KindInsert, Position: 5, Text: "x"}
	applied := Operation{Kind: KindInsert, Position: 2, Text: "abc"}

	got := op.TransformAgainst(applied)
	assert.Equal(t, 8, got.Position)
}

func TestTransformAgainst_InsertAfterDoesNotShift(t *testing.T) {
	op := Operation{Kind: KindDelete, Position: 0, Length: 6}
	applied := Operation{Kind: KindInsert, Position: 6, Text: "Awesome "}

	got := op.TransformAgainst(applied)
	assert.Equal(t, 0, got.Position)
}

func TestTransformAgainst_SamePositionLogOrderWins(t *testing.T) {
	// 先入日志的 insert 先生效，后来的同位操作被顶到它后面
	op := Operation{Kind: KindInsert, Position: 3, Text: "late"}
	applied := Operation{Kind: KindInsert, Position: 3, Text: "早"}

	got := op.TransformAgainst(applied)
	assert.Equal(t, 4, got.Position)
}

func TestTransformAgainst_DeleteShiftsBackward(t *testing.T) {
	op := Operation{Kind: KindInsert, Position: 10, Text: "x"}
	applied := Operation{Kind: KindDelete, Position: 2, Length: 3}

	got := op.TransformAgainst(applied)
	assert.Equal(t, 7, got.Position)
}

func TestTransformAgainst_DeleteClampsAtDeleteStart(t *testing.T) {
	// op 落在被删区间内部：回退不会越过删除起点（更不会为负）
	op := Operation{Kind: KindInsert, Position: 4, Text: "x"}
	applied := Operation{Kind: KindDelete, Position: 2, Length: 10}

	got := op.TransformAgainst(applied)
	assert.Equal(t, 2, got.Position)
}

func TestTransformAgainst_ReplaceActsAsDeleteInsert(t *testing.T) {
	op := Operation{Kind: KindInsert, Position: 10, Text: "x"}
	applied := Operation{Kind: KindReplace, Position: 0, Length: 4, Text: "ab"}

	// 回退 4，再前移 2
	got := op.TransformAgainst(applied)
	assert.Equal(t, 8, got.Position)
}

func TestApplyBatch_DescendingOrder(t *testing.T) {
	// 同批两个 insert：先落靠后的，前面的偏移不受影响
	buf := newStringBuf("abcdef")
	ApplyBatch(buf, Batch{
		{Kind: KindInsert, Position: 2, Text: "X"},
		{Kind: KindInsert, Position: 4, Text: "Y"},
	})
	assert.Equal(t, "abXcdYef", buf.String())
}

func TestApplyBatch_Replace(t *testing.T) {
	buf := newStringBuf("Hello world")
	ApplyBatch(buf, Batch{
		{Kind: KindReplace, Position: 6, Length: 5, Text: "there"},
	})
	assert.Equal(t, "Hello there", buf.String())
}

// 规格场景："Hello world"，A 在 pos=6 插入 "Awesome "，
// B 基于旧版本删除 pos=0 起 6 个字符，变换后结果必须是 "Awesome world"。
func TestConcurrentEditScenario(t *testing.T) {
	buf := newStringBuf("Hello world")

	opA := Operation{Kind: KindInsert, Position: 6, Text: "Awesome "}
	ApplyBatch(buf, Batch{opA})
	require.Equal(t, "Hello Awesome world", buf.String())

	opB := Operation{Kind: KindDelete, Position: 0, Length: 6}
	transformed := TransformBatch(Batch{opB}, Batch{opA})
	ApplyBatch(buf, transformed)

	assert.Equal(t, "Awesome world", buf.String())

	sum := sha256.Sum256([]byte("Awesome world"))
	assert.Equal(t, hex.EncodeToString(sum[:]), Checksum(buf.String()))
}

func TestChecksum_Deterministic(t *testing.T) {
	assert.Equal(t, Checksum("abc"), Checksum("abc"))
	assert.NotEqual(t, Checksum("abc"), Checksum("abd"))
}
