package collab

import "testing"

func TestPieceTable_BasicString(t *testing.T) {
	pt := NewPieceTable("Hello world")
	if got := pt.String(); got != "Hello world" {
		t.Fatalf("String() = %q, want %q", got, "Hello world")
	}
	if gotLen := pt.Len(); gotLen != len([]rune("Hello world")) {
		t.Fatalf("Len() = %d, want %d", gotLen, len([]rune("Hello world")))
	}
}

func TestPieceTable_InsertMiddle(t *testing.T) {
	pt := NewPieceTable("Hello world")

	// 在 pos=5 插入
	pt.Insert(5, " collaborative")

	want := "Hello collaborative world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_InsertAtEnds(t *testing.T) {
	pt := NewPieceTable("bc")
	pt.Insert(0, "a")
	pt.Insert(3, "d")

	if got := pt.String(); got != "abcd" {
		t.Fatalf("String() = %q, want %q", got, "abcd")
	}
}

func TestPieceTable_DeleteMiddle(t *testing.T) {
	pt := NewPieceTable("Hello collaborative world")

	// 保留 "Hello"，然后删 " collaborative"（14 个字符）
	pt.Delete(5, 14)

	want := "Hello world"
	if got := pt.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestPieceTable_DeleteAcrossPieces(t *testing.T) {
	pt := NewPieceTable("Hello world")
	pt.Insert(5, " big")
	// "Hello big world"，删掉跨 add/original 两个 piece 的 " big wo"
	pt.Delete(5, 7)

	if got := pt.String(); got != "Hellorld" {
		t.Fatalf("String() = %q, want %q", got, "Hellorld")
	}
}

func TestPieceTable_Unicode(t *testing.T) {
	pt := NewPieceTable("合同文本")
	pt.Insert(2, "草案")

	if got := pt.String(); got != "合同草案文本" {
		t.Fatalf("String() = %q, want %q", got, "合同草案文本")
	}
	pt.Delete(2, 2)
	if got := pt.String(); got != "合同文本" {
		t.Fatalf("String() = %q, want %q", got, "合同文本")
	}
}
