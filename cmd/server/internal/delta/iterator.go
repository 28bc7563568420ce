package delta

import "math"

type opKind int

const (
	kindInsert opKind = iota
	kindRetain
	kindDelete
)

// opIterator 按任意长度切分指令序列，Compose 用它对齐两个操作的边界。
type opIterator struct {
	ops    []Op
	index  int
	offset int // 当前指令内已消费的长度
}

func newOpIterator(ops []Op) *opIterator {
	return &opIterator{ops: ops}
}

func (it *opIterator) hasNext() bool {
	return it.index < len(it.ops)
}

// peekLength 当前指令剩余长度；序列耗尽时返回无穷大，
// 使对侧的剩余指令可以整体通过。
func (it *opIterator) peekLength() int {
	if !it.hasNext() {
		return math.MaxInt
	}
	return it.ops[it.index].Length() - it.offset
}

// peekKind 当前指令类型；耗尽时视为 retain
func (it *opIterator) peekKind() opKind {
	if !it.hasNext() {
		return kindRetain
	}
	op := it.ops[it.index]
	switch {
	case op.Insert != nil:
		return kindInsert
	case op.Delete > 0:
		return kindDelete
	default:
		return kindRetain
	}
}

// next 取出最多 length 长度的指令片段
func (it *opIterator) next(length int) Op {
	if !it.hasNext() {
		return Op{Retain: length}
	}

	op := it.ops[it.index]
	remaining := op.Length() - it.offset
	if length >= remaining {
		length = remaining
		it.index++
		defer func() { it.offset = 0 }()
	} else {
		defer func(consumed int) { it.offset += consumed }(length)
	}

	switch {
	case op.Delete > 0:
		return Op{Delete: length}
	case op.Insert != nil:
		if s, ok := op.Insert.(string); ok {
			runes := []rune(s)
			return Op{Insert: string(runes[it.offset : it.offset+length]), Attributes: op.Attributes}
		}
		// 嵌入对象不可切分，长度恒为 1
		return Op{Insert: op.Insert, Attributes: op.Attributes}
	default:
		return Op{Retain: length, Attributes: op.Attributes}
	}
}
