// Package delta 实现富文本内容操作（insert/retain/delete 指令序列）的
// 数据模型、合成与应用。协作通道在节流窗口内用 Compose 将多个操作
// 合并为一个等价操作，持久化层用 Apply 将操作落到文档快照上。
package delta

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// 校验失败的错误
var (
	ErrEmptyOp      = errors.New("operation has no instruction")
	ErrMixedOp      = errors.New("operation mixes insert/retain/delete")
	ErrBadLength    = errors.New("retain/delete length must be positive")
	ErrBadInsert    = errors.New("insert must be non-empty text or embed")
	ErrBadAttribute = errors.New("attributes only allowed on insert/retain")
	ErrTooManyOps   = errors.New("too many operations")
)

// Op 单条指令。Insert 为 string（文本）或 map[string]any（嵌入对象），
// Retain/Delete 为长度。三者互斥。
type Op struct {
	Insert     any            `json:"insert,omitempty"`
	Retain     int            `json:"retain,omitempty"`
	Delete     int            `json:"delete,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// IsInsert 是否为插入指令
func (o Op) IsInsert() bool { return o.Insert != nil }

// IsRetain 是否为保留指令
func (o Op) IsRetain() bool { return o.Insert == nil && o.Retain > 0 }

// IsDelete 是否为删除指令
func (o Op) IsDelete() bool { return o.Insert == nil && o.Delete > 0 }

// Length 指令覆盖的长度。文本按 Unicode 码点计数，嵌入对象长度为 1。
func (o Op) Length() int {
	if o.Insert != nil {
		if s, ok := o.Insert.(string); ok {
			return len([]rune(s))
		}
		return 1
	}
	if o.Retain > 0 {
		return o.Retain
	}
	return o.Delete
}

// Delta 一次文档编辑：有序指令序列。构造后视为不可变；
// Compose/Invert 等操作返回新值。
type Delta struct {
	Ops []Op `json:"ops"`
}

// New 创建空 Delta
func New() *Delta {
	return &Delta{}
}

// InsertText 追加文本插入指令（链式调用）
func (d *Delta) InsertText(text string, attrs map[string]any) *Delta {
	if text == "" {
		return d
	}
	d.push(Op{Insert: text, Attributes: attrs})
	return d
}

// InsertEmbed 追加嵌入对象插入指令
func (d *Delta) InsertEmbed(embed map[string]any, attrs map[string]any) *Delta {
	if len(embed) == 0 {
		return d
	}
	d.push(Op{Insert: embed, Attributes: attrs})
	return d
}

// RetainLen 追加保留指令
func (d *Delta) RetainLen(length int, attrs map[string]any) *Delta {
	if length <= 0 {
		return d
	}
	d.push(Op{Retain: length, Attributes: attrs})
	return d
}

// DeleteLen 追加删除指令
func (d *Delta) DeleteLen(length int) *Delta {
	if length <= 0 {
		return d
	}
	d.push(Op{Delete: length})
	return d
}

// BaseLength 操作要求的最小文档长度（retain+delete 之和）
func (d *Delta) BaseLength() int {
	n := 0
	for _, op := range d.Ops {
		if op.Insert == nil {
			n += op.Length()
		}
	}
	return n
}

// TargetLength 操作应用后覆盖的长度（insert+retain 之和）
func (d *Delta) TargetLength() int {
	n := 0
	for _, op := range d.Ops {
		if !op.IsDelete() {
			n += op.Length()
		}
	}
	return n
}

// Validate 校验指令形状。maxOps 为指令数量上限（<=0 表示不限制）。
func (d *Delta) Validate(maxOps int) error {
	if maxOps > 0 && len(d.Ops) > maxOps {
		return fmt.Errorf("%w: %d > %d", ErrTooManyOps, len(d.Ops), maxOps)
	}
	for i, op := range d.Ops {
		kinds := 0
		if op.Insert != nil {
			kinds++
		}
		if op.Retain != 0 {
			kinds++
		}
		if op.Delete != 0 {
			kinds++
		}
		if kinds == 0 {
			return fmt.Errorf("op %d: %w", i, ErrEmptyOp)
		}
		if kinds > 1 {
			return fmt.Errorf("op %d: %w", i, ErrMixedOp)
		}
		if op.Insert == nil && (op.Retain < 0 || op.Delete < 0) {
			return fmt.Errorf("op %d: %w", i, ErrBadLength)
		}
		if op.Insert != nil {
			switch v := op.Insert.(type) {
			case string:
				if v == "" {
					return fmt.Errorf("op %d: %w", i, ErrBadInsert)
				}
			case map[string]any:
				if len(v) == 0 {
					return fmt.Errorf("op %d: %w", i, ErrBadInsert)
				}
			default:
				return fmt.Errorf("op %d: %w", i, ErrBadInsert)
			}
		}
		if op.Delete > 0 && len(op.Attributes) > 0 {
			return fmt.Errorf("op %d: %w", i, ErrBadAttribute)
		}
	}
	return nil
}

// Compose 合成：返回操作 C，使得 Apply(base, C) 等价于先 Apply(base, d)
// 再 Apply 结果上应用 other。合成满足结合律，可链式合并节流窗口内的
// 任意多个操作。
func (d *Delta) Compose(other *Delta) *Delta {
	a := newOpIterator(d.Ops)
	b := newOpIterator(other.Ops)
	out := New()

	for a.hasNext() || b.hasNext() {
		if b.peekKind() == kindInsert {
			out.push(b.next(b.peekLength()))
			continue
		}
		if a.peekKind() == kindDelete {
			out.push(a.next(a.peekLength()))
			continue
		}

		length := minInt(a.peekLength(), b.peekLength())
		aOp := a.next(length)
		bOp := b.next(length)

		switch {
		case bOp.Retain > 0 || (bOp.Insert == nil && bOp.Delete == 0):
			// b 保留：沿用 a 的内容，属性按 b 覆盖
			newOp := Op{}
			if aOp.Insert != nil {
				newOp.Insert = aOp.Insert
			} else {
				newOp.Retain = length
			}
			newOp.Attributes = composeAttributes(aOp.Attributes, bOp.Attributes, aOp.Insert == nil)
			out.push(newOp)
		case bOp.Delete > 0 && aOp.Insert == nil:
			// b 删除 a 保留的区间：删除落到底层文档
			out.push(Op{Delete: length})
			// b 删除 a 插入的内容：互相抵消，不产生指令
		}
	}

	out.chop()
	return out
}

// Apply 将操作应用到纯文本基线上，用于测试与快照计算。
// 嵌入对象渲染为 U+FFFC 占位符。
func (d *Delta) Apply(base string) (string, error) {
	runes := []rune(base)
	var sb strings.Builder
	pos := 0

	for i, op := range d.Ops {
		switch {
		case op.Insert != nil:
			if s, ok := op.Insert.(string); ok {
				sb.WriteString(s)
			} else {
				sb.WriteRune('￼')
			}
		case op.Retain > 0:
			if pos+op.Retain > len(runes) {
				return "", fmt.Errorf("op %d: retain %d past end of document (len %d)", i, op.Retain, len(runes))
			}
			sb.WriteString(string(runes[pos : pos+op.Retain]))
			pos += op.Retain
		case op.Delete > 0:
			if pos+op.Delete > len(runes) {
				return "", fmt.Errorf("op %d: delete %d past end of document (len %d)", i, op.Delete, len(runes))
			}
			pos += op.Delete
		}
	}

	sb.WriteString(string(runes[pos:]))
	return sb.String(), nil
}

// PlainText 视 Delta 为文档快照时的纯文本形式
func (d *Delta) PlainText() string {
	text, err := d.Apply("")
	if err != nil {
		return ""
	}
	return text
}

// push 追加指令并维持规范形：相邻同类指令合并，插入排在删除之前
// （两者在同一位置时顺序不影响结果）。
func (d *Delta) push(newOp Op) {
	if newOp.Length() == 0 && newOp.Insert == nil {
		return
	}

	index := len(d.Ops)
	if index > 0 {
		last := &d.Ops[index-1]

		if newOp.Delete > 0 && last.Delete > 0 {
			last.Delete += newOp.Delete
			return
		}

		// 插入紧跟删除时前移，保持规范顺序
		if last.Delete > 0 && newOp.Insert != nil {
			index--
			if index > 0 {
				last = &d.Ops[index-1]
			} else {
				last = nil
			}
		}

		if last != nil {
			if newOp.Insert != nil && last.Insert != nil {
				sa, okA := last.Insert.(string)
				sb, okB := newOp.Insert.(string)
				if okA && okB && attributesEqual(last.Attributes, newOp.Attributes) {
					last.Insert = sa + sb
					return
				}
			}
			if newOp.Retain > 0 && last.Retain > 0 && last.Insert == nil &&
				attributesEqual(last.Attributes, newOp.Attributes) {
				last.Retain += newOp.Retain
				return
			}
		}
	}

	d.Ops = append(d.Ops, Op{})
	copy(d.Ops[index+1:], d.Ops[index:])
	d.Ops[index] = newOp
}

// chop 去掉末尾无属性的 retain（对结果无影响）
func (d *Delta) chop() {
	if n := len(d.Ops); n > 0 {
		last := d.Ops[n-1]
		if last.Retain > 0 && last.Insert == nil && len(last.Attributes) == 0 {
			d.Ops = d.Ops[:n-1]
		}
	}
}

// composeAttributes 合并属性：b 覆盖 a；keepNil 为 false 时丢弃 nil 值
// （nil 表示清除属性，只有落到 retain 上才需要保留清除语义）。
func composeAttributes(a, b map[string]any, keepNil bool) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range a {
		if _, exists := b[k]; !exists {
			out[k] = v
		}
	}
	if !keepNil {
		for k, v := range out {
			if v == nil {
				delete(out, k)
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func attributesEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	if len(a) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
