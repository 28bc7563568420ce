// Package simhash 提供文档内容的相似度指纹，用于判断两份内容是否
// 发生了值得留存快照的实质变化。
package simhash

import (
	"math/bits"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/go-dedup/simhash"
)

// DriftThreshold 实质变化的汉明距离阈值：指纹相差超过该位数视为
// 内容已实质性改变
const DriftThreshold = 3

// LengthDriftRunes 长度兜底阈值：纯增删导致的长度变化达到该字符数
// 也视为实质变化（大段重复文本的指纹可能几乎不动）
const LengthDriftRunes = 64

// contentFeatureSet 实现 simhash.FeatureSet 接口，对文档正文做特征提取
type contentFeatureSet struct {
	text string
}

// GetFeatures 提取字符级 bigram 特征（滑动窗口大小=2），
// 对中英混排文本的局部改动敏感度较均匀
func (c contentFeatureSet) GetFeatures() []simhash.Feature {
	text := strings.TrimSpace(c.text)
	if text == "" {
		return []simhash.Feature{}
	}

	runes := []rune(text)
	features := make([]simhash.Feature, 0, len(runes))

	for i := 0; i < len(runes)-1; i++ {
		r1, r2 := runes[i], runes[i+1]
		if skipRune(r1) || skipRune(r2) {
			continue
		}
		bigram := string([]rune{r1, r2})
		features = append(features, simhash.NewFeature([]byte(bigram)))
	}

	// 极短文本补充单字符特征，避免特征过少导致指纹不稳定
	if len(runes) < 4 {
		for _, r := range runes {
			if !skipRune(r) {
				features = append(features, simhash.NewFeature([]byte(string(r))))
			}
		}
	}

	return features
}

// skipRune 标点与空白不参与特征，排版调整不应触发新快照
func skipRune(r rune) bool {
	return unicode.IsSpace(r) || unicode.IsPunct(r)
}

// Fingerprint 计算内容的 64 位 SimHash 指纹
func Fingerprint(text string) uint64 {
	sh := simhash.NewSimhash()
	return sh.GetSimhash(contentFeatureSet{text: text})
}

// HammingDistance 两个指纹的汉明距离（0-64）
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// MateriallyDifferent 判断新内容相对旧内容是否发生实质变化。
// 指纹漂移超过 DriftThreshold 位，或长度变化达到 LengthDriftRunes
// 个字符，任一成立即为实质变化。
func MateriallyDifferent(oldText, newText string) bool {
	return DriftExceeded(Fingerprint(oldText), oldText, newText)
}

// DriftExceeded 同 MateriallyDifferent，但旧内容的指纹由调用方提供
// （版本表里存有预计算指纹时避免重复哈希全文）。
func DriftExceeded(oldFingerprint uint64, oldText, newText string) bool {
	if HammingDistance(oldFingerprint, Fingerprint(newText)) > DriftThreshold {
		return true
	}
	oldLen := utf8.RuneCountInString(oldText)
	newLen := utf8.RuneCountInString(newText)
	diff := newLen - oldLen
	if diff < 0 {
		diff = -diff
	}
	return diff >= LengthDriftRunes
}
