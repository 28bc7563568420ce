package simhash

import (
	"strings"
	"testing"
)

func TestFingerprintDeterministic(t *testing.T) {
	text := "协作文档的第一段内容 with some english mixed in"
	if Fingerprint(text) != Fingerprint(text) {
		t.Error("Expected identical fingerprints for identical content")
	}
}

func TestHammingDistance(t *testing.T) {
	if d := HammingDistance(0, 0); d != 0 {
		t.Errorf("Expected distance 0, got %d", d)
	}
	if d := HammingDistance(0, ^uint64(0)); d != 64 {
		t.Errorf("Expected distance 64, got %d", d)
	}
	if d := HammingDistance(0b1011, 0b0010); d != 2 {
		t.Errorf("Expected distance 2, got %d", d)
	}
}

func TestMateriallyDifferentIdenticalContent(t *testing.T) {
	text := strings.Repeat("同一份内容反复出现。", 20)
	if MateriallyDifferent(text, text) {
		t.Error("Identical content must never count as materially different")
	}
}

func TestMateriallyDifferentWhitespaceOnly(t *testing.T) {
	base := "第一章：协作编辑的设计与取舍，包含大量正文内容。"
	reformatted := strings.ReplaceAll(base, "，", "，\n\n")
	if MateriallyDifferent(base, reformatted) {
		t.Error("Pure reformatting should not trigger a new snapshot")
	}
}

func TestMateriallyDifferentRewrite(t *testing.T) {
	oldText := strings.Repeat("旧版本讲的是缓存失效策略。", 10)
	newText := strings.Repeat("completely different topic about raft consensus. ", 10)
	if !MateriallyDifferent(oldText, newText) {
		t.Error("A full rewrite must count as materially different")
	}
}

func TestMateriallyDifferentLengthFallback(t *testing.T) {
	base := strings.Repeat("a", 200)
	// 同质内容追加：指纹几乎不动，长度兜底必须兜住
	grown := base + strings.Repeat("a", LengthDriftRunes)
	if !MateriallyDifferent(base, grown) {
		t.Error("Length growth past the fallback threshold must count as material")
	}

	slightlyGrown := base + strings.Repeat("a", LengthDriftRunes-1)
	if HammingDistance(Fingerprint(base), Fingerprint(slightlyGrown)) <= DriftThreshold &&
		MateriallyDifferent(base, slightlyGrown) {
		t.Error("Sub-threshold homogeneous growth should not trigger a snapshot")
	}
}

func TestDriftExceededUsesProvidedFingerprint(t *testing.T) {
	oldText := "文档内容 v1"
	fp := Fingerprint(oldText)
	if DriftExceeded(fp, oldText, oldText) {
		t.Error("Same content with precomputed fingerprint must not drift")
	}
	if !DriftExceeded(fp, oldText, strings.Repeat("totally new body ", 30)) {
		t.Error("Expected drift for replaced content")
	}
}
