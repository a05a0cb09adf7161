package hashing

import (
	"errors"
	"regexp"
	"testing"

	"assessment-runner/internal/models"
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestSumKnownVector(t *testing.T) {
	got, err := Sum([]byte("abc"))
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	want := models.Fingerprint("ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad")
	if got != want {
		t.Fatalf("got %s want %s", got, want)
	}
}

func TestSumDeterministicAndDistinct(t *testing.T) {
	a1, _ := Sum([]byte("The mitochondria is the powerhouse of the cell"))
	a2, _ := Sum([]byte("The mitochondria is the powerhouse of the cell"))
	b, _ := Sum([]byte("The mitochondria is the powerhouse of the cell."))
	if a1 != a2 {
		t.Fatalf("identical input produced different fingerprints")
	}
	if a1 == b {
		t.Fatalf("different input produced identical fingerprints")
	}
	if !hexDigest.MatchString(string(a1)) {
		t.Fatalf("fingerprint is not 64 lowercase hex chars: %s", a1)
	}
}

func TestSumZeroPadsBytes(t *testing.T) {
	// sha256 of "" starts with 0xe3 0xb0 and contains low bytes that must be zero padded.
	got, err := Sum([]byte{})
	if err != nil {
		t.Fatalf("empty content must hash: %v", err)
	}
	if got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Fatalf("unexpected empty digest %s", got)
	}
}

func TestSumNilIsAbsent(t *testing.T) {
	if _, err := Sum(nil); !errors.Is(err, ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
	if _, err := SumContent(nil, models.TaskText); !errors.Is(err, ErrNoContent) {
		t.Fatalf("expected ErrNoContent for nil text, got %v", err)
	}
}

func TestSumContentNormalizesText(t *testing.T) {
	a, _ := SumContent([]byte("line one  \r\nline two\n"), models.TaskText)
	b, _ := SumContent([]byte("line one\nline two"), models.TaskText)
	if a != b {
		t.Fatalf("whitespace-only differences should not change text fingerprint")
	}
	img1, _ := SumContent([]byte("line one  \r\n"), models.TaskImage)
	img2, _ := SumContent([]byte("line one"), models.TaskImage)
	if img1 == img2 {
		t.Fatalf("image bytes must be hashed verbatim")
	}
}

func TestSumStringMatchesSum(t *testing.T) {
	fromBytes, _ := Sum([]byte("hello"))
	if SumString("hello") != fromBytes {
		t.Fatalf("SumString and Sum disagree")
	}
}
