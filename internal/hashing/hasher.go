// Package hashing fingerprints task and response content.
//
// Fingerprints are plain SHA-256 digests rendered as lowercase hex, so identical
// bytes always map to the same value and the value can stand in for the content
// when comparing submissions or keying the result cache.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"assessment-runner/internal/models"
)

// ErrNoContent is returned when asked to fingerprint absent (nil) content.
// An empty but non-nil slice is valid content and hashes normally.
var ErrNoContent = errors.New("hashing: no content to fingerprint")

// Sum fingerprints raw bytes.
func Sum(content []byte) (models.Fingerprint, error) {
	if content == nil {
		return "", ErrNoContent
	}
	sum := sha256.Sum256(content)
	return models.Fingerprint(hex.EncodeToString(sum[:])), nil
}

// SumString fingerprints a string. It never fails.
func SumString(s string) models.Fingerprint {
	sum := sha256.Sum256([]byte(s))
	return models.Fingerprint(hex.EncodeToString(sum[:]))
}

// NormalizeText folds line endings and strips trailing whitespace per line
// so that cosmetic edits do not produce a new fingerprint.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// SumContent fingerprints task content, normalising text-like content first.
func SumContent(content []byte, typ models.TaskType) (models.Fingerprint, error) {
	if content == nil {
		return "", ErrNoContent
	}
	if typ == models.TaskImage {
		return Sum(content)
	}
	return SumString(NormalizeText(string(content))), nil
}
