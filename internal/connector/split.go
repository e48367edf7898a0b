package connector

import (
	"strings"
	"unicode/utf8"
)

// Default transform splitting bounds, in runes. Ticket bodies and chat
// exports routinely blow past an embedding-friendly size; long content
// gets cut on natural boundaries with a short overlap so context
// survives the seam.
const (
	splitSize    = 512
	splitOverlap = 50
)

// splitSeparators in coarse-to-fine order. The empty string is the
// rune-count fallback for text with no structure at all.
var splitSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// splitContent cuts text into parts of roughly size runes, consecutive
// parts sharing overlap runes across the seam. Text already within size
// comes back unchanged as a single part. A lone segment longer than
// size survives whole rather than being broken mid-structure.
func splitContent(text string, size, overlap int) []string {
	if size <= 0 {
		size = splitSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	if utf8.RuneCountInString(text) <= size {
		return []string{text}
	}

	for _, sep := range splitSeparators {
		if sep == "" {
			return splitRunes(text, size)
		}
		if segs := strings.Split(text, sep); len(segs) > 1 {
			return mergeSegments(segs, sep, size, overlap)
		}
	}
	return []string{text}
}

// mergeSegments packs split segments back into parts close to the
// target size, carrying an overlap tail across part boundaries.
func mergeSegments(segs []string, sep string, size, overlap int) []string {
	var parts []string
	var cur strings.Builder
	for _, seg := range segs {
		candidate := cur.String()
		if candidate != "" {
			candidate += sep
		}
		candidate += seg

		if utf8.RuneCountInString(candidate) > size && cur.Len() > 0 {
			parts = append(parts, cur.String())
			tail := lastRunes(cur.String(), overlap)
			cur.Reset()
			if tail != "" {
				cur.WriteString(tail)
				cur.WriteString(sep)
			}
			cur.WriteString(seg)
			continue
		}
		if cur.Len() > 0 {
			cur.WriteString(sep)
		}
		cur.WriteString(seg)
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// lastRunes returns the trailing n runes of s.
func lastRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if n >= len(r) {
		return s
	}
	return string(r[len(r)-n:])
}

// splitRunes is the structure-free fallback: fixed windows of n runes.
func splitRunes(s string, n int) []string {
	r := []rune(s)
	parts := make([]string, 0, (len(r)+n-1)/n)
	for i := 0; i < len(r); i += n {
		end := i + n
		if end > len(r) {
			end = len(r)
		}
		parts = append(parts, string(r[i:end]))
	}
	return parts
}
