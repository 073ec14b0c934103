package source

import (
	"bytes"
)

// SniffSize is how much decoded text SniffDelimiter looks at.
const SniffSize = 16 << 10

var delimiterCandidates = []rune{',', ';', '\t', '|'}

// SniffDelimiter picks the delimiter of a text sample.
//
// Each candidate is counted per line, outside double quotes. Its modal
// count is the most common non-zero count, and its score is the share of
// lines that hit the modal count exactly. The highest score wins.
//
// Edge cases:
//   - A trailing partial line (no newline) is ignored unless it is the only line.
//   - Ties go to comma when comma is among the tied, otherwise to the
//     candidate with the larger modal count.
//   - No candidate appearing at all means comma.
func SniffDelimiter(sample []byte) rune {
	lines := sampleLines(sample)
	if len(lines) == 0 {
		return ','
	}

	best := rune(0)
	bestScore := -1.0
	bestMode := 0
	tiedWithComma := false

	for _, cand := range delimiterCandidates {
		mode, hits := modalCount(lines, byte(cand))
		if mode == 0 {
			continue
		}
		score := float64(hits) / float64(len(lines))

		switch {
		case best == 0 || score > bestScore:
			best, bestScore, bestMode = cand, score, mode
			tiedWithComma = cand == ','
		case score == bestScore:
			if best == ',' {
				tiedWithComma = true
				continue
			}
			if mode > bestMode {
				best, bestMode = cand, mode
			}
		}
	}

	if best == 0 || tiedWithComma {
		return ','
	}
	return best
}

func sampleLines(sample []byte) [][]byte {
	if i := bytes.LastIndexByte(sample, '\n'); i > 0 {
		sample = sample[:i]
	}
	var out [][]byte
	for _, ln := range bytes.Split(sample, []byte{'\n'}) {
		ln = bytes.TrimRight(ln, "\r")
		if len(bytes.TrimSpace(ln)) == 0 {
			continue
		}
		out = append(out, ln)
	}
	return out
}

// modalCount returns the most frequent non-zero per-line count of d and the
// number of lines having exactly that count. Larger counts win frequency ties.
func modalCount(lines [][]byte, d byte) (mode, hits int) {
	freq := map[int]int{}
	for _, ln := range lines {
		if n := countUnquoted(ln, d); n > 0 {
			freq[n]++
		}
	}
	for n, f := range freq {
		if f > hits || (f == hits && n > mode) {
			mode, hits = n, f
		}
	}
	return mode, hits
}

func countUnquoted(line []byte, d byte) int {
	n := 0
	inQuotes := false
	for _, c := range line {
		switch {
		case c == '"':
			inQuotes = !inQuotes
		case c == d && !inQuotes:
			n++
		}
	}
	return n
}
