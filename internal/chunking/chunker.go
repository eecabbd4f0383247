// Package chunking splits reference material into token-bounded, overlapping
// segments suitable for caching and retrieval.
package chunking

import "strings"

const (
	// TargetTokens is the soft budget for a single chunk.
	TargetTokens = 600
	// MaxTokens is the hard ceiling for a single chunk.
	MaxTokens = 8000
	// OverlapTokens bounds the trailing-sentence overlap carried into the
	// next chunk when a split occurs mid-stream.
	OverlapTokens = 100
	// MinTokens is the smallest segment worth emitting on its own; smaller
	// residues merge into the previous chunk.
	MinTokens = 50
)

// Chunk is one bounded slice of a source document. Start/End is the
// character span of the chunk's own content in the original text; Text may
// additionally carry overlap context from the preceding chunk.
type Chunk struct {
	SourceID string `json:"source_id"`
	Index    int    `json:"index"`
	Text     string `json:"text"`
	Tokens   int    `json:"tokens"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
}

// EstimateTokens approximates a token count as ceil(len/4). This is a fixed
// approximation rather than a real tokenizer; chunk boundaries depend on the
// exact formula, so it must not be swapped for a smarter counter.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Split breaks content into ordered chunks. Paragraphs are the primary unit;
// paragraphs over the target budget fall back to sentence boundaries.
// Concatenating content[Start:End] across chunks in index order reproduces
// the input exactly. The function is pure and deterministic.
func Split(content, sourceID string) []Chunk {
	if strings.TrimSpace(content) == "" {
		return nil
	}

	units := splitUnits(content)

	var chunks []Chunk
	overlap := ""
	cur := segment{start: units[0].start, end: units[0].start}

	emit := func() {
		text := overlap + content[cur.start:cur.end]
		chunks = append(chunks, Chunk{
			SourceID: sourceID,
			Index:    len(chunks),
			Text:     text,
			Tokens:   EstimateTokens(text),
			Start:    cur.start,
			End:      cur.end,
		})
	}

	for _, u := range units {
		grown := EstimateTokens(content[cur.start:u.end])
		if grown > TargetTokens && EstimateTokens(content[cur.start:cur.end]) >= MinTokens {
			emit()
			overlap = trailingOverlap(content[cur.start:cur.end])
			cur = segment{start: cur.end, end: cur.end}
		}
		cur.end = u.end
	}

	if cur.end > cur.start {
		residue := content[cur.start:cur.end]
		if EstimateTokens(residue) < MinTokens && len(chunks) > 0 {
			// Degenerate tail: fold into the previous chunk.
			last := &chunks[len(chunks)-1]
			last.Text += residue
			last.End = cur.end
			last.Tokens = EstimateTokens(last.Text)
		} else {
			emit()
		}
	}

	return chunks
}

// segment is a half-open [start,end) span into the source text.
type segment struct {
	start, end int
}

// splitUnits produces contiguous segments covering the whole input:
// paragraphs, with oversized paragraphs broken at sentence boundaries and
// pathological sentences force-split at the hard ceiling.
func splitUnits(content string) []segment {
	targetChars := TargetTokens * 4
	maxChars := MaxTokens * 4

	var units []segment
	for _, p := range paragraphSegments(content) {
		if p.end-p.start <= targetChars {
			units = append(units, p)
			continue
		}
		for _, s := range sentenceSegments(content, p) {
			if s.end-s.start > maxChars {
				units = append(units, forceSplit(s, maxChars)...)
			} else {
				units = append(units, s)
			}
		}
	}
	return units
}

// paragraphSegments splits on blank lines. Separator newlines attach to the
// preceding paragraph so the segments tile the input with no gaps.
func paragraphSegments(content string) []segment {
	var segs []segment
	start := 0
	for {
		idx := strings.Index(content[start:], "\n\n")
		if idx < 0 {
			break
		}
		end := start + idx
		for end < len(content) && content[end] == '\n' {
			end++
		}
		segs = append(segs, segment{start, end})
		start = end
	}
	if start < len(content) {
		segs = append(segs, segment{start, len(content)})
	}
	return segs
}

// sentenceSegments splits a span at terminal punctuation followed by
// whitespace. Trailing whitespace attaches to the sentence it follows.
func sentenceSegments(content string, seg segment) []segment {
	var segs []segment
	start := seg.start
	for i := seg.start; i < seg.end; i++ {
		c := content[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		j := i + 1
		for j < seg.end && (content[j] == ' ' || content[j] == '\n' || content[j] == '\t') {
			j++
		}
		if j > i+1 || j == seg.end {
			segs = append(segs, segment{start, j})
			start = j
			i = j - 1
		}
	}
	if start < seg.end {
		segs = append(segs, segment{start, seg.end})
	}
	return segs
}

// forceSplit slices a span into fixed-size pieces no larger than maxChars.
func forceSplit(seg segment, maxChars int) []segment {
	var out []segment
	for start := seg.start; start < seg.end; start += maxChars {
		end := start + maxChars
		if end > seg.end {
			end = seg.end
		}
		out = append(out, segment{start, end})
	}
	return out
}

// trailingOverlap returns the last one or two sentences of text, bounded to
// roughly OverlapTokens worth of characters.
func trailingOverlap(text string) string {
	maxChars := OverlapTokens * 4
	segs := sentenceSegments(text, segment{0, len(text)})
	if len(segs) == 0 {
		return ""
	}

	start := segs[len(segs)-1].start
	if len(segs) >= 2 && len(text)-segs[len(segs)-2].start <= maxChars {
		start = segs[len(segs)-2].start
	}

	out := text[start:]
	if len(out) > maxChars {
		cut := len(out) - maxChars
		if idx := strings.IndexAny(out[cut:], " \n"); idx >= 0 {
			out = out[cut+idx+1:]
		} else {
			out = out[cut:]
		}
	}
	return out
}
