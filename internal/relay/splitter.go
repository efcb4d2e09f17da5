package relay

import "strings"

// DefaultMaxChunkLen is the target size for one platform message.
const DefaultMaxChunkLen = 3000

// Split partitions content into ordered chunks on line boundaries. A
// line is never cut: a single line longer than maxLen is emitted as its
// own oversized chunk rather than truncated, so maxLen is a target, not
// a hard cap. Joining the chunks with "\n" reproduces content exactly.
func Split(content string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxChunkLen
	}
	if len(content) <= maxLen {
		return []string{content}
	}

	var chunks []string
	var cur strings.Builder
	curEmpty := true

	for _, line := range strings.Split(content, "\n") {
		switch {
		case curEmpty:
			cur.WriteString(line)
			curEmpty = false
		case cur.Len()+1+len(line) > maxLen:
			chunks = append(chunks, cur.String())
			cur.Reset()
			cur.WriteString(line)
		default:
			cur.WriteByte('\n')
			cur.WriteString(line)
		}
	}
	if !curEmpty {
		chunks = append(chunks, cur.String())
	}
	return chunks
}
