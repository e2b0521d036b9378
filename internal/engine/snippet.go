package engine

import "strings"

// stripFences extracts code from markdown-fenced input. Agents often
// hand over ```python blocks verbatim; when fenced blocks are present
// their contents are concatenated, otherwise the input passes through
// unchanged.
func stripFences(input string) string {
	if !strings.Contains(input, "```") {
		return input
	}

	var blocks []string
	lines := strings.Split(input, "\n")
	inFence := false
	var current []string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				blocks = append(blocks, strings.Join(current, "\n"))
				current = nil
				inFence = false
			} else {
				inFence = true
			}
			continue
		}
		if inFence {
			current = append(current, line)
		}
	}
	// An unterminated fence still counts; losing the code is worse
	// than trusting a sloppy producer.
	if inFence && len(current) > 0 {
		blocks = append(blocks, strings.Join(current, "\n"))
	}

	if len(blocks) == 0 {
		return input
	}
	return strings.Join(blocks, "\n")
}
