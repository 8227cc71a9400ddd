package inspector

import "strings"

// ExtractCodeFences splits text into non-code and code portions on
// Markdown triple-backtick fences (design doc Section 4.1). Content
// between matched delimiters goes to code; content outside goes to
// text. An unterminated opening fence attributes the remainder of the
// input to code. An optional language tag immediately following an
// opening fence on the same line is discarded.
//
// Property P7: for balanced fences, recombining text+code in order
// yields the original input minus the fence markers and language tags.
func ExtractCodeFences(input string) (text, code string) {
	var textBuf, codeBuf strings.Builder
	inCode := false
	remaining := input

	for {
		idx := strings.Index(remaining, "```")
		if idx == -1 {
			if inCode {
				codeBuf.WriteString(remaining)
			} else {
				textBuf.WriteString(remaining)
			}
			break
		}

		before := remaining[:idx]
		if inCode {
			codeBuf.WriteString(before)
		} else {
			textBuf.WriteString(before)
		}

		after := remaining[idx+3:]
		if !inCode {
			// Opening fence — discard an optional language tag up to
			// the next newline.
			if nl := strings.IndexByte(after, '\n'); nl != -1 {
				after = after[nl+1:]
			} else {
				// No newline after the opening fence at all — the
				// "language tag" consumes the rest of the input.
				after = ""
			}
		}

		inCode = !inCode
		remaining = after
	}

	return textBuf.String(), codeBuf.String()
}
