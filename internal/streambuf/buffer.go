// Package streambuf implements the incremental parser and async state
// machine that gate streamed backend content on inspector verdicts
// (design doc Sections 3.3, 4.2, 4.3).
package streambuf

import (
	"strings"

	"github.com/airsentry/airsentryd/internal/inspector"
)

// AssessmentWindow is the fixed byte threshold that forces an
// inspection regardless of boundary heuristics (design doc Section 4.2).
const AssessmentWindow = 100_000

// sentenceBoundaryChars debounces a run of trivial boundary characters
// into a single trigger (design doc Section 9, default resolution of
// the sentence-boundary open question).
const sentenceBoundaryChars = ".!?\n"

// Buffer is the per-stream text/code accumulator. It is owned
// exclusively by one AssessedStream and is not safe for concurrent use.
type Buffer struct {
	direction        inspector.Direction
	groundingContext string

	textBuffer strings.Builder
	codeBuffer strings.Builder

	inCodeBlock    bool
	codeJustClosed bool

	lastAssessedTextPos int
	lastAssessedCodePos int
	lastWasBoundary     bool
}

// NewBuffer creates a Buffer for the given direction (design doc
// Section 3.1 direction invariant — a Buffer assesses only one side
// at a time).
func NewBuffer(direction inspector.Direction) *Buffer {
	return &Buffer{direction: direction}
}

// SetGroundingContext sets the reference text sent as every envelope's
// GroundingContext field (design doc Section 6.4, `security.
// contextual_grounding`), letting the inspector's ungrounded-response
// detector judge content against it. Empty by default.
func (b *Buffer) SetGroundingContext(ctx string) {
	b.groundingContext = ctx
}

// Ingest merges a chunk's parsed text into the text/code buffers,
// splitting on every triple-backtick occurrence within the piece.
// Each occurrence toggles in_code_block; content up to the next fence
// goes to whichever buffer is currently active (design doc Section 4.2).
func (b *Buffer) Ingest(content string) {
	remaining := content
	for {
		idx := strings.Index(remaining, "```")
		if idx == -1 {
			b.appendCurrent(remaining)
			return
		}

		b.appendCurrent(remaining[:idx])

		wasCode := b.inCodeBlock
		b.inCodeBlock = !b.inCodeBlock
		if wasCode && !b.inCodeBlock {
			b.codeJustClosed = true
		}

		remaining = remaining[idx+3:]
	}
}

func (b *Buffer) appendCurrent(s string) {
	if s == "" {
		return
	}
	if b.inCodeBlock {
		b.codeBuffer.WriteString(s)
	} else {
		b.textBuffer.WriteString(s)
	}
}

// unassessedText / unassessedCode return the suffixes not yet covered
// by a verdict.
func (b *Buffer) unassessedText() string {
	return b.textBuffer.String()[b.lastAssessedTextPos:]
}

func (b *Buffer) unassessedCode() string {
	return b.codeBuffer.String()[b.lastAssessedCodePos:]
}

// HasUnassessedContent reports whether either watermark lags its
// buffer (design doc Section 4.3.4, end-of-stream check).
func (b *Buffer) HasUnassessedContent() bool {
	return len(b.unassessedText()) > 0 || len(b.unassessedCode()) > 0
}

// ShouldAssess evaluates the three triggers of design doc Section 4.2
// and, if any fires, returns an envelope carrying only the unassessed
// suffixes. The boundary-debounce state (lastWasBoundary) is updated
// as a side effect regardless of whether a trigger fires, per the
// reset-on-non-boundary rule.
func (b *Buffer) ShouldAssess() (inspector.Envelope, bool) {
	textSuffix := b.unassessedText()
	codeSuffix := b.unassessedCode()

	trigger := false

	// Trigger 1: window threshold.
	if len(textSuffix) >= AssessmentWindow || len(codeSuffix) >= AssessmentWindow {
		trigger = true
	}

	// Trigger 2: a code block just closed with unassessed content.
	if b.codeJustClosed && len(codeSuffix) > 0 {
		trigger = true
	}
	b.codeJustClosed = false

	// Trigger 3: sentence boundary, debounced.
	if len(textSuffix) > 0 {
		last := textSuffix[len(textSuffix)-1]
		if strings.IndexByte(sentenceBoundaryChars, last) != -1 {
			if len(textSuffix) > 15 && !b.lastWasBoundary {
				trigger = true
			}
			b.lastWasBoundary = true
		} else {
			b.lastWasBoundary = false
		}
	}

	if !trigger {
		return inspector.Envelope{}, false
	}

	return b.envelopeFor(textSuffix, codeSuffix), true
}

// FinalEnvelope unconditionally returns an envelope for any remaining
// unassessed content, used for the end-of-stream final inspection
// (design doc Section 4.3.4). Returns false if nothing is unassessed.
func (b *Buffer) FinalEnvelope() (inspector.Envelope, bool) {
	textSuffix := b.unassessedText()
	codeSuffix := b.unassessedCode()
	if len(textSuffix) == 0 && len(codeSuffix) == 0 {
		return inspector.Envelope{}, false
	}
	return b.envelopeFor(textSuffix, codeSuffix), true
}

func (b *Buffer) envelopeFor(text, code string) inspector.Envelope {
	if b.direction == inspector.DirectionPrompt {
		return inspector.Envelope{PromptText: text, PromptCode: code, GroundingContext: b.groundingContext}
	}
	return inspector.Envelope{ResponseText: text, ResponseCode: code, GroundingContext: b.groundingContext}
}

// CommitSafe advances both watermarks to the current buffer ends and
// clears the code buffer, which has been fully accepted and will not
// be re-inspected (design doc Section 4.2).
func (b *Buffer) CommitSafe() {
	b.lastAssessedTextPos = b.textBuffer.Len()
	b.codeBuffer.Reset()
	b.lastAssessedCodePos = 0
}

// TextWatermark and CodeWatermark expose the watermarks for invariant
// testing (P4, watermark monotonicity).
func (b *Buffer) TextWatermark() int { return b.lastAssessedTextPos }
func (b *Buffer) CodeWatermark() int { return b.lastAssessedCodePos }
