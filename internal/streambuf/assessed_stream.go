package streambuf

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/airsentry/airsentryd/internal/inspector"
	"github.com/airsentry/airsentryd/internal/ollamaapi"
)

// Inspector is the subset of inspector.Client's surface AssessedStream
// depends on, so tests can substitute a call-counting fake.
type Inspector interface {
	Inspect(ctx context.Context, env inspector.Envelope, modelID, userIP string, direction inspector.Direction) (inspector.Verdict, error)
}

// Options configures AssessedStream behavior (design doc Sections 5, 7, 9).
type Options struct {
	// DegradedOpen, when true, releases pending chunks and continues on
	// inspector failure instead of terminating the stream (design doc
	// Section 7, resolved open question). The zero value is false
	// (fail-closed); the orchestrator passes security.degraded_open,
	// whose config default is true.
	DegradedOpen bool

	// MaxPendingChunks caps how many chunks may accumulate while an
	// inspection is in flight before it's treated as an inspector
	// error (design doc Section 5, backpressure).
	MaxPendingChunks int

	// InspectionTimeout bounds each inspector call.
	InspectionTimeout time.Duration

	// ModelID is propagated to the inspector for audit.
	ModelID string

	// UserIP is optionally propagated to the inspector.
	UserIP string

	// GroundingContext, when non-empty, is attached to every envelope
	// submitted for this stream (design doc Section 6.4,
	// `security.contextual_grounding`).
	GroundingContext string
}

func (o Options) withDefaults() Options {
	if o.MaxPendingChunks <= 0 {
		o.MaxPendingChunks = 256
	}
	if o.InspectionTimeout <= 0 {
		o.InspectionTimeout = 5 * time.Second
	}
	return o
}

// VerdictObserver is notified of every verdict resolved during the
// stream (allow, mask, or block), for audit logging and stream
// registry bookkeeping. May be nil.
type VerdictObserver func(v inspector.Verdict, err error)

// AssessedStream drives the core state machine of design doc Section
// 4.3: Flowing / Inspecting / Draining / Blocked. It reads an upstream
// newline-delimited JSON byte stream, parses it incrementally via a
// Buffer, gates emission on inspector verdicts, and produces an
// output channel of chunks in upstream receipt order (I5), except
// where a block or mask substitutes a synthesized chunk for a held
// range.
type AssessedStream struct {
	upstream  *bufio.Scanner
	insp      Inspector
	shape     ollamaapi.RecordShape
	direction inspector.Direction
	opts      Options
	observer  VerdictObserver

	buf *Buffer

	// group holds the raw chunks accumulated since the last resolved
	// verdict, awaiting either a trigger (if not inspecting) or
	// emission (once the in-flight inspection resolves).
	group [][]byte

	// pendingQueue holds raw chunks received while an inspection is
	// in flight. They are not ingested into buf until the in-flight
	// verdict resolves, so the watermark committed for that verdict
	// never silently absorbs content the inspector never saw.
	pendingQueue [][]byte

	inspecting bool
}

type verdictResult struct {
	verdict inspector.Verdict
	err     error
	group   [][]byte
}

// New constructs an AssessedStream over the given upstream reader.
func New(upstream *bufio.Scanner, insp Inspector, shape ollamaapi.RecordShape, direction inspector.Direction, opts Options, observer VerdictObserver) *AssessedStream {
	opts = opts.withDefaults()
	buf := NewBuffer(direction)
	buf.SetGroundingContext(opts.GroundingContext)
	return &AssessedStream{
		upstream:  upstream,
		insp:      insp,
		shape:     shape,
		direction: direction,
		opts:      opts,
		observer:  observer,
		buf:       buf,
	}
}

// errBackpressure is a sentinel signaling the pending-chunk cap was
// exceeded; it is treated like any other inspector error under the
// configured degraded-open/fail-closed policy.
var errBackpressure = fmt.Errorf("streambuf: pending chunk backpressure cap exceeded")

// Run drives the state machine to completion, returning a channel of
// output chunks (each already newline-terminated) in delivery order.
// The channel is closed when the stream terminates, whether normally,
// via a blocked verdict, or via an unrecoverable error. Run reads the
// upstream scanner and performs inspections from its own goroutines;
// callers must drain the returned channel until it closes.
func (s *AssessedStream) Run(ctx context.Context) <-chan []byte {
	out := make(chan []byte, 16)
	rawCh := make(chan []byte)
	scanErrCh := make(chan error, 1)

	go s.readUpstream(ctx, rawCh, scanErrCh)
	go s.drive(ctx, out, rawCh, scanErrCh)

	return out
}

func (s *AssessedStream) readUpstream(ctx context.Context, rawCh chan<- []byte, errCh chan<- error) {
	defer close(rawCh)
	for s.upstream.Scan() {
		line := append([]byte(nil), s.upstream.Bytes()...)
		select {
		case rawCh <- line:
		case <-ctx.Done():
			return
		}
	}
	if err := s.upstream.Err(); err != nil {
		errCh <- err
	}
}

func (s *AssessedStream) drive(ctx context.Context, out chan<- []byte, rawCh <-chan []byte, scanErrCh <-chan error) {
	defer close(out)

	verdictCh := make(chan verdictResult, 1)
	rawOpen := true
	finalChecked := false

	for {
		if !rawOpen && !s.inspecting && len(s.pendingQueue) == 0 {
			if !finalChecked {
				finalChecked = true
				if env, ok := s.buf.FinalEnvelope(); ok {
					s.startInspection(ctx, env, verdictCh)
					continue
				}
				if len(s.group) > 0 {
					s.emitRaw(ctx, out, s.group)
					s.group = nil
				}
				continue
			}
			return
		}

		select {
		case raw, ok := <-rawCh:
			if !ok {
				rawOpen = false
				continue
			}
			if err := s.processChunk(ctx, raw, verdictCh); err != nil {
				terminal, err := s.handleBackpressureExceeded(ctx, out)
				if terminal {
					if err != nil {
						s.reportTerminalError(ctx, out, err)
					}
					return
				}
			}

		case res := <-verdictCh:
			terminal, err := s.handleVerdict(ctx, out, res)
			if s.observer != nil {
				s.observer(res.verdict, res.err)
			}
			if terminal {
				if err != nil {
					s.reportTerminalError(ctx, out, err)
				}
				return
			}
			if err := s.drainPendingQueue(ctx, verdictCh); err != nil {
				s.reportTerminalError(ctx, out, err)
				return
			}

		case err := <-scanErrCh:
			s.emitErrorChunk(ctx, out, err)
			return

		case <-ctx.Done():
			return
		}
	}
}

// processChunk handles one freshly-received raw chunk: it either
// queues it (an inspection is already in flight) or ingests it into
// the buffer and checks whether a new inspection should start.
func (s *AssessedStream) processChunk(ctx context.Context, raw []byte, verdictCh chan verdictResult) error {
	if s.inspecting {
		if len(s.pendingQueue) >= s.opts.MaxPendingChunks {
			return errBackpressure
		}
		s.pendingQueue = append(s.pendingQueue, raw)
		return nil
	}

	s.group = append(s.group, raw)
	if rec, ok := parseRecord(raw); ok {
		s.buf.Ingest(s.shape.ExtractContent(rec))
	}

	if env, ok := s.buf.ShouldAssess(); ok {
		s.startInspection(ctx, env, verdictCh)
	}
	return nil
}

// drainPendingQueue replays chunks that arrived while the just-
// resolved inspection was in flight, through the same per-chunk path.
// If one of them triggers a new inspection, the remaining items are
// re-queued automatically (processChunk checks s.inspecting on entry).
func (s *AssessedStream) drainPendingQueue(ctx context.Context, verdictCh chan verdictResult) error {
	queue := s.pendingQueue
	s.pendingQueue = nil
	for _, raw := range queue {
		if err := s.processChunk(ctx, raw, verdictCh); err != nil {
			return err
		}
	}
	return nil
}

func (s *AssessedStream) startInspection(ctx context.Context, env inspector.Envelope, verdictCh chan verdictResult) {
	s.inspecting = true
	groupSnapshot := s.group
	s.group = nil

	go func() {
		ictx, cancel := context.WithTimeout(ctx, s.opts.InspectionTimeout)
		defer cancel()
		v, err := s.insp.Inspect(ictx, env, s.opts.ModelID, s.opts.UserIP, s.direction)
		select {
		case verdictCh <- verdictResult{verdict: v, err: err, group: groupSnapshot}:
		case <-ctx.Done():
		}
	}()
}

// handleVerdict applies a resolved verdict to the stream. It returns
// (terminal, err): terminal is true once the stream must stop
// producing further output (block, fail-closed error, or backpressure);
// err is non-nil only when termination was caused by an error that
// should be surfaced to the client as an error chunk.
func (s *AssessedStream) handleVerdict(ctx context.Context, out chan<- []byte, res verdictResult) (bool, error) {
	s.inspecting = false

	if res.err != nil {
		return s.handleInspectorError(ctx, out, res)
	}

	if res.verdict.Action == "block" {
		s.emitBlocked(ctx, out, res.verdict)
		return true, nil
	}

	s.buf.CommitSafe()
	s.emitGroup(ctx, out, res.group, res.verdict)
	return false, nil
}

// handleBackpressureExceeded is invoked when the pending-chunk cap is
// hit while an inspection is in flight (design doc Section 5,
// backpressure). It abandons the stale in-flight verdict (a late
// write from that goroutine is drained harmlessly once ctx ends) and
// applies the same degraded-open/fail-closed policy as an inspector
// error.
func (s *AssessedStream) handleBackpressureExceeded(ctx context.Context, out chan<- []byte) (bool, error) {
	s.inspecting = false
	queued := s.pendingQueue
	s.pendingQueue = nil

	if s.opts.DegradedOpen {
		slog.Warn("pending chunk backpressure cap exceeded, degraded-open: releasing pending chunks")
		s.buf.CommitSafe()
		s.emitRaw(ctx, out, queued)
		return false, nil
	}
	slog.Error("pending chunk backpressure cap exceeded, fail-closed: terminating stream")
	return true, errBackpressure
}

func (s *AssessedStream) handleInspectorError(ctx context.Context, out chan<- []byte, res verdictResult) (bool, error) {
	if s.opts.DegradedOpen {
		slog.Warn("inspector error, degraded-open: releasing pending chunks", "error", res.err)
		s.buf.CommitSafe()
		s.emitRaw(ctx, out, res.group)
		return false, nil
	}
	slog.Error("inspector error, fail-closed: terminating stream", "error", res.err)
	return true, res.err
}

func (s *AssessedStream) reportTerminalError(ctx context.Context, out chan<- []byte, err error) {
	s.emitErrorChunk(ctx, out, err)
}

func (s *AssessedStream) emitRaw(ctx context.Context, out chan<- []byte, group [][]byte) {
	for _, raw := range group {
		line := append(append([]byte(nil), raw...), '\n')
		select {
		case out <- line:
		case <-ctx.Done():
			return
		}
	}
}

func (s *AssessedStream) emitGroup(ctx context.Context, out chan<- []byte, group [][]byte, v inspector.Verdict) {
	if !v.IsMasked {
		s.emitRaw(ctx, out, group)
		return
	}

	rec := ollamaapi.Record{Model: s.opts.ModelID, CreatedAt: time.Now().UTC().Format(time.RFC3339)}
	if len(group) > 0 {
		if parsed, ok := parseRecord(group[len(group)-1]); ok {
			rec = parsed
		}
	}
	rec = s.shape.EmbedContent(rec, v.FinalContent)
	s.emitRecord(ctx, out, rec)
}

func (s *AssessedStream) emitBlocked(ctx context.Context, out chan<- []byte, v inspector.Verdict) {
	rec := ollamaapi.Record{
		Model:     s.opts.ModelID,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Done:      true,
	}
	rec = s.shape.EmbedContent(rec, BlockedBanner(v, s.direction))
	s.emitRecord(ctx, out, rec)
}

func (s *AssessedStream) emitErrorChunk(ctx context.Context, out chan<- []byte, err error) {
	payload, marshalErr := json.Marshal(struct {
		Error string `json:"error"`
		Done  bool   `json:"done"`
	}{Error: err.Error(), Done: true})
	if marshalErr != nil {
		return
	}
	select {
	case out <- append(payload, '\n'):
	case <-ctx.Done():
	}
}

func (s *AssessedStream) emitRecord(ctx context.Context, out chan<- []byte, rec ollamaapi.Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}
	select {
	case out <- append(data, '\n'):
	case <-ctx.Done():
	}
}

func parseRecord(raw []byte) (ollamaapi.Record, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ollamaapi.Record{}, false
	}
	var rec ollamaapi.Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return ollamaapi.Record{}, false
	}
	return rec, true
}

// BlockedBanner renders the fixed banner plus category, action, and a
// bulleted list of fired detections (design doc Section 4.3.3). Shared
// across every block path — streaming, buffered, and policy pre-check
// — so a client never sees a different banner shape depending on which
// path blocked the content.
func BlockedBanner(v inspector.Verdict, direction inspector.Direction) string {
	detections := v.ResponseDetections
	if direction == inspector.DirectionPrompt {
		detections = v.PromptDetections
	}

	var b strings.Builder
	b.WriteString("[airsentryd] Content blocked by security policy.\n")
	fmt.Fprintf(&b, "category: %s, action: %s\n", v.Category, v.Action)
	if labels := detections.Labels(); len(labels) > 0 {
		b.WriteString("detections:\n")
		for _, l := range labels {
			b.WriteString("  - " + l + "\n")
		}
	}
	return b.String()
}
