// Package orchestrator wires the router, forwarder, inspector,
// streambuf, policy, audit, and streamreg packages into the single
// http.Handler that fronts the Ollama-compatible backend (design doc
// Section 4.4).
package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/airsentry/airsentryd/internal/audit"
	"github.com/airsentry/airsentryd/internal/config"
	"github.com/airsentry/airsentryd/internal/forwarder"
	"github.com/airsentry/airsentryd/internal/inspector"
	"github.com/airsentry/airsentryd/internal/ollamaapi"
	"github.com/airsentry/airsentryd/internal/policy"
	"github.com/airsentry/airsentryd/internal/router"
	"github.com/airsentry/airsentryd/internal/streambuf"
	"github.com/airsentry/airsentryd/internal/streamreg"
)

const maxRequestBody = 10 * 1024 * 1024

// Inspector is the subset of inspector.Client's surface the
// orchestrator depends on.
type Inspector interface {
	Inspect(ctx context.Context, env inspector.Envelope, modelID, userIP string, direction inspector.Direction) (inspector.Verdict, error)
}

// Options holds the dependencies injected into the orchestrator.
type Options struct {
	Config     *config.Config
	Inspector  Inspector
	Policy     *policy.Engine
	AuditLog   *audit.Log
	Registry   *streamreg.Registry
	Client     *http.Client
	OnVerdict  func(audit.Entry) // optional, for dashboard broadcast
}

// Orchestrator is the main proxy handler, mounted at the root of the
// HTTP server (design doc Section 4.4).
type Orchestrator struct {
	cfg       *config.Config
	insp      Inspector
	policy    *policy.Engine
	auditLog  *audit.Log
	registry  *streamreg.Registry
	client    *http.Client
	onVerdict func(audit.Entry)
}

// New creates an Orchestrator with the given dependencies.
func New(opts Options) *Orchestrator {
	return &Orchestrator{
		cfg:       opts.Config,
		insp:      opts.Inspector,
		policy:    opts.Policy,
		auditLog:  opts.AuditLog,
		registry:  opts.Registry,
		client:    opts.Client,
		onVerdict: opts.OnVerdict,
	}
}

// ServeHTTP implements the full data flow of design doc Section 4.4:
//
//  1. Classify the endpoint.
//  2. Pass model-management endpoints straight through.
//  3. Pre-inspect the prompt; force-block or mask it per policy and
//     the inspector verdict before the backend ever sees it.
//  4. Forward to the backend.
//  5. Inspect the response, streaming or buffered, gating emission on
//     verdicts.
func (o *Orchestrator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	endpoint := router.Classify(r.URL.Path)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		slog.Error("failed to read request body", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !endpoint.Inspected() {
		o.passThrough(w, r, body)
		return
	}

	appUser := requestAppUser(r, o.cfg.Security.AppUser)
	clientIP := clientIP(r)

	modelID, promptEnv, wantsStream, rewriteBody, err := o.extractPrompt(endpoint, body)
	if err != nil {
		slog.Warn("failed to parse request body", "endpoint", endpoint, "error", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	promptEnv.GroundingContext = o.cfg.Security.ContextualGrounding

	o.registry.StreamStarted(clientIP, modelID)

	if blocked, ruleName, message := o.policy.PreCheck(appUser, inspector.DirectionPrompt); blocked {
		policyVerdict := inspector.Verdict{Category: "policy", Action: "block"}
		o.recordVerdict(clientIP, modelID, policyVerdict.Category, inspector.DirectionPrompt, policyVerdict.Action, false, ruleName, nil, 0)
		o.registry.StreamBlocked(clientIP, modelID)
		writeBlockedResponse(w, endpoint, policyVerdict, inspector.DirectionPrompt, message)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(o.cfg.Security.InspectionTimeoutMs)*time.Millisecond)
	verdict, err := o.insp.Inspect(ctx, promptEnv, modelID, clientIP, inspector.DirectionPrompt)
	cancel()
	if err != nil {
		if !o.cfg.Security.DegradedOpen {
			slog.Error("prompt inspection failed, fail-closed", "error", err)
			http.Error(w, "content inspection unavailable", http.StatusBadGateway)
			return
		}
		slog.Warn("prompt inspection failed, degraded-open: forwarding unmodified", "error", err)
		verdict = inspector.Verdict{Category: "unknown", Action: "allow"}
	}

	verdict, ruleName := o.policy.PostCheck(appUser, inspector.DirectionPrompt, verdict)
	o.recordVerdict(clientIP, modelID, verdict.Category, inspector.DirectionPrompt, verdict.Action, verdict.IsMasked, ruleName, verdict.PromptDetections.Labels(), time.Since(start).Microseconds())

	if verdict.Action == "block" {
		o.registry.StreamBlocked(clientIP, modelID)
		writeBlockedResponse(w, endpoint, verdict, inspector.DirectionPrompt, "")
		return
	}
	if verdict.IsMasked {
		o.registry.StreamMasked(clientIP, modelID)
		body = rewriteBody(verdict.FinalContent)
	}

	backendURL := o.cfg.Ollama.BaseURL + r.URL.Path
	resp, err := forwarder.Forward(o.client, backendURL, r, body)
	if err != nil {
		slog.Error("backend request failed", "backend", backendURL, "error", err)
		http.Error(w, "backend request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	shape := shapeFor(endpoint)
	if wantsStream {
		o.handleStreaming(w, r, resp, shape, modelID, clientIP)
	} else {
		o.handleBuffered(w, resp, shape, modelID, clientIP)
	}
}

func (o *Orchestrator) passThrough(w http.ResponseWriter, r *http.Request, body []byte) {
	backendURL := o.cfg.Ollama.BaseURL + r.URL.Path
	resp, err := forwarder.Forward(o.client, backendURL, r, body)
	if err != nil {
		slog.Error("backend request failed", "backend", backendURL, "error", err)
		http.Error(w, "backend request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	forwarder.CopyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// handleStreaming pipes the backend's NDJSON response through an
// AssessedStream, flushing each gated chunk to the client as it
// resolves (design doc Section 4.3, 4.4).
func (o *Orchestrator) handleStreaming(w http.ResponseWriter, r *http.Request, resp *http.Response, shape ollamaapi.RecordShape, modelID, clientIP string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("response writer does not support flushing, required for streaming")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	forwarder.CopyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Del("Content-Length")
	w.WriteHeader(resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var masked bool
	observer := func(v inspector.Verdict, err error) {
		if err != nil {
			return
		}
		if v.Action == "block" {
			o.registry.StreamBlocked(clientIP, modelID)
		}
		if v.IsMasked {
			masked = true
		}
		o.recordVerdict(clientIP, modelID, v.Category, inspector.DirectionResponse, v.Action, v.IsMasked, "", v.ResponseDetections.Labels(), 0)
	}

	stream := streambuf.New(scanner, o.insp, shape, inspector.DirectionResponse, streambuf.Options{
		DegradedOpen:      o.cfg.Security.DegradedOpen,
		MaxPendingChunks:  o.cfg.Security.MaxPendingChunks,
		InspectionTimeout: time.Duration(o.cfg.Security.InspectionTimeoutMs) * time.Millisecond,
		ModelID:           modelID,
		UserIP:            clientIP,
		GroundingContext:  o.cfg.Security.ContextualGrounding,
	}, observer)

	for chunk := range stream.Run(r.Context()) {
		if _, err := w.Write(chunk); err != nil {
			return
		}
		flusher.Flush()
	}
	if masked {
		o.registry.StreamMasked(clientIP, modelID)
	}
}

// handleBuffered reads the entire non-streaming backend response,
// inspects its content once, and writes the (possibly masked or
// blocked) body to the client.
func (o *Orchestrator) handleBuffered(w http.ResponseWriter, resp *http.Response, shape ollamaapi.RecordShape, modelID, clientIP string) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("failed to read backend response", "error", err)
		http.Error(w, "failed to read backend response", http.StatusBadGateway)
		return
	}

	var rec ollamaapi.Record
	if err := json.Unmarshal(bytes.TrimSpace(body), &rec); err != nil {
		forwarder.CopyResponseHeaders(w.Header(), resp.Header)
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
		return
	}

	content := shape.ExtractContent(rec)
	text, code := inspector.ExtractCodeFences(content)
	env := inspector.Envelope{ResponseText: text, ResponseCode: code, GroundingContext: o.cfg.Security.ContextualGrounding}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(o.cfg.Security.InspectionTimeoutMs)*time.Millisecond)
	verdict, err := o.insp.Inspect(ctx, env, modelID, clientIP, inspector.DirectionResponse)
	cancel()
	if err != nil {
		if !o.cfg.Security.DegradedOpen {
			http.Error(w, "content inspection unavailable", http.StatusBadGateway)
			return
		}
		verdict = inspector.Verdict{Category: "unknown", Action: "allow"}
	}

	o.recordVerdict(clientIP, modelID, verdict.Category, inspector.DirectionResponse, verdict.Action, verdict.IsMasked, "", verdict.ResponseDetections.Labels(), 0)

	switch {
	case verdict.Action == "block":
		o.registry.StreamBlocked(clientIP, modelID)
		rec = shape.EmbedContent(rec, streambuf.BlockedBanner(verdict, inspector.DirectionResponse))
	case verdict.IsMasked:
		o.registry.StreamMasked(clientIP, modelID)
		rec = shape.EmbedContent(rec, verdict.FinalContent)
	}

	out, err := json.Marshal(rec)
	if err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	forwarder.CopyResponseHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.WriteHeader(resp.StatusCode)
	w.Write(out)
}

func (o *Orchestrator) recordVerdict(clientIP, modelID, category string, direction inspector.Direction, action string, isMasked bool, rule string, detections []string, latencyUs int64) {
	streamID := clientIP + ":" + modelID
	o.auditLog.Record(streamID, string(direction), category, action, isMasked, rule, detections, latencyUs, "")
	if o.onVerdict != nil {
		o.onVerdict(audit.Entry{
			StreamID:   streamID,
			Direction:  string(direction),
			Category:   category,
			Action:     action,
			IsMasked:   isMasked,
			Rule:       rule,
			Detections: detections,
			LatencyUs:  latencyUs,
			Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// extractPrompt parses the request body per endpoint, returning the
// model ID, the envelope to submit for pre-inspection, whether the
// client asked for a streaming response, and a function that rewrites
// the body with substituted prompt content (used only when the
// prompt verdict is "mask").
func (o *Orchestrator) extractPrompt(endpoint router.Endpoint, body []byte) (modelID string, env inspector.Envelope, wantsStream bool, rewrite func(string) []byte, err error) {
	switch endpoint {
	case router.EndpointChat:
		var req ollamaapi.ChatRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", inspector.Envelope{}, false, nil, fmt.Errorf("parsing chat request: %w", err)
		}
		var combined bytes.Buffer
		for _, m := range req.Messages {
			combined.WriteString(m.Content)
			combined.WriteString("\n")
		}
		text, code := inspector.ExtractCodeFences(combined.String())
		env = inspector.Envelope{PromptText: text, PromptCode: code}
		rewrite = func(final string) []byte {
			if len(req.Messages) > 0 {
				req.Messages[len(req.Messages)-1].Content = final
			}
			out, _ := json.Marshal(req)
			return out
		}
		return req.Model, env, req.WantsStream(), rewrite, nil

	case router.EndpointGenerate:
		var req ollamaapi.GenerateRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", inspector.Envelope{}, false, nil, fmt.Errorf("parsing generate request: %w", err)
		}
		text, code := inspector.ExtractCodeFences(req.Prompt)
		env = inspector.Envelope{PromptText: text, PromptCode: code}
		rewrite = func(final string) []byte {
			req.Prompt = final
			out, _ := json.Marshal(req)
			return out
		}
		return req.Model, env, req.WantsStream(), rewrite, nil

	case router.EndpointEmbeddings:
		var req ollamaapi.EmbeddingsRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", inspector.Envelope{}, false, nil, fmt.Errorf("parsing embeddings request: %w", err)
		}
		text, code := inspector.ExtractCodeFences(req.Prompt)
		env = inspector.Envelope{PromptText: text, PromptCode: code}
		rewrite = func(final string) []byte {
			req.Prompt = final
			out, _ := json.Marshal(req)
			return out
		}
		return req.Model, env, false, rewrite, nil

	default:
		return "", inspector.Envelope{}, false, nil, fmt.Errorf("endpoint %v is not inspected", endpoint)
	}
}

func shapeFor(endpoint router.Endpoint) ollamaapi.RecordShape {
	if endpoint == router.EndpointChat {
		return ollamaapi.ChatShape{}
	}
	return ollamaapi.GenerateShape{}
}

func requestAppUser(r *http.Request, fallback string) string {
	if v := r.Header.Get("X-Airsentry-User"); v != "" {
		return v
	}
	return fallback
}

func clientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return v
	}
	host := r.RemoteAddr
	if i := lastColon(host); i >= 0 {
		return host[:i]
	}
	return host
}

func lastColon(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return i
		}
	}
	return -1
}

// writeBlockedResponse renders the shared block banner (category,
// action, bulleted detections) for a non-streaming response, matching
// the streaming path's streambuf.BlockedBanner exactly. reason carries
// an operator-authored policy rule message, if any, appended after the
// banner.
func writeBlockedResponse(w http.ResponseWriter, endpoint router.Endpoint, v inspector.Verdict, direction inspector.Direction, reason string) {
	banner := streambuf.BlockedBanner(v, direction)
	if reason != "" {
		banner += "reason: " + reason + "\n"
	}

	shape := shapeFor(endpoint)
	rec := shape.EmbedContent(ollamaapi.Record{Done: true}, banner)
	data, err := json.Marshal(rec)
	if err != nil {
		http.Error(w, banner, http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
