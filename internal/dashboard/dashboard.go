// Package dashboard serves the loopback-only operator UI and API
// (design doc Section 4.8).
//
//   - Web UI:     GET /dashboard     — single-page live status view
//   - WebSocket:  GET /dashboard/ws  — live verdict feed
//   - REST API:   GET /api/streams   — per-client/model stream counters
//                 GET /api/audit     — recent audit entries
//                 GET /api/rules     — loaded policy rules
//
// The caller is responsible for binding the dashboard's listener to
// loopback only (design doc Section 4.8); this package does not
// itself inspect RemoteAddr.
package dashboard

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"

	"github.com/airsentry/airsentryd/internal/audit"
	"github.com/airsentry/airsentryd/internal/policy"
	"github.com/airsentry/airsentryd/internal/streamreg"
)

// Options holds the dependencies injected into the dashboard.
type Options struct {
	AuditLog *audit.Log
	Registry *streamreg.Registry
	Policy   *policy.Engine
}

// Dashboard serves the operator web UI and REST API.
type Dashboard struct {
	auditLog *audit.Log
	registry *streamreg.Registry
	policy   *policy.Engine
	wsHub    *wsHub
}

// New creates a Dashboard and starts its WebSocket broadcast hub.
func New(opts Options) *Dashboard {
	d := &Dashboard{
		auditLog: opts.AuditLog,
		registry: opts.Registry,
		policy:   opts.Policy,
		wsHub:    newWSHub(),
	}
	go d.wsHub.run()
	return d
}

// ServeHTTP serves the embedded single-page dashboard UI.
func (d *Dashboard) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(dashboardHTML))
}

// WebSocketHandler returns the handler for the live verdict feed.
func (d *Dashboard) WebSocketHandler() http.Handler {
	return http.HandlerFunc(d.handleWebSocket)
}

// APIHandler returns the handler for the /api/ REST endpoints.
func (d *Dashboard) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/streams", d.handleAPIStreams)
	mux.HandleFunc("/api/audit", d.handleAPIAudit)
	mux.HandleFunc("/api/rules", d.handleAPIRules)
	mux.HandleFunc("/api/status", d.handleAPIStatus)
	return mux
}

// BroadcastVerdict sends a verdict entry to every connected WebSocket
// client. Called by the orchestrator after each resolved verdict.
// Non-blocking — dropped silently if no clients are connected or a
// client's buffer is full.
func (d *Dashboard) BroadcastVerdict(e audit.Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		slog.Error("failed to marshal dashboard event", "error", err)
		return
	}
	d.wsHub.broadcast(data)
}

// handleAPIStreams returns per-client/model stream counters.
// GET /api/streams
func (d *Dashboard) handleAPIStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, d.registry.Snapshot())
}

// handleAPIAudit returns recent audit entries.
// GET /api/audit?limit=50&stream_id=...&action=block
func (d *Dashboard) handleAPIAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	params := audit.QueryParams{
		StreamID: r.URL.Query().Get("stream_id"),
		Action:   r.URL.Query().Get("action"),
		Since:    r.URL.Query().Get("since"),
		Limit:    limit,
	}

	entries, err := d.auditLog.Query(params)
	if err != nil {
		slog.Error("dashboard audit query failed", "error", err)
		http.Error(w, "audit query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleAPIRules returns the currently loaded policy rules.
// GET /api/rules
func (d *Dashboard) handleAPIRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, d.policy.Rules())
}

// statusResponse reports the audit ledger's on-disk footprint in both
// a machine-readable byte count and an operator-friendly humanized
// string (e.g. "4.2 MB"), since the ledger grows unbounded by design
// and operators need to eyeball retention without doing arithmetic.
type statusResponse struct {
	AuditDiskUsageBytes int64  `json:"audit_disk_usage_bytes"`
	AuditDiskUsage      string `json:"audit_disk_usage"`
}

// handleAPIStatus reports the audit ledger's disk footprint.
// GET /api/status
func (d *Dashboard) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}

	usage, err := d.auditLog.DiskUsageBytes()
	if err != nil {
		slog.Error("dashboard status query failed", "error", err)
		http.Error(w, "status query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		AuditDiskUsageBytes: usage,
		AuditDiskUsage:      humanize.Bytes(uint64(usage)),
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

// dashboardHTML is the embedded single-page operator UI. No build
// step, no framework — matches the minimal Phase 1 dashboard this
// project's stack favors.
const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>airsentryd</title>
<style>
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
         background: #0f1117; color: #e1e4e8; padding: 24px; }
  h1 { font-size: 22px; margin-bottom: 8px; }
  .subtitle { color: #8b949e; margin-bottom: 24px; }
  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; margin-bottom: 24px; }
  .card { background: #161b22; border: 1px solid #30363d; border-radius: 8px; padding: 16px; }
  .card h2 { font-size: 14px; color: #8b949e; text-transform: uppercase; margin-bottom: 12px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th { text-align: left; color: #8b949e; padding: 6px 8px; border-bottom: 1px solid #30363d; }
  td { padding: 6px 8px; border-bottom: 1px solid #21262d; }
  .action-block { color: #f85149; font-weight: bold; }
  .action-mask { color: #d29922; }
  .action-allow { color: #3fb950; }
  #live-feed { max-height: 320px; overflow-y: auto; font-family: monospace; font-size: 12px; }
  .feed-entry { padding: 4px 0; border-bottom: 1px solid #21262d; }
</style>
</head>
<body>
<h1>airsentryd</h1>
<p class="subtitle">Streaming content inspection proxy &middot; audit ledger: <span id="audit-size">...</span></p>

<div class="grid">
  <div class="card">
    <h2>Streams</h2>
    <table>
      <thead><tr><th>Client</th><th>Model</th><th>Total</th><th>Blocked</th><th>Masked</th></tr></thead>
      <tbody id="streams-tbody"><tr><td colspan="5">Loading...</td></tr></tbody>
    </table>
  </div>
  <div class="card">
    <h2>Policy Rules</h2>
    <table>
      <thead><tr><th>Name</th><th>Pre</th><th>Post</th></tr></thead>
      <tbody id="rules-tbody"><tr><td colspan="3">Loading...</td></tr></tbody>
    </table>
  </div>
</div>

<div class="card">
  <h2>Live Verdict Feed</h2>
  <div id="live-feed"><div class="feed-entry">Connecting...</div></div>
</div>

<script>
function esc(s) {
  if (s == null) return '';
  return String(s).replace(/&/g,'&amp;').replace(/</g,'&lt;').replace(/>/g,'&gt;');
}
async function refresh() {
  try {
    const [streamsRes, rulesRes, statusRes] = await Promise.all([
      fetch('/api/streams'), fetch('/api/rules'), fetch('/api/status'),
    ]);
    renderStreams(await streamsRes.json());
    renderRules(await rulesRes.json());
    const status = await statusRes.json();
    document.getElementById('audit-size').textContent = status.audit_disk_usage;
  } catch (e) { console.error('refresh failed:', e); }
}

function renderStreams(clients) {
  const tbody = document.getElementById('streams-tbody');
  if (!clients || clients.length === 0) { tbody.innerHTML = '<tr><td colspan="5">No streams yet</td></tr>'; return; }
  const rows = [];
  for (const c of clients) {
    for (const model in (c.models || {})) {
      const s = c.models[model];
      rows.push('<tr><td>' + esc(c.ip) + '</td><td>' + esc(model) + '</td><td>' + s.total_streams +
        '</td><td>' + s.blocked_streams + '</td><td>' + s.masked_streams + '</td></tr>');
    }
  }
  tbody.innerHTML = rows.join('') || '<tr><td colspan="5">No streams yet</td></tr>';
}

function renderRules(rules) {
  const tbody = document.getElementById('rules-tbody');
  if (!rules || rules.length === 0) { tbody.innerHTML = '<tr><td colspan="3">No rules</td></tr>'; return; }
  tbody.innerHTML = rules.map(r =>
    '<tr><td>' + esc(r.Name) + '</td><td>' + esc(r.PreAction||'-') + '</td><td>' + esc(r.PostAction||'-') + '</td></tr>'
  ).join('');
}

function feedRow(entry) {
  const cls = entry.action === 'block' ? 'action-block' : entry.action === 'mask' ? 'action-mask' : 'action-allow';
  return '[' + esc(entry.ts) + '] stream=' + esc(entry.stream_id) + ' ' + esc(entry.direction) +
    ' <span class="' + cls + '">' + esc(entry.action) + '</span>' + (entry.category ? ' category=' + esc(entry.category) : '');
}

function connectWS() {
  const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
  const ws = new WebSocket(proto + '//' + location.host + '/dashboard/ws');
  ws.onmessage = function(e) {
    try {
      const entry = JSON.parse(e.data);
      const feed = document.getElementById('live-feed');
      const div = document.createElement('div');
      div.className = 'feed-entry';
      div.innerHTML = feedRow(entry);
      feed.insertBefore(div, feed.firstChild);
      while (feed.children.length > 100) feed.removeChild(feed.lastChild);
    } catch (err) { console.error('ws parse error:', err); }
  };
  ws.onclose = function() { setTimeout(connectWS, 3000); };
  ws.onerror = function() { ws.close(); };
}

refresh();
setInterval(refresh, 5000);
connectWS();
</script>
</body>
</html>`
