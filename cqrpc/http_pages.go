// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package cqrpc

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"
	"time"
)

// --- HTML templates ---

const statusHTMLTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>%s &mdash; cqrpc</title>
<style>
  body { font-family: system-ui, -apple-system, sans-serif; max-width: 900px;
         margin: 0 auto; padding: 40px 20px; color: #2c2c1e; background: #faf8f0; }
  h1 { color: #2d5016; margin-bottom: 4px; font-weight: 700; }
  .meta { color: #6b6b5a; font-size: 0.9em; }
  code { font-family: monospace; background: #f0ece0; padding: 2px 6px;
         border-radius: 3px; font-size: 0.9em; }
  table { width: 100%%; border-collapse: collapse; margin-top: 24px; }
  th, td { text-align: left; padding: 8px 10px; border-bottom: 1px solid #e6e1d0; }
  th { color: #6b6b5a; font-weight: 600; font-size: 0.85em; text-transform: uppercase; }
  .gap { color: #b3261e; font-weight: 700; }
  .stats { display: flex; gap: 24px; margin-top: 24px; }
  .stat { background: #fff; border: 1px solid #e6e1d0; border-radius: 6px; padding: 12px 18px; }
  .stat b { display: block; font-size: 1.4em; color: #2d5016; }
</style>
</head>
<body>
<h1>%s</h1>
<p class="meta">Powered by <code>cqrpc</code> (Go) &middot; server <code>%s</code></p>
<div class="stats">
<div class="stat"><b>%d</b>in flight</div>
<div class="stat"><b>%d</b>released</div>
<div class="stat"><b>%d</b>spawn failures</div>
<div class="stat"><b>%d</b>queued events</div>
</div>
<table>
<tr><th>Method</th><th>Kind</th><th>Codec</th><th>Acceptors</th></tr>
%s
</table>
<table>
<tr><th>Call</th><th>Method</th><th>Phase</th><th>Age</th></tr>
%s
</table>
</body>
</html>`

// statusPage is the JSON form of the status page.
type statusPage struct {
	ServerID      string         `json:"server_id"`
	ServiceName   string         `json:"service_name,omitempty"`
	Serving       bool           `json:"serving"`
	Methods       []statusMethod `json:"methods"`
	InFlight      int            `json:"in_flight"`
	Released      int64          `json:"released"`
	SpawnFailures int64          `json:"spawn_failures"`
	QueueDepth    int            `json:"queue_depth"`
	Calls         []statusCall   `json:"calls"`
}

type statusMethod struct {
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	Codec     string `json:"codec"`
	Acceptors int    `json:"acceptors"`
}

// statusCall is one accepted call that has not been released.
type statusCall struct {
	Tag    string  `json:"tag"`
	Method string  `json:"method"`
	Phase  string  `json:"phase"`
	AgeMs  float64 `json:"age_ms"`
}

func buildStatusPage(s *Server) statusPage {
	stats := s.Stats()
	page := statusPage{
		ServerID:      s.serverID,
		ServiceName:   s.serviceName,
		Serving:       s.running.Load() != nil,
		InFlight:      stats.InFlight,
		Released:      stats.Released,
		SpawnFailures: stats.SpawnFailures,
		QueueDepth:    stats.QueueDepth,
	}
	for _, name := range s.Methods() {
		m := s.methods[name]
		page.Methods = append(page.Methods, statusMethod{
			Name:      name,
			Kind:      m.Kind.String(),
			Codec:     s.codecFor(m).Name(),
			Acceptors: stats.Acceptors[name],
		})
	}
	if run := s.running.Load(); run != nil {
		page.Calls = liveCalls(run.arena, time.Now())
	}
	return page
}

// liveCalls lists the states past Create, oldest first.
func liveCalls(a *arena, now time.Time) []statusCall {
	states := a.snapshot()
	sort.Slice(states, func(i, j int) bool { return states[i].tag < states[j].tag })
	var out []statusCall
	for _, c := range states {
		phase := c.currentPhase()
		if phase == PhaseCreate {
			continue
		}
		out = append(out, statusCall{
			Tag:    c.tag.String(),
			Method: c.method,
			Phase:  phase.String(),
			AgeMs:  float64(now.Sub(c.startTime()).Microseconds()) / 1000,
		})
	}
	return out
}

func buildStatusHTML(page statusPage) []byte {
	title := page.ServiceName
	if title == "" {
		title = "cqrpc service"
	}
	var rows strings.Builder
	for _, m := range page.Methods {
		acceptors := fmt.Sprintf("%d", m.Acceptors)
		if page.Serving && m.Acceptors == 0 {
			acceptors = `<span class="gap">0</span>`
		}
		fmt.Fprintf(&rows, "<tr><td><code>%s</code></td><td>%s</td><td>%s</td><td>%s</td></tr>\n",
			html.EscapeString(m.Name), html.EscapeString(m.Kind), html.EscapeString(m.Codec), acceptors)
	}
	var calls strings.Builder
	for _, c := range page.Calls {
		fmt.Fprintf(&calls, "<tr><td><code>%s</code></td><td>%s</td><td>%s</td><td>%.1f ms</td></tr>\n",
			c.Tag, html.EscapeString(c.Method), c.Phase, c.AgeMs)
	}
	return fmt.Appendf(nil, statusHTMLTemplate,
		html.EscapeString(title),
		html.EscapeString(title),
		html.EscapeString(page.ServerID),
		page.InFlight, page.Released, page.SpawnFailures, page.QueueDepth,
		rows.String(), calls.String())
}

// NewStatusHandler returns an HTTP handler showing the registered methods,
// their Create-phase acceptors, the server's call counters and the calls
// currently running. Append
// ?format=json for a machine readable response.
func NewStatusHandler(s *Server) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		page := buildStatusPage(s)
		if r.URL.Query().Get("format") == "json" {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(page)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buildStatusHTML(page))
	})
}
