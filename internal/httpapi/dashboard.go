package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>AttendSync Runs</title>
  <style>
    :root {
      --ink: #1b2430;
      --paper: #f5f7fa;
      --card: #ffffff;
      --line: #d4dae3;
      --accent: #2563a8;
      --danger: #b33a3a;
      --muted: #6b7684;
    }
    * { box-sizing: border-box; }
    body {
      margin: 0;
      font-family: "Segoe UI", "Helvetica Neue", sans-serif;
      color: var(--ink);
      background: var(--paper);
      padding: 24px;
    }
    .shell { max-width: 980px; margin: 0 auto; display: grid; gap: 14px; }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 10px;
      padding: 16px;
    }
    h1 { margin: 0; font-size: 1.4rem; }
    .sub { color: var(--muted); font-size: 0.85rem; margin-top: 4px; }
    .controls { display: grid; gap: 8px; grid-template-columns: 2fr 1fr auto auto; margin-top: 12px; }
    .controls input {
      border: 1px solid var(--line);
      border-radius: 6px;
      padding: 8px 10px;
      font-size: 0.9rem;
    }
    button {
      border: 0;
      border-radius: 6px;
      background: var(--accent);
      color: #fff;
      padding: 8px 14px;
      cursor: pointer;
      font-size: 0.9rem;
    }
    button.secondary { background: var(--muted); }
    table { width: 100%; border-collapse: collapse; font-size: 0.88rem; }
    th, td { text-align: left; padding: 7px 9px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-weight: 600; }
    .status { font-weight: 600; }
    .status.completed { color: #247a3d; }
    .status.failed, .status.cancelled { color: var(--danger); }
    .status.started, .status.in_progress { color: var(--accent); }
    .bar-track {
      background: var(--paper);
      border-radius: 5px;
      height: 8px;
      width: 120px;
      overflow: hidden;
    }
    .bar-fill { background: var(--accent); height: 100%; width: 0; transition: width 300ms; }
    #note { color: var(--muted); font-size: 0.85rem; margin-top: 8px; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="card">
      <h1>AttendSync Runs</h1>
      <div class="sub">Live sync run progress for one connection</div>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token (sync:read)" />
        <input id="connection" type="text" placeholder="connection id" />
        <button id="load">Load</button>
        <button id="live" class="secondary">Go Live</button>
      </div>
      <div id="note"></div>
    </div>
    <div class="card">
      <table>
        <thead>
          <tr><th>Run</th><th>Type</th><th>Status</th><th>Stage</th><th>Progress</th><th>Started</th></tr>
        </thead>
        <tbody id="rows"></tbody>
      </table>
    </div>
  </div>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        connection: document.getElementById("connection"),
        load: document.getElementById("load"),
        live: document.getElementById("live"),
        rows: document.getElementById("rows"),
        note: document.getElementById("note"),
      };
      const runs = new Map();
      let socket = null;

      function note(text) { dom.note.textContent = text; }

      function render() {
        const sorted = Array.from(runs.values()).sort(function (a, b) {
          return String(b.startedAt).localeCompare(String(a.startedAt));
        });
        dom.rows.innerHTML = "";
        for (const run of sorted) {
          const tr = document.createElement("tr");
          const progress = Number(run.progressPercent) || 0;
          tr.innerHTML =
            "<td><code>" + String(run.id).slice(0, 8) + "</code></td>" +
            "<td>" + run.syncType + "</td>" +
            "<td class='status " + run.status + "'>" + run.status + "</td>" +
            "<td>" + (run.stage || "") + "</td>" +
            "<td><div class='bar-track'><div class='bar-fill' style='width:" + progress + "%'></div></div></td>" +
            "<td>" + String(run.startedAt).replace("T", " ").slice(0, 19) + "</td>";
          dom.rows.appendChild(tr);
        }
      }

      async function load() {
        const connection = dom.connection.value.trim();
        if (!connection) { note("enter a connection id"); return; }
        try {
          const resp = await fetch("/v1/connections/" + encodeURIComponent(connection) + "/sync/runs?limit=50", {
            headers: {
              "Authorization": "Bearer " + dom.token.value.trim(),
              "X-Correlation-Id": "dash-" + Date.now(),
            },
          });
          if (!resp.ok) { note("load failed: HTTP " + resp.status); return; }
          const body = await resp.json();
          runs.clear();
          for (const run of body.runs || []) { runs.set(run.id, run); }
          render();
          note("loaded " + runs.size + " runs");
        } catch (err) {
          note(String(err));
        }
      }

      function goLive() {
        const connection = dom.connection.value.trim();
        if (!connection) { note("enter a connection id"); return; }
        if (socket) { socket.close(); socket = null; }
        const scheme = location.protocol === "https:" ? "wss" : "ws";
        socket = new WebSocket(scheme + "://" + location.host +
          "/v1/connections/" + encodeURIComponent(connection) + "/sync/stream" +
          "?access_token=" + encodeURIComponent(dom.token.value.trim()) +
          "&correlation_id=dash-" + Date.now());
        socket.onopen = function () { note("live"); };
        socket.onclose = function () { note("stream closed"); };
        socket.onmessage = function (msg) {
          try {
            const run = JSON.parse(msg.data);
            runs.set(run.id, run);
            render();
          } catch (_) {}
        };
      }

      dom.load.addEventListener("click", load);
      dom.live.addEventListener("click", goLive);
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
