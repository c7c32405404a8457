package api

const docsHTML = `<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
  <title>Tabhost API</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
</head>
<body style="height: 100vh; margin: 0; position: relative;">
  <a href="/docs/events" style="
    position: fixed;
    top: 12px;
    right: 16px;
    z-index: 9999;
    background: #161b22;
    border: 1px solid #30363d;
    border-radius: 6px;
    color: #58a6ff;
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
    font-size: 12px;
    padding: 5px 12px;
    text-decoration: none;
  ">Event stream docs</a>
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`

const eventsDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Tab events - Tabhost</title>
  <style>
    body { margin: 0; padding: 24px 32px; max-width: 860px; font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", sans-serif; font-size: 14px; line-height: 1.6; background: #0d1117; color: #c9d1d9; }
    a { color: #58a6ff; }
    code, pre { font-family: ui-monospace, SFMono-Regular, Menlo, monospace; font-size: 13px; }
    pre { background: #161b22; border: 1px solid #30363d; border-radius: 6px; padding: 12px 16px; overflow-x: auto; }
    table { border-collapse: collapse; width: 100%; }
    td, th { border-bottom: 1px solid #30363d; padding: 6px 8px; text-align: left; }
  </style>
</head>
<body>
  <p><a href="/docs">&larr; REST API</a></p>
  <h1>Tab events</h1>
  <p>Lifecycle events are published on two transports. Both accept
  <code>?types=tab.created,tab.closed</code> to filter by event type.</p>
  <ul>
    <li><code>GET /api/events</code>: server-sent events, one <code>event:</code> line per type.</li>
    <li><code>GET /api/events/ws</code>: WebSocket, one JSON text frame per event. Client frames are ignored.</li>
  </ul>
  <h2>Payload</h2>
  <pre>{
  "id": "5f0c4c7e-2f7b-4b0e-9d55-1f3e0b5c9a11",
  "type": "tab.switched",
  "tabId": "x_alice_1760700000000",
  "data": {"from": "y_bob_1760699990000"},
  "time": "2026-10-17T09:00:00Z"
}</pre>
  <h2>Types</h2>
  <table>
    <tr><th>type</th><th>data</th></tr>
    <tr><td><code>tab.created</code></td><td>the tab record</td></tr>
    <tr><td><code>tab.switched</code></td><td><code>{"from": previous tab id}</code></td></tr>
    <tr><td><code>tab.closed</code></td><td>none</td></tr>
    <tr><td><code>tab.navigated</code></td><td>navigation result (outcome, url, error)</td></tr>
    <tr><td><code>tab.login_status</code></td><td><code>logged_in</code>, <code>logged_out</code> or <code>unknown</code></td></tr>
    <tr><td><code>tab.cookies_loaded</code></td><td><code>{"count", "file"}</code></td></tr>
    <tr><td><code>tab.cookies_saved</code></td><td><code>{"count", "file"}</code></td></tr>
    <tr><td><code>tab.upload_finished</code></td><td><code>{"success", "result", "error"}</code></td></tr>
  </table>
  <p>Slow consumers have events dropped rather than stalling the server.</p>
</body>
</html>`
