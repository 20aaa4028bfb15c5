package proxy

import "github.com/valyala/fasthttp"

// handleDashboard serves the static monitoring page. All data comes from
// /llmhealth-snapshot and /access-log-stats; the page just renders them.
func (b *Balancer) handleDashboard(ctx *fasthttp.RequestCtx) {
	ctx.SetContentType("text/html; charset=utf-8")
	ctx.SetBodyString(dashboardHTML)
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>llama-balancer monitor</title>
<style>
  body { font-family: ui-monospace, monospace; background: #111; color: #ddd; margin: 1.5rem; }
  h1 { font-size: 1.1rem; }
  h2 { font-size: 0.95rem; margin-top: 1.5rem; border-bottom: 1px solid #333; padding-bottom: 0.25rem; }
  table { border-collapse: collapse; margin-top: 0.5rem; }
  th, td { border: 1px solid #333; padding: 0.25rem 0.6rem; text-align: left; font-size: 0.85rem; }
  th { background: #1c1c1c; }
  .idle    { color: #6c6; }
  .busy    { color: #fb4; }
  .invalid { color: #f66; }
  #updated { color: #888; font-size: 0.8rem; }
</style>
</head>
<body>
<h1>llama-balancer monitor</h1>
<div id="updated">loading…</div>

<h2>Backends</h2>
<table id="backends">
  <thead><tr>
    <th>server</th><th>base</th><th>status</th><th>gpu max (5s)</th>
    <th>in flight</th><th>cap</th><th>per model</th>
  </tr></thead>
  <tbody></tbody>
</table>

<h2>Routing rules</h2>
<table id="models">
  <thead><tr><th>pattern</th><th>servers</th></tr></thead>
  <tbody></tbody>
</table>

<h2>Sticky bindings</h2>
<table id="sticky">
  <thead><tr><th>ident</th><th>model</th><th>backend</th><th>updated</th></tr></thead>
  <tbody></tbody>
</table>

<h2>Requests (last hour)</h2>
<div id="stats"></div>

<script>
function esc(s) {
  return String(s).replace(/[&<>"]/g, c => ({'&':'&amp;','<':'&lt;','>':'&gt;','"':'&quot;'}[c]));
}

async function refresh() {
  try {
    const [snap, stats] = await Promise.all([
      fetch('/llmhealth-snapshot').then(r => r.json()),
      fetch('/access-log-stats').then(r => r.json()),
    ]);

    document.getElementById('updated').textContent =
      'local: ' + snap.local.status + ' (gpu ' + snap.local.gpu_util_max5s.toFixed(1) + '%)  |  ' + snap.now;

    const btb = document.querySelector('#backends tbody');
    btb.innerHTML = '';
    for (const b of snap.backends) {
      const gpu = b.last && b.last.gpu_util_max5s != null ? b.last.gpu_util_max5s.toFixed(1) + '%' : '-';
      const perModel = Object.entries(b.model_inflight || {})
        .map(([m, n]) => esc(m) + ':' + n).join(' ') || '-';
      btb.insertAdjacentHTML('beforeend',
        '<tr><td>' + esc(b.name) + '</td><td>' + esc(b.base) + '</td>' +
        '<td class="' + esc(b.status) + '">' + esc(b.status) + '</td>' +
        '<td>' + gpu + '</td><td>' + b.total_inflight + '</td>' +
        '<td>' + (b.request_max ?? '∞') + '</td><td>' + perModel + '</td></tr>');
    }

    const mtb = document.querySelector('#models tbody');
    mtb.innerHTML = '';
    for (const [pattern, servers] of Object.entries(snap.models || {})) {
      mtb.insertAdjacentHTML('beforeend',
        '<tr><td>' + esc(pattern) + '</td><td>' + esc(servers.join(', ')) + '</td></tr>');
    }

    const stb = document.querySelector('#sticky tbody');
    stb.innerHTML = '';
    for (const s of snap.sticky) {
      stb.insertAdjacentHTML('beforeend',
        '<tr><td>' + esc(s.ident) + '</td><td>' + esc(s.model) + '</td>' +
        '<td>' + esc(s.backend) + '</td><td>' + esc(s.updated_at) + '</td></tr>');
    }

    document.getElementById('stats').textContent =
      stats.total_requests + ' requests, ' + stats.unique_ips + ' IPs, ' +
      stats.unique_models + ' models, ' + stats.unique_usernames + ' users';
  } catch (err) {
    document.getElementById('updated').textContent = 'refresh failed: ' + err;
  }
}

refresh();
setInterval(refresh, 2000);
</script>
</body>
</html>
`
