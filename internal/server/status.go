package server

import (
	"net/http"
	"text/template"
	"time"

	sprig "github.com/Masterminds/sprig/v3"
)

// statusPage is the operator-facing view of the worker lifecycle and the
// versioned cache. It is deliberately dependency-free HTML: the page must
// render while the origin is unreachable.
const statusPage = `<!doctype html>
<html>
<head><title>stagehand status</title></head>
<body>
<h1>stagehand</h1>
<p>rendered {{ .Now | date "2006-01-02 15:04:05 MST" }}</p>
<table border="1" cellpadding="4">
<tr><th>active version</th><td>{{ .Snapshot.ActiveVersion | default "none" }}</td></tr>
<tr><th>active state</th><td>{{ .Snapshot.ActiveState | default "n/a" }}</td></tr>
<tr><th>waiting version</th><td>{{ .Snapshot.WaitingVersion | default "none" }}</td></tr>
<tr><th>cache backend</th><td>{{ .Snapshot.Backend }}</td></tr>
</table>
{{ if .Snapshot.Versions }}
<h2>cache versions</h2>
<table border="1" cellpadding="4">
<tr><th>version</th><th>entries</th></tr>
{{ range .Snapshot.Versions }}<tr><td>{{ .Name }}</td><td>{{ .Entries }}</td></tr>
{{ end }}</table>
{{ else }}
<p>no cache versions installed</p>
{{ end }}
</body>
</html>
`

var statusTemplate = template.Must(
	template.New("status").Funcs(sprig.TxtFuncMap()).Parse(statusPage))

func serveStatus(w http.ResponseWriter, r *http.Request, g Gateway) {
	data := map[string]any{
		"Now":      time.Now(),
		"Snapshot": g.Snapshot(r.Context()),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := statusTemplate.Execute(w, data); err != nil {
		http.Error(w, "status render failed", http.StatusInternalServerError)
	}
}
