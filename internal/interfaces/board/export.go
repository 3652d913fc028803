package board

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/Qitor/qitos/internal/infrastructure/trace"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderStandaloneHTML emits a single self-contained HTML document for one
// run: manifest summary, the final answer rendered as markdown, and the full
// step/event record embedded as JSON for offline inspection.
func RenderStandaloneHTML(session *trace.ReplaySession) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{
		"manifest": session.Manifest,
		"events":   session.Events,
		"steps":    session.Steps,
	})
	if err != nil {
		return nil, fmt.Errorf("encode run payload: %w", err)
	}

	runID, _ := session.Manifest["run_id"].(string)
	status, _ := session.Manifest["status"].(string)

	var stopReason, finalResult string
	if summary, ok := session.Manifest["summary"].(map[string]any); ok {
		stopReason, _ = summary["stop_reason"].(string)
		finalResult, _ = summary["final_result"].(string)
	}

	var finalHTML bytes.Buffer
	if finalResult != "" {
		if err := markdown.Convert([]byte(finalResult), &finalHTML); err != nil {
			finalHTML.Reset()
			finalHTML.WriteString("<pre>" + html.EscapeString(finalResult) + "</pre>")
		}
	} else {
		finalHTML.WriteString("<em>no final result</em>")
	}

	var steps bytes.Buffer
	for _, step := range session.Steps {
		stepJSON, _ := json.MarshalIndent(step, "", "  ")
		fmt.Fprintf(&steps, `<details><summary>step %v</summary><pre>%s</pre></details>`,
			step["step_id"], html.EscapeString(string(stepJSON)))
	}

	doc := fmt.Sprintf(`<!doctype html>
<html><head><meta charset="utf-8"><title>qitos run %[1]s</title>
<style>
body{background:#11151c;color:#d8dee9;font:14px/1.5 -apple-system,Segoe UI,sans-serif;margin:2rem auto;max-width:60rem;padding:0 1rem}
h1{font-size:1.2rem} .meta{color:#7b8794} .final{background:#1b2230;border-radius:8px;padding:1rem;margin:1rem 0}
details{margin:.4rem 0;background:#161c27;border-radius:6px;padding:.4rem .8rem}
pre{overflow-x:auto;white-space:pre-wrap;word-break:break-word;color:#a3be8c}
summary{cursor:pointer;color:#88c0d0}
</style></head><body>
<h1>QitOS run %[1]s</h1>
<p class="meta">status: %[2]s · stop_reason: %[3]s · steps: %[4]d · events: %[5]d</p>
<div class="final">%[6]s</div>
%[7]s
<script type="application/json" id="run-payload">%[8]s</script>
</body></html>`,
		html.EscapeString(runID),
		html.EscapeString(status),
		html.EscapeString(stopReason),
		len(session.Steps),
		len(session.Events),
		finalHTML.String(),
		steps.String(),
		string(payload),
	)
	return []byte(doc), nil
}
