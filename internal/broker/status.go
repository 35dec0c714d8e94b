// ABOUTME: Human-readable broker status page rendered from a markdown summary
// ABOUTME: Uses goldmark with the table extension; raw HTML in paths is escaped

package broker

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/2389/opencode-web/internal/config"
	"github.com/2389/opencode-web/internal/registry"
)

var markdown = goldmark.New(goldmark.WithExtensions(extension.Table))

const statusPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>%s broker</title>
<style>
body { font-family: system-ui, sans-serif; margin: 2rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #ccc; padding: 0.3rem 0.6rem; text-align: left; }
</style>
</head>
<body>
%s
</body>
</html>
`

// handleStatus handles GET /status.
func (b *Broker) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	var htmlBuf bytes.Buffer
	if err := markdown.Convert([]byte(b.statusMarkdown(time.Now())), &htmlBuf); err != nil {
		b.logger.Error("failed to convert markdown", "error", err)
		htmlBuf.Reset()
		htmlBuf.WriteString("<p>Failed to render status.</p>")
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, statusPage, config.ServiceName, htmlBuf.String())
}

// statusMarkdown summarizes the broker and its instances as a markdown document.
func (b *Broker) statusMarkdown(now time.Time) string {
	instances := b.registry.List()

	online := 0
	for _, inst := range instances {
		if inst.Status == registry.StatusOnline {
			online++
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s broker\n\n", config.ServiceName)
	fmt.Fprintf(&sb, "- Version: %s\n", config.Version)
	fmt.Fprintf(&sb, "- Port: %d\n", b.port)
	fmt.Fprintf(&sb, "- Instances: %d online, %d known\n\n", online, len(instances))

	if len(instances) == 0 {
		sb.WriteString("No instances have registered yet.\n")
		return sb.String()
	}

	sb.WriteString("| Directory | Port | Status | Last seen |\n")
	sb.WriteString("|---|---|---|---|\n")
	for _, inst := range instances {
		lastSeen := "never"
		if !inst.LastSeen.IsZero() {
			lastSeen = now.Sub(inst.LastSeen).Truncate(time.Second).String() + " ago"
		}
		fmt.Fprintf(&sb, "| %s | %d | %s | %s |\n", escapeCell(inst.CWD), inst.Port, inst.Status, lastSeen)
	}
	return sb.String()
}

// escapeCell keeps a value inside one markdown table cell.
func escapeCell(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "`", "\\`")
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}
