package handlers

import (
	"fmt"
	"net/http"
)

// docsPage is the Stoplight Elements shell. The page title and the OpenAPI
// document URL are the only dynamic parts, so the page is rendered once at
// construction time. The theme follows the browser's color-scheme
// preference.
const docsPage = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>%s</title>
  <link rel="stylesheet" href="https://unpkg.com/@stoplight/elements@8/styles.min.css" />
  <script src="https://unpkg.com/@stoplight/elements@8/web-components.min.js" crossorigin="anonymous"></script>
  <script>
    const dark = window.matchMedia('(prefers-color-scheme: dark)').matches;
    document.documentElement.setAttribute('data-theme', dark ? 'dark' : 'light');
  </script>
  <style>
    html[data-theme="dark"] { color-scheme: dark; }
    html[data-theme="dark"] body { background-color: #16161d; }
    html[data-theme="light"] { color-scheme: light; }
  </style>
</head>
<body style="height: 100vh; margin: 0;">
  <elements-api apiDescriptionUrl="%s" router="hash" layout="sidebar" tryItCredentialsPolicy="same-origin" />
</body>
</html>`

// DocsHandler serves an interactive API reference built on Stoplight
// Elements.
type DocsHandler struct {
	page []byte
}

// NewDocsHandler renders the documentation page for the OpenAPI document
// at specPath, e.g. "/openapi.yaml".
func NewDocsHandler(title, specPath string) *DocsHandler {
	return &DocsHandler{page: fmt.Appendf(nil, docsPage, title, specPath)}
}

func (h *DocsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(h.page)
}
