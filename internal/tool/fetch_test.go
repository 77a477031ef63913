package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

const articleHTML = `<html><head><title>Kitchen Guide</title></head><body>
<article><h1>Kitchen Guide</h1>
<p>Turning off the kitchen lights at night saves a surprising amount of energy over a year.
Most households leave at least one light on for hours without noticing.</p>
<p>Smart switches make this automatic and can be scheduled per room with very little effort.</p>
</article></body></html>`

func TestFetchURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer server.Close()

	f := NewFetchURL(server.Client())
	out, err := f.Run(context.Background(), map[string]any{"url": server.URL + "/guide"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "kitchen lights") {
		t.Errorf("output = %q", out)
	}
	if strings.Contains(out, "<p>") {
		t.Errorf("markup leaked: %q", out)
	}

	_, err = f.Run(context.Background(), map[string]any{"url": server.URL + "/missing"})
	if err == nil || err.Error() != "404 Not Found" {
		t.Errorf("err = %v, want 404 Not Found", err)
	}
}

func TestFetchURLRejectsBadScheme(t *testing.T) {
	f := NewFetchURL(nil)
	if _, err := f.Run(context.Background(), map[string]any{"url": "file:///etc/passwd"}); err == nil {
		t.Error("file scheme should be rejected")
	}
}
