package proxy

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// embedScript is injected into every proxied HTML page. It bridges the
// embedding parent window and the pod: focus and view switches come in as
// messages, and Meta/Ctrl+digit shortcuts go back out so the parent's
// keybindings keep working inside the iframe.
const embedScript = `(function () {
  window.addEventListener("message", function (event) {
    var data = event.data || {};
    if (data.type === "pinacle-focus") {
      window.focus();
      if (document.activeElement && data.blur) {
        document.activeElement.blur();
      }
    } else if (data.type === "pinacle-source-control-view") {
      window.dispatchEvent(new CustomEvent("pinacle:source-control-view", { detail: data }));
    }
  });
  window.addEventListener("keydown", function (event) {
    if (!(event.metaKey || event.ctrlKey) || event.altKey || event.shiftKey) {
      return;
    }
    if (event.key >= "1" && event.key <= "9") {
      event.preventDefault();
      var parent = window.parent !== window ? window.parent : window.opener;
      if (parent) {
        parent.postMessage({ type: "pinacle-keyboard-shortcut", key: event.key, meta: event.metaKey }, "*");
      }
    }
  }, true);
})();`

var (
	headTag = regexp.MustCompile(`(?i)<head[^>]*>`)
	bodyTag = regexp.MustCompile(`(?i)<body[^>]*>`)
	htmlTag = regexp.MustCompile(`(?i)<html[^>]*>`)

	scriptSrcDirective = regexp.MustCompile(`(?i)script-src([^;]*)`)
)

// newNonce returns a fresh per-response CSP nonce.
func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// InjectIntoResponse rewrites a buffered HTML response in place: embedding
// blockers are stripped, the CSP gains a nonce for our script, and the
// script lands immediately after <head> (or <body>, or <html>).
func InjectIntoResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}

	nonce, err := newNonce()
	if err != nil {
		return err
	}

	resp.Header.Del("Cross-Origin-Opener-Policy")
	resp.Header.Del("X-Frame-Options")
	if csp := resp.Header.Get("Content-Security-Policy"); csp != "" {
		resp.Header.Set("Content-Security-Policy", addNonceToCSP(csp, nonce))
	}

	injected := InjectScript(body, nonce)
	resp.Body = io.NopCloser(bytes.NewReader(injected))
	resp.ContentLength = int64(len(injected))
	resp.Header.Set("Content-Length", strconv.Itoa(len(injected)))
	return nil
}

// InjectScript places the embed script after the first matching anchor tag,
// preferring <head>, then <body>, then <html>. Pages with none of the three
// get the script prepended.
func InjectScript(body []byte, nonce string) []byte {
	script := []byte(fmt.Sprintf("<script nonce=%q>%s</script>", nonce, embedScript))

	for _, tag := range []*regexp.Regexp{headTag, bodyTag, htmlTag} {
		if loc := tag.FindIndex(body); loc != nil {
			out := make([]byte, 0, len(body)+len(script))
			out = append(out, body[:loc[1]]...)
			out = append(out, script...)
			out = append(out, body[loc[1]:]...)
			return out
		}
	}
	return append(script, body...)
}

// addNonceToCSP widens an existing script-src directive with our nonce.
// Policies without script-src are left alone.
func addNonceToCSP(csp, nonce string) string {
	if !scriptSrcDirective.MatchString(csp) {
		return csp
	}
	return scriptSrcDirective.ReplaceAllStringFunc(csp, func(directive string) string {
		return strings.TrimRight(directive, " ") + " 'nonce-" + nonce + "'"
	})
}

// isHTML reports whether the response should get the script treatment.
func isHTML(resp *http.Response) bool {
	return strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html")
}
