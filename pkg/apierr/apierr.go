// Package apierr writes the balancer's flat JSON error envelope.
//
// Errors are shaped {"error": "...", "details": "..."} so existing clients
// of the llama-server fleet keep parsing them; this is intentionally not
// the OpenAI error object.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// Envelope is the wire form of an error response.
type Envelope struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Write writes the error as JSON with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, details string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(Envelope{Error: message, Details: details})
	ctx.SetBody(body)
}

// WriteNoBackend writes the 503 returned when no backend can take the
// request.
func WriteNoBackend(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "No backend configured", "")
}

// WriteUpstreamFailed writes the 502 returned when the upstream dispatch
// itself failed (connect error, broken pipe, malformed response).
func WriteUpstreamFailed(ctx *fasthttp.RequestCtx, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	Write(ctx, fasthttp.StatusBadGateway, "Upstream request failed", details)
}
