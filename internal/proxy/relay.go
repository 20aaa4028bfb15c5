package proxy

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llama-balancer/pkg/apierr"
)

// hopHeaders are connection-scoped and must not be forwarded in either
// direction (RFC 9110 §7.6.1).
var hopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// handleProxy relays one request to a backend. Chat completions get the
// full treatment (identity extraction, backend selection, accounting,
// sticky affinity); every other path is forwarded to the fallback backend
// untouched.
func (b *Balancer) handleProxy(ctx *fasthttp.RequestCtx) {
	path := string(ctx.Path())
	method := string(ctx.Method())
	clientIP := clientIP(ctx)

	isChat := method == fasthttp.MethodPost &&
		strings.TrimRight(path, "/") == "/v1/chat/completions"

	body := ctx.PostBody()
	parsed := len(body) > 0 && gjson.ValidBytes(body)

	var (
		backend        string
		serverName     string
		requestedModel string
		chosenModel    string
		ident          string
	)

	if isChat && parsed {
		requestedModel = gjson.GetBytes(body, "model").String()
		username := extractUsername(body)
		ident = username
		if ident == "" {
			ident = clientIP
		}

		if requestedModel != "" {
			if b.access != nil {
				b.access.Record(clientIP, requestedModel, username)
			}
			res := b.selector.Select(ident, requestedModel)
			backend = res.Backend
			serverName = res.Server
			chosenModel = res.Model
			if b.metrics != nil {
				b.metrics.RecordSelector(res.Outcome)
			}
			b.log.Debug("routed chat request",
				slog.String("model", requestedModel),
				slog.String("instance", chosenModel),
				slog.String("server", serverName),
				slog.String("outcome", res.Outcome),
			)
		}
	}
	if backend == "" {
		backend = b.reg.FallbackBackend()
	}
	if backend == "" {
		apierr.WriteNoBackend(ctx)
		return
	}

	// Body rewrites only apply to parsed chat requests.
	finalBody := body
	if isChat && parsed {
		finalBody = applyGrammarHook(finalBody)
		if chosenModel != "" && chosenModel != requestedModel {
			if out, err := sjson.SetBytes(finalBody, "model", chosenModel); err == nil {
				finalBody = out
			}
		}
	}

	// Accounting starts before dispatch so concurrent selections see this
	// request, and is released exactly once when the relay finishes. On a
	// dispatched stream the release also refreshes the sticky binding, so
	// affinity lasts a full TTL past the end of a long completion rather
	// than past its start.
	tracked := isChat && chosenModel != ""
	if tracked {
		b.tracker.Inc(backend, chosenModel)
		if b.metrics != nil {
			b.metrics.IncInFlight()
		}
	}
	var releaseOnce sync.Once
	release := func(refreshSticky bool) {
		releaseOnce.Do(func() {
			if !tracked {
				return
			}
			b.tracker.Dec(backend, chosenModel)
			if b.metrics != nil {
				b.metrics.DecInFlight()
			}
			if refreshSticky && serverName != "" {
				b.sticky.Update(ident, serverName, chosenModel)
			}
		})
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()

	req.Header.SetMethod(method)
	req.SetRequestURI(backend + string(ctx.RequestURI()))
	copyRequestHeaders(&ctx.Request.Header, &req.Header)
	// A body is only forwarded for methods that carry one.
	switch method {
	case fasthttp.MethodPost, fasthttp.MethodPut, fasthttp.MethodPatch:
		if len(finalBody) > 0 {
			req.SetBody(finalBody)
		}
	}

	if err := b.upstream.Do(req, resp); err != nil {
		fasthttp.ReleaseResponse(resp)
		release(false)
		if b.metrics != nil {
			b.metrics.RecordUpstreamError(backend)
		}
		b.log.Warn("upstream request failed",
			slog.String("backend", backend),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		apierr.WriteUpstreamFailed(ctx, err)
		return
	}

	// Affinity is recorded on successful dispatch, keyed by the instance
	// that actually served the request. Exclusivity eviction runs against
	// the served name, not the requested one.
	if tracked && serverName != "" {
		b.sticky.Update(ident, serverName, chosenModel)
	}

	status := resp.StatusCode()
	ctx.SetStatusCode(status)
	copyResponseHeaders(&resp.Header, &ctx.Response.Header)
	if b.metrics != nil {
		b.metrics.RecordProxied(backend, status)
	}

	b.relayBody(ctx, resp, backend, func() { release(true) })
}

// relayBody streams the upstream response body to the client in fixed-size
// chunks. The response object and the accounting slot are released when the
// stream ends, no matter how it ends.
func (b *Balancer) relayBody(ctx *fasthttp.RequestCtx, resp *fasthttp.Response, backend string, release func()) {
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()
		defer fasthttp.ReleaseResponse(resp)
		defer func() {
			if r := recover(); r != nil {
				b.log.Warn("panic while streaming response", slog.Any("panic", r))
			}
		}()

		var reader io.Reader = resp.BodyStream()
		if reader == nil {
			reader = bytes.NewReader(resp.Body())
		}

		buf := make([]byte, streamChunkSize)
		for {
			n, err := reader.Read(buf)
			if n > 0 {
				if b.metrics != nil {
					b.metrics.AddStreamBytes(backend, n)
				}
				if _, werr := w.Write(buf[:n]); werr != nil {
					return
				}
				if ferr := w.Flush(); ferr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	})
}

// copyRequestHeaders forwards client headers upstream, minus hop-by-hop
// headers and Host (fasthttp derives Host from the target URI).
func copyRequestHeaders(src *fasthttp.RequestHeader, dst *fasthttp.RequestHeader) {
	src.VisitAll(func(k, v []byte) {
		key := string(k)
		lower := strings.ToLower(key)
		if hopHeaders[lower] || lower == "host" {
			return
		}
		dst.SetBytesKV(k, v)
	})
}

// copyResponseHeaders forwards upstream headers to the client, minus
// hop-by-hop headers and Content-Length (the body is re-chunked while
// streaming).
func copyResponseHeaders(src *fasthttp.ResponseHeader, dst *fasthttp.ResponseHeader) {
	src.VisitAll(func(k, v []byte) {
		lower := strings.ToLower(string(k))
		if hopHeaders[lower] || lower == "content-length" {
			return
		}
		dst.SetBytesKV(k, v)
	})
}

// clientIP prefers the first X-Forwarded-For hop so the balancer can sit
// behind an edge proxy, falling back to the socket peer.
func clientIP(ctx *fasthttp.RequestCtx) string {
	if xff := ctx.Request.Header.Peek("X-Forwarded-For"); len(xff) > 0 {
		first, _, _ := strings.Cut(string(xff), ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return ctx.RemoteIP().String()
}
