package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/echo-ai/echo-proxy/internal/accounting"
	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/provider"
	"github.com/echo-ai/echo-proxy/internal/streamtee"
)

// handleRelay is the catch-all provider pipeline: resolve, gate, admit,
// forward, meter, record.
func (s *Server) handleRelay(c *gin.Context) {
	id, ok := callerIdentity(c)
	if !ok {
		s.abortWithError(c, httperr.ErrUnauthorized)
		return
	}

	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, 64<<20))
	if errRead != nil {
		s.abortWithError(c, httperr.NewHTTPError(http.StatusBadRequest, "failed to read request body"))
		return
	}

	path := c.Request.URL.Path
	model := modelFromRequest(body, path)
	handle, errResolve := s.resolver.Resolve(model, path)
	if errResolve != nil {
		// Unknown models are rejected before any upstream call.
		s.abortWithError(c, errResolve)
		return
	}

	if handle.Passthrough() {
		s.forwardPassthrough(c, handle, body)
		return
	}

	ctx := c.Request.Context()
	capacity, errGate := s.gate.Check(ctx, id.User.ID, id.AppID)
	if errGate != nil {
		s.abortWithError(c, errGate)
		return
	}

	if _, errAdmit := s.admission.Admit(ctx, id.User.ID, id.AppID); errAdmit != nil {
		s.abortWithError(c, errAdmit)
		return
	}
	// The request context is canceled on client disconnect, and the counter
	// must still come down in that case. Release with a detached context so
	// the decrement survives the disconnect.
	defer s.admission.Release(context.WithoutCancel(ctx), id.User.ID, id.AppID)

	upstreamBody, errTransform := handle.TransformRequest(ctx, body, id.User.ID)
	if errTransform != nil {
		s.abortWithError(c, fmt.Errorf("transform request: %w", errTransform))
		return
	}

	resp, errForward := s.forward(c, handle, upstreamBody)
	if errForward != nil {
		s.abortWithError(c, httperr.NewHTTPError(http.StatusBadGateway, errForward.Error()))
		return
	}
	defer resp.Body.Close()

	// Non-200 upstream responses propagate as-is and create no transaction.
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
		return
	}

	streaming := wantsStream(body) && handle.SupportsStream() &&
		strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream")

	var captured []byte
	if streaming {
		c.Header("Content-Type", resp.Header.Get("Content-Type"))
		c.Header("Cache-Control", "no-cache")
		c.Status(http.StatusOK)
		var errStream error
		captured, errStream = streamtee.Stream(ctx, c.Writer, resp.Body)
		if errStream != nil {
			// The client connection is already committed; terminate without a
			// transaction and let the deferred release clean up.
			log.WithError(errStream).Warn("stream relay aborted")
			return
		}
	} else {
		raw, errBody := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if errBody != nil {
			s.abortWithError(c, httperr.NewHTTPError(http.StatusBadGateway, "failed to read upstream response"))
			return
		}
		captured = raw
	}

	cost, errParse := handle.HandleBody(captured, body)
	if errParse != nil {
		if streaming {
			log.WithError(errParse).Error("usage parse failed after stream completion")
			return
		}
		s.abortWithError(c, httperr.NewHTTPError(http.StatusBadGateway, errParse.Error()))
		return
	}

	// Transform before billing so a bad response body never produces a
	// charge the client did not receive value for.
	var out []byte
	if !streaming {
		var errOut error
		out, errOut = handle.TransformResponse(ctx, captured)
		if errOut != nil {
			s.abortWithError(c, httperr.NewHTTPError(http.StatusBadGateway, errOut.Error()))
			return
		}
	}

	if _, errRecord := s.engine.Record(ctx, accounting.Charge{
		UserID:      id.User.ID,
		AppID:       id.AppID,
		APIKeyID:    id.APIKeyID,
		SpendPoolID: capacity.SpendPoolID,
		Cost:        cost,
	}); errRecord != nil {
		log.WithError(errRecord).Error("failed to record transaction")
		if !streaming {
			s.abortWithError(c, httperr.NewHTTPError(http.StatusInternalServerError, "accounting failure"))
		}
		return
	}

	if !streaming {
		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(http.StatusOK, contentType, out)
	}
}

// forwardPassthrough relays a non-billable request byte for byte.
func (s *Server) forwardPassthrough(c *gin.Context, handle provider.Handle, body []byte) {
	ctx := c.Request.Context()
	resp, errForward := s.forward(c, handle, body)
	if errForward != nil {
		s.abortWithError(c, httperr.NewHTTPError(http.StatusBadGateway, errForward.Error()))
		return
	}
	defer resp.Body.Close()

	raw, errRead := io.ReadAll(io.LimitReader(resp.Body, 512<<20))
	if errRead != nil {
		s.abortWithError(c, httperr.NewHTTPError(http.StatusBadGateway, "failed to read upstream response"))
		return
	}
	if resp.StatusCode == http.StatusOK {
		if out, errOut := handle.TransformResponse(ctx, raw); errOut == nil {
			raw = out
		}
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), raw)
}

// forward builds and performs the upstream call.
func (s *Server) forward(c *gin.Context, handle provider.Handle, body []byte) (*http.Response, error) {
	ctx := c.Request.Context()
	url := handle.BaseURL(c.Request.URL.Path) + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		url += "?" + c.Request.URL.RawQuery
	}

	req, errReq := http.NewRequestWithContext(ctx, c.Request.Method, url, bytes.NewReader(body))
	if errReq != nil {
		return nil, fmt.Errorf("build upstream request: %w", errReq)
	}
	headers, errAuth := handle.AuthHeaders(ctx)
	if errAuth != nil {
		return nil, fmt.Errorf("build auth headers: %w", errAuth)
	}
	req.Header = headers
	if accept := c.GetHeader("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, errDo := s.httpClient.Do(req)
	if errDo != nil {
		return nil, fmt.Errorf("upstream %s: %w", handle.Name(), errDo)
	}
	return resp, nil
}

// modelFromRequest extracts the model from the JSON body, falling back to
// gemini-style /models/{model}:action paths.
func modelFromRequest(body []byte, path string) string {
	var probe struct {
		Model string `json:"model"`
	}
	if errUnmarshal := json.Unmarshal(body, &probe); errUnmarshal == nil && probe.Model != "" {
		return probe.Model
	}

	if i := strings.Index(path, "/models/"); i >= 0 {
		rest := path[i+len("/models/"):]
		if j := strings.IndexAny(rest, ":/"); j >= 0 {
			return rest[:j]
		}
		return rest
	}
	return ""
}

// wantsStream reports whether the request body asked for a streamed response.
func wantsStream(body []byte) bool {
	var probe struct {
		Stream bool `json:"stream"`
	}
	if errUnmarshal := json.Unmarshal(body, &probe); errUnmarshal == nil && probe.Stream {
		return true
	}
	return false
}
