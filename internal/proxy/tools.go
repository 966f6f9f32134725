package proxy

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/echo-ai/echo-proxy/internal/accounting"
	"github.com/echo-ai/echo-proxy/internal/httperr"
	"github.com/echo-ai/echo-proxy/internal/resource"
)

// handleTool serves an external tool call: gate, invoke, record at the flat
// per-call price, relay the tool response verbatim.
func (s *Server) handleTool(kind string) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := callerIdentity(c)
		if !ok {
			s.abortWithError(c, httperr.ErrUnauthorized)
			return
		}
		if s.tools == nil {
			s.abortWithError(c, httperr.NewHTTPError(http.StatusNotImplemented, "tool providers not configured"))
			return
		}

		body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, 4<<20))
		if errRead != nil {
			s.abortWithError(c, httperr.NewHTTPError(http.StatusBadRequest, "failed to read request body"))
			return
		}

		ctx := c.Request.Context()
		capacity, errGate := s.gate.Check(ctx, id.User.ID, id.AppID)
		if errGate != nil {
			s.abortWithError(c, errGate)
			return
		}

		result, errTool := s.invokeTool(ctx, kind, body)
		if errTool != nil {
			s.abortWithError(c, errTool)
			return
		}

		if _, errRecord := s.engine.Record(ctx, accounting.Charge{
			UserID:      id.User.ID,
			AppID:       id.AppID,
			APIKeyID:    id.APIKeyID,
			SpendPoolID: capacity.SpendPoolID,
			Cost:        result.Cost,
		}); errRecord != nil {
			log.WithError(errRecord).Error("failed to record tool transaction")
			s.abortWithError(c, httperr.NewHTTPError(http.StatusInternalServerError, "accounting failure"))
			return
		}

		c.Data(http.StatusOK, "application/json", result.Body)
	}
}

func (s *Server) invokeTool(ctx context.Context, kind string, body []byte) (*resource.ToolResult, error) {
	switch kind {
	case "tavily-search":
		return s.tools.TavilySearch(ctx, body)
	case "tavily-extract":
		return s.tools.TavilyExtract(ctx, body)
	case "tavily-crawl":
		return s.tools.TavilyCrawl(ctx, body)
	case "e2b-execute":
		return s.tools.E2BExecute(ctx, body)
	default:
		return nil, httperr.NewHTTPError(http.StatusNotFound, "unknown tool")
	}
}
