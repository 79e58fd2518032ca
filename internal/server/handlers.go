package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/haniae/Team2-CBA-Project-sub005/internal/feedback"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/orchestrator"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/retrieval"
	"github.com/haniae/Team2-CBA-Project-sub005/internal/verify"
)

// Pipeline is the orchestrator surface the handlers depend on.
type Pipeline interface {
	ProcessQuery(ctx context.Context, req orchestrator.Request) (*orchestrator.Answer, error)
	VerifyAnswer(ctx context.Context, query, answer string) (verify.AnswerVerification, error)
	RecordFeedback(ctx context.Context, rec feedback.Record) error
	Weights() map[retrieval.SourceKind]float64
}

// QueryHandler serves the query, verification and feedback endpoints.
type QueryHandler struct {
	Pipeline Pipeline
}

func (h *QueryHandler) Register(g *echo.Group, secret []byte) {
	g.Use(authMiddleware(secret))
	g.POST("/query", h.query)
	g.POST("/verify", h.verify)
	g.POST("/feedback", h.feedback)
	g.GET("/weights", h.weights)
}

func (h *QueryHandler) query(c echo.Context) error {
	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	ans, err := h.Pipeline.ProcessQuery(c.Request().Context(), orchestrator.Request{
		Query:    req.Query,
		Entities: req.Entities,
		Intent:   req.Intent,
	})
	if err != nil {
		if errors.Is(err, retrieval.ErrAllSourcesFailed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "retrieval backends unavailable")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// a refusal is a well-formed answer, not an error status
	return c.JSON(http.StatusOK, ans)
}

func (h *QueryHandler) verify(c echo.Context) error {
	var req VerifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Query) == "" || strings.TrimSpace(req.Answer) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query and answer are required")
	}
	res, err := h.Pipeline.VerifyAnswer(c.Request().Context(), req.Query, req.Answer)
	if err != nil {
		if errors.Is(err, retrieval.ErrAllSourcesFailed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "retrieval backends unavailable")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}

func (h *QueryHandler) feedback(c echo.Context) error {
	var req FeedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	kinds := make([]retrieval.SourceKind, 0, len(req.SourceKinds))
	for _, k := range req.SourceKinds {
		kinds = append(kinds, retrieval.SourceKind(k))
	}
	rec := feedback.NewRecord(req.QueryID, req.Verdict, req.Comment, kinds)
	if err := h.Pipeline.RecordFeedback(c.Request().Context(), rec); err != nil {
		if errors.Is(err, orchestrator.ErrInvalidFeedback) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, FeedbackResponse{ID: rec.ID})
}

func (h *QueryHandler) weights(c echo.Context) error {
	return c.JSON(http.StatusOK, h.Pipeline.Weights())
}
