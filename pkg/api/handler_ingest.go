package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/agentspy-io/agentspy/pkg/models"
	"github.com/agentspy-io/agentspy/pkg/version"
)

// tenantHandle is static: this is a self-hosted single-tenant server,
// but LangSmith SDKs expect the field to exist.
const tenantHandle = "default"

// ─────────────────────────────────────────────────────────────────────────────
// GET /api/v1/info
// ─────────────────────────────────────────────────────────────────────────────

// infoHandler advertises server identity and ingest limits. LangSmith
// SDKs call it once at startup to size their batches.
func (s *Server) infoHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, &InfoResponse{
		Version:      version.Version,
		TenantHandle: tenantHandle,
		BatchIngestConfig: BatchIngestConfig{
			SizeLimitBytes: maxRequestBytes,
		},
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// POST /api/v1/runs/batch
// ─────────────────────────────────────────────────────────────────────────────

// batchIngestHandler ingests a LangSmith batch envelope {post, patch}.
// Row failures are reported per row; the envelope itself only fails on
// malformed JSON or an over-limit body.
func (s *Server) batchIngestHandler(c *echo.Context) error {
	// 1. Read the envelope under the advertised size limit
	body, herr := readBody(c, maxRequestBytes)
	if herr != nil {
		return herr
	}

	// 2. Decode the envelope; rows stay raw for per-row validation
	var req models.BatchIngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("malformed batch envelope: %v", err))
	}

	// 3. Ingest; the result carries per-row errors alongside the counts
	result, err := s.runService.IngestBatch(c.Request().Context(), models.SourceLangSmith, req)
	if err != nil {
		return mapServiceError(err)
	}

	return c.JSON(http.StatusOK, result)
}

// ─────────────────────────────────────────────────────────────────────────────
// POST /api/v1/runs
// ─────────────────────────────────────────────────────────────────────────────

// createRunHandler ingests one run outside a batch envelope. Older
// LangSmith SDKs and curl-level integrations use this path.
func (s *Server) createRunHandler(c *echo.Context) error {
	body, herr := readBody(c, s.cfg.MaxTraceSizeBytes())
	if herr != nil {
		return herr
	}

	run, err := s.runService.CreateRun(c.Request().Context(), models.SourceLangSmith, body)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// ─────────────────────────────────────────────────────────────────────────────
// PATCH /api/v1/runs/:id
// ─────────────────────────────────────────────────────────────────────────────

// patchRunHandler merges later-arriving fields (end_time, outputs,
// error) into an existing run, or upserts when the create never landed.
func (s *Server) patchRunHandler(c *echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "run id is required")
	}

	body, herr := readBody(c, s.cfg.MaxTraceSizeBytes())
	if herr != nil {
		return herr
	}

	run, err := s.runService.PatchRun(c.Request().Context(), models.SourceLangSmith, id, body)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// ─────────────────────────────────────────────────────────────────────────────
// GET /api/v1/runs/:id
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) getRunHandler(c *echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid run id")
	}

	run, err := s.runService.GetRun(c.Request().Context(), id)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, run)
}

// readBody reads at most maxBytes of the request body, mapping the
// over-limit case to 413. The outer MaxBytesReader enforces the global
// envelope cap; this applies the tighter per-endpoint one.
func readBody(c *echo.Context, maxBytes int64) ([]byte, *echo.HTTPError) {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBytes+1))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds maximum size of %d bytes", maxBytes))
		}
		return nil, echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}
	if int64(len(body)) > maxBytes {
		return nil, echo.NewHTTPError(http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", maxBytes))
	}
	return body, nil
}
