package api

import (
	"time"

	"github.com/agentspy-io/agentspy/pkg/models"
)

// InfoResponse is returned by GET /api/v1/info. LangSmith SDKs read it
// before batching to learn the server's ingest limits.
type InfoResponse struct {
	Version           string            `json:"version"`
	TenantHandle      string            `json:"tenant_handle"`
	BatchIngestConfig BatchIngestConfig `json:"batch_ingest_config"`
}

// BatchIngestConfig advertises the batch envelope limits.
type BatchIngestConfig struct {
	SizeLimitBytes int64 `json:"size_limit_bytes"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version"`
	Checks  map[string]HealthCheck `json:"checks"`
}

// HealthCheck is one component's verdict inside HealthResponse.
type HealthCheck struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// ProjectsResponse wraps the dashboard project listing.
type ProjectsResponse struct {
	Projects []models.ProjectSummary `json:"projects"`
}

// FeedbackListResponse wraps a run's feedback entries.
type FeedbackListResponse struct {
	Feedback []*models.Feedback `json:"feedback"`
}

// SessionResponse is returned by POST /api/v1/auth/session.
type SessionResponse struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
}
