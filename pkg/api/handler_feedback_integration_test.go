package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentspy-io/agentspy/pkg/models"
)

func TestFeedbackLifecycle(t *testing.T) {
	s, _ := newTestServer(t)
	runID := uuid.New().String()

	rec := doRequest(s, http.MethodPost, "/api/v1/runs", createRow(runID, "", "agent.plan"))
	require.Equal(t, http.StatusOK, rec.Code)

	// Attach a score.
	rec = doRequest(s, http.MethodPost, "/api/v1/feedback",
		fmt.Sprintf(`{"run_id": %q, "key": "correctness", "score": 0.9, "comment": "solid answer"}`, runID))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created models.Feedback
	decodeBody(t, rec, &created)
	assert.Equal(t, runID, created.RunID.String())
	assert.Equal(t, "correctness", created.Key)
	require.NotNil(t, created.Score)
	assert.Equal(t, 0.9, *created.Score)
	assert.NotEqual(t, uuid.Nil, created.ID, "server generates the id when the client sends none")

	// Fetch it back by id.
	rec = doRequest(s, http.MethodGet, "/api/v1/feedback/"+created.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var fetched models.Feedback
	decodeBody(t, rec, &fetched)
	assert.Equal(t, created.ID, fetched.ID)

	// And through the run's listing.
	rec = doRequest(s, http.MethodGet, "/api/v1/runs/"+runID+"/feedback", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var list FeedbackListResponse
	decodeBody(t, rec, &list)
	require.Len(t, list.Feedback, 1)
	assert.Equal(t, "correctness", list.Feedback[0].Key)
}

func TestFeedbackBeforeRunArrives(t *testing.T) {
	s, _ := newTestServer(t)

	// SDKs post feedback concurrently with the trace; the early arrival
	// must not be rejected just because the run is not stored yet.
	rec := doRequest(s, http.MethodPost, "/api/v1/feedback",
		fmt.Sprintf(`{"run_id": %q, "key": "user_rating", "score": 1}`, uuid.New().String()))
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestFeedbackDuplicateID(t *testing.T) {
	s, _ := newTestServer(t)
	fbID := uuid.New().String()
	body := fmt.Sprintf(`{"id": %q, "run_id": %q, "key": "correctness", "score": 0.5}`,
		fbID, uuid.New().String())

	rec := doRequest(s, http.MethodPost, "/api/v1/feedback", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(s, http.MethodPost, "/api/v1/feedback", body)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already exists")
}

func TestFeedbackValidation(t *testing.T) {
	s, _ := newTestServer(t)

	t.Run("run_id must be a UUID", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/api/v1/feedback",
			`{"run_id": "trace-9", "key": "correctness"}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("key is required", func(t *testing.T) {
		rec := doRequest(s, http.MethodPost, "/api/v1/feedback",
			fmt.Sprintf(`{"run_id": %q}`, uuid.New().String()))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown feedback id is 404", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/api/v1/feedback/"+uuid.New().String(), "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("malformed feedback id is 400", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/api/v1/feedback/fb-1", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("run with no feedback lists empty", func(t *testing.T) {
		rec := doRequest(s, http.MethodGet, "/api/v1/runs/"+uuid.New().String()+"/feedback", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"feedback": []}`, rec.Body.String())
	})
}
