package test

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"formflow/internal/auth"
	"formflow/internal/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnonymousRequestsAreRefused(t *testing.T) {
	env := newTestEnv(t, db.NewMemory(), nil)

	resp := env.do(t, http.MethodGet, "/v1/me/assignments", "", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "authentication_required", body.Error)
}

func TestBearerToken(t *testing.T) {
	env := newTestEnv(t, db.NewMemory(), nil)
	formID := env.createForm(t)

	token, err := env.auth.Issue("learner-1", nil, time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, env.server.URL+"/v1/forms/"+formID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, err = http.NewRequest(http.MethodGet, env.server.URL+"/v1/forms/"+formID, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	bad, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer bad.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, bad.StatusCode)
}

func TestAdminRoutesNeedAdminRole(t *testing.T) {
	env := newTestEnv(t, db.NewMemory(), nil)

	resp := env.do(t, http.MethodPost, "/v1/forms", "learner-1", "", applicationForm)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "forbidden", body.Error)

	resp = env.do(t, http.MethodPost, "/v1/submissions/anything/approve", "learner-1", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateFormRejectsBrokenSchema(t *testing.T) {
	env := newTestEnv(t, db.NewMemory(), nil)

	resp := env.do(t, http.MethodPost, "/v1/forms", "admin-1", auth.RoleAdmin, `{"title": "x", "sections": [{"id": "s", "fields": [{"id": "a", "type": "no_such_type"}]}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "invalid_input", body.Error)
}

func TestErrorEnvelope(t *testing.T) {
	env := newTestEnv(t, db.NewMemory(), nil)
	formID := env.createForm(t)

	tests := []struct {
		name   string
		method string
		path   string
		user   string
		role   string
		body   interface{}
		status int
		code   string
	}{
		{"unknown form", http.MethodGet, "/v1/forms/missing", "learner-1", "", nil, http.StatusNotFound, "form_not_found"},
		{"unknown submission", http.MethodPost, "/v1/submissions/missing/approve", "admin-1", auth.RoleAdmin, nil, http.StatusNotFound, "submission_not_found"},
		{"reject without reason", http.MethodPost, "/v1/submissions/missing/reject", "admin-1", auth.RoleAdmin, map[string]string{}, http.StatusBadRequest, "invalid_request"},
		{"assignment without target", http.MethodPost, "/v1/assignments", "admin-1", auth.RoleAdmin, map[string]string{"formId": formID, "targetType": "user"}, http.StatusBadRequest, "invalid_request"},
		{"assignment for unknown form", http.MethodPost, "/v1/assignments", "admin-1", auth.RoleAdmin, map[string]string{"formId": "missing", "targetType": "all"}, http.StatusNotFound, "form_not_found"},
		{"malformed body", http.MethodPut, "/v1/forms/" + formID + "/submission", "learner-1", "", "{", http.StatusBadRequest, "invalid_input"},
		{"resubmit without rejection", http.MethodPost, "/v1/forms/" + formID + "/submission/resubmit", "learner-1", "", map[string]interface{}{"answers": map[string]string{}}, http.StatusNotFound, "submission_not_found"},
		{"unknown upload", http.MethodGet, "/v1/uploads/missing", "learner-1", "", nil, http.StatusNotFound, "upload_not_found"},
		{"unknown bucket", http.MethodGet, "/v1/files/url?bucket=other&path=learner-1/a.pdf", "learner-1", "", nil, http.StatusBadRequest, "invalid_input"},
		{"path traversal", http.MethodGet, "/v1/files/url?bucket=form-files&path=learner-1/../admin/a.pdf", "learner-1", "", nil, http.StatusBadRequest, "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, tt.path, tt.user, tt.role, tt.body)
			require.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

			var body errorBody
			decode(t, resp, &body)
			assert.Equal(t, tt.code, body.Error)
			assert.NotEmpty(t, body.Message)
		})
	}
}

func TestSignatureEndpoint(t *testing.T) {
	env := newTestEnv(t, db.NewMemory(), nil)
	formID := env.createForm(t)

	resp := env.do(t, http.MethodPost, "/v1/forms/"+formID+"/fields/sig/signature", "learner-1", "",
		map[string]string{"dataUrl": signatureDataURL(t)})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sig struct {
		StorageBucket string `json:"storageBucket"`
		StoragePath   string `json:"storagePath"`
	}
	decode(t, resp, &sig)
	assert.Equal(t, "form-signatures", sig.StorageBucket)
	assert.Contains(t, sig.StoragePath, "learner-1/")

	resp = env.do(t, http.MethodPost, "/v1/forms/"+formID+"/fields/name/signature", "learner-1", "",
		map[string]string{"dataUrl": signatureDataURL(t)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestOversizedJSONBodyRefused(t *testing.T) {
	env := newTestEnv(t, db.NewMemory(), nil)
	formID := env.createForm(t)

	huge := "data:image/png;base64," + strings.Repeat("A", 5<<20)
	resp := env.do(t, http.MethodPost, "/v1/forms/"+formID+"/fields/sig/signature", "learner-1", "", map[string]string{"dataUrl": huge})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body errorBody
	decode(t, resp, &body)
	assert.Equal(t, "invalid_input", body.Error)

	resp = env.do(t, http.MethodPut, "/v1/forms/"+formID+"/submission", "learner-1", "", map[string]interface{}{
		"answers": map[string]string{"name": "Ada", "sig": huge},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/forms/"+formID+"/submission", "learner-1", "", nil)
	sub := readSubmission(t, resp)
	assert.Nil(t, sub.Submission, "nothing is stored")
}

func TestAssignmentsForEveryone(t *testing.T) {
	env := newTestEnv(t, db.NewMemory(), nil)
	formID := env.createForm(t)

	resp := env.do(t, http.MethodPost, "/v1/assignments", "admin-1", auth.RoleAdmin, map[string]string{
		"formId":     formID,
		"targetType": "all",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var a struct {
		ID string `json:"id"`
	}
	decode(t, resp, &a)

	for _, user := range []string{"learner-1", "learner-2"} {
		var listing struct {
			Assignments []struct {
				Status string `json:"status"`
			} `json:"assignments"`
		}
		resp := env.do(t, http.MethodGet, "/v1/me/assignments", user, "", nil)
		decode(t, resp, &listing)
		require.Len(t, listing.Assignments, 1, user)
		assert.Equal(t, "Not Started", listing.Assignments[0].Status)
	}

	// Opening creates the learner's draft
	resp = env.do(t, http.MethodPost, "/v1/assignments/"+a.ID+"/open", "learner-1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	sub := readSubmission(t, env.do(t, http.MethodGet, "/v1/forms/"+formID+"/submission", "learner-1", "", nil))
	require.NotNil(t, sub.Submission)
	assert.Equal(t, "Started", sub.DerivedStatus)
}
