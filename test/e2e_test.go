package test

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"testing"
	"time"

	"formflow/internal/auth"
	"formflow/internal/db"
	"formflow/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type submissionBody struct {
	Submission *struct {
		ID              string                 `json:"id"`
		Status          string                 `json:"status"`
		ReviewStatus    string                 `json:"reviewStatus"`
		RejectionReason *string                `json:"rejectionReason"`
		Data            map[string]interface{} `json:"data"`
	} `json:"submission"`
	DerivedStatus string `json:"derivedStatus"`
	ReadOnly      bool   `json:"readOnly"`
}

func readSubmission(t *testing.T, resp *http.Response) submissionBody {
	t.Helper()
	var out submissionBody
	decode(t, resp, &out)
	return out
}

type errorBody struct {
	Error       string            `json:"error"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"fieldErrors"`
}

func signatureDataURL(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 20))
	for x := 0; x < 40; x++ {
		img.Set(x, 10, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

// runLifecycle walks one learner through assignment, draft, upload, submit,
// rejection, resubmission and approval
func runLifecycle(t *testing.T, env *testEnv) {
	const learner = "learner-1"
	formID := env.createForm(t)

	// Assign the form
	resp := env.do(t, http.MethodPost, "/v1/assignments", "admin-1", auth.RoleAdmin, map[string]interface{}{
		"formId":     formID,
		"targetType": "user",
		"targetId":   learner,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var assignment model.Assignment
	decode(t, resp, &assignment)

	var listing struct {
		Assignments []model.AssignedForm `json:"assignments"`
	}
	resp = env.do(t, http.MethodGet, "/v1/me/assignments", learner, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &listing)
	require.Len(t, listing.Assignments, 1)
	assert.Equal(t, model.DerivedNotStarted, listing.Assignments[0].Status)

	resp = env.do(t, http.MethodPost, "/v1/assignments/"+assignment.ID+"/open", learner, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/me/assignments", learner, "", nil)
	decode(t, resp, &listing)
	assert.Equal(t, model.DerivedStarted, listing.Assignments[0].Status)

	// No submission yet
	var sub submissionBody
	resp = env.do(t, http.MethodGet, "/v1/forms/"+formID+"/submission", learner, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub = readSubmission(t, resp)
	assert.Nil(t, sub.Submission)

	// Save a draft with a signature
	resp = env.do(t, http.MethodPut, "/v1/forms/"+formID+"/submission", learner, "", map[string]interface{}{
		"answers": map[string]interface{}{"name": "Ada", "sig": signatureDataURL(t)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub = readSubmission(t, resp)
	require.NotNil(t, sub.Submission)
	submissionID := sub.Submission.ID
	assert.Equal(t, "started", sub.Submission.Status)
	assert.False(t, sub.ReadOnly)
	answers := sub.Submission.Data["answers"].(map[string]interface{})
	sig, ok := answers["sig"].(map[string]interface{})
	require.True(t, ok, "signature should be stored as a reference")
	assert.Equal(t, "form-signatures", sig["storageBucket"])

	// Submitting without the CV fails and keeps the draft
	var verr errorBody
	resp = env.do(t, http.MethodPost, "/v1/forms/"+formID+"/submission/submit", learner, "", map[string]interface{}{
		"submissionId": submissionID,
		"answers":      map[string]interface{}{"name": "Ada"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	decode(t, resp, &verr)
	assert.Equal(t, "CV is required.", verr.FieldErrors["cv"])

	// Wrong file type is refused before anything is stored
	resp = env.upload(t, "/v1/forms/"+formID+"/fields/cv/files", learner, map[string][]byte{"cv.exe": []byte("MZ")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	// Upload the CV and wait for it
	var uploaded struct {
		SubmissionID string `json:"submissionId"`
		Items        []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			File   *struct {
				FileID        string `json:"fileId"`
				StorageBucket string `json:"storageBucket"`
				StoragePath   string `json:"storagePath"`
			} `json:"file"`
		} `json:"items"`
	}
	resp = env.upload(t, "/v1/forms/"+formID+"/fields/cv/files", learner, map[string][]byte{"cv.pdf": []byte("%PDF-1.4 cv")})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &uploaded)
	assert.Equal(t, submissionID, uploaded.SubmissionID)
	require.Len(t, uploaded.Items, 1)
	assert.Equal(t, "success", uploaded.Items[0].Status)
	require.NotNil(t, uploaded.Items[0].File)
	file := uploaded.Items[0].File

	// The owner can download it, another learner cannot
	var signed struct {
		URL string `json:"url"`
	}
	resp = env.do(t, http.MethodGet, "/v1/files/url?bucket="+file.StorageBucket+"&path="+file.StoragePath, learner, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &signed)
	raw, err := http.Get(signed.URL)
	require.NoError(t, err)
	body, _ := io.ReadAll(raw.Body)
	raw.Body.Close()
	assert.Equal(t, "%PDF-1.4 cv", string(body))

	resp = env.do(t, http.MethodGet, "/v1/files/url?bucket="+file.StorageBucket+"&path="+file.StoragePath, "learner-2", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Submit
	resp = env.do(t, http.MethodPost, "/v1/forms/"+formID+"/submission/submit", learner, "", map[string]interface{}{
		"submissionId": submissionID,
		"answers":      map[string]interface{}{"name": "Ada Lovelace"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub = readSubmission(t, resp)
	assert.Equal(t, "submitted", sub.Submission.Status)
	assert.Equal(t, string(model.DerivedSubmitted), sub.DerivedStatus)
	assert.True(t, sub.ReadOnly)

	// Locked until reviewed
	resp = env.do(t, http.MethodPut, "/v1/forms/"+formID+"/submission", learner, "", map[string]interface{}{
		"submissionId": submissionID,
		"answers":      map[string]interface{}{"name": "Changed"},
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Reject, then resubmit
	resp = env.do(t, http.MethodPost, "/v1/submissions/"+submissionID+"/reject", "admin-1", auth.RoleAdmin, map[string]string{"reason": "Blurry CV"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub = readSubmission(t, resp)
	assert.Equal(t, string(model.DerivedRejected), sub.DerivedStatus)
	require.NotNil(t, sub.Submission.RejectionReason)
	assert.Equal(t, "Blurry CV", *sub.Submission.RejectionReason)
	assert.False(t, sub.ReadOnly)

	resp = env.do(t, http.MethodPost, "/v1/forms/"+formID+"/submission/resubmit", learner, "", map[string]interface{}{
		"submissionId": submissionID,
		"answers":      map[string]interface{}{"name": "Ada Lovelace"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub = readSubmission(t, resp)
	assert.Equal(t, "pending", sub.Submission.ReviewStatus)
	assert.Nil(t, sub.Submission.RejectionReason)

	// Approve; a second decision conflicts
	resp = env.do(t, http.MethodPost, "/v1/submissions/"+submissionID+"/approve", "admin-1", auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sub = readSubmission(t, resp)
	assert.Equal(t, string(model.DerivedCompleted), sub.DerivedStatus)

	resp = env.do(t, http.MethodPost, "/v1/submissions/"+submissionID+"/reject", "admin-1", auth.RoleAdmin, map[string]string{"reason": "late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/v1/me/assignments", learner, "", nil)
	decode(t, resp, &listing)
	assert.Equal(t, model.DerivedCompleted, listing.Assignments[0].Status)

	// Files stay listed for the owner and the admin
	var files struct {
		Files map[string][]map[string]interface{} `json:"files"`
	}
	resp = env.do(t, http.MethodGet, "/v1/submissions/"+submissionID+"/files", "admin-1", auth.RoleAdmin, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &files)
	require.Len(t, files.Files["cv"], 1)
	assert.Equal(t, "cv.pdf", files.Files["cv"][0]["fileName"])
}

func TestSubmissionLifecycle(t *testing.T) {
	env := newTestEnv(t, db.NewMemory(), nil)
	runLifecycle(t, env)
}

func TestAsyncUploadAndRemove(t *testing.T) {
	env := newTestEnv(t, db.NewMemory(), nil)
	formID := env.createForm(t)
	const learner = "learner-1"

	var batch struct {
		SubmissionID string `json:"submissionId"`
		Items        []struct {
			ID string `json:"id"`
		} `json:"items"`
	}
	resp := env.upload(t, "/v1/forms/"+formID+"/fields/cv/files?wait=false", learner, map[string][]byte{"cv.pdf": []byte("%PDF")})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	decode(t, resp, &batch)
	require.Len(t, batch.Items, 1)

	var item struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		File     *struct {
			FileID string `json:"fileId"`
		} `json:"file"`
	}
	require.Eventually(t, func() bool {
		resp := env.do(t, http.MethodGet, "/v1/uploads/"+batch.Items[0].ID, learner, "", nil)
		decode(t, resp, &item)
		return item.Status == "success"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 100, item.Progress)
	require.NotNil(t, item.File)

	var listed struct {
		Items []struct {
			ID string `json:"id"`
		} `json:"items"`
		Busy bool `json:"busy"`
	}
	resp = env.do(t, http.MethodGet, "/v1/submissions/"+batch.SubmissionID+"/uploads", learner, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &listed)
	require.Len(t, listed.Items, 1)
	assert.False(t, listed.Busy)

	// Only the uploader sees the item
	resp = env.do(t, http.MethodGet, "/v1/uploads/"+batch.Items[0].ID, "learner-2", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// The field takes a single file
	resp = env.upload(t, "/v1/forms/"+formID+"/fields/cv/files", learner, map[string][]byte{"second.pdf": []byte("%PDF")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodDelete, "/v1/submissions/"+batch.SubmissionID+"/files/"+item.File.FileID, learner, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	var files struct {
		Files map[string][]map[string]interface{} `json:"files"`
	}
	resp = env.do(t, http.MethodGet, "/v1/submissions/"+batch.SubmissionID+"/files", learner, "", nil)
	decode(t, resp, &files)
	assert.Empty(t, files.Files["cv"])
}
