package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"

	"formflow/internal/attachment"
	"formflow/internal/model"
	"formflow/internal/schema"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	multipartMemory    = 32 << 20
	maxFilesPerRequest = 20
)

// uploadFiles accepts one or more files for a file field. By default it waits
// for every item; with ?wait=false it answers 202 and the client follows the
// items over the websocket or /uploads/{itemID}.
func (d Dependencies) uploadFiles(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formID")
	fieldID := chi.URLParam(r, "fieldID")

	form, err := d.Forms.GetForm(r.Context(), formID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}

	limit := int64(d.MaxUploadMB*1024*1024)*int64(maxFilesPerRequest) + multipartMemory
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_request", "Invalid multipart body", d.Log)
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) > maxFilesPerRequest {
		WriteError(w, http.StatusBadRequest, "invalid_request", fmt.Sprintf("At most %d files per request", maxFilesPerRequest), d.Log)
		return
	}
	sources := make([]attachment.FileSource, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", "Could not read "+fh.Filename, d.Log)
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			WriteError(w, http.StatusBadRequest, "invalid_request", "Could not read "+fh.Filename, d.Log)
			return
		}
		contentType := fh.Header.Get("Content-Type")
		if contentType == "" {
			contentType = mime.TypeByExtension(filepath.Ext(fh.Filename))
		}
		sources = append(sources, attachment.BytesSource{FileName: fh.Filename, MimeType: contentType, Data: data})
	}

	req := attachment.UploadRequest{
		Schema:       form.Schema,
		FormID:       formID,
		UserID:       identity(r).UserID,
		FieldID:      fieldID,
		SubmissionID: r.FormValue("submissionId"),
		Files:        sources,
	}

	if r.URL.Query().Get("wait") == "false" {
		batch, err := d.Uploads.Enqueue(r.Context(), req)
		if err != nil {
			writeServiceError(w, err, d.Log)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"submissionId": batch.SubmissionID, "items": batch.Views()})
		return
	}

	batch, err := d.Uploads.UploadAndLinkFile(r.Context(), req)
	if err != nil && batch == nil {
		writeServiceError(w, err, d.Log)
		return
	}
	if err != nil {
		d.Log.Warn("Client left before uploads finished", zap.String("submission_id", batch.SubmissionID), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"submissionId": batch.SubmissionID, "items": batch.Views()})
}

func (d Dependencies) getUpload(w http.ResponseWriter, r *http.Request) {
	it, err := d.Uploads.Queue().Get(chi.URLParam(r, "itemID"))
	if err == nil && it.UserID != identity(r).UserID {
		err = model.ErrUploadNotFound
	}
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, it.View())
}

// listUploads returns the queue items still retained for a submission
func (d Dependencies) listUploads(w http.ResponseWriter, r *http.Request) {
	sub, err := d.Submissions.GetSubmission(r.Context(), chi.URLParam(r, "id"))
	if err == nil && sub.UserID != identity(r).UserID {
		err = model.ErrSubmissionNotFound
	}
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	items := d.Uploads.Queue().Items(sub.ID)
	if items == nil {
		items = []attachment.ItemView{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "busy": d.Uploads.Queue().Busy(sub.ID)})
}

func (d Dependencies) retryUpload(w http.ResponseWriter, r *http.Request) {
	it, err := d.Uploads.Retry(r.Context(), chi.URLParam(r, "itemID"), identity(r).UserID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusAccepted, it.View())
}

func (d Dependencies) deleteFile(w http.ResponseWriter, r *http.Request) {
	err := d.Uploads.Remove(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "fileID"), identity(r).UserID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type SignatureRequest struct {
	DataURL string `json:"dataUrl" validate:"required,startswith=data:image/png;base64"`
}

func (d Dependencies) uploadSignature(w http.ResponseWriter, r *http.Request) {
	formID := chi.URLParam(r, "formID")
	fieldID := chi.URLParam(r, "fieldID")

	var req SignatureRequest
	if err := d.decode(w, r, &req); err != nil {
		writeServiceError(w, err, d.Log)
		return
	}

	form, err := d.Forms.GetForm(r.Context(), formID)
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	field, ok := form.Schema.Field(fieldID)
	if !ok || field.Type != schema.Signature {
		WriteError(w, http.StatusBadRequest, "invalid_input", "Not a signature field", d.Log)
		return
	}

	sig, err := d.Signatures.UploadSignature(r.Context(), identity(r).UserID, formID, fieldID, req.DataURL)
	if err != nil {
		if !errors.Is(err, model.ErrInvalidInput) {
			err = &model.SignatureUploadError{FieldID: fieldID, FieldLabel: field.DisplayLabel(), Err: err}
		}
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusCreated, sig)
}

func (d Dependencies) fileURL(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	q := r.URL.Query()
	url, err := d.Files.ResolveDownloadURL(r.Context(), id.UserID, id.IsAdmin(), q.Get("bucket"), q.Get("path"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

// rawFile streams an object from the local backend for a signed token
func (d Dependencies) rawFile(w http.ResponseWriter, r *http.Request) {
	if d.Local == nil {
		WriteError(w, http.StatusNotFound, "not_found", "Direct downloads are not served by this backend", d.Log)
		return
	}
	rc, name, err := d.Local.OpenToken(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		writeServiceError(w, err, d.Log)
		return
	}
	defer rc.Close()

	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	if _, err := io.Copy(w, rc); err != nil {
		d.Log.Warn("Download interrupted", zap.String("file", name), zap.Error(err))
	}
}
