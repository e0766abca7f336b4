package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/marcus/pricetrack/internal/blob"
	"github.com/marcus/pricetrack/internal/serverdb"
)

// presignExpiry bounds redirect URLs handed out for S3-backed downloads
const presignExpiry = 15 * time.Minute

// UploadBody describes a stored attachment on the wire
type UploadBody struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

// handleUpload streams the "file" part of a multipart body into the blob
// store and records its metadata.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "expected multipart/form-data")
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, "missing file part")
			return
		}
		if err != nil {
			s.writeBodyError(w, err)
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		s.storeUpload(w, r, part.FileName(), part.Header.Get("Content-Type"), part)
		part.Close()
		return
	}
}

func (s *Server) storeUpload(w http.ResponseWriter, r *http.Request, filename, contentType string, body io.Reader) {
	if filename == "" {
		writeError(w, http.StatusUnprocessableEntity, ErrCodeValidation, "file part has no filename")
		return
	}
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(filename))
	}

	id, err := serverdb.NewUploadID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "generate upload id")
		return
	}
	key := "uploads/" + id
	info, err := s.blobs.Put(r.Context(), key, body, blob.PutOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"filename": filename},
	})
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeBodyError(w, err)
			return
		}
		logFor(r.Context()).Error("store upload bytes", "key", key, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to store upload")
		return
	}

	up, err := s.store.CreateUpload(serverdb.Upload{
		ID:          id,
		BlobKey:     key,
		Filename:    filename,
		ContentType: contentType,
		Size:        info.Size,
		UserID:      getUserFromContext(r.Context()).UserID,
	})
	if err != nil {
		if _, derr := s.blobs.Delete(r.Context(), key); derr != nil {
			logFor(r.Context()).Warn("remove orphan upload", "key", key, "err", derr)
		}
		s.writeStoreError(w, r, "record upload", err)
		return
	}
	logFor(r.Context()).Info("upload stored", "id", up.ID, "size", up.Size)
	writeJSON(w, http.StatusCreated, UploadBody{
		ID:          up.ID,
		Filename:    up.Filename,
		ContentType: up.ContentType,
		Size:        up.Size,
		URL:         "/v1/uploads/" + up.ID,
	})
}

// handleGetUpload serves attachment bytes. S3-backed stores redirect to a
// presigned URL instead of proxying.
func (s *Server) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	up, err := s.store.GetUpload(mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, r, "get upload", err)
		return
	}

	if s.blobs.Driver() == blob.DriverS3 {
		u, err := s.blobs.PresignURL(r.Context(), up.BlobKey, presignExpiry)
		if err == nil {
			http.Redirect(w, r, u, http.StatusFound)
			return
		}
		logFor(r.Context()).Warn("presign upload", "id", up.ID, "err", err)
	}

	info, rc, err := s.blobs.Get(r.Context(), up.BlobKey)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "upload bytes missing")
			return
		}
		logFor(r.Context()).Error("read upload", "id", up.ID, "err", err)
		writeError(w, http.StatusInternalServerError, ErrCodeInternal, "failed to read upload")
		return
	}
	defer rc.Close()

	ct := info.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": up.Filename}))
	if _, err := io.Copy(w, rc); err != nil {
		logFor(r.Context()).Warn("send upload", "id", up.ID, "err", err)
	}
}

func (s *Server) writeBodyError(w http.ResponseWriter, err error) {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "upload too large")
		return
	}
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "malformed multipart body")
}
