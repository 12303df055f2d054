package server

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/algotest/algotest/ident"
	"github.com/algotest/algotest/store"
	"github.com/algotest/algotest/workflow/analysis"
)

const maxUploadBytes = 32 << 20

// handleUploadDocument accepts a multipart requirement document. A file
// with a previously seen content hash maps to the existing document
// instead of creating a duplicate.
func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "parse upload: %v", err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	content, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read upload: %v", err)
		return
	}
	if len(content) > maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file exceeds %d bytes", maxUploadBytes)
		return
	}

	sum := md5.Sum(content)
	hash := hex.EncodeToString(sum[:])

	if existing, err := s.db.FindDocumentByHash(r.Context(), hash); err == nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"document_id": existing.DocID,
			"filename":    existing.Filename,
			"duplicate":   true,
		})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "lookup document: %v", err)
		return
	}

	docID := ident.New(ident.DocumentPrefix)
	filename := filepath.Base(header.Filename)
	path := filepath.Join(s.cfg.Data.Dir, "pdfs", fmt.Sprintf("%s_%s", docID, filename))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, "store upload: %v", err)
		return
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, "store upload: %v", err)
		return
	}

	doc := store.Document{
		DocID:     docID,
		Filename:  filename,
		Path:      path,
		Hash:      hash,
		SizeBytes: int64(len(content)),
	}
	if err := s.db.InsertDocument(r.Context(), &doc); err != nil {
		writeError(w, http.StatusInternalServerError, "save document: %v", err)
		return
	}
	s.logger.Info("document uploaded", "document_id", docID, "filename", filename, "bytes", doc.SizeBytes)

	writeJSON(w, http.StatusCreated, map[string]any{
		"document_id": docID,
		"filename":    filename,
		"duplicate":   false,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.db.ListDocuments(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list documents: %v", err)
		return
	}
	out := make([]map[string]any, len(docs))
	for i, d := range docs {
		out[i] = map[string]any{
			"document_id": d.DocID,
			"filename":    d.Filename,
			"size_bytes":  d.SizeBytes,
			"uploaded_at": d.UploadedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": out})
}

// handleAnalyzeDocument kicks off the analysis workflow for an uploaded
// document. A document that was analyzed before reuses its task.
func (s *Server) handleAnalyzeDocument(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "documentID")
	doc, err := s.db.GetDocument(r.Context(), docID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found: %s", docID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load document: %v", err)
		return
	}

	var taskID string
	switch task, err := s.db.GetTaskByDocumentID(r.Context(), docID); {
	case err == nil:
		if task.Status == store.StatusRunning {
			writeError(w, http.StatusConflict, "task %s is running", task.TaskID)
			return
		}
		taskID = task.TaskID
	case errors.Is(err, store.ErrNotFound):
		taskID = ident.New(ident.TaskPrefix)
		if err := s.db.CreateTask(r.Context(), &store.Task{
			TaskID:     taskID,
			DocumentID: docID,
			Status:     store.StatusCreated,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "create task: %v", err)
			return
		}
	default:
		writeError(w, http.StatusInternalServerError, "load task: %v", err)
		return
	}

	err = s.runner.Trigger(taskID, "analysis", func(ctx context.Context) error {
		eng, err := analysis.New(analysis.Deps{
			Extractor: s.extractor,
			Gateway:   s.gateway,
			DB:        s.db,
			Logger:    s.logger,
			Emitter:   s.emitter,
			Metrics:   s.metrics,
		})
		if err != nil {
			return err
		}
		final, err := eng.Run(ctx, runID("analysis", taskID), analysis.State{
			TaskID:       taskID,
			DocumentID:   docID,
			DocumentPath: doc.Path,
		})
		if err != nil {
			return err
		}
		return stateError(analysis.StatusSaved, final.Status, final.Errors)
	})
	if errors.Is(err, ErrBusy) {
		writeError(w, http.StatusConflict, "task %s is running", taskID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "start analysis: %v", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id":     taskID,
		"document_id": docID,
		"status":      store.StatusRunning,
	})
}
