package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dharsanguruparan/markdrop/internal/jobs"
	"github.com/dharsanguruparan/markdrop/internal/logger"
	"github.com/dharsanguruparan/markdrop/internal/model"
	"github.com/dharsanguruparan/markdrop/internal/pipeline"
	"github.com/dharsanguruparan/markdrop/internal/repository"
	"github.com/dharsanguruparan/markdrop/internal/signing"
	"github.com/dharsanguruparan/markdrop/internal/storage"
)

const (
	artifactMarkdown = "md"
	artifactZip      = "zip"
)

var errMissingFile = errors.New("missing file part")

// readUpload returns the "file" part and the job options from the optional
// "options" JSON field.
func (s *Server) readUpload(c *gin.Context) (string, []byte, model.JobOptions, error) {
	opts := model.DefaultJobOptions()
	limit := int64(s.cfg.MaxUploadMB) << 20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+64*1024)

	fh, err := c.FormFile("file")
	if err != nil {
		return "", nil, opts, errMissingFile
	}
	if fh.Size > limit {
		return "", nil, opts, fmt.Errorf("file exceeds limit (%d MB)", s.cfg.MaxUploadMB)
	}
	f, err := fh.Open()
	if err != nil {
		return "", nil, opts, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return "", nil, opts, fmt.Errorf("read upload: %w", err)
	}
	if raw := c.PostForm("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return "", nil, opts, fmt.Errorf("decode options: %w", err)
		}
	}
	if err := opts.Validate(); err != nil {
		return "", nil, opts, err
	}
	return fh.Filename, data, opts.Normalize(), nil
}

func (s *Server) submitJob(c *gin.Context) {
	name, data, opts, err := s.readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.manager.Submit(c.Request.Context(), name, data, opts)
	if err != nil {
		logger.FromContext(c.Request.Context()).WithError(err).Error("submit job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to submit job"})
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (s *Server) listJobs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": s.manager.ListJobs(limit)})
}

// getJob serves the persisted record. A job unknown locally, for example one
// handled by another node, is looked up in the mirrored history.
func (s *Server) getJob(c *gin.Context) {
	id := c.Param("id")
	rec, err := s.manager.GetStatus(id)
	if errors.Is(err, jobs.ErrJobNotFound) && s.history != nil {
		row, herr := s.history.Get(c.Request.Context(), id)
		if herr == nil {
			c.JSON(http.StatusOK, row)
			return
		}
		if !errors.Is(herr, repository.ErrNotFound) {
			logger.FromContext(c.Request.Context()).WithError(herr).Warn("job history lookup")
		}
	}
	if err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// stats counts recent jobs by their latest status, plus the mirrored totals
// when a history is configured.
func (s *Server) stats(c *gin.Context) {
	latest := map[string]model.JobStatus{}
	for _, rec := range s.manager.ListJobs(0) {
		latest[rec.JobID] = rec.Status
	}
	recent := map[model.JobStatus]int{}
	for _, st := range latest {
		recent[st]++
	}
	body := gin.H{"recent": recent}
	if s.history != nil {
		counts, err := s.history.CountByStatus(c.Request.Context())
		if err != nil {
			logger.FromContext(c.Request.Context()).WithError(err).Error("count mirrored jobs")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		body["mirrored"] = counts
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) jobResult(c *gin.Context) {
	rec, err := s.manager.GetStatus(c.Param("id"))
	if err != nil {
		s.jobError(c, err)
		return
	}
	if rec.Status != model.StatusSucceeded || rec.Artifacts == nil {
		c.JSON(http.StatusConflict, gin.H{
			"error":      "job has no result",
			"status":     rec.Status,
			"error_code": rec.ErrorCode,
		})
		return
	}
	data, err := os.ReadFile(rec.Artifacts.OutputMDPath)
	if err != nil {
		logger.FromContext(c.Request.Context()).WithError(err).Error("read job output")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "output unavailable"})
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", data)
}

func (s *Server) cancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := s.manager.Cancel(c.Request.Context(), id); err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_id": id, "canceled": true})
}

func (s *Server) retryJob(c *gin.Context) {
	rec, err := s.manager.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.jobError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rec)
}

func (s *Server) signedURL(c *gin.Context) {
	id := c.Param("id")
	artifact := c.DefaultQuery("artifact", artifactMarkdown)
	rec, err := s.manager.GetStatus(id)
	if err != nil {
		s.jobError(c, err)
		return
	}
	local := artifactPath(rec, artifact)
	if local == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact unavailable"})
		return
	}
	if s.presigner != nil {
		u, err := s.presigner.PresignURL(c.Request.Context(), id, filepath.Base(local), s.cfg.SignedURLTTL)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{
				"url":     u,
				"expires": strconv.FormatInt(time.Now().Add(s.cfg.SignedURLTTL).Unix(), 10),
				"source":  "object-storage",
			})
			return
		}
		logger.FromContext(c.Request.Context()).WithError(err).Warn("presign artifact, using local link")
	}
	q := s.signer.Query(id, artifact, s.cfg.SignedURLTTL)
	q.Set("job", id)
	c.JSON(http.StatusOK, gin.H{
		"url":     "/download?" + q.Encode(),
		"expires": q.Get("expires"),
		"source":  "local",
	})
}

func (s *Server) download(c *gin.Context) {
	id := c.Query("job")
	artifact := c.Query("artifact")
	expires := c.Query("expires")
	signature := c.Query("signature")
	if id == "" || artifact == "" || expires == "" || signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing parameters"})
		return
	}
	if err := s.signer.Validate(id, artifact, expires, signature); err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, signing.ErrExpired) {
			status = http.StatusGone
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	rec, err := s.manager.GetStatus(id)
	if err != nil {
		s.jobError(c, err)
		return
	}
	path := artifactPath(rec, artifact)
	if path == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact unavailable"})
		return
	}
	base := strings.TrimSuffix(rec.Options.SourceFilename, filepath.Ext(rec.Options.SourceFilename))
	if base == "" {
		base = rec.JobID
	}
	c.FileAttachment(path, base+filepath.Ext(path))
}

// convert runs one conversion synchronously and returns the Markdown.
func (s *Server) convert(c *gin.Context) {
	name, data, opts, err := s.readUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	dir, err := os.MkdirTemp("", "markdrop-upload-*")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stage upload"})
		return
	}
	defer os.RemoveAll(dir)
	source := filepath.Join(dir, storage.Slugify(name))
	if err := os.WriteFile(source, data, 0o600); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to stage upload"})
		return
	}

	res, err := s.manager.Service().ConvertFile(ctx, source, pipeline.FileOptions{Job: opts})
	if err != nil {
		if ce, ok := pipeline.AsConversionError(err); ok {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error_code": ce.Code, "error": ce.Message})
			return
		}
		logger.FromContext(ctx).WithError(err).Error("synchronous conversion failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error_code": pipeline.CodeUnknown, "error": "conversion failed"})
		return
	}
	markdown, err := os.ReadFile(res.OutputPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "output unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res, "markdown": string(markdown)})
}

func (s *Server) jobError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, jobs.ErrNotCancelable), errors.Is(err, jobs.ErrNotRetriable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.FromContext(c.Request.Context()).WithError(err).Error("job request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func artifactPath(rec *model.JobRecord, artifact string) string {
	if rec.Status != model.StatusSucceeded || rec.Artifacts == nil {
		return ""
	}
	switch artifact {
	case artifactMarkdown:
		return rec.Artifacts.OutputMDPath
	case artifactZip:
		return rec.Artifacts.OutputZipPath
	}
	return ""
}
