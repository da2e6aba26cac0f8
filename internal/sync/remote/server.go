package remote

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

// putRequest is the body of a document write.
type putRequest struct {
	Data       json.RawMessage `json:"data" binding:"required"`
	ClientTS   int64           `json:"client_ts"`
	OccurredAt int64           `json:"occurred_at"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Server exposes a Backend over HTTP for HTTPGateway clients.
//
//	GET    /healthz
//	GET    /v1/users/:user/collections/:collection/documents?since=<millis>
//	GET    /v1/users/:user/collections/:collection/documents/:id
//	PUT    /v1/users/:user/collections/:collection/documents/:id   (If-Match / If-None-Match)
//	DELETE /v1/users/:user/collections/:collection/documents/:id
type Server struct {
	backend Backend
	engine  *gin.Engine
}

// NewServer creates the router for backend.
func NewServer(backend Backend) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{backend: backend, engine: gin.New()}
	s.engine.Use(gin.Recovery(), requestLogger())

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	docs := s.engine.Group("/v1/users/:user/collections/:collection/documents")
	docs.Use(s.requireKnownCollection)
	docs.GET("", s.list)
	docs.GET("/:id", s.get)
	docs.PUT("/:id", s.put)
	docs.DELETE("/:id", s.delete)
	return s
}

// Handler returns the http.Handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("Backend request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

func (s *Server) requireKnownCollection(c *gin.Context) {
	if !models.IsKnown(models.Kind(c.Param("collection"))) {
		abort(c, http.StatusNotFound, apperrors.ErrUnknownCollection, "unknown collection "+c.Param("collection"))
		return
	}
	c.Next()
}

func abort(c *gin.Context, status int, code apperrors.ErrorCode, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Code: string(code), Message: message})
}

func (s *Server) fail(c *gin.Context, err error) {
	code := apperrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case apperrors.ErrUnknownCollection:
		status = http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrDecodingFailed, apperrors.ErrMissingData:
		status = http.StatusBadRequest
	}
	if code == "" {
		code = apperrors.ErrRemote
	}
	logging.Error("Backend request failed", err, map[string]interface{}{
		"path": c.FullPath(),
	})
	abort(c, status, code, err.Error())
}

func setETag(c *gin.Context, doc *Document) {
	c.Header("ETag", strconv.Quote(strconv.FormatInt(doc.ServerTS, 10)))
}

func (s *Server) get(c *gin.Context) {
	doc, err := s.backend.Get(c.Request.Context(), c.Param("user"), models.Kind(c.Param("collection")), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if doc == nil {
		abort(c, http.StatusNotFound, apperrors.ErrNotFound, "document not found")
		return
	}
	setETag(c, doc)
	c.JSON(http.StatusOK, doc)
}

// expectedVersion maps conditional request headers onto CompareAndPut.
func expectedVersion(c *gin.Context) (int64, bool) {
	if c.GetHeader("If-None-Match") == "*" {
		return 0, true
	}
	match := strings.TrimSpace(c.GetHeader("If-Match"))
	if match == "" || match == "*" {
		return AnyVersion, true
	}
	ts, err := strconv.ParseInt(strings.Trim(match, `"`), 10, 64)
	if err != nil || ts <= 0 {
		return 0, false
	}
	return ts, true
}

func (s *Server) put(c *gin.Context) {
	var req putRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, apperrors.ErrDecodingFailed, err.Error())
		return
	}
	expected, ok := expectedVersion(c)
	if !ok {
		abort(c, http.StatusBadRequest, apperrors.ErrInvalid, "malformed If-Match header")
		return
	}

	doc := Document{Data: req.Data, ClientTS: req.ClientTS, OccurredAt: req.OccurredAt}
	stored, err := s.backend.CompareAndPut(c.Request.Context(), c.Param("user"), models.Kind(c.Param("collection")), c.Param("id"), expected, doc)
	if stderrors.Is(err, ErrPrecondition) {
		abort(c, http.StatusPreconditionFailed, apperrors.ErrRemote, err.Error())
		return
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	setETag(c, stored)
	c.JSON(http.StatusOK, stored)
}

func (s *Server) delete(c *gin.Context) {
	if err := s.backend.Delete(c.Request.Context(), c.Param("user"), models.Kind(c.Param("collection")), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) list(c *gin.Context) {
	var since int64
	if raw := c.Query("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			abort(c, http.StatusBadRequest, apperrors.ErrInvalid, "since must be unix millis")
			return
		}
		since = v
	}
	docs, err := s.backend.ListRange(c.Request.Context(), c.Param("user"), models.Kind(c.Param("collection")), since)
	if err != nil {
		s.fail(c, err)
		return
	}
	if docs == nil {
		docs = []Document{}
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}
