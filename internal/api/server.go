package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dleitner/syllaparse/internal/config"
	"github.com/dleitner/syllaparse/internal/identity"
	"github.com/dleitner/syllaparse/internal/inference"
	"github.com/dleitner/syllaparse/internal/model"
	"github.com/dleitner/syllaparse/internal/pdfrender"
	"github.com/dleitner/syllaparse/internal/ratelimit"
	"github.com/dleitner/syllaparse/internal/rescache"
	"github.com/dleitner/syllaparse/internal/resultcache"
	"github.com/dleitner/syllaparse/internal/sharelink"
)

// Archive is the optional store for original documents, satisfied by
// s3storage.Storage. nil means archival is off.
type Archive interface {
	ArchiveDocument(ctx context.Context, checksum string, r io.Reader, size int64) error
	PresignDocumentURL(ctx context.Context, checksum string, expiry time.Duration) (string, error)
}

// Server exposes HTTP endpoints for document submission, share-link minting
// and public share-link resolution.
type Server struct {
	cfg       *config.Config
	resources *rescache.Cache
	results   *resultcache.Cache
	links     *sharelink.Registry
	limiter   *ratelimit.Limiter
	archive   Archive
	uploader  inference.Uploader
	extractor inference.Extractor
	render    func(io.Reader) (string, error)
	server    *http.Server
	once      sync.Once
}

// New constructs a Server. archive may be nil when archival is not
// configured.
func New(cfg *config.Config, resources *rescache.Cache, results *resultcache.Cache, links *sharelink.Registry, limiter *ratelimit.Limiter, archive Archive, uploader inference.Uploader, extractor inference.Extractor) *Server {
	return &Server{
		cfg:       cfg,
		resources: resources,
		results:   results,
		links:     links,
		limiter:   limiter,
		archive:   archive,
		uploader:  uploader,
		extractor: extractor,
		render:    pdfrender.TextFromReader,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/documents", s.handleDocuments)
	mux.HandleFunc("/documents/", s.handleDocumentRoute)
	mux.HandleFunc("/results/", s.handleResultRoute)
	mux.HandleFunc("/s/", s.handleShared)
	mux.Handle("/metrics", promhttp.Handler())
	return corsMiddleware(loggingMiddleware(mux))
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.once.Do(func() {
		s.server = &http.Server{
			Addr:    s.cfg.Address,
			Handler: s.Handler(),
		}
	})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()
	log.Printf("api listening on %s", s.cfg.Address)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDocuments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type documentResponse struct {
	ResourceID string         `json:"resourceId,omitempty"`
	ResultID   string         `json:"resultId,omitempty"`
	Cached     bool           `json:"cached"`
	Schedule   model.Schedule `json:"schedule"`
}

// handleSubmit runs the whole extraction flow: admission, checksum, resource
// cache, upload if needed, result cache, inference if needed.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	decision := s.limiter.Allow(ratelimit.ClientKey(r))
	if !decision.Allowed {
		retryAfter := int(math.Ceil(decision.RetryAfter.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		respondJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":             "too many requests",
			"retryAfterSeconds": retryAfter,
		})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxFileSize+1024)
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "expecting multipart form", http.StatusBadRequest)
		return
	}
	entity := r.URL.Query().Get("entity")
	tmp, formEntity, err := s.spoolUpload(mr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer os.Remove(tmp.path)
	defer tmp.f.Close()
	if entity == "" {
		entity = formEntity
	}
	if strings.TrimSpace(entity) == "" {
		http.Error(w, "missing entity name", http.StatusBadRequest)
		return
	}
	if tmp.contentType != "application/pdf" {
		http.Error(w, "only PDF files supported", http.StatusBadRequest)
		return
	}

	if s.archive != nil {
		if _, err := tmp.f.Seek(0, io.SeekStart); err == nil {
			if err := s.archive.ArchiveDocument(ctx, tmp.checksum, tmp.f, tmp.size); err != nil {
				log.Printf("archive %s: %v", tmp.checksum, err)
			}
		}
	}

	var (
		resourceID string
		handle     string
	)
	if entry := s.resources.Lookup(ctx, tmp.checksum); entry != nil {
		resourceID = entry.ID
		if entry.ExternalHandle != nil {
			handle = *entry.ExternalHandle
		}
	}
	if handle == "" {
		if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
			http.Error(w, "failed to read upload", http.StatusInternalServerError)
			return
		}
		issued, err := s.uploader.Upload(ctx, tmp.f, tmp.size, tmp.filename)
		if err != nil {
			log.Printf("inference upload %s: %v", tmp.checksum, err)
			http.Error(w, "inference backend unavailable", http.StatusBadGateway)
			return
		}
		handle = issued.ID
		if resourceID != "" {
			s.resources.RefreshHandle(ctx, resourceID, issued.ID, issued.ExpiresAt)
		} else if entry := s.resources.Upsert(ctx, tmp.checksum, tmp.size, tmp.filename, issued.ID, issued.ExpiresAt); entry != nil {
			resourceID = entry.ID
		}
	}

	// With a resource id in hand the memoized extraction may already exist.
	if resourceID != "" {
		if res := s.results.Lookup(ctx, resourceID, entity); res != nil {
			respondJSON(w, http.StatusOK, documentResponse{
				ResourceID: resourceID,
				ResultID:   res.ID,
				Cached:     true,
				Schedule:   res.Schedule,
			})
			return
		}
	}

	if _, err := tmp.f.Seek(0, io.SeekStart); err != nil {
		http.Error(w, "failed to read upload", http.StatusInternalServerError)
		return
	}
	text, err := s.render(tmp.f)
	if err != nil {
		http.Error(w, "could not read PDF content", http.StatusUnprocessableEntity)
		return
	}
	sched, err := s.extractor.Extract(ctx, handle, entity, text)
	if err != nil {
		log.Printf("inference extract %s: %v", tmp.checksum, err)
		http.Error(w, "inference backend unavailable", http.StatusBadGateway)
		return
	}

	resp := documentResponse{ResourceID: resourceID, Schedule: sched}
	if resourceID != "" {
		if res := s.results.Upsert(ctx, resourceID, entity, sched); res != nil {
			resp.ResultID = res.ID
			resp.Schedule = res.Schedule
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleDocumentRoute serves per-document subresources; today that is only
// the archived original, as a short-lived signed URL.
func (s *Server) handleDocumentRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/documents/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "archive" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.archive == nil {
		http.Error(w, "archival not configured", http.StatusNotFound)
		return
	}
	signed, err := s.archive.PresignDocumentURL(r.Context(), parts[0], 15*time.Minute)
	if err != nil {
		log.Printf("presign %s: %v", parts[0], err)
		http.Error(w, "archive unavailable", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"url": signed})
}

func (s *Server) handleResultRoute(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/results/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "link" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code, err := s.links.CreateOrGet(r.Context(), parts[0])
	if err != nil {
		if errors.Is(err, sharelink.ErrCodeExhausted) {
			http.Error(w, "could not allocate a share code", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "share links unavailable", http.StatusServiceUnavailable)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"code": code,
		"url":  fmt.Sprintf("%s/s/%s", s.cfg.ShareBaseURL, code),
	})
}

func (s *Server) handleShared(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	code := strings.TrimPrefix(r.URL.Path, "/s/")
	if code == "" || strings.Contains(code, "/") {
		http.NotFound(w, r)
		return
	}
	res, views, ok := s.links.Resolve(r.Context(), code)
	if !ok {
		// Unknown code and backend fault intentionally look the same.
		http.Error(w, "link not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"code":      code,
		"entity":    res.EntityDisplay,
		"schedule":  res.Schedule,
		"viewCount": views,
	})
}

type tempUpload struct {
	f           *os.File
	path        string
	size        int64
	checksum    string
	contentType string
	filename    string
}

// spoolUpload streams the multipart body to a temp file, hashing and
// sniffing as it copies, and collects the entity form field wherever it
// appears relative to the file part.
func (s *Server) spoolUpload(mr *multipart.Reader) (*tempUpload, string, error) {
	var (
		tmp    *tempUpload
		entity string
	)
	discard := func() {
		if tmp != nil {
			tmp.f.Close()
			os.Remove(tmp.path)
		}
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			discard()
			return nil, "", fmt.Errorf("read form: %w", err)
		}
		switch part.FormName() {
		case "entity":
			value, err := io.ReadAll(io.LimitReader(part, 1024))
			part.Close()
			if err != nil {
				discard()
				return nil, "", fmt.Errorf("read entity field: %w", err)
			}
			entity = string(value)
		case "file":
			if tmp != nil {
				part.Close()
				continue
			}
			tmp, err = s.persistTemp(part)
			part.Close()
			if err != nil {
				return nil, "", err
			}
		default:
			part.Close()
		}
	}
	if tmp == nil {
		return nil, "", errors.New("missing file part")
	}
	return tmp, entity, nil
}

func (s *Server) persistTemp(part *multipart.Part) (*tempUpload, error) {
	tmpFile, err := os.CreateTemp("", "syllaparse-*.pdf")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	fail := func(err error) (*tempUpload, error) {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return nil, err
	}
	var (
		sniff   []byte
		written int64
	)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := part.Read(buf)
		if n > 0 {
			written += int64(n)
			if written > s.cfg.MaxFileSize {
				return fail(fmt.Errorf("file exceeds limit (%d bytes)", s.cfg.MaxFileSize))
			}
			if len(sniff) < 512 {
				chunk := n
				if remain := 512 - len(sniff); chunk > remain {
					chunk = remain
				}
				sniff = append(sniff, buf[:chunk]...)
			}
			if _, err := tmpFile.Write(buf[:n]); err != nil {
				return fail(fmt.Errorf("write temp file: %w", err))
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return fail(fmt.Errorf("read file: %w", readErr))
		}
	}
	if written == 0 {
		return fail(errors.New("empty file"))
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind temp file: %w", err))
	}
	checksum, _, err := identity.Checksum(tmpFile)
	if err != nil {
		return fail(err)
	}
	if _, err := tmpFile.Seek(0, io.SeekStart); err != nil {
		return fail(fmt.Errorf("rewind temp file: %w", err))
	}
	filename := part.FileName()
	if filename == "" {
		filename = "upload.pdf"
	}
	return &tempUpload{
		f:           tmpFile,
		path:        tmpFile.Name(),
		size:        written,
		checksum:    checksum,
		contentType: http.DetectContentType(sniff),
		filename:    filename,
	}, nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
