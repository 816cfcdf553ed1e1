// Package api exposes the receipt pipeline over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/sombapp/receipt-service/internal/learning"
	"github.com/sombapp/receipt-service/internal/models"
	"github.com/sombapp/receipt-service/internal/normalize"
	"github.com/sombapp/receipt-service/internal/pipeline"
	"github.com/sombapp/receipt-service/internal/storage"
	"github.com/sombapp/receipt-service/internal/store"
)

const (
	MaxUploadSize = 10 * 1024 * 1024 // 10MB
	Version       = "1.0.0"
)

// Pinger is what the health check needs from the database layer.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler handles HTTP requests for receipt processing.
type Handler struct {
	config     *models.Config
	processor  *pipeline.Processor
	normalizer *normalize.Normalizer
	products   store.ProductStore
	signatures store.SignatureStore
	learning   *learning.Engine
	db         Pinger
	archive    *storage.Archive
}

func NewHandler(
	config *models.Config,
	processor *pipeline.Processor,
	normalizer *normalize.Normalizer,
	products store.ProductStore,
	signatures store.SignatureStore,
	learningEngine *learning.Engine,
	db Pinger,
	archive *storage.Archive,
) *Handler {
	return &Handler{
		config:     config,
		processor:  processor,
		normalizer: normalizer,
		products:   products,
		signatures: signatures,
		learning:   learningEngine,
		db:         db,
		archive:    archive,
	}
}

// SetupRoutes configures the HTTP routes.
func (h *Handler) SetupRoutes() *mux.Router {
	router := mux.NewRouter()

	// Processing
	router.HandleFunc("/api/process-receipt", h.ProcessReceipt).Methods("POST")
	router.HandleFunc("/api/process-batch", h.ProcessBatch).Methods("POST")

	// Normalization and catalog
	router.HandleFunc("/api/normalize", h.Normalize).Methods("POST")
	router.HandleFunc("/api/mappings/teach", h.TeachMapping).Methods("POST")
	router.HandleFunc("/api/products/search", h.SearchProducts).Methods("GET")
	router.HandleFunc("/api/products", h.ListProducts).Methods("GET")
	router.HandleFunc("/api/products", h.AddProduct).Methods("POST")

	// Merchant templates and learning
	router.HandleFunc("/api/signatures", h.ListSignatures).Methods("GET")
	router.HandleFunc("/api/learning/stats", h.LearningStats).Methods("GET")

	// Statistics
	router.HandleFunc("/api/stats", h.PipelineStats).Methods("GET")

	// Health check
	router.HandleFunc("/health", h.Health).Methods("GET")

	return router
}

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Memory    MemoryStats       `json:"memory"`
	Tesseract ServiceStatus     `json:"tesseract"`
	Database  ServiceStatus     `json:"database"`
	Storage   ServiceStatus     `json:"storage"`
	AI        map[string]string `json:"ai"`
}

// MemoryStats represents memory usage statistics.
type MemoryStats struct {
	Allocated string `json:"allocated"`
	Total     string `json:"total"`
	System    string `json:"system"`
}

// ServiceStatus represents the status of a service dependency.
type ServiceStatus struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

var startTime = time.Now()

// Health endpoint for monitoring.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	tesseractStatus := h.checkTesseract()
	databaseStatus := h.checkDatabase(r.Context())
	storageStatus := h.checkStorage()

	response := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
		Memory: MemoryStats{
			Allocated: fmt.Sprintf("%.2f MB", float64(m.Alloc)/1024/1024),
			Total:     fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/1024/1024),
			System:    fmt.Sprintf("%.2f MB", float64(m.Sys)/1024/1024),
		},
		Tesseract: tesseractStatus,
		Database:  databaseStatus,
		Storage:   storageStatus,
		AI: map[string]string{
			"defaultProvider": h.config.AI.DefaultProvider,
			"ocrEngine":       h.config.OCR.Engine,
		},
	}

	if !tesseractStatus.Available {
		response.Status = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(response)
}

func (h *Handler) checkTesseract() ServiceStatus {
	cmd := exec.Command("tesseract", "--version")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return ServiceStatus{
			Available: false,
			Error:     "tesseract not found or not executable",
		}
	}

	version := "unknown"
	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		version = strings.TrimSpace(lines[0])
	}
	return ServiceStatus{Available: true, Version: version}
}

func (h *Handler) checkDatabase(ctx context.Context) ServiceStatus {
	if h.db == nil {
		return ServiceStatus{
			Available: false,
			Error:     "no database configured, using in-memory stores",
		}
	}
	if err := h.db.Ping(ctx); err != nil {
		return ServiceStatus{Available: false, Error: err.Error()}
	}
	return ServiceStatus{Available: true, Version: "PostgreSQL via pgx"}
}

func (h *Handler) checkStorage() ServiceStatus {
	if h.archive == nil {
		return ServiceStatus{
			Available: false,
			Error:     "storage client not initialized",
		}
	}
	return ServiceStatus{Available: true, Version: "MinIO S3"}
}

// ProcessReceipt accepts one receipt image as multipart form data and
// runs the full pipeline on it.
func (h *Handler) ProcessReceipt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	start := time.Now()

	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadSize)
	if err := r.ParseMultipartForm(MaxUploadSize); err != nil {
		h.sendError(w, http.StatusBadRequest, "file too large or invalid form data")
		return
	}

	imageData, contentType, err := formImage(r)
	if err != nil {
		h.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.processor.Process(r.Context(), pipeline.Request{
		ReceiptID:   r.FormValue("receiptId"),
		ImageData:   imageData,
		ContentType: contentType,
	})
	totalDuration := time.Since(start).Seconds()

	if err != nil {
		response := models.ProcessResponse{
			Success:       false,
			Error:         err.Error(),
			TotalDuration: totalDuration,
		}
		w.WriteHeader(statusForError(err))
		json.NewEncoder(w).Encode(response)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(models.ProcessResponse{
		Success:       true,
		Receipt:       result,
		TotalDuration: totalDuration,
	})
}

// ProcessBatch accepts several images under the "files" field and
// processes them with bounded parallelism.
func (h *Handler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	r.Body = http.MaxBytesReader(w, r.Body, 4*MaxUploadSize)
	if err := r.ParseMultipartForm(4 * MaxUploadSize); err != nil {
		h.sendError(w, http.StatusBadRequest, "file too large or invalid form data")
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["file"]
	}
	if len(headers) == 0 {
		h.sendError(w, http.StatusBadRequest, "no files provided (use 'files' field)")
		return
	}

	var reqs []pipeline.Request
	for _, header := range headers {
		data, contentType, err := readUpload(header)
		if err != nil {
			h.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		reqs = append(reqs, pipeline.Request{ImageData: data, ContentType: contentType})
	}

	out := h.processor.ProcessBatch(r.Context(), reqs)
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":   len(out),
		"results": out,
	})
}

// NormalizeRequest is the body of POST /api/normalize.
type NormalizeRequest struct {
	RawName    string `json:"rawName"`
	MerchantID string `json:"merchantId,omitempty"`
}

// Normalize resolves one raw item name against the master catalog.
func (h *Handler) Normalize(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req NormalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.RawName) == "" {
		h.sendError(w, http.StatusBadRequest, "rawName is required")
		return
	}

	match, err := h.normalizer.Normalize(r.Context(), req.RawName, req.MerchantID)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, fmt.Sprintf("normalization failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(match)
}

// TeachRequest is the body of POST /api/mappings/teach.
type TeachRequest struct {
	RawName    string `json:"rawName"`
	ProductID  string `json:"productId"`
	MerchantID string `json:"merchantId,omitempty"`
}

// TeachMapping records a curated raw-name to product mapping.
func (h *Handler) TeachMapping(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req TeachRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.RawName) == "" || strings.TrimSpace(req.ProductID) == "" {
		h.sendError(w, http.StatusBadRequest, "rawName and productId are required")
		return
	}

	if err := h.normalizer.TeachMapping(r.Context(), req.RawName, req.ProductID, req.MerchantID); err != nil {
		h.sendError(w, statusForError(err), fmt.Sprintf("teaching mapping failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// SearchProducts looks up catalog products by name fragment.
func (h *Handler) SearchProducts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	query := r.URL.Query().Get("q")
	if strings.TrimSpace(query) == "" {
		h.sendError(w, http.StatusBadRequest, "q parameter is required")
		return
	}
	limit := 10
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	results, err := h.normalizer.Search(r.Context(), query, limit)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, fmt.Sprintf("search failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"query":   query,
		"results": results,
	})
}

// ListProducts returns the full master catalog.
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	products, err := h.products.ListProducts(r.Context())
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, fmt.Sprintf("listing products failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":    len(products),
		"products": products,
	})
}

// AddProductRequest is the body of POST /api/products.
type AddProductRequest struct {
	Name      string   `json:"name"`
	Category  string   `json:"category"`
	Unit      string   `json:"unit"`
	AliasesFr []string `json:"aliasesFr,omitempty"`
	AliasesEn []string `json:"aliasesEn,omitempty"`
}

// AddProduct registers a new master product and makes it matchable
// immediately.
func (h *Handler) AddProduct(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	var req AddProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.sendError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	product, err := h.normalizer.AddProduct(r.Context(), req.Name, req.Category, req.Unit, req.AliasesFr, req.AliasesEn)
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, fmt.Sprintf("adding product failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(product)
}

// ListSignatures returns all known merchant signatures, seeded and
// learned.
func (h *Handler) ListSignatures(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	sigs, err := h.signatures.ListSignatures(r.Context())
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, fmt.Sprintf("listing signatures failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":      len(sigs),
		"signatures": sigs,
	})
}

// LearningStats reports accepted and rejected learning attempts.
func (h *Handler) LearningStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	stats, err := h.learning.Stats(r.Context())
	if err != nil {
		h.sendError(w, http.StatusInternalServerError, fmt.Sprintf("reading learning stats failed: %v", err))
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stats)
}

// PipelineStats reports pipeline counters.
func (h *Handler) PipelineStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(h.processor.Stats())
}

func (h *Handler) sendError(w http.ResponseWriter, statusCode int, message string) {
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// formImage pulls the uploaded image out of the multipart form,
// accepting both "file" and "image" field names.
func formImage(r *http.Request) ([]byte, string, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		file, header, err = r.FormFile("image")
		if err != nil {
			return nil, "", fmt.Errorf("no file provided (use 'file' or 'image' field)")
		}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("reading file: %w", err)
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return data, contentType, nil
}

func readUpload(header *multipart.FileHeader) ([]byte, string, error) {
	file, err := header.Open()
	if err != nil {
		return nil, "", fmt.Errorf("opening upload %s: %w", header.Filename, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("reading upload %s: %w", header.Filename, err)
	}
	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	return data, contentType, nil
}

// statusForError maps pipeline failure types onto HTTP status codes.
func statusForError(err error) int {
	var ef *models.ExtractionFailure
	var ff *models.FallbackFailure
	var vf *models.ValidationFailure
	switch {
	case errors.As(err, &vf):
		return http.StatusBadRequest
	case errors.As(err, &ef):
		if ef.Reason == models.ReasonUnreadableImage {
			return http.StatusUnprocessableEntity
		}
		return http.StatusInternalServerError
	case errors.As(err, &ff):
		if ff.Reason == models.ReasonRateLimited {
			return http.StatusTooManyRequests
		}
		if ff.Reason == models.ReasonTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
