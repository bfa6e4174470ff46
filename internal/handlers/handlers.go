package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"

	"github.com/gorilla/mux"

	"github.com/Brownie44l1/tumor-api/internal/export"
	"github.com/Brownie44l1/tumor-api/internal/inference"
	"github.com/Brownie44l1/tumor-api/internal/logging"
	"github.com/Brownie44l1/tumor-api/internal/metrics"
	"github.com/Brownie44l1/tumor-api/internal/model"
)

const (
	formField = "images"

	healthStatus = "Brain tumor classifier backend is running."

	msgNoImages   = "No image files provided."
	msgEmptyList  = "Empty file list."
	msgTooLarge   = "Upload too large."
	msgBadJSON    = "Invalid JSON."
	msgPredict    = "Prediction failed."
	msgExportFail = "Failed to build export."

	csvFilename  = "Brain_tumor_pred.csv"
	xlsxFilename = "Brain_tumor_pred.xlsx"

	csvContentType  = "text/csv; charset=utf-8"
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

type Handler struct {
	svc            *inference.Service
	temp           *export.TempFiles
	maxUploadBytes int64
}

func NewHandler(svc *inference.Service, temp *export.TempFiles, maxUploadBytes int64) *Handler {
	return &Handler{
		svc:            svc,
		temp:           temp,
		maxUploadBytes: maxUploadBytes,
	}
}

// RegisterRoutes mounts the classifier endpoints on r.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.HandleFunc("/predict", h.Predict).Methods(http.MethodPost)
	r.HandleFunc("/predict-csv", h.PredictCSV).Methods(http.MethodPost)
	r.HandleFunc("/predict-xlsx", h.PredictXLSX).Methods(http.MethodPost)
	r.HandleFunc("/predict/tensor", h.PredictTensor).Methods(http.MethodPost)
}

// NewRouter wires the handler, metrics and middleware into one http.Handler.
// m may be nil, in which case /metrics is not served.
func NewRouter(h *Handler, m *metrics.Metrics) http.Handler {
	r := mux.NewRouter()
	if m != nil {
		r.Use(m.Middleware)
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	h.RegisterRoutes(r)

	// Preflight requests are answered before routing.
	return requestIDMiddleware(accessLogMiddleware(enableCORS(r)))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": healthStatus})
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	uploads, ok := h.readUploads(w, r)
	if !ok {
		return
	}

	results, err := h.svc.Classify(r.Context(), uploads, true)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *Handler) PredictCSV(w http.ResponseWriter, r *http.Request) {
	h.predictTable(w, r, ".csv", csvFilename, csvContentType, export.WriteCSV)
}

func (h *Handler) PredictXLSX(w http.ResponseWriter, r *http.Request) {
	h.predictTable(w, r, ".xlsx", xlsxFilename, xlsxContentType, export.WriteXLSX)
}

type tableWriter func(w io.Writer, labels []string, results []inference.Result) error

// predictTable classifies the uploads, writes the table to a private temp
// file and serves it as an attachment. The file is removed once sent.
func (h *Handler) predictTable(w http.ResponseWriter, r *http.Request, ext, filename, contentType string, write tableWriter) {
	uploads, ok := h.readUploads(w, r)
	if !ok {
		return
	}

	results, err := h.svc.Classify(r.Context(), uploads, false)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	labels := h.svc.Labels()
	path, cleanup, err := h.temp.Create(ext, func(out io.Writer) error {
		return write(out, labels, results)
	})
	if err != nil {
		slog.Error("export_failed", "request_id", logging.RequestID(r.Context()), "format", ext, "error", err)
		respondError(w, http.StatusInternalServerError, msgExportFail)
		return
	}
	defer cleanup()

	f, err := os.Open(path)
	if err != nil {
		slog.Error("export_failed", "request_id", logging.RequestID(r.Context()), "format", ext, "error", err)
		respondError(w, http.StatusInternalServerError, msgExportFail)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		slog.Error("export_failed", "request_id", logging.RequestID(r.Context()), "format", ext, "error", err)
		respondError(w, http.StatusInternalServerError, msgExportFail)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

type tensorResponse struct {
	Prediction string             `json:"prediction"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores"`
}

// PredictTensor scores a client-preprocessed input of exactly the model's
// input length.
func (h *Handler) PredictTensor(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	var req model.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return
		}
		respondError(w, http.StatusBadRequest, msgBadJSON)
		return
	}

	scored, err := h.svc.PredictTensor(r.Context(), req.Image)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, tensorResponse{
		Prediction: scored.Label,
		Confidence: scored.Confidence,
		Scores:     scored.Scores,
	})
}

// readUploads parses the multipart form and reads every file under the
// images field. On failure it writes the error response and returns false.
func (h *Handler) readUploads(w http.ResponseWriter, r *http.Request) ([]inference.Upload, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
			return nil, false
		}
		respondError(w, http.StatusBadRequest, msgNoImages)
		return nil, false
	}
	defer r.MultipartForm.RemoveAll()

	files, hasFiles := r.MultipartForm.File[formField]
	if !hasFiles {
		// A file input submitted with nothing selected arrives as a plain value.
		if _, hasField := r.MultipartForm.Value[formField]; hasField {
			respondError(w, http.StatusBadRequest, msgEmptyList)
			return nil, false
		}
		respondError(w, http.StatusBadRequest, msgNoImages)
		return nil, false
	}
	if len(files) == 0 {
		respondError(w, http.StatusBadRequest, msgEmptyList)
		return nil, false
	}

	uploads := make([]inference.Upload, 0, len(files))
	for _, fh := range files {
		upload := inference.Upload{Filename: fh.Filename}
		f, err := fh.Open()
		if err != nil {
			upload.Err = err
			uploads = append(uploads, upload)
			continue
		}
		upload.Data, upload.Err = io.ReadAll(f)
		f.Close()
		uploads = append(uploads, upload)
	}
	return uploads, true
}

func (h *Handler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	switch {
	case inference.IsKind(err, inference.ErrNoImages):
		respondError(w, status, msgEmptyList)
	case status == http.StatusBadRequest:
		respondError(w, status, err.Error())
	default:
		slog.Error("prediction_failed", "request_id", logging.RequestID(r.Context()), "error", err)
		respondError(w, status, msgPredict)
	}
}

func mapErrorToHTTPStatus(err error) int {
	switch {
	case inference.IsKind(err, inference.ErrInvalidInput):
		return http.StatusBadRequest
	case inference.IsKind(err, inference.ErrNoImages):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
