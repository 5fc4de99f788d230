package contacthttp

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/linnemanlabs-api/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
)

// Path is where the contact endpoint is mounted.
const Path = "/api/contact"

// DefaultMaxBytes caps the request body when Options.MaxBytes is unset.
const DefaultMaxBytes = 16 << 10

// Result labels passed to Options.OnResult.
const (
	ResultStored    = "stored"
	ResultInvalid   = "invalid"
	ResultTooLarge  = "too_large"
	ResultDuplicate = "duplicate"
	ResultSinkError = "sink_error"
)

type Options struct {
	Sink   Sink
	Logger log.Logger
	// RateLimit runs before the body is read
	RateLimit func(http.Handler) http.Handler
	MaxBytes  int64
	Now       func() time.Time
	OnResult  func(result string)
}

// API implements httpserver.RouteRegistrar for the contact form.
type API struct {
	sink      Sink
	logger    log.Logger
	rateLimit func(http.Handler) http.Handler
	maxBytes  int64
	now       func() time.Time
	onResult  func(string)
}

func New(opts Options) *API {
	a := &API{
		sink:      opts.Sink,
		logger:    opts.Logger,
		rateLimit: opts.RateLimit,
		maxBytes:  opts.MaxBytes,
		now:       opts.Now,
		onResult:  opts.OnResult,
	}
	if a.sink == nil {
		a.sink = LogSink{Logger: opts.Logger}
	}
	if a.logger == nil {
		a.logger = log.Nop()
	}
	if a.maxBytes <= 0 {
		a.maxBytes = DefaultMaxBytes
	}
	if a.now == nil {
		a.now = time.Now
	}
	return a
}

func (a *API) RegisterRoutes(r chi.Router) {
	mws := []func(http.Handler) http.Handler{httpmw.Scope("contact")}
	if a.rateLimit != nil {
		mws = append(mws, a.rateLimit)
	}
	mws = append(mws, httpmw.MaxBody(a.maxBytes))
	r.With(mws...).Post(Path, a.handleSubmit)
}

func (a *API) result(r string) {
	if a.onResult != nil {
		a.onResult(r)
	}
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	L := log.FromContext(ctx)

	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		a.result(ResultInvalid)
		writeJSON(w, http.StatusUnsupportedMediaType, map[string]any{"error": "content type must be application/json"})
		return
	}

	var req request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			a.result(ResultTooLarge)
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "request body too large"})
			return
		}
		a.result(ResultInvalid)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		a.result(ResultInvalid)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid JSON body"})
		return
	}

	if fe := req.normalize(); fe != nil {
		a.result(ResultInvalid)
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request", "fields": fe})
		return
	}

	id := uuid.NewString()
	sub := Submission{
		ID:         id,
		RequestID:  httpmw.RequestIDFromContext(ctx),
		ReceivedAt: a.now().UTC(),
		Name:       req.Name,
		Email:      req.Email,
		Message:    req.Message,
		ClientIP:   httpmw.ClientIPFromContext(ctx),
	}

	if err := a.sink.Store(ctx, sub); err != nil {
		if errors.Is(err, ErrDuplicateSubmission) {
			a.result(ResultDuplicate)
			L.Warn(ctx, "contact submission already stored", "submission_id", id)
			writeJSON(w, http.StatusConflict, map[string]any{"error": "submission already received"})
			return
		}
		a.result(ResultSinkError)
		L.Error(ctx, err, "store contact submission", "submission_id", id)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "could not store submission"})
		return
	}

	a.result(ResultStored)
	L.Info(ctx, "contact submission stored", "submission_id", id)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "received"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
