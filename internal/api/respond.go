package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/ChuLiYu/eegflow/internal/analysis"
	"github.com/ChuLiYu/eegflow/internal/batch"
	"github.com/ChuLiYu/eegflow/internal/jobmanager"
	"github.com/ChuLiYu/eegflow/internal/session"
	"github.com/ChuLiYu/eegflow/internal/worker"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSON reads the body into dst and validates it.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty request body", session.ErrValidation)
		}
		return fmt.Errorf("%w: invalid request body: %v", session.ErrValidation, err)
	}
	if err := validate.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", session.ErrValidation, err)
	}
	return nil
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, jobmanager.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrValidation),
		errors.Is(err, session.ErrNoRaw),
		errors.Is(err, session.ErrNoEpochs),
		errors.Is(err, batch.ErrInvalidRequest),
		errors.Is(err, batch.ErrJobRunning),
		errors.Is(err, batch.ErrJobTerminal),
		errors.Is(err, analysis.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, worker.ErrQueueFull),
		errors.Is(err, worker.ErrPoolClosed),
		errors.Is(err, worker.ErrPoolNotStarted),
		errors.Is(err, session.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}
