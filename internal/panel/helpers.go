package panel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gridflow/gridflow/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func asFlowError(err error, target **schema.FlowError) bool {
	return errors.As(err, target)
}

// writeFlowError maps engine error codes onto HTTP statuses.
func writeFlowError(w http.ResponseWriter, err error) {
	var flowErr *schema.FlowError
	if !asFlowError(err, &flowErr) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch flowErr.Code {
	case schema.ErrCodeNotFound:
		status = http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		status = http.StatusConflict
	case schema.ErrCodeValidation:
		status = http.StatusBadRequest
	case schema.ErrCodeCancelled:
		status = http.StatusGone
	}

	writeJSON(w, status, map[string]any{
		"error": flowErr.Message,
		"code":  flowErr.Code,
	})
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
