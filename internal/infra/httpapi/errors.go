package httpapi

import (
	"encoding/json"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError renders err as {"error": code, "message": ...}. Errors carrying
// a go-errors envelope keep their text code; anything else is internal.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: "internal", Message: err.Error()}
	status := http.StatusInternalServerError

	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		if rich.TextCode != "" {
			body.Error = rich.TextCode
		}
		status = statusFor(rich.Category)
	}

	writeJSON(w, status, body)
}

func statusFor(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryAuthz:
		return http.StatusUnauthorized
	case goerrors.CategoryAuth, goerrors.CategoryExternal, goerrors.CategoryOperation:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func badRequest(message string) error {
	return goerrors.New(message, goerrors.CategoryBadInput).WithTextCode("bad_request")
}
