package codec

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
)

// ErrorResponse is a serialized error ready to be written to a client.
type ErrorResponse struct {
	StatusCode int
	Body       []byte
}

// ErrorBody is the JSON error envelope returned by the HTTP surface.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Kind     domain.ErrorKind `json:"kind"`
	Message  string           `json:"message"`
	Provider string           `json:"provider,omitempty"`
}

// ToVisionError converts any error to a *domain.VisionError. Errors outside
// the taxonomy become not_found for domain.ErrNotFound and a generic
// internal error otherwise.
func ToVisionError(err error) *domain.VisionError {
	var ve *domain.VisionError
	if errors.As(err, &ve) {
		return ve
	}
	if errors.Is(err, domain.ErrNotFound) {
		return domain.NewError(domain.ErrorKindNotFound, err.Error())
	}
	return domain.NewError("internal", err.Error())
}

// FormatError renders err as an error envelope with its HTTP status.
func FormatError(err error) *ErrorResponse {
	ve := ToVisionError(err)
	msg := ve.Message
	if msg == "" && ve.Err != nil {
		msg = ve.Err.Error()
	}

	body, _ := json.Marshal(ErrorBody{Error: ErrorDetail{
		Kind:     ve.Kind,
		Message:  msg,
		Provider: ve.Provider,
	}})

	return &ErrorResponse{
		StatusCode: ve.HTTPStatusCode(),
		Body:       body,
	}
}

// WriteError writes err as a JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	resp := FormatError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}
