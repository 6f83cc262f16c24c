package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/analyze"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/codec"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
)

// multipartOverhead is the allowance for form boundaries and extra fields.
const multipartOverhead = 1 << 20

// Analyzer is the request service behind the HTTP surface.
type Analyzer interface {
	Analyze(ctx context.Context, req analyze.Request) (*analyze.Response, error)
	Route(ctx context.Context, req analyze.Request, policy string) (*analyze.RouteResponse, error)
	Result(ctx context.Context, requestID string) (*domain.AggregatedRecord, error)
	Providers() []string
	Real() bool
}

// ImageRequest is the JSON form of an analyze or route request.
type ImageRequest struct {
	ImageURL  string `json:"image_url"`
	Source    string `json:"source,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type HealthResponse struct {
	OK        bool     `json:"ok"`
	Real      bool     `json:"real"`
	Providers []string `json:"providers"`
}

type ResultResponse struct {
	Found bool                     `json:"found"`
	Item  *domain.AggregatedRecord `json:"item,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	providers := s.svc.Providers()
	if providers == nil {
		providers = []string{}
	}
	writeJSON(w, http.StatusOK, HealthResponse{OK: true, Real: s.svc.Real(), Providers: providers})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeImageRequest(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp, err := s.svc.Analyze(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	AddLogField(r.Context(), "providers", strconv.Itoa(len(resp.Results)))
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	policy := r.URL.Query().Get("policy")
	req, err := s.decodeImageRequest(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	resp, err := s.svc.Route(r.Context(), req, policy)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	AddLogField(r.Context(), "chosen", resp.Chosen)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.svc.Result(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusOK, ResultResponse{Found: false})
		return
	}
	if err != nil {
		s.fail(w, r, domain.ErrStore(err))
		return
	}
	writeJSON(w, http.StatusOK, ResultResponse{Found: true, Item: rec})
}

// decodeImageRequest accepts a raw image body, a multipart form with a "file"
// part, or a JSON ImageRequest. The request ID comes from the request_id
// query parameter, the JSON body, or the request ID middleware, in that order.
func (s *Server) decodeImageRequest(w http.ResponseWriter, r *http.Request) (analyze.Request, error) {
	q := r.URL.Query()
	req := analyze.Request{
		RequestID: q.Get("request_id"),
		Source:    q.Get("source"),
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload+multipartOverhead)
		if err := r.ParseMultipartForm(s.maxUpload + multipartOverhead); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return req, domain.NewError(domain.ErrorKindPayloadTooLarge,
					fmt.Sprintf("multipart body exceeds %d bytes", tooBig.Limit))
			}
			return req, domain.ErrInvalidImage(fmt.Errorf("parse multipart form: %w", err))
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			return req, domain.ErrInvalidImage(fmt.Errorf("missing form file %q: %w", "file", err))
		}
		defer file.Close()
		if req.Image, err = s.readLimited(file); err != nil {
			return req, err
		}
		if req.Source == "" {
			req.Source = r.FormValue("source")
		}

	case "application/json":
		// image_url may carry a data URI, so the body must fit a base64
		// encoded image of the upload limit.
		r.Body = http.MaxBytesReader(w, r.Body, s.jsonBodyLimit())
		var body ImageRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return req, domain.NewError(domain.ErrorKindPayloadTooLarge,
					fmt.Sprintf("json body exceeds %d bytes", tooBig.Limit))
			}
			return req, domain.ErrInvalidImage(fmt.Errorf("decode request body: %w", err))
		}
		req.ImageURL = body.ImageURL
		if req.Source == "" {
			req.Source = body.Source
		}
		if req.RequestID == "" {
			req.RequestID = body.RequestID
		}

	default:
		var err error
		if req.Image, err = s.readLimited(r.Body); err != nil {
			return req, err
		}
	}

	if req.RequestID == "" {
		req.RequestID = GetRequestID(r.Context())
	}
	AddLogField(r.Context(), "analyze_id", req.RequestID)
	return req, nil
}

func (s *Server) jsonBodyLimit() int64 {
	return int64(base64.StdEncoding.EncodedLen(int(s.maxUpload))) + multipartOverhead
}

func (s *Server) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxUpload+1))
	if err != nil {
		return nil, domain.ErrInvalidImage(fmt.Errorf("read image: %w", err))
	}
	return data, nil
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)
	codec.WriteError(w, err)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
