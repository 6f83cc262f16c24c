// Package endpoint implements the custom model-serving adapter. The image is
// sent as a normalized channel-first tensor and the endpoint answers with
// class scores.
package endpoint

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/ports"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/imaging"
)

const (
	// InputSide is the square input edge the classifier expects.
	InputSide = 224
	topK      = 5
)

type Adapter struct {
	side int
	norm imaging.Normalization
}

var _ ports.Adapter = (*Adapter)(nil)

// New creates an endpoint adapter for a 224x224 ImageNet-normalized classifier.
func New() *Adapter {
	return &Adapter{side: InputSide, norm: imaging.ImageNet}
}

func (a *Adapter) Kind() domain.AdapterKind { return domain.AdapterEndpoint }

// Prediction is the raw payload reported for an endpoint call.
type Prediction struct {
	PredictedClassIndex int       `json:"predicted_class_index"`
	ConfidenceScore     float64   `json:"confidence_score"`
	Top5Indices         []int     `json:"top_5_indices"`
	AllScores           []float64 `json:"all_scores"`
}

// URL returns the invocation URL of the named endpoint.
func URL(base, name string) string {
	return strings.TrimSuffix(base, "/") + "/endpoints/" + url.PathEscape(name) + "/invocations"
}

// BuildRequest ignores the prompt; classifiers take no text input.
func (a *Adapter) BuildRequest(spec domain.ProviderCallSpec, payload domain.PreparedPayload, _ string) (*domain.WireRequest, error) {
	if spec.Model == "" {
		return nil, domain.ErrConfig("endpoint adapter requires an endpoint name in model")
	}

	tensor, err := imaging.ToTensor(payload, a.side, a.norm)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(tensor)
	if err != nil {
		return nil, fmt.Errorf("marshal tensor: %w", err)
	}

	return &domain.WireRequest{
		Method: http.MethodPost,
		URL:    URL(spec.Endpoint, spec.Model),
		Header: http.Header{
			"Content-Type": []string{"application/json"},
			"Accept":       []string{"application/json"},
		},
		Body: body,
	}, nil
}

func (a *Adapter) ParseResponse(body []byte) (*domain.AdapterResult, error) {
	scores, err := decodeScores(body)
	if err != nil {
		return nil, domain.ErrParse(err)
	}
	if len(scores) == 0 {
		return nil, domain.ErrResponseFormat("endpoint returned an empty score vector")
	}

	pred := Predict(scores)
	raw, err := json.Marshal(pred)
	if err != nil {
		return nil, fmt.Errorf("marshal prediction: %w", err)
	}

	tags := make([]string, len(pred.Top5Indices))
	for i, idx := range pred.Top5Indices {
		tags[i] = strconv.Itoa(idx)
	}

	return &domain.AdapterResult{
		Caption: fmt.Sprintf("class %d", pred.PredictedClassIndex),
		Tags:    tags,
		Raw:     raw,
	}, nil
}

// decodeScores accepts a batch ([[...]]) or a flat ([...]) score vector.
func decodeScores(body []byte) ([]float64, error) {
	var batch [][]float64
	if err := json.Unmarshal(body, &batch); err == nil {
		if len(batch) == 0 {
			return nil, nil
		}
		return batch[0], nil
	}
	var flat []float64
	if err := json.Unmarshal(body, &flat); err != nil {
		return nil, fmt.Errorf("endpoint response is not a score vector: %w", err)
	}
	return flat, nil
}

// Predict derives the arg-max class, its score and the top-5 indices. Equal
// scores keep their original order, so ties go to the lowest index.
func Predict(scores []float64) Prediction {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return scores[idx[i]] > scores[idx[j]]
	})

	k := min(topK, len(idx))
	return Prediction{
		PredictedClassIndex: idx[0],
		ConfidenceScore:     scores[idx[0]],
		Top5Indices:         append([]int(nil), idx[:k]...),
		AllScores:           scores,
	}
}
