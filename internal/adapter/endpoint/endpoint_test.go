package endpoint

import (
	"encoding/json"
	"image/color"
	"reflect"
	"strings"
	"testing"

	"github.com/tjfontaine/polyglot-vision-gateway/internal/core/domain"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/imaging"
	"github.com/tjfontaine/polyglot-vision-gateway/internal/testutil"
)

func TestAdapter_BuildRequest(t *testing.T) {
	payload, err := imaging.Prepare(testutil.PNG(t, 64, 48, color.RGBA{R: 255, G: 255, B: 255, A: 255}), 1<<20, 512, 90)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}

	spec := domain.ProviderCallSpec{Endpoint: "https://runtime.sagemaker.us-east-1.amazonaws.com/", Model: "resnet18-serverless"}
	wire, err := New().BuildRequest(spec, payload, "ignored")
	if err != nil {
		t.Fatalf("BuildRequest() error = %v", err)
	}

	wantURL := "https://runtime.sagemaker.us-east-1.amazonaws.com/endpoints/resnet18-serverless/invocations"
	if wire.URL != wantURL {
		t.Errorf("URL = %q, want %q", wire.URL, wantURL)
	}

	var tensor [][][][]float32
	if err := json.Unmarshal(wire.Body, &tensor); err != nil {
		t.Fatalf("body is not a nested array: %v", err)
	}
	if len(tensor) != 1 || len(tensor[0]) != 3 || len(tensor[0][0]) != InputSide || len(tensor[0][0][0]) != InputSide {
		t.Fatalf("tensor shape = %dx%dx%dx%d", len(tensor), len(tensor[0]), len(tensor[0][0]), len(tensor[0][0][0]))
	}
	// A white pixel normalizes to (1-mean)/std per channel.
	want := (1 - imaging.ImageNet.Mean[0]) / imaging.ImageNet.Std[0]
	if got := float64(tensor[0][0][100][100]); got < want-0.05 || got > want+0.05 {
		t.Errorf("red channel = %v, want ~%v", got, want)
	}
}

func TestAdapter_BuildRequestRequiresName(t *testing.T) {
	_, err := New().BuildRequest(domain.ProviderCallSpec{Endpoint: "https://x"}, domain.PreparedPayload{}, "")
	if domain.KindOf(err) != domain.ErrorKindConfig {
		t.Fatalf("BuildRequest() error = %v, want config error", err)
	}
}

func TestPredict(t *testing.T) {
	tests := []struct {
		name      string
		scores    []float64
		wantClass int
		wantConf  float64
		wantTop   []int
	}{
		{
			name:      "distinct scores",
			scores:    []float64{0.1, 0.7, 0.05, 0.9, 0.2, 0.3, 0.0},
			wantClass: 3,
			wantConf:  0.9,
			wantTop:   []int{3, 1, 5, 4, 0},
		},
		{
			name:      "ties keep first occurrence",
			scores:    []float64{0.5, 0.9, 0.9, 0.5, 0.1, 0.5},
			wantClass: 1,
			wantConf:  0.9,
			wantTop:   []int{1, 2, 0, 3, 5},
		},
		{
			name:      "fewer than five classes",
			scores:    []float64{-1, 2},
			wantClass: 1,
			wantConf:  2,
			wantTop:   []int{1, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Predict(tt.scores)
			if got.PredictedClassIndex != tt.wantClass {
				t.Errorf("PredictedClassIndex = %d, want %d", got.PredictedClassIndex, tt.wantClass)
			}
			if got.ConfidenceScore != tt.wantConf {
				t.Errorf("ConfidenceScore = %v, want %v", got.ConfidenceScore, tt.wantConf)
			}
			if !reflect.DeepEqual(got.Top5Indices, tt.wantTop) {
				t.Errorf("Top5Indices = %v, want %v", got.Top5Indices, tt.wantTop)
			}
		})
	}
}

func TestAdapter_ParseResponse(t *testing.T) {
	a := New()

	tests := []struct {
		name        string
		body        string
		wantCaption string
		wantTags    string
		wantKind    domain.ErrorKind
	}{
		{"batched", `[[0.1, 0.2, 3.5, 0.4]]`, "class 2", "2,3,1,0", ""},
		{"flat", `[9, 1, 2, 3, 4, 5]`, "class 0", "0,5,4,3,2", ""},
		{"empty batch", `[]`, "", "", domain.ErrorKindResponseFormat},
		{"object", `{"error":"model not loaded"}`, "", "", domain.ErrorKindParse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := a.ParseResponse([]byte(tt.body))
			if tt.wantKind != "" {
				if domain.KindOf(err) != tt.wantKind {
					t.Fatalf("ParseResponse() error = %v, want kind %s", err, tt.wantKind)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponse() error = %v", err)
			}
			if got.Caption != tt.wantCaption {
				t.Errorf("Caption = %q, want %q", got.Caption, tt.wantCaption)
			}
			if strings.Join(got.Tags, ",") != tt.wantTags {
				t.Errorf("Tags = %v, want %s", got.Tags, tt.wantTags)
			}

			var pred Prediction
			if err := json.Unmarshal(got.Raw, &pred); err != nil {
				t.Fatalf("Raw is not a prediction: %v", err)
			}
			if got.Caption != "class "+strings.Split(tt.wantTags, ",")[0] {
				t.Errorf("caption should name the top class")
			}
		})
	}
}
