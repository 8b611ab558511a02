package processor

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Subscriber kinds the manager can build.
const (
	KindSleeper = "sleeper"
	KindWebhook = "webhook"
	KindScript  = "script"
	KindStream  = "stream"
)

// Spec describes a subscriber to build. Stream subscribers are attached from a live
// websocket instead and cannot be created from a Spec.
type Spec struct {
	Kind            string `json:"kind" validate:"required,oneof=sleeper webhook script"`
	Name            string `json:"name,omitempty" validate:"omitempty,max=128"`
	OperationTimeMs int64  `json:"operationTimeMs,omitempty" validate:"gte=0,lte=3600000"`
	URL             string `json:"url,omitempty" validate:"required_if=Kind webhook,omitempty,url"`
	Source          string `json:"source,omitempty" validate:"required_if=Kind script"`
}

// OperationTime returns the sleeper processing time.
func (s Spec) OperationTime() time.Duration {
	return time.Duration(s.OperationTimeMs) * time.Millisecond
}

func (s Spec) normalise() Spec {
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	s.Name = strings.TrimSpace(s.Name)
	s.URL = strings.TrimSpace(s.URL)
	return s
}

// config returns the kind-specific settings persisted alongside a record.
func (s Spec) config() (map[string]any, error) {
	s.Kind, s.Name = "", ""
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode spec: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("encode spec: %w", err)
	}
	return out, nil
}

func specFromConfig(kind, name string, cfg map[string]any) (Spec, error) {
	var spec Spec
	if len(cfg) > 0 {
		raw, err := json.Marshal(cfg)
		if err != nil {
			return Spec{}, fmt.Errorf("decode spec: %w", err)
		}
		if err := json.Unmarshal(raw, &spec); err != nil {
			return Spec{}, fmt.Errorf("decode spec: %w", err)
		}
	}
	spec.Kind = kind
	spec.Name = name
	return spec.normalise(), nil
}
