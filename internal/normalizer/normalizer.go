// Package normalizer converts OTLP protobuf payloads into the internal
// storage model: hex identifiers, interned resources and scopes, typed
// attributes and per-record validation.
package normalizer

import (
	"encoding/hex"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/tinyolly/tinyolly/pkg/models"
)

const (
	traceIDLen = 16
	spanIDLen  = 8
)

// Normalizer carries the conversion clock. The zero value is not usable;
// construct with New.
type Normalizer struct {
	now func() time.Time
}

// New returns a normalizer. A nil clock means time.Now.
func New(now func() time.Time) *Normalizer {
	if now == nil {
		now = time.Now
	}
	return &Normalizer{now: now}
}

// internSet deduplicates resources and scopes within one request.
type internSet struct {
	resources map[string]*models.Resource
	scopes    map[string]*models.Scope
}

func newInternSet() *internSet {
	return &internSet{
		resources: make(map[string]*models.Resource),
		scopes:    make(map[string]*models.Scope),
	}
}

func (s *internSet) resource(r *resourcepb.Resource) (*models.Resource, int) {
	attrs, dropped := models.AttributesFromProto(r.GetAttributes())
	res := models.NewResource(attrs)
	if existing, ok := s.resources[res.Ref]; ok {
		return existing, dropped
	}
	s.resources[res.Ref] = res
	return res, dropped
}

func (s *internSet) scope(sc *commonpb.InstrumentationScope) *models.Scope {
	scope := models.NewScope(sc.GetName(), sc.GetVersion())
	if existing, ok := s.scopes[scope.Ref]; ok {
		return existing
	}
	s.scopes[scope.Ref] = scope
	return scope
}

func (s *internSet) resourceList() []*models.Resource {
	out := make([]*models.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		out = append(out, r)
	}
	return out
}

func (s *internSet) scopeList() []*models.Scope {
	out := make([]*models.Scope, 0, len(s.scopes))
	for _, sc := range s.scopes {
		out = append(out, sc)
	}
	return out
}

// hexID validates a raw OTLP identifier and returns its lowercase hex form.
// All-zero identifiers are invalid per the OTLP spec.
func hexID(raw []byte, wantLen int) (string, bool) {
	if len(raw) != wantLen {
		return "", false
	}
	zero := true
	for _, b := range raw {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return "", false
	}
	return hex.EncodeToString(raw), true
}

// optionalHexID accepts an absent identifier, rejecting only malformed ones.
func optionalHexID(raw []byte, wantLen int) (string, bool) {
	if len(raw) == 0 {
		return "", true
	}
	return hexID(raw, wantLen)
}
