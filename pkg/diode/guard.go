// Package diode holds the only write and read paths from an arm into the
// graph store. Both diodes compose the same Guard around one store call.
package diode

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dotsetgreg/octomem/pkg/logger"
	"github.com/dotsetgreg/octomem/pkg/memory"
	"github.com/dotsetgreg/octomem/pkg/metrics"
	"github.com/dotsetgreg/octomem/pkg/security"
	"github.com/dotsetgreg/octomem/pkg/value"
)

// Verifier checks capability tokens.
type Verifier interface {
	Verify(token, arm, operation, resourceType string) security.Decision
	Authenticate(token, arm string) (*security.Claims, error)
}

// Redactor strips PII and secrets.
type Redactor interface {
	RedactString(s string) string
	RedactMap(m value.Map) value.Map
	Scan(s string) []security.Match
}

// Limiter is a non-blocking admission check.
type Limiter interface {
	Allow(arm, operation string) (bool, time.Duration)
}

// Guard is the set of checks every diode composes around its store call.
type Guard interface {
	Check(token, arm, operation, resource string) error
	Grants(token, arm, operation string) []string
	Limit(arm, operation string) error
	Sanitize(props value.Map) value.Map
	SanitizeText(s string) string
	Validate(entityType string, props value.Map) error
	Audit(ctx context.Context, rec memory.ActionLogRecord) (string, error)
	Denied(ctx context.Context, diode, arm, operation, resource string, err error)
}

// GuardConfig wires a CapabilityGuard. Limiter may be nil.
type GuardConfig struct {
	Verifier  Verifier
	Sanitizer Redactor
	Schema    memory.SchemaValidator
	AuditLog  memory.AuditLog
	Limiter   Limiter
}

// CapabilityGuard is the standard Guard.
type CapabilityGuard struct {
	verifier  Verifier
	sanitizer Redactor
	schema    memory.SchemaValidator
	audit     memory.AuditLog
	limiter   Limiter
}

func NewGuard(cfg GuardConfig) (*CapabilityGuard, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("diode guard requires a verifier")
	}
	if cfg.Sanitizer == nil {
		return nil, errors.New("diode guard requires a sanitizer")
	}
	if cfg.Schema == nil {
		return nil, errors.New("diode guard requires a schema validator")
	}
	if cfg.AuditLog == nil {
		return nil, errors.New("diode guard requires an audit log")
	}
	return &CapabilityGuard{
		verifier:  cfg.Verifier,
		sanitizer: cfg.Sanitizer,
		schema:    cfg.Schema,
		audit:     cfg.AuditLog,
		limiter:   cfg.Limiter,
	}, nil
}

func (g *CapabilityGuard) Check(token, arm, operation, resource string) error {
	d := g.verifier.Verify(token, arm, operation, resource)
	if !d.Allowed {
		return memory.Permissionf("%s", d.Reason)
	}
	return nil
}

// Grants lists the resource types the token grants for operation. An
// invalid token grants nothing.
func (g *CapabilityGuard) Grants(token, arm, operation string) []string {
	claims, err := g.verifier.Authenticate(token, arm)
	if err != nil {
		return nil
	}
	return claims.Resources(operation)
}

func (g *CapabilityGuard) Limit(arm, operation string) error {
	if g.limiter == nil {
		return nil
	}
	ok, retry := g.limiter.Allow(arm, operation)
	if ok {
		return nil
	}
	metrics.RateLimited.WithLabelValues(operation).Inc()
	return &memory.RateLimitError{ArmID: arm, Operation: operation, RetryAfter: retry}
}

func (g *CapabilityGuard) Sanitize(props value.Map) value.Map {
	return g.sanitizer.RedactMap(props)
}

func (g *CapabilityGuard) SanitizeText(s string) string {
	return g.sanitizer.RedactString(s)
}

func (g *CapabilityGuard) Validate(entityType string, props value.Map) error {
	return g.schema.Validate(entityType, props)
}

func (g *CapabilityGuard) Audit(ctx context.Context, rec memory.ActionLogRecord) (string, error) {
	return g.audit.LogAction(ctx, rec)
}

// Denied logs a rejected or failed diode call. No audit record is written.
func (g *CapabilityGuard) Denied(ctx context.Context, diode, arm, operation, resource string, err error) {
	outcome := Outcome(err)
	metrics.DiodeDecisions.WithLabelValues(diode, outcome).Inc()
	fields := map[string]interface{}{
		"arm":       arm,
		"operation": operation,
		"resource":  resource,
		"outcome":   outcome,
		"reason":    err.Error(),
	}
	if found := g.sanitizer.Scan(err.Error()); len(found) > 0 {
		fields["reason"] = g.sanitizer.RedactString(err.Error())
		fields["redacted"] = matchTypes(found)
	}
	if taskID := TaskIDFrom(ctx); taskID != "" {
		fields["task_id"] = taskID
	}
	logger.WarnCF("diode", fmt.Sprintf("%s diode call rejected", diode), fields)
}

func matchTypes(found []security.Match) []string {
	seen := make(map[string]bool, len(found))
	var out []string
	for _, m := range found {
		if !seen[m.Type] {
			seen[m.Type] = true
			out = append(out, m.Type)
		}
	}
	return out
}

// Outcome names the metrics label for an error returned by a diode.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, memory.ErrPermission):
		return "denied"
	case errors.Is(err, memory.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, memory.ErrValidation):
		return "invalid"
	case errors.Is(err, memory.ErrNotFound):
		return "not_found"
	case errors.Is(err, memory.ErrConflict):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}

func succeeded(diode string) {
	metrics.DiodeDecisions.WithLabelValues(diode, "ok").Inc()
}

type taskIDKey struct{}

// WithTaskID attaches the task id recorded on audit entries.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskIDFrom returns the task id set by WithTaskID, or "".
func TaskIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(taskIDKey{}).(string)
	return id
}
