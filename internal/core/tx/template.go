package tx

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"localtx/pkg/logger"
)

var tracer = otel.Tracer("localtx/tx")

// Compile-time check that Template implements Runner.
var _ Runner = (*Template)(nil)

// Template runs callbacks inside a transaction of a fixed definition.
// It is immutable and safe for concurrent use.
type Template struct {
	manager Manager
	def     Definition
}

// NewTemplate creates a template over manager. Without options the definition
// is DefaultDefinition.
func NewTemplate(manager Manager, opts ...Option) *Template {
	return &Template{manager: manager, def: NewDefinition(opts...)}
}

// With returns a copy of the template with opts applied on top of its definition.
func (t *Template) With(opts ...Option) *Template {
	def := t.def
	for _, opt := range opts {
		opt(&def)
	}
	return &Template{manager: t.manager, def: def}
}

// Definition returns the definition used for every execution.
func (t *Template) Definition() Definition { return t.def }

// Execute runs fn in a transaction. If fn returns an error the transaction is
// rolled back and that error is returned unchanged; a failing rollback is only
// logged. If fn panics the transaction is rolled back and the panic continues.
// Otherwise the transaction is committed.
func (t *Template) Execute(ctx context.Context, fn func(ctx context.Context, status *Status) error) error {
	ctx, span := tracer.Start(ctx, "tx.execute",
		trace.WithAttributes(
			attribute.String("tx.propagation", t.def.Propagation.String()),
			attribute.String("tx.isolation", t.def.Isolation.String()),
			attribute.Bool("tx.read_only", t.def.ReadOnly),
			attribute.String("tx.name", t.def.Name),
		))
	defer span.End()

	status, err := t.manager.GetTransaction(ctx, t.def)
	if err != nil {
		recordSpanError(span, err)
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			t.rollbackOnError(status, fmt.Errorf("panic: %v", r))
			recordSpanError(span, fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	if err := fn(status.Context(), status); err != nil {
		t.rollbackOnError(status, err)
		recordSpanError(span, err)
		return err
	}

	if err := t.manager.Commit(status.Context(), status); err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

func (t *Template) rollbackOnError(status *Status, cause error) {
	ctx := status.Context()
	if err := t.manager.Rollback(ctx, status); err != nil {
		logger.Error(ctx, "application error overridden by rollback error",
			"error", err, "application_error", cause)
	}
}

// RunInTransaction executes fn within a transaction of the template's definition.
func (t *Template) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.Execute(ctx, func(ctx context.Context, _ *Status) error {
		return fn(ctx)
	})
}

// ReadOnly executes fn in a read-only transaction.
func (t *Template) ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.With(WithReadOnly(true)).RunInTransaction(ctx, fn)
}

// ExecuteWithResult runs fn like Template.Execute and returns its result.
// On error the zero value is returned.
func ExecuteWithResult[T any](ctx context.Context, t *Template, fn func(ctx context.Context, status *Status) (T, error)) (T, error) {
	var result T
	err := t.Execute(ctx, func(ctx context.Context, status *Status) error {
		v, err := fn(ctx, status)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
