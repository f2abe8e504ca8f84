// Package oauthobs decorates OAuth adapters with tracing and structured logging.
package oauthobs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/model"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/oauth"
	"github.com/bobbyuzda1/g2e-trading-app-sub000/internal/trace"
)

type observableAdapter struct {
	next   oauth.Adapter
	broker model.BrokerID
	log    *zap.Logger
}

var _ oauth.Adapter = (*observableAdapter)(nil)

// Wrap returns an Adapter that spans and logs every call to next.
func Wrap(next oauth.Adapter, broker model.BrokerID, log *zap.Logger) oauth.Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &observableAdapter{
		next:   next,
		broker: broker,
		log:    log.With(zap.String("broker", string(broker)), zap.String("protocol", string(next.Protocol()))),
	}
}

func (o *observableAdapter) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	attrs = append(attrs,
		attribute.String("broker.id", string(o.broker)),
		attribute.String("oauth.protocol", string(o.next.Protocol())),
	)
	return trace.StartSpan(ctx, "oauth."+op, oteltrace.WithAttributes(attrs...))
}

func (o *observableAdapter) finish(ctx context.Context, span oteltrace.Span, op string, began time.Time, err error, fields ...zap.Field) {
	fields = append(fields, zap.String("op", op), zap.Duration("took", time.Since(began)))
	if traceID, _, ok := trace.Fields(ctx); ok {
		fields = append(fields, zap.String("trace_id", traceID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.log.Warn("oauth call failed", append(fields, zap.Error(err))...)
		return
	}
	span.SetStatus(codes.Ok, "")
	o.log.Debug("oauth call done", fields...)
}

func (o *observableAdapter) Protocol() model.Protocol { return o.next.Protocol() }

func (o *observableAdapter) Initiate(ctx context.Context, kp model.KeyPair, req oauth.FlowRequest) (oauth.Initiation, error) {
	ctx, span := o.start(ctx, "Initiate",
		attribute.String("connection.id", req.ConnectionID.String()),
		attribute.Bool("broker.sandbox", kp.IsSandbox),
	)
	defer span.End()
	began := time.Now()

	out, err := o.next.Initiate(ctx, kp, req)
	o.finish(ctx, span, "initiate", began, err,
		zap.Stringer("connection_id", req.ConnectionID), zap.Bool("oob", out.IsOOB))
	return out, err
}

func (o *observableAdapter) Complete(ctx context.Context, kp model.KeyPair, req oauth.CallbackRequest) (oauth.Completion, error) {
	ctx, span := o.start(ctx, "Complete", attribute.Bool("broker.sandbox", kp.IsSandbox))
	defer span.End()
	began := time.Now()

	out, err := o.next.Complete(ctx, kp, req)
	span.SetAttributes(attribute.String("connection.id", out.ConnectionID.String()))
	o.finish(ctx, span, "complete", began, err,
		zap.Stringer("connection_id", out.ConnectionID), zap.Object("grant", out.Grant))
	return out, err
}

func (o *observableAdapter) Refresh(ctx context.Context, kp model.KeyPair, grant model.AccessGrant) (model.AccessGrant, error) {
	ctx, span := o.start(ctx, "Refresh")
	defer span.End()
	began := time.Now()

	out, err := o.next.Refresh(ctx, kp, grant)
	o.finish(ctx, span, "refresh", began, err, zap.Object("grant", out))
	return out, err
}

func (o *observableAdapter) Revoke(ctx context.Context, kp model.KeyPair, grant model.AccessGrant) error {
	ctx, span := o.start(ctx, "Revoke")
	defer span.End()
	began := time.Now()

	err := o.next.Revoke(ctx, kp, grant)
	o.finish(ctx, span, "revoke", began, err)
	return err
}
