package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/shapeshift/security-hall-of-fame/pkg/registry"
)

// Registry-specific attributes.
var (
	AttrOperation = attribute.Key("hof.operation")
	AttrErrorKind = attribute.Key("hof.error.kind")
	AttrEventKind = attribute.Key("hof.event.kind")
	AttrTokenID   = attribute.Key("hof.token.id")
)

// ErrorKind classifies err by registry sentinel for metric attributes.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, registry.ErrTokenLocked):
		return "token_locked"
	case errors.Is(err, registry.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, registry.ErrTokenNotFound):
		return "token_not_found"
	case errors.Is(err, registry.ErrInvalidArgument):
		return "invalid_argument"
	default:
		return "internal"
	}
}

// RegistryMetrics counts committed registry events by kind. It implements
// registry.Observer.
type RegistryMetrics struct {
	events metric.Int64Counter
}

func NewRegistryMetrics(meter metric.Meter) (*RegistryMetrics, error) {
	events, err := meter.Int64Counter("hof.registry.events",
		metric.WithDescription("Committed registry state changes"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	return &RegistryMetrics{events: events}, nil
}

func (m *RegistryMetrics) Observe(ctx context.Context, e registry.Event) error {
	m.events.Add(ctx, 1, metric.WithAttributes(AttrEventKind.String(string(e.Kind))))
	return nil
}

// RegisterSupplyGauge reports the registry's total supply and timelock on
// every metric collection.
func RegisterSupplyGauge(meter metric.Meter, r *registry.Registry) error {
	supply, err := meter.Int64ObservableGauge("hof.registry.total_supply",
		metric.WithDescription("Tokens minted so far"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return err
	}
	timelock, err := meter.Float64ObservableGauge("hof.registry.timelock",
		metric.WithDescription("Registry-wide timelock duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(supply, int64(r.TotalSupply()))
		o.ObserveFloat64(timelock, r.TimelockDuration().Seconds())
		return nil
	}, supply, timelock)
	return err
}
