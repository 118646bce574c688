package observability

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Delivery outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Instruments are the engine's metrics. A nil *Instruments records nothing.
type Instruments struct {
	deliveries      metric.Int64Counter
	rateLimitWaits  metric.Int64Counter
	sessionBans     metric.Int64Counter
	cycles          metric.Int64Counter
	cycleDuration   metric.Float64Histogram
	activeCycles    metric.Int64UpDownCounter
	runningTenants  metric.Int64ObservableGauge
	quarantineGauge metric.Int64ObservableGauge
}

// NewInstruments creates every instrument on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var in Instruments
	var err, e error

	in.deliveries, e = meter.Int64Counter("campaign_deliveries_total",
		metric.WithDescription("Delivery attempts by outcome."))
	err = errors.Join(err, e)
	in.rateLimitWaits, e = meter.Int64Counter("campaign_rate_limit_waits_total",
		metric.WithDescription("Rate-limit waits imposed by the protocol."))
	err = errors.Join(err, e)
	in.sessionBans, e = meter.Int64Counter("campaign_session_bans_total",
		metric.WithDescription("Sessions retired as banned."))
	err = errors.Join(err, e)
	in.cycles, e = meter.Int64Counter("campaign_cycles_total",
		metric.WithDescription("Completed cycles by result."))
	err = errors.Join(err, e)
	in.cycleDuration, e = meter.Float64Histogram("campaign_cycle_duration_seconds",
		metric.WithDescription("Wall time of one tenant cycle."),
		metric.WithUnit("s"))
	err = errors.Join(err, e)
	in.activeCycles, e = meter.Int64UpDownCounter("campaign_active_cycles",
		metric.WithDescription("Cycles currently executing."))
	err = errors.Join(err, e)

	if err != nil {
		return nil, err
	}
	return &in, nil
}

// NopInstruments returns instruments backed by the no-op meter.
func NopInstruments() *Instruments {
	in, _ := NewInstruments(noop.NewMeterProvider().Meter("noop"))
	return in
}

// ObserveGauges registers callbacks for the running-tenant and quarantined-pair gauges.
func (in *Instruments) ObserveGauges(meter metric.Meter, running, quarantined func() int64) error {
	if in == nil {
		return nil
	}
	var err error
	in.runningTenants, err = meter.Int64ObservableGauge("campaign_running_tenants",
		metric.WithDescription("Tenants with a cycle in flight."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(running())
			return nil
		}))
	if err != nil {
		return err
	}
	in.quarantineGauge, err = meter.Int64ObservableGauge("campaign_quarantined_pairs",
		metric.WithDescription("Session/destination pairs in quarantine."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(quarantined())
			return nil
		}))
	return err
}

func (in *Instruments) Delivery(ctx context.Context, tenant, outcome string) {
	if in == nil {
		return
	}
	in.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant_id", tenant),
		attribute.String("outcome", outcome),
	))
}

func (in *Instruments) RateLimitWait(ctx context.Context, tenant string) {
	if in == nil {
		return
	}
	in.rateLimitWaits.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenant)))
}

func (in *Instruments) SessionBanned(ctx context.Context, tenant string) {
	if in == nil {
		return
	}
	in.sessionBans.Add(ctx, 1, metric.WithAttributes(attribute.String("tenant_id", tenant)))
}

// CycleStarted increments the active gauge and returns a func that records
// the cycle's completion.
func (in *Instruments) CycleStarted(ctx context.Context, tenant string) func(err error) {
	if in == nil {
		return func(error) {}
	}
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("tenant_id", tenant))
	in.activeCycles.Add(ctx, 1, attrs)
	return func(err error) {
		result := "ok"
		if err != nil {
			result = "error"
		}
		in.activeCycles.Add(ctx, -1, attrs)
		in.cycleDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		in.cycles.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tenant_id", tenant),
			attribute.String("result", result),
		))
	}
}
