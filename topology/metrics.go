// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package topology

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/ikmak/mongo-go-topology/topology"

type metrics struct {
	haTicks          metric.Int64Counter
	heartbeats       metric.Int64Counter
	heartbeatLatency metric.Float64Histogram
	selections       metric.Int64Counter
	membership       metric.Int64Counter
	kind             attribute.KeyValue
}

func newMetrics(mp metric.MeterProvider, kind Kind) *metrics {
	meter := mp.Meter(meterName)
	m := &metrics{kind: attribute.String("topology_kind", kind.String())}

	var err error
	if m.haTicks, err = meter.Int64Counter("topology_ha_ticks",
		metric.WithDescription("Completed high availability checks")); err != nil {
		m.haTicks = noop.Int64Counter{}
	}
	if m.heartbeats, err = meter.Int64Counter("topology_heartbeats",
		metric.WithDescription("Heartbeats sent to deployment members")); err != nil {
		m.heartbeats = noop.Int64Counter{}
	}
	if m.heartbeatLatency, err = meter.Float64Histogram("topology_heartbeat_duration_milliseconds",
		metric.WithUnit("ms")); err != nil {
		m.heartbeatLatency = noop.Float64Histogram{}
	}
	if m.selections, err = meter.Int64Counter("topology_server_selections",
		metric.WithDescription("Server selection attempts")); err != nil {
		m.selections = noop.Int64Counter{}
	}
	if m.membership, err = meter.Int64Counter("topology_membership_changes",
		metric.WithDescription("Members joining or leaving a role")); err != nil {
		m.membership = noop.Int64Counter{}
	}

	return m
}

func (m *metrics) tick(failures int) {
	m.haTicks.Add(context.Background(), 1, metric.WithAttributes(m.kind, attribute.Bool("failures", failures > 0)))
}

func (m *metrics) heartbeat(err error, d time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.heartbeats.Add(context.Background(), 1, metric.WithAttributes(m.kind, attribute.String("outcome", outcome)))
	if err == nil {
		m.heartbeatLatency.Record(context.Background(), float64(d)/float64(time.Millisecond), metric.WithAttributes(m.kind))
	}
}

func (m *metrics) selection(mode string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.selections.Add(context.Background(), 1, metric.WithAttributes(m.kind,
		attribute.String("mode", mode), attribute.String("outcome", outcome)))
}

func (m *metrics) member(change, role string) {
	m.membership.Add(context.Background(), 1, metric.WithAttributes(m.kind,
		attribute.String("change", change), attribute.String("role", role)))
}
