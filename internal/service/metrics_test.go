package service

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestMetricsRegisterUnderOneNamespace(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RequestsTotal.WithLabelValues("check_vault", "ok").Inc()
	m.FirewallDecisions.WithLabelValues("inbound", "deny").Inc()
	m.InflightRequests.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	byName := make(map[string]*dto.MetricFamily, len(families))
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	requests, ok := byName["vaultgate_requests_total"]
	if !ok {
		t.Fatal("vaultgate_requests_total not registered")
	}
	if got := requests.GetMetric()[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("expected one dispatched request, got %v", got)
	}
	labels := requests.GetMetric()[0].GetLabel()
	if len(labels) != 2 || labels[0].GetName() != "kind" || labels[1].GetName() != "status" {
		t.Errorf("unexpected label set: %v", labels)
	}

	if _, ok := byName["vaultgate_firewall_decisions_total"]; !ok {
		t.Error("vaultgate_firewall_decisions_total not registered")
	}
	inflight, ok := byName["vaultgate_inflight_requests"]
	if !ok {
		t.Fatal("vaultgate_inflight_requests not registered")
	}
	if got := inflight.GetMetric()[0].GetGauge().GetValue(); got != 3 {
		t.Errorf("expected inflight gauge 3, got %v", got)
	}
}

func TestMetricsRejectDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected duplicate registration to panic")
		}
	}()
	NewMetrics(reg)
}
