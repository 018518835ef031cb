// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package manager

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "mongorole"

var (
	memberHealthDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "member", "health"),
		"Whether the replica set member is up (1) or down (0).",
		[]string{"member", "name"}, nil,
	)
	memberStateDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "member", "state"),
		"The replica set member's state number.",
		[]string{"member", "name", "state"}, nil,
	)
	memberPingDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "member", "ping_milliseconds"),
		"The round trip time to the member as seen by the reporting member.",
		[]string{"member", "name"}, nil,
	)
	replicaSetStatusDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "replicaset", "status"),
		"The dashboard's view of the replica set: 0 initializing, 1 ok, 2 error.",
		nil, nil,
	)
	backupJobsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "backup", "jobs"),
		"The number of known backup jobs by outcome.",
		[]string{"state"}, nil,
	)
)

// Collector is a prometheus.Collector reporting the replica set status
// and the backup jobs.
type Collector struct {
	status  StatusSource
	backups Backups
}

// NewCollector returns a Collector over the given sources.
func NewCollector(status StatusSource, backups Backups) *Collector {
	return &Collector{status: status, backups: backups}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- memberHealthDesc
	ch <- memberStateDesc
	ch <- memberPingDesc
	ch <- replicaSetStatusDesc
	ch <- backupJobsDesc
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	status := c.status.Status()
	ch <- prometheus.MustNewConstMetric(replicaSetStatusDesc, prometheus.GaugeValue, float64(status.Status))
	for _, server := range status.Servers {
		member := strconv.Itoa(server.ID)
		ch <- prometheus.MustNewConstMetric(memberHealthDesc, prometheus.GaugeValue, float64(server.Health), member, server.Name)
		ch <- prometheus.MustNewConstMetric(memberStateDesc, prometheus.GaugeValue, float64(server.State), member, server.Name, server.State.String())
		ch <- prometheus.MustNewConstMetric(memberPingDesc, prometheus.GaugeValue, float64(server.PingMs), member, server.Name)
	}

	counts := map[string]int{"running": 0, "finished": 0, "failed": 0}
	for _, job := range c.backups.Jobs() {
		summary := job.Summary()
		switch {
		case summary.Finished == nil:
			counts["running"]++
		case summary.Failed:
			counts["failed"]++
		default:
			counts["finished"]++
		}
	}
	for state, n := range counts {
		ch <- prometheus.MustNewConstMetric(backupJobsDesc, prometheus.GaugeValue, float64(n), state)
	}
}
