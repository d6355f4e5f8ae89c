// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"google.golang.org/protobuf/proto"
	"gvisor.dev/amdiommu/iommuctl/cmd/util"
	"gvisor.dev/amdiommu/iommuctl/config"
	"gvisor.dev/amdiommu/pkg/amdiommu"
)

// metricPrefix is prepended to every exported metric name.
const metricPrefix = "amdiommu_"

// unitLabel is the label carrying the unit index.
const unitLabel = "unit"

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	domains bool
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "print unit statistics in Prometheus text format"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [flags] - print the counters of every started unit.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&s.domains, "domains", false, "also export the reference count of every published domain.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	topo := args[1].(*config.Topology)
	if err := writeStats(os.Stdout, topo.StartedUnits(), s.domains); err != nil {
		util.Fatalf("writing stats: %v", err)
	}
	return subcommands.ExitSuccess
}

type unitMetric struct {
	name  string
	help  string
	typ   dto.MetricType
	value func(st *amdiommu.Stats) float64
}

var unitMetrics = []unitMetric{
	{"domains", "Published domains.", dto.MetricType_GAUGE, func(st *amdiommu.Stats) float64 { return float64(st.Domains) }},
	{"contexts", "Published contexts.", dto.MetricType_GAUGE, func(st *amdiommu.Stats) float64 { return float64(st.Contexts) }},
	{"domain_ids_in_use", "Allocated domain identifiers.", dto.MetricType_GAUGE, func(st *amdiommu.Stats) float64 { return float64(st.DomainIDsInUse) }},
	{"domains_created_total", "Domains constructed.", dto.MetricType_COUNTER, func(st *amdiommu.Stats) float64 { return float64(st.DomainsCreated) }},
	{"domains_destroyed_total", "Domains destroyed.", dto.MetricType_COUNTER, func(st *amdiommu.Stats) float64 { return float64(st.DomainsDestroyed) }},
	{"contexts_created_total", "Contexts published.", dto.MetricType_COUNTER, func(st *amdiommu.Stats) float64 { return float64(st.ContextsCreated) }},
	{"contexts_destroyed_total", "Contexts torn down.", dto.MetricType_COUNTER, func(st *amdiommu.Stats) float64 { return float64(st.ContextsDestroyed) }},
	{"context_races_total", "Context constructions that lost the publication race.", dto.MetricType_COUNTER, func(st *amdiommu.Stats) float64 { return float64(st.Races) }},
	{"pglvl_clamps_total", "Domains whose page table depth was clamped to the host limit.", dto.MetricType_COUNTER, func(st *amdiommu.Stats) float64 { return float64(st.Clamps) }},
	{"invalidation_timeouts_total", "Invalidation waits that timed out.", dto.MetricType_COUNTER, func(st *amdiommu.Stats) float64 { return float64(st.Timeouts) }},
	{"commands_total", "Commands submitted to the command queue.", dto.MetricType_COUNTER, func(st *amdiommu.Stats) float64 { return float64(st.CommandsSubmitted) }},
	{"faulted", "Whether the unit is faulted.", dto.MetricType_GAUGE, func(st *amdiommu.Stats) float64 {
		if st.Faulted {
			return 1
		}
		return 0
	}},
}

// unitFamilies returns one metric family per unit statistic, with a sample
// per unit.
func unitFamilies(units []*amdiommu.Unit, domains bool) []*dto.MetricFamily {
	stats := make([]amdiommu.Stats, len(units))
	for i, u := range units {
		stats[i] = u.Stats()
	}
	families := make([]*dto.MetricFamily, 0, len(unitMetrics)+1)
	for _, m := range unitMetrics {
		mf := &dto.MetricFamily{
			Name: proto.String(metricPrefix + m.name),
			Help: proto.String(m.help),
			Type: m.typ.Enum(),
		}
		for i, u := range units {
			mf.Metric = append(mf.Metric, newSample(m.typ, m.value(&stats[i]), labelPair(unitLabel, strconv.Itoa(u.Index()))))
		}
		families = append(families, mf)
	}
	if domains {
		mf := &dto.MetricFamily{
			Name: proto.String(metricPrefix + "domain_refs"),
			Help: proto.String("References held on a published domain."),
			Type: dto.MetricType_GAUGE.Enum(),
		}
		for _, u := range units {
			for _, d := range u.Domains() {
				mf.Metric = append(mf.Metric, newSample(dto.MetricType_GAUGE, float64(d.Refs),
					labelPair(unitLabel, strconv.Itoa(u.Index())),
					labelPair("domain", strconv.Itoa(int(d.ID)))))
			}
		}
		families = append(families, mf)
	}
	return families
}

func labelPair(name, value string) *dto.LabelPair {
	return &dto.LabelPair{Name: proto.String(name), Value: proto.String(value)}
}

func newSample(typ dto.MetricType, v float64, labels ...*dto.LabelPair) *dto.Metric {
	m := &dto.Metric{Label: labels}
	switch typ {
	case dto.MetricType_COUNTER:
		m.Counter = &dto.Counter{Value: proto.Float64(v)}
	case dto.MetricType_GAUGE:
		m.Gauge = &dto.Gauge{Value: proto.Float64(v)}
	default:
		panic(fmt.Sprintf("unsupported metric type %v", typ))
	}
	return m
}

// writeStats writes unit statistics in the Prometheus text exposition format.
func writeStats(w io.Writer, units []*amdiommu.Unit, domains bool) error {
	for _, mf := range unitFamilies(units, domains) {
		if len(mf.Metric) == 0 {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}
