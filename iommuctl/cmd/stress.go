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
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gvisor.dev/amdiommu/iommuctl/cmd/util"
	"gvisor.dev/amdiommu/iommuctl/config"
	"gvisor.dev/amdiommu/pkg/amdiommu"
	"gvisor.dev/amdiommu/pkg/iommu/gas"
	"gvisor.dev/amdiommu/pkg/physmem"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	idMapped   bool
	mapPages   int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "attach and detach devices concurrently and check nothing leaks"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] [device]... - run concurrent attach/detach cycles over the
named devices, or every topology device if none is named.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 1000, "attach/detach cycles per worker.")
	f.BoolVar(&s.idMapped, "idmap", false, "request identity mapped domains.")
	f.IntVar(&s.mapPages, "map-pages", 1, "pages mapped and unloaded per cycle. Zero disables mapping.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if s.workers <= 0 || s.iterations <= 0 || s.mapPages < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	topo := args[1].(*config.Topology)
	names := f.Args()
	if len(names) == 0 {
		names = topo.DeviceNames()
	}
	if len(names) == 0 {
		util.Fatalf("no devices to stress")
	}

	start := time.Now()
	if err := s.run(ctx, topo, names); err != nil {
		util.Fatalf("stress: %v", err)
	}
	util.Infof("%d workers completed %d cycles each over %d devices in %v",
		s.workers, s.iterations, len(names), time.Since(start))
	return subcommands.ExitSuccess
}

func (s *Stress) run(ctx context.Context, topo *config.Topology, names []string) error {
	devs := make([]*amdiommu.Device, 0, len(names))
	for _, name := range names {
		dev, err := topo.Device(name)
		if err != nil {
			return err
		}
		devs = append(devs, dev)
	}

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < s.workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < s.iterations; i++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				dev := devs[(w+i)%len(devs)]
				if err := s.cycle(topo, dev); err != nil {
					return fmt.Errorf("worker %d cycle %d: %w", w, i, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return checkIdle(topo)
}

// cycle attaches dev, maps and unloads a range if requested, and detaches.
func (s *Stress) cycle(topo *config.Topology, dev *amdiommu.Device) error {
	ctx, err := amdiommu.GetContext(topo, dev, s.idMapped)
	if err != nil {
		return err
	}
	u := ctx.Domain().Unit()
	if s.mapPages > 0 && !ctx.Domain().IdentityMapped() {
		size := uint64(s.mapPages) * physmem.PageSize
		e, err := ctx.Map(uint64(dev.RID)<<20, size, amdiommu.PermRead)
		if err != nil {
			u.FreeContext(ctx)
			return err
		}
		ctx.Unload([]*gas.Entry{e}, true)
	}
	return u.FreeContext(ctx)
}

// checkIdle verifies that every unit released all its contexts, domains and
// domain identifiers.
func checkIdle(topo *config.Topology) error {
	for _, u := range topo.StartedUnits() {
		st := u.Stats()
		if st.Contexts != 0 || st.Domains != 0 || st.DomainIDsInUse != 0 {
			return fmt.Errorf("unit %d not idle: %d contexts, %d domains, %d domain ids in use",
				u.Index(), st.Contexts, st.Domains, st.DomainIDsInUse)
		}
		if st.ContextsCreated != st.ContextsDestroyed || st.DomainsCreated != st.DomainsDestroyed {
			return fmt.Errorf("unit %d leaked: %+v", u.Index(), st)
		}
	}
	return nil
}
