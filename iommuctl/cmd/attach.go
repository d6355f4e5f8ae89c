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
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/amdiommu/iommuctl/cmd/util"
	"gvisor.dev/amdiommu/iommuctl/config"
	"gvisor.dev/amdiommu/pkg/amdiommu"
	"gvisor.dev/amdiommu/pkg/cleanup"
	"gvisor.dev/amdiommu/pkg/iommu/gas"
	"gvisor.dev/amdiommu/pkg/log"
)

// Attach implements subcommands.Command for the "attach" command.
type Attach struct {
	idMapped bool
	mapSize  uint64
}

// Name implements subcommands.Command.Name.
func (*Attach) Name() string {
	return "attach"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Attach) Synopsis() string {
	return "attach devices to translation contexts and print them"
}

// Usage implements subcommands.Command.Usage.
func (*Attach) Usage() string {
	return `attach [flags] <device>... - attach devices named in the topology, print
their contexts and domains, then detach them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (a *Attach) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&a.idMapped, "idmap", false, "request identity mapped domains.")
	f.Uint64Var(&a.mapSize, "map", 0, "map this many bytes through each context before printing.")
}

// AttachedContext is the printed form of an attached context.
type AttachedContext struct {
	Device  string           `json:"device"`
	Unit    int              `json:"unit"`
	RID     string           `json:"rid"`
	Buswide bool             `json:"buswide"`
	Refs    int              `json:"refs"`
	Domain  uint16           `json:"domain"`
	PgLevel int              `json:"pglvl"`
	End     uint64           `json:"end"`
	IDMap   bool             `json:"identityMapped"`
	Entry   string           `json:"dte"`
	Mapped  *AttachedMapping `json:"mapped,omitempty"`
}

// AttachedMapping describes a range mapped with --map.
type AttachedMapping struct {
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Phys  uint64 `json:"phys"`
}

// Execute implements subcommands.Command.Execute.
func (a *Attach) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	topo := args[1].(*config.Topology)

	out, err := a.attach(topo, f.Args())
	if err != nil {
		util.Fatalf("attach: %v", err)
	}
	b, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		util.Fatalf("marshaling contexts: %v", err)
	}
	os.Stdout.Write(append(b, '\n'))
	return subcommands.ExitSuccess
}

// attach gets a context for every named device, describes them and frees
// them again. Contexts obtained before a failure are freed too.
func (a *Attach) attach(topo *config.Topology, names []string) ([]AttachedContext, error) {
	var (
		ctxs    []*amdiommu.Context
		out     []AttachedContext
		freeErr error
	)
	cu := cleanup.Make(func() {
		for i := len(ctxs) - 1; i >= 0; i-- {
			ctx := ctxs[i]
			if err := ctx.Domain().Unit().FreeContext(ctx); err != nil && freeErr == nil {
				freeErr = err
			}
		}
	})
	defer cu.Clean()

	for _, name := range names {
		dev, err := topo.Device(name)
		if err != nil {
			return nil, err
		}
		ctx, err := amdiommu.GetContext(topo, dev, a.idMapped)
		if err != nil {
			return nil, fmt.Errorf("device %s: %w", name, err)
		}
		ctxs = append(ctxs, ctx)
		log.Debugf("Attached %v to domain %d", ctx, ctx.Domain().ID())

		d := ctx.Domain()
		u := d.Unit()
		ac := AttachedContext{
			Device:  name,
			RID:     ctx.RID().String(),
			Buswide: ctx.Buswide(),
			Refs:    ctx.Refs(),
			Domain:  d.ID(),
			PgLevel: d.PgLevel(),
			End:     d.End(),
			IDMap:   d.IdentityMapped(),
			Entry:   u.DeviceTable().Slot(int(ctx.RID())).Load().String(),
			Unit:    u.Index(),
		}
		if a.mapSize != 0 && !d.IdentityMapped() {
			e, err := ctx.Map(uint64(dev.RID)<<20, a.mapSize, amdiommu.PermRead|amdiommu.PermWrite)
			if err != nil {
				return nil, fmt.Errorf("mapping %d bytes for %s: %w", a.mapSize, name, err)
			}
			ac.Mapped = &AttachedMapping{Start: e.Start, End: e.End, Phys: e.Phys}
			ctx.Unload([]*gas.Entry{e}, false)
		}
		out = append(out, ac)
	}
	cu.Clean()
	if freeErr != nil {
		return nil, freeErr
	}
	return out, nil
}
