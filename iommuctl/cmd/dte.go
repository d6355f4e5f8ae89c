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
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/amdiommu/iommuctl/cmd/util"
	"gvisor.dev/amdiommu/iommuctl/config"
	"gvisor.dev/amdiommu/pkg/amdiommu"
	"gvisor.dev/amdiommu/pkg/amdiommu/dte"
)

// DTE implements subcommands.Command for the "dte" command.
type DTE struct {
	device   string
	idMapped bool
}

// Name implements subcommands.Command.Name.
func (*DTE) Name() string {
	return "dte"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*DTE) Synopsis() string {
	return "decode a device table entry"
}

// Usage implements subcommands.Command.Usage.
func (*DTE) Usage() string {
	return `dte <q0> <q1> <q2> <q3> - decode the four hex quadwords of an entry.
dte -device <name> - attach the device and decode the entry programmed for it.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *DTE) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.device, "device", "", "attach this topology device and decode its entry.")
	f.BoolVar(&d.idMapped, "idmap", false, "with --device, request an identity mapped domain.")
}

// Execute implements subcommands.Command.Execute.
func (d *DTE) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	var (
		e   dte.Entry
		err error
	)
	switch {
	case d.device != "" && f.NArg() == 0:
		e, err = d.attached(args[1].(*config.Topology))
	case d.device == "" && f.NArg() == len(e):
		e, err = parseEntry(f.Args())
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err != nil {
		util.Fatalf("dte: %v", err)
	}

	b, err := json.MarshalIndent(e.Decode(), "", "  ")
	if err != nil {
		util.Fatalf("marshaling entry: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%v\n%s\n", e, b)
	return subcommands.ExitSuccess
}

// attached returns the entry programmed while the device is attached.
func (d *DTE) attached(topo *config.Topology) (dte.Entry, error) {
	dev, err := topo.Device(d.device)
	if err != nil {
		return dte.Entry{}, err
	}
	ctx, err := amdiommu.GetContext(topo, dev, d.idMapped)
	if err != nil {
		return dte.Entry{}, err
	}
	u := ctx.Domain().Unit()
	e := u.DeviceTable().Slot(int(ctx.RID())).Load()
	if err := u.FreeContext(ctx); err != nil {
		return dte.Entry{}, err
	}
	return e, nil
}

// parseEntry parses quadwords given from the lowest to the highest.
func parseEntry(words []string) (dte.Entry, error) {
	var e dte.Entry
	for i, w := range words {
		v, err := strconv.ParseUint(strings.TrimPrefix(w, "0x"), 16, 64)
		if err != nil {
			return dte.Entry{}, fmt.Errorf("quadword %d: %w", i, err)
		}
		e[i] = v
	}
	return e, nil
}
