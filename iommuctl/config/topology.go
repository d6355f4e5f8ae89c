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

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gvisor.dev/amdiommu/pkg/amdiommu"
	"gvisor.dev/amdiommu/pkg/cleanup"
	"gvisor.dev/amdiommu/pkg/errors/iommuerr"
	"gvisor.dev/amdiommu/pkg/log"
	"gvisor.dev/amdiommu/pkg/physmem"
)

const (
	defaultPhysBase  = 1 << 32
	defaultPhysPages = 1 << 16
)

// duration is a time.Duration written as a string, such as "250ms".
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// ExclusionConfig is a range reserved in every remapping domain of a unit.
type ExclusionConfig struct {
	Start uint64 `toml:"start" yaml:"start"`
	End   uint64 `toml:"end" yaml:"end"`
}

// UnitConfig describes one IOMMU unit.
type UnitConfig struct {
	Index               int               `toml:"index" yaml:"index"`
	EFR                 uint64            `toml:"efr" yaml:"efr"`
	IRTE                bool              `toml:"irte" yaml:"irte"`
	IRTEEntries         int               `toml:"irte_entries" yaml:"irte_entries"`
	X2APIC              bool              `toml:"x2apic" yaml:"x2apic"`
	DomainIDMin         uint32            `toml:"domain_id_min" yaml:"domain_id_min"`
	DomainIDMax         uint32            `toml:"domain_id_max" yaml:"domain_id_max"`
	MemSize             uint64            `toml:"mem_size" yaml:"mem_size"`
	MaxBusAddr          uint64            `toml:"max_bus_addr" yaml:"max_bus_addr"`
	InvalidationTimeout duration          `toml:"invalidation_timeout" yaml:"invalidation_timeout"`
	PhysBase            uint64            `toml:"phys_base" yaml:"phys_base"`
	PhysPages           uint32            `toml:"phys_pages" yaml:"phys_pages"`
	Exclusions          []ExclusionConfig `toml:"exclusion" yaml:"exclusion"`
}

// DeviceConfig describes a PCI device and the unit translating it.
type DeviceConfig struct {
	Name string `toml:"name" yaml:"name"`
	PCI  string `toml:"pci" yaml:"pci"`

	// Alias is the requester ID the device's context is keyed by, when the
	// device sits behind a bridge. Empty means the device's own ID.
	Alias string `toml:"alias" yaml:"alias"`

	Unit    int   `toml:"unit" yaml:"unit"`
	Hint    uint8 `toml:"hint" yaml:"hint"`
	Buswide bool  `toml:"buswide" yaml:"buswide"`
}

// Topology is the set of IOMMU units and the devices they translate. Once
// started it implements amdiommu.Resolver.
type Topology struct {
	Units   []UnitConfig   `toml:"unit" yaml:"unit"`
	Devices []DeviceConfig `toml:"device" yaml:"device"`

	units   map[int]*amdiommu.Unit
	devices map[string]*topologyDevice
}

type topologyDevice struct {
	dev   *amdiommu.Device
	unit  int
	alias amdiommu.RID
}

var _ amdiommu.Resolver = (*Topology)(nil)

// LoadTopology reads a topology from a TOML file, or a YAML file if path
// ends in .yaml or .yml.
func LoadTopology(path string) (*Topology, error) {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading topology %q: %w", path, err)
		}
		t, err := parseYAMLTopology(data)
		if err != nil {
			return nil, fmt.Errorf("topology %q: %w", path, err)
		}
		return t, nil
	}
	var t Topology
	md, err := toml.DecodeFile(path, &t)
	if err != nil {
		return nil, fmt.Errorf("reading topology %q: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, fmt.Errorf("topology %q: %w", path, err)
	}
	if err := t.check(); err != nil {
		return nil, fmt.Errorf("topology %q: %w", path, err)
	}
	return &t, nil
}

// parseYAMLTopology reads a topology written in YAML. Field names are the
// same as in TOML.
func parseYAMLTopology(data []byte) (*Topology, error) {
	var t Topology
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, err
	}
	if err := t.check(); err != nil {
		return nil, err
	}
	return &t, nil
}

// ParseTopology reads a topology from TOML text.
func ParseTopology(data string) (*Topology, error) {
	var t Topology
	md, err := toml.Decode(data, &t)
	if err != nil {
		return nil, err
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	if err := t.check(); err != nil {
		return nil, err
	}
	return &t, nil
}

func checkUndecoded(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

// check validates the decoded topology and indexes its devices.
func (t *Topology) check() error {
	units := make(map[int]bool)
	for _, u := range t.Units {
		if units[u.Index] {
			return fmt.Errorf("duplicate unit %d", u.Index)
		}
		units[u.Index] = true
	}
	t.devices = make(map[string]*topologyDevice)
	for _, d := range t.Devices {
		if d.Name == "" {
			return fmt.Errorf("device %q has no name", d.PCI)
		}
		if _, ok := t.devices[d.Name]; ok {
			return fmt.Errorf("duplicate device %q", d.Name)
		}
		if !units[d.Unit] {
			return fmt.Errorf("device %q refers to unknown unit %d", d.Name, d.Unit)
		}
		rid, err := amdiommu.ParseRID(d.PCI)
		if err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
		alias := rid
		if d.Alias != "" {
			if alias, err = amdiommu.ParseRID(d.Alias); err != nil {
				return fmt.Errorf("device %q alias: %w", d.Name, err)
			}
		}
		if d.Buswide && alias&0xff != 0 {
			return fmt.Errorf("buswide device %q must be keyed by devfn 0, not %v", d.Name, alias)
		}
		t.devices[d.Name] = &topologyDevice{
			dev: &amdiommu.Device{
				Name:    d.Name,
				RID:     rid,
				Hint:    d.Hint,
				Buswide: d.Buswide,
			},
			unit:  d.Unit,
			alias: alias,
		}
	}
	return nil
}

// Build returns the amdiommu configuration of u. A non-zero timeout
// overrides the configured one.
func (u *UnitConfig) Build(timeout time.Duration) amdiommu.Config {
	c := amdiommu.Config{
		Index:               u.Index,
		EFR:                 u.EFR,
		IRTEEnabled:         u.IRTE,
		IRTEEntries:         u.IRTEEntries,
		X2APIC:              u.X2APIC,
		DomainIDMin:         u.DomainIDMin,
		DomainIDMax:         u.DomainIDMax,
		MemSize:             u.MemSize,
		MaxBusAddr:          u.MaxBusAddr,
		InvalidationTimeout: u.InvalidationTimeout.Duration,
	}
	if timeout != 0 {
		c.InvalidationTimeout = timeout
	}
	base, pages := u.PhysBase, u.PhysPages
	if base == 0 {
		base = defaultPhysBase
	}
	if pages == 0 {
		pages = defaultPhysPages
	}
	c.Pages = physmem.New(physmem.Addr(base), pages)
	for _, e := range u.Exclusions {
		c.Exclusions = append(c.Exclusions, amdiommu.Region{Start: e.Start, End: e.End})
	}
	return c
}

// Start creates every unit. On failure, units already created are closed.
func (t *Topology) Start(timeout time.Duration) error {
	t.units = make(map[int]*amdiommu.Unit)
	cu := cleanup.Make(func() { t.Close() })
	defer cu.Clean()
	for i := range t.Units {
		uc := &t.Units[i]
		u, err := amdiommu.NewUnit(uc.Build(timeout))
		if err != nil {
			return fmt.Errorf("unit %d: %w", uc.Index, err)
		}
		t.units[uc.Index] = u
	}
	cu.Release()
	log.Infof("Started %d units translating %d devices", len(t.units), len(t.devices))
	return nil
}

// Close closes every unit, returning the first error. Units that fail to
// close stay in the topology.
func (t *Topology) Close() error {
	var first error
	for idx, u := range t.units {
		if err := u.Close(); err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		delete(t.units, idx)
	}
	return first
}

// Unit returns the started unit with the given index.
func (t *Topology) Unit(index int) (*amdiommu.Unit, bool) {
	u, ok := t.units[index]
	return u, ok
}

// StartedUnits returns the started units ordered by index.
func (t *Topology) StartedUnits() []*amdiommu.Unit {
	units := make([]*amdiommu.Unit, 0, len(t.units))
	for _, u := range t.units {
		units = append(units, u)
	}
	sort.Slice(units, func(i, j int) bool { return units[i].Index() < units[j].Index() })
	return units
}

// Device returns the device with the given name.
func (t *Topology) Device(name string) (*amdiommu.Device, error) {
	d, ok := t.devices[name]
	if !ok {
		return nil, fmt.Errorf("device %q: %w", name, iommuerr.ErrNoUnit)
	}
	return d.dev, nil
}

// DeviceNames returns the names of all devices, sorted.
func (t *Topology) DeviceNames() []string {
	names := make([]string, 0, len(t.devices))
	for name := range t.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FindUnit implements amdiommu.Resolver.FindUnit. Devices are matched by name
// first and by requester ID otherwise.
func (t *Topology) FindUnit(dev *amdiommu.Device) (*amdiommu.Unit, amdiommu.RID, error) {
	td, ok := t.devices[dev.Name]
	if !ok {
		for _, d := range t.devices {
			if d.dev.RID == dev.RID {
				td, ok = d, true
				break
			}
		}
	}
	if !ok {
		return nil, 0, fmt.Errorf("device %v: %w", dev, iommuerr.ErrNoUnit)
	}
	u, ok := t.units[td.unit]
	if !ok {
		return nil, 0, fmt.Errorf("unit %d of device %v not started: %w", td.unit, dev, iommuerr.ErrNoUnit)
	}
	return u, td.alias, nil
}
