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


// Package cli is the main entrypoint for iommuctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/google/subcommands"
	"gvisor.dev/amdiommu/iommuctl/cmd"
	"gvisor.dev/amdiommu/iommuctl/cmd/util"
	"gvisor.dev/amdiommu/iommuctl/config"
	"gvisor.dev/amdiommu/pkg/log"
)

// version is reported by --version.
const version = "0.1"

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	showVersion := flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *showVersion {
		fmt.Fprintf(os.Stdout, "iommuctl version %s\n", version)
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	var emitters log.MultiEmitter
	if conf.LogFilename != "" {
		f, err := os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		util.ErrorLogger = f
		emitters = append(emitters, newEmitter(conf.LogFormat, f))
		if conf.AlsoLogToStderr {
			emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
		}
	} else {
		emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
	}
	if len(emitters) == 1 {
		log.SetTarget(emitters[0])
	} else {
		log.SetTarget(&emitters)
	}
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	const delimString = `**************** iommuctl ****************`
	log.Debugf(delimString)
	log.Debugf("Version %s, %s, %s, %d CPUs, %s, PID %d", version, runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Debugf("Args: %v", os.Args)
	conf.Log()
	log.Debugf(delimString)

	topo, err := loadTopology(conf)
	if err != nil {
		util.Fatalf("%v", err)
	}

	// Call the subcommand and pass in the configuration and topology.
	subcmdCode := subcommands.Execute(context.Background(), conf, topo)
	if err := topo.Close(); err != nil {
		log.Warningf("Closing units: %v", err)
		if subcmdCode == subcommands.ExitSuccess {
			subcmdCode = subcommands.ExitFailure
		}
	}
	if subcmdCode != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, err: %v", subcmdCode)
	}
	os.Exit(int(subcmdCode))
}

// loadTopology reads and starts the configured topology. Without one, an
// empty topology is used and only commands that need no unit can succeed.
func loadTopology(conf *config.Config) (*config.Topology, error) {
	var (
		topo *config.Topology
		err  error
	)
	if conf.Topology == "" {
		topo, err = config.ParseTopology("")
	} else {
		topo, err = config.LoadTopology(conf.Topology)
	}
	if err != nil {
		return nil, err
	}
	if err := topo.Start(conf.InvalidationTimeout); err != nil {
		return nil, fmt.Errorf("starting units: %w", err)
	}
	return topo, nil
}

// forEachCmd invokes the passed callback for each command supported by
// iommuctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Attach), "")
	cb(new(cmd.DTE), "")
	cb(new(cmd.Stats), "")

	const debugGroup = "debug"
	cb(new(cmd.Stress), debugGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
