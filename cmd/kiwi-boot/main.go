// Copyright 2018 The gVisor Authors.
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

// Binary kiwi-boot is the kernel's thin entrypoint: it decodes a boot
// configuration blob, brings up logging, the scheduler, the kernel
// process and the IRQ worker-concurrency limit, then hands off to a
// subcommand. It is deliberately thin, mirroring the way runsc's own
// main wires flag parsing to subcommands and defers the real work to
// the packages it imports (see DESIGN.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"github.com/aejsmith/kiwi-go/pkg/irq"
	"github.com/aejsmith/kiwi-go/pkg/kconfig"
	"github.com/aejsmith/kiwi-go/pkg/kernel/proc"
	"github.com/aejsmith/kiwi-go/pkg/kernel/sched"
	"github.com/aejsmith/kiwi-go/pkg/klog"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(bootCmd), "")
	subcommands.Register(new(selftestCmd), "")

	flag.Parse()
	os.Exit(int(subcommands.Execute(context.Background())))
}

// bootUp decodes the configuration at path (or the built-in defaults
// if path is empty), wires logging, and brings up the scheduler and
// kernel process. Callers are responsible for calling Stop on the
// returned scheduler.
func bootUp(configPath string) (kconfig.Config, *sched.Scheduler, error) {
	blob := []byte{}
	if configPath != "" {
		b, err := os.ReadFile(configPath)
		if err != nil {
			return kconfig.Config{}, nil, fmt.Errorf("read boot config: %w", err)
		}
		blob = b
	}

	cfg, err := kconfig.Load(blob)
	if err != nil {
		return kconfig.Config{}, nil, err
	}

	klog.Default.AddSink(klog.NewLogrusSink("boot", klog.Info, os.Stderr, cfg.LogFormat))
	irq.SetWorkerConcurrency(int64(cfg.IRQWorkerConcurrency))

	s := sched.NewScheduler(cfg)
	_ = proc.KernelProcess() // brings up the permanent kernel process singleton

	return cfg, s, nil
}

// bootCmd implements subcommands.Command for "boot": bring up the
// kernel core and block until interrupted.
type bootCmd struct {
	configPath string
}

func (*bootCmd) Name() string { return "boot" }
func (*bootCmd) Synopsis() string {
	return "bring up the kernel core (scheduler, IRQ worker limit, kernel process)"
}
func (*bootCmd) Usage() string {
	return "boot [-config path]: initialize and run the kernel core\n"
}

func (c *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML boot configuration blob")
}

func (c *bootCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, s, err := bootUp(c.configPath)
	if err != nil {
		klog.Errorf("boot: %v", err)
		return subcommands.ExitFailure
	}
	defer s.Stop()

	klog.Infof("kiwi-boot: up, %d cpu(s), timeslice=%s", cfg.NumCPUs, cfg.Timeslice)
	<-ctx.Done()
	return subcommands.ExitSuccess
}

// selftestCmd implements subcommands.Command for "selftest": bring up
// the kernel core, stop it again, and report success. No thread is
// created or scheduled. Useful as a smoke test for a freshly built
// image.
type selftestCmd struct{}

func (*selftestCmd) Name() string           { return "selftest" }
func (*selftestCmd) Synopsis() string       { return "run a minimal boot smoke test and exit" }
func (*selftestCmd) Usage() string          { return "selftest: boot the kernel core and exit\n" }
func (*selftestCmd) SetFlags(*flag.FlagSet) {}

func (c *selftestCmd) Execute(context.Context, *flag.FlagSet, ...any) subcommands.ExitStatus {
	_, s, err := bootUp("")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return subcommands.ExitFailure
	}
	defer s.Stop()

	fmt.Println("kiwi-boot: selftest ok")
	return subcommands.ExitSuccess
}
