package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/runbox/internal/config"
	"github.com/nextlevelbuilder/runbox/internal/deps"
	"github.com/nextlevelbuilder/runbox/internal/sandbox"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Probe the sandbox backends and report what would be used",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close(ctx)

		fmt.Printf("backend chain: %s\n", strings.Join(app.cfg.Backends, " -> "))
		fmt.Printf("allow unsandboxed: %v\n", app.cfg.AllowUnsandboxed)
		if config.RunningInContainer() {
			fmt.Printf("running in container: yes (host root %q)\n", app.cfg.HostRoot)
		}
		fmt.Println()

		probes := app.selector.Probes(ctx)
		for _, b := range app.selector.Chain() {
			status := "ok"
			if err := probes[b.Name()]; err != nil {
				status = err.Error()
			}
			fmt.Printf("  %-8s trust=%-9s %s\n", b.Name(), b.Trust(), status)
		}
		fmt.Println()

		selected, err := app.selector.Select(ctx, sandbox.KindCode)
		if err != nil {
			fmt.Println("no usable backend; execution would fail")
			return err
		}
		fmt.Printf("selected backend: %s (%s isolation)\n", selected.Name(), selected.Trust())
		fmt.Printf("resolver knows %d import aliases\n", len(deps.Aliases()))
		return nil
	},
}
