package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/runbox/internal/engine"
)

var shellCmd = &cobra.Command{
	Use:   "shell <command...>",
	Short: "Execute a shell command in the sandbox",
	Long: `Runs a shell command line in the session workspace. A cd inside the
command persists into the next call of the same session.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args, " ")
		if strings.TrimSpace(command) == "" {
			return fmt.Errorf("empty command")
		}

		ctx := cmd.Context()
		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close(ctx)

		var res *engine.Result
		if flagStream {
			res, err = app.engine.ExecuteShellStream(ctx, app.sessionKey(), command, app.timeout(), stdoutSink{})
		} else {
			res, err = app.engine.ExecuteShell(ctx, app.sessionKey(), command, app.timeout())
		}
		if err != nil {
			return err
		}
		return report(res, flagStream)
	},
}
