package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/runbox/internal/engine"
	"github.com/nextlevelbuilder/runbox/internal/transcript"
)

var flagStream bool

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Execute a Python snippet in the sandbox",
	Long: `Reads code from the given file, or from stdin when no file (or "-")
is given. Markdown code fences are stripped, third-party imports are
installed into the session workspace first, then the code runs with
the network closed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		code, err := readInput(args)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		app, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close(ctx)

		var res *engine.Result
		if flagStream {
			res, err = app.engine.ExecuteCodeStream(ctx, app.sessionKey(), code, app.timeout(), stdoutSink{})
		} else {
			res, err = app.engine.ExecuteCode(ctx, app.sessionKey(), code, app.timeout())
		}
		if err != nil {
			return err
		}
		return report(res, flagStream)
	},
}

func init() {
	runCmd.Flags().BoolVar(&flagStream, "stream", false, "print output incrementally")
	shellCmd.Flags().BoolVar(&flagStream, "stream", false, "print output incrementally")
}

func readInput(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// stdoutSink prints the primary channel to stdout and classified
// secondary events to stderr.
type stdoutSink struct{}

func (stdoutSink) Line(line string) { fmt.Println(line) }

func (stdoutSink) Event(ev transcript.Event) {
	fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Type, ev.Text)
}
