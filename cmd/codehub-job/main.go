// codehub-job is the archive/restore payload mover. The runtime agent runs
// it as a one-shot container with the workspace volume mounted; the engine
// never calls it directly and only ever sees its effects in object storage.
//
// Exit codes are the agent's error taxonomy: 1 generic failure, 2 corrupted
// or uncommitted archive, 3 missing source data.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/codehub-dev/codehub/pkg/log"
)

const (
	exitFailed    = 1
	exitCorrupted = 2
	exitDataLost  = 3
)

// jobError carries the exit code a failure maps to.
type jobError struct {
	code int
	err  error
}

func (e *jobError) Error() string { return e.err.Error() }
func (e *jobError) Unwrap() error { return e.err }

func failWith(code int, format string, args ...any) error {
	return &jobError{code: code, err: fmt.Errorf(format, args...)}
}

var rootCmd = &cobra.Command{
	Use:   "codehub-job",
	Short: "Workspace archive and restore jobs",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	},
}

func init() {
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "archive",
			Short: "Pack the mounted volume and commit it to object storage",
			RunE: func(cmd *cobra.Command, args []string) error {
				j, err := newJob(cmd.Context())
				if err != nil {
					return err
				}
				return j.runArchive(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "restore",
			Short: "Unpack a committed archive into the mounted volume",
			RunE: func(cmd *cobra.Command, args []string) error {
				j, err := newJob(cmd.Context())
				if err != nil {
					return err
				}
				return j.runRestore(cmd.Context())
			},
		},
	)
	rootCmd.SilenceUsage = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var je *jobError
		if errors.As(err, &je) {
			os.Exit(je.code)
		}
		os.Exit(exitFailed)
	}
}
