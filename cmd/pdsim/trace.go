package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/oxplot/go-pdport/trace"
)

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded traces",
	}
	cmd.AddCommand(newTraceDumpCmd())
	return cmd
}

func newTraceDumpCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "dump <file>",
		Short: "Print the records of a trace file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return dumpTrace(cmd.OutOrStdout(), f, port)
		},
	}
	cmd.Flags().IntVar(&port, "port", -1, "Only print records of this port")
	return cmd
}

func dumpTrace(w io.Writer, rd io.Reader, port int) error {
	r := trace.NewReader(rd)
	n := 0
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("record %d: %w", n, err)
		}
		n++
		if port >= 0 && int(rec.Port) != port {
			continue
		}
		fmt.Fprintln(w, rec)
	}
	return nil
}
