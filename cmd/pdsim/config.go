package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oxplot/go-pdport"
	"github.com/oxplot/go-pdport/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Work with configuration files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check <file>",
		Short: "Validate a configuration file",
		Long:  `Validates a configuration file and prints the ports it describes with every default filled in.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(args[0])
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	})
	return cmd
}

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "log level: %s\n", cfg.LogLevel)
	for i := range cfg.Ports {
		p := &cfg.Ports[i]
		ac := p.App()

		fmt.Fprintf(w, "port %d: %s\n", p.Index, roles(ac.Caps))
		fmt.Fprintf(w, "  preferred: power=%s data=%s\n", ac.Caps.PreferredPowerRole, ac.Caps.PreferredDataRole)
		fmt.Fprintf(w, "  swaps: dr=%t pr=%t attempts=%d\n", ac.Caps.RoleSwaps, ac.Caps.PowerRoleSwaps, ac.Swap.MaxAttempts)
		if len(p.SourcePDOs) > 0 {
			pdos := make([]string, len(p.SourcePDOs))
			for j, pdo := range p.SourcePDOs {
				pdos[j] = fmt.Sprintf("%dmV/%dmA", pdo.VoltageMV, pdo.MaxCurrentMA)
			}
			fmt.Fprintf(w, "  source pdos: %s\n", strings.Join(pdos, " "))
		}

		limits := make([]string, 0, pdport.FaultTypeCount)
		for t := pdport.FaultType(0); t < pdport.FaultTypeCount; t++ {
			l := ac.Fault.Limits[t]
			if l == pdport.FaultUnlimited {
				limits = append(limits, t.String()+"=unlimited")
				continue
			}
			limits = append(limits, fmt.Sprintf("%s=%d", t, l))
		}
		fmt.Fprintf(w, "  fault limits: %s\n", strings.Join(limits, " "))

		if pc := p.Partner; pc != nil {
			fmt.Fprintf(w, "  partner: %s %dmV %dmA", pc.Role, pc.VoltageMV, pc.CurrentMA)
			if pc.EMCA {
				fmt.Fprint(w, " emca")
			}
			if pc.AttachAfter > 0 {
				fmt.Fprintf(w, " after %s", pc.AttachAfter)
			}
			fmt.Fprintln(w)
		}
	}
}

func roles(c pdport.Capabilities) string {
	switch {
	case c.Source && c.Sink:
		return "dual role"
	case c.Source:
		return "source"
	default:
		return "sink"
	}
}
