package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/doisync/internal/diagnostics"
	"github.com/dharsanguruparan/doisync/internal/doi"
)

func newRootCommand(a *app) *cobra.Command {
	var configFile string
	cmd := &cobra.Command{
		Use:   "doictl",
		Short: "DOI lifecycle operator CLI",
		Long: `doictl inspects DOIs whose ledger state and registrar state disagree, and
re-publishes lifecycle events to repair them. Diagnosis never writes; repair is
always an explicit request.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.ready() {
				return nil
			}
			return a.setup(cmd.Context(), configFile)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", os.Getenv("DOI_CONFIG_FILE"), "Optional YAML config file")
	cmd.AddCommand(
		newReportCmd(a),
		newRepairCmd(a),
		newFailedCmd(a),
		newBulkCmd(a),
	)
	return cmd
}

func newReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "report <doi>",
		Short: "Compare one DOI's ledger and registrar state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := doi.Parse(args[0])
			if err != nil {
				return err
			}
			r, err := a.diag.Report(cmd.Context(), id)
			if err != nil {
				a.logger.Warn("diagnosis incomplete", "doi", id.String(), "error", err)
			}
			printReport(a.out, r)
			return nil
		},
	}
}

func newRepairCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "repair <doi>",
		Short: "Show a DOI's report, then re-publish it for registration",
		Long: `repair prints the current report and publishes a REGISTERED lifecycle event.
The worker fills the target and metadata from the ledger's stored values.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := doi.Parse(args[0])
			if err != nil {
				return err
			}
			r, err := a.diag.Report(cmd.Context(), id)
			if err != nil {
				a.logger.Warn("diagnosis incomplete", "doi", id.String(), "error", err)
			}
			printReport(a.out, r)
			if err := a.repair(cmd.Context(), r); err != nil {
				fmt.Fprintf(a.out, "repair %s: %v\n", id, err)
				return nil
			}
			fmt.Fprintf(a.out, "repair of %s queued\n", id)
			return nil
		},
	}
}

func newFailedCmd(a *app) *cobra.Command {
	var (
		typeName string
		limit    int
		export   bool
	)
	cmd := &cobra.Command{
		Use:   "failed",
		Short: "Diagnose every DOI the ledger marks FAILED",
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts diagnostics.FailedOptions
			if typeName != "" {
				t, err := doi.ParseType(typeName)
				if err != nil {
					return err
				}
				opts.Type = &t
			}
			opts.Limit = limit
			reports, err := a.diag.Failed(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printSummary(a.out, reports)
			if export {
				a.export(cmd.Context(), "failed", reports)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&typeName, "type", "t", "", "Only DOIs of this type (dataset, download, data-package)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of DOIs (0 for all)")
	cmd.Flags().BoolVar(&export, "export", false, "Upload the reports to the report bucket")
	return cmd
}

func newBulkCmd(a *app) *cobra.Command {
	var (
		repair bool
		export bool
	)
	cmd := &cobra.Command{
		Use:   "bulk <file>",
		Short: "Diagnose a list of DOIs, one per line (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			reports, err := a.diag.Bulk(cmd.Context(), in)
			if err != nil {
				return err
			}
			printSummary(a.out, reports)
			if repair {
				a.repairAll(cmd.Context(), reports)
			}
			if export {
				a.export(cmd.Context(), "bulk", reports)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&repair, "repair", false, "Re-publish every diverged DOI that the ledger knows")
	cmd.Flags().BoolVar(&export, "export", false, "Upload the reports to the report bucket")
	return cmd
}

const presignExpiry = 24 * time.Hour
