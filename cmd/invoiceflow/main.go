package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "invoiceflow",
	Short: "Invoice processing: OCR, schema mapping, validation and ERP payloads",
	Long: `invoiceflow drives invoice documents through OCR, schema mapping,
validation and ERP payload generation, keeping an audit trail of every step.

Examples:
  invoiceflow process ./inv-042.pdf --target TALLY
  invoiceflow batch ./inbox/*.pdf --target ZOHO
  invoiceflow serve
  invoiceflow audit <invoice_id>`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(kpisCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if os.Getenv("NO_COLOR") != "" {
		noColor = true
	}
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
