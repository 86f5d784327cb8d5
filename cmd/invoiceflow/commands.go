package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/invoiceflow/internal/config"
	"github.com/kalambet/invoiceflow/internal/export"
	"github.com/kalambet/invoiceflow/internal/ingest"
	"github.com/kalambet/invoiceflow/internal/invoice"
	"github.com/kalambet/invoiceflow/internal/registry"
	"github.com/kalambet/invoiceflow/internal/storage"
	"github.com/kalambet/invoiceflow/internal/validation"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// openLocal opens the configured stores for commands that work without a
// running server.
func openLocal(ctx context.Context) (storage.Persistence, *slog.Logger, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}
	logger := setupLogging(cfg.Log.Level)
	store, queue, err := openStores(ctx, cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	closeAll := func() {
		if store != storage.Persistence(queue) {
			store.Close()
		}
		queue.Close()
	}
	return store, logger, closeAll, nil
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

func newJob(path, user, target string) invoice.Job {
	return invoice.Job{UserID: user, SourcePath: path, TargetSystem: invoice.TargetSystem(target)}
}

func printJob(job invoice.Job) {
	status := string(job.Status)
	fmt.Printf("%s  %s  %s\n",
		colorize(colorCyan, job.InvoiceID),
		colorize(statusColor(status), status),
		job.SourcePath,
	)
	if job.Mapped != nil {
		fmt.Printf("  vendor %s, invoice %s, total %.2f\n",
			job.Mapped.Vendor.Name, job.Mapped.InvoiceNumber, job.Mapped.Totals.GrandTotal)
	}
	if job.ReliabilityScore > 0 || len(job.ValidationResults) > 0 {
		fmt.Printf("  reliability %.1f", job.ReliabilityScore)
		if flags := job.Flags(); len(flags) > 0 {
			fmt.Printf(", flags: %s", strings.Join(flags, ", "))
		}
		fmt.Println()
	}
}

// --- process ---

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Process one invoice in the foreground",
	Long: `Process one invoice through OCR, mapping, validation, integration and summary.

Examples:
  invoiceflow process ./inv-042.pdf --target TALLY
  invoiceflow process ./scan.png --target QUICKBOOKS --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		target, _ := cmd.Flags().GetString("target")
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx, stop := signalContext()
		defer stop()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		job, err := a.workflow.Run(ctx, newJob(args[0], user, target))
		if err != nil {
			return err
		}
		if asJSON {
			if err := printJSON(os.Stdout, job); err != nil {
				return err
			}
		} else {
			printJob(job)
		}
		if job.Status.Failed() {
			return fmt.Errorf("invoice %s ended in %s", job.InvoiceID, job.Status)
		}
		return nil
	},
}

func init() {
	processCmd.Flags().String("user", defaultUser(), "uploading user id")
	processCmd.Flags().String("target", string(invoice.TargetTally), "ERP target: "+strings.Join(invoice.TargetSystems(), ", "))
	processCmd.Flags().Bool("json", false, "print the final job as JSON")
}

// --- batch ---

var batchCmd = &cobra.Command{
	Use:   "batch <files...>",
	Short: "Process many invoices concurrently",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		target, _ := cmd.Flags().GetString("target")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		ctx, stop := signalContext()
		defer stop()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		if concurrency <= 0 {
			concurrency = a.cfg.Ingest.Concurrency
		}

		jobs := make([]invoice.Job, len(args))
		for i, p := range args {
			jobs[i] = newJob(p, user, target)
		}
		printStep("Processing %d invoices (concurrency %d)", len(jobs), concurrency)

		failed := 0
		for _, r := range ingest.RunBatch(ctx, a.workflow, jobs, concurrency) {
			if r.Err != nil {
				printError("%s: %v", r.Job.SourcePath, r.Err)
				failed++
				continue
			}
			printJob(r.Job)
			if r.Job.Status.Failed() {
				failed++
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d invoices failed", failed, len(jobs))
		}
		printSuccess("All %d invoices processed", len(jobs))
		return nil
	},
}

func init() {
	batchCmd.Flags().String("user", defaultUser(), "uploading user id")
	batchCmd.Flags().String("target", string(invoice.TargetTally), "ERP target: "+strings.Join(invoice.TargetSystems(), ", "))
	batchCmd.Flags().Int("concurrency", 0, "parallel workflow runs (default: ingest.concurrency)")
}

// --- enqueue ---

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <file>",
	Short: "Queue an invoice for the background worker",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		target, _ := cmd.Flags().GetString("target")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/jobs", ingest.Payload{
			UserID:       user,
			SourcePath:   args[0],
			TargetSystem: invoice.TargetSystem(target),
		})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued job %s", result["job_id"])
		return nil
	},
}

func init() {
	enqueueCmd.Flags().String("user", defaultUser(), "uploading user id")
	enqueueCmd.Flags().String("target", string(invoice.TargetTally), "ERP target: "+strings.Join(invoice.TargetSystems(), ", "))
}

// --- worker ---

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued invoices until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		a, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Worker polling every %s", a.cfg.PollInterval())
		ingest.NewWorker(a.queue, a.workflow, a.cfg.PollInterval(), a.logger).Run(ctx)
		return nil
	},
}

// --- agents ---

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List or register agents",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents and their tools",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/agents")
		if err != nil {
			return err
		}
		var cards []registry.AgentCard
		if err := decodeJSON(resp, &cards); err != nil {
			return err
		}
		printCards(cards)
		return nil
	},
}

func printCards(cards []registry.AgentCard) {
	if len(cards) == 0 {
		fmt.Println("No agents registered.")
		return
	}
	for _, c := range cards {
		fmt.Printf("%s  %s\n", colorize(colorBold, c.AgentID), c.Description)
		for _, t := range c.Tools {
			fmt.Printf("  %-32s %s\n", t.ToolID, colorize(colorCyan, t.Capability))
		}
	}
}

var agentsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register agent cards from a YAML file or a directory of them",
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		dir, _ := cmd.Flags().GetString("dir")
		var cards []registry.AgentCard
		switch {
		case file != "":
			card, err := registry.LoadCardFile(file)
			if err != nil {
				return err
			}
			cards = append(cards, card)
		case dir != "":
			loaded, err := registry.LoadCardDir(dir)
			if err != nil {
				return err
			}
			if len(loaded) == 0 {
				return fmt.Errorf("no agent cards in %s", dir)
			}
			cards = loaded
		default:
			return fmt.Errorf("--file or --dir is required")
		}

		ctx := cmd.Context()
		store, _, closeStores, err := openLocal(ctx)
		if err != nil {
			return err
		}
		defer closeStores()

		reg := registry.New(store, nil)
		for _, card := range cards {
			res := reg.Register(ctx, card)
			if res.Status != registry.StatusRegistered {
				return fmt.Errorf("%s: %s: %s", card.AgentID, res.Status, res.Error)
			}
			printSuccess("Registered %s (%d tools)", res.AgentID, len(card.Tools))
		}
		return nil
	},
}

func init() {
	agentsRegisterCmd.Flags().StringP("file", "f", "", "agent card YAML file")
	agentsRegisterCmd.Flags().String("dir", "", "directory of agent card YAML files")
	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsRegisterCmd)
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Seed or list validation rule definitions",
}

var rulesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write the built-in rule catalog to the database",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, _, closeStores, err := openLocal(ctx)
		if err != nil {
			return err
		}
		defer closeStores()

		n, err := store.SeedRules(ctx, validation.Catalog())
		if err != nil {
			return err
		}
		printSuccess("Seeded %d rules", n)
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rule definitions",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/rules")
		if err != nil {
			return err
		}
		var rules []struct {
			RuleID      string `json:"rule_id"`
			Category    string `json:"category"`
			Description string `json:"description"`
			Severity    int    `json:"severity"`
			Active      bool   `json:"active"`
		}
		if err := decodeJSON(resp, &rules); err != nil {
			return err
		}
		for _, r := range rules {
			id := colorize(colorBold, r.RuleID)
			if !r.Active {
				id = colorize(colorYellow, r.RuleID+" (inactive)")
			}
			fmt.Printf("%s  [%d] %-20s %s\n", id, r.Severity, r.Category, r.Description)
		}
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesSeedCmd)
	rulesCmd.AddCommand(rulesListCmd)
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit <invoice_id>",
	Short: "Show the audit trail of an invoice",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/invoices/"+url.PathEscape(args[0])+"/audit")
		if err != nil {
			return err
		}
		var steps []invoice.AuditStep
		if err := decodeJSON(resp, &steps); err != nil {
			return err
		}
		if asJSON {
			return printJSON(os.Stdout, steps)
		}
		for _, st := range steps {
			to := string(st.ToStatus)
			fmt.Printf("%s  %s → %s  %s\n",
				st.Timestamp.Local().Format("2006-01-02 15:04:05"),
				st.FromStatus,
				colorize(statusColor(to), to),
				string(st.Meta),
			)
		}
		return nil
	},
}

func init() {
	auditCmd.Flags().Bool("json", false, "print the trail as JSON")
}

// --- kpis ---

var kpisCmd = &cobra.Command{
	Use:   "kpis",
	Short: "Show processing KPIs",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/kpis")
		if err != nil {
			return err
		}
		var k storage.KPIs
		if err := decodeJSON(resp, &k); err != nil {
			return err
		}
		printKPIs(k)
		return nil
	},
}

func printKPIs(k storage.KPIs) {
	printStatus("Invoices", "%d", k.TotalInvoices)
	printStatus("Synced", "%d", k.SuccessfulSyncs)
	printStatus("Flagged", "%d", k.FlaggedInvoices)
	printStatus("Synced value", "%.2f", k.TotalInvoiceValue)
	printStatus("OCR accuracy", "%.2f%%", k.OCRAccuracy)
	printStatus("Validation pass rate", "%.2f%%", k.ValidationPassRate)
	printStatus("Duplicate rate", "%.2f%%", k.DuplicateDetectionRate)
	printStatus("Avg processing", "%d ms", k.AvgProcessingTimeMS)
	vendors := make([]string, 0, len(k.SpendByVendor))
	for v := range k.SpendByVendor {
		vendors = append(vendors, v)
	}
	sort.Strings(vendors)
	for _, v := range vendors {
		printStatus("  "+v, "%.2f", k.SpendByVendor[v])
	}
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export invoices and audit trails to an XLSX workbook",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		store, logger, closeStores, err := openLocal(ctx)
		if err != nil {
			return err
		}
		defer closeStores()

		f, err := os.Create(out)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		n, err := export.New(store, logger).Write(ctx, f, limit)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(out)
			return err
		}
		printSuccess("Exported %d invoices to %s", n, out)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("out", "invoices.xlsx", "output workbook path")
	exportCmd.Flags().Int("limit", 0, "maximum number of invoices (0 exports all)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
