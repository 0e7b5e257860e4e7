package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ci-status/cistatus"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Inspect or override statuses",
}

var statusShowFlags struct {
	history int
}

var statusShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the latest status of every CI system and product",
	RunE:  runStatusShow,
}

var statusSetFlags struct {
	ci      string
	status  string
	summary string
	author  string
}

var statusSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Record a manual status for a CI system",
	Long: "Records a manual status. A manual status is the only way to leave a\n" +
		"failure on a CI system with sticky_failure enabled.",
	RunE: runStatusSet,
}

func init() {
	statusShowCmd.Flags().IntVar(&statusShowFlags.history, "history", 1, "Number of statuses to show per CI system")

	f := statusSetCmd.Flags()
	f.StringVar(&statusSetFlags.ci, "ci", "", "CI system url or name (required)")
	f.StringVar(&statusSetFlags.status, "status", "", "Status: success, fail, skip, aborted, in_progress, error (required)")
	f.StringVar(&statusSetFlags.summary, "summary", "Set manually", "Status summary")
	f.StringVar(&statusSetFlags.author, "author", os.Getenv("USER"), "Author recorded with the status")
	_ = statusSetCmd.MarkFlagRequired("ci")
	_ = statusSetCmd.MarkFlagRequired("status")

	statusCmd.AddCommand(statusShowCmd)
	statusCmd.AddCommand(statusSetCmd)
}

func runStatusShow(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	cis, err := a.store.CiSystems(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "CI systems: %d\n", len(cis))
	for _, ci := range cis {
		active := ""
		if !ci.IsActive {
			active = " (inactive)"
		}
		fmt.Fprintf(out, "  %s%s\n", ci, active)
		history, err := a.store.StatusHistory(ctx, ci.ID, statusShowFlags.history)
		if err != nil {
			return err
		}
		if len(history) == 0 {
			fmt.Fprintf(out, "    no status yet\n")
			continue
		}
		for _, st := range history {
			printStatus(out, st.StatusType, st.Summary, st.AuthorName(), st.CreatedAt, st.LastChangedAt)
		}
		failed, err := a.store.FailedRuleChecks(ctx, history[0].ID)
		if err != nil {
			return err
		}
		if len(failed) == 0 {
			continue
		}
		ids := make([]uint, 0, len(failed))
		for _, rc := range failed {
			ids = append(ids, rc.RuleID)
		}
		rules, err := a.store.RulesByIDs(ctx, ids)
		if err != nil {
			return err
		}
		for _, rc := range failed {
			rule := rules[rc.RuleID]
			fmt.Fprintf(out, "    failed: %s #%d %s\n", cistatus.LinkToCI(ci, rule), rc.BuildNumber, rc.LastFailedBuildLink)
		}
	}

	products, err := a.store.Products(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Products: %d\n", len(products))
	for _, p := range products {
		name := p.Name
		if p.Version != "" {
			name += " " + p.Version
		}
		fmt.Fprintf(out, "  %s\n", name)
		st, err := a.store.LatestProductStatus(ctx, p.ID)
		if err != nil {
			return err
		}
		if st == nil {
			fmt.Fprintf(out, "    no status yet\n")
			continue
		}
		author := st.Author
		if author == "" {
			author = "Assigned Automatically"
		}
		printStatus(out, st.StatusType, st.Summary, author, st.CreatedAt, st.LastChangedAt)
	}

	last, err := a.store.SyncStatTime(ctx, cistatus.SyncStatLastSync)
	if err != nil {
		return err
	}
	if last.IsZero() {
		fmt.Fprintf(out, "Last sync: never\n")
	} else {
		fmt.Fprintf(out, "Last sync: %s\n", last.UTC().Format(time.RFC3339))
	}
	return nil
}

func printStatus(out io.Writer, code cistatus.StatusType, summary, author string, created, changed time.Time) {
	fmt.Fprintf(out, "    %-11s %s (%s, created %s, since %s)\n",
		code, summary, author,
		created.UTC().Format(time.RFC3339), changed.UTC().Format(time.RFC3339))
}

func runStatusSet(cmd *cobra.Command, _ []string) error {
	code, ok := cistatus.ParseStatusType(statusSetFlags.status)
	if !ok {
		return fmt.Errorf("unknown status %q", statusSetFlags.status)
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	ci, err := a.store.FindCiSystem(ctx, statusSetFlags.ci)
	if err != nil {
		return err
	}
	if ci == nil {
		return fmt.Errorf("ci system %q not found", statusSetFlags.ci)
	}
	st, err := a.store.CreateManualStatus(ctx, ci.ID, code, statusSetFlags.summary, statusSetFlags.author, time.Now().UTC())
	if err != nil {
		return err
	}
	a.log.Info("manual status created", "ci", ci.String(), "status", st.StatusType.String(), "author", st.AuthorName())
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", ci, st.StatusType)
	return nil
}
