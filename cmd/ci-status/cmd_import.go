package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Apply the CI systems, rules and products of the config file",
	Long: "Upserts CI systems, rules and products declared in the config file.\n" +
		"Entries that are no longer declared are deactivated, never deleted.",
	RunE: runImport,
}

func runImport(cmd *cobra.Command, _ []string) error {
	if rootFlags.configPath == "" {
		return fmt.Errorf("--config is required")
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	return applyInventory(cmd.Context(), a)
}

func applyInventory(ctx context.Context, a *app) error {
	res, err := a.store.ApplyInventory(ctx, a.cfg)
	if err != nil {
		return fmt.Errorf("import: %w", err)
	}
	for _, msg := range res.Errors {
		a.log.Warn("import", "error", msg)
	}
	a.log.Info("import done",
		"ci_systems", res.CiSystemsImported, "ci_systems_total", res.CiSystemsTotal,
		"products", res.ProductsImported, "products_total", res.ProductsTotal,
		"errors", len(res.Errors))
	return nil
}
