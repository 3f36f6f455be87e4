package cmd

import (
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flashgate/flashgate/internal/core"
	"github.com/flashgate/flashgate/internal/observability"
	"github.com/flashgate/flashgate/internal/output"
)

var saleManifest string

// saleFile is the layout of a --file manifest.
type saleFile struct {
	Sales []core.SaleConfig `yaml:"sales"`
}

var saleCmd = &cobra.Command{
	Use:   "sale",
	Short: "Provision and inspect sales",
}

var saleProvisionCmd = &cobra.Command{
	Use:   "provision",
	Short: "Create inventory quotas for sales",
	Long: `Create the inventory quota of every product of every sale. Quotas that
already exist keep their counters. Sales come from --file when given,
otherwise from the config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context(), observability.CLILogger)
		if err != nil {
			return err
		}
		defer rt.Close()

		sales := rt.cfg.Sales
		if saleManifest != "" {
			sales, err = loadSaleManifest(saleManifest)
			if err != nil {
				return err
			}
			if err := rt.engine.ProvisionSales(cmd.Context(), sales); err != nil {
				return err
			}
		}

		var quotas []core.InventoryQuota
		for _, sale := range sales {
			q, err := rt.engine.Quotas(cmd.Context(), sale.ID)
			if err != nil {
				return err
			}
			quotas = append(quotas, q...)
		}

		rows := make([]table.Row, 0, len(quotas))
		for _, q := range quotas {
			rows = append(rows, table.Row{q.SaleID, q.ProductID, q.TotalUnits, q.Available()})
		}
		return writeView(cmd, "sale.provision", output.View{
			Title:  fmt.Sprintf("Provisioned %d sale(s)", len(sales)),
			Header: table.Row{"Sale", "Product", "Total", "Available"},
			Rows:   rows,
			Empty:  "no sales configured",
			Data:   quotas,
		})
	},
}

var saleStatusCmd = &cobra.Command{
	Use:   "status <sale-id>",
	Short: "Show waiting room depth and inventory of a sale",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(cmd.Context(), observability.CLILogger)
		if err != nil {
			return err
		}
		defer rt.Close()

		status, err := rt.gate.SaleStatus(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return writeView(cmd, "sale."+args[0], output.SaleStatus(status.Queue, status.Quotas))
	},
}

// loadSaleManifest reads and validates a sales manifest.
func loadSaleManifest(path string) ([]core.SaleConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file saleFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, sale := range file.Sales {
		sale = sale.WithDefaults()
		if err := sale.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		file.Sales[i] = sale
	}
	return file.Sales, nil
}

func init() {
	saleProvisionCmd.Flags().StringVarP(&saleManifest, "file", "f", "", "YAML manifest with a top-level sales list")
	addOutputFlags(saleProvisionCmd)
	addOutputFlags(saleStatusCmd)

	saleCmd.AddCommand(saleProvisionCmd)
	saleCmd.AddCommand(saleStatusCmd)
	rootCmd.AddCommand(saleCmd)
}
