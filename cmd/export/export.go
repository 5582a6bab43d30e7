// Package export contains the CSV export command.
package export

import (
	"context"
	"fmt"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/spf13/cobra"

	"finbot/cmd/root"
	"finbot/internal/container"
	"finbot/internal/logging"
	"finbot/internal/models"
)

var (
	account string
	output  string
)

// Cmd is the export command. It writes an account's audit trail to CSV.
var Cmd = &cobra.Command{
	Use:   "export",
	Short: "Export an account's transactions to CSV",
	RunE:  run,
}

func init() {
	Cmd.Flags().StringVarP(&account, "account", "a", "", "External account id to export")
	Cmd.Flags().StringVarP(&output, "output", "o", "transactions.csv", "Output CSV file")
	_ = Cmd.MarkFlagRequired("account")
}

// transactionRow is the CSV shape of one audit transaction.
type transactionRow struct {
	Date        string `csv:"Date"`
	Amount      string `csv:"Amount"`
	Description string `csv:"Description"`
	Category    string `csv:"Category"`
	Type        string `csv:"Type"`
}

func run(cmd *cobra.Command, args []string) error {
	c, err := container.New(context.Background(), root.Cfg, root.Log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := c.Close(); cerr != nil {
			root.Log.Warn("database close failed", logging.F("error", cerr.Error()))
		}
	}()

	acct, err := c.Ledger.AccountByExternalID(account)
	if err != nil {
		return fmt.Errorf("account %s: %w", account, err)
	}
	txs, err := c.Ledger.TransactionsByAccount(acct.ID)
	if err != nil {
		return err
	}

	rows := make([]transactionRow, len(txs))
	for i, t := range txs {
		rows[i] = toRow(t)
	}

	f, err := os.Create(output)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", output, err)
	}
	defer func() {
		_ = f.Close()
	}()

	if err := gocsv.MarshalFile(&rows, f); err != nil {
		return fmt.Errorf("failed to write CSV: %w", err)
	}

	root.Log.Info("transactions exported",
		logging.F("account", account),
		logging.F("count", len(rows)),
		logging.F("output", output))
	return nil
}

func toRow(t models.Transaction) transactionRow {
	return transactionRow{
		Date:        t.Date.Format("2006-01-02 15:04:05"),
		Amount:      t.Amount.StringFixed(2),
		Description: t.Description,
		Category:    t.Category.Name,
		Type:        string(t.Kind),
	}
}
