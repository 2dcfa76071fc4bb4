package main

import (
	"context"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/immersion_backend/models"
	"bitbucket.org/mmdatafocus/immersion_backend/utils"
	"github.com/spf13/cobra"
)

type importOptions struct {
	UserId   int
	Username string
	File     string
}

func newImportCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import-xlsx",
		Short: "Import immersion logs for one user from an .xlsx sheet",
		Long: `Import immersion logs for one user from the first sheet of an .xlsx workbook.

The header row names the columns: type, description, date, time, pages, chars,
episodes, media, external_id. Rows that cannot be parsed or validated are listed
and skipped; the ledger is updated once for all stored rows.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, rootOpts, opts)
		},
	}
	cmd.Flags().IntVar(&opts.UserId, "user-id", 0, "owner of the imported logs (required)")
	cmd.Flags().StringVar(&opts.Username, "username", "", "username recorded when the user does not exist yet")
	cmd.Flags().StringVar(&opts.File, "file", "", "path to the .xlsx workbook (required)")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func runImport(cmd *cobra.Command, rootOpts *rootOptions, opts *importOptions) error {
	if opts.UserId <= 0 {
		return utils.NewValidationError("user-id", "must be positive")
	}
	f, err := os.Open(opts.File)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := models.ReadImportWorkbook(f)
	if err != nil {
		return err
	}
	sheet, err := models.ParseImportSheet(rows)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if name := strings.TrimSpace(opts.Username); name != "" {
		ctx = utils.SetUsernameInContext(ctx, name)
	}
	ctx, _ = utils.EnsureCorrelationId(ctx)

	logs, _, closeServices, err := rootOpts.services(ctx)
	if err != nil {
		return err
	}
	defer closeServices()

	result, err := logs.ImportSheet(ctx, opts.UserId, sheet)
	if err != nil {
		return err
	}
	if rootOpts.Format == "json" {
		return writeJSON(cmd.OutOrStdout(), result)
	}

	p := newPrinter()
	w := cmd.OutOrStdout()
	p.Fprintf(w, "import-xlsx: user %d, inserted %d logs, %d failed, %d new media\n",
		opts.UserId, result.InsertedCount, result.FailedCount, result.CreatedMediaCount)
	for _, e := range result.Errors {
		p.Fprintf(w, "  row %d: %s\n", e.Row, e.Reason)
	}
	return nil
}
