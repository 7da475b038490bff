package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/camden-git/datasetcurator/config"
	"github.com/camden-git/datasetcurator/database"
	"github.com/camden-git/datasetcurator/handlers"
	"github.com/camden-git/datasetcurator/media"
	"github.com/camden-git/datasetcurator/models"
	"github.com/camden-git/datasetcurator/realtime"
	"github.com/camden-git/datasetcurator/services"
	"github.com/camden-git/datasetcurator/workers"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: No .env file found or error loading: %v", err)
	}
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var importSidecars bool

	root := &cobra.Command{
		Use:          "curator",
		Short:        "Image dataset curation engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&importSidecars, "import-sidecars", true, "Import <name>.txt and <name>.caption files found next to new images")

	// open builds the app for a subcommand; the caller closes it
	open := func() (*app, error) {
		cfg, err := config.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		return newApp(cfg, importSidecars)
	}

	root.AddCommand(
		serveCommand(open),
		ingestCommand(open),
		retryCommand(open),
		errorsCommand(open),
		exportCommand(open),
		annotateCommand(open),
	)
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCommand(open func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, websocket progress and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			hub := realtime.NewHub(a.cfg.AllowedOrigins, a.logger)
			go hub.Run(ctx)

			router := handlers.NewRouter(handlers.RouterDeps{
				Errors: &handlers.ErrorLedgerHandler{Ledger: a.ledger},
				Batches: &handlers.BatchHandler{
					Processor:     a.batches,
					Hub:           hub,
					RootDirectory: a.cfg.RootDirectory,
					BaseContext:   ctx,
					Logger:        a.logger,
				},
				Images:         &handlers.ImageHandler{Store: a.store},
				Store:          a.storage,
				DerivedSubDir:  filepath.Base(a.cfg.DerivedPath),
				Hub:            hub,
				Registry:       a.registry,
				AllowedOrigins: a.cfg.AllowedOrigins,
				Logger:         a.logger,
			})

			server := &http.Server{
				Addr:         ":" + a.cfg.Port,
				Handler:      router,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 70 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("server listening", "addr", server.Addr, "root", a.cfg.RootDirectory)
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			case <-ctx.Done():
			}

			a.logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func ingestCommand(open func() (*app, error)) *cobra.Command {
	var recursive, quiet bool
	cmd := &cobra.Command{
		Use:   "ingest [directory]",
		Short: "Ingest a directory of images (defaults to ROOT_DIRECTORY)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			dir := a.cfg.RootDirectory
			if len(args) == 1 {
				dir = args[0]
			}

			ctx, stop := signalContext()
			defer stop()

			out := cmd.OutOrStdout()
			cb := workers.Callbacks{IsCanceled: func() bool { return ctx.Err() != nil }}
			if !quiet {
				cb.ItemProgress = func(index, total int, filename string) {
					fmt.Fprintf(out, "[%d/%d] %s\n", index, total, filename)
				}
			}

			summary, err := a.batches.ProcessDirectory(context.WithoutCancel(ctx), dir, media.DirectoryScanner{Recursive: recursive}, cb)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: processed=%d skipped=%d errors=%d total=%d\n",
				summary.State, summary.Processed, summary.Skipped, summary.Errors, summary.Total)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "Descend into subdirectories")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print the summary")
	return cmd
}

func retryCommand(open func() (*app, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Re-process files of unresolved ingestion and processing errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext()
			defer stop()

			summary, err := a.batches.RetryFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "retried=%d processed=%d skipped=%d errors=%d\n",
				summary.Considered, summary.Processed, summary.Skipped, summary.Errors)
			return nil
		},
	}
}

func errorsCommand(open func() (*app, error)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect and resolve recorded failures",
	}

	var (
		operations []string
		resolved   string
		limit      int
		offset     int
		sortOrder  string
		asJSON     bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List error records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			filter := database.ListFilter{Limit: limit, Offset: offset, Sort: sortOrder}
			for _, op := range operations {
				kind := models.OperationKind(op)
				if !kind.Valid() {
					return fmt.Errorf("unknown operation '%s'", op)
				}
				filter.Operations = append(filter.Operations, kind)
			}
			if resolved != "" {
				v, err := strconv.ParseBool(resolved)
				if err != nil {
					return fmt.Errorf("invalid --resolved value '%s'", resolved)
				}
				filter.Resolved = &v
			}

			records, err := a.ledger.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tOPERATION\tKIND\tRETRIES\tRESOLVED\tFILE\tMESSAGE")
			for _, r := range records {
				file := ""
				if r.FilePath != nil {
					file = *r.FilePath
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%t\t%s\t%s\n", r.ID, r.OperationType, r.ErrorType, r.RetryCount, r.IsResolved(), file, r.Message)
			}
			return tw.Flush()
		},
	}
	list.Flags().StringSliceVar(&operations, "operation", nil, "Filter by operation (repeatable)")
	list.Flags().StringVar(&resolved, "resolved", "", "Filter by resolved state (true|false)")
	list.Flags().IntVar(&limit, "limit", 50, "Maximum records to return")
	list.Flags().IntVar(&offset, "offset", 0, "Records to skip")
	list.Flags().StringVar(&sortOrder, "sort", database.DefaultSortOrder, "Sort order (created_desc|created_asc)")
	list.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	count := &cobra.Command{
		Use:   "count",
		Short: "Count unresolved error records by operation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			byOp, err := a.ledger.CountUnresolvedByOperation(cmd.Context())
			if err != nil {
				return err
			}
			var total int64
			for _, op := range models.OperationKinds {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %d\n", op, byOp[op])
				total += byOp[op]
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-12s %d\n", "total", total)
			return nil
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve ID...",
		Short: "Mark error records as resolved",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			for _, arg := range args {
				id, err := strconv.ParseInt(arg, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid record id '%s'", arg)
				}
				changed, err := a.ledger.MarkResolved(cmd.Context(), id)
				if err != nil {
					return err
				}
				if changed {
					fmt.Fprintf(cmd.OutOrStdout(), "resolved %d\n", id)
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "%d already resolved or unknown\n", id)
				}
			}
			return nil
		},
	}

	cmd.AddCommand(list, count, resolve)
	return cmd
}

func exportCommand(open func() (*app, error)) *cobra.Command {
	var (
		outDir     string
		resolution int
		manifest   bool
		archive    bool
		modelNames []string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export derived images with tag and caption sidecars",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			if outDir == "" {
				outDir = filepath.Join(a.cfg.ExportsPath, fmt.Sprintf("%dpx_%d", resolution, time.Now().Unix()))
			}
			ctx, stop := signalContext()
			defer stop()

			result, err := a.exporter.Export(ctx, services.ExportOptions{
				OutputDir:     outDir,
				Resolution:    models.Resolution(resolution),
				ModelNames:    modelNames,
				WriteManifest: manifest,
				Archive:       archive,
				ArchiveDir:    a.cfg.ExportsPath,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "exported=%d failed=%d dir=%s\n", result.Exported, result.Failed, result.OutputDir)
			if result.ArchivePath != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "archive=%s (%d bytes)\n", result.ArchivePath, result.ArchiveSize)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory (default: a new directory under EXPORTS_SUBDIR)")
	cmd.Flags().IntVar(&resolution, "resolution", int(models.Resolution1024), "Derived resolution to export")
	cmd.Flags().BoolVar(&manifest, "manifest", true, "Write manifest.json")
	cmd.Flags().BoolVar(&archive, "zip", false, "Also write a zip archive of the export")
	cmd.Flags().StringSliceVar(&modelNames, "model", nil, "Only export annotations of these models")
	return cmd
}

func annotateCommand(open func() (*app, error)) *cobra.Command {
	var (
		provider   string
		modelNames []string
		kind       string
		resolution int
		imageIDs   []uint
		creds      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "annotate",
		Short: "Run annotation models over registered images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(modelNames) == 0 {
				return errors.New("at least one --model is required")
			}
			a, err := open()
			if err != nil {
				return err
			}
			defer a.Close()

			svc, err := a.annotationService(provider, models.Resolution(resolution))
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			ids := imageIDs
			if len(ids) == 0 {
				if ids, err = allImageIDs(ctx, a); err != nil {
					return err
				}
			}
			specs := make([]services.ModelSpec, 0, len(modelNames))
			for _, name := range modelNames {
				specs = append(specs, services.ModelSpec{Name: name, Kind: models.ModelKind(kind), Provider: provider})
			}

			summary, err := svc.Annotate(ctx, ids, specs, services.Credentials(creds))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "images=%d succeeded=%d failed=%d inserted=%d updated=%d skipped=%d\n",
				summary.Images, summary.Succeeded, summary.Failed,
				summary.Annotations.Inserted, summary.Annotations.Updated, summary.Annotations.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVarP(&provider, "provider", "p", services.SidecarProviderName, "Annotation provider")
	cmd.Flags().StringSliceVarP(&modelNames, "model", "m", nil, "Model to run (repeatable)")
	cmd.Flags().StringVar(&kind, "kind", string(models.ModelKindTagger), "Kind recorded for newly registered models")
	cmd.Flags().IntVar(&resolution, "resolution", 0, "Hand providers this derived resolution instead of the original (0 = original)")
	cmd.Flags().UintSliceVar(&imageIDs, "image", nil, "Only annotate these image ids (default: all)")
	cmd.Flags().StringToStringVar(&creds, "cred", nil, "Provider credential key=value (repeatable)")
	return cmd
}

func allImageIDs(ctx context.Context, a *app) ([]uint, error) {
	const page = 500
	var ids []uint
	var after uint
	for {
		batch, err := a.repos.Images.ListIDs(ctx, after, page)
		if err != nil {
			return nil, err
		}
		ids = append(ids, batch...)
		if len(batch) < page {
			return ids, nil
		}
		after = batch[len(batch)-1]
	}
}
