package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/markdrop/internal/app"
	"github.com/dharsanguruparan/markdrop/internal/config"
	"github.com/dharsanguruparan/markdrop/internal/model"
	"github.com/dharsanguruparan/markdrop/internal/storage"
)

var (
	configPath string
	outputDir  string
	logLevel   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "markdrop: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "markdrop",
		Short: "Convert documents to Markdown",
		Long: `markdrop converts PDF, HTML, plain text and e-mail files into Markdown with
extracted assets. Conversions run synchronously (convert, batch) or through the
persistent job manager (jobs).`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (defaults to ./markdrop.yaml or ./configs/markdrop.yaml)")
	cmd.PersistentFlags().StringVarP(&outputDir, "out-dir", "o", "", "Override runtime.output_dir")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log.level")
	cmd.AddCommand(
		newConvertCmd(),
		newBatchCmd(),
		newJobsCmd(),
		newCleanCmd(),
		newRunIDCmd(),
	)
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if outputDir != "" {
		cfg.Runtime.OutputDir = outputDir
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// openApp loads config and wires the components. Process logs go to stderr
// so stdout stays machine readable.
func openApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg, app.Options{ServiceName: "markdrop-cli", LogOutput: os.Stderr})
}

// openStore opens only the job store. Read-only commands use it so they never
// start a manager against a root another process is serving.
func openStore() (*storage.JobStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.OpenStore(cfg, app.Options{ServiceName: "markdrop-cli", LogOutput: os.Stderr})
}

// jobFlags binds the per-job option flags shared by several commands.
type jobFlags struct {
	imagePolicy string
	outputMode  string
	timeoutS    int
	sizeLimitMB int
	noNormalize bool
	dedupe      bool
}

func (f *jobFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.imagePolicy, "image-policy", string(model.ImagePolicyExtract), "extract or ignore")
	cmd.Flags().StringVar(&f.outputMode, "output-mode", string(model.OutputMarkdown), "md, zip or both")
	cmd.Flags().IntVar(&f.timeoutS, "timeout", 0, "Per-job timeout in seconds (0 uses the configured base)")
	cmd.Flags().IntVar(&f.sizeLimitMB, "size-limit", 0, "Per-job size limit in MB (0 uses the configured base)")
	cmd.Flags().BoolVar(&f.noNormalize, "no-normalize-headings", false, "Keep heading levels as produced by the adapter")
}

func (f *jobFlags) options() (model.JobOptions, error) {
	opts := model.JobOptions{
		ImagePolicy:       model.ImagePolicy(f.imagePolicy),
		OutputMode:        model.OutputMode(f.outputMode),
		NormalizeHeadings: !f.noNormalize,
		Dedupe:            f.dedupe,
	}
	if f.timeoutS > 0 {
		v := f.timeoutS
		opts.TimeoutSeconds = &v
	}
	if f.sizeLimitMB > 0 {
		v := f.sizeLimitMB
		opts.SizeLimitMB = &v
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts.Normalize(), nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
