package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/geoharvest/stacharvest/internal/utils"
	"github.com/geoharvest/stacharvest/pkg/discover"
	"github.com/geoharvest/stacharvest/pkg/harmonize"
	"github.com/geoharvest/stacharvest/pkg/pipeline"
	"github.com/geoharvest/stacharvest/pkg/providers"
	"github.com/geoharvest/stacharvest/pkg/report"
	"github.com/geoharvest/stacharvest/pkg/whttp"
)

var harvestCmd = &cobra.Command{
	Use:   "harvest [provider...]",
	Short: "Harvest one or more providers into GeoParquet tables",
	Long: `Harvests the given providers (all of them when none are named).
Each provider runs as its own pipeline; a failing provider never aborts the
others. The exit code is non-zero only when at least one selected provider
fails outright - dropped items alone are reported, not fatal.`,
	RunE: runHarvest,
}

func runHarvest(cmd *cobra.Command, args []string) error {
	specs, err := providers.Get(args)
	if err != nil {
		return err
	}

	format, _ := cmd.Flags().GetString("format")
	formats, err := harmonize.Variants(format)
	if err != nil {
		return err
	}

	outputDir := viper.GetString("output")
	if v, _ := cmd.Flags().GetString("output"); v != "" {
		outputDir = v
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = viper.GetInt("concurrency")
	}
	minYield := minYieldSetting(cmd)
	reportDB := viper.GetString("reportdb")
	if v, _ := cmd.Flags().GetString("report-db"); v != "" {
		reportDB = v
	}
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	client := whttp.NewClient(concurrency, 3, 60*time.Second)
	defer client.Close()

	opts := pipeline.Options{
		Formats:     formats,
		OutputDir:   outputDir,
		Concurrency: concurrency,
		MinYield:    minYield,
		Client:      client,
		Lister:      discover.NewS3Lister(),
		Log:         utils.Log,
	}

	reports := pipeline.RunAll(ctx, specs, opts)

	var db *report.DB
	if reportDB != "" {
		db, err = report.Open(reportDB)
		if err != nil {
			utils.Log.Warnf("could not open report database %s: %v", reportDB, err)
		} else {
			defer db.Close()
		}
	}

	failed := 0
	for _, r := range reports {
		if r.Failed() {
			failed++
			utils.Log.Error(r.Summary())
		} else {
			utils.Log.Info(r.Summary())
		}
		for _, f := range r.Failures {
			utils.Log.Debugf("%s: [%s] %s: %s", r.Provider, f.Reason, f.Item, f.Detail)
		}
		if db != nil {
			if err := db.SaveRun(ctx, r); err != nil {
				utils.Log.Warnf("could not persist report for %s: %v", r.Provider, err)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d provider runs failed", failed, len(reports))
	}
	return nil
}

// minYieldSetting resolves the yield threshold: an explicit flag wins,
// otherwise the viper "minyield" key (config file or STACHARVEST_MINYIELD).
func minYieldSetting(cmd *cobra.Command) float64 {
	if cmd.Flags().Changed("min-yield") {
		v, _ := cmd.Flags().GetFloat64("min-yield")
		return v
	}
	return viper.GetFloat64("minyield")
}

func init() {
	rootCmd.AddCommand(harvestCmd)
	harvestCmd.Flags().StringP("format", "f", "both", "Output format: viz, ard or both")
	harvestCmd.Flags().StringP("output", "o", "", "Output directory (default \"parquets\")")
	harvestCmd.Flags().IntP("concurrency", "c", 0, "Maximum in-flight item fetches per provider")
	harvestCmd.Flags().Float64P("min-yield", "y", 0.5, "Minimum fetched/discovered fraction for a run to succeed")
	harvestCmd.Flags().String("report-db", "", "sqlite file to persist run reports into")
	harvestCmd.Flags().Duration("timeout", 0, "Global timeout for the whole harvest (0 = none)")
}
