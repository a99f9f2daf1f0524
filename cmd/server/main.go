package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Brownie44l1/action-api/internal/bootstrap"
	"github.com/Brownie44l1/action-api/internal/config"
	"github.com/Brownie44l1/action-api/internal/inference"
	"github.com/Brownie44l1/action-api/internal/logging"
	"github.com/Brownie44l1/action-api/internal/model"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configPath string
	verbose    bool
	pretty     bool
)

var rootCmd = &cobra.Command{
	Use:   "server",
	Short: "Classify human actions in video clips",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(verbose, pretty)
	},
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

var predictCmd = &cobra.Command{
	Use:   "predict <video>",
	Short: "Classify a single video file and print the result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runPredict,
}

var classesCmd = &cobra.Command{
	Use:   "classes",
	Short: "Print the class vocabulary of the configured model",
	Args:  cobra.NoArgs,
	RunE:  runClasses,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./config.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "human readable log output")

	rootCmd.AddCommand(serveCmd, predictCmd, classesCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	bootstrap.Run(cfg, log.Logger)
	return nil
}

// standalone builds an engine outside the fx graph for one-shot commands.
func standalone(cfg *config.Config) (*inference.Engine, error) {
	decoder, err := bootstrap.ProvideDecoder(cfg, log.Logger)
	if err != nil {
		return nil, err
	}
	return bootstrap.NewEngine(cfg, bootstrap.ProvideFetcher(cfg, log.Logger), decoder, log.Logger)
}

func runPredict(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	engine, err := standalone(cfg)
	if err != nil {
		return err
	}
	defer model.ShutdownRuntime()
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pred, err := engine.Predict(ctx, args[0])
	if err != nil {
		logger := logging.WithComponent("cli")
		logger.Error().Err(err).Str("video", args[0]).Msg("prediction failed")
		return err
	}
	return printJSON(pred)
}

func runClasses(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	engine, err := standalone(cfg)
	if err != nil {
		return err
	}
	defer model.ShutdownRuntime()
	defer engine.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := engine.Init(ctx); err != nil {
		return err
	}
	return printJSON(map[string][]string{"classes": engine.Classes()})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
