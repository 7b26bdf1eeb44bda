// Command astercord runs the voice bridge as a standalone process,
// keeping the gateway connection alive until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/astercord"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "astercord",
	Short: "Bridge PBX calls into Discord voice channels.",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect to the gateway and serve calls until interrupted.",
	RunE:  runBridge,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file and exit.",
	RunE:  checkConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "astercord.yml", "path to the configuration file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(checkCmd)
}

func runBridge(cmd *cobra.Command, args []string) error {
	cfg, err := astercord.LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	bridge, err := astercord.New(ctx, cfg)
	cancel()
	if err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer bridge.Kill()

	logrus.WithField("function", "runBridge").Info("bridge running")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop

	logrus.WithFields(logrus.Fields{
		"function": "runBridge",
		"signal":   sig.String(),
	}).Info("shutting down")
	return nil
}

func checkConfig(cmd *cobra.Command, args []string) error {
	if _, err := astercord.LoadConfig(configPath); err != nil {
		return err
	}
	fmt.Println("configuration ok")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
