package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/WendelHime/swarm/internal/config"
	"github.com/WendelHime/swarm/internal/decoder"
	"github.com/WendelHime/swarm/internal/logic"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	flags := pflag.NewFlagSet("swarm", pflag.ExitOnError)
	d := config.Default()
	flags.String("config", "", "Optional YAML config file")
	flags.String("torrent", "", "Specify the input torrent file")
	flags.String("output", d.OutputDir, "Specify the output directory")
	flags.Int("port", d.Port, "Port to accept peers on, 0 disables incoming connections")
	flags.Int("max-peers", d.MaxPeers, "Maximum connected peers")
	flags.Int("max-unchoked", d.MaxUnchoked, "Peers unchoked at any time")
	flags.Int("max-outstanding", d.MaxOutstanding, "Requests in flight per peer")
	flags.Duration("choke-interval", d.ChokeInterval, "Choke rotation period")
	flags.Duration("slice-timeout", d.SliceTimeout, "Time before an unanswered request is retried elsewhere")
	flags.String("upload-rate", "", "Upload limit per second, e.g. 512KB; empty means unlimited")
	flags.Bool("seed", false, "Keep seeding after the download completes")
	flags.Bool("progress", d.Progress, "Show a progress bar")
	flags.String("log-file", d.LogFile, "Log file")
	flags.String("log-level", d.LogLevel, "Log level: debug, info, warn or error")
	flags.Parse(os.Args[1:])

	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	cfg, err := config.Load(v)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.Torrent == "" {
		fmt.Fprintln(os.Stderr, "--torrent is required")
		flags.Usage()
		os.Exit(2)
	}

	f, err := os.Open(cfg.Torrent)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer f.Close()

	// Create a new logger and generate log file
	logOut, err := os.Create(cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logOut.Close()
	level, _ := cfg.Level()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	downloader := logic.NewDownloader(decoder.NewDecoder(), cfg, logger)
	err = downloader.Download(ctx, f, cfg.OutputDir)
	if err != nil {
		logger.Error("failed to download torrent", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		return
	}
}
