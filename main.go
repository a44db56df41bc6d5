package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	"sparkcoin/blockchain"
	"sparkcoin/config"
	"sparkcoin/database"
	"sparkcoin/node"
	"sparkcoin/wallet"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to the YAML configuration file",
	}
	datadirFlag = cli.StringFlag{
		Name:  "datadir",
		Usage: "directory for chain data, wallet key and peer book",
	}
	listenFlag = cli.StringFlag{
		Name:  "listen",
		Usage: "network listen address (host:port)",
	}
	seedFlag = cli.StringSliceFlag{
		Name:  "seed",
		Usage: "seed peer to dial on startup (repeatable)",
	}
	logLevelFlag = cli.StringFlag{
		Name:  "loglevel",
		Usage: "log verbosity: debug, info, warn, error",
	}
	metricsFlag = cli.StringFlag{
		Name:  "metrics",
		Usage: "serve Prometheus metrics on this address (empty disables)",
	}
	stakeFlag = cli.Int64Flag{
		Name:  "stake",
		Usage: "register the local wallet as a validator with this stake",
	}
	greenFlag = cli.BoolFlag{
		Name:  "green",
		Usage: "mark the local validator as green certified",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "sparkd"
	app.Usage = "energy backed currency validator node"
	app.Flags = []cli.Flag{
		configFlag, datadirFlag, listenFlag, seedFlag,
		logLevelFlag, metricsFlag, stakeFlag, greenFlag,
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if dir := ctx.String(datadirFlag.Name); dir != "" {
		cfg.DataDir = dir
	}
	if addr := ctx.String(listenFlag.Name); addr != "" {
		cfg.ListenAddr = addr
	}
	if seeds := ctx.StringSlice(seedFlag.Name); len(seeds) > 0 {
		cfg.Seeds = append(cfg.Seeds, seeds...)
	}
	if lvl := ctx.String(logLevelFlag.Name); lvl != "" {
		cfg.LogLevel = lvl
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	log := logrus.WithField("component", "main")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	db, err := database.Open(filepath.Join(cfg.DataDir, "chain.db"))
	if err != nil {
		return err
	}

	w, err := wallet.LoadOrCreate(filepath.Join(cfg.DataDir, "wallet.key"))
	if err != nil {
		db.Close()
		return err
	}
	log.WithField("address", w.Address).Info("wallet ready")

	// A fresh datadir starts from a genesis funding the local wallet so
	// single-node networks can bootstrap. Joining an existing network
	// means copying its genesis allocation into the config.
	genesis := blockchain.NewGenesisBlock(map[string]int64{
		w.Address: 1_000_000 * 1e8,
	})

	nd, err := node.New(cfg, w, genesis, db, nil)
	if err != nil {
		db.Close()
		return err
	}

	if stake := ctx.Int64(stakeFlag.Name); stake > 0 {
		if err := nd.RegisterValidator(w.Address, stake, ctx.Bool(greenFlag.Name)); err != nil {
			log.WithError(err).Warn("validator self registration failed")
		}
	}

	if addr := ctx.String(metricsFlag.Name); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
		log.WithField("addr", addr).Info("metrics exposed")
	}

	if err := nd.Start(); err != nil {
		db.Close()
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	nd.Stop()
	return nil
}
