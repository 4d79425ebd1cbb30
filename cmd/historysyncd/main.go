// Command historysyncd runs the history-sync clustering engine standalone
// against a small in-memory devnet, for local exercise of the engine
// without a real blockchain store or network attached.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"

	"github.com/albatross-go/core/common"
	"github.com/albatross-go/core/historysync"
	"github.com/albatross-go/core/log"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to a TOML config file",
	}
	maxClustersFlag = &cli.IntFlag{
		Name:  "max-clusters",
		Usage: "override max epoch clusters held at once",
	}
	maxQueuedJobsFlag = &cli.IntFlag{
		Name:  "max-queued-jobs",
		Usage: "override max queued commit jobs",
	}
	commitWorkersFlag = &cli.IntFlag{
		Name:  "commit-workers",
		Usage: "override commit worker pool size",
	}
	devPeersFlag = &cli.StringSliceFlag{
		Name:  "dev-peer",
		Usage: "simulated peer id to attach on startup (repeatable)",
	}
	chainLengthFlag = &cli.IntFlag{
		Name:  "dev-chain-length",
		Usage: "number of epochs the simulated devnet chain extends to",
		Value: 20,
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log-level",
		Usage: "debug, info, warn, or error",
	}
)

func main() {
	app := &cli.App{
		Name:  "historysyncd",
		Usage: "run the history-sync clustering engine against a devnet",
		Flags: []cli.Flag{
			configFlag,
			maxClustersFlag,
			maxQueuedJobsFlag,
			commitWorkersFlag,
			devPeersFlag,
			chainLengthFlag,
			logLevelFlag,
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	fcfg, err := loadFileConfig(c.String(configFlag.Name))
	if err != nil {
		return errorsWrap(err, "loading config file")
	}

	if c.IsSet(maxClustersFlag.Name) {
		fcfg.HistorySync.MaxClusters = c.Int(maxClustersFlag.Name)
	}
	if c.IsSet(maxQueuedJobsFlag.Name) {
		fcfg.HistorySync.MaxQueuedJobs = c.Int(maxQueuedJobsFlag.Name)
	}
	if c.IsSet(commitWorkersFlag.Name) {
		fcfg.HistorySync.CommitWorkers = c.Int(commitWorkersFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) {
		fcfg.LogLevel = c.String(logLevelFlag.Name)
	}
	devPeerNames := fcfg.DevPeers
	if c.IsSet(devPeersFlag.Name) {
		devPeerNames = c.StringSlice(devPeersFlag.Name)
	}
	if len(devPeerNames) == 0 {
		devPeerNames = []string{"peer-a", "peer-b", "peer-c"}
	}

	log.SetLevel(parseLevel(fcfg.LogLevel))

	genesis := common.BytesToHash([]byte("historysyncd-devnet-genesis"))
	chain := newDevnetChain(genesis, c.Int(chainLengthFlag.Name))
	bc := newDevnetBlockchain(genesis)

	peers := make([]common.PeerID, 0, len(devPeerNames))
	for _, name := range devPeerNames {
		peers = append(peers, common.PeerID(name))
	}
	transport := newDevnetTransport(chain, peers)

	engine := historysync.New(bc, transport, fcfg.HistorySync)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		for ev := range engine.Events() {
			switch ev.Kind {
			case historysync.EventOutdated:
				log.Info("peer reported outdated", "peer", ev.Peer)
			case historysync.EventGood:
				log.Info("peer fully synced with us", "peer", ev.Peer)
			}
		}
	}()

	for _, p := range peers {
		engine.Probe(ctx, p)
	}

	log.Info("historysyncd starting", "max_clusters", fcfg.HistorySync.MaxClusters, "max_queued_jobs", fcfg.HistorySync.MaxQueuedJobs, "commit_workers", fcfg.HistorySync.CommitWorkers, "peers", len(peers))
	engine.Run(ctx)
	log.Info("historysyncd stopped")
	return nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func errorsWrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}
