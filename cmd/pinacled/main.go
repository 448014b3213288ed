package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/pinacle-sh/pinacle/pkg/api"
	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/host"
	"github.com/pinacle-sh/pinacle/pkg/log"
	"github.com/pinacle-sh/pinacle/pkg/models"
	"github.com/pinacle-sh/pinacle/pkg/orchestrator"
	podruntime "github.com/pinacle-sh/pinacle/pkg/runtime"
	"github.com/pinacle-sh/pinacle/pkg/snapshot"
	"github.com/pinacle-sh/pinacle/pkg/store"
)

var (
	commit      string
	version     = "unversioned"
	date        string
	buildSource = "unknown"

	debuggingFlag = false
)

func main() {
	info := fmt.Sprintf(
		"%s\nDate: %s\nBuildSource: %s\nCommit: %s\nOS: %s\nArch: %s",
		version,
		date,
		buildSource,
		commit,
		runtime.GOOS,
		runtime.GOARCH,
	)

	flaggy.SetName("pinacled")
	flaggy.SetDescription("The pinacle control plane: pod orchestration, fleet state, and the management API")
	flaggy.Bool(&debuggingFlag, "d", "debug", "a boolean")
	flaggy.SetVersion(info)
	flaggy.Parse()

	appConfig, err := config.NewAppConfig("pinacled", version, commit, date, buildSource, debuggingFlag)
	if err != nil {
		stdlog.Fatal(err.Error())
	}

	logger := log.NewLogger(appConfig)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.NewStore(logger, appConfig.API.DatabasePath)
	if err != nil {
		fatal(logger, err)
	}
	defer st.Close()

	orch := orchestrator.New(logger, st, appConfig.Orchestrator, appConfig.Runtime.Name)
	orch.ConnectFn = func(ctx context.Context, server *models.Server) (host.Connection, error) {
		return host.NewConnection(logger, server, appConfig.SSH)
	}
	orch.RuntimeFn = func(conn host.Connection) podruntime.Runtime {
		return podruntime.NewCLIRuntime(logger, conn)
	}

	server := api.NewServer(logger, st, orch, appConfig.API)

	provider, err := snapshot.NewProvider(ctx, appConfig.Snapshot)
	if err != nil {
		fatal(logger, err)
	}
	var engine *snapshot.Engine
	if provider != nil {
		engine = snapshot.NewEngine(logger, st, provider, appConfig.Snapshot.Quiesce)
		engine.ConnectFn = orch.ConnectFn
		engine.RuntimeFn = orch.RuntimeFn

		orch.RestoreFn = engine.Restore
		orch.DeleteArchiveFn = engine.DeleteArchive
		// exports outlive the request, so the API's write timeout never
		// truncates one
		server.CreateSnapshotFn = engine.CreateAsync
		server.DeleteSnapshotArchiveFn = engine.DeleteArchive
	} else {
		logger.Warn("no snapshot storage configured, snapshots are disabled")
	}

	sweeper := cron.New()
	_, _ = sweeper.AddFunc("@every 1m", func() {
		if n, err := st.SweepStaleServers(); err != nil {
			logger.WithError(err).Error("sweeping stale servers")
		} else if n > 0 {
			logger.WithField("count", n).Info("marked stale servers offline")
		}
	})
	_, _ = sweeper.AddFunc("@hourly", func() {
		if err := st.PruneMetrics(models.MetricsRetention); err != nil {
			logger.WithError(err).Error("pruning metrics")
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	if err := server.ListenAndServe(ctx); err != nil {
		fatal(logger, err)
	}

	// let in-flight provisioning pipelines and exports finish before the
	// store closes
	orch.Wait()
	if engine != nil {
		engine.Wait()
	}
}

func fatal(logger *logrus.Entry, err error) {
	logger.Error(errors.Wrap(err, 0).ErrorStack())
	stdlog.Fatal(err.Error())
}
