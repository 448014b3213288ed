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

	"github.com/pinacle-sh/pinacle/pkg/agent"
	"github.com/pinacle-sh/pinacle/pkg/api"
	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/log"
	podruntime "github.com/pinacle-sh/pinacle/pkg/runtime"
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

	flaggy.SetName("pinacle-agent")
	flaggy.SetDescription("The per-host agent: registration, heartbeats, and metrics for the pinacle control plane")
	flaggy.Bool(&debuggingFlag, "d", "debug", "a boolean")
	flaggy.SetVersion(info)
	flaggy.Parse()

	appConfig, err := config.NewAppConfig("pinacle-agent", version, commit, date, buildSource, debuggingFlag)
	if err != nil {
		stdlog.Fatal(err.Error())
	}

	logger := log.NewLogger(appConfig)

	serverID, err := agent.LoadOrCreateServerID(appConfig.Agent.ConfigFilePath)
	if err != nil {
		stdlog.Fatal(errors.Wrap(err, 0).ErrorStack())
	}
	logger = logger.WithField("serverId", serverID)

	rt, err := podruntime.NewSDKRuntime(logger)
	if err != nil {
		stdlog.Fatal(errors.Wrap(err, 0).ErrorStack())
	}

	a := agent.New(logger, appConfig.Agent, serverID, api.NewClient(appConfig.API.URL, appConfig.API.Key), rt)
	a.SSHHost = appConfig.SSH.Host
	a.SSHPort = appConfig.SSH.Port
	a.SSHUser = appConfig.SSH.User
	if appConfig.API.DevURL != "" {
		a.Secondary = api.NewClient(appConfig.API.DevURL, appConfig.API.DevKey)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error(errors.Wrap(err, 0).ErrorStack())
		stdlog.Fatal(err.Error())
	}
}
