package main

import (
	"context"
	"fmt"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"

	"github.com/pinacle-sh/pinacle/pkg/config"
	"github.com/pinacle-sh/pinacle/pkg/log"
	"github.com/pinacle-sh/pinacle/pkg/proxy"
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

	flaggy.SetName("pinacle-proxy")
	flaggy.SetDescription("The authenticated subdomain proxy in front of pod workspaces")
	flaggy.Bool(&debuggingFlag, "d", "debug", "a boolean")
	flaggy.SetVersion(info)
	flaggy.Parse()

	appConfig, err := config.NewAppConfig("pinacle-proxy", version, commit, date, buildSource, debuggingFlag)
	if err != nil {
		stdlog.Fatal(err.Error())
	}
	if appConfig.Proxy.SigningKey == "" {
		stdlog.Fatal("PROXY_TOKEN_SIGNING_KEY must be set")
	}

	logger := log.NewLogger(appConfig)

	st, err := store.NewStore(logger, appConfig.API.DatabasePath)
	if err != nil {
		stdlog.Fatal(errors.Wrap(err, 0).ErrorStack())
	}
	defer st.Close()

	p := proxy.New(logger, appConfig.Proxy, st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithField("addr", appConfig.Proxy.ListenAddr).Info("proxy listening")
	if err := p.ListenAndServe(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error(errors.Wrap(err, 0).ErrorStack())
		stdlog.Fatal(err.Error())
	}
}
