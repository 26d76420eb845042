package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"autopost/internal/app"
	"autopost/internal/cli"
	"autopost/internal/httpapi"
	logx "autopost/pkg/logx"
)

const usage = `usage: autopost [-config path] <command>

commands:
  run                start the scheduler (default)
  status             print job, fallback and execution status
  run-job <name>     run one job now and exit
  token <subject>    print a bearer token for the HTTP API
`

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	cmd := flag.Arg(0)
	if cmd == "" {
		cmd = "run"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "run":
		err = run(ctx, cfgPath)
	case "status":
		err = status(ctx, cfgPath)
	case "run-job":
		if flag.NArg() < 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = runJob(ctx, cfgPath, flag.Arg(1))
	case "token":
		if flag.NArg() < 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = token(cfgPath, flag.Arg(1))
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	log := a.Logger()

	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	var srv *http.Server
	if hc := a.Config().HTTP; hc.Enabled {
		srv = httpapi.NewServer(hc.Addr, httpapi.NewRouter(a, httpapi.Options{
			JWTSecret:      hc.JWTSecret,
			AllowedOrigins: hc.AllowedOrigins,
			Pprof:          hc.Pprof,
			Log:            log.With(logx.String("comp", "httpapi")),
		}))
		go func() {
			log.Info("http api listening", logx.String("addr", hc.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http api failed", logx.Err(err))
			}
		}()
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}

	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdog(ctx, interval/2)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	reason := app.StopSignal
	if ctx.Err() == nil {
		reason = app.StopFatalError
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	return a.Stop(context.Background(), reason)
}

func watchdog(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}

// status builds the app without starting it, so the view reflects persisted
// state only.
func status(ctx context.Context, cfgPath string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background(), app.StopRequested)
	return cli.RenderStatus(os.Stdout, a.Status(ctx))
}

func runJob(ctx context.Context, cfgPath, name string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background(), app.StopRequested)

	res, err := a.RunOnce(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %s after %d attempt(s) in %s\n", res.Name, res.Outcome, res.Attempts,
		res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return nil
}

func token(cfgPath, subject string) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	defer a.Stop(context.Background(), app.StopRequested)

	secret := a.Config().HTTP.JWTSecret
	if secret == "" {
		return errors.New("http.jwt_secret is not set")
	}
	tok, err := httpapi.NewJWT(secret).Sign(subject, 30*24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}
