package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/browserwatch"
	"pkt.systems/browserwatch/core"
	"pkt.systems/browserwatch/internal/appconfig"
	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

const stopTimeout = 30 * time.Second

type launchFlags struct {
	cfgPath     string
	executable  string
	userDataDir string
	headless    bool
	openURL     string
	traceEvents bool
}

func newLaunchCmd() *cobra.Command {
	var flags launchFlags
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a supervised browser and keep it alive until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(flags.cfgPath)
			if err != nil {
				return err
			}
			applyLaunchFlags(cmd, &cfg, flags)
			logger := newLogger(cfg.Logging.Level)
			ctx := pslog.ContextWithLogger(cmd.Context(), logger)

			var opts []browserwatch.SessionOption
			if flags.traceEvents {
				opts = append(opts, browserwatch.WithEventSink(eventLogger(logger)))
			}
			sess, err := browserwatch.New(sessionConfig(cfg), core.SessionDeps{Logger: logger}, opts...)
			if err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
				defer cancel()
				if err := sess.Stop(stopCtx); err != nil {
					logger.Warn("launch stop failed", "err", err)
				}
			}()

			result, err := sess.Start(ctx)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), result.CDPURL); err != nil {
				return err
			}
			logger.Info("launch ready", "cdp_url", result.CDPURL, "pid", result.PID, "label", sess.Label())

			if url := strings.TrimSpace(flags.openURL); url != "" {
				id, err := sess.Navigate(ctx, url, false)
				if err != nil {
					logger.Warn("launch navigate failed", "url", url, "err", err)
				} else {
					pending, _ := sess.WaitForStable(ctx, id, 10*time.Second)
					logger.Info("launch page loaded", "target", id, "url", url, "pending", len(pending))
				}
			}
			return sess.Wait(ctx)
		},
	}
	cmd.Flags().StringVarP(&flags.cfgPath, "config", "c", "", "config file path (default ~/.browserwatch/config.yaml)")
	cmd.Flags().StringVar(&flags.executable, "executable", "", "browser executable (default: locate or install)")
	cmd.Flags().StringVar(&flags.userDataDir, "user-data-dir", "", "user data directory (default: fresh temp dir)")
	cmd.Flags().BoolVar(&flags.headless, "headless", false, "run the browser headless")
	cmd.Flags().StringVar(&flags.openURL, "url", "", "navigate the first tab to this URL after launch")
	cmd.Flags().BoolVar(&flags.traceEvents, "trace-events", false, "log every bus event")
	return cmd
}

func applyLaunchFlags(cmd *cobra.Command, cfg *appconfig.Config, flags launchFlags) {
	if flags.executable != "" {
		cfg.Browser.ExecutablePath = flags.executable
	}
	if flags.userDataDir != "" {
		cfg.Browser.UserDataDir = flags.userDataDir
	}
	if cmd.Flags().Changed("headless") {
		cfg.Browser.Headless = flags.headless
	}
}

// sessionConfig maps the file configuration onto the session.
func sessionConfig(cfg appconfig.Config) browserwatch.SessionConfig {
	deny := append([]string(nil), cfg.Network.DenyDomains...)
	if !cfg.Network.ReplaceDefaultDeny {
		deny = append(browserwatch.DefaultDenyDomains(), deny...)
	}
	if deny == nil {
		deny = []string{}
	}
	return browserwatch.SessionConfig{
		Profile: cfg.Profile(),
		Launch: browserwatch.LaunchConfig{
			MaxAttempts:      cfg.Launch.MaxAttempts,
			RetryBackoff:     time.Duration(cfg.Launch.RetryBackoffMillis) * time.Millisecond,
			StartupTimeout:   time.Duration(cfg.Launch.StartupTimeoutSeconds) * time.Second,
			TerminateTimeout: time.Duration(cfg.Launch.TerminateTimeoutSeconds) * time.Second,
			InstallCommand:   cfg.Launch.InstallCommand,
			InstallTimeout:   time.Duration(cfg.Launch.InstallTimeoutSeconds) * time.Second,
			BrowsersPath:     cfg.Launch.BrowsersPath,
			TempDir:          cfg.Launch.TempDir,
		},
		Network: browserwatch.NetworkConfig{
			StaleAfter:  time.Duration(cfg.Network.StaleAfterSeconds) * time.Second,
			DenyDomains: deny,
		},
		OverlayLabel: cfg.Tabs.OverlayLabel,
	}
}

func eventLogger(logger pslog.Logger) browserwatch.EventSink {
	return browserwatch.EventSinkFunc(func(ev schema.Event) {
		fields := []any{"event", ev.Kind}
		if ev.Target.ID != "" {
			fields = append(fields, "target", ev.Target.ID)
		}
		if ev.Network.RequestID != "" {
			fields = append(fields, "request", ev.Network.RequestID, "url", ev.Network.URL)
		}
		if ev.Navigate.URL != "" {
			fields = append(fields, "url", ev.Navigate.URL)
		}
		logger.Debug("bus event", fields...)
	})
}
