package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"pkt.systems/browserwatch/internal/appconfig"
	"pkt.systems/browserwatch/internal/supervisor"
	"pkt.systems/browserwatch/schema"
	"pkt.systems/pslog"
)

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var install bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check browser discovery and profile handling",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			logger.Info("doctor start", "config", cfgPath)

			var installCmd []string
			if install {
				installCmd = cfg.Launch.InstallCommand
			}
			locator := supervisor.NewLocator(afero.NewOsFs(), supervisor.LocatorOptions{
				BrowsersPath:   cfg.Launch.BrowsersPath,
				InstallCommand: installCmd,
				InstallTimeout: time.Duration(cfg.Launch.InstallTimeoutSeconds) * time.Second,
				Logger:         logger,
			})
			home, _ := os.UserHomeDir()
			report := doctorReport{
				GOOS:         runtime.GOOS,
				BrowsersPath: locator.BrowsersPath(),
				Candidates:   locator.Candidates(),
				DefaultDirs:  supervisor.DefaultUserDataDirs(runtime.GOOS, home),
				UserDataDir:  cfg.Browser.UserDataDir,
				Redirected:   supervisor.IsDefaultUserDataDir(runtime.GOOS, home, cfg.Browser.UserDataDir),
			}
			exe, err := locator.Resolve(cmd.Context(), cfg.Browser.ExecutablePath)
			switch {
			case err == nil:
				report.Executable = exe
			case errors.Is(err, schema.ErrNoExecutable), errors.Is(err, schema.ErrInstallTimeout):
				report.ExecutableErr = err
			default:
				return err
			}
			if err := report.write(cmd.OutOrStdout()); err != nil {
				return err
			}
			if report.ExecutableErr != nil {
				return report.ExecutableErr
			}
			logger.Info("doctor ok", "executable", report.Executable)
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path (default ~/.browserwatch/config.yaml)")
	cmd.Flags().BoolVar(&install, "install", false, "run the install command when no browser is found")
	return cmd
}

type doctorReport struct {
	GOOS          string
	BrowsersPath  string
	Candidates    []string
	DefaultDirs   []string
	UserDataDir   string
	Redirected    bool
	Executable    string
	ExecutableErr error
}

func (r doctorReport) write(w io.Writer) error {
	lines := []string{
		fmt.Sprintf("os: %s", r.GOOS),
		fmt.Sprintf("browsers path: %s", r.BrowsersPath),
	}
	for _, c := range r.Candidates {
		lines = append(lines, fmt.Sprintf("candidate: %s", c))
	}
	if r.Executable != "" {
		lines = append(lines, fmt.Sprintf("executable: %s", r.Executable))
	} else {
		lines = append(lines, fmt.Sprintf("executable: not found (%v)", r.ExecutableErr))
	}
	for _, d := range r.DefaultDirs {
		lines = append(lines, fmt.Sprintf("browser-owned profile: %s", d))
	}
	switch {
	case r.UserDataDir == "":
		lines = append(lines, "user data dir: fresh temp dir per launch")
	case r.Redirected:
		lines = append(lines, fmt.Sprintf("user data dir: %s (browser-owned, launches use a copy)", r.UserDataDir))
	default:
		lines = append(lines, fmt.Sprintf("user data dir: %s", r.UserDataDir))
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}
