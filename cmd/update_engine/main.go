// Command update_engine is the daemon entrypoint: it wires the C1-C10
// collaborators into one engine.Engine and runs a single check-for-
// update attempt, the way a real init-managed daemon would be invoked
// per scheduling tick. Flags and exit codes follow §6's "CLI surface".
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/colorstring"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/affggh/ab_update_engine/internal/bootctl"
	"github.com/affggh/ab_update_engine/internal/config"
	"github.com/affggh/ab_update_engine/internal/connmgr"
	"github.com/affggh/ab_update_engine/internal/engine"
	"github.com/affggh/ab_update_engine/internal/metrics"
	"github.com/affggh/ab_update_engine/internal/omaha"
	"github.com/affggh/ab_update_engine/internal/paystate"
	"github.com/affggh/ab_update_engine/internal/pipeline"
	"github.com/affggh/ab_update_engine/internal/prefs"
	"github.com/affggh/ab_update_engine/internal/verifier"
)

// Version is overridden at build time via -ldflags, matching the
// teacher's own unset-by-default version string.
var Version = "unknown-dirty"

type options struct {
	foreground     bool
	logToStderr    bool
	logToPlaintext bool
	prefsDir       string
	policyPath     string
	serverURL      string
	appID          string
	board          string
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:   "update_engine",
		Short: "A/B partition OTA update daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	root.Flags().BoolVar(&opts.foreground, "foreground", false, "run in the foreground instead of detaching")
	root.Flags().BoolVar(&opts.logToStderr, "logtostderr", false, "log to stderr instead of the log file")
	root.Flags().BoolVar(&opts.logToPlaintext, "logtoplaintext", false, "disable structured (JSON) logging")
	root.Flags().StringVar(&opts.prefsDir, "prefs-dir", "/var/lib/update_engine/prefs", "persisted state directory (C1)")
	root.Flags().StringVar(&opts.policyPath, "policy", "/etc/update_engine/policy.yaml", "device policy YAML file")
	root.Flags().StringVar(&opts.serverURL, "server", "", "Omaha-style update server URL")
	root.Flags().StringVar(&opts.appID, "appid", "platform", "application id reported in the update request")
	root.Flags().StringVar(&opts.board, "board", "", "board name reported in the update request")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print the daemon version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("update_engine", Version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts *options) error {
	log := newLogger(opts)

	store, err := prefs.NewFileStore(opts.prefsDir)
	if err != nil {
		log.Error().Err(err).Msg("open prefs store")
		os.Exit(1)
	}

	policy, err := config.Load(opts.policyPath)
	if err != nil {
		log.Error().Err(err).Msg("load device policy")
		os.Exit(1)
	}

	payState := paystate.New(store)
	connMgr := connmgr.New(store, devicePolicyAdapter{policy})

	// A real build supplies a MiscBackend (or board-specific equivalent)
	// pointed at the device's actual misc partition; boot-control access
	// is itself a hardware concern spec §6 lists as consumed, not
	// implemented, so a FakeBackend stands in until one is wired.
	backend := bootctl.NewFakeBackend()
	ctl := bootctl.New(backend, "")

	sink := metrics.NewPrometheusSink(prometheus.DefaultRegisterer)

	devices := staticDeviceResolver{}

	mountPolicy := verifier.MountPolicy{
		ReadOnly: policy.PostinstallMountReadOnly,
		NoExec:   policy.PostinstallMountNoExec,
		NoSuid:   policy.PostinstallMountNoSuid,
	}

	serverURL := opts.serverURL
	if serverURL == "" {
		serverURL = policy.UpdateServerURL
	}

	pl := &pipeline.Pipeline{
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
		ServerURL:  serverURL,
		RequestTemplate: omaha.Request{
			Updater:        "update_engine",
			UpdaterVersion: Version,
			InstallSource:  omaha.InstallSourceScheduler,
			OSPlatform:     "linux",
			Apps: []omaha.App{
				{AppID: opts.appID, Board: opts.board, CurrentChannel: policy.TargetChannel, TargetChannel: policy.TargetChannel},
			},
		},
		PayState:    payState,
		BootCtl:     ctl,
		Devices:     devices,
		MountPolicy: mountPolicy,
		Prefs:       store,
	}

	connType := connmgr.Wifi

	eng := engine.New(pl, engine.Policy{
		Connmgr:           connMgr,
		ConnectionType:    connType,
		UpdatesDisabled:   policy.UpdatesDisabled,
		OOBEComplete:      true,
		UpdateHasDeadline: false,
	}, payState, store, log)

	if opts.foreground {
		printState(eng.State())
	}

	if err := eng.RunCheck(ctx, opts.foreground); err != nil {
		sink.ReportAttemptResult("failed")
		log.Error().Err(err).Msg("update check failed")
		if opts.foreground {
			printState(eng.State())
		}
		os.Exit(1)
	}
	sink.ReportAttemptResult("succeeded")
	sink.ReportUpdateCheckResult(eng.State().String())

	if opts.foreground {
		printState(eng.State())
	}
	return nil
}

func newLogger(opts *options) zerolog.Logger {
	var out *os.File = os.Stderr
	if !opts.logToStderr {
		if f, err := os.OpenFile("/var/log/update_engine.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			out = f
		}
	}

	if opts.logToPlaintext {
		writer := zerolog.ConsoleWriter{Out: out, NoColor: !isTerminal(out)}
		return zerolog.New(writer).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// printState writes a one-line colorized status transition to stdout,
// the foreground-run counterpart to the structured log stream.
func printState(s engine.State) {
	color := "green"
	switch s {
	case engine.Downloading, engine.Verifying, engine.Finalizing, engine.CheckingForUpdate:
		color = "yellow"
	case engine.ReportingErrorEvent:
		color = "red"
	}
	colorstring.Println(fmt.Sprintf("[%s]%s[reset]", color, s.String()))
}

// devicePolicyAdapter bridges config.DevicePolicy to connmgr's narrower
// DevicePolicy interface.
type devicePolicyAdapter struct{ p *config.DevicePolicy }

func (a devicePolicyAdapter) AllowedConnectionTypesForUpdate() ([]connmgr.ConnectionType, bool) {
	return a.p.AllowedConnectionTypesForUpdate()
}

// staticDeviceResolver maps the well-known A/B partition names to the
// by-name block device symlinks a real device exposes; swapped for a
// board-specific resolver once one exists.
type staticDeviceResolver struct{}

func (staticDeviceResolver) Resolve(partitionName string, targetSlot uint8) (pipeline.Device, error) {
	suffix := "_a"
	source := "_b"
	if targetSlot == 1 {
		suffix, source = "_b", "_a"
	}
	return pipeline.Device{
		TargetPath:     filepath.Join("/dev/block/by-name", partitionName+suffix),
		SourcePath:     filepath.Join("/dev/block/by-name", partitionName+source),
		FilesystemType: "ext4",
	}, nil
}
