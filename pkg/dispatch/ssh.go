package dispatch

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/andrej220/batchexec/internal/lg"
	"github.com/andrej220/batchexec/pkg/failure"
	"github.com/andrej220/batchexec/pkg/monitor"
	"github.com/andrej220/batchexec/pkg/profile"
	"github.com/andrej220/batchexec/pkg/sshexec"
	"github.com/andrej220/batchexec/pkg/work"
)

const (
	// EnvBatchHome names the installation directory on the remote host.
	EnvBatchHome = "BATCH_HOME"
	// ExecutePath is the launcher script relative to EnvBatchHome.
	ExecutePath = "libexec/execute.sh"
	// PropTrackingID identifies the unit in the launcher properties.
	PropTrackingID = "batchexec.tracking.id"
)

// Runner executes a command line remotely and returns its exit status.
type Runner interface {
	Execute(ctx context.Context, tokens []string, env map[string]string, blobs []sshexec.Blob, out io.Writer) (int, error)
}

// SSHBackend runs the launcher script of a remote installation:
//
//	$BATCH_HOME/libexec/execute.sh <main> <batch> <flow> <execution> <arguments> [-D k=v ...]
type SSHBackend struct {
	runner  Runner
	env     map[string]string
	props   map[string]string
	cleanup bool
	poll    time.Duration
	logger  lg.Logger
}

// NewSSHBackend reads ssh.*, env.*, prop.* and cleanup from conf.
func NewSSHBackend(conf map[string]string, r *profile.Resolver, opts ...Option) (*SSHBackend, error) {
	o := newOptions(opts)
	logger := o.logger.With(lg.String("backend", string(KindSSH)))
	cfg, err := sshexec.ParseConfig(conf, r)
	if err != nil {
		return nil, err
	}
	exec, err := sshexec.New(cfg, sshexec.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	b, err := newSSHBackend(conf, r, exec, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("ssh backend configured",
		lg.String("user", cfg.User),
		lg.String("host", cfg.Host),
		lg.Int("port", cfg.Port),
		lg.Bool("cleanup", b.cleanup))
	return b, nil
}

func newSSHBackend(conf map[string]string, r *profile.Resolver, runner Runner, logger lg.Logger) (*SSHBackend, error) {
	if r == nil {
		r = profile.NewResolver(nil)
	}
	env, err := resolveSection(conf, KeyEnvPrefix, r)
	if err != nil {
		return nil, err
	}
	props, err := resolveSection(conf, KeyPropPrefix, r)
	if err != nil {
		return nil, err
	}
	cleanup, err := parseBool(conf, KeyCleanup, r, true)
	if err != nil {
		return nil, err
	}
	return &SSHBackend{
		runner:  runner,
		env:     env,
		props:   props,
		cleanup: cleanup,
		poll:    sshexec.PollInterval,
		logger:  logger,
	}, nil
}

func (b *SSHBackend) Kind() Kind { return KindSSH }

func (b *SSHBackend) Close() error { return nil }

func (b *SSHBackend) Execute(ctx context.Context, mon monitor.Monitor, w work.Description) error {
	mon.Open(1)
	defer mon.Close()
	return b.execute(ctx, mon, w)
}

// CleanUp runs the cleanup unit unless it was disabled in the profile.
func (b *SSHBackend) CleanUp(ctx context.Context, mon monitor.Monitor, w work.Description) error {
	mon.Open(1)
	defer mon.Close()
	if !b.cleanup {
		b.logger.Info("cleanup is disabled, skipped", lg.String("work", w.String()))
		return nil
	}
	b.logger.Info("starting cleanup", lg.String("work", w.String()))
	return b.execute(ctx, mon, w.Cleanup())
}

func (b *SSHBackend) execute(ctx context.Context, mon monitor.Monitor, w work.Description) error {
	env := work.Merge(b.env, w.Environment)
	tokens, err := b.command(w, env)
	if err != nil {
		return err
	}
	if err := mon.CheckCancelled(); err != nil {
		return err
	}

	ctx, cancel := watch(ctx, mon, b.poll)
	defer cancel()
	logger := b.logger.With(lg.String("work", w.String()))
	logger.Info("running command", lg.Int("blobs", len(w.Extensions)))
	code, err := b.runner.Execute(ctx, tokens, env, sshexec.BlobsOf(w.Extensions), mon.Output())
	if err != nil {
		if cerr := mon.CheckCancelled(); cerr != nil {
			return cerr
		}
		return err
	}
	if code != 0 {
		logger.Error("command failed", lg.Int("exitCode", code))
		return &failure.ExitCodeError{Code: code, Detail: w.String()}
	}
	mon.Progressed(1)
	return nil
}

func (b *SSHBackend) command(w work.Description, env map[string]string) ([]string, error) {
	home := env[EnvBatchHome]
	if home == "" {
		return nil, &profile.ConfigError{Key: KeyEnvPrefix + EnvBatchHome, Reason: "installation path is not known"}
	}
	launcher := home + "/" + ExecutePath
	if strings.HasSuffix(home, "/") {
		launcher = home + ExecutePath
	}
	tokens := []string{
		launcher,
		w.MainReference,
		w.BatchID,
		w.FlowID,
		w.ExecutionID,
		w.ArgumentsString(),
	}

	props := work.Merge(b.props, w.Properties)
	props[PropTrackingID] = trackingID(w)
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		tokens = append(tokens, "-D", k+"="+props[k])
	}
	return tokens, nil
}

func trackingID(w work.Description) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", w.BatchID, w.FlowID, w.ExecutionID, w.Phase, w.StageID)
}

// watch derives a context that is cancelled once mon reports cancellation.
func watch(ctx context.Context, mon monitor.Monitor, every time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if mon.CheckCancelled() != nil {
					cancel()
					return
				}
			}
		}
	}()
	return ctx, cancel
}
