package sshexec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/crypto/ssh"

	"github.com/andrej220/batchexec/internal/lg"
	"github.com/andrej220/batchexec/pkg/failure"
	"github.com/andrej220/batchexec/pkg/profile"
	"github.com/andrej220/batchexec/pkg/shell"
)

// Executor runs one command per call on a fixed remote host. Connections are
// never reused between calls.
type Executor struct {
	cfg       Config
	signer    ssh.Signer
	breaker   *gobreaker.CircuitBreaker
	timeout   time.Duration
	keepAlive time.Duration
	poll      time.Duration
	logger    lg.Logger
}

type Option func(*Executor)

func WithLogger(l lg.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithKeepAliveInterval(d time.Duration) Option {
	return func(e *Executor) { e.keepAlive = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(e *Executor) { e.poll = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

// New loads the private key of cfg. It does not connect.
func New(cfg *Config, opts ...Option) (*Executor, error) {
	pem, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, &profile.ConfigError{Key: KeyPrivateKey, Value: cfg.PrivateKeyPath, Reason: "failed to read private key", Err: err}
	}
	var signer ssh.Signer
	if cfg.PassPhrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(cfg.PassPhrase))
	} else {
		signer, err = ssh.ParsePrivateKey(pem)
	}
	if err != nil {
		return nil, &profile.ConfigError{Key: KeyPrivateKey, Value: cfg.PrivateKeyPath, Reason: "failed to parse private key", Err: err}
	}

	e := &Executor{
		cfg:       *cfg,
		signer:    signer,
		timeout:   ConnectTimeout,
		keepAlive: KeepAliveInterval,
		poll:      PollInterval,
		logger:    lg.Discard,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ssh " + e.address(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit breaker state changed",
				lg.String("breaker", name), lg.String("from", from.String()), lg.String("to", to.String()))
		},
	})
	return e, nil
}

func (e *Executor) address() string {
	return net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
}

func (e *Executor) Config() Config { return e.cfg }

// Execute stages blobs, runs tokens with env on the remote host and returns
// the remote exit status. Output of the command goes to out.
func (e *Executor) Execute(ctx context.Context, tokens []string, env map[string]string, blobs []Blob, out io.Writer) (int, error) {
	if out == nil {
		out = io.Discard
	}
	logger := e.logger.With(lg.String("user", e.cfg.User), lg.String("address", e.address()))

	client, err := e.dial(ctx)
	if err != nil {
		return -1, e.transportError(err)
	}
	defer func() {
		if err := client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			logger.Debug("failed to close SSH connection", lg.Err(err))
		}
	}()
	stop := make(chan struct{})
	defer close(stop)
	go e.keepAlives(client, stop, logger)

	env = maps.Clone(env)
	if env == nil {
		env = make(map[string]string)
	}
	for _, blob := range blobs {
		remote := RemotePath(e.cfg.BlobPrefix, blob.Name())
		logger.Info("staging blob", lg.String("blob", blob.Name()), lg.String("path", remote))
		if err := stage(client, blob, remote); err != nil {
			return -1, e.transportError(err)
		}
		env[BlobEnvName(blob.Name())] = remote
	}

	command := shell.BuildCommand(tokens, env, logger)
	logger.Debug("starting command", lg.String("command", command))

	session, err := client.NewSession()
	if err != nil {
		return -1, e.transportError(fmt.Errorf("failed to open session: %w", err))
	}
	defer session.Close()
	sink := &syncWriter{w: out}
	session.Stdout = sink
	session.Stderr = sink
	if err := session.Start(command); err != nil {
		return -1, e.transportError(fmt.Errorf("failed to start command: %w", err))
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			code, err := exitStatus(err)
			if err != nil {
				return -1, e.transportError(err)
			}
			logger.Info("command finished", lg.Int("exitCode", code), lg.Duration("elapsed", time.Since(start)))
			return code, nil
		case <-ticker.C:
			if ctx.Err() != nil {
				logger.Info("command cancelled", lg.Duration("elapsed", time.Since(start)))
				_ = session.Signal(ssh.SIGKILL)
				_ = session.Close()
				return -1, fmt.Errorf("%w: %v", failure.ErrCancelled, ctx.Err())
			}
		}
	}
}

func (e *Executor) transportError(err error) error {
	if errors.Is(err, failure.ErrCancelled) {
		return err
	}
	return &failure.TransportError{
		User:    e.cfg.User,
		Host:    e.cfg.Host,
		Port:    e.cfg.Port,
		KeyPath: e.cfg.PrivateKeyPath,
		Err:     err,
	}
}

func (e *Executor) dial(ctx context.Context) (*ssh.Client, error) {
	res, err := e.breaker.Execute(func() (any, error) {
		return e.connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*ssh.Client), nil
}

func (e *Executor) connect(ctx context.Context) (*ssh.Client, error) {
	config := &ssh.ClientConfig{
		User:            e.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(e.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.timeout,
		BannerCallback:  func(string) error { return nil },
	}
	addr := e.address()
	dialer := net.Dialer{Timeout: e.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(e.timeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (e *Executor) keepAlives(client *ssh.Client, stop <-chan struct{}, logger lg.Logger) {
	t := time.NewTicker(e.keepAlive)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				logger.Debug("keep-alive failed", lg.Err(err))
				return
			}
		}
	}
}

// stage copies blob to remotePath over a dedicated "scp -t" session.
func stage(client *ssh.Client, blob Blob, remotePath string) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open transfer session: %w", err)
	}
	defer session.Close()
	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	if err := session.Start("scp -t " + shell.Quote(remotePath)); err != nil {
		return fmt.Errorf("failed to start transfer: %w", err)
	}
	if err := sendBlob(stdin, stdout, blob, remotePath); err != nil {
		return err
	}
	stdin.Close()
	if err := session.Wait(); err != nil {
		return &failure.TransferError{Blob: blob.Name(), Path: remotePath, Message: "receiver failed", Err: err}
	}
	return nil
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	var missing *ssh.ExitMissingError
	if errors.As(err, &missing) {
		return -1, fmt.Errorf("remote command exited without status: %w", err)
	}
	return -1, err
}

// syncWriter serializes writes of the stdout and stderr copiers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
