package dast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/config"
)

// Session is a running daemon owned by exactly one scan
type Session interface {
	API() ScannerAPI
	Close() error
}

// Launcher brings up a fresh daemon
type Launcher interface {
	Launch(ctx context.Context) (Session, error)
}

// DaemonStartupError means the daemon could not be started or reached
type DaemonStartupError struct {
	Attempts int
	Err      error
}

func (e *DaemonStartupError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("scanning daemon unreachable after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("scanning daemon failed to start: %v", e.Err)
}

func (e *DaemonStartupError) Unwrap() error { return e.Err }

// ZapLauncher starts the daemon as a child process
type ZapLauncher struct {
	cfg    config.DASTConfig
	logger *zap.Logger

	killStrays func(ctx context.Context) int
}

func NewZapLauncher(cfg config.DASTConfig, logger *zap.Logger) *ZapLauncher {
	l := &ZapLauncher{cfg: cfg, logger: logger}
	l.killStrays = func(ctx context.Context) int { return killStrayDaemons(ctx, logger) }
	return l
}

// Launch kills leftovers, picks a port, starts the daemon with a fresh API
// key and waits until its API answers.
func (l *ZapLauncher) Launch(ctx context.Context) (Session, error) {
	if n := l.killStrays(ctx); n > 0 {
		l.logger.Warn("killed stray daemon processes", zap.Int("count", n))
	}

	port, err := freePort(l.cfg.Host, l.cfg.PortMin, l.cfg.PortMax)
	if err != nil {
		return nil, &DaemonStartupError{Err: err}
	}
	dir, err := os.MkdirTemp("", "yoro-zap-")
	if err != nil {
		return nil, &DaemonStartupError{Err: fmt.Errorf("create work dir: %w", err)}
	}
	key := uuid.NewString()

	cmd := exec.Command(l.cfg.ZapPath, daemonArgs(l.cfg.Host, port, dir, key)...)
	logFile, err := os.Create(filepath.Join(dir, "daemon.out"))
	if err == nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		os.RemoveAll(dir)
		return nil, &DaemonStartupError{Err: fmt.Errorf("start %s: %w", l.cfg.ZapPath, err)}
	}

	client := NewClient(l.cfg.Host, port, key)
	if l.cfg.SpiderMaxDepth > 0 {
		client.MaxDepth = l.cfg.SpiderMaxDepth
	}
	s := &daemonSession{
		cmd:     cmd,
		dir:     dir,
		logFile: logFile,
		client:  client,
		logger:  l.logger.With(zap.Int("port", port)),
		exited:  make(chan struct{}),
	}
	go func() {
		s.waitErr = cmd.Wait()
		close(s.exited)
	}()
	s.logger.Info("daemon launched", zap.Int("pid", cmd.Process.Pid), zap.String("dir", dir))

	if err := l.connect(ctx, s); err != nil {
		s.Close()
		return nil, err
	}
	if err := client.Configure(ctx); err != nil {
		s.Close()
		return nil, &DaemonStartupError{Err: fmt.Errorf("configure: %w", err)}
	}
	return s, nil
}

func (l *ZapLauncher) connect(ctx context.Context, s *daemonSession) error {
	wait := l.cfg.StartupGrace
	var lastErr error
	for attempt := 1; attempt <= l.cfg.ConnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return &DaemonStartupError{Attempts: attempt - 1, Err: ctx.Err()}
		case <-s.exited:
			return &DaemonStartupError{Attempts: attempt - 1, Err: fmt.Errorf("daemon exited: %v", s.waitErr)}
		case <-time.After(wait):
		}
		wait = l.cfg.ConnectBackoff

		version, err := s.client.Version(ctx)
		if err == nil {
			s.logger.Info("daemon ready", zap.String("version", version), zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		s.logger.Debug("daemon not ready", zap.Int("attempt", attempt), zap.Error(err))
	}
	if lastErr == nil {
		lastErr = errors.New("no connection attempts made")
	}
	return &DaemonStartupError{Attempts: l.cfg.ConnectAttempts, Err: lastErr}
}

func daemonArgs(host string, port int, dir, key string) []string {
	args := []string{
		"-daemon",
		"-host", host,
		"-port", strconv.Itoa(port),
		"-dir", dir,
	}
	settings := []string{
		"api.key=" + key,
		"api.addrs.addr.name=.*",
		"api.addrs.addr.regex=true",
		"database.recoverylog=false",
		"connection.timeoutInSecs=60",
		"scanner.attackStrength=HIGH",
		"scanner.alertThreshold=LOW",
		"scanner.threadPerHost=10",
		"scanner.maxResultsToList=0",
		"pscans.maxAlertsPerRule=0",
		"ajaxSpider.browserId=firefox-headless",
	}
	for _, s := range settings {
		args = append(args, "-config", s)
	}
	return args
}

type daemonSession struct {
	cmd     *exec.Cmd
	dir     string
	logFile *os.File
	client  *Client
	logger  *zap.Logger

	exited  chan struct{}
	waitErr error

	once sync.Once
}

func (s *daemonSession) API() ScannerAPI { return s.client }

// Close asks the daemon to shut down, kills it if it lingers and removes
// its work directory. Safe to call more than once and from any goroutine.
func (s *daemonSession) Close() error {
	s.once.Do(func() {
		select {
		case <-s.exited:
		default:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = s.client.Shutdown(ctx)
			cancel()
			select {
			case <-s.exited:
			case <-time.After(5 * time.Second):
				_ = s.cmd.Process.Kill()
				<-s.exited
			}
		}
		if s.logFile != nil {
			s.logFile.Close()
		}
		if err := os.RemoveAll(s.dir); err != nil {
			s.logger.Warn("remove daemon dir", zap.Error(err))
		}
		s.logger.Info("daemon stopped")
	})
	return nil
}

// freePort returns the first port in [lo, hi] that can be bound on host
func freePort(host string, lo, hi int) (int, error) {
	for p := lo; p <= hi; p++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err != nil {
			continue
		}
		ln.Close()
		return p, nil
	}
	return 0, fmt.Errorf("no free port in %d-%d", lo, hi)
}

func isDaemonCmdline(cmdline string) bool {
	l := strings.ToLower(cmdline)
	if !strings.Contains(l, "-daemon") {
		return false
	}
	return strings.Contains(l, "zap.sh") ||
		strings.Contains(l, "org.zaproxy") ||
		(strings.Contains(l, "zap-") && strings.Contains(l, ".jar"))
}

func killStrayDaemons(ctx context.Context, logger *zap.Logger) int {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		logger.Debug("list processes", zap.Error(err))
		return 0
	}
	self := int32(os.Getpid())
	killed := 0
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || !isDaemonCmdline(cmdline) {
			continue
		}
		if err := p.KillWithContext(ctx); err != nil {
			logger.Warn("kill stray daemon", zap.Int32("pid", p.Pid), zap.Error(err))
			continue
		}
		killed++
	}
	return killed
}
