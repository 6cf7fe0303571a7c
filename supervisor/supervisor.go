// Copyright 2026 The Lanternview Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/lanternview/lanternview/control"
	"github.com/lanternview/lanternview/lib/clock"
	"github.com/lanternview/lanternview/lib/plugindigest"
	"github.com/lanternview/lanternview/lib/shmem"
	"github.com/lanternview/lanternview/lib/wire"
)

// restartBackoffBase is the delay before the first respawn attempt;
// each consecutive failure doubles it.
const restartBackoffBase = 250 * time.Millisecond

// controlFD is the file descriptor number the codec host inherits its
// control connection on: the first entry of ExtraFiles, after stdin,
// stdout, stderr.
const controlFD = 3

var (
	// ErrShuttingDown is returned for requests issued after Shutdown.
	ErrShuttingDown = errors.New("supervisor is shutting down")

	// ErrFailed is returned when the codec host could not be started
	// within the retry bound. Environment-level: the binary is missing,
	// not executable, or dies before completing a handshake.
	ErrFailed = errors.New("codec host failed permanently")
)

// Options configures a Supervisor.
type Options struct {
	// Binary is the codec host executable path. Required.
	Binary string

	// Args are extra arguments passed to the host.
	Args []string

	// Env is the host's environment; nil inherits the supervisor's.
	Env []string

	// Plugins are decoder plugin files loaded into the host after
	// every (re)start, in order.
	Plugins []string

	// RequestTimeout bounds each control-channel request.
	RequestTimeout time.Duration

	// ShutdownGrace is the wait for orderly host exit before SIGKILL.
	ShutdownGrace time.Duration

	// RestartAttempts bounds consecutive failed start cycles before
	// the supervisor gives up, and is the blacklist threshold handed
	// to NewBlacklist by callers.
	RestartAttempts int

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// pluginRoute maps a file extension to a loaded plugin in the current
// host generation.
type pluginRoute struct {
	id     uint32
	digest plugindigest.Digest
	name   string
}

// Supervisor runs and replaces the codec host process. Construct with
// New, call Start once, and Shutdown exactly once when done.
type Supervisor struct {
	options   Options
	blacklist *Blacklist
	clk       clock.Clock
	logger    *slog.Logger

	// runCtx is the lifetime context captured by Start; respawn
	// handshakes run under it so Shutdown or caller cancellation also
	// stops the restart machinery.
	runCtx context.Context

	mu           sync.Mutex
	state        State
	stateChanged chan struct{}
	generation   int
	handledGen   int
	channel      *control.Channel
	proc         *os.Process
	exited       chan struct{}
	routes       map[string]pluginRoute
	liveBuffers  map[string]struct{}
	failures     int
	terminalErr  error

	digestCache map[string]plugindigest.Digest
}

// New creates a Supervisor. The blacklist is shared with the transfer
// orchestrator, which consults it before dispatch.
func New(options Options, blacklist *Blacklist) *Supervisor {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Supervisor{
		options:      options,
		blacklist:    blacklist,
		clk:          options.Clock,
		logger:       options.Logger,
		state:        StateStarting,
		stateChanged: make(chan struct{}),
		routes:       make(map[string]pluginRoute),
		liveBuffers:  make(map[string]struct{}),
		digestCache:  make(map[string]plugindigest.Digest),
	}
}

// Blacklist returns the shared decoder blacklist.
func (s *Supervisor) Blacklist() *Blacklist { return s.blacklist }

// Start spawns the first codec host and blocks until it is Ready or
// the first start attempt fails. Later crashes are handled in the
// background; ctx bounds the supervisor's whole lifetime.
func (s *Supervisor) Start(ctx context.Context) error {
	s.runCtx = ctx
	if err := s.spawn(); err != nil {
		return fmt.Errorf("starting codec host: %w", err)
	}
	return nil
}

// State returns the current lifecycle state, deriving Busy from the
// outstanding request count.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateReady && s.channel != nil && s.channel.Outstanding() > 0 {
		return StateBusy
	}
	return s.state
}

// PluginFor resolves a file extension (with or without leading dot,
// any case) to the loaded plugin handling it. The returned id is only
// meaningful against the current host generation; a stale id after a
// restart is answered by the host with a PluginNotFound error, which
// callers surface as a normal request failure.
func (s *Supervisor) PluginFor(extension string) (uint32, plugindigest.Digest, bool) {
	key := strings.ToLower(strings.TrimPrefix(extension, "."))
	s.mu.Lock()
	defer s.mu.Unlock()
	route, ok := s.routes[key]
	if !ok {
		return 0, plugindigest.Digest{}, false
	}
	return route.id, route.digest, true
}

// Do sends one request to the codec host, waiting through a restart if
// one is in progress. decoder attributes a timeout or crash during the
// request to a blacklist identity; pass the zero digest for requests
// with no decoder attribution (Ping, Shutdown, ReleaseBuffer).
//
// A timeout does not merely abandon the request: the host cannot be
// trusted to recover on its own, so it is forcibly terminated and the
// failure is charged to the decoder.
func (s *Supervisor) Do(ctx context.Context, decoder plugindigest.Digest, request wire.Request) (wire.Response, error) {
	channel, generation, err := s.acquireChannel(ctx)
	if err != nil {
		return nil, err
	}

	response, err := channel.Send(ctx, request)
	switch {
	case err == nil:
		if imageReady, ok := response.(wire.ImageReady); ok {
			s.trackBuffer(imageReady.BufferName)
		}
		return response, nil

	case errors.Is(err, control.ErrTimeout):
		if decoder != (plugindigest.Digest{}) {
			failures := s.blacklist.RecordFailure(decoder)
			s.logger.Warn("request timed out, charging decoder",
				"decoder", decoder, "consecutive_failures", failures)
		}
		s.terminate(generation, "request timeout")
		return nil, err

	case errors.Is(err, control.ErrConnectionLost):
		if decoder != (plugindigest.Digest{}) {
			failures := s.blacklist.RecordFailure(decoder)
			s.logger.Warn("host died during request, charging decoder",
				"decoder", decoder, "consecutive_failures", failures)
		}
		return nil, err

	default:
		// Caller cancellation. The request is already removed from
		// the pending table; a late response is discarded.
		return nil, err
	}
}

// ReleaseBuffer tells the host to reclaim a shared buffer after the
// transfer consuming it has finished. Best-effort: if the host is
// gone, the crash sweep unlinks the region instead.
func (s *Supervisor) ReleaseBuffer(ctx context.Context, name string) {
	s.mu.Lock()
	delete(s.liveBuffers, name)
	s.mu.Unlock()

	if _, err := s.Do(ctx, plugindigest.Digest{}, wire.ReleaseBuffer{BufferName: name}); err != nil {
		s.logger.Debug("release not delivered, unlinking locally",
			"buffer", name, "error", err)
		if unlinkErr := shmem.Unlink(name); unlinkErr != nil {
			s.logger.Debug("local unlink failed", "buffer", name, "error", unlinkErr)
		}
	}
}

// discardedResponse reclaims the shared region named by an ImageReady
// whose request was already abandoned by timeout or cancellation. No
// caller will ever observe the announcement, so nothing else releases
// the buffer: the host is asked to drop its mapping, and the name is
// unlinked here whatever the host's fate.
func (s *Supervisor) discardedResponse(response wire.Response) {
	imageReady, ok := response.(wire.ImageReady)
	if !ok {
		return
	}
	name := imageReady.BufferName
	s.logger.Debug("reclaiming buffer from abandoned request", "buffer", name)
	s.trackBuffer(name)

	// Runs on the channel's receive loop; sending the release from
	// there would deadlock on its own response.
	go func() {
		ctx := s.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		s.ReleaseBuffer(ctx, name)
		// The release round trip can land on a later host generation
		// that never saw the name, so the unlink must not depend on it.
		if err := shmem.Unlink(name); err != nil {
			s.logger.Debug("unlinking abandoned buffer failed", "buffer", name, "error", err)
		}
	}()
}

// Shutdown performs the orderly stop: Shutdown request, wait for the
// acknowledgment and for observed process exit within the grace
// period, then unconditional kill. All tracked shared buffers are
// unlinked. Safe to call once; requests issued after it fail with
// ErrShuttingDown.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateShuttingDown {
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateShuttingDown)
	s.terminalErr = ErrShuttingDown
	channel := s.channel
	exited := s.exited
	s.mu.Unlock()

	if channel != nil {
		// ShutdownAck alone does not complete the shutdown: the host
		// must also actually exit within the grace period. A host that
		// acknowledges and then lingers is escalated like any other
		// unresponsive process.
		response, err := channel.Send(ctx, wire.Shutdown{})
		if err != nil {
			s.logger.Debug("shutdown request not answered", "error", err)
		} else if _, ok := response.(wire.ShutdownAck); !ok {
			s.logger.Warn("unexpected response to shutdown", "response", fmt.Sprintf("%T", response))
		}
	}

	if exited != nil {
		select {
		case <-exited:
		case <-s.clk.After(s.options.ShutdownGrace):
			s.logger.Warn("host did not exit within grace period, killing")
			s.mu.Lock()
			s.killLocked()
			s.mu.Unlock()
			select {
			case <-exited:
			case <-ctx.Done():
			}
		case <-ctx.Done():
			s.mu.Lock()
			s.killLocked()
			s.mu.Unlock()
		}
	}

	if channel != nil {
		channel.Close()
	}

	s.mu.Lock()
	s.sweepBuffersLocked()
	s.mu.Unlock()
	return nil
}

// acquireChannel returns the live channel, queueing while the host is
// between generations (Starting, Restarting, Unresponsive, Crashed)
// until Ready is reached, the retry bound is exhausted, or ctx ends.
func (s *Supervisor) acquireChannel(ctx context.Context) (*control.Channel, int, error) {
	for {
		s.mu.Lock()
		switch {
		case s.state == StateReady:
			channel, generation := s.channel, s.generation
			changed := s.stateChanged
			s.mu.Unlock()
			select {
			case <-channel.Done():
				// The host died but the monitor has not transitioned
				// the state yet. Sending now would misattribute a
				// connection-lost failure to a request that was never
				// delivered, so wait for the transition instead.
				select {
				case <-changed:
				case <-ctx.Done():
					return nil, 0, ctx.Err()
				}
				continue
			default:
			}
			return channel, generation, nil
		case s.state.terminal():
			err := s.terminalErr
			s.mu.Unlock()
			if err == nil {
				err = ErrShuttingDown
			}
			return nil, 0, err
		}
		changed := s.stateChanged
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
}

// spawn starts one host generation: socketpair, fork/exec with
// lifetime containment, control channel, then the Ping handshake and
// plugin loads. Called for the initial start and for every restart.
func (s *Supervisor) spawn() error {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return s.terminalErr
	}
	s.setStateLocked(StateStarting)
	s.generation++
	generation := s.generation
	s.routes = make(map[string]pluginRoute)
	s.mu.Unlock()

	conn, childFile, err := controlSocketpair()
	if err != nil {
		return s.startFailed(generation, fmt.Errorf("creating control socketpair: %w", err))
	}

	cmd := exec.Command(s.options.Binary, s.options.Args...)
	cmd.Env = s.options.Env
	cmd.Stderr = os.Stderr // host logs interleave with ours
	cmd.ExtraFiles = []*os.File{childFile}
	cmd.SysProcAttr = &unix.SysProcAttr{
		// New process group so forced termination reaps any children
		// the host's plugins spawn, and kernel-enforced lifetime
		// binding: the host cannot outlive the supervisor.
		Setpgid:   true,
		Pdeathsig: unix.SIGKILL,
	}

	if err := cmd.Start(); err != nil {
		conn.Close()
		childFile.Close()
		return s.startFailed(generation, fmt.Errorf("spawning %s: %w", s.options.Binary, err))
	}
	// The child holds its own copy of the descriptor now.
	childFile.Close()

	channel := control.New(conn, s.clk, s.logger, s.options.RequestTimeout, s.discardedResponse)
	exited := make(chan struct{})

	s.mu.Lock()
	s.channel = channel
	s.proc = cmd.Process
	s.exited = exited
	s.mu.Unlock()

	s.logger.Info("codec host spawned", "pid", cmd.Process.Pid, "generation", generation)

	go func() {
		err := cmd.Wait()
		close(exited)
		s.hostGone(generation, fmt.Errorf("process exited: %v", err))
	}()
	go func() {
		<-channel.Done()
		s.hostGone(generation, errors.New("control connection lost"))
	}()

	if err := s.handshake(generation, channel); err != nil {
		s.terminate(generation, "handshake failed")
		return err
	}
	return nil
}

// handshake verifies liveness with Ping and loads the configured
// plugins. Routes are installed and the state becomes Ready only when
// every step completes.
func (s *Supervisor) handshake(generation int, channel *control.Channel) error {
	ctx := s.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	response, err := channel.Send(ctx, wire.Ping{})
	if err != nil {
		return fmt.Errorf("ping handshake: %w", err)
	}
	if _, ok := response.(wire.Pong); !ok {
		return fmt.Errorf("ping answered with %T: %w", response, wire.ErrMalformedMessage)
	}

	routes := make(map[string]pluginRoute)
	for _, path := range s.options.Plugins {
		digest, err := s.pluginDigest(path)
		if err != nil {
			s.logger.Warn("skipping unreadable plugin", "plugin", path, "error", err)
			continue
		}
		if s.blacklist.IsBlacklisted(digest) {
			s.logger.Warn("skipping blacklisted plugin", "plugin", path, "decoder", digest)
			continue
		}

		response, err := channel.Send(ctx, wire.LoadPlugin{Path: path})
		if err != nil {
			return fmt.Errorf("loading plugin %s: %w", path, err)
		}
		switch loaded := response.(type) {
		case wire.PluginLoaded:
			for _, extension := range loaded.Extensions {
				key := strings.ToLower(extension)
				if _, taken := routes[key]; taken {
					continue // first plugin wins an extension
				}
				routes[key] = pluginRoute{id: loaded.PluginID, digest: digest, name: loaded.Name}
			}
			s.logger.Info("plugin loaded",
				"plugin", filepath.Base(path), "name", loaded.Name,
				"extensions", loaded.Extensions, "id", loaded.PluginID)
		case wire.Error:
			s.logger.Warn("host rejected plugin",
				"plugin", path, "code", loaded.Code, "detail", loaded.Message)
		default:
			return fmt.Errorf("plugin load answered with %T: %w", response, wire.ErrMalformedMessage)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation || s.state.terminal() {
		return errors.New("superseded during handshake")
	}
	s.routes = routes
	s.failures = 0
	s.setStateLocked(StateReady)
	s.logger.Info("codec host ready", "generation", generation, "extensions", len(routes))
	return nil
}

// pluginDigest hashes a plugin file once and caches the identity.
func (s *Supervisor) pluginDigest(path string) (plugindigest.Digest, error) {
	s.mu.Lock()
	digest, ok := s.digestCache[path]
	s.mu.Unlock()
	if ok {
		return digest, nil
	}

	digest, err := plugindigest.HashFile(path)
	if err != nil {
		return plugindigest.Digest{}, err
	}
	s.mu.Lock()
	s.digestCache[path] = digest
	s.mu.Unlock()
	return digest, nil
}

// terminate forcibly kills the given generation's process. The exit
// notification then drives hostGone and the restart path.
func (s *Supervisor) terminate(generation int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if generation != s.generation || s.state.terminal() {
		return
	}
	s.logger.Warn("terminating codec host", "reason", reason, "generation", generation)
	s.setStateLocked(StateUnresponsive)
	s.killLocked()
}

// hostGone handles the death of a host generation, from either the
// process-exit notification or the control connection breaking.
// Whichever is observed first wins; the other is a stale no-op.
func (s *Supervisor) hostGone(generation int, cause error) {
	s.mu.Lock()

	if generation != s.generation || generation <= s.handledGen || s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.handledGen = generation

	s.logger.Warn("codec host gone", "generation", generation, "cause", cause)
	if s.state != StateUnresponsive {
		s.setStateLocked(StateCrashed)
	}

	channel := s.channel
	s.killLocked()
	s.channel = nil
	s.proc = nil
	s.sweepBuffersLocked()
	s.routes = make(map[string]pluginRoute)
	s.failures++

	if s.failures >= s.options.RestartAttempts {
		s.terminalErr = fmt.Errorf("%d consecutive start failures: %w", s.failures, ErrFailed)
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		if channel != nil {
			channel.Close()
		}
		s.logger.Error("codec host failed permanently", "failures", s.options.RestartAttempts)
		return
	}

	delay := restartBackoffBase << (s.failures - 1)
	s.setStateLocked(StateRestarting)
	s.mu.Unlock()

	if channel != nil {
		channel.Close()
	}

	s.logger.Info("restarting codec host", "backoff", delay, "attempt", s.failures)
	go func() {
		ctx := s.runCtx
		if ctx == nil {
			ctx = context.Background()
		}
		select {
		case <-s.clk.After(delay):
		case <-ctx.Done():
			return
		}
		if err := s.spawn(); err != nil {
			s.logger.Error("respawn failed", "error", err)
		}
	}()
}

// startFailed records a failed spawn attempt that never produced a
// process, reusing the crash bookkeeping for the retry bound.
func (s *Supervisor) startFailed(generation int, cause error) error {
	s.hostGone(generation, cause)
	return cause
}

// killLocked kills the whole host process group. SIGKILL, not
// SIGTERM: an unresponsive host may be wedged inside native code with
// signal handlers in unknown condition.
func (s *Supervisor) killLocked() {
	if s.proc == nil {
		return
	}
	pid := s.proc.Pid
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		// Group kill can fail if the child died before Setpgid took
		// effect; fall back to the direct pid.
		_ = s.proc.Kill()
	}
}

// sweepBuffersLocked unlinks every shared buffer the dead host left
// behind. Their creating Buffer objects died with the host, so the
// names must be removed here or they leak until reboot.
func (s *Supervisor) sweepBuffersLocked() {
	for name := range s.liveBuffers {
		if err := shmem.Unlink(name); err != nil {
			s.logger.Debug("sweeping stale buffer failed", "buffer", name, "error", err)
		}
	}
	s.liveBuffers = make(map[string]struct{})
}

func (s *Supervisor) trackBuffer(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.liveBuffers[name] = struct{}{}
}

// setStateLocked transitions the state and wakes every waiter.
func (s *Supervisor) setStateLocked(next State) {
	s.state = next
	close(s.stateChanged)
	s.stateChanged = make(chan struct{})
}

// controlSocketpair creates the connected pair carrying the control
// protocol: a net.Conn for the supervisor and the file the child
// inherits on descriptor 3.
func controlSocketpair() (net.Conn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, err
	}

	parentFile := os.NewFile(uintptr(fds[0]), "control-parent")
	childFile := os.NewFile(uintptr(fds[1]), "control-child")

	conn, err := net.FileConn(parentFile)
	parentFile.Close() // FileConn duplicated the descriptor
	if err != nil {
		childFile.Close()
		return nil, nil, err
	}
	return conn, childFile, nil
}
