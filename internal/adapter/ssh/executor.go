// Package ssh drives remote job execution on GPU nodes. Nodes are not
// routable from the dispatch server; every session is tunneled through a
// bastion host over a direct-tcpip channel, with a second SSH handshake to
// the node on top of it. Launched workloads are detached from the session so
// a transport drop never kills a running job.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/fairyhunter13/gpu-dispatch/internal/adapter/observability"
	"github.com/fairyhunter13/gpu-dispatch/internal/config"
	"github.com/fairyhunter13/gpu-dispatch/internal/domain"
)

const (
	healthcheckTimeout = 5 * time.Second
	connectRetryDelay  = 2 * time.Second
)

// Client implements domain.Executor for one node. A worker owns its client
// for the life of the process and uses it sequentially; the cancel path opens
// short-lived clients of its own.
type Client struct {
	cfg    config.Config
	nodeID int

	mu      sync.Mutex
	bastion *ssh.Client
	node    *ssh.Client
	stop    chan struct{}
}

// NewClient builds a disconnected executor for nodeID.
func NewClient(cfg config.Config, nodeID int) *Client {
	return &Client{cfg: cfg, nodeID: nodeID}
}

// NewFactory adapts NewClient to the domain.ExecutorFactory shape.
func NewFactory(cfg config.Config) domain.ExecutorFactory {
	return func(nodeID int) domain.Executor { return NewClient(cfg, nodeID) }
}

// NodeID returns the node this executor talks to.
func (c *Client) NodeID() int { return c.nodeID }

// Connect opens bastion and node sessions, retrying the whole handshake with
// a fixed delay. Both sessions get application-layer keepalives; the bastion
// socket also gets OS TCP keepalive.
func (c *Client) Connect(ctx domain.Context) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.SSHRetries; attempt++ {
		if err := c.connectOnce(); err != nil {
			lastErr = err
			slog.Warn("ssh connect attempt failed",
				slog.Int("node_id", c.nodeID),
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", c.cfg.SSHRetries),
				slog.Any("error", err))
			if attempt < c.cfg.SSHRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(connectRetryDelay):
				}
			}
			continue
		}
		slog.Info("ssh connected", slog.Int("node_id", c.nodeID), slog.String("node_addr", c.cfg.NodeAddr(c.nodeID)))
		return nil
	}
	return fmt.Errorf("op=ssh.connect: node %d after %d attempts: %w", c.nodeID, c.cfg.SSHRetries, lastErr)
}

func (c *Client) connectOnce() error {
	auth, err := c.bastionAuth()
	if err != nil {
		return err
	}
	bastionAddr := hostPort(c.cfg.BastionHost)
	raw, err := net.DialTimeout("tcp", bastionAddr, c.cfg.SSHTimeout)
	if err != nil {
		return fmt.Errorf("op=ssh.dial_bastion: %w", err)
	}
	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(c.cfg.SSHKeepalive)
	}
	bconf := &ssh.ClientConfig{
		User:            c.cfg.BastionUser,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // nodes live on a private segment behind the bastion
		Timeout:         c.cfg.SSHTimeout,
	}
	bconn, bchans, breqs, err := ssh.NewClientConn(raw, bastionAddr, bconf)
	if err != nil {
		_ = raw.Close()
		return fmt.Errorf("op=ssh.handshake_bastion: %w", err)
	}
	bastion := ssh.NewClient(bconn, bchans, breqs)

	nodeAddr := c.cfg.NodeAddr(c.nodeID)
	tunnel, err := bastion.Dial("tcp", nodeAddr)
	if err != nil {
		_ = bastion.Close()
		return fmt.Errorf("op=ssh.open_tunnel: node %d: %w", c.nodeID, err)
	}
	nconf := &ssh.ClientConfig{
		User:            c.cfg.NodeSSHUser,
		Auth:            []ssh.AuthMethod{ssh.Password(c.cfg.NodeSSHPassword)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         c.cfg.SSHTimeout,
	}
	nconn, nchans, nreqs, err := ssh.NewClientConn(tunnel, nodeAddr, nconf)
	if err != nil {
		_ = tunnel.Close()
		_ = bastion.Close()
		return fmt.Errorf("op=ssh.handshake_node: node %d: %w", c.nodeID, err)
	}
	node := ssh.NewClient(nconn, nchans, nreqs)

	c.mu.Lock()
	c.closeLocked()
	c.bastion = bastion
	c.node = node
	c.stop = make(chan struct{})
	go keepalive(bastion, node, c.cfg.SSHKeepalive, c.stop, c.nodeID)
	c.mu.Unlock()
	return nil
}

// bastionAuth prefers a running agent and falls back to a private key file
// (configured path, then ~/.ssh/id_rsa).
func (c *Client) bastionAuth() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	keyPath := c.cfg.BastionKeyPath
	if keyPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			keyPath = filepath.Join(home, ".ssh", "id_rsa")
		}
	}
	if keyPath != "" {
		if pem, err := os.ReadFile(keyPath); err == nil {
			signer, err := ssh.ParsePrivateKey(pem)
			if err != nil {
				return nil, fmt.Errorf("op=ssh.parse_key: %s: %w", keyPath, err)
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("op=ssh.bastion_auth: no agent and no key at %q", keyPath)
	}
	return methods, nil
}

// keepalive pings both transports so NAT mappings and idle-kill firewalls
// between the server and the pool do not reap quiet sessions.
func keepalive(bastion, node *ssh.Client, interval time.Duration, stop <-chan struct{}, nodeID int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := bastion.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				slog.Warn("bastion keepalive failed", slog.Int("node_id", nodeID), slog.Any("error", err))
			}
			if _, _, err := node.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				slog.Warn("node keepalive failed", slog.Int("node_id", nodeID), slog.Any("error", err))
			}
		}
	}
}

// Healthcheck reports whether the node session answers a trivial echo within
// a short deadline.
func (c *Client) Healthcheck(ctx domain.Context) bool {
	node := c.current()
	if node == nil {
		return false
	}
	hctx, cancel := context.WithTimeout(ctx, healthcheckTimeout)
	defer cancel()
	code, out, _, err := runCmd(hctx, node, "echo alive")
	return err == nil && code == 0 && strings.TrimSpace(out) == "alive"
}

// EnsureConnected re-establishes the tunnel when the healthcheck fails.
func (c *Client) EnsureConnected(ctx domain.Context) error {
	if c.Healthcheck(ctx) {
		return nil
	}
	slog.Warn("ssh connection lost, reconnecting", slog.Int("node_id", c.nodeID))
	_ = c.Close()
	if err := c.Connect(ctx); err != nil {
		return err
	}
	observability.SSHReconnected(c.nodeID)
	return nil
}

// Upload copies a local file to the node over SFTP.
func (c *Client) Upload(ctx domain.Context, localPath, remotePath string) error {
	node := c.current()
	if node == nil {
		return fmt.Errorf("op=ssh.upload: node %d not connected", c.nodeID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	sc, err := sftp.NewClient(node)
	if err != nil {
		return fmt.Errorf("op=ssh.upload: open sftp: %w", err)
	}
	defer func() { _ = sc.Close() }()

	src, err := os.Open(localPath) //nolint:gosec // path comes from our own artifact store
	if err != nil {
		return fmt.Errorf("op=ssh.upload: open local: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := sc.Create(remotePath)
	if err != nil {
		return fmt.Errorf("op=ssh.upload: create remote %s: %w", remotePath, err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("op=ssh.upload: copy: %w", err)
	}
	return nil
}

// Exec runs cmd on the node synchronously and reads both streams to EOF.
// A remote non-zero exit is not an error; it is the returned code.
func (c *Client) Exec(ctx domain.Context, cmd string) (int, string, string, error) {
	node := c.current()
	if node == nil {
		return -1, "", "", fmt.Errorf("op=ssh.exec: node %d not connected", c.nodeID)
	}
	return runCmd(ctx, node, cmd)
}

func runCmd(ctx domain.Context, client *ssh.Client, cmd string) (int, string, string, error) {
	sess, err := client.NewSession()
	if err != nil {
		return -1, "", "", fmt.Errorf("op=ssh.exec: new session: %w", err)
	}
	defer func() { _ = sess.Close() }()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if err := sess.Start(cmd); err != nil {
		return -1, "", "", fmt.Errorf("op=ssh.exec: start: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()
	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return -1, stdout.String(), stderr.String(), ctx.Err()
	case err := <-done:
		if err == nil {
			return 0, stdout.String(), stderr.String(), nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitStatus(), stdout.String(), stderr.String(), nil
		}
		return -1, stdout.String(), stderr.String(), fmt.Errorf("op=ssh.exec: %w", err)
	}
}

// Launch uploads the solution and spawns the grading command detached from
// the session, returning the remote pid.
func (c *Client) Launch(ctx domain.Context, jobID, localScript, competitionID string) (int, error) {
	paths := pathsFor(c.cfg.RemoteWorkDir, jobID)

	if code, _, errOut, err := c.Exec(ctx, "mkdir -p "+c.cfg.RemoteWorkDir); err != nil {
		return 0, fmt.Errorf("op=ssh.launch: mkdir: %w", err)
	} else if code != 0 {
		return 0, fmt.Errorf("op=ssh.launch: mkdir exited %d: %s", code, errOut)
	}
	if err := c.Upload(ctx, localScript, paths.Solution); err != nil {
		return 0, fmt.Errorf("op=ssh.launch: %w", err)
	}

	grade := gradeCommand(c.cfg.GradeRepoDir, c.cfg.GradePython, c.cfg.GradeScript,
		paths.Solution, competitionID, paths.Results)
	code, out, errOut, err := c.Exec(ctx, launchCommand(grade, paths.Stdout, paths.Stderr))
	if err != nil {
		return 0, fmt.Errorf("op=ssh.launch: %w", err)
	}
	if code != 0 {
		return 0, fmt.Errorf("op=ssh.launch: node %d exited %d: %s", c.nodeID, code, errOut)
	}
	pid, err := parsePID(out)
	if err != nil {
		return 0, fmt.Errorf("op=ssh.launch: %w", err)
	}
	slog.Info("remote job launched",
		slog.String("job_id", jobID),
		slog.Int("node_id", c.nodeID),
		slog.Int("remote_pid", pid))
	return pid, nil
}

// IsAlive reports whether the remote pid is still running. Transport errors
// read as alive so a blip cannot be mistaken for process exit.
func (c *Client) IsAlive(ctx domain.Context, pid int) bool {
	code, out, _, err := c.Exec(ctx, aliveCommand(pid))
	if err != nil || code != 0 {
		return true
	}
	return strings.TrimSpace(out) == "running"
}

// Kill sends SIGKILL to the remote pid.
func (c *Client) Kill(ctx domain.Context, pid int) error {
	code, _, errOut, err := c.Exec(ctx, fmt.Sprintf("kill -9 %d", pid))
	if err != nil {
		return fmt.Errorf("op=ssh.kill: pid %d: %w", pid, err)
	}
	if code != 0 {
		return fmt.Errorf("op=ssh.kill: pid %d exited %d: %s", pid, code, errOut)
	}
	return nil
}

// FetchOutputs reads the three per-job result files, reconnecting and backing
// off between attempts. The backoff grows 5s per attempt.
func (c *Client) FetchOutputs(ctx domain.Context, jobID string) (string, string, string, error) {
	paths := pathsFor(c.cfg.RemoteWorkDir, jobID)
	var lastErr error
	for attempt := 1; attempt <= c.cfg.FetchRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", "", "", ctx.Err()
			case <-time.After(time.Duration(attempt-1) * 5 * time.Second):
			}
		}
		if err := c.EnsureConnected(ctx); err != nil {
			lastErr = err
			slog.Warn("fetch outputs: reconnect failed",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			continue
		}
		results, stdout, stderr, err := c.readOutputs(ctx, paths)
		if err != nil {
			lastErr = err
			slog.Warn("fetch outputs failed",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt),
				slog.Any("error", err))
			continue
		}
		if attempt > 1 {
			slog.Info("fetch outputs recovered",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt))
		}
		return results, stdout, stderr, nil
	}
	return "", "", "", fmt.Errorf("op=ssh.fetch_outputs: job %s after %d attempts: %w", jobID, c.cfg.FetchRetries, lastErr)
}

func (c *Client) readOutputs(ctx domain.Context, paths remotePaths) (string, string, string, error) {
	read := func(path string) (string, error) {
		code, out, _, err := c.Exec(ctx, catCommand(path))
		if err != nil {
			return "", err
		}
		if code != 0 {
			return "", fmt.Errorf("cat %s exited %d", path, code)
		}
		return out, nil
	}
	results, err := read(paths.Results)
	if err != nil {
		return "", "", "", err
	}
	stdout, err := read(paths.Stdout)
	if err != nil {
		return "", "", "", err
	}
	stderr, err := read(paths.Stderr)
	if err != nil {
		return "", "", "", err
	}
	return results, stdout, stderr, nil
}

// Cleanup removes the per-job remote files, best effort.
func (c *Client) Cleanup(ctx domain.Context, jobID string) {
	for _, path := range pathsFor(c.cfg.RemoteWorkDir, jobID).all() {
		if _, _, _, err := c.Exec(ctx, "rm -f "+path); err != nil {
			slog.Debug("cleanup skipped remote file",
				slog.String("job_id", jobID),
				slog.String("path", path),
				slog.Any("error", err))
		}
	}
}

// RestartContainer bounces the node's LXC container from the bastion (the
// node session dies with the container), waits out the warm-up, and
// reconnects.
func (c *Client) RestartContainer(ctx domain.Context, name string) error {
	c.mu.Lock()
	bastion := c.bastion
	c.mu.Unlock()
	if bastion == nil {
		return fmt.Errorf("op=ssh.restart_container: node %d: no bastion session", c.nodeID)
	}
	slog.Info("restarting container", slog.String("container", name), slog.Int("node_id", c.nodeID))
	code, _, errOut, err := runCmd(ctx, bastion, "lxc restart "+name)
	if err != nil {
		return fmt.Errorf("op=ssh.restart_container: %s: %w", name, err)
	}
	if code != 0 {
		return fmt.Errorf("op=ssh.restart_container: %s exited %d: %s", name, code, errOut)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.LXCRestartWait):
	}
	_ = c.Close()
	return c.Connect(ctx)
}

// Close tears down both sessions and stops the keepalive loop. Safe to call
// on a disconnected client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	if c.node != nil {
		_ = c.node.Close()
		c.node = nil
	}
	if c.bastion != nil {
		_ = c.bastion.Close()
		c.bastion = nil
	}
}

func (c *Client) current() *ssh.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node
}
