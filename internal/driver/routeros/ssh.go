package routeros

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/martinsuchenak/netprov/internal/driver"
	"github.com/martinsuchenak/netprov/internal/log"
	"github.com/martinsuchenak/netprov/internal/model"
)

// Runner executes one CLI command and returns its output
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// sshRunner runs commands over a lazily dialed SSH connection that is
// reused for the lifetime of the driver.
type sshRunner struct {
	addr    string
	config  *ssh.ClientConfig
	timeout time.Duration

	mu     sync.Mutex
	client *ssh.Client
}

func newSSHRunner(device *model.Device, timeout time.Duration) (*sshRunner, error) {
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if device.HostKey != "" {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(device.HostKey))
		if err != nil {
			return nil, fmt.Errorf("parsing host key: %w", err)
		}
		hostKeyCallback = ssh.FixedHostKey(key)
	} else {
		log.Warn("No host key pinned, accepting any", "device_id", device.ID, "host", device.Host)
	}

	port := device.Port
	if port == 0 {
		port = 22
	}

	return &sshRunner{
		addr: net.JoinHostPort(device.Host, strconv.Itoa(port)),
		config: &ssh.ClientConfig{
			User:            device.Username,
			Auth:            []ssh.AuthMethod{ssh.Password(device.Secret)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         timeout,
		},
		timeout: timeout,
	}, nil
}

func (r *sshRunner) connect(ctx context.Context) (*ssh.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return r.client, nil
	}

	dialer := net.Dialer{Timeout: r.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", driver.ErrUnreachable, r.addr, err)
	}

	// NewClientConn only honours deadlines set on conn
	conn.SetDeadline(r.handshakeDeadline(ctx))
	stop := context.AfterFunc(ctx, func() { conn.Close() })

	// NewClientConn closes conn on error
	c, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.config)
	if !stop() {
		if err == nil {
			c.Close()
		}
		return nil, fmt.Errorf("%w: ssh handshake with %s: %v", driver.ErrUnreachable, r.addr, ctx.Err())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: ssh handshake with %s: %v", driver.ErrUnreachable, r.addr, err)
	}
	conn.SetDeadline(time.Time{})

	r.client = ssh.NewClient(c, chans, reqs)
	return r.client, nil
}

// handshakeDeadline is the earlier of the context deadline and the
// configured timeout
func (r *sshRunner) handshakeDeadline(ctx context.Context) time.Time {
	var deadline time.Time
	if r.timeout > 0 {
		deadline = time.Now().Add(r.timeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	return deadline
}

func (r *sshRunner) Run(ctx context.Context, command string) (string, error) {
	client, err := r.connect(ctx)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		r.reset()
		return "", fmt.Errorf("%w: opening session: %v", driver.ErrTransient, err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.CombinedOutput(command)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	case res := <-done:
		if res.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(res.err, &exitErr) {
				return string(res.out), fmt.Errorf("command exited %d: %s", exitErr.ExitStatus(), res.out)
			}
			r.reset()
			return string(res.out), fmt.Errorf("%w: %v", driver.ErrTransient, res.err)
		}
		return string(res.out), nil
	}
}

func (r *sshRunner) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
}

func (r *sshRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}
