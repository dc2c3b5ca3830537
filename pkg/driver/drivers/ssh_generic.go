package drivers

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/netpulse/netpulse/pkg/driver"
	"github.com/netpulse/netpulse/pkg/errors"
)

// sshConnection wraps a persistent SSH client for one device. Only one
// command runs at a time; callers are expected to serialize access via
// PinnedSession's connection_lock.
type sshConnection struct {
	client *ssh.Client
	mu     sync.Mutex
	closed bool
}

// SSHGeneric is a vendor-agnostic SSH device driver: it opens a client,
// runs each command in its own session (exec channel), and relies on the
// owning PinnedSession for connection reuse and keepalive. Built on
// golang.org/x/crypto/ssh.
type SSHGeneric struct {
	// ReadTimeout bounds each individual command's round trip.
	ReadTimeout time.Duration
}

// NewSSHGeneric returns an SSHGeneric driver with sane default timeouts.
func NewSSHGeneric() *SSHGeneric {
	return &SSHGeneric{ReadTimeout: 15 * time.Second}
}

func connArgString(connArgs map[string]interface{}, key, def string) string {
	if v, ok := connArgs[key].(string); ok && v != "" {
		return v
	}
	return def
}

func (s *SSHGeneric) Connect(ctx context.Context, connArgs map[string]interface{}) (driver.Connection, error) {
	host := connArgString(connArgs, "host", "")
	if host == "" {
		return nil, errors.NewValidationError("connection_args.host is required")
	}
	port := connArgString(connArgs, "port", "22")
	username := connArgString(connArgs, "username", "")
	password := connArgString(connArgs, "password", "")

	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := fmt.Sprintf("%s:%s", host, port)
	dialer := net.Dialer{Timeout: config.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewConnectionFailed(err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, errors.NewAuthenticationFailed(err)
		}
		return nil, errors.NewConnectionFailed(err)
	}
	client := ssh.NewClient(c, chans, reqs)

	return &sshConnection{client: client}, nil
}

func (s *SSHGeneric) runCommand(ctx context.Context, conn *sshConnection, cmd string) (string, error) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return "", errors.NewProtocolError(fmt.Errorf("connection already closed"))
	}

	session, err := conn.client.NewSession()
	if err != nil {
		return "", errors.NewProtocolError(err)
	}
	defer session.Close()

	var stdout bytes.Buffer
	session.Stdout = &stdout

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	select {
	case err := <-done:
		if err != nil {
			return stdout.String(), errors.NewCommandFailed(err)
		}
		return stdout.String(), nil
	case <-time.After(timeout):
		return "", errors.NewTimeout("ssh command " + cmd)
	case <-ctx.Done():
		return "", errors.NewTimeout("ssh command " + cmd)
	}
}

func (s *SSHGeneric) Send(ctx context.Context, conn driver.Connection, commands []string) (map[string]string, error) {
	c := conn.(*sshConnection)
	out := make(map[string]string, len(commands))
	for _, cmd := range commands {
		result, err := s.runCommand(ctx, c, cmd)
		if err != nil {
			return out, err
		}
		out[cmd] = result
	}
	return out, nil
}

func (s *SSHGeneric) Configure(ctx context.Context, conn driver.Connection, config []string, flags map[string]interface{}) (string, error) {
	c := conn.(*sshConnection)
	var combined strings.Builder
	for _, line := range config {
		out, err := s.runCommand(ctx, c, line)
		combined.WriteString(out)
		if err != nil {
			return combined.String(), err
		}
	}
	return combined.String(), nil
}

func (s *SSHGeneric) Disconnect(conn driver.Connection) error {
	c := conn.(*sshConnection)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

func (s *SSHGeneric) IsAlive(ctx context.Context, conn driver.Connection) bool {
	c := conn.(*sshConnection)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	_, _, err := c.client.SendRequest("keepalive@netpulse", true, nil)
	return err == nil
}

func (s *SSHGeneric) Keepalive(ctx context.Context, conn driver.Connection) error {
	c := conn.(*sshConnection)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.NewProtocolError(fmt.Errorf("connection closed"))
	}
	_, _, err := c.client.SendRequest("keepalive@netpulse", true, nil)
	if err != nil {
		return errors.NewProtocolError(err)
	}
	return nil
}

func (s *SSHGeneric) SupportsPersistentSession() bool {
	return true
}
