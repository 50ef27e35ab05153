package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
)

// ErrUnreachable means no working connection to the host could be made.
var ErrUnreachable = errors.New("ssh: host unreachable")

type Dialer interface {
	Dial(network, addr string) (net.Conn, error)
}

type NetDialer struct{ Timeout time.Duration }

func (d NetDialer) Dial(network, addr string) (net.Conn, error) {
	nd := &net.Dialer{Timeout: d.Timeout}
	return nd.Dial(network, addr)
}

// Client runs commands on one remote host over a cached connection, redialing
// when the connection drops.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
	Dialer     Dialer

	mu   sync.Mutex
	conn *xssh.Client
}

func (c *Client) makeConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("ssh: known hosts callback required")
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         c.Timeout,
	}, nil
}

func (c *Client) dialOnce(ctx context.Context, cfg *xssh.ClientConfig) (*xssh.Client, error) {
	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		if c.Dialer == nil {
			cli, err := xssh.Dial("tcp", c.Addr, cfg)
			ch <- res{cli: cli, err: err}
			return
		}
		conn, err := c.Dialer.Dial("tcp", c.Addr)
		if err != nil {
			ch <- res{err: err}
			return
		}
		sc, chans, reqs, err := xssh.NewClientConn(conn, c.Addr, cfg)
		if err != nil {
			_ = conn.Close()
			ch <- res{err: err}
			return
		}
		ch <- res{cli: xssh.NewClient(sc, chans, reqs)}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// connection returns the cached connection, dialing with retries and linear
// backoff if there is none.
func (c *Client) connection(ctx context.Context) (*xssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	cfg, err := c.makeConfig()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		cli, err := c.dialOnce(ctx, cfg)
		if err == nil {
			c.conn = cli
			return cli, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt < retries {
			log.Warn().Err(err).Str("addr", c.Addr).Int("attempt", attempt+1).Msg("SSH dial failed, retrying")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt+1)):
			}
		}
	}
	return nil, fmt.Errorf("%w: dial %s: %w", ErrUnreachable, c.Addr, lastErr)
}

func (c *Client) drop(stale *xssh.Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == stale {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// RunCommand executes command remotely and returns stdout, stderr and the
// exit code. A non-nil error means the command could not be run; a command
// that ran and exited nonzero is reported through the exit code only. A
// connection lost mid-command is dropped and the command retried once on a
// fresh one. Errors wrap ErrUnreachable only when no connection could be made.
func (c *Client) RunCommand(ctx context.Context, command string, stdin []byte) (string, string, int, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cli, err := c.connection(ctx)
		if err != nil {
			return "", "", -1, err
		}
		session, err := cli.NewSession()
		if err != nil {
			// The cached connection went away; redial once.
			c.drop(cli)
			lastErr = fmt.Errorf("%w: open session: %w", ErrUnreachable, err)
			continue
		}
		var outBuf, errBuf bytes.Buffer
		session.Stdout = &outBuf
		session.Stderr = &errBuf
		if stdin != nil {
			session.Stdin = bytes.NewReader(stdin)
		}
		done := make(chan error, 1)
		go func() { done <- session.Run(command) }()
		var runErr error
		select {
		case <-ctx.Done():
			_ = session.Signal(xssh.SIGTERM)
			_ = session.Close()
			return outBuf.String(), errBuf.String(), -1, ctx.Err()
		case runErr = <-done:
		}
		_ = session.Close()
		if runErr == nil {
			return outBuf.String(), errBuf.String(), 0, nil
		}
		var exitErr *xssh.ExitError
		if errors.As(runErr, &exitErr) {
			return outBuf.String(), errBuf.String(), exitErr.ExitStatus(), nil
		}
		log.Warn().Err(runErr).Str("addr", c.Addr).Int("attempt", attempt+1).Msg("SSH command lost its connection")
		c.drop(cli)
		lastErr = fmt.Errorf("run command: %w", runErr)
	}
	return "", "", -1, fmt.Errorf("ssh %s: %w", c.Addr, lastErr)
}

// Close releases the cached connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
