package slurm

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/3cpo-dev/jetrun/internal/backends"
	"github.com/3cpo-dev/jetrun/internal/ssh"
)

func TestExecCommanderExitCode(t *testing.T) {
	res, err := ExecCommander{}.Run(context.Background(), []string{"sh", "-c", "cat; echo oops >&2; exit 3"}, []byte("hi"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 || res.Stdout != "hi" || res.Stderr != "oops\n" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecCommanderMissingBinary(t *testing.T) {
	_, err := ExecCommander{}.Run(context.Background(), []string{"jetrun-no-such-sbatch"}, nil)
	if !errors.Is(err, backends.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestExecCommanderStage(t *testing.T) {
	got, err := ExecCommander{}.Stage(context.Background(), "script.sh")
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if !filepath.IsAbs(got) || filepath.Base(got) != "script.sh" {
		t.Fatalf("unexpected staged path %s", got)
	}
}

func TestSSHCommanderUnreachableHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	signer, _ := xssh.NewSignerFromKey(priv)
	c := &SSHCommander{Client: &ssh.Client{
		Addr:       addr,
		User:       "jet",
		Signer:     signer,
		KnownHosts: xssh.InsecureIgnoreHostKey(),
		Timeout:    time.Second,
		Backoff:    10 * time.Millisecond,
	}}
	defer c.Close()
	if _, err := c.Run(context.Background(), []string{"sacct", "-XP"}, nil); !errors.Is(err, backends.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := c.Stage(context.Background(), "script.sh"); !errors.Is(err, backends.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from staging, got %v", err)
	}
}
