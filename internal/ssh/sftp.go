package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	xssh "golang.org/x/crypto/ssh"
)

// PushFile uploads a local file to a remote path via SFTP.
func PushFile(ctx context.Context, client *xssh.Client, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sf, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()
	// Remote paths are always slash separated.
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote: %w", err)
	}
	defer dst.Close()
	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy: %w", err)
	}
	if info, err := src.Stat(); err == nil {
		_ = sf.Chmod(remotePath, info.Mode().Perm())
	}
	return nil
}

// Push uploads a local file over the client's cached connection.
func (c *Client) Push(ctx context.Context, localPath, remotePath string) error {
	cli, err := c.connection(ctx)
	if err != nil {
		return err
	}
	if err := PushFile(ctx, cli, localPath, remotePath); err != nil {
		c.drop(cli)
		return err
	}
	return nil
}
