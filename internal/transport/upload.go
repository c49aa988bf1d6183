package transport

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/sftp"
)

func (c *conn) sftpClient() (*sftp.Client, error) {
	c.sftpOnce.Do(func() {
		client, err := sftp.NewClient(c.client)
		if err != nil {
			c.sftpErr = err
			return
		}
		c.sftp.Store(client)
	})
	if c.sftpErr != nil {
		return nil, fmt.Errorf("failed to start sftp: %w", c.sftpErr)
	}
	return c.sftp.Load(), nil
}

// Upload copies localDir to remoteDir, preserving file modes. remoteDir is
// expected not to exist yet.
func (c *conn) Upload(ctx context.Context, localDir, remoteDir string) error {
	info, err := os.Stat(localDir)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("artifact %s is not a directory", localDir)
	}

	client, err := c.sftpClient()
	if err != nil {
		return err
	}

	return c.uploadTree(ctx, client, localDir, remoteDir, map[string]bool{})
}

// uploadTree mirrors dir into remoteDir. Symlinks are followed so the host
// receives regular files and directories; active holds the resolved trees
// being copied and a link back into one of them is an error.
func (c *conn) uploadTree(ctx context.Context, client *sftp.Client, dir, remoteDir string, active map[string]bool) error {
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	if active[root] {
		return fmt.Errorf("symlink loop at %s", dir)
	}
	active[root] = true
	defer delete(active, root)

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		dst := remoteDir
		if rel != "." {
			dst = path.Join(remoteDir, filepath.ToSlash(rel))
		}

		info, err := os.Stat(p)
		if err != nil {
			return err
		}
		if info.IsDir() {
			if d.Type()&fs.ModeSymlink != 0 {
				return c.uploadTree(ctx, client, p, dst, active)
			}
			if err := client.MkdirAll(dst); err != nil {
				return fmt.Errorf("failed to create %s: %w", dst, err)
			}
			return client.Chmod(dst, info.Mode().Perm())
		}
		c.logger.Debug("uploading", "file", rel)
		return uploadFile(client, p, dst, info.Mode().Perm())
	})
}

func uploadFile(client *sftp.Client, src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := client.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := out.Chmod(mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", dst, err)
	}
	return out.Close()
}

// Chmod sets the permission bits of remotePath.
func (c *conn) Chmod(ctx context.Context, remotePath string, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := c.sftpClient()
	if err != nil {
		return err
	}
	if err := client.Chmod(remotePath, mode); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", remotePath, err)
	}
	return nil
}
