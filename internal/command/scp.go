package command

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
)

// SCP implements the scp "sink"/"source" wire protocol directly over an
// SSH session, standing in for the original's shelled-out `scp` binary
// (original_source/.../infrastructure/command/scp.rs). It is only
// meaningful on top of an SSHRunner.
type SCP struct {
	runner *SSHRunner
}

func NewSCP(runner *SSHRunner) *SCP {
	return &SCP{runner: runner}
}

// Push copies a single local file to remotePath on the far side,
// creating no parent directories (callers mkdir -p over SSH first, per
// spec §4.3 step 5).
func (s *SCP) Push(localPath, remotePath string) error {
	client, err := s.runner.dial()
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("scp new session: %w", err)
	}
	defer session.Close()

	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("scp stat %s: %w", localPath, err)
	}

	in, err := session.StdinPipe()
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Run(fmt.Sprintf("scp -qt %s", shellQuote(filepath.Dir(remotePath))))
	}()

	if err := sendFile(in, localPath, filepath.Base(remotePath), info); err != nil {
		in.Close()
		return err
	}
	in.Close()

	return <-errCh
}

// PushDir recursively copies a local directory tree to remoteDir.
func (s *SCP) PushDir(localDir, remoteDir string) error {
	client, err := s.runner.dial()
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("scp new session: %w", err)
	}
	defer session.Close()

	in, err := session.StdinPipe()
	if err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Run(fmt.Sprintf("scp -qrt %s", shellQuote(filepath.Dir(remoteDir))))
	}()

	if err := sendDir(in, localDir, filepath.Base(remoteDir)); err != nil {
		in.Close()
		return err
	}
	in.Close()

	return <-errCh
}

func sendFile(w io.Writer, localPath, remoteName string, info fs.FileInfo) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := fmt.Fprintf(w, "C0%o %d %s\n", info.Mode().Perm(), info.Size(), remoteName); err != nil {
		return err
	}
	if _, err := io.Copy(w, f); err != nil {
		return err
	}
	_, err = w.Write([]byte{0})
	return err
}

func sendDir(w io.Writer, localDir, remoteName string) error {
	info, err := os.Stat(localDir)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "D0%o 0 %s\n", info.Mode().Perm(), remoteName); err != nil {
		return err
	}

	entries, err := os.ReadDir(localDir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		childPath := filepath.Join(localDir, entry.Name())
		if entry.IsDir() {
			if err := sendDir(w, childPath, entry.Name()); err != nil {
				return err
			}
			continue
		}
		childInfo, err := entry.Info()
		if err != nil {
			return err
		}
		if err := sendFile(w, childPath, entry.Name(), childInfo); err != nil {
			return err
		}
	}

	_, err = fmt.Fprint(w, "E\n")
	return err
}

// Pull recursively copies a remote path down into localDir, the
// counterpart used when pulling a task's working directory back before
// an upload (spec §4.4 step 1).
func (s *SCP) Pull(remotePath, localDir string) error {
	client, err := s.runner.dial()
	if err != nil {
		return err
	}
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("scp new session: %w", err)
	}
	defer session.Close()

	out, err := session.StdoutPipe()
	if err != nil {
		return err
	}
	in, err := session.StdinPipe()
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- session.Run(fmt.Sprintf("scp -qrf %s", shellQuote(remotePath)))
	}()

	if err := os.MkdirAll(localDir, 0o755); err != nil {
		return err
	}
	if err := recvStream(bufio.NewReader(out), in, localDir); err != nil {
		return err
	}

	return <-errCh
}

func recvStream(r *bufio.Reader, w io.Writer, destDir string) error {
	ack := func() error { _, err := w.Write([]byte{0}); return err }
	if err := ack(); err != nil {
		return err
	}

	dirStack := []string{destDir}
	for {
		line, err := r.ReadString('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if len(line) == 0 {
			continue
		}

		switch line[0] {
		case 'C':
			var mode uint32
			var size int64
			var name string
			if _, err := fmt.Sscanf(line, "C%o %d %s", &mode, &size, &name); err != nil {
				return fmt.Errorf("parse scp C header %q: %w", line, err)
			}
			dest := filepath.Join(dirStack[len(dirStack)-1], name)
			f, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, fs.FileMode(mode))
			if err != nil {
				return err
			}
			if _, err := io.CopyN(f, r, size); err != nil {
				f.Close()
				return err
			}
			f.Close()
			if _, err := r.ReadByte(); err != nil { // trailing NUL
				return err
			}
			if err := ack(); err != nil {
				return err
			}
		case 'D':
			var mode uint32
			var name string
			if _, err := fmt.Sscanf(line, "D%o %d %s", &mode, new(int), &name); err != nil {
				return fmt.Errorf("parse scp D header %q: %w", line, err)
			}
			dest := filepath.Join(dirStack[len(dirStack)-1], name)
			if err := os.MkdirAll(dest, fs.FileMode(mode)); err != nil {
				return err
			}
			dirStack = append(dirStack, dest)
			if err := ack(); err != nil {
				return err
			}
		case 'E':
			if len(dirStack) > 1 {
				dirStack = dirStack[:len(dirStack)-1]
			}
			if err := ack(); err != nil {
				return err
			}
		case 0x01, 0x02:
			return fmt.Errorf("scp error: %s", line[1:])
		default:
			return fmt.Errorf("unexpected scp control byte %q", line[0])
		}
	}
}

func shellQuote(s string) string {
	return "'" + s + "'"
}
