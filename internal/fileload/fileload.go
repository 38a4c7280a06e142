// Package fileload reads and writes a task's working-directory files,
// transparently mirroring them over scp when an SSH proxy is configured
// (spec §4.8), grounded on command.SCP's native sink/source
// implementation.
package fileload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/kuintessence/agentd/internal/command"
	"github.com/kuintessence/agentd/internal/config"
	"github.com/kuintessence/agentd/internal/reply"
	"github.com/kuintessence/agentd/internal/task"
)

// Service implements spec §4.8's load_file/save_file pair.
type Service struct {
	HTTPClient *http.Client
	Server     string
	Cfg        *config.Config
	Runner     command.Runner // nil when no SSH proxy is configured
	SCP        *command.SCP   // nil when no SSH proxy is configured
}

func New(httpClient *http.Client, server string, cfg *config.Config, runner command.Runner, scp *command.SCP) *Service {
	return &Service{HTTPClient: httpClient, Server: server, Cfg: cfg, Runner: runner, SCP: scp}
}

// Load reads the named working-directory file for nodeID, pulling it
// via scp first when an SSH proxy is configured (spec §4.8).
func (s *Service) Load(nodeID string, from task.CollectFrom) ([]byte, error) {
	relPath := relPathFor(from)
	localPath := filepath.Join(s.Cfg.SavePath, nodeID, relPath)

	if s.SCP != nil {
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return nil, fmt.Errorf("fileload: mkdir local dir: %w", err)
		}
		remotePath := filepath.Join(s.Cfg.SSHProxy.HomeDir, s.Cfg.SSHProxy.SaveDir, nodeID, relPath)
		if err := s.SCP.Pull(remotePath, filepath.Dir(localPath)); err != nil {
			return nil, fmt.Errorf("fileload: pull %s: %w", remotePath, err)
		}
	}

	data, err := os.ReadFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("fileload: read %s: %w", localPath, err)
	}
	return data, nil
}

// Save writes output per the task's CollectTo destination (spec §4.8):
// File writes to the node's working directory, Text POSTs to
// text-storage/upload.
func (s *Service) Save(taskID, nodeID string, to task.CollectTo, output []byte) error {
	switch to.Type {
	case "File":
		localPath := filepath.Join(s.Cfg.SavePath, nodeID, to.Path)
		if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
			return fmt.Errorf("fileload: mkdir local dir: %w", err)
		}
		// Write to a uniquely-named sibling then rename into place, so a
		// reader never observes a partially-written collect-output file.
		tmpPath := localPath + "." + uuid.NewString() + ".tmp"
		if err := os.WriteFile(tmpPath, output, 0o644); err != nil {
			return fmt.Errorf("fileload: write %s: %w", tmpPath, err)
		}
		if err := os.Rename(tmpPath, localPath); err != nil {
			os.Remove(tmpPath)
			return fmt.Errorf("fileload: rename into place %s: %w", localPath, err)
		}
		return nil
	case "Text":
		return s.uploadText(taskID, to.ID, string(output))
	default:
		return fmt.Errorf("fileload: unrecognized collect-to type %q", to.Type)
	}
}

type uploadTextRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Service) uploadText(taskID, key, value string) error {
	body, err := json.Marshal(uploadTextRequest{Key: key, Value: value})
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, s.Server+"/text-storage/upload", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("TASK_ID", taskID)

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fileload: upload text: %w", err)
	}
	defer resp.Body.Close()

	data, err := readAll(resp)
	if err != nil {
		return err
	}
	if _, err := reply.Decode(data, nil, reply.StatusOK); err != nil {
		return fmt.Errorf("fileload: upload text: %w", err)
	}
	return nil
}

func relPathFor(from task.CollectFrom) string {
	switch from.Type {
	case "Stdout":
		return "STDOUT"
	case "Stderr":
		return "STDERR"
	default:
		return from.Path
	}
}

func readAll(resp *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
