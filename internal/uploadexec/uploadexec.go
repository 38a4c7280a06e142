// Package uploadexec implements the upload executor (spec §4.4),
// mirroring internal/downloadexec's supervisor wiring with the wire
// protocol from
// original_source/app/src/background_service/file_upload_runner.rs
// (Prepare/PartialUpload, flash/incomplete/incomplete-old branching).
package uploadexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"lukechampine.com/blake3"

	"github.com/kuintessence/agentd/internal/chunkqueue"
	"github.com/kuintessence/agentd/internal/command"
	"github.com/kuintessence/agentd/internal/config"
	"github.com/kuintessence/agentd/internal/httpclient"
	"github.com/kuintessence/agentd/internal/metrics"
	"github.com/kuintessence/agentd/internal/pause"
	"github.com/kuintessence/agentd/internal/reply"
	"github.com/kuintessence/agentd/internal/status"
	"github.com/kuintessence/agentd/internal/supervisor"
	"github.com/kuintessence/agentd/internal/task"
)

// maxWorkers bounds per-supervisor concurrency (spec §3, §5, §4.4).
const maxWorkers = 16

// hashReadSize is the read chunk used while blake3-hashing the local
// file (spec §4.4 step 3: "over 64 KiB reads").
const hashReadSize = 64 * 1024

// upload tracks one in-flight upload.
type upload struct {
	path      string
	fileID    string
	blockSize int64
	size      int64
	queue     *chunkqueue.Queue

	pauseToken *pause.Token
	// workerToken is the replaceable worker-cancellation token (spec §3,
	// §4.3): Pause cancels and replaces it so in-flight uploadBlock calls
	// abort and revert their index, without tearing down the supervisor
	// goroutine itself.
	workerToken      *pause.WorkerToken
	supervisorCancel context.CancelFunc
}

// Executor runs UploadFile tasks.
type Executor struct {
	HTTPClient *http.Client
	Server     string
	Cfg        *config.Config
	Status     status.Reporter
	Runner     command.Runner // nil when no SSH proxy is configured
	SCP        *command.SCP   // nil when no SSH proxy is configured
	Stream     *httpclient.StreamSend

	mu   sync.Mutex
	jobs map[string]*upload
}

// streamClient must not carry RetryTransport: StreamSend is the sole
// retry mechanism for the multipart upload body, since a streamed
// request can't be cloned and replayed by RetryTransport underneath it
// (spec §4.2).
func New(httpClient *http.Client, streamClient *http.Client, server string, cfg *config.Config, reporter status.Reporter, runner command.Runner, scp *command.SCP) *Executor {
	return &Executor{
		HTTPClient: httpClient,
		Server:     server,
		Cfg:        cfg,
		Status:     reporter,
		Runner:     runner,
		SCP:        scp,
		Stream:     httpclient.NewStreamSend(streamClient),
		jobs:       make(map[string]*upload),
	}
}

// Start begins uploading the task's file (spec §4.4 steps 1-5).
func (e *Executor) Start(ctx context.Context, t task.Task) error {
	body, ok := t.Body.(*task.UploadFileBody)
	if !ok {
		return fmt.Errorf("uploadexec: unexpected body type %T", t.Body)
	}

	localPath := filepath.Join(e.Cfg.SavePath, t.NodeID, body.LocalPath)

	if e.SCP != nil && e.Cfg.SSHProxy != nil {
		remotePath := filepath.Join(e.Cfg.SSHProxy.HomeDir, e.Cfg.SSHProxy.SaveDir, t.NodeID, body.LocalPath)
		if err := e.SCP.Pull(remotePath, filepath.Dir(localPath)); err != nil {
			// The remote copy may simply not exist; fall through to the
			// local open check below, which handles the optional case.
			_ = err
		}
	}

	f, err := os.Open(localPath)
	if err != nil {
		if os.IsNotExist(err) && body.Optional {
			e.Status.Report(t.ID, task.StatusCompleted, "File not found but it is optional")
			return nil
		}
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		return err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		return err
	}
	size := info.Size()

	hash, err := hashFile(f)
	f.Close()
	if err != nil {
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		return err
	}

	blockSize := e.Cfg.UploadPartSize
	count := (uint64(size) + uint64(blockSize) - 1) / uint64(blockSize)
	if size == 0 {
		count = 0
	}

	fileID, queue, err := e.prepare(ctx, t, body, localPath, hash, size, count)
	if err != nil {
		e.Status.Report(t.ID, task.StatusFailed, err.Error())
		return err
	}
	if queue == nil {
		// FLASH_UPLOAD: nothing more to do.
		e.Status.Report(t.ID, task.StatusCompleted, "")
		return nil
	}

	supervisorCtx, cancel := context.WithCancel(context.Background())
	u := &upload{
		path:             localPath,
		fileID:           fileID,
		blockSize:        blockSize,
		size:             size,
		queue:            queue,
		pauseToken:       pause.New(),
		workerToken:      pause.NewWorkerToken(supervisorCtx),
		supervisorCancel: cancel,
	}

	e.mu.Lock()
	e.jobs[t.ID] = u
	e.mu.Unlock()

	e.Status.Report(t.ID, task.StatusStarted, fmt.Sprintf("upload file %s from %s", t.ID, localPath))

	go e.runSupervisor(supervisorCtx, t.ID, u)
	return nil
}

func hashFile(f *os.File) (string, error) {
	h := blake3.New(32, nil)
	buf := make([]byte, hashReadSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return fmt.Sprintf("%X", h.Sum(nil)), nil
}

type prepareRequest struct {
	FileName         string `json:"file_name"`
	HashAlgorithm    string `json:"hash_algorithm"`
	Hash             string `json:"hash"`
	Size             int64  `json:"size"`
	Count            uint64 `json:"count"`
	NodeInstanceUUID string `json:"node_instance_uuid"`
	FileMetadataID   string `json:"file_metadata_id"`
}

// prepare POSTs the Prepare call and returns the (possibly adopted)
// file id and a queue to submit, or a nil queue on FLASH_UPLOAD.
func (e *Executor) prepare(ctx context.Context, t task.Task, body *task.UploadFileBody, localPath, hash string, size int64, count uint64) (string, *chunkqueue.Queue, error) {
	req := prepareRequest{
		FileName:         filepath.Base(localPath),
		HashAlgorithm:    "blake3",
		Hash:             hash,
		Size:             size,
		Count:            count,
		NodeInstanceUUID: t.NodeID,
		FileMetadataID:   body.FileID,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Server+"/file-storage/PreparePartialUploadFromNodeInstance", bytes.NewReader(payload))
	if err != nil {
		return "", nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("TASK_ID", t.ID)

	resp, err := e.HTTPClient.Do(httpReq)
	if err != nil {
		return "", nil, err
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return "", nil, err
	}

	env, err := reply.Decode(respBody, nil, reply.StatusOK, reply.StatusFlashUpload, reply.StatusIncompleteUpload, reply.StatusIncompleteOldUpload)
	if err != nil {
		return "", nil, err
	}

	fileID := body.FileID

	switch env.Status {
	case reply.StatusFlashUpload:
		return fileID, nil, nil

	case reply.StatusOK:
		return fileID, chunkqueue.FromRange(count), nil

	case reply.StatusIncompleteUpload, reply.StatusIncompleteOldUpload:
		if env.Status == reply.StatusIncompleteOldUpload {
			var adopted reply.PrepareUploadResult
			if err := json.Unmarshal(env.Content, &adopted); err != nil {
				return "", nil, fmt.Errorf("decode incomplete-old-upload content: %w", err)
			}
			fileID = adopted.MetaID
		}

		infoResp, err := e.HTTPClient.Get(e.Server + "/file-storage/PartialUploadInfo/" + fileID)
		if err != nil {
			return "", nil, err
		}
		infoBody, err := io.ReadAll(infoResp.Body)
		infoResp.Body.Close()
		if err != nil {
			return "", nil, err
		}

		var info reply.PartialUploadInfo
		if _, err := reply.Decode(infoBody, &info, reply.StatusOK); err != nil {
			return "", nil, err
		}
		return fileID, chunkqueue.FromSet(info.Shards), nil

	default:
		return "", nil, fmt.Errorf("uploadexec: unexpected prepare status %d", env.Status)
	}
}

func (e *Executor) runSupervisor(ctx context.Context, taskID string, u *upload) {
	work := func(ctx context.Context, idx uint64) error {
		return e.uploadBlock(ctx, taskID, u, idx)
	}

	err := supervisor.Run(ctx, supervisor.Options{
		Workers:      maxWorkers,
		Queue:        u.queue,
		Pause:        u.pauseToken,
		WorkerCancel: u.workerToken,
		Work:         work,
	})

	e.mu.Lock()
	_, stillRegistered := e.jobs[taskID]
	e.mu.Unlock()
	if !stillRegistered {
		return
	}

	if err != nil {
		e.removeJob(taskID)
		e.Status.Report(taskID, task.StatusFailed, err.Error())
		return
	}

	if ctx.Err() != nil {
		// The supervisor-cancellation token was cancelled (Cancel); the
		// job removal above raced us. Nothing left to finalize.
		return
	}

	e.removeJob(taskID)
	e.Status.Report(taskID, task.StatusCompleted, "")
}

func (e *Executor) uploadBlock(ctx context.Context, taskID string, u *upload, idx uint64) error {
	f, err := os.Open(u.path)
	if err != nil {
		return fmt.Errorf("block %d: open: %w", idx, err)
	}
	defer f.Close()

	start := int64(idx) * u.blockSize
	buf := make([]byte, u.blockSize)
	n, err := f.ReadAt(buf, start)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return fmt.Errorf("block %d: read: %w", idx, err)
	}
	buf = buf[:n]

	build := func() (*http.Request, error) {
		var body bytes.Buffer
		mw := multipart.NewWriter(&body)
		if err := mw.WriteField("nth", strconv.FormatUint(idx, 10)); err != nil {
			return nil, err
		}
		if err := mw.WriteField("file_metadata_id", u.fileID); err != nil {
			return nil, err
		}
		part, err := mw.CreateFormFile("bin", filepath.Base(u.path))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(buf); err != nil {
			return nil, err
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Server+"/file-storage/PartialUpload", &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		req.Header.Set("TASK_ID", taskID)
		return req, nil
	}

	resp, err := e.Stream.Execute(build)
	if err != nil {
		return fmt.Errorf("block %d: %w", idx, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("block %d: unexpected status %d", idx, resp.StatusCode)
	}
	metrics.BytesTransferredTotal.WithLabelValues("upload").Add(float64(len(buf)))
	metrics.BlocksTransferredTotal.WithLabelValues("upload").Inc()
	return nil
}

func (e *Executor) removeJob(taskID string) {
	e.mu.Lock()
	delete(e.jobs, taskID)
	e.mu.Unlock()
}

// Pause sets the pause token, so no worker pops a new index, then
// cancels and replaces the worker-cancellation token, so every
// uploadBlock call currently in flight aborts and reverts its index
// (spec §3, §4.3). The supervisor goroutine itself is left running,
// its workers parked in pause.Token.Wait, ready for Resume.
func (e *Executor) Pause(taskID string) error {
	u, err := e.lookup(taskID)
	if err != nil {
		return err
	}
	u.pauseToken.Pause()
	u.workerToken.CancelAndReplace()
	e.Status.Report(taskID, task.StatusPaused, "")
	return nil
}

// Resume wakes the workers already parked in pause.Token.Wait inside
// the still-running supervisor goroutine started by Start; no new
// supervisor round is spawned.
func (e *Executor) Resume(taskID string) error {
	u, err := e.lookup(taskID)
	if err != nil {
		return err
	}
	u.pauseToken.Resume()
	e.Status.Report(taskID, task.StatusResumed, "")
	return nil
}

// Cancel tears down the supervisor. The local file is left in place —
// unlike a download, an upload's source file belongs to the job's
// working directory, not to this executor.
func (e *Executor) Cancel(taskID string) error {
	u, err := e.lookup(taskID)
	if err != nil {
		return err
	}
	e.removeJob(taskID)
	u.supervisorCancel()
	e.Status.Report(taskID, task.StatusCancelled, "")
	return nil
}

func (e *Executor) lookup(taskID string) (*upload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	u, ok := e.jobs[taskID]
	if !ok {
		return nil, fmt.Errorf("uploadexec: no such task %s", taskID)
	}
	return u, nil
}
