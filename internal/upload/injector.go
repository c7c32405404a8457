// Package upload delivers host files into a page's file input.
//
// The streaming path reads the file in fixed windows, base64-encodes each one
// and hands it to a page-side session that folds chunks into Blob parts every
// few chunks, so neither side ever holds the whole payload as raw bytes. The
// reference path assigns the host path to the input through the engine and
// moves no bytes.
package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/dgnsrekt/tabhost/internal/engine"
)

// Engine is what the injector needs from the browser.
type Engine interface {
	engine.Evaluator
	engine.FileSetter
}

const (
	MethodReference = "reference"
	MethodStream    = "stream"
)

type Options struct {
	ChunkSize      int
	CoalesceEvery  int
	SettleDelay    time.Duration
	ReferenceFirst bool
	// LocateTimeout bounds the poll after a trigger click.
	LocateTimeout time.Duration
	PollInterval  time.Duration
}

func (o Options) withDefaults() Options {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 2 * 1024 * 1024
	}
	if o.CoalesceEvery <= 0 {
		o.CoalesceEvery = 50
	}
	if o.LocateTimeout <= 0 {
		o.LocateTimeout = 5 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
	return o
}

// Request describes one file delivery.
type Request struct {
	Selector string `json:"selector"`
	Path     string `json:"filePath"`
	// TriggerSelector is clicked when the input is not in the DOM yet.
	TriggerSelector string `json:"triggerSelector,omitempty"`
	// MIMEType overrides detection.
	MIMEType string `json:"mimeType,omitempty"`
	// Method forces "reference" or "stream"; empty picks automatically.
	Method string `json:"method,omitempty"`
}

// Result reports what was delivered.
type Result struct {
	Method        string        `json:"method"`
	SessionID     string        `json:"sessionId,omitempty"`
	FileName      string        `json:"fileName"`
	MIMEType      string        `json:"mimeType"`
	Size          int64         `json:"size"`
	Chunks        int           `json:"chunks"`
	BytesSent     int64         `json:"bytesSent"`
	PageSize      int64         `json:"pageSize"`
	HighWaterMark int64         `json:"highWaterMark"`
	LocatedVia    string        `json:"locatedVia,omitempty"`
	Elapsed       time.Duration `json:"elapsed"`
}

// session is the host-side view of one streaming upload.
type session struct {
	ID             string
	TotalChunks    int
	ReceivedChunks int
	AssembledBytes int64
	HighWaterMark  int64
	cancel         context.CancelFunc
}

// Injector runs uploads, at most one streaming session per page.
type Injector struct {
	eng   Engine
	opts  Options
	sleep func(context.Context, time.Duration) error

	mu       sync.Mutex
	sessions map[engine.PageID]*session
}

func NewInjector(eng Engine, opts Options) *Injector {
	return &Injector{
		eng:      eng,
		opts:     opts.withDefaults(),
		sleep:    sleepCtx,
		sessions: make(map[engine.PageID]*session),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func uploadErr(msg string, cause error) error {
	return engine.NewError(engine.CodeUploadFailure, msg, cause)
}

// TotalChunks is ceil(size/chunk).
func TotalChunks(size int64, chunk int) int {
	if size <= 0 {
		return 0
	}
	c := int64(chunk)
	return int((size + c - 1) / c)
}

// DetectMIME sniffs the content type of path, without parameters.
func DetectMIME(path string) (string, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", err
	}
	base, _, _ := strings.Cut(mt.String(), ";")
	return strings.TrimSpace(base), nil
}

// Upload delivers req.Path into the input matched by req.Selector.
func (in *Injector) Upload(ctx context.Context, pid engine.PageID, req Request) (Result, error) {
	if strings.TrimSpace(req.Selector) == "" {
		return Result{}, engine.NewError(engine.CodeValidation, "selector is required", nil)
	}
	if strings.TrimSpace(req.Path) == "" {
		return Result{}, engine.NewError(engine.CodeValidation, "filePath is required", nil)
	}
	switch req.Method {
	case "", MethodReference, MethodStream:
	default:
		return Result{}, engine.NewError(engine.CodeValidation, fmt.Sprintf("unknown upload method %q", req.Method), nil)
	}

	info, err := os.Stat(req.Path)
	if err != nil {
		return Result{}, uploadErr("stat source file", err)
	}
	if info.IsDir() {
		return Result{}, uploadErr("source is a directory: "+req.Path, nil)
	}

	tryReference := req.Method == MethodReference || (req.Method == "" && in.opts.ReferenceFirst)
	if tryReference {
		res, err := in.SetFileInput(ctx, pid, req.Selector, req.Path)
		if err == nil || req.Method == MethodReference {
			return res, err
		}
		slog.Info("reference upload failed, streaming instead", "page_id", pid, "error", err)
	}
	return in.Stream(ctx, pid, req)
}

// SetFileInput assigns path to the input without transferring bytes.
func (in *Injector) SetFileInput(ctx context.Context, pid engine.PageID, selector, path string) (Result, error) {
	start := time.Now()
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{}, uploadErr("resolve path", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Result{}, uploadErr("stat source file", err)
	}
	if err := in.eng.SetFileInputFiles(ctx, pid, selector, []string{abs}); err != nil {
		return Result{}, uploadErr("set file input", err)
	}
	mt, _ := DetectMIME(abs)
	slog.Info("File reference set", "page_id", pid, "file", filepath.Base(abs), "size", info.Size())
	return Result{
		Method:   MethodReference,
		FileName: filepath.Base(abs),
		MIMEType: mt,
		Size:     info.Size(),
		Elapsed:  time.Since(start),
	}, nil
}

// Stream delivers the file in chunks through a page-side session.
func (in *Injector) Stream(ctx context.Context, pid engine.PageID, req Request) (Result, error) {
	start := time.Now()

	f, err := os.Open(req.Path)
	if err != nil {
		return Result{}, uploadErr("open source file", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return Result{}, uploadErr("stat source file", err)
	}

	// File normalizes its type to lower case.
	mimeType := strings.ToLower(strings.TrimSpace(req.MIMEType))
	if mimeType == "" {
		if mimeType, err = DetectMIME(req.Path); err != nil {
			return Result{}, uploadErr("detect mime type", err)
		}
	}

	size := info.Size()
	sess, sctx, err := in.begin(ctx, pid, TotalChunks(size, in.opts.ChunkSize))
	if err != nil {
		return Result{}, err
	}
	defer in.end(pid, sess)

	res := Result{
		Method:    MethodStream,
		SessionID: sess.ID,
		FileName:  filepath.Base(req.Path),
		MIMEType:  mimeType,
		Size:      size,
	}

	via, err := in.locate(sctx, pid, req.Selector, req.TriggerSelector, sess.ID)
	if err != nil {
		in.cleanup(pid, sess.ID, true)
		return res, err
	}
	res.LocatedVia = via

	if err := in.install(sctx, pid, sess, res.FileName, mimeType, size); err != nil {
		in.cleanup(pid, sess.ID, true)
		return res, err
	}

	final, err := in.deliver(sctx, pid, sess, f, size)
	res.Chunks = sess.ReceivedChunks
	res.BytesSent = sess.AssembledBytes
	res.HighWaterMark = sess.HighWaterMark
	if err != nil {
		in.cleanup(pid, sess.ID, true)
		return res, err
	}
	res.PageSize = final.Size

	if err := verify(final, res, size); err != nil {
		in.cleanup(pid, sess.ID, true)
		return res, err
	}

	if err := in.sleep(sctx, in.opts.SettleDelay); err != nil {
		in.cleanup(pid, sess.ID, true)
		return res, uploadErr("upload interrupted during settle", err)
	}
	in.cleanup(pid, sess.ID, false)

	res.Elapsed = time.Since(start)
	slog.Info("Streaming upload complete", "page_id", pid, "file", res.FileName, "size", size,
		"chunks", res.Chunks, "high_water_mark", res.HighWaterMark, "elapsed", res.Elapsed)
	return res, nil
}

func (in *Injector) begin(ctx context.Context, pid engine.PageID, total int) (*session, context.Context, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, busy := in.sessions[pid]; busy {
		return nil, nil, uploadErr("an upload is already streaming into this page", nil)
	}
	sctx, cancel := context.WithCancel(ctx)
	s := &session{ID: uuid.NewString(), TotalChunks: total, cancel: cancel}
	in.sessions[pid] = s
	return s, sctx, nil
}

func (in *Injector) end(pid engine.PageID, s *session) {
	in.mu.Lock()
	if in.sessions[pid] == s {
		delete(in.sessions, pid)
	}
	in.mu.Unlock()
	s.cancel()
}

// Release aborts the streaming session of page, if any.
func (in *Injector) Release(pid engine.PageID) {
	in.mu.Lock()
	s, ok := in.sessions[pid]
	delete(in.sessions, pid)
	in.mu.Unlock()
	if ok {
		slog.Info("Releasing upload session", "page_id", pid, "session_id", s.ID)
		s.cancel()
	}
}

// Active reports whether page has a streaming session in progress.
func (in *Injector) Active(pid engine.PageID) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, ok := in.sessions[pid]
	return ok
}

type locateReply struct {
	Found   bool   `json:"found"`
	Via     string `json:"via"`
	Clicked bool   `json:"clicked"`
}

func (in *Injector) locate(ctx context.Context, pid engine.PageID, selector, trigger, id string) (string, error) {
	var reply locateReply
	if err := in.evalInto(ctx, pid, locateExpr(selector, trigger, id), &reply); err != nil {
		return "", uploadErr("locate file input", err)
	}
	if reply.Found {
		return reply.Via, nil
	}
	if !reply.Clicked {
		return "", uploadErr("file input not found: "+selector, nil)
	}

	deadline := time.Now().Add(in.opts.LocateTimeout)
	for time.Now().Before(deadline) {
		if err := in.sleep(ctx, in.opts.PollInterval); err != nil {
			return "", uploadErr("locate file input", err)
		}
		if err := in.evalInto(ctx, pid, locateExpr(selector, "", id), &reply); err != nil {
			return "", uploadErr("locate file input", err)
		}
		if reply.Found {
			return "trigger", nil
		}
	}
	return "", uploadErr("file input did not appear after clicking "+trigger, nil)
}

type installReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (in *Injector) install(ctx context.Context, pid engine.PageID, s *session, name, mimeType string, size int64) error {
	var reply installReply
	expr := installExpr(s.ID, name, mimeType, size, s.TotalChunks, in.opts.CoalesceEvery)
	if err := in.evalInto(ctx, pid, expr, &reply); err != nil {
		return uploadErr("install upload session", err)
	}
	if !reply.OK {
		return uploadErr("install upload session: "+reply.Error, nil)
	}
	return nil
}

type chunkReply struct {
	OK        bool   `json:"ok"`
	Done      bool   `json:"done"`
	Received  int    `json:"received"`
	Assembled int64  `json:"assembled"`
	HighWater int64  `json:"highWater"`
	Size      int64  `json:"size"`
	Name      string `json:"name"`
	Type      string `json:"type"`
}

// deliver sends every chunk in index order through one reused read buffer.
func (in *Injector) deliver(ctx context.Context, pid engine.PageID, s *session, r io.Reader, size int64) (chunkReply, error) {
	var reply chunkReply
	if s.TotalChunks == 0 {
		if err := in.evalInto(ctx, pid, finalizeExpr(s.ID), &reply); err != nil {
			return reply, uploadErr("finalize empty file", err)
		}
		return reply, nil
	}

	buf := make([]byte, in.opts.ChunkSize)
	for i := 0; i < s.TotalChunks; i++ {
		n, err := io.ReadFull(r, buf)
		if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
			return reply, uploadErr(fmt.Sprintf("read chunk %d", i), err)
		}
		if n == 0 {
			return reply, uploadErr(fmt.Sprintf("source shrank at chunk %d", i), nil)
		}

		expr := chunkExpr(s.ID, base64.StdEncoding.EncodeToString(buf[:n]), i, s.TotalChunks)
		if err := in.evalInto(ctx, pid, expr, &reply); err != nil {
			return reply, uploadErr(fmt.Sprintf("deliver chunk %d/%d", i+1, s.TotalChunks), err)
		}
		if reply.Received != i+1 {
			return reply, uploadErr(fmt.Sprintf("page acknowledged %d chunks after chunk %d", reply.Received, i+1), nil)
		}
		s.ReceivedChunks = reply.Received
		s.AssembledBytes += int64(n)
		if reply.HighWater > s.HighWaterMark {
			s.HighWaterMark = reply.HighWater
		}
		if (i+1)%in.opts.CoalesceEvery == 0 {
			slog.Debug("upload progress", "page_id", pid, "session_id", s.ID, "chunks", i+1, "total", s.TotalChunks, "bytes", s.AssembledBytes)
		}
	}
	if s.AssembledBytes != size {
		return reply, uploadErr(fmt.Sprintf("sent %d bytes, source is %d", s.AssembledBytes, size), nil)
	}
	if !reply.Done {
		return reply, uploadErr("page did not finalize after last chunk", nil)
	}
	return reply, nil
}

func verify(final chunkReply, res Result, size int64) error {
	switch {
	case final.Size != size:
		return uploadErr(fmt.Sprintf("page assembled %d bytes, want %d", final.Size, size), nil)
	case final.Name != res.FileName:
		return uploadErr(fmt.Sprintf("page file name %q, want %q", final.Name, res.FileName), nil)
	case !strings.EqualFold(final.Type, res.MIMEType):
		return uploadErr(fmt.Sprintf("page mime type %q, want %q", final.Type, res.MIMEType), nil)
	}
	return nil
}

// cleanup runs on a fresh context so an aborted session still gets removed.
func (in *Injector) cleanup(pid engine.PageID, id string, clear bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := in.eng.Evaluate(ctx, pid, cleanupExpr(id, clear)); err != nil {
		slog.Warn("upload session cleanup failed", "page_id", pid, "session_id", id, "error", err)
	}
}

func (in *Injector) evalInto(ctx context.Context, pid engine.PageID, expr string, out any) error {
	raw, err := in.eng.Evaluate(ctx, pid, expr)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode page reply: %w", err)
	}
	return nil
}
