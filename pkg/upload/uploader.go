package upload

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/websocket"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/modoterra/mediagent/pkg/metrics"
)

var (
	// ErrRemoteClosed means the endpoint closed the socket before the
	// upload was acknowledged.
	ErrRemoteClosed = errors.New("upload endpoint closed the connection")
	// ErrCloseTimeout means the endpoint never answered our close frame.
	ErrCloseTimeout = errors.New("upload endpoint did not acknowledge close")
	// ErrSourceTruncated means the source held fewer bytes than the header
	// announced.
	ErrSourceTruncated = errors.New("source shorter than announced size")
)

// Phase is a step of an upload's lifecycle.
type Phase string

const (
	PhaseReceived     Phase = "received"
	PhaseConnecting   Phase = "connecting"
	PhaseTransferring Phase = "transferring"
	PhaseClosing      Phase = "closing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

const (
	defaultChunkSize    = 64 * 1024
	defaultQueueDepth   = 4
	defaultCloseTimeout = 10 * time.Second
	defaultWriteTimeout = 30 * time.Second
)

// Socket is the part of a WebSocket connection the uploader uses.
// *websocket.Conn implements it.
type Socket interface {
	WriteMessage(kind int, data []byte) error
	WriteControl(kind int, data []byte, deadline time.Time) error
	ReadMessage() (int, []byte, error)
	SetPingHandler(h func(appData string) error)
	SetCloseHandler(h func(code int, text string) error)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// DialFunc opens the upload socket.
type DialFunc func(ctx context.Context, endpoint string) (Socket, error)

// Options configure an Uploader.
type Options struct {
	// Endpoint is the full socket URL, e.g. ws://127.0.0.1:4001/upload.
	Endpoint     string
	ChunkSize    int
	QueueDepth   int
	RateLimit    int64
	CloseTimeout time.Duration
	WriteTimeout time.Duration
	TLSConfig    *tls.Config
	Dial         DialFunc
	Logger       *slog.Logger
}

// Uploader runs upload jobs. It is safe for concurrent use; every job has
// its own socket.
type Uploader struct {
	opts   Options
	logger *slog.Logger
}

// New creates an Uploader.
func New(opts Options) *Uploader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = defaultQueueDepth
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dial == nil {
		opts.Dial = gorillaDial(opts.TLSConfig)
	}
	return &Uploader{opts: opts, logger: opts.Logger}
}

func gorillaDial(tlsConfig *tls.Config) DialFunc {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  tlsConfig,
	}
	return func(ctx context.Context, endpoint string) (Socket, error) {
		ws, resp, err := dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			if resp != nil {
				return nil, fmt.Errorf("dial %s: status %d: %w", endpoint, resp.StatusCode, err)
			}
			return nil, fmt.Errorf("dial %s: %w", endpoint, err)
		}
		return ws, nil
	}
}

// Handle runs job to completion and reports the outcome. It never panics
// on I/O failures; every failure is returned in the Result.
func (u *Uploader) Handle(ctx context.Context, job Job) Result {
	logger := u.logger.With("job", job.ID, "source", job.SourcePath)
	started := time.Now()
	metrics.UploadStarted()
	logger.Info("upload phase", "phase", PhaseReceived, "destination", job.DestinationPath)

	res := u.run(ctx, logger, job)
	metrics.UploadFinished(res.Bytes, time.Since(started), res.Err)
	if res.Err != nil {
		logger.Warn("upload phase", "phase", PhaseFailed, "sent", humanize.Bytes(uint64(res.Bytes)), "err", res.Err)
		return res
	}
	logger.Info("upload phase", "phase", PhaseCompleted,
		"size", humanize.Bytes(uint64(res.Bytes)),
		"duration", time.Since(started).Round(time.Millisecond),
		"blake3", res.Checksum)
	return res
}

func (u *Uploader) run(ctx context.Context, logger *slog.Logger, job Job) Result {
	res := Result{JobID: job.ID}

	f, err := os.Open(job.SourcePath)
	if err != nil {
		res.Err = fmt.Errorf("open source: %w", err)
		return res
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		res.Err = fmt.Errorf("stat source: %w", err)
		return res
	}
	if info.IsDir() {
		res.Err = fmt.Errorf("source %s is a directory", job.SourcePath)
		return res
	}

	logger.Info("upload phase", "phase", PhaseConnecting, "endpoint", u.opts.Endpoint)
	sock, err := u.opts.Dial(ctx, u.opts.Endpoint)
	if err != nil {
		res.Err = err
		return res
	}
	defer sock.Close()

	logger.Info("upload phase", "phase", PhaseTransferring, "size", humanize.Bytes(uint64(info.Size())))
	res.Bytes, res.Checksum, res.Err = u.transfer(ctx, logger, sock, f, job.DestinationPath, info.Size())
	return res
}

type header struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type control struct {
	kind int
	data []byte
}

// transfer streams exactly size bytes of src over sock. Bytes appended to
// src after the header was sent are not uploaded. The calling goroutine is
// the only writer of the socket; a producer fills a bounded chunk queue and
// a reader surfaces control frames.
func (u *Uploader) transfer(ctx context.Context, logger *slog.Logger, sock Socket, src io.Reader, dest string, size int64) (int64, string, error) {
	src = io.LimitReader(src, size)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan []byte, u.opts.QueueDepth)
	controls := make(chan control, 8)
	peerGone := make(chan struct{})
	var peerErr error

	sock.SetPingHandler(func(data string) error {
		select {
		case controls <- control{kind: websocket.PongMessage, data: []byte(data)}:
		default:
		}
		return nil
	})
	sock.SetCloseHandler(func(int, string) error { return nil })
	// A blocked write only returns once the socket is closed.
	stop := context.AfterFunc(ctx, func() { sock.Close() })
	defer stop()

	// prodErr receives the producer's outcome before chunks is closed.
	prodErr := make(chan error, 1)
	var g errgroup.Group
	g.Go(func() error {
		err := u.produce(ctx, src, chunks)
		prodErr <- err
		close(chunks)
		return nil
	})
	g.Go(func() error {
		defer close(peerGone)
		for {
			if _, _, err := sock.ReadMessage(); err != nil {
				peerErr = err
				return nil
			}
		}
	})

	sent, sum, err := u.write(ctx, logger, sock, dest, size, chunks, prodErr, controls, peerGone, &peerErr)
	if err != nil && ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
		err = fmt.Errorf("upload interrupted: %w (%v)", ctx.Err(), err)
	}
	sock.Close()
	cancel()
	_ = g.Wait()
	return sent, sum, err
}

func (u *Uploader) write(
	ctx context.Context,
	logger *slog.Logger,
	sock Socket,
	dest string,
	size int64,
	chunks <-chan []byte,
	prodErr <-chan error,
	controls <-chan control,
	peerGone <-chan struct{},
	peerErr *error,
) (int64, string, error) {
	raw, err := json.Marshal(header{Filename: dest, Size: size})
	if err != nil {
		return 0, "", fmt.Errorf("encode header: %w", err)
	}
	if err := u.writeData(sock, websocket.TextMessage, raw); err != nil {
		return 0, "", fmt.Errorf("write header: %w", err)
	}

	hasher := blake3.New()
	var sent int64
	for done := false; !done; {
		select {
		case c := <-controls:
			if err := sock.WriteControl(c.kind, c.data, time.Now().Add(u.opts.WriteTimeout)); err != nil {
				return sent, "", fmt.Errorf("write control frame: %w", err)
			}
		case chunk, ok := <-chunks:
			if !ok {
				if err := <-prodErr; err != nil {
					return sent, "", err
				}
				if sent != size {
					return sent, "", fmt.Errorf("%w: sent %d of %d bytes", ErrSourceTruncated, sent, size)
				}
				done = true
				break
			}
			if err := u.writeData(sock, websocket.BinaryMessage, chunk); err != nil {
				if cause := remoteClose(peerGone, peerErr); cause != nil {
					return sent, "", fmt.Errorf("%w after %d bytes: %v", ErrRemoteClosed, sent, cause)
				}
				return sent, "", fmt.Errorf("write chunk at %d: %w", sent, err)
			}
			hasher.Write(chunk)
			sent += int64(len(chunk))
		case <-peerGone:
			return sent, "", fmt.Errorf("%w after %d bytes: %v", ErrRemoteClosed, sent, *peerErr)
		case <-ctx.Done():
			return sent, "", ctx.Err()
		}
	}

	logger.Info("upload phase", "phase", PhaseClosing, "sent", humanize.Bytes(uint64(sent)))
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := sock.WriteControl(websocket.CloseMessage, msg, time.Now().Add(u.opts.WriteTimeout)); err != nil {
		return sent, "", fmt.Errorf("write close frame: %w", err)
	}

	timer := time.NewTimer(u.opts.CloseTimeout)
	defer timer.Stop()
	for {
		select {
		case <-controls:
			// Nothing may follow our close frame.
		case <-peerGone:
			var ce *websocket.CloseError
			if errors.As(*peerErr, &ce) && ce.Code == websocket.CloseNormalClosure {
				return sent, hex.EncodeToString(hasher.Sum(nil)), nil
			}
			return sent, "", fmt.Errorf("%w during close: %v", ErrRemoteClosed, *peerErr)
		case <-timer.C:
			return sent, "", fmt.Errorf("%w within %s", ErrCloseTimeout, u.opts.CloseTimeout)
		case <-ctx.Done():
			return sent, "", ctx.Err()
		}
	}
}

// remoteClose reports the peer's close frame if one arrives shortly after a
// failed write.
func remoteClose(peerGone <-chan struct{}, peerErr *error) error {
	select {
	case <-peerGone:
	case <-time.After(250 * time.Millisecond):
		return nil
	}
	var ce *websocket.CloseError
	if errors.As(*peerErr, &ce) {
		return ce
	}
	return nil
}

func (u *Uploader) writeData(sock Socket, kind int, data []byte) error {
	if err := sock.SetWriteDeadline(time.Now().Add(u.opts.WriteTimeout)); err != nil {
		return err
	}
	return sock.WriteMessage(kind, data)
}

// produce reads src in chunks into out. A full queue blocks it.
func (u *Uploader) produce(ctx context.Context, src io.Reader, out chan<- []byte) error {
	var limiter *rate.Limiter
	if u.opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(u.opts.RateLimit), u.opts.ChunkSize)
	}
	for {
		buf := make([]byte, u.opts.ChunkSize)
		n, err := io.ReadFull(src, buf)
		if n > 0 {
			if limiter != nil {
				if werr := limiter.WaitN(ctx, n); werr != nil {
					return werr
				}
			}
			select {
			case out <- buf[:n]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return nil
		case err != nil:
			return fmt.Errorf("read source: %w", err)
		}
	}
}
