package backendtest

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// UploadMode controls how the upload endpoint behaves.
type UploadMode int

const (
	// UploadAccept reads everything and answers the client's close.
	UploadAccept UploadMode = iota
	// UploadCloseEarly closes the socket right after the header frame.
	UploadCloseEarly
	// UploadNoCloseReply reads everything but never answers the close.
	UploadNoCloseReply
)

// UploadHeader is the first frame of every upload.
type UploadHeader struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// Upload is one upload session as seen by the server.
type Upload struct {
	mu       sync.Mutex
	header   UploadHeader
	chunks   []int
	data     []byte
	closed   bool
	finished bool
}

// Header returns the decoded header frame.
func (u *Upload) Header() UploadHeader {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.header
}

// Chunks returns the sizes of the binary frames in arrival order.
func (u *Upload) Chunks() []int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]int(nil), u.chunks...)
}

// Data returns every byte received.
func (u *Upload) Data() []byte {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]byte(nil), u.data...)
}

// ClosedByClient reports whether the client sent a close frame.
func (u *Upload) ClosedByClient() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.closed
}

// SetUploadMode changes the behavior for later uploads.
func (b *Backend) SetUploadMode(m UploadMode) {
	b.mu.Lock()
	b.uploadMode = m
	b.mu.Unlock()
}

// Uploads returns the upload sessions seen so far.
func (b *Backend) Uploads() []*Upload {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Upload(nil), b.uploads...)
}

// WaitUploads waits until n uploads have finished.
func (b *Backend) WaitUploads(n int, timeout time.Duration) []*Upload {
	b.t.Helper()
	done := func() bool {
		count := 0
		for _, u := range b.Uploads() {
			u.mu.Lock()
			if u.finished {
				count++
			}
			u.mu.Unlock()
		}
		return count >= n
	}
	if !b.WaitFor(timeout, done) {
		b.t.Fatalf("timed out waiting for %d finished uploads", n)
	}
	return b.Uploads()
}

func (b *Backend) handleUpload(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	u := &Upload{}
	b.mu.Lock()
	b.uploads = append(b.uploads, u)
	mode := b.uploadMode
	b.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.finished = true
		u.mu.Unlock()
		b.notify()
	}()

	ws.SetCloseHandler(func(code int, text string) error {
		u.mu.Lock()
		u.closed = true
		u.mu.Unlock()
		if mode == UploadNoCloseReply {
			return nil
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		return ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})

	for {
		kind, raw, err := ws.ReadMessage()
		if err != nil {
			if mode == UploadNoCloseReply && u.ClosedByClient() {
				// Hold the socket open so the client has to give up on its own.
				time.Sleep(500 * time.Millisecond)
			}
			return
		}
		switch kind {
		case websocket.TextMessage:
			var h UploadHeader
			if err := json.Unmarshal(raw, &h); err == nil {
				u.mu.Lock()
				u.header = h
				u.mu.Unlock()
			}
			if mode == UploadCloseEarly {
				msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "disk full")
				_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				return
			}
		case websocket.BinaryMessage:
			u.mu.Lock()
			u.chunks = append(u.chunks, len(raw))
			u.data = append(u.data, raw...)
			u.mu.Unlock()
		}
		b.notify()
	}
}
