// Package transfertest provides an in-memory transfer.Transport.
package transfertest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/chmdznr/oss-volume-to-minio-sync/internal/transfer"
)

// Op names passed to FailFunc.
const (
	OpCreate   = "create"
	OpWrite    = "write"
	OpFinalize = "finalize"
)

type handle struct {
	id   string
	key  string
	meta transfer.ObjectMeta
	buf  bytes.Buffer
}

func (h *handle) UploadID() string { return h.id }

// Transport stores finalized objects in memory.
type Transport struct {
	// FailFunc, when set, is consulted before every operation; a non-nil
	// return is handed back to the caller unchanged.
	FailFunc func(op string, meta transfer.ObjectMeta) error
	// WriteDelay makes WriteChunk wait, honouring ctx.
	WriteDelay time.Duration

	mu      sync.Mutex
	next    int
	open    map[string]*handle
	objects map[string][]byte
	metas   map[string]transfer.ObjectMeta
	creates map[string]int
	aborts  int
}

// New returns an empty transport.
func New() *Transport {
	return &Transport{
		open:    make(map[string]*handle),
		objects: make(map[string][]byte),
		metas:   make(map[string]transfer.ObjectMeta),
		creates: make(map[string]int),
	}
}

// Key is the object key a source path is stored under.
func Key(folder, p string) string {
	return path.Join(folder, p)
}

func (t *Transport) fail(op string, meta transfer.ObjectMeta) error {
	if t.FailFunc == nil {
		return nil
	}
	return t.FailFunc(op, meta)
}

func (t *Transport) CreateOrResumeUpload(ctx context.Context, folderHint string, meta transfer.ObjectMeta) (transfer.Handle, error) {
	if err := t.fail(OpCreate, meta); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.creates[meta.Path]++
	h := &handle{id: fmt.Sprintf("upload-%d", t.next), key: Key(folderHint, meta.Path), meta: meta}
	t.open[h.id] = h
	return h, nil
}

func (t *Transport) WriteChunk(ctx context.Context, th transfer.Handle, chunk []byte) error {
	h := th.(*handle)
	if err := t.fail(OpWrite, h.meta); err != nil {
		return err
	}
	if t.WriteDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.WriteDelay):
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[h.id]; !ok {
		return errors.New("upload is not open")
	}
	h.buf.Write(chunk)
	return nil
}

func (t *Transport) Finalize(ctx context.Context, th transfer.Handle) (string, error) {
	h := th.(*handle)
	if err := t.fail(OpFinalize, h.meta); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.open[h.id]; !ok {
		return "", errors.New("upload is not open")
	}
	delete(t.open, h.id)
	t.objects[h.key] = bytes.Clone(h.buf.Bytes())
	t.metas[h.key] = h.meta
	return "bucket/" + h.key, nil
}

func (t *Transport) Abort(ctx context.Context, th transfer.Handle) error {
	h := th.(*handle)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.open, h.id)
	t.aborts++
	return nil
}

// Object returns the finalized content stored under key.
func (t *Transport) Object(key string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.objects[key]
	return b, ok
}

// Objects returns the number of finalized objects.
func (t *Transport) Objects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.objects)
}

// Creates returns how many uploads were started for a source path.
func (t *Transport) Creates(p string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.creates[p]
}

// Aborts returns how many uploads were aborted.
func (t *Transport) Aborts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborts
}

// OpenUploads returns the number of uploads neither finalized nor aborted.
func (t *Transport) OpenUploads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.open)
}
