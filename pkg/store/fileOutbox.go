package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zoff-tech/telemetry-uploader/pkg/outbox"
)

// FileOutbox is the local on-disk cache: one JSON-encoded entry per line, head
// first. Every mutation rewrites the file through a temp file and rename, so a
// crash leaves either the old or the new queue on disk.
type FileOutbox struct {
	path    string
	entries []outbox.Entry
	peeked  bool
	closed  bool
}

// OpenFileOutbox loads the cache at path. A missing file is an empty outbox.
func OpenFileOutbox(path string) (*FileOutbox, error) {
	f := &FileOutbox{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read outbox %s: %w", path, err)
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var entry outbox.Entry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return nil, fmt.Errorf("outbox %s line %d: %w", path, line, err)
		}
		f.entries = append(f.entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan outbox %s: %w", path, err)
	}
	return f, nil
}

func (f *FileOutbox) HasPending(context.Context) (bool, error) {
	if f.closed {
		return false, outbox.ErrClosed
	}
	return len(f.entries) > 0, nil
}

func (f *FileOutbox) PendingCount(context.Context) (int, error) {
	if f.closed {
		return 0, outbox.ErrClosed
	}
	return len(f.entries), nil
}

func (f *FileOutbox) Peek(context.Context) (outbox.Entry, bool, error) {
	if f.closed {
		return outbox.Entry{}, false, outbox.ErrClosed
	}
	if len(f.entries) == 0 {
		return outbox.Entry{}, false, nil
	}
	f.peeked = true
	return f.entries[0], true, nil
}

func (f *FileOutbox) Pop(context.Context) error {
	if f.closed {
		return outbox.ErrClosed
	}
	if !f.peeked || len(f.entries) == 0 {
		return outbox.ErrNotPeeked
	}
	if err := f.persist(f.entries[1:]); err != nil {
		return err
	}
	f.entries = f.entries[1:]
	f.peeked = false
	return nil
}

func (f *FileOutbox) Requeue(_ context.Context, entry outbox.Entry) error {
	if f.closed {
		return outbox.ErrClosed
	}
	next := append(append([]outbox.Entry(nil), f.entries...), entry)
	if err := f.persist(next); err != nil {
		return err
	}
	f.entries = next
	return nil
}

func (f *FileOutbox) Close() error {
	f.closed = true
	return nil
}

func (f *FileOutbox) persist(entries []outbox.Entry) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create outbox dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write outbox: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace outbox: %w", err)
	}
	return nil
}
