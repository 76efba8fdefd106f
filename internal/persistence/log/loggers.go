// Package log keeps the mutation audit trail on disk.
//
// Records go to hourly files named audit-YYYY-MM-DD-HH-NNN.jsonl.zst, one JSON object per
// line. Every record is flushed as its own zstd block, so a crash loses at most the record
// being written; readers stop quietly at a cut-off tail.
package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"voxelgrid.dev/internal/session"
)

const (
	filePrefix = "audit-"
	fileSuffix = ".jsonl.zst"

	// Files per hour before WriteAudit gives up looking for a free name.
	maxSeq = 1000
)

// AuditLogger appends session.AuditRecords. It is safe for concurrent use.
type AuditLogger struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	hour string
	f    *os.File
	enc  *zstd.Encoder
	line []byte
}

func NewAuditLogger(dir string) *AuditLogger {
	return &AuditLogger{dir: dir, now: time.Now}
}

func (l *AuditLogger) WriteAudit(rec session.AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if hour := l.now().UTC().Format("2006-01-02-15"); hour != l.hour || l.enc == nil {
		if err := l.openLocked(hour); err != nil {
			return err
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	l.line = append(append(l.line[:0], b...), '\n')
	if _, err := l.enc.Write(l.line); err != nil {
		return fmt.Errorf("audit write: %w", err)
	}
	if err := l.enc.Flush(); err != nil {
		return fmt.Errorf("audit flush: %w", err)
	}
	return nil
}

// openLocked starts a new file for hour. A file left by an earlier process is never appended
// to, since it may end in an unterminated frame.
func (l *AuditLogger) openLocked(hour string) error {
	if err := l.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	for seq := 0; seq < maxSeq; seq++ {
		path := filepath.Join(l.dir, fmt.Sprintf("%s%s-%03d%s", filePrefix, hour, seq, fileSuffix))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return err
		}
		enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest), zstd.WithEncoderConcurrency(1))
		if err != nil {
			_ = f.Close()
			return err
		}
		l.f, l.enc, l.hour = f, enc, hour
		return nil
	}
	return fmt.Errorf("audit: no free file name for hour %s in %s", hour, l.dir)
}

func (l *AuditLogger) closeLocked() error {
	var errs []error
	if l.enc != nil {
		errs = append(errs, l.enc.Close())
		l.enc = nil
	}
	if l.f != nil {
		errs = append(errs, l.f.Close())
		l.f = nil
	}
	l.hour = ""
	return errors.Join(errs...)
}

// Close terminates the current file. A later WriteAudit opens a new one.
func (l *AuditLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

// ReadAudit streams the records of one audit file to fn. A file cut short by a crash yields
// every complete record before the cut.
func ReadAudit(path string, fn func(session.AuditRecord) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			// A partial last line is the record that was being written.
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("%s: %w", path, err)
		}
		if len(line) == 1 {
			continue
		}
		var rec session.AuditRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// AuditFiles lists the audit files in dir, oldest first.
func AuditFiles(dir string) ([]string, error) {
	return filepath.Glob(filepath.Join(dir, filePrefix+"*"+fileSuffix))
}
