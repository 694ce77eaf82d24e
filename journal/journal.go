package journal

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/go2pc/log"
	"github.com/xiaoxuxiansheng/go2pc/txn"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Journal
// 1. One append-only journal per (node, resource manager). It records START, COMMIT and
//    ROLLBACK of every transaction the resource manager took part in.
// 2. The current file rotates by size; rotated files keep the prefix plus a timestamp so
//    that sorting by name yields write order.
// 3. Reads (replay, tail lookup, extraction) hold the journal lock, so a rotation never
//    happens under a reader.

const ext = ".journal"

// ErrClosed is returned by operations on a journal that is not started.
var ErrClosed = errors.New("journal: closed")

type Journal struct {
	mu         sync.Mutex
	dir        string
	prefix     string
	opts       *Options
	w          *lumberjack.Logger
	lastRotate time.Time
}

// New returns a journal for the resource manager on the node. Start must be called
// before use.
func New(dir string, nodeID, resourceID uuid.UUID, opts ...Option) *Journal {
	j := Journal{
		dir:    dir,
		prefix: Prefix(nodeID, resourceID),
		opts:   &Options{},
	}
	for _, opt := range opts {
		opt(j.opts)
	}
	repair(j.opts)
	return &j
}

// Prefix is the file name prefix shared by all files of one journal.
func Prefix(nodeID, resourceID uuid.UUID) string {
	return fmt.Sprintf("tx-%s-%s", nodeID, resourceID)
}

// Path of the file currently written to.
func (j *Journal) Path() string {
	return filepath.Join(j.dir, j.prefix+ext)
}

func (j *Journal) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w != nil {
		return nil
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return fmt.Errorf("journal: create dir: %w", err)
	}
	// lumberjack opens lazily; make sure the current file exists for readers
	f, err := os.OpenFile(j.Path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", j.Path(), err)
	}
	_ = f.Close()
	// a torn tail left by a crash would hide everything appended after it
	if err = repairTail(j.Path()); err != nil {
		return err
	}

	j.w = &lumberjack.Logger{
		Filename:   j.Path(),
		MaxSize:    j.opts.MaxSizeMB,
		MaxBackups: j.opts.MaxBackups,
		LocalTime:  j.opts.LocalTime,
	}
	return nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return nil
	}
	err := j.w.Close()
	j.w = nil
	return err
}

// Append writes one entry. The entry is a single write, so it never straddles a rotation.
func (j *Journal) Append(e *Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	frame, err := encodeFrame(e)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return ErrClosed
	}
	if _, err = j.w.Write(frame); err != nil {
		return fmt.Errorf("journal: append %s tx %d: %w", e.Kind, e.TxID, err)
	}
	return nil
}

// Rotate closes the current file and starts a new one.
func (j *Journal) Rotate() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.w == nil {
		return ErrClosed
	}
	// backup names carry millisecond timestamps
	if wait := time.Millisecond - time.Since(j.lastRotate); wait > 0 {
		time.Sleep(wait)
	}
	j.lastRotate = time.Now()
	return j.w.Rotate()
}

// Files lists the journal files oldest first, the current file last.
func (j *Journal) Files() ([]string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.files()
}

func (j *Journal) files() ([]string, error) {
	backups, err := filepath.Glob(filepath.Join(j.dir, j.prefix+"-*"+ext))
	if err != nil {
		return nil, err
	}
	sort.Strings(backups)
	if _, err = os.Stat(j.Path()); err == nil {
		backups = append(backups, j.Path())
	} else if !os.IsNotExist(err) {
		return nil, err
	}
	return backups, nil
}

// Replay hands every entry to fn in write order. A torn or corrupt frame ends the file
// it is found in.
func (j *Journal) Replay(fn func(*Entry) error) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	files, err := j.files()
	if err != nil {
		return err
	}
	for _, file := range files {
		if err = scanFile(file, fn); err != nil {
			return err
		}
	}
	return nil
}

var errStop = errors.New("stop")

func scanFile(path string, fn func(*Entry) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		e, err := readFrame(r)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, ErrCorrupt):
			log.WarnContextf(context.Background(), "journal %s: truncated read: %v", path, err)
			return nil
		default:
			return fmt.Errorf("journal: read %s: %w", path, err)
		}
		if err = fn(e); err != nil {
			return err
		}
	}
}

// repairTail truncates the file after its last intact frame.
func repairTail(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("journal: stat %s: %w", path, err)
	}

	var good int64
	r := bufio.NewReader(f)
	for {
		_, n, err := readSizedFrame(r)
		if err == nil {
			good += n
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, ErrCorrupt) {
			return fmt.Errorf("journal: read %s: %w", path, err)
		}
		break
	}
	if good == info.Size() {
		return nil
	}
	log.WarnContextf(context.Background(), "journal %s: dropping %d bytes of torn tail", path, info.Size()-good)
	if err = f.Truncate(good); err != nil {
		return fmt.Errorf("journal: truncate %s: %w", path, err)
	}
	return nil
}

// LastCompleted returns the highest transaction id with a COMMIT or ROLLBACK entry, 0 when
// there is none. Files are scanned newest first and the scan stops at the first file that
// holds a terminal entry.
func (j *Journal) LastCompleted() (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	files, err := j.files()
	if err != nil {
		return 0, err
	}
	for i := len(files) - 1; i >= 0; i-- {
		var last uint64
		err = scanFile(files[i], func(e *Entry) error {
			if e.Kind.Terminal() && e.TxID > last {
				last = e.TxID
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		if last > 0 {
			return last, nil
		}
	}
	return 0, nil
}

// Extract returns the entries with from < TxID <= to in write order.
func (j *Journal) Extract(from, to uint64) ([]*Entry, error) {
	var entries []*Entry
	err := j.Replay(func(e *Entry) error {
		if e.TxID > from && e.TxID <= to {
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Record pairs a START with its terminal entry.
type Record struct {
	Tx     *txn.Transaction
	Status txn.Status
	Code   txn.Code
	// Time of the latest entry of the transaction.
	Time time.Time
}

// Records rebuilds the per transaction view of the journal ordered by transaction id.
// A START without terminal entry yields StatusStarted. Terminal entries whose START is
// not in the journal are skipped.
func (j *Journal) Records() ([]*Record, error) {
	byID := make(map[uint64]*Record)
	err := j.Replay(func(e *Entry) error {
		switch e.Kind {
		case KindStart:
			byID[e.TxID] = &Record{Tx: e.Tx, Status: txn.StatusStarted, Time: e.Time}
		case KindCommit, KindRollback:
			rec, ok := byID[e.TxID]
			if !ok {
				return nil
			}
			rec.Status, rec.Code, rec.Time = txn.StatusCommitted, txn.CodeNone, e.Time
			if e.Kind == KindRollback {
				rec.Status, rec.Code = txn.StatusRolledBack, e.Code
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(byID))
	for _, rec := range byID {
		records = append(records, rec)
	}
	sort.Slice(records, func(a, b int) bool { return records[a].Tx.ID < records[b].Tx.ID })
	return records, nil
}

// Find looks up the record of a task. It returns nil when the task is not journaled.
func (j *Journal) Find(taskID uuid.UUID) (*Record, error) {
	var rec *Record
	err := j.Replay(func(e *Entry) error {
		switch {
		case e.Kind == KindStart && e.Tx.TaskID == taskID:
			rec = &Record{Tx: e.Tx, Status: txn.StatusStarted, Time: e.Time}
		case rec != nil && e.Kind.Terminal() && e.TxID == rec.Tx.ID:
			rec.Status, rec.Time = txn.StatusCommitted, e.Time
			if e.Kind == KindRollback {
				rec.Status, rec.Code = txn.StatusRolledBack, e.Code
			}
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return rec, nil
}
