package journal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// Kind of a journal entry.
type Kind uint8

const (
	KindStart Kind = iota + 1
	KindCommit
	KindRollback
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "START"
	case KindCommit:
		return "COMMIT"
	case KindRollback:
		return "ROLLBACK"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Terminal reports whether the entry resolves its transaction.
func (k Kind) Terminal() bool {
	return k == KindCommit || k == KindRollback
}

// Entry is one record of the journal.
type Entry struct {
	Kind Kind
	TxID uint64
	// Time is stamped by Append when left zero.
	Time time.Time
	// Tx is only set on START entries.
	Tx *txn.Transaction
	// Code is only set on ROLLBACK entries.
	Code         txn.Code
	Participants []uuid.UUID
}

func StartEntry(tx *txn.Transaction, participants []uuid.UUID) *Entry {
	return &Entry{Kind: KindStart, TxID: tx.ID, Tx: tx, Participants: participants}
}

func CommitEntry(txID uint64, participants []uuid.UUID) *Entry {
	return &Entry{Kind: KindCommit, TxID: txID, Participants: participants}
}

func RollbackEntry(txID uint64, code txn.Code, participants []uuid.UUID) *Entry {
	return &Entry{Kind: KindRollback, TxID: txID, Code: code, Participants: participants}
}

// ErrCorrupt is returned when a frame fails its checksum or cannot be decoded.
var ErrCorrupt = errors.New("journal: corrupt entry")

const (
	frameHeaderSize = 8
	maxFrameSize    = 64 << 20
)

// frame layout: | body length uint32 | crc32(body) uint32 | body |
func encodeFrame(e *Entry) ([]byte, error) {
	body, err := encodeEntry(e)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

// readFrame returns io.EOF at a clean end and io.ErrUnexpectedEOF for a torn tail.
func readFrame(r *bufio.Reader) (*Entry, error) {
	e, _, err := readSizedFrame(r)
	return e, err
}

// readSizedFrame is readFrame that also returns the number of bytes the frame took.
func readSizedFrame(r *bufio.Reader) (*Entry, int64, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, 0, err
	}
	size := binary.LittleEndian.Uint32(header[0:4])
	if size == 0 || size > maxFrameSize {
		return nil, 0, fmt.Errorf("%w: frame size %d", ErrCorrupt, size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}
	if crc32.ChecksumIEEE(body) != binary.LittleEndian.Uint32(header[4:8]) {
		return nil, 0, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	e, err := decodeEntry(body)
	if err != nil {
		return nil, 0, err
	}
	return e, frameHeaderSize + int64(size), nil
}

func encodeEntry(e *Entry) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(e.Kind))
	_ = binary.Write(buf, binary.LittleEndian, e.TxID)
	_ = binary.Write(buf, binary.LittleEndian, e.Time.UnixNano())

	switch e.Kind {
	case KindStart:
		if e.Tx == nil {
			return nil, fmt.Errorf("journal: START entry for tx %d without transaction", e.TxID)
		}
		buf.Write(e.Tx.TaskID[:])
		buf.Write(e.Tx.ResourceID[:])
		buf.Write(e.Tx.InitiatorID[:])
		_ = binary.Write(buf, binary.LittleEndian, int64(e.Tx.Timeout))
		_ = binary.Write(buf, binary.LittleEndian, uint32(len(e.Tx.Payload)))
		buf.Write(e.Tx.Payload)
	case KindRollback:
		_ = binary.Write(buf, binary.LittleEndian, int32(e.Code))
	case KindCommit:
	default:
		return nil, fmt.Errorf("journal: unknown entry kind %d", e.Kind)
	}

	_ = binary.Write(buf, binary.LittleEndian, uint32(len(e.Participants)))
	for _, p := range e.Participants {
		buf.Write(p[:])
	}
	return buf.Bytes(), nil
}

func decodeEntry(body []byte) (*Entry, error) {
	r := bytes.NewReader(body)
	kind, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	e := &Entry{Kind: Kind(kind)}
	if err = binary.Read(r, binary.LittleEndian, &e.TxID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	var at int64
	if err = binary.Read(r, binary.LittleEndian, &at); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	e.Time = time.Unix(0, at)

	switch e.Kind {
	case KindStart:
		tx := &txn.Transaction{ID: e.TxID}
		var (
			timeout    int64
			payloadLen uint32
		)
		for _, id := range []*uuid.UUID{&tx.TaskID, &tx.ResourceID, &tx.InitiatorID} {
			if _, err = io.ReadFull(r, id[:]); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
		}
		if err = binary.Read(r, binary.LittleEndian, &timeout); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if err = binary.Read(r, binary.LittleEndian, &payloadLen); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if int(payloadLen) > r.Len() {
			return nil, fmt.Errorf("%w: payload length %d", ErrCorrupt, payloadLen)
		}
		tx.Payload = make([]byte, payloadLen)
		if _, err = io.ReadFull(r, tx.Payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		tx.Timeout = time.Duration(timeout)
		e.Tx = tx
	case KindRollback:
		var code int32
		if err = binary.Read(r, binary.LittleEndian, &code); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		e.Code = txn.Code(code)
	case KindCommit:
	default:
		return nil, fmt.Errorf("%w: unknown kind %d", ErrCorrupt, kind)
	}

	var count uint32
	if err = binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if int(count)*16 > r.Len() {
		return nil, fmt.Errorf("%w: participant count %d", ErrCorrupt, count)
	}
	e.Participants = make([]uuid.UUID, count)
	for i := range e.Participants {
		if _, err = io.ReadFull(r, e.Participants[i][:]); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}
	return e, nil
}
