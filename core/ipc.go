package core

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"sync"
)

// IPCTag identifies the kind of message flowing over the supervisor<->worker
// channel. Payload shapes are fixed per tag (spec.md §6).
type IPCTag uint8

const (
	TagHello IPCTag = iota
	TagBye
	TagCompileError
	TagCompileMessage
	TagGradingBegin
	TagGradingEnd
	TagGradingAborted
	TagBatchBegin
	TagBatchEnd
	TagResult
	TagUnhandledException
	TagRequestAbort
)

func (t IPCTag) String() string {
	switch t {
	case TagHello:
		return "HELLO"
	case TagBye:
		return "BYE"
	case TagCompileError:
		return "COMPILE_ERROR"
	case TagCompileMessage:
		return "COMPILE_MESSAGE"
	case TagGradingBegin:
		return "GRADING_BEGIN"
	case TagGradingEnd:
		return "GRADING_END"
	case TagGradingAborted:
		return "GRADING_ABORTED"
	case TagBatchBegin:
		return "BATCH_BEGIN"
	case TagBatchEnd:
		return "BATCH_END"
	case TagResult:
		return "RESULT"
	case TagUnhandledException:
		return "UNHANDLED_EXCEPTION"
	case TagRequestAbort:
		return "REQUEST_ABORT"
	default:
		return fmt.Sprintf("IPCTag(%d)", t)
	}
}

// IPCMessage is the tagged union carried over the channel. Only the field
// matching Tag is meaningful; the rest are zero values.
type IPCMessage struct {
	Tag IPCTag

	Message     string // COMPILE_ERROR / COMPILE_MESSAGE / UNHANDLED_EXCEPTION
	PretestOnly bool   // GRADING_BEGIN
	BatchNumber int    // BATCH_BEGIN / BATCH_END / RESULT (0 = no batch for RESULT)
	HasBatch    bool   // RESULT: whether BatchNumber is meaningful
	CaseNumber  int    // RESULT, 1-indexed
	Result      Result // RESULT
}

// Conn is a framed, bidirectional IPC channel. Each direction is a plain
// io.Reader/io.Writer (typically one end of an os.Pipe pair); messages are
// length-prefixed gob envelopes so they survive partial reads/writes across
// a process boundary, per spec.md §4.7.
type Conn struct {
	r       *bufio.Reader
	w       io.Writer
	writeMu sync.Mutex
	closer  io.Closer
}

// NewConn wraps a read side and write side of a duplex pipe into a framed
// Conn. closer, if non-nil, is invoked by Close to release both ends.
func NewConn(r io.Reader, w io.Writer, closer io.Closer) *Conn {
	return &Conn{r: bufio.NewReader(r), w: w, closer: closer}
}

// Send encodes and writes one message, length-prefixed. The write lock
// makes it safe for the worker's inbound listener and main loop to share
// one Conn without external synchronization.
func (c *Conn) Send(msg IPCMessage) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&msg); err != nil {
		return fmt.Errorf("ipc: encode: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(buf.Len()))
	if _, err := c.w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("ipc: write length: %w", err)
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("ipc: write payload: %w", err)
	}
	return nil
}

// Recv blocks until one full message has been read, or returns an error
// (io.EOF when the peer closed its write end).
func (c *Conn) Recv() (IPCMessage, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(c.r, lenPrefix[:]); err != nil {
		return IPCMessage{}, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return IPCMessage{}, err
	}
	var msg IPCMessage
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&msg); err != nil {
		return IPCMessage{}, fmt.Errorf("ipc: decode: %w", err)
	}
	return msg, nil
}

// Close releases the underlying transport, if one was supplied.
func (c *Conn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
