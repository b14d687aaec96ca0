package binlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"locate-go/fusion"
)

const (
	PcapMagic = 0xA1B2C3D4
	// LinkTypeUser0 marks the records as application defined.
	LinkTypeUser0 = 147

	pcapGlobalLen = 24
	pcapRecordLen = 16
	phdr2Len      = 8

	FlagMessage = 0x01
	FlagConfig  = 0x04

	maxTopicLen = 0xFFFF
	// SnapLen is the largest record, headers excluded, a capture may hold.
	SnapLen = 65535
)

var ErrRecordTooLarge = errors.New("record exceeds snaplen")

// Writer appends transport messages to a pcap-framed capture. Each record carries a
// second header of flag(2), topic length(2) and four reserved bytes, followed by the
// topic and the payload.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	buf []byte
}

func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// NewWriter writes the global header to w.
func NewWriter(w io.Writer) (*Writer, error) {
	cw := &Writer{w: w, buf: make([]byte, pcapRecordLen)}
	if err := cw.writeGlobalHeader(); err != nil {
		return nil, err
	}
	return cw, nil
}

func (cw *Writer) writeGlobalHeader() error {
	// Magic(4), Major(2), Minor(2), Zone(4), Sig(4), Snap(4), Link(4)
	b := make([]byte, pcapGlobalLen)
	binary.LittleEndian.PutUint32(b[0:], PcapMagic)
	binary.LittleEndian.PutUint16(b[4:], 2)
	binary.LittleEndian.PutUint16(b[6:], 4)
	binary.LittleEndian.PutUint32(b[16:], SnapLen)
	binary.LittleEndian.PutUint32(b[20:], LinkTypeUser0)
	_, err := cw.w.Write(b)
	return err
}

// WriteMessage records one inbound transport message received at ts.
func (cw *Writer) WriteMessage(ts time.Time, topic string, payload []byte) error {
	return cw.write(ts, FlagMessage, topic, payload)
}

// WriteRecord stores a configuration snapshot so the capture can be replayed standalone.
func (cw *Writer) WriteRecord(ts time.Time, rec fusion.Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	return cw.write(ts, FlagConfig, "", b)
}

func (cw *Writer) write(ts time.Time, flag uint16, topic string, payload []byte) error {
	if len(topic) > maxTopicLen {
		return fmt.Errorf("topic too long: %d bytes", len(topic))
	}
	if n := phdr2Len + len(topic) + len(payload); n > SnapLen {
		return fmt.Errorf("write %d bytes: %w", n, ErrRecordTooLarge)
	}
	cw.mu.Lock()
	defer cw.mu.Unlock()

	total := uint32(phdr2Len + len(topic) + len(payload))

	// ts_sec(4), ts_usec(4), incl_len(4), orig_len(4)
	binary.LittleEndian.PutUint32(cw.buf[0:], uint32(ts.Unix()))
	binary.LittleEndian.PutUint32(cw.buf[4:], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(cw.buf[8:], total)
	binary.LittleEndian.PutUint32(cw.buf[12:], total)
	if _, err := cw.w.Write(cw.buf[:pcapRecordLen]); err != nil {
		return err
	}

	// flag(2), topic_len(2), reserved(4)
	binary.LittleEndian.PutUint16(cw.buf[0:], flag)
	binary.LittleEndian.PutUint16(cw.buf[2:], uint16(len(topic)))
	binary.LittleEndian.PutUint32(cw.buf[4:], 0)
	if _, err := cw.w.Write(cw.buf[:phdr2Len]); err != nil {
		return err
	}

	if _, err := io.WriteString(cw.w, topic); err != nil {
		return err
	}
	_, err := cw.w.Write(payload)
	return err
}

func (cw *Writer) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	if c, ok := cw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
