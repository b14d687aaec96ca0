package binlog

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"locate-go/fusion"
)

// Entry is one record read back from a capture.
type Entry struct {
	Time    time.Time
	Flag    uint16
	Topic   string
	Payload []byte
}

// Reader streams entries from a capture.
type Reader struct {
	r       io.Reader
	rec     []byte
	hdr     []byte
	snapLen uint32
}

// NewReader validates the global header.
func NewReader(r io.Reader) (*Reader, error) {
	hdr := make([]byte, pcapGlobalLen)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, fmt.Errorf("pcap header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(hdr[0:4]); magic != PcapMagic {
		return nil, fmt.Errorf("pcap header: bad magic %#x", magic)
	}
	snap := binary.LittleEndian.Uint32(hdr[16:20])
	if snap == 0 || snap > SnapLen {
		snap = SnapLen
	}
	return &Reader{r: r, rec: make([]byte, pcapRecordLen), hdr: make([]byte, phdr2Len), snapLen: snap}, nil
}

// Next returns the next entry, or io.EOF at the end of the capture. A record cut short
// by an interrupted write is treated as the end.
func (cr *Reader) Next() (Entry, error) {
	for {
		if _, err := io.ReadFull(cr.r, cr.rec); err != nil {
			return Entry{}, endOf(err, "pcap record")
		}
		tsSec := binary.LittleEndian.Uint32(cr.rec[0:4])
		tsUsec := binary.LittleEndian.Uint32(cr.rec[4:8])
		inclLen := binary.LittleEndian.Uint32(cr.rec[8:12])

		if inclLen > cr.snapLen {
			return Entry{}, fmt.Errorf("pcap record of %d bytes: %w", inclLen, ErrRecordTooLarge)
		}
		if inclLen < phdr2Len {
			// malformed record, skip the stated length
			if _, err := io.CopyN(io.Discard, cr.r, int64(inclLen)); err != nil {
				return Entry{}, endOf(err, "skip malformed record")
			}
			continue
		}
		if _, err := io.ReadFull(cr.r, cr.hdr); err != nil {
			return Entry{}, endOf(err, "pcap phdr2")
		}
		flag := binary.LittleEndian.Uint16(cr.hdr[0:2])
		topicLen := int(binary.LittleEndian.Uint16(cr.hdr[2:4]))

		body := make([]byte, int(inclLen)-phdr2Len)
		if _, err := io.ReadFull(cr.r, body); err != nil {
			return Entry{}, endOf(err, "pcap payload")
		}
		if topicLen > len(body) {
			continue
		}
		return Entry{
			Time:    time.Unix(int64(tsSec), int64(tsUsec)*1000),
			Flag:    flag,
			Topic:   string(body[:topicLen]),
			Payload: body[topicLen:],
		}, nil
	}
}

func endOf(err error, what string) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Capture is a fully parsed capture file.
type Capture struct {
	Path     string
	Messages []Entry
	// Record is the last configuration snapshot, if any.
	Record *fusion.Record
}

func ReadFile(path string) (*Capture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	c, err := Read(f)
	if err != nil {
		return nil, err
	}
	c.Path = path
	return c, nil
}

func Read(r io.Reader) (*Capture, error) {
	cr, err := NewReader(r)
	if err != nil {
		return nil, err
	}
	c := &Capture{}
	for {
		e, err := cr.Next()
		if errors.Is(err, io.EOF) {
			return c, nil
		}
		if err != nil {
			return nil, err
		}
		switch e.Flag {
		case FlagMessage:
			c.Messages = append(c.Messages, e)
		case FlagConfig:
			rec, err := fusion.DecodeRecord(bytes.NewReader(e.Payload))
			if err != nil {
				return nil, fmt.Errorf("config block at %s: %w", e.Time.Format(time.RFC3339), err)
			}
			c.Record = &rec
		}
	}
}
