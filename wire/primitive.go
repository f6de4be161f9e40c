package wire

import (
	"bufio"
	"encoding/binary"
	"io"
)

// Writer wraps a *bufio.Writer with the fixed-width big-endian primitive
// encodings and the varuint/string encodings above. It is the thinnest layer
// of the invocation output pipeline (spec.md §4.4); codec.Output builds on
// top of it for object graphs and remote-object substitution.
type Writer struct {
	*bufio.Writer
}

// NewWriter wraps w, buffering writes until Flush is called.
func NewWriter(w io.Writer) *Writer {
	return &Writer{Writer: bufio.NewWriter(w)}
}

func (w *Writer) PutByte(b byte) error { return w.WriteByte(b) }

func (w *Writer) PutBool(b bool) error {
	if b {
		return w.WriteByte(1)
	}
	return w.WriteByte(0)
}

func (w *Writer) PutUint16(v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func (w *Writer) PutUint32(v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func (w *Writer) PutUint64(v uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func (w *Writer) PutVarUint(v uint32) error { return PutVarUint(w.Writer, v) }

func (w *Writer) PutString(s string) error { return PutString(w.Writer, s) }

func (w *Writer) PutNullString() error { return PutNullString(w.Writer) }

func (w *Writer) PutBytes(b []byte) error {
	if err := w.PutVarUint(uint32(len(b)) + 1); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func (w *Writer) PutNullBytes() error { return w.PutVarUint(0) }

// Reader wraps a *bufio.Reader with the matching decode operations.
type Reader struct {
	*bufio.Reader
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{Reader: bufio.NewReader(r)}
}

func (r *Reader) GetByte() (byte, error) { return r.ReadByte() }

func (r *Reader) GetBool() (bool, error) {
	b, err := r.ReadByte()
	return b != 0, err
}

func (r *Reader) GetUint16() (uint16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func (r *Reader) GetUint32() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func (r *Reader) GetUint64() (uint64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func (r *Reader) GetVarUint() (uint32, error) { return ReadVarUint(r.Reader) }

func (r *Reader) GetString() (s string, ok bool, err error) { return ReadString(r.Reader) }

func (r *Reader) GetBytes() (b []byte, ok bool, err error) {
	lenPlus1, err := r.GetVarUint()
	if err != nil {
		return nil, false, err
	}
	if lenPlus1 == 0 {
		return nil, false, nil
	}
	b = make([]byte, lenPlus1-1)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// PutIdentifier writes a 16-byte identifier value verbatim.
func (w *Writer) PutIdentifier(id [16]byte) error {
	_, err := w.Write(id[:])
	return err
}

// GetIdentifier reads a 16-byte identifier value verbatim.
func (r *Reader) GetIdentifier() (id [16]byte, err error) {
	_, err = io.ReadFull(r, id[:])
	return id, err
}
