package memview

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MemView represents a "view" on a collection of byte slices. Conceptually, you
// may think of it as a [][]byte, with helper methods to make it seem like one
// contiguous []byte. TLS record bodies are appended to a MemView one chunk per
// record so that a handshake message split across records can be read as if
// it had arrived in one piece, without copying the records together.
//
// Modifying a MemView does not change the underlying data. Instead, it simply
// changes the pointers to where to read data from.
//
// The zero value is an empty MemView ready to use.
type MemView struct {
	buf    [][]byte
	length int64
}

// The new MemView does NOT make a copy of data, so the caller MUST ensure that
// the underlying memory of data remains valid and unmodified after this call
// returns.
func New(data []byte) MemView {
	return MemView{
		buf:    [][]byte{data},
		length: int64(len(data)),
	}
}

func (dst *MemView) Append(src MemView) {
	dst.buf = append(dst.buf, src.buf...)
	dst.length += src.length
}

func (mv *MemView) CreateReader() *MemViewReader {
	return &MemViewReader{mv: mv}
}

func (mv MemView) Len() int64 {
	return mv.length
}

// Number of chunks backing this view.
func (mv MemView) Chunks() int {
	return len(mv.buf)
}

// Returns a copy of mv[start:end]. Returns nil if start is negative, start >
// end, or end is out of bounds.
func (mv MemView) getBytes(start, end int64) []byte {
	if !(0 <= start && start <= end && end <= mv.Len()) {
		return nil
	}

	result := make([]byte, end-start)
	resultIdx := int64(0)

	for bufIdx := 0; bufIdx < len(mv.buf) && start < end; bufIdx++ {
		bufLen := int64(len(mv.buf[bufIdx]))
		if start >= bufLen {
			start -= bufLen
			end -= bufLen
			continue
		}

		copyEnd := end
		if copyEnd > bufLen {
			copyEnd = bufLen
		}

		copy(result[resultIdx:], mv.buf[bufIdx][start:copyEnd])

		resultIdx += copyEnd - start
		start = 0
		end -= bufLen
	}

	return result
}

// Returns a contiguous copy of all the data referenced by this MemView.
func (mv MemView) Bytes() []byte {
	return mv.getBytes(0, mv.length)
}

// Returns mv[offset:offset+3], interpreted as an unsigned 24-bit integer in
// network (big endian) order. Returns 0 if offset+2 is out of bounds.
func (mv MemView) GetUint24(offset int64) uint32 {
	buf := mv.getBytes(offset, offset+3)
	if buf == nil {
		return 0
	}
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
}

// Returns mv[start:end] (end is not inclusive). Returns an empty MemView if
// range is invalid.
func (mv MemView) SubView(start, end int64) MemView {
	if start >= end || start < 0 || end > mv.length {
		return MemView{}
	}

	startBuf := -1
	endBuf := -1
	var startOffset, endOffset int

	var n int64
	for i, b := range mv.buf {
		lb := int64(len(b))
		if startBuf == -1 && n+lb > start {
			startBuf = i
			startOffset = int(start - n)
		}
		if endBuf == -1 && n+lb >= end { // >= because end is not inclusive
			endBuf = i
			endOffset = int(end - n)
			break
		}
		n += lb
	}

	if startBuf == -1 || endBuf == -1 {
		return MemView{}
	}

	newBuf := make([][]byte, endBuf+1-startBuf)
	copy(newBuf, mv.buf[startBuf:endBuf+1])
	sub := MemView{
		buf:    newBuf,
		length: end - start,
	}
	if len(sub.buf) == 1 {
		sub.buf[0] = sub.buf[0][startOffset:endOffset]
	} else {
		sub.buf[0] = sub.buf[0][startOffset:]
		sub.buf[len(sub.buf)-1] = sub.buf[len(sub.buf)-1][:endOffset]
	}
	return sub
}

// Returns a string of all the data referenced by this MemView. Note that is
// creates a COPY of the underlying data.
func (mv MemView) String() string {
	var buf bytes.Buffer
	io.Copy(&buf, mv.CreateReader())
	return buf.String()
}

type MemViewReader struct {
	mv *MemView

	// Index for the element from mv.buf to read next.
	rIndex int

	// Offset into mv.buf[rIndex] for the next read.
	rOffset int

	// Global offset into mv for the next read.
	gOffset int64
}

var _ io.ReadSeeker = (*MemViewReader)(nil)

// Number of bytes left between the current position and the end of the view.
func (r *MemViewReader) Remaining() int64 {
	return r.mv.length - r.gOffset
}

func (r *MemViewReader) ReadByte() (byte, error) {
	for r.rIndex < len(r.mv.buf) {
		curBuf := r.mv.buf[r.rIndex]
		if r.rOffset < len(curBuf) {
			result := curBuf[r.rOffset]
			r.rOffset++
			r.gOffset++
			return result, nil
		}
		r.rIndex++
		r.rOffset = 0
	}

	return 0, io.EOF
}

func (r *MemViewReader) ReadUint16() (uint16, error) {
	buf, err := r.ReadBytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf), nil
}

func (r *MemViewReader) ReadUint24() (uint32, error) {
	buf, err := r.ReadBytes(3)
	if err != nil {
		return 0, err
	}
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]), nil
}

// Reads exactly length bytes. Returns io.EOF if nothing is left and
// io.ErrUnexpectedEOF if the view ends part way through.
func (r *MemViewReader) ReadBytes(length int) ([]byte, error) {
	result := make([]byte, length)
	if length == 0 {
		return result, nil
	}
	read, err := r.Read(result)
	if err != nil {
		return nil, err
	}
	if read != length {
		return nil, io.ErrUnexpectedEOF
	}
	return result, nil
}

// Reads a string whose length is indicated by the next byte.
func (r *MemViewReader) ReadString_byte() (string, error) {
	length, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	buf, err := r.ReadBytes(int(length))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Reads a string whose length is indicated by the next uint16.
func (r *MemViewReader) ReadString_uint16() (string, error) {
	length, err := r.ReadUint16()
	if err != nil {
		return "", err
	}
	buf, err := r.ReadBytes(int(length))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Returns a reader over a TLS vector whose length is given by the next byte,
// and advances this reader past the vector.
func (r *MemViewReader) ReadVector_byte() (*MemViewReader, error) {
	length, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	return r.readVector(int64(length))
}

// Returns a reader over a TLS vector whose length is given by the next uint16,
// and advances this reader past the vector.
func (r *MemViewReader) ReadVector_uint16() (*MemViewReader, error) {
	length, err := r.ReadUint16()
	if err != nil {
		return nil, err
	}
	return r.readVector(int64(length))
}

// Returns a reader over a TLS vector whose length is given by the next uint24,
// and advances this reader past the vector.
func (r *MemViewReader) ReadVector_uint24() (*MemViewReader, error) {
	length, err := r.ReadUint24()
	if err != nil {
		return nil, err
	}
	return r.readVector(int64(length))
}

func (r *MemViewReader) readVector(length int64) (*MemViewReader, error) {
	fieldReader, err := r.Truncate(length)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(length, io.SeekCurrent); err != nil {
		return nil, err
	}
	return fieldReader, nil
}

// If MemView has no data to return, err is io.EOF (unless len(out) is zero),
// otherwise it is nil. This behavior matches that of bytes.Buffer.
func (r *MemViewReader) Read(out []byte) (int, error) {
	if len(out) == 0 {
		return 0, nil
	} else if r.rIndex >= len(r.mv.buf) {
		return 0, io.EOF
	}

	bytesRead := 0
	for i := r.rIndex; i < len(r.mv.buf); i++ {
		curr := r.mv.buf[i][r.rOffset:]
		cp := copy(out[bytesRead:], curr)
		bytesRead += cp
		r.gOffset += int64(cp)
		if cp == len(curr) {
			r.rIndex += 1
			r.rOffset = 0
		} else {
			// If cp < len(curr), it means we've run out of output space.
			r.rOffset += cp
			return bytesRead, nil
		}
	}

	if bytesRead == 0 {
		return 0, io.EOF
	}
	return bytesRead, nil
}

// Implements ReadSeeker.Seek. Seeking past the end leaves the reader at the
// end of the view.
func (r *MemViewReader) Seek(offset int64, whence int) (absoluteOffset int64, err error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += r.gOffset
	case io.SeekEnd:
		offset += r.mv.length
	default:
		return 0, errors.New("MemViewReader.Seek: invalid whence")
	}

	if offset < 0 {
		return 0, errors.New("MemViewReader.Seek: negative position")
	}
	if offset > r.mv.length {
		offset = r.mv.length
	}

	r.rIndex, r.rOffset, r.gOffset = 0, 0, offset
	remaining := offset
	for r.rIndex < len(r.mv.buf) {
		lb := int64(len(r.mv.buf[r.rIndex]))
		if remaining < lb {
			r.rOffset = int(remaining)
			break
		}
		remaining -= lb
		r.rIndex++
	}
	return r.gOffset, nil
}

// Returns a copy of this MemViewReader, except the underlying MemView is a
// subview from the current position to the given relative offset. Returns an
// error if the offset is negative or is past the end of the current MemView.
func (r *MemViewReader) Truncate(offset int64) (*MemViewReader, error) {
	endPos := r.gOffset + offset
	if offset < 0 || endPos > r.mv.length {
		return nil, errors.Errorf("MemViewReader.Truncate: invalid offset %d with %d bytes remaining", offset, r.Remaining())
	}

	subView := r.mv.SubView(r.gOffset, endPos)
	return subView.CreateReader(), nil
}
