// Package chunker splits a spooled file into fixed-size parts.
package chunker

import (
	"errors"
	"fmt"
	"io"

	"relaybox/internal/models"
)

// ReadError reports a failure reading the bytes of one part from the source.
type ReadError struct {
	Sequence int
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read part %d: %v", e.Sequence, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Chunker yields the parts of src lazily. The source is addressed by offset,
// so Reset re-reads it from the start.
type Chunker struct {
	src      io.ReaderAt
	size     int64
	partSize int64
	next     int
	buf      []byte
}

// New returns a chunker over the first size bytes of src.
func New(src io.ReaderAt, size, partSize int64) (*Chunker, error) {
	if src == nil {
		return nil, fmt.Errorf("source is required")
	}
	if size < 0 {
		return nil, fmt.Errorf("size must not be negative")
	}
	if partSize <= 0 {
		return nil, fmt.Errorf("part size must be positive")
	}
	return &Chunker{src: src, size: size, partSize: partSize, next: 1}, nil
}

// Count returns ceil(size/partSize).
func (c *Chunker) Count() int {
	if c.size == 0 {
		return 0
	}
	return int((c.size + c.partSize - 1) / c.partSize)
}

// PartSize returns the size of the part with the given sequence number, or 0
// when the sequence is out of range.
func (c *Chunker) PartSize(sequence int) int64 {
	if sequence < 1 || sequence > c.Count() {
		return 0
	}
	offset := int64(sequence-1) * c.partSize
	return min(c.partSize, c.size-offset)
}

// Next returns the next part, or io.EOF when every part has been produced.
// The returned Data is only valid until the following call to Next.
func (c *Chunker) Next() (models.Part, error) {
	if c.next > c.Count() {
		return models.Part{}, io.EOF
	}
	seq := c.next
	offset := int64(seq-1) * c.partSize
	size := c.PartSize(seq)

	if int64(cap(c.buf)) < size {
		c.buf = make([]byte, size)
	}
	data := c.buf[:size]
	n, err := c.src.ReadAt(data, offset)
	if int64(n) < size {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return models.Part{}, &ReadError{Sequence: seq, Err: err}
	}

	c.next++
	return models.Part{Sequence: seq, Offset: offset, Size: size, Data: data}, nil
}

// Section returns a reader over the bytes of one part without copying them.
func (c *Chunker) Section(sequence int) (*io.SectionReader, error) {
	size := c.PartSize(sequence)
	if size == 0 {
		return nil, fmt.Errorf("part %d out of range (1..%d)", sequence, c.Count())
	}
	return io.NewSectionReader(c.src, int64(sequence-1)*c.partSize, size), nil
}

// Reset restarts the sequence at part 1.
func (c *Chunker) Reset() {
	c.next = 1
}
