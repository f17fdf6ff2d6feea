package chunker

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func patterned(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func collect(t *testing.T, c *Chunker) [][]byte {
	t.Helper()
	var parts [][]byte
	for {
		part, err := c.Next()
		if errors.Is(err, io.EOF) {
			return parts
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if part.Sequence != len(parts)+1 {
			t.Fatalf("expected sequence %d, got %d", len(parts)+1, part.Sequence)
		}
		parts = append(parts, append([]byte(nil), part.Data...))
	}
}

func TestChunkCompleteness(t *testing.T) {
	const partSize = 64
	for _, size := range []int{1, 63, 64, 65, 128, 129, 1000} {
		data := patterned(size)
		c, err := New(bytes.NewReader(data), int64(size), partSize)
		if err != nil {
			t.Fatalf("new: %v", err)
		}

		parts := collect(t, c)
		wantCount := (size + partSize - 1) / partSize
		if len(parts) != wantCount || c.Count() != wantCount {
			t.Fatalf("size %d: expected %d parts, got %d (Count=%d)", size, wantCount, len(parts), c.Count())
		}
		for i, part := range parts[:len(parts)-1] {
			if len(part) != partSize {
				t.Fatalf("size %d: part %d has size %d", size, i+1, len(part))
			}
		}
		last := len(parts[len(parts)-1])
		wantLast := size % partSize
		if wantLast == 0 {
			wantLast = partSize
		}
		if last != wantLast {
			t.Fatalf("size %d: expected last part %d, got %d", size, wantLast, last)
		}
		if !bytes.Equal(bytes.Join(parts, nil), data) {
			t.Fatalf("size %d: concatenation does not reproduce input", size)
		}
	}
}

func TestChunkSinglePartWhenSmall(t *testing.T) {
	data := patterned(10)
	c, err := New(bytes.NewReader(data), 10, 64)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	parts := collect(t, c)
	if len(parts) != 1 || !bytes.Equal(parts[0], data) {
		t.Fatalf("expected one part equal to input, got %d parts", len(parts))
	}
}

func TestChunkEmptyInput(t *testing.T) {
	c, err := New(bytes.NewReader(nil), 0, 64)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF for empty input, got %v", err)
	}
}

func TestChunkReset(t *testing.T) {
	data := patterned(200)
	c, err := New(bytes.NewReader(data), 200, 64)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	first := collect(t, c)
	c.Reset()
	second := collect(t, c)
	if !bytes.Equal(bytes.Join(first, nil), bytes.Join(second, nil)) {
		t.Fatal("reset should reproduce the same parts")
	}
}

func TestChunkShortSource(t *testing.T) {
	data := patterned(100)
	c, err := New(bytes.NewReader(data), 150, 64)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := c.Next(); err != nil {
		t.Fatalf("first part should succeed: %v", err)
	}
	_, err = c.Next()
	var readErr *ReadError
	if !errors.As(err, &readErr) {
		t.Fatalf("expected ReadError, got %v", err)
	}
	if readErr.Sequence != 2 || !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("unexpected read error: %v", err)
	}
}

func TestChunkSection(t *testing.T) {
	data := patterned(150)
	c, err := New(bytes.NewReader(data), 150, 64)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	sec, err := c.Section(3)
	if err != nil {
		t.Fatalf("section: %v", err)
	}
	got, err := io.ReadAll(sec)
	if err != nil {
		t.Fatalf("read section: %v", err)
	}
	if !bytes.Equal(got, data[128:]) {
		t.Fatal("section 3 does not match tail of input")
	}
	if _, err := c.Section(4); err == nil {
		t.Fatal("expected out of range error")
	}
}

func TestNewRejectsBadArguments(t *testing.T) {
	if _, err := New(nil, 1, 1); err == nil {
		t.Fatal("expected nil source error")
	}
	if _, err := New(bytes.NewReader(nil), 1, 0); err == nil {
		t.Fatal("expected part size error")
	}
	if _, err := New(bytes.NewReader(nil), -1, 1); err == nil {
		t.Fatal("expected negative size error")
	}
}
