package models

// DefaultPartSize is the largest blob the channel accepts: 8 MiB.
const DefaultPartSize int64 = 8 * 1024 * 1024

// Part is one contiguous slice of an uploaded file. Sequence is dense and starts at 1.
type Part struct {
	Sequence int
	Offset   int64
	Size     int64
	Data     []byte
}
