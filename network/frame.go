package network

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize limits the size of single message read from a stream.
const maxFrameSize = 32 << 20

// writeFrame writes uvarint length prefix followed by the data.
func writeFrame(w io.Writer, data []byte) error {
	buf := make([]byte, binary.MaxVarintLen64, binary.MaxVarintLen64+len(data))
	n := binary.PutUvarint(buf, uint64(len(data)))
	_, err := w.Write(append(buf[:n], data...))
	return err
}

// readFrame reads single length prefixed message, io.EOF is returned when
// the stream ends before the next frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds the limit %d", length, maxFrameSize)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return buf, nil
}
