package annotate

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Messages to and from the model worker are msgpack documents, each
// preceded by its length as a 4-byte big-endian integer.
//
// The worker speaks first with {type: ready}. Then, one response per request:
//
//	configure  counter, model, region [[x,y],...], classes
//	annotate   counter, seq, width, height, data
//	close      counter
//
// Frame data in both directions is packed bgr24, row-major, width*height*3
// bytes, the layout OpenCV uses. Annotate replies carry a frame of the same
// size plus the counter's running counts. models/count_worker.py is the
// reference worker.

const (
	msgReady     = "ready"
	msgConfigure = "configure"
	msgAnnotate  = "annotate"
	msgClose     = "close"
)

type request struct {
	Type    string  `msgpack:"type"`
	Counter string  `msgpack:"counter,omitempty"`
	Model   string  `msgpack:"model,omitempty"`
	Region  Polygon `msgpack:"region,omitempty"`
	Classes []int   `msgpack:"classes,omitempty"`
	Seq     int     `msgpack:"seq"`
	Width   int     `msgpack:"width,omitempty"`
	Height  int     `msgpack:"height,omitempty"`
	Data    []byte  `msgpack:"data,omitempty"`
}

type response struct {
	Type    string         `msgpack:"type"`
	OK      bool           `msgpack:"ok"`
	Error   string         `msgpack:"error"`
	Counter string         `msgpack:"counter"`
	Seq     int            `msgpack:"seq"`
	Data    []byte         `msgpack:"data"`
	Counts  map[string]int `msgpack:"counts"`
}

func writeMessage(w io.Writer, v interface{}) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack message: %w", err)
	}

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("failed to write length prefix: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("failed to write msgpack data: %w", err)
	}
	return nil
}

func readMessage(r io.Reader, v interface{}, limit int) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("failed to read length prefix: %w", err)
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if limit > 0 && int64(size) > int64(limit) {
		return fmt.Errorf("message of %d bytes exceeds limit of %d", size, limit)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("failed to read msgpack data: %w", err)
	}
	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack message: %w", err)
	}
	return nil
}
