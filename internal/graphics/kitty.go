// Package graphics encodes decoded frames into Kitty graphics protocol
// escape sequences: chunked transmission, cell placement, and deletion.
// The codec is pure byte assembly; capability detection decides whether it
// is invoked at all.
package graphics

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"hash/fnv"
	"image"
	"image/png"
	"strings"
)

// chunkSize is the base64 payload length per transmission escape.
const chunkSize = 4096

// Codec builds protocol sequences. wrapTmux routes every sequence through
// the tmux passthrough envelope with payload escapes doubled.
type Codec struct {
	wrapTmux bool
}

// NewCodec creates a codec. Pass tmux=true when running inside tmux so
// sequences survive the multiplexer.
func NewCodec(tmux bool) *Codec {
	return &Codec{wrapTmux: tmux}
}

// ImageID derives the stable 32-bit protocol id for an item/url pair, so
// re-placing the same content reuses the already transmitted image.
func ImageID(itemID, url string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(itemID))
	h.Write([]byte(url))
	return h.Sum32()
}

// Transmit encodes the frame as PNG and returns the chunked transmission
// sequence for the image id. The first chunk declares the PNG format
// (f=100); every chunk except the last sets m=1.
func (c *Codec) Transmit(id uint32, frame image.Image) ([]byte, error) {
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, frame); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(pngBuf.Bytes())
	if encoded == "" {
		return nil, fmt.Errorf("empty png payload")
	}

	var out bytes.Buffer
	for offset := 0; offset < len(encoded); offset += chunkSize {
		end := offset + chunkSize
		if end > len(encoded) {
			end = len(encoded)
		}
		more := 0
		if end < len(encoded) {
			more = 1
		}

		var chunk strings.Builder
		if offset == 0 {
			fmt.Fprintf(&chunk, "\x1b_Ga=t,q=2,i=%d,f=100,m=%d;", id, more)
		} else {
			fmt.Fprintf(&chunk, "\x1b_Ga=t,q=2,i=%d,m=%d;", id, more)
		}
		chunk.WriteString(encoded[offset:end])
		chunk.WriteString("\x1b\\")

		out.WriteString(c.wrap(chunk.String()))
	}
	return out.Bytes(), nil
}

// Place returns the placement sequence pinning the transmitted image at the
// cursor cell with a cols x rows footprint. C=1 keeps the cursor put.
func (c *Codec) Place(id uint32, cols, rows int) []byte {
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	base := fmt.Sprintf("\x1b_Ga=p,q=2,C=1,i=%d,c=%d,r=%d;\x1b\\", id, cols, rows)
	return []byte(c.wrap(base))
}

// PlaceAt moves the cursor to a 1-based cell origin, places, and restores
// the cursor, as one self-contained sequence.
func (c *Codec) PlaceAt(id uint32, col, row, cols, rows int) []byte {
	if col < 1 {
		col = 1
	}
	if row < 1 {
		row = 1
	}
	var out bytes.Buffer
	out.WriteString("\x1b7")                        // save cursor
	fmt.Fprintf(&out, "\x1b[%d;%dH", row, col)      // move
	out.Write(c.Place(id, cols, rows))              // place at cursor
	out.WriteString("\x1b8")                        // restore cursor
	return out.Bytes()
}

// Delete returns the delete-by-id sequence clearing one placed image.
func (c *Codec) Delete(id uint32) []byte {
	base := fmt.Sprintf("\x1b_Ga=d,q=2,i=%d;\x1b\\", id)
	return []byte(c.wrap(base))
}

// DeleteAll returns the sequence clearing every placed image.
func (c *Codec) DeleteAll() []byte {
	return []byte(c.wrap("\x1b_Ga=d,d=A\x1b\\"))
}

// wrap applies the tmux passthrough envelope: ESC P tmux ; <payload with
// every ESC doubled> ESC \.
func (c *Codec) wrap(seq string) string {
	if !c.wrapTmux {
		return seq
	}
	escaped := strings.ReplaceAll(seq, "\x1b", "\x1b\x1b")
	return "\x1bPtmux;" + escaped + "\x1b\\"
}
