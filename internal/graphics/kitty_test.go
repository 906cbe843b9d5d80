package graphics

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"
)

func TestImageID(t *testing.T) {
	if ImageID("item1", "http://a") != ImageID("item1", "http://a") {
		t.Error("id must be stable for the same item/url pair")
	}
	if ImageID("item1", "http://a") == ImageID("item2", "http://a") {
		t.Error("different items must get different ids")
	}
	if ImageID("item1", "http://a") == ImageID("item1", "http://b") {
		t.Error("different urls must get different ids")
	}
}

// splitChunks breaks codec output into individual escape sequences.
func splitChunks(t *testing.T, out []byte) []string {
	t.Helper()
	parts := strings.Split(string(out), "\x1b\\")
	if last := len(parts) - 1; parts[last] != "" {
		t.Fatalf("output does not end with ST: %q", parts[last])
	}
	return parts[:len(parts)-1]
}

func TestTransmitSingleChunk(t *testing.T) {
	c := NewCodec(false)
	frame := image.NewRGBA(image.Rect(0, 0, 1, 1))
	frame.Set(0, 0, color.RGBA{R: 255, A: 255})

	out, err := c.Transmit(7, frame)
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}

	chunks := splitChunks(t, out)
	if len(chunks) != 1 {
		t.Fatalf("chunks = %d, want 1 for a tiny frame", len(chunks))
	}
	const header = "\x1b_Ga=t,q=2,i=7,f=100,m=0;"
	if !strings.HasPrefix(chunks[0], header) {
		t.Fatalf("chunk header = %q", chunks[0][:min(len(chunks[0]), 40)])
	}

	// The payload must round-trip back to the frame.
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(chunks[0], header))
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if decoded.Bounds().Dx() != 1 || decoded.Bounds().Dy() != 1 {
		t.Errorf("decoded bounds = %v", decoded.Bounds())
	}
}

// noisyFrame builds a frame whose PNG encoding cannot compress below the
// chunk size, forcing a multi-chunk transmission.
func noisyFrame() *image.RGBA {
	frame := image.NewRGBA(image.Rect(0, 0, 64, 64))
	seed := uint32(2463534242)
	for i := range frame.Pix {
		seed ^= seed << 13
		seed ^= seed >> 17
		seed ^= seed << 5
		frame.Pix[i] = uint8(seed)
	}
	return frame
}

func TestTransmitChunking(t *testing.T) {
	c := NewCodec(false)

	out, err := c.Transmit(9, noisyFrame())
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	chunks := splitChunks(t, out)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want a multi-chunk transmission", len(chunks))
	}

	var payload strings.Builder
	for i, chunk := range chunks {
		head, body, found := strings.Cut(chunk, ";")
		if !found {
			t.Fatalf("chunk %d has no payload separator: %q", i, chunk[:min(len(chunk), 40)])
		}
		if i == 0 && !strings.Contains(head, "f=100") {
			t.Errorf("first chunk must declare the png format: %q", head)
		}
		if i > 0 && strings.Contains(head, "f=100") {
			t.Errorf("chunk %d repeats the format declaration: %q", i, head)
		}
		wantMore := "m=1"
		if i == len(chunks)-1 {
			wantMore = "m=0"
		}
		if !strings.Contains(head, wantMore) {
			t.Errorf("chunk %d header = %q, want %s", i, head, wantMore)
		}
		if i < len(chunks)-1 && len(body) != chunkSize {
			t.Errorf("chunk %d payload = %d bytes, want %d", i, len(body), chunkSize)
		}
		payload.WriteString(body)
	}

	raw, err := base64.StdEncoding.DecodeString(payload.String())
	if err != nil {
		t.Fatalf("reassembled payload does not decode: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("reassembled png does not decode: %v", err)
	}
	if decoded.Bounds().Dx() != 64 || decoded.Bounds().Dy() != 64 {
		t.Errorf("decoded bounds = %v", decoded.Bounds())
	}
}

func TestPlace(t *testing.T) {
	c := NewCodec(false)

	if got := string(c.Place(5, 9, 4)); got != "\x1b_Ga=p,q=2,C=1,i=5,c=9,r=4;\x1b\\" {
		t.Errorf("Place = %q", got)
	}
	// Footprints clamp to at least one cell.
	if got := string(c.Place(5, 0, -1)); got != "\x1b_Ga=p,q=2,C=1,i=5,c=1,r=1;\x1b\\" {
		t.Errorf("clamped Place = %q", got)
	}
}

func TestPlaceAt(t *testing.T) {
	c := NewCodec(false)

	want := "\x1b7\x1b[12;3H\x1b_Ga=p,q=2,C=1,i=5,c=9,r=4;\x1b\\\x1b8"
	if got := string(c.PlaceAt(5, 3, 12, 9, 4)); got != want {
		t.Errorf("PlaceAt = %q, want %q", got, want)
	}
	// Origins clamp to the top-left cell.
	if got := string(c.PlaceAt(5, 0, 0, 1, 1)); !strings.Contains(got, "\x1b[1;1H") {
		t.Errorf("clamped PlaceAt = %q", got)
	}
}

func TestDelete(t *testing.T) {
	c := NewCodec(false)

	if got := string(c.Delete(5)); got != "\x1b_Ga=d,q=2,i=5;\x1b\\" {
		t.Errorf("Delete = %q", got)
	}
	if got := string(c.DeleteAll()); got != "\x1b_Ga=d,d=A\x1b\\" {
		t.Errorf("DeleteAll = %q", got)
	}
}

func TestTmuxPassthrough(t *testing.T) {
	c := NewCodec(true)

	want := "\x1bPtmux;\x1b\x1b_Ga=d,q=2,i=5;\x1b\x1b\\\x1b\\"
	if got := string(c.Delete(5)); got != want {
		t.Errorf("wrapped Delete = %q, want %q", got, want)
	}

	// Every transmission chunk gets its own envelope.
	out, err := c.Transmit(9, noisyFrame())
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	envelopes := strings.Count(string(out), "\x1bPtmux;")
	bare, err := NewCodec(false).Transmit(9, noisyFrame())
	if err != nil {
		t.Fatalf("transmit: %v", err)
	}
	if chunks := len(splitChunks(t, bare)); envelopes != chunks {
		t.Errorf("envelopes = %d, chunks = %d", envelopes, chunks)
	}
}
