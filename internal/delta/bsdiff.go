package delta

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// applyBsdiff reconstructs dst from src and patch using the classic
// bsdiff control-tuple stream: a repeating (diff_len, extra_len,
// seek_len) triple, each followed by diff_len bytes to add onto the
// next diff_len bytes of src, then extra_len literal bytes, then src's
// read cursor seeks by seek_len (possibly negative). This is the
// "bsdiff-family reconstruction algorithm" §4.7 names for the BSDIFF
// opcode.
func applyBsdiff(src []byte, patch []byte, dstLen int64) ([]byte, error) {
	r := bytes.NewReader(patch)
	dst := make([]byte, 0, dstLen)
	var srcPos int64

	for int64(len(dst)) < dstLen {
		diffLen, err := readInt64(r)
		if err != nil {
			return nil, fmt.Errorf("delta: bsdiff control read: %w", err)
		}
		extraLen, err := readInt64(r)
		if err != nil {
			return nil, fmt.Errorf("delta: bsdiff control read: %w", err)
		}
		seekLen, err := readInt64(r)
		if err != nil {
			return nil, fmt.Errorf("delta: bsdiff control read: %w", err)
		}

		if diffLen < 0 || extraLen < 0 {
			return nil, fmt.Errorf("delta: bsdiff control has negative length")
		}

		diff := make([]byte, diffLen)
		if _, err := io.ReadFull(r, diff); err != nil {
			return nil, fmt.Errorf("delta: bsdiff diff bytes: %w", err)
		}
		for i := range diff {
			if srcPos+int64(i) >= int64(len(src)) {
				return nil, fmt.Errorf("delta: bsdiff diff block reads past end of source")
			}
			diff[i] += src[srcPos+int64(i)]
		}
		dst = append(dst, diff...)
		srcPos += diffLen

		extra := make([]byte, extraLen)
		if _, err := io.ReadFull(r, extra); err != nil {
			return nil, fmt.Errorf("delta: bsdiff extra bytes: %w", err)
		}
		dst = append(dst, extra...)

		srcPos += seekLen
	}

	if int64(len(dst)) != dstLen {
		return nil, fmt.Errorf("delta: bsdiff reconstruction produced %d bytes, want %d", len(dst), dstLen)
	}
	return dst, nil
}

// readInt64 decodes a bsdiff-style signed 64-bit little-endian integer
// where the sign occupies the top bit of the encoded magnitude rather
// than two's complement (the classic bsdiff wire format).
func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	magnitude := int64(binary.LittleEndian.Uint64(buf[:]) &^ (1 << 63))
	if buf[7]&0x80 != 0 {
		return -magnitude, nil
	}
	return magnitude, nil
}
