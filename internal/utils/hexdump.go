// Package utils holds small output helpers shared by the emulation tracing
// code and the CLI.
package utils

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/memdig/smkmdump/internal/colors"
)

// CREDIT: https://pkg.go.dev/encoding/hex (edited to add vaddr and color)

var colorFaint = colors.FaintHiBlue().SprintFunc()

func colorZeros(dump string) string {
	if len(dump) > 0 {
		dubzerosMatch := regexp.MustCompile(`\s(00\s)+|\.`)
		dump = dubzerosMatch.ReplaceAllStringFunc(dump, func(s string) string {
			return colorFaint(s)
		})
	}
	return dump
}

func toChar(b byte) byte {
	if b < 32 || b > 126 {
		return '.'
	}
	return b
}

// HexDump returns a string that contains a hex dump of the given data,
// addressed from vaddr. The format of the hex dump matches the output of
// `hexdump -C` on the command line.
func HexDump(data []byte, vaddr uint64) string {
	if len(data) == 0 {
		return ""
	}

	var buf strings.Builder
	var addr [8]byte
	var enc [16]byte

	for off := 0; off < len(data); off += 16 {
		line := data[off:min(off+16, len(data))]

		addr[0] = byte((vaddr + uint64(off)) >> 56)
		addr[1] = byte((vaddr + uint64(off)) >> 48)
		addr[2] = byte((vaddr + uint64(off)) >> 40)
		addr[3] = byte((vaddr + uint64(off)) >> 32)
		addr[4] = byte((vaddr + uint64(off)) >> 24)
		addr[5] = byte((vaddr + uint64(off)) >> 16)
		addr[6] = byte((vaddr + uint64(off)) >> 8)
		addr[7] = byte(vaddr + uint64(off))
		hex.Encode(enc[:], addr[:])
		buf.WriteString(colors.ItalicFaint().Sprint(string(enc[:]) + ":"))
		buf.WriteString("  ")

		for i := 0; i < 16; i++ {
			if i < len(line) {
				hex.Encode(enc[:2], line[i:i+1])
				buf.Write(enc[:2])
				buf.WriteByte(' ')
			} else {
				buf.WriteString("   ")
			}
			if i == 7 {
				buf.WriteByte(' ')
			}
		}

		buf.WriteString(" |")
		for _, b := range line {
			buf.WriteByte(toChar(b))
		}
		buf.WriteString("|\n")
	}

	return colorZeros(buf.String())
}
