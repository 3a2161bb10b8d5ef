package storage

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"unicode"
	"unicode/utf8"
)

func utf8Preview(b []byte) string {
	if !utf8.Valid(b) {
		return ""
	}
	var buf bytes.Buffer
	for _, r := range string(b) {
		if unicode.IsPrint(r) && r != '\n' && r != '\r' && r != '\t' {
			buf.WriteRune(r)
		} else {
			buf.WriteByte('.')
		}
	}
	return buf.String()
}

// ascii preview: printable -> itself, else '.'
func asciiPreview(b []byte) string {
	var buf bytes.Buffer
	for _, c := range b {
		r := rune(c)
		if unicode.IsPrint(r) && r != '\n' && r != '\r' && r != '\t' {
			buf.WriteRune(r)
		} else {
			buf.WriteByte('.')
		}
	}
	return buf.String()
}

// Debug prints the page header, slot array, and tuple previews to w.
func (p *Page) Debug(w io.Writer) {
	fmt.Fprintf(w, "=== Page Debug ===\n")
	fmt.Fprintf(w, "pageID=%d lsn=%d nextFree=%d lower=%d upper=%d\n",
		p.PageID(), p.LSN(), p.NextFreePage(), p.lower(), p.upper())
	fmt.Fprintf(w, "pageSize=%d freeSpace=%d numSlots=%d deleted=%d\n",
		PageSize, p.FreeSpace(), p.NumSlots(), p.DeletedCount())

	fmt.Fprintln(w, "\n-- Slots --")
	if p.NumSlots() == 0 {
		fmt.Fprintln(w, "(none)")
	}
	for i := 0; i < p.NumSlots(); i++ {
		s, err := p.getSlot(i)
		if err != nil {
			fmt.Fprintf(w, "[%d] <error: %v>\n", i, err)
			continue
		}
		state := "LIVE"
		if s.isDeleted() {
			state = "DELETED"
		}
		fmt.Fprintf(w, "[%d] %s off=%d len=%d\n", i, state, s.Offset, s.Length)
	}

	fmt.Fprintln(w, "\n-- Tuples (preview) --")
	const maxPreview = 32
	for i := 0; i < p.NumSlots(); i++ {
		data, err := p.ReadTuple(i)
		if err != nil {
			// deleted slots fall here
			fmt.Fprintf(w, "[%d] (read) %v\n", i, err)
			continue
		}
		preview := data
		if len(preview) > maxPreview {
			preview = preview[:maxPreview]
		}
		fmt.Fprintf(w, "[%d] len=%d preview(hex)=%s\n", i, len(data), hex.EncodeToString(preview))
		if s := utf8Preview(preview); s != "" {
			fmt.Fprintf(w, "     preview(utf8)=%q\n", s)
		} else {
			fmt.Fprintf(w, "     preview(ascii)=%q\n", asciiPreview(preview))
		}
	}

	fmt.Fprintf(w, "\n-- FreeSpace --\nrange: [%d .. %d) size=%d bytes\n",
		p.lower(), p.upper(), p.FreeSpace())
	fmt.Fprintln(w, "=== End Page Debug ===")
}

func (p *Page) DebugString() string {
	var b bytes.Buffer
	p.Debug(&b)
	return b.String()
}
