package workbook

import (
	"bytes"
	"fmt"
	"io"

	"github.com/extrame/xls"

	"screencore/internal/events"
)

// Open decodes a legacy Excel (.xls) workbook. An unreadable stream is
// recorded as a critical event and yields nil.
func Open(data []byte, rec *events.Recorder) *Reader {
	wb, err := DecodeXLS(bytes.NewReader(data))
	if err != nil {
		rec.AddCritical("The uploaded file is not a readable Excel file: %v", err)
		return nil
	}
	return NewReader(wb, rec)
}

// DecodeXLS reads every sheet of an .xls stream into memory. The decoder
// panics on some malformed streams; panics are returned as errors. The
// decoder does not expose cell formats, so decoded cells carry no colour.
func DecodeXLS(rs io.ReadSeeker) (wb *MemoryWorkbook, err error) {
	defer func() {
		if p := recover(); p != nil {
			wb = nil
			err = fmt.Errorf("xls decoder: %v", p)
		}
	}()
	book, err := xls.OpenReader(rs, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("open xls: %w", err)
	}
	if book == nil {
		return nil, fmt.Errorf("open xls: empty workbook")
	}
	out := NewMemoryWorkbook()
	for i := 0; i < book.NumSheets(); i++ {
		ws := book.GetSheet(i)
		if ws == nil {
			continue
		}
		sheet := NewMemorySheet(ws.Name)
		for r := 0; r <= int(ws.MaxRow); r++ {
			row := ws.Row(r)
			if row == nil {
				continue
			}
			for c := row.FirstCol(); c <= row.LastCol(); c++ {
				if v := row.Col(c); v != "" {
					sheet.Set(r, c, v)
				}
			}
		}
		out.Add(sheet)
	}
	return out, nil
}
