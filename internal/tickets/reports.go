package tickets

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/gocarina/gocsv"

	"screencore/internal/blob"
	"screencore/internal/events"
	"screencore/internal/isogen"
)

// Content types of the generated reports.
const (
	ContentTypeCSV  = "text/csv"
	ContentTypeText = "text/plain; charset=utf-8"
)

// Report is a named stream destined for a ticket attachment.
type Report struct {
	Name        string
	ContentType string
	Description string
	Data        []byte
}

type logRow struct {
	Level   string `csv:"level"`
	Stage   string `csv:"stage"`
	Message string `csv:"message"`
}

// EventLogCSV renders events at or above min as CSV rows.
func EventLogCSV(evs []events.Event, min events.Level) ([]byte, error) {
	rows := make([]logRow, 0, len(evs))
	for _, e := range evs {
		if e.Level < min {
			continue
		}
		rows = append(rows, logRow{Level: e.Level.String(), Stage: e.Stage, Message: e.Message})
	}
	out, err := gocsv.MarshalBytes(&rows)
	if err != nil {
		return nil, fmt.Errorf("encode event log: %w", err)
	}
	return out, nil
}

// EventLogText renders events at or above min as one line each.
func EventLogText(evs []events.Event, min events.Level) []byte {
	var b strings.Builder
	for _, e := range evs {
		if e.Level < min {
			continue
		}
		fmt.Fprintf(&b, "%s %s: %s\n", e.Level, e.Stage, e.Message)
	}
	return []byte(b.String())
}

// StockVolumesCSV renders the required stock volumes.
func StockVolumesCSV(volumes []StockVolume) ([]byte, error) {
	out, err := gocsv.MarshalBytes(&volumes)
	if err != nil {
		return nil, fmt.Errorf("encode stock volumes: %w", err)
	}
	return out, nil
}

// StockTransferCSV logs the stock tube moves of generated ISOs.
func StockTransferCSV(moves []isogen.TubeMove) ([]byte, error) {
	out, err := gocsv.MarshalBytes(&moves)
	if err != nil {
		return nil, fmt.Errorf("encode stock transfers: %w", err)
	}
	return out, nil
}

// ParseStockTransferCSV reads a stock transfer log back.
func ParseStockTransferCSV(data []byte) ([]isogen.TubeMove, error) {
	var moves []isogen.TubeMove
	if err := gocsv.UnmarshalBytes(data, &moves); err != nil {
		return nil, fmt.Errorf("decode stock transfers: %w", err)
	}
	return moves, nil
}

// UploadReport is the report set of one pipeline run: the event log (CSV and
// plain text) plus the optional stock volume and transfer logs.
func UploadReport(prefix string, evs []events.Event, volumes []StockVolume, moves []isogen.TubeMove) ([]Report, error) {
	csvLog, err := EventLogCSV(evs, events.LevelInfo)
	if err != nil {
		return nil, err
	}
	reports := []Report{
		{Name: prefix + "_log.csv", ContentType: ContentTypeCSV, Description: "Parser log", Data: csvLog},
		{Name: prefix + "_log.txt", ContentType: ContentTypeText, Description: "Parser log", Data: EventLogText(evs, events.LevelWarning)},
	}
	if len(volumes) > 0 {
		data, err := StockVolumesCSV(volumes)
		if err != nil {
			return nil, err
		}
		reports = append(reports, Report{Name: prefix + "_stock_volumes.csv", ContentType: ContentTypeCSV, Description: "Required stock volumes", Data: data})
	}
	if len(moves) > 0 {
		data, err := StockTransferCSV(moves)
		if err != nil {
			return nil, err
		}
		reports = append(reports, Report{Name: prefix + "_stock_transfer.csv", ContentType: ContentTypeCSV, Description: "Stock tube transfers", Data: data})
	}
	return reports, nil
}

// Uploader stores reports in the blob store and attaches them to tickets.
type Uploader struct {
	store  blob.Store
	client Client
}

// NewUploader returns an uploader over the store and tracker.
func NewUploader(store blob.Store, client Client) *Uploader {
	return &Uploader{store: store, client: client}
}

// AttachmentKey is the blob key of a ticket report.
func AttachmentKey(ticket int, name string) string {
	return fmt.Sprintf("tickets/%d/%s", ticket, name)
}

// Upload stores each report and attaches it to the ticket. Reports already
// attached under the same name are replaced.
func (u *Uploader) Upload(ctx context.Context, ticket int, reports ...Report) ([]Attachment, error) {
	if ticket <= 0 {
		return nil, fmt.Errorf("invalid ticket number %d", ticket)
	}
	out := make([]Attachment, 0, len(reports))
	for _, r := range reports {
		key := AttachmentKey(ticket, r.Name)
		info, err := u.store.Put(ctx, key, bytes.NewReader(r.Data), blob.PutOptions{
			ContentType: r.ContentType,
			Metadata:    map[string]string{"ticket": fmt.Sprint(ticket)},
		})
		if err != nil {
			return out, fmt.Errorf("store %s: %w", r.Name, err)
		}
		a := Attachment{Name: r.Name, Key: key, ContentType: r.ContentType, Size: info.Size, Description: r.Description}
		if err := u.client.Attach(ctx, ticket, a); err != nil {
			return out, fmt.Errorf("attach %s: %w", r.Name, err)
		}
		out = append(out, a)
	}
	return out, nil
}
