package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

// Sheet tab names.
const (
	TabPatients    = "Patients"
	TabRequests    = "Requests"
	TabInquiry     = "Inquiry"
	TabSuggestions = "Suggestions"
)

// Tab headers. Column A of Patients is the national id used for the registry upsert.
var tabHeaders = map[string][]string{
	TabPatients: {"national_id", "name", "birth_date", "address", "postal_code", "street_number", "complement",
		"payment_form", "insurer", "service_type", "created_at"},
	TabRequests: {"timestamp", "service_type", "payment_form", "insurer", "national_id", "name", "birth_date",
		"specialty", "exam_type", "patient_name", "patient_birth_date", "patient_document", "address", "postal_code",
		"street_number", "complement", "origin", "origin_detail", "contact_id", "record_id"},
	TabInquiry: {"timestamp", "national_id", "name", "birth_date", "address", "specialty", "exam_type", "contact_id"},
	TabSuggestions: {"timestamp", "category", "text", "contact_id"},
}

// SheetWriter is the subset of spreadsheet operations the recorder needs.
type SheetWriter interface {
	// EnsureTab creates the tab when missing and writes the header row.
	EnsureTab(ctx context.Context, tab string, headers []string) error
	// AppendRow appends one row after the last filled row of tab.
	AppendRow(ctx context.Context, tab string, row []string) error
	// ColumnValues returns the values of column A of tab.
	ColumnValues(ctx context.Context, tab string) ([]string, error)
}

// SheetsRecorder writes records to the clinic spreadsheet.
type SheetsRecorder struct {
	writer   SheetWriter
	location *time.Location
}

// SheetsOption configures a SheetsRecorder.
type SheetsOption func(*SheetsRecorder)

// WithLocation sets the time zone used for row timestamps.
func WithLocation(loc *time.Location) SheetsOption {
	return func(r *SheetsRecorder) {
		if loc != nil {
			r.location = loc
		}
	}
}

// NewSheetsRecorder creates a recorder over writer.
func NewSheetsRecorder(writer SheetWriter, opts ...SheetsOption) *SheetsRecorder {
	r := &SheetsRecorder{writer: writer, location: time.UTC}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Prepare makes sure every tab exists with its header row.
func (r *SheetsRecorder) Prepare(ctx context.Context) error {
	for _, tab := range []string{TabPatients, TabRequests, TabInquiry, TabSuggestions} {
		if err := r.writer.EnsureTab(ctx, tab, tabHeaders[tab]); err != nil {
			return fmt.Errorf("prepare tab %s: %w", tab, err)
		}
	}
	return nil
}

// Record routes the record to its tab. Bookings also upsert the patient registry.
func (r *SheetsRecorder) Record(ctx context.Context, rec models.IntakeRecord) error {
	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	stamp := ts.In(r.location).Format("2006-01-02 15:04:05")

	switch rec.Kind {
	case models.RecordBooking:
		if err := r.upsertPatient(ctx, rec, stamp); err != nil {
			return err
		}
		return r.append(ctx, TabRequests, rec, stamp)
	case models.RecordInquiry:
		return r.append(ctx, TabInquiry, rec, stamp)
	case models.RecordSuggestion:
		return r.append(ctx, TabSuggestions, rec, stamp)
	default:
		return r.append(ctx, TabRequests, rec, stamp)
	}
}

func (r *SheetsRecorder) upsertPatient(ctx context.Context, rec models.IntakeRecord, stamp string) error {
	id := rec.Value("national_id")
	if id == "" {
		return nil
	}
	existing, err := r.writer.ColumnValues(ctx, TabPatients)
	if err != nil {
		return fmt.Errorf("read patient registry: %w", err)
	}
	for _, v := range existing {
		if v == id {
			slog.Debug("SheetsRecorder.upsertPatient: patient already registered", "recordID", rec.ID)
			return nil
		}
	}
	return r.append(ctx, TabPatients, rec, stamp)
}

func (r *SheetsRecorder) append(ctx context.Context, tab string, rec models.IntakeRecord, stamp string) error {
	headers := tabHeaders[tab]
	row := make([]string, len(headers))
	for i, h := range headers {
		switch h {
		case "timestamp", "created_at":
			row[i] = stamp
		case "contact_id":
			row[i] = rec.ContactID
		case "record_id":
			row[i] = rec.ID
		case "service_type":
			row[i] = rec.ServiceType
		case "category":
			row[i] = rec.Value("suggestion_category")
		case "text":
			row[i] = rec.Value("suggestion_text")
		default:
			row[i] = rec.Value(h)
		}
	}
	if err := r.writer.AppendRow(ctx, tab, row); err != nil {
		return fmt.Errorf("append to %s: %w", tab, err)
	}
	slog.Debug("SheetsRecorder.append: row written", "tab", tab, "recordID", rec.ID)
	return nil
}

// GoogleSheets implements SheetWriter with the Sheets v4 API.
type GoogleSheets struct {
	svc           *sheets.Service
	spreadsheetID string
}

var _ SheetWriter = (*GoogleSheets)(nil)

// NewGoogleSheets opens the spreadsheet with service-account credentials.
func NewGoogleSheets(ctx context.Context, spreadsheetID string, credentialsJSON []byte) (*GoogleSheets, error) {
	return newGoogleSheets(ctx, spreadsheetID,
		option.WithCredentialsJSON(credentialsJSON),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
}

func newGoogleSheets(ctx context.Context, spreadsheetID string, opts ...option.ClientOption) (*GoogleSheets, error) {
	if spreadsheetID == "" {
		return nil, fmt.Errorf("spreadsheet id cannot be empty")
	}
	svc, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &GoogleSheets{svc: svc, spreadsheetID: spreadsheetID}, nil
}

func (g *GoogleSheets) EnsureTab(ctx context.Context, tab string, headers []string) error {
	ss, err := g.svc.Spreadsheets.Get(g.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("get spreadsheet: %w", err)
	}
	for _, sh := range ss.Sheets {
		if sh.Properties != nil && sh.Properties.Title == tab {
			return g.writeHeaders(ctx, tab, headers)
		}
	}

	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{{
			AddSheet: &sheets.AddSheetRequest{Properties: &sheets.SheetProperties{Title: tab}},
		}},
	}
	if _, err := g.svc.Spreadsheets.BatchUpdate(g.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("add tab %s: %w", tab, err)
	}
	slog.Info("GoogleSheets.EnsureTab: tab created", "tab", tab)
	return g.writeHeaders(ctx, tab, headers)
}

func (g *GoogleSheets) writeHeaders(ctx context.Context, tab string, headers []string) error {
	vr := &sheets.ValueRange{Values: [][]interface{}{toCells(headers)}}
	_, err := g.svc.Spreadsheets.Values.Update(g.spreadsheetID, tab+"!A1", vr).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("write headers for %s: %w", tab, err)
	}
	return nil
}

// AppendRow writes cells RAW so digit strings keep their leading zeros.
func (g *GoogleSheets) AppendRow(ctx context.Context, tab string, row []string) error {
	vr := &sheets.ValueRange{Values: [][]interface{}{toCells(row)}}
	_, err := g.svc.Spreadsheets.Values.Append(g.spreadsheetID, tab+"!A1", vr).
		ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	return err
}

func (g *GoogleSheets) ColumnValues(ctx context.Context, tab string) ([]string, error) {
	resp, err := g.svc.Spreadsheets.Values.Get(g.spreadsheetID, tab+"!A:A").Context(ctx).Do()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Values))
	for _, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		out = append(out, fmt.Sprint(row[0]))
	}
	return out, nil
}

func toCells(values []string) []interface{} {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}
