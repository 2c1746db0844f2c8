package export

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"testing"
	"time"

	"cmms/api/internal/storage"
	"github.com/xuri/excelize/v2"
)

// 1x1 transparent PNG.
var pngPixel = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0d, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

type fakeTemplates map[string][]byte

func (f fakeTemplates) Fetch(_ context.Context, name string) ([]byte, error) {
	data, ok := f[name]
	if !ok {
		return nil, errors.New("template not found")
	}
	return data, nil
}

func requestTemplate(t *testing.T) []byte {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	cells := map[string]string{
		"A1": "Office: {{office}}",
		"A2": "{{article1}}",
		"B2": "{{quantity1}}",
		"A3": "{{signature1}}",
		"B3": "{{name1:}} ({{designation1:}}) {{date1:}}",
		"A4": "{{signature2}}",
		"B4": "{{name2:}}",
	}
	for cell, value := range cells {
		if err := f.SetCellValue("Sheet1", cell, value); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.NewSheet("Copy"); err != nil {
		t.Fatal(err)
	}
	if err := f.SetCellValue("Copy", "A1", "{{office}} / {{unknown}}"); err != nil {
		t.Fatal(err)
	}
	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newTestGenerator(t *testing.T) (*Generator, storage.Blob) {
	t.Helper()
	blob, err := storage.NewDir(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := blob.Put(context.Background(), "signatures/u1.png", pngPixel, "image/png"); err != nil {
		t.Fatal(err)
	}
	g := NewGenerator(fakeTemplates{"request.xlsx": requestTemplate(t)}, blob, time.Second, nil)
	g.now = func() time.Time { return time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC) }
	return g, blob
}

func requestValues() map[string]string {
	return map[string]string{
		"office":        "Plant A",
		"article1":      "Bearing",
		"quantity1":     "4",
		"signature1":    "signatures/u1.png",
		"name1:":        "Jordan Reyes",
		"designation1:": "Technician",
		"date1:":        "03/04/2026",
		"signature2":    "",
		"name2:":        "",
	}
}

func TestGenerateXLSX(t *testing.T) {
	g, _ := newTestGenerator(t)
	res, err := g.Generate(context.Background(), Request{TemplateName: "request.xlsx", Values: requestValues()})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Filename != "request.xlsx" || res.MimeType != mimeXLSX {
		t.Fatalf("unexpected result metadata: %s %s", res.Filename, res.MimeType)
	}

	f, err := excelize.OpenReader(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatalf("output is not a workbook: %v", err)
	}
	defer f.Close()

	checks := []struct{ sheet, cell, want string }{
		{"Sheet1", "A1", "Office: Plant A"},
		{"Sheet1", "A2", "Bearing"},
		{"Sheet1", "B2", "4"},
		{"Sheet1", "A3", ""},
		{"Sheet1", "B3", "Jordan Reyes (Technician) 03/04/2026"},
		{"Sheet1", "A4", ""},
		{"Copy", "A1", "Plant A / "},
	}
	for _, c := range checks {
		got, err := f.GetCellValue(c.sheet, c.cell)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("%s!%s = %q, want %q", c.sheet, c.cell, got, c.want)
		}
	}

	pics, err := f.GetPictures("Sheet1", "A3")
	if err != nil {
		t.Fatal(err)
	}
	if len(pics) != 1 {
		t.Fatalf("expected signature image at A3, got %d pictures", len(pics))
	}
}

func TestGenerateSignatureWithoutImageKeepsValue(t *testing.T) {
	g, _ := newTestGenerator(t)
	values := requestValues()
	values["signature1"] = "signatures/missing.png"

	res, err := g.Generate(context.Background(), Request{TemplateName: "request.xlsx", Values: values})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(res.Data))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if got, _ := f.GetCellValue("Sheet1", "A3"); got != "signatures/missing.png" {
		t.Fatalf("A3 = %q", got)
	}
}

func jpegPixel(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.Black)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestGenerateSignatureImageFormats(t *testing.T) {
	cases := []struct {
		name     string
		key      string
		data     func(*testing.T) []byte
		pictures int
		text     string
	}{
		{name: "png", key: "signatures/u1/a.png", data: func(*testing.T) []byte { return pngPixel }, pictures: 1},
		{name: "jpeg", key: "signatures/u1/b.jpg", data: jpegPixel, pictures: 1},
		{name: "undecodable", key: "signatures/u1/c.png", data: func(*testing.T) []byte { return []byte("not an image") }, text: "signatures/u1/c.png"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g, blob := newTestGenerator(t)
			if err := blob.Put(context.Background(), tc.key, tc.data(t), ""); err != nil {
				t.Fatal(err)
			}
			values := requestValues()
			values["signature1"] = tc.key

			res, err := g.Generate(context.Background(), Request{TemplateName: "request.xlsx", Values: values})
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			f, err := excelize.OpenReader(bytes.NewReader(res.Data))
			if err != nil {
				t.Fatal(err)
			}
			defer f.Close()

			pics, err := f.GetPictures("Sheet1", "A3")
			if err != nil {
				t.Fatal(err)
			}
			if len(pics) != tc.pictures {
				t.Fatalf("pictures at A3 = %d, want %d", len(pics), tc.pictures)
			}
			if got, _ := f.GetCellValue("Sheet1", "A3"); got != tc.text {
				t.Fatalf("A3 = %q, want %q", got, tc.text)
			}
		})
	}
}

func TestGenerateHTMLFormats(t *testing.T) {
	g, _ := newTestGenerator(t)
	var captured string
	fake := func(ext string) Renderer {
		return func(_ context.Context, html, title string) (*Result, error) {
			captured = html
			return &Result{Data: []byte(html), Filename: sanitizeFilename(title) + ext}, nil
		}
	}
	g.renderPDF = fake(".pdf")
	g.renderDOCX = fake(".docx")

	res, err := g.Generate(context.Background(), Request{TemplateName: "request.xlsx", Values: requestValues(), Format: FormatPDF, Title: "Request Jordan"})
	if err != nil {
		t.Fatalf("Generate(pdf) error = %v", err)
	}
	if res.Filename != "Request-Jordan.pdf" {
		t.Fatalf("filename = %q", res.Filename)
	}
	for _, want := range []string{"Office: Plant A", "Jordan Reyes (Technician) 03/04/2026", `src="data:image/png;base64,`, "Mar 4, 2026"} {
		if !strings.Contains(captured, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}
	if strings.Contains(captured, "{{") {
		t.Error("rendered HTML still contains tokens")
	}

	if _, err := g.Generate(context.Background(), Request{TemplateName: "request.xlsx", Values: requestValues(), Format: FormatDOCX}); err != nil {
		t.Fatalf("Generate(docx) error = %v", err)
	}
}

func TestGenerateFailures(t *testing.T) {
	g, _ := newTestGenerator(t)
	g.templates = fakeTemplates{"request.xlsx": requestTemplate(t), "broken.xlsx": []byte("not a workbook")}
	g.renderPDF = func(context.Context, string, string) (*Result, error) {
		return nil, ErrPDFDependencyMissing
	}

	cases := []struct {
		name string
		req  Request
		also error
	}{
		{name: "missing template", req: Request{TemplateName: "nope.xlsx"}},
		{name: "broken template", req: Request{TemplateName: "broken.xlsx"}},
		{name: "bad format", req: Request{TemplateName: "request.xlsx", Format: "odt"}, also: ErrUnsupportedFormat},
		{name: "renderer failure", req: Request{TemplateName: "request.xlsx", Format: FormatPDF}, also: ErrPDFDependencyMissing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := g.Generate(context.Background(), tc.req)
			if !errors.Is(err, ErrGenerationFailed) {
				t.Fatalf("error = %v, want ErrGenerationFailed", err)
			}
			if tc.also != nil && !errors.Is(err, tc.also) {
				t.Fatalf("error = %v, want it to wrap %v", err, tc.also)
			}
		})
	}
}

func TestStoreUploadsGenerated(t *testing.T) {
	g, blob := newTestGenerator(t)
	ctx := context.Background()
	key, url, err := g.Store(ctx, &Result{Data: []byte("x"), Filename: "request.xlsx", MimeType: mimeXLSX})
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !strings.HasPrefix(key, "generated/request_") || !strings.HasSuffix(key, ".xlsx") || url != "" {
		t.Fatalf("Store() = %q, %q", key, url)
	}

	again, _, err := g.Store(ctx, &Result{Data: []byte("y"), Filename: "request.xlsx", MimeType: mimeXLSX})
	if err != nil {
		t.Fatalf("second Store() error = %v", err)
	}
	if again == key {
		t.Fatalf("second upload reused key %q", key)
	}
	data, err := blob.Get(ctx, key)
	if err != nil || string(data) != "x" {
		t.Fatalf("first stored object = %q, %v", data, err)
	}
}

func TestParseFormat(t *testing.T) {
	cases := map[string]Format{"": FormatXLSX, "PDF": FormatPDF, " docx ": FormatDOCX, "xlsx": FormatXLSX}
	for in, want := range cases {
		got, err := ParseFormat(in)
		if err != nil || got != want {
			t.Errorf("ParseFormat(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseFormat("odt"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ParseFormat(odt) error = %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"request.xlsx_Jordan Reyes", "requestxlsx_Jordan-Reyes"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "request"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}
