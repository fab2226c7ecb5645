package identifier

import (
	"reflect"
	"testing"

	"github.com/BTreeMap/DocPipe/internal/models"
)

func TestExtractValidCURP(t *testing.T) {
	e := NewExtractor()
	result := e.Extract("marco MARS850101HDFLRN02 por favor")
	if len(result.Valid) != 1 || result.Valid[0] != "MARS850101HDFLRN02" {
		t.Errorf("expected one valid CURP, got %v", result.Valid)
	}
	if len(result.Invalid) != 0 {
		t.Errorf("expected no invalid candidates, got %v", result.Invalid)
	}
}

func TestExtractLowercaseCURP(t *testing.T) {
	e := NewExtractor()
	result := e.Extract("mars850101hdflrn02")
	if len(result.Valid) != 1 || result.Valid[0] != "MARS850101HDFLRN02" {
		t.Errorf("lowercase CURP should be uppercased and valid, got %v", result.Valid)
	}
}

func TestExtract20DigitCode(t *testing.T) {
	e := NewExtractor()
	result := e.Extract("codigo 12345678901234567890 folio")
	if len(result.Valid) != 1 || result.Valid[0] != "12345678901234567890" {
		t.Errorf("expected one valid 20-digit code, got %v", result.Valid)
	}
}

func TestExtractDeduplicates(t *testing.T) {
	e := NewExtractor()
	result := e.Extract("MARS850101HDFLRN02 MARS850101HDFLRN02")
	if len(result.Valid) != 1 {
		t.Errorf("duplicate identifiers should collapse, got %v", result.Valid)
	}
}

func TestExtractMultiple(t *testing.T) {
	e := NewExtractor()
	result := e.Extract("MARS850101HDFLRN02 y 12345678901234567890")
	want := []string{"MARS850101HDFLRN02", "12345678901234567890"}
	if !reflect.DeepEqual(result.Valid, want) {
		t.Errorf("expected %v, got %v", want, result.Valid)
	}
}

func TestExtractNearMissReportedInvalid(t *testing.T) {
	e := NewExtractor()
	// Digit where the CURP demands a letter: recognized as a candidate but
	// rejected by the validator.
	result := e.Extract("MARS850101HD1LRN02")
	if len(result.Valid) != 0 {
		t.Errorf("near-miss must not validate, got %v", result.Valid)
	}
	if len(result.Invalid) != 1 || result.Invalid[0] != "MARS850101HD1LRN02" {
		t.Errorf("expected near-miss reported invalid, got %v", result.Invalid)
	}
}

func TestExtractEmptyText(t *testing.T) {
	e := NewExtractor()
	result := e.Extract("")
	if len(result.Valid) != 0 || len(result.Invalid) != 0 {
		t.Error("empty text should produce no candidates")
	}
}

func TestExtractIgnoresShortCodes(t *testing.T) {
	e := NewExtractor()
	result := e.Extract("hola 12345 MARS850101")
	if len(result.Valid) != 0 {
		t.Errorf("short fragments must not validate, got %v", result.Valid)
	}
}

func TestFirstFromFilename(t *testing.T) {
	e := NewExtractor()
	cases := []struct {
		name string
		want string
	}{
		{"MARS850101HDFLRN02_scan.pdf", "MARS850101HDFLRN02"},
		{"acta_12345678901234567890.pdf", "12345678901234567890"},
		{"scan_001.pdf", ""},
	}
	for _, c := range cases {
		if got := e.FirstFromFilename(c.name); got != c.want {
			t.Errorf("FirstFromFilename(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestParseDocumentType(t *testing.T) {
	cases := []struct {
		text string
		want models.DocumentType
	}{
		{"acta de matrimonio", models.DocumentTypeMarriage},
		{"def MARS850101HDFLRN02", models.DocumentTypeDeath},
		{"divorcio por favor", models.DocumentTypeDivorce},
		{"nacimiento", models.DocumentTypeBirth},
		{"MARS850101HDFLRN02", models.DocumentTypeBirth},
	}
	for _, c := range cases {
		if got := ParseDocumentType(c.text); got != c.want {
			t.Errorf("ParseDocumentType(%q) = %q, want %q", c.text, got, c.want)
		}
	}
}

func TestParseFormatRequest(t *testing.T) {
	matting, folio := ParseFormatRequest("MARCO con Folio MARS850101HDFLRN02")
	if !matting || !folio {
		t.Errorf("expected matting and folio, got %v %v", matting, folio)
	}
	matting, folio = ParseFormatRequest("MARS850101HDFLRN02")
	if matting || folio {
		t.Errorf("expected neither flag, got %v %v", matting, folio)
	}
}
