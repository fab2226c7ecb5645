package renderer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/DocPipe/internal/models"
)

func TestClientRenderSuccess(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/mensaje_whatsapp" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %s", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Result{Success: true, PDFPath: "/tmp/acta.pdf"})
	}))
	defer srv.Close()

	c, err := NewClient(WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	result, err := c.Render(context.Background(), Request{
		Message:      "MARS850101HDFLRN02",
		Sender:       "5215512345678@s.whatsapp.net",
		Name:         "Maria",
		DocumentType: "nacimiento",
		ApplyFolio:   true,
	})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !result.Success || result.PDFPath != "/tmp/acta.pdf" {
		t.Errorf("unexpected result %+v", result)
	}
	if got.Message != "MARS850101HDFLRN02" {
		t.Errorf("expected identifier in mensaje field, got %q", got.Message)
	}
	if got.DocumentType != "nacimiento" {
		t.Errorf("expected tipo_acta nacimiento, got %q", got.DocumentType)
	}
	if !got.ApplyFolio {
		t.Error("expected aplicar_folio true")
	}
}

func TestClientRenderReportedFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Result{Success: false, Message: "identificador no encontrado"})
	}))
	defer srv.Close()

	c, err := NewClient(WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	_, err = c.Render(context.Background(), Request{Message: "MARS850101HDFLRN02"})
	if !errors.Is(err, models.ErrRenderFailed) {
		t.Errorf("expected ErrRenderFailed, got %v", err)
	}
}

func TestClientRenderServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	_, err = c.Render(context.Background(), Request{Message: "MARS850101HDFLRN02"})
	if !errors.Is(err, models.ErrRenderFailed) {
		t.Errorf("expected ErrRenderFailed, got %v", err)
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Error("expected error without base URL")
	}
}
