package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*ERPClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client := NewERPClient(srv.URL, "key123", "secret456", 5*time.Second, zerolog.Nop())
	return client, srv
}

func TestAddExamItemParams(t *testing.T) {
	var got url.Values
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.Write([]byte(`{"success": true, "message": "ok"}`))
	})

	body, err := client.AddExamItem(context.Background(), Item{
		IDExamen:         "EX100",
		Paciente:         "30123456",
		Fecha:            "20240115",
		Texto:            "Leucocitos",
		ValorCualitativo: "7.5",
		ValorReferencia:  "4.0-10.0",
		ValorAdicional:   "UNITS:10*3/uL",
	})
	if err != nil {
		t.Fatalf("AddExamItem: %v", err)
	}
	if !strings.Contains(body, "ok") {
		t.Errorf("response body not returned for audit: %q", body)
	}

	want := map[string]string{
		"accion":            "agregar_item_examenlab",
		"API_Key":           "key123",
		"API_Secret":        "secret456",
		"idexamen":          "EX100",
		"paciente":          "30123456",
		"fecha":             "20240115",
		"texto":             "Leucocitos",
		"valor_cualitativo": "7.5",
		"valor_referencia":  "4.0-10.0",
		"valor_adicional":   "UNITS:10*3/uL",
	}
	for k, v := range want {
		if got.Get(k) != v {
			t.Errorf("param %s = %q, want %q", k, got.Get(k), v)
		}
	}
}

func TestCloseExamParams(t *testing.T) {
	var got url.Values
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.Query()
		w.Write([]byte(`{"success": true}`))
	})

	_, err := client.CloseExam(context.Background(), Closure{
		IDExamen:        "EX100",
		Paciente:        "30123456",
		Fecha:           "20240115",
		ResultadoGlobal: "Normal",
		Responsable:     "PENDIENTEVALIDAR",
		Notas:           "Enviado desde integracion",
	})
	if err != nil {
		t.Fatalf("CloseExam: %v", err)
	}

	if got.Get("accion") != "actualizar_examenlab_fecha" {
		t.Errorf("accion = %q", got.Get("accion"))
	}
	if got.Get("resultado_global") != "Normal" {
		t.Errorf("resultado_global = %q", got.Get("resultado_global"))
	}
	if got.Get("responsable") != "PENDIENTEVALIDAR" {
		t.Errorf("responsable = %q", got.Get("responsable"))
	}
}

func TestResponseClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		body          string
		wantErr       bool
		wantPermanent bool
	}{
		{"2xx success true", http.StatusOK, `{"success": true, "message": "ok"}`, false, false},
		{"2xx success false is permanent", http.StatusOK, `{"success": false, "message": "unknown exam"}`, true, true},
		{"2xx empty body is ambiguous, transient", http.StatusOK, "", true, false},
		{"2xx non-json body is ambiguous, transient", http.StatusOK, "<html>ok</html>", true, false},
		{"2xx json without success field is transient", http.StatusOK, `{"message": "hm"}`, true, false},
		{"500 is transient", http.StatusInternalServerError, "boom", true, false},
		{"503 is transient", http.StatusServiceUnavailable, "", true, false},
		{"404 is transient", http.StatusNotFound, "", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			body, err := client.AddExamItem(context.Background(), Item{IDExamen: "1", Paciente: "2", Fecha: "20240101", Texto: "x"})
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if body != tt.body {
				t.Errorf("body = %q, want %q", body, tt.body)
			}
			if err != nil {
				var se *SendError
				if !errors.As(err, &se) {
					t.Fatalf("error type = %T, want *SendError", err)
				}
				if se.Permanent != tt.wantPermanent {
					t.Errorf("Permanent = %v, want %v", se.Permanent, tt.wantPermanent)
				}
				if se.Body != tt.body {
					t.Errorf("Body = %q, want %q", se.Body, tt.body)
				}
			}
		})
	}
}

func TestConnectionFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()
	client := NewERPClient(srv.URL, "k", "s", time.Second, zerolog.Nop())

	_, err := client.AddExamItem(context.Background(), Item{IDExamen: "1", Paciente: "2", Fecha: "20240101", Texto: "x"})
	var se *SendError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *SendError", err)
	}
	if se.Permanent {
		t.Error("connection failure should be transient")
	}
}

func TestBuildLogEnvio(t *testing.T) {
	xml, err := BuildLogEnvio(Item{
		IDExamen:         "EX100",
		Paciente:         "30123456",
		Fecha:            "20240115",
		Texto:            "Leucocitos <WBC>",
		ValorCualitativo: "7.5",
		ValorReferencia:  "4.0-10.0",
		ValorAdicional:   "UNITS:10*3/uL",
	})
	if err != nil {
		t.Fatalf("BuildLogEnvio: %v", err)
	}

	for _, want := range []string{
		"<log_envio>",
		"<idexamen>EX100</idexamen>",
		"<paciente>30123456</paciente>",
		"<fecha>20240115</fecha>",
		"<texto>Leucocitos &lt;WBC&gt;</texto>",
		"<valor_cualitativo>7.5</valor_cualitativo>",
		"<valor_referencia>4.0-10.0</valor_referencia>",
		"<valor_adicional>UNITS:10*3/uL</valor_adicional>",
	} {
		if !strings.Contains(xml, want) {
			t.Errorf("log_envio missing %q:\n%s", want, xml)
		}
	}
	if !strings.HasPrefix(xml, "<?xml") {
		t.Error("log_envio missing XML declaration")
	}
}

func TestRedactURL(t *testing.T) {
	raw := "https://erp.example.com/api?API_Key=k1&API_Secret=s1&accion=agregar_item_examenlab&idexamen=5"
	got := RedactURL(raw)

	if strings.Contains(got, "k1") || strings.Contains(got, "s1") {
		t.Errorf("credentials leaked: %s", got)
	}
	if !strings.Contains(got, "accion=agregar_item_examenlab") {
		t.Errorf("non-secret params lost: %s", got)
	}
}
