package dispatch

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Item is one analyte delivery to the lab ERP.
type Item struct {
	IDExamen         string
	Paciente         string
	Fecha            string // YYYYMMDD
	Texto            string
	ValorCualitativo string
	ValorReferencia  string
	ValorAdicional   string
}

// Closure notifies the ERP that an exam is complete.
type Closure struct {
	IDExamen        string
	Paciente        string
	Fecha           string
	ResultadoGlobal string
	Responsable     string
	Notas           string
}

// SendError classifies a failed delivery. Transient errors are retried with
// backoff; permanent ones park the observation for manual review. Body keeps
// the raw response so the audit trail can reconstruct what came back.
type SendError struct {
	Permanent bool
	Status    int
	Msg       string
	Body      string
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Status != 0 {
		return fmt.Sprintf("erp: %s failure (HTTP %d): %s", kind, e.Status, e.Msg)
	}
	return fmt.Sprintf("erp: %s failure: %s", kind, e.Msg)
}

// logEnvio is the XML record written for every delivery attempt, mirroring
// the payload the ERP operators audit against.
type logEnvio struct {
	XMLName          xml.Name `xml:"log_envio"`
	IDExamen         string   `xml:"idexamen"`
	Paciente         string   `xml:"paciente"`
	Fecha            string   `xml:"fecha"`
	Texto            string   `xml:"texto"`
	ValorCualitativo string   `xml:"valor_cualitativo"`
	ValorReferencia  string   `xml:"valor_referencia"`
	ValorAdicional   string   `xml:"valor_adicional"`
}

// BuildLogEnvio renders the delivery record for one item.
func BuildLogEnvio(item Item) (string, error) {
	env := logEnvio{
		IDExamen:         item.IDExamen,
		Paciente:         item.Paciente,
		Fecha:            item.Fecha,
		Texto:            item.Texto,
		ValorCualitativo: item.ValorCualitativo,
		ValorReferencia:  item.ValorReferencia,
		ValorAdicional:   item.ValorAdicional,
	}

	body, err := xml.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal log_envio: %w", err)
	}
	return xml.Header + string(body) + "\n", nil
}

// ERP is the downstream delivery boundary. Implementations return the raw
// response body for the audit trail, plus *SendError on failure.
type ERP interface {
	AddExamItem(ctx context.Context, item Item) (string, error)
	CloseExam(ctx context.Context, c Closure) (string, error)
}

// ERPClient talks to the lab ERP over its query-parameter POST API.
type ERPClient struct {
	baseURL   string
	apiKey    string
	apiSecret string
	client    *http.Client
	log       zerolog.Logger
}

func NewERPClient(baseURL, apiKey, apiSecret string, timeout time.Duration, log zerolog.Logger) *ERPClient {
	return &ERPClient{
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    &http.Client{Timeout: timeout},
		log:       log,
	}
}

func (c *ERPClient) AddExamItem(ctx context.Context, item Item) (string, error) {
	params := url.Values{}
	params.Set("accion", "agregar_item_examenlab")
	params.Set("idexamen", item.IDExamen)
	params.Set("paciente", item.Paciente)
	params.Set("fecha", item.Fecha)
	params.Set("texto", item.Texto)
	if item.ValorCualitativo != "" {
		params.Set("valor_cualitativo", item.ValorCualitativo)
	}
	if item.ValorReferencia != "" {
		params.Set("valor_referencia", item.ValorReferencia)
	}
	if item.ValorAdicional != "" {
		params.Set("valor_adicional", item.ValorAdicional)
	}

	return c.post(ctx, params)
}

func (c *ERPClient) CloseExam(ctx context.Context, cl Closure) (string, error) {
	params := url.Values{}
	params.Set("accion", "actualizar_examenlab_fecha")
	params.Set("idexamen", cl.IDExamen)
	params.Set("paciente", cl.Paciente)
	params.Set("fecha", cl.Fecha)
	params.Set("resultado_global", cl.ResultadoGlobal)
	params.Set("responsable", cl.Responsable)
	params.Set("notas", cl.Notas)

	return c.post(ctx, params)
}

// post issues the request with credentials attached and classifies the
// response. The ERP answers {"success": bool, "message": string}; an
// explicit success=false is a business rejection, and anything ambiguous
// (non-JSON body, missing success field) is treated as transient rather
// than guessed at. The raw body is always returned for the audit trail.
func (c *ERPClient) post(ctx context.Context, params url.Values) (string, error) {
	accion := params.Get("accion")

	params.Set("API_Key", c.apiKey)
	params.Set("API_Secret", c.apiSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", &SendError{Permanent: true, Msg: fmt.Sprintf("build request: %v", err)}
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", &SendError{Msg: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	body := string(raw)

	c.log.Debug().
		Str("accion", accion).
		Str("url", RedactURL(req.URL.String())).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Str("body", truncate(body, 300)).
		Msg("erp response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return body, &SendError{Status: resp.StatusCode, Msg: truncate(body, 300), Body: body}
	}

	var parsed struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Success == nil {
		return body, &SendError{Status: resp.StatusCode, Msg: "ambiguous response body", Body: body}
	}
	if !*parsed.Success {
		// The ERP understood the request and rejected it. Retrying the same
		// payload will not change its mind.
		return body, &SendError{Permanent: true, Status: resp.StatusCode, Msg: parsed.Message, Body: body}
	}

	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// RedactURL strips credential query parameters for logs and audit detail.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable url>"
	}
	q := u.Query()
	for key := range q {
		if strings.EqualFold(key, "API_Key") || strings.EqualFold(key, "API_Secret") {
			q.Set(key, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
