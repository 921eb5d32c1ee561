// Package erp содержит адаптер REST API ERP: шлюз одиночных вызовов и
// клиент сущностей, который прогоняет вызовы через retry.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"erpsync/internal/platform/httpclient"
	"erpsync/internal/shared"
)

// Параметры аутентификации, добавляемые к каждому запросу.
const (
	ParamAPIID  = "api_id"
	ParamAPIKey = "api_key"
)

// maxBodySize ограничивает чтение ответа ERP.
const maxBodySize = 4 << 20

// Credentials идентифицируют интеграцию в ERP.
type Credentials struct {
	APIID  string
	APIKey string
}

// Gateway выполняет ровно один HTTP вызов к ERP и переводит результат в
// модель классифицированных ошибок. Повторы выполняет вызывающий код.
type Gateway struct {
	client  *httpclient.Client
	baseURL string
	creds   Credentials
	log     *slog.Logger
}

// NewGateway создаёт шлюз. baseURL указывает на корень API, например https://erp.example.com/api/v1
func NewGateway(c *httpclient.Client, baseURL string, creds Credentials, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		client:  c,
		baseURL: strings.TrimRight(baseURL, "/"),
		creds:   creds,
		log:     log.With(slog.String("component", "erp.gateway")),
	}
}

// Call отправляет method {base}/{endpoint}?query&api_id=..&api_key=..
// Для POST, PUT и PATCH body сериализуется в JSON, для остальных методов тело не отправляется.
// 2xx возвращает сырой payload (пустое тело становится null). Любая ошибка
// возвращается как *shared.ClassifiedError.
func (g *Gateway) Call(ctx context.Context, method, endpoint string, query url.Values, body any) (json.RawMessage, error) {
	req, err := g.newRequest(ctx, method, endpoint, query, body)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.Do(ctx, req)
	if err != nil {
		return nil, shared.Classify(redactURLError(err))
	}
	defer httpclient.DrainAndClose(resp.Body)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &shared.StatusError{
			Method:     method,
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			Body:       data,
		}
		return nil, shared.Classify(se)
	}
	if err != nil {
		return nil, shared.Classify(fmt.Errorf("read %s %s response: %w", method, endpoint, err))
	}

	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(data), nil
}

// redactURLError маскирует api_id и api_key в URL транспортной ошибки:
// её текст уходит в ответ вебхука, алерты и отложенные задачи.
func redactURLError(err error) error {
	var ue *url.Error
	if !errors.As(err, &ue) {
		return err
	}
	if u, perr := url.Parse(ue.URL); perr == nil {
		ue.URL = httpclient.RedactQuery(ParamAPIID, ParamAPIKey)(u)
	} else {
		ue.URL = "<invalid url>"
	}
	return err
}

func (g *Gateway) newRequest(ctx context.Context, method, endpoint string, query url.Values, body any) (*http.Request, error) {
	u, err := url.Parse(g.baseURL + "/" + strings.TrimLeft(endpoint, "/"))
	if err != nil {
		return nil, shared.Classify(shared.MarkKind(fmt.Errorf("erp: bad endpoint %q: %w", endpoint, err), shared.KindValidation))
	}

	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set(ParamAPIID, g.creds.APIID)
	q.Set(ParamAPIKey, g.creds.APIKey)
	u.RawQuery = q.Encode()

	var rdr io.Reader
	if hasBody(method) && body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, shared.Classify(shared.MarkKind(fmt.Errorf("erp: encode %s body: %w", endpoint, err), shared.KindValidation))
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return nil, shared.Classify(shared.MarkKind(fmt.Errorf("erp: build request: %w", err), shared.KindValidation))
	}
	req.Header.Set("Accept", "application/json")
	if rdr != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func hasBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// CallJSON выполняет Call и декодирует payload в T. Ошибка декодирования имеет вид UNKNOWN.
func CallJSON[T any](ctx context.Context, g *Gateway, method, endpoint string, query url.Values, body any) (T, error) {
	var out T
	raw, err := g.Call(ctx, method, endpoint, query, body)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, shared.Classify(fmt.Errorf("erp: decode %s %s response: %w", method, endpoint, err))
	}
	return out, nil
}
