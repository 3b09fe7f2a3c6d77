package scraper

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/juju/errors"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// doRequest executa a requisição e converte falhas de rede e códigos HTTP em FetchError.
// Em caso de sucesso o chamador deve fechar o corpo da resposta.
func doRequest(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, errors.Trace(ctxErr)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, errTransient("timeout: %v", err)
		}
		return nil, errTransient("erro de rede: %v", err)
	}
	if err := statusError(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound || code == http.StatusGone:
		return errNotFound("status code: " + strconv.Itoa(code))
	case code == http.StatusTooManyRequests:
		return errRateLimited(retryAfter(resp.Header.Get("Retry-After")))
	case code >= 500:
		return errTransient("status code: %d", code)
	default:
		return errMalformed("status code: %d", code)
	}
}

// retryAfter aceita segundos ou uma data HTTP
func retryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func newGet(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errMalformed("url inválida: %v", err)
	}
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}
