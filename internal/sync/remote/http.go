package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/nourish/backend/internal/errors"
	"github.com/kimhsiao/nourish/backend/internal/logging"
	"github.com/kimhsiao/nourish/backend/internal/models"
)

// maxCASAttempts bounds optimistic retries when the document changes
// between the read and the conditional write.
const maxCASAttempts = 3

// HTTPGateway talks to a Server over HTTP. Transact is a GET followed by a
// conditional PUT, retried when the precondition fails.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
}

// NewHTTPGateway creates a gateway for the server at baseURL. A nil client
// uses one with a 30 second timeout.
func NewHTTPGateway(baseURL string, client *http.Client) *HTTPGateway {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGateway{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (g *HTTPGateway) docURL(userID string, collection models.Kind, id string) string {
	u := fmt.Sprintf("%s/v1/users/%s/collections/%s/documents", g.baseURL, url.PathEscape(userID), url.PathEscape(string(collection)))
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// Transact implements Gateway.
func (g *HTTPGateway) Transact(ctx context.Context, userID string, collection models.Kind, id string, fn TransactFunc) (*Document, error) {
	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		current, err := g.get(ctx, userID, collection, id)
		if err != nil {
			return nil, err
		}
		next, err := fn(current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}

		stored, err := g.put(ctx, userID, collection, id, current, next)
		if stderrors.Is(err, ErrPrecondition) {
			logging.Debug("Document changed during transaction, retrying", map[string]interface{}{
				"collection":  string(collection),
				"document_id": id,
				"attempt":     attempt,
			})
			continue
		}
		return stored, err
	}
	return nil, apperrors.New(apperrors.ErrRemote, fmt.Sprintf("document %s/%s kept changing during transaction", collection, id))
}

func (g *HTTPGateway) get(ctx context.Context, userID string, collection models.Kind, id string) (*Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.docURL(userID, collection, id), nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	var doc Document
	status, err := g.do(req, &doc)
	if status == http.StatusNotFound && apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (g *HTTPGateway) put(ctx context.Context, userID string, collection models.Kind, id string, current, next *Document) (*Document, error) {
	body, err := json.Marshal(putRequest{Data: next.Data, ClientTS: next.ClientTS, OccurredAt: next.OccurredAt})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to encode document", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, g.docURL(userID, collection, id), bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if current == nil {
		req.Header.Set("If-None-Match", "*")
	} else {
		req.Header.Set("If-Match", strconv.Quote(strconv.FormatInt(current.ServerTS, 10)))
	}

	var stored Document
	status, err := g.do(req, &stored)
	if status == http.StatusPreconditionFailed {
		return nil, ErrPrecondition
	}
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// Delete implements Gateway.
func (g *HTTPGateway) Delete(ctx context.Context, userID string, collection models.Kind, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, g.docURL(userID, collection, id), nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	_, err = g.do(req, nil)
	return err
}

// ListRange implements Gateway.
func (g *HTTPGateway) ListRange(ctx context.Context, userID string, collection models.Kind, since int64) ([]Document, error) {
	u := g.docURL(userID, collection, "")
	if since > 0 {
		u += "?since=" + strconv.FormatInt(since, 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	var resp struct {
		Documents []Document `json:"documents"`
	}
	if _, err := g.do(req, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// Ping checks the server's health endpoint.
func (g *HTTPGateway) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/healthz", nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "failed to build request", err)
	}
	_, err = g.do(req, nil)
	return err
}

// do sends req and decodes a 2xx JSON body into out. Failures are mapped to
// error codes so the sync engine can classify them.
func (g *HTTPGateway) do(req *http.Request, out interface{}) (int, error) {
	resp, err := g.client.Do(req)
	if err != nil {
		return 0, classifyTransportError(req.Context(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return resp.StatusCode, nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, apperrors.Wrap(apperrors.ErrDecodingFailed, "failed to decode backend response", err)
		}
		return resp.StatusCode, nil
	}

	var body errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(raw))
	}
	return resp.StatusCode, apperrors.New(statusCode(resp.StatusCode, body.Code), fmt.Sprintf("backend returned %d: %s", resp.StatusCode, body.Message))
}

func statusCode(status int, code string) apperrors.ErrorCode {
	if code != "" {
		return apperrors.ErrorCode(code)
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperrors.ErrNotAuthenticated
	case status == http.StatusNotFound:
		return apperrors.ErrNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return apperrors.ErrDecodingFailed
	}
	return apperrors.ErrRemote
}

func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.Wrap(apperrors.ErrTransactionTimeout, "backend request timed out", err)
	}
	var opErr *net.OpError
	if stderrors.As(err, &opErr) {
		return apperrors.Wrap(apperrors.ErrNoNetwork, "backend unreachable", err)
	}
	return apperrors.Wrap(apperrors.ErrRemote, "backend request failed", err)
}

var _ Gateway = (*HTTPGateway)(nil)
var _ Pinger = (*HTTPGateway)(nil)
