package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"github.com/avkus/openai-cf/internal/domain"
	"github.com/avkus/openai-cf/internal/usecase"
)

const (
	bearerPrefix        = "Bearer "
	headerCorrelationID = "X-Correlation-Id"
)

// CompletionUseCase is the service contract the handler delegates to.
type CompletionUseCase interface {
	Complete(ctx context.Context, in usecase.CompleteInput) (usecase.CompleteOutput, error)
}

// Config carries the process-wide settings the handler reads per request.
// AccessToken is the bearer token gating calls to this endpoint; it is never
// mutated after start. An empty token is a deployment fault surfaced as 500,
// not a default-deny.
type Config struct {
	AccessToken string
}

// Handler terminates the HTTP surface: method gate, configuration sanity
// gate, bearer authorization, payload decoding, and translation of the
// service result into the response envelope. It holds no per-request state
// and is safe for concurrent invocations.
type Handler struct {
	cfg Config
	uc  CompletionUseCase
}

type completionRequest struct {
	Messages []domain.ChatMessage `json:"messages"`
}

type completionResponse struct {
	Choices []choice `json:"choices"`
}

type choice struct {
	Message choiceMessage `json:"message"`
}

type choiceMessage struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func NewHandler(cfg Config, uc CompletionUseCase) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: completion use case must not be nil")
	}
	return &Handler{cfg: cfg, uc: uc}, nil
}

// Handle processes one request end to end. Gates run in a fixed order and
// the first failing gate produces the response; the configuration check runs
// before the Authorization header is inspected so a misconfigured deployment
// never leaks information through the auth error path. Client faults (405,
// 401, 400) are not logged; server faults are.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := resolveCorrelationID(req.Headers)

	if req.HTTPMethod != http.MethodPost {
		return errorResp(http.StatusMethodNotAllowed, "Method Not Allowed. Use POST.", correlationID,
			map[string]string{"Allow": http.MethodPost}), nil
	}

	if h.cfg.AccessToken == "" {
		slog.Error("access token is not configured", "correlation_id", correlationID)
		return errorResp(http.StatusInternalServerError, "Server configuration error: access token is not set", correlationID, nil), nil
	}

	if !authorized(headerValue(req.Headers, "Authorization"), h.cfg.AccessToken) {
		return errorResp(http.StatusUnauthorized, "Unauthorized", correlationID,
			map[string]string{"WWW-Authenticate": "Bearer"}), nil
	}

	var payload completionRequest
	if err := json.Unmarshal([]byte(req.Body), &payload); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "messages" {
			return errorResp(http.StatusBadRequest, "messages must be a non-empty array", correlationID, nil), nil
		}
		slog.Error("failed to decode request body", "err", err, "correlation_id", correlationID)
		return errorResp(http.StatusInternalServerError, errorMessage(err), correlationID, nil), nil
	}

	out, err := h.uc.Complete(ctx, usecase.CompleteInput{Messages: payload.Messages})
	if err != nil {
		return h.errorToResponse(err, correlationID), nil
	}

	return jsonResp(http.StatusOK, completionResponse{
		Choices: []choice{{Message: choiceMessage{Content: out.Text}}},
	}, correlationID, nil), nil
}

// authorized reports whether the Authorization header value carries the
// configured token. The value must start with the literal "Bearer " scheme
// and the token is the second single-space-delimited field, compared
// byte-exactly; a token containing a space therefore never matches.
func authorized(header, accessToken string) bool {
	if !strings.HasPrefix(header, bearerPrefix) {
		return false
	}
	return strings.Split(header, " ")[1] == accessToken
}

// errorToResponse maps a service error to a status via an exhaustive code
// switch; everything unrecognized deliberately lands on the generic 500 arm.
func (h *Handler) errorToResponse(err error, correlationID string) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		switch ucErr.Code {
		case usecase.ErrorInvalidInput:
			return errorResp(http.StatusBadRequest, ucErr.Message, correlationID, nil)
		case usecase.ErrorBackend:
			slog.Error("generation backend reported an error", "err", err, "correlation_id", correlationID)
			return errorResp(http.StatusInternalServerError, ucErr.Message, correlationID, nil)
		}
		slog.Error("completion failed", "err", err, "correlation_id", correlationID)
		return errorResp(http.StatusInternalServerError, orUnknown(ucErr.Message), correlationID, nil)
	}
	slog.Error("completion failed", "err", err, "correlation_id", correlationID)
	return errorResp(http.StatusInternalServerError, errorMessage(err), correlationID, nil)
}

func errorMessage(err error) string {
	if err == nil {
		return "Unknown error"
	}
	return orUnknown(err.Error())
}

func orUnknown(msg string) string {
	if strings.TrimSpace(msg) == "" {
		return "Unknown error"
	}
	return msg
}

func errorResp(status int, message, correlationID string, extraHeaders map[string]string) events.APIGatewayProxyResponse {
	return jsonResp(status, errorResponse{Error: message}, correlationID, extraHeaders)
}

func jsonResp(status int, body any, correlationID string, extraHeaders map[string]string) events.APIGatewayProxyResponse {
	headers := map[string]string{
		"Content-Type":      "application/json",
		headerCorrelationID: correlationID,
	}
	for k, v := range extraHeaders {
		headers[k] = v
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		// Both envelope shapes are plain structs; this cannot happen in
		// practice, but a response body must never be empty.
		encoded = []byte(`{"error":"Unknown error"}`)
		status = http.StatusInternalServerError
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers:    headers,
		Body:       string(encoded),
	}
}

// resolveCorrelationID echoes a caller-provided correlation id
// (case-insensitive header match) or mints a fresh one.
func resolveCorrelationID(headers map[string]string) string {
	if v := headerValue(headers, headerCorrelationID); v != "" {
		return v
	}
	return newUUID()
}

func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

var newUUID = func() string {
	return uuid.NewString()
}
