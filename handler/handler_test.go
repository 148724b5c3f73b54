package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"github.com/avkus/openai-cf/internal/domain"
	"github.com/avkus/openai-cf/internal/usecase"
)

const testToken = "secret-token"

type stubUseCase struct {
	out    usecase.CompleteOutput
	err    error
	called bool
	in     usecase.CompleteInput
}

func (s *stubUseCase) Complete(_ context.Context, in usecase.CompleteInput) (usecase.CompleteOutput, error) {
	s.called = true
	s.in = in
	return s.out, s.err
}

func makeEvent(body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       "/",
		Headers: map[string]string{
			"Content-Type":  "application/json",
			"Authorization": "Bearer " + testToken,
		},
		Body: body,
	}
}

func newTestHandler(t *testing.T, uc CompletionUseCase) *Handler {
	t.Helper()
	h, err := NewHandler(Config{AccessToken: testToken}, uc)
	require.NoError(t, err)
	return h
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(Config{AccessToken: testToken}, nil)
	require.Error(t, err)
}

func TestHandle_MethodNotAllowed(t *testing.T) {
	methods := []string{
		http.MethodGet, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodPatch, http.MethodOptions,
	}
	for _, method := range methods {
		t.Run(method, func(t *testing.T) {
			uc := &stubUseCase{}
			h := newTestHandler(t, uc)

			event := makeEvent(`{"messages":[{"role":"user","content":"hi"}]}`)
			event.HTTPMethod = method
			resp, err := h.Handle(context.Background(), event)
			require.NoError(t, err)
			require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
			require.Equal(t, http.MethodPost, resp.Headers["Allow"])
			require.Equal(t, "application/json", resp.Headers["Content-Type"])
			require.NotEmpty(t, parseBody[errorResponse](t, resp.Body).Error)
			require.False(t, uc.called)
		})
	}
}

func TestHandle_MissingAccessToken_IsServerFault(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(Config{}, uc)
	require.NoError(t, err)

	// the config gate runs before the Authorization header is inspected, so
	// the status is 500 regardless of what the caller supplies
	resp, err := h.Handle(context.Background(), makeEvent(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.Empty(t, resp.Headers["WWW-Authenticate"])
	require.NotEmpty(t, parseBody[errorResponse](t, resp.Body).Error)
	require.False(t, uc.called)
}

func TestHandle_Unauthorized(t *testing.T) {
	cases := []struct {
		name   string
		header string
	}{
		{name: "missing header", header: ""},
		{name: "wrong scheme", header: "Basic " + testToken},
		{name: "lowercase scheme", header: "bearer " + testToken},
		{name: "no space after scheme", header: "Bearer"},
		{name: "wrong token", header: "Bearer nope"},
		{name: "empty token", header: "Bearer "},
		{name: "leading whitespace", header: " Bearer " + testToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{}
			h := newTestHandler(t, uc)

			event := makeEvent(`{"messages":[{"role":"user","content":"hi"}]}`)
			if tc.header == "" {
				delete(event.Headers, "Authorization")
			} else {
				event.Headers["Authorization"] = tc.header
			}
			resp, err := h.Handle(context.Background(), event)
			require.NoError(t, err)
			require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			require.Equal(t, "Bearer", resp.Headers["WWW-Authenticate"])
			require.NotEmpty(t, parseBody[errorResponse](t, resp.Body).Error)
			require.False(t, uc.called)
		})
	}
}

func TestHandle_TokenIsFirstFieldAfterScheme(t *testing.T) {
	// "Bearer abc def" carries token "abc": the value is split on single
	// spaces and only the second field is compared
	uc := &stubUseCase{out: usecase.CompleteOutput{Text: "ok"}}
	h, err := NewHandler(Config{AccessToken: "abc"}, uc)
	require.NoError(t, err)

	event := makeEvent(`{"messages":[{"role":"user","content":"hi"}]}`)
	event.Headers["Authorization"] = "Bearer abc def"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHandle_TokenWithSpaceNeverMatches(t *testing.T) {
	uc := &stubUseCase{}
	h, err := NewHandler(Config{AccessToken: "abc def"}, uc)
	require.NoError(t, err)

	event := makeEvent(`{"messages":[{"role":"user","content":"hi"}]}`)
	event.Headers["Authorization"] = "Bearer abc def"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.False(t, uc.called)
}

func TestHandle_HappyPath(t *testing.T) {
	uc := &stubUseCase{out: usecase.CompleteOutput{Text: "hello"}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Headers["Content-Type"])
	require.JSONEq(t, `{"choices":[{"message":{"content":"hello"}}]}`, resp.Body)
	require.Equal(t, []domain.ChatMessage{{Role: "user", Content: "hi"}}, uc.in.Messages)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_NormalizesMessages(t *testing.T) {
	uc := &stubUseCase{out: usecase.CompleteOutput{Text: "ok"}}
	h := newTestHandler(t, uc)

	body := `{"messages":[{"role":"user","content":"hi","extra":123,"name":"x"}],"model":"ignored"}`
	resp, err := h.Handle(context.Background(), makeEvent(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, []domain.ChatMessage{{Role: "user", Content: "hi"}}, uc.in.Messages)
}

func TestHandle_PreservesMessageOrder(t *testing.T) {
	uc := &stubUseCase{out: usecase.CompleteOutput{Text: "ok"}}
	h := newTestHandler(t, uc)

	body := `{"messages":[{"role":"system","content":"a"},{"role":"user","content":"b"},{"role":"assistant","content":"c"}]}`
	_, err := h.Handle(context.Background(), makeEvent(body))
	require.NoError(t, err)
	require.Equal(t, []domain.ChatMessage{
		{Role: "system", Content: "a"},
		{Role: "user", Content: "b"},
		{Role: "assistant", Content: "c"},
	}, uc.in.Messages)
}

func TestHandle_NonArrayMessages(t *testing.T) {
	uc := &stubUseCase{}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(`{"messages":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotEmpty(t, parseBody[errorResponse](t, resp.Body).Error)
	require.False(t, uc.called)
}

func TestHandle_InvalidInputError(t *testing.T) {
	uc := &stubUseCase{err: &usecase.Error{Code: usecase.ErrorInvalidInput, Message: "messages must be a non-empty array"}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(`{"messages":[]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "messages must be a non-empty array", parseBody[errorResponse](t, resp.Body).Error)
}

func TestHandle_BackendError(t *testing.T) {
	uc := &stubUseCase{err: &usecase.Error{Code: usecase.ErrorBackend, Message: "LLM API returned an error: overloaded"}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	require.JSONEq(t, `{"error":"LLM API returned an error: overloaded"}`, resp.Body)
}

func TestHandle_UnexpectedErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "plain error carries its message", err: errors.New("boom"), want: "boom"},
		{name: "blank message becomes Unknown error", err: errors.New(""), want: "Unknown error"},
		{name: "internal code carries its message", err: &usecase.Error{Code: usecase.ErrorInternal, Message: "connection refused"}, want: "connection refused"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{err: tc.err}
			h := newTestHandler(t, uc)

			resp, err := h.Handle(context.Background(), makeEvent(`{"messages":[{"role":"user","content":"hi"}]}`))
			require.NoError(t, err)
			require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			require.Equal(t, tc.want, parseBody[errorResponse](t, resp.Body).Error)
		})
	}
}

func TestHandle_MalformedBody(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: `not-json`},
		{name: "empty body", body: ``},
		{name: "truncated object", body: `{"messages":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			uc := &stubUseCase{}
			h := newTestHandler(t, uc)

			resp, err := h.Handle(context.Background(), makeEvent(tc.body))
			require.NoError(t, err)
			require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			require.NotEmpty(t, parseBody[errorResponse](t, resp.Body).Error)
			require.False(t, uc.called)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	uc := &stubUseCase{out: usecase.CompleteOutput{Text: "ok"}}
	h := newTestHandler(t, uc)

	event := makeEvent(`{"messages":[{"role":"user","content":"hi"}]}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_GeneratesCorrelationID(t *testing.T) {
	orig := newUUID
	newUUID = func() string { return "fixed-id" }
	defer func() { newUUID = orig }()

	uc := &stubUseCase{out: usecase.CompleteOutput{Text: "ok"}}
	h := newTestHandler(t, uc)

	resp, err := h.Handle(context.Background(), makeEvent(`{"messages":[{"role":"user","content":"hi"}]}`))
	require.NoError(t, err)
	require.Equal(t, "fixed-id", resp.Headers["X-Correlation-Id"])
}
