// Package server exposes the dev signing service over HTTP. It serves the
// same wire surface the hosted service does, so the SDK client and the
// offline verifier can be exercised end to end against a local process.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"receiptline/internal/engine"
	"receiptline/internal/receipt"
	"receiptline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"agent_id required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope the SDK client parses.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the notary API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1/notary"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope the client expects.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Receiptline Notary API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerIssue(group, cfg.Engine)
	registerVerify(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerPublicKey(group, cfg.Engine)
	registerLookup(group, cfg.Engine)
	registerJWKS(router, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerIssue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "issue-receipt",
		Method:      http.MethodPost,
		Path:        "/issue",
		Summary:     "Issue a signed receipt",
	}, func(ctx context.Context, input *issueRequest) (*issueResponse, error) {
		agentID, authErr := agentIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.AgentID != "" {
			agentID = input.Body.AgentID
		}
		rec, err := e.IssueReceipt(ctx, engine.IssueOptions{
			AgentID:             agentID,
			ActionType:          input.Body.ActionType,
			Payload:             input.Body.Payload,
			PreviousReceiptHash: input.Body.PreviousReceiptHash,
			Metadata:            input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &issueResponse{Body: issueResponseBody{
			Receipt:       *rec,
			ReceiptHash:   rec.ReceiptHash,
			VerifyURL:     rec.VerifyURL,
			ChainPosition: rec.ChainSequence,
		}}, nil
	})
}

func registerVerify(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "verify-receipt",
		Method:      http.MethodPost,
		Path:        "/verify",
		Summary:     "Verify a receipt or a stored receipt id",
	}, func(ctx context.Context, input *verifyRequest) (*verifyResponse, error) {
		switch {
		case input.Body.Receipt != nil:
			res, err := e.VerifyReceipt(ctx, input.Body.Receipt)
			if err != nil {
				return nil, handleError(err)
			}
			return &verifyResponse{Body: res}, nil
		case input.Body.ReceiptID != "":
			_, res, err := e.VerifyByID(ctx, input.Body.ReceiptID)
			if err != nil {
				return nil, handleError(err)
			}
			return &verifyResponse{Body: res}, nil
		default:
			return nil, newAPIError(http.StatusUnprocessableEntity, "validation_failed",
				"receipt or receipt_id required", nil)
		}
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "service-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Service status and capabilities",
	}, func(ctx context.Context, _ *struct{}) (*statusResponse, error) {
		return &statusResponse{Body: e.Status(ctx)}, nil
	})
}

func registerPublicKey(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "public-key",
		Method:      http.MethodGet,
		Path:        "/public-key",
		Summary:     "Verification key document",
	}, func(ctx context.Context, _ *struct{}) (*publicKeyResponse, error) {
		info, err := e.PublicKey()
		if err != nil {
			return nil, handleError(err)
		}
		return &publicKeyResponse{Body: info}, nil
	})
}

func registerLookup(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "lookup-receipt",
		Method:      http.MethodGet,
		Path:        "/r/{receipt_hash}",
		Summary:     "Public receipt lookup by hash or unique prefix",
	}, func(ctx context.Context, input *lookupRequest) (*lookupResponse, error) {
		result, err := e.Lookup(ctx, input.ReceiptHash)
		if err != nil {
			return nil, handleError(err)
		}
		if !result.Found {
			return nil, newAPIError(http.StatusNotFound, "not_found", "receipt not found", nil)
		}
		return &lookupResponse{Body: result}, nil
	})
}

func registerJWKS(router chi.Router, e engine.Engine) {
	router.Get("/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		doc, err := e.Signer.JWKS()
		if err != nil {
			http.Error(w, "key set unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

type issueRequest struct {
	Body struct {
		AgentID             string         `json:"agent_id,omitempty"`
		ActionType          string         `json:"action_type"`
		Payload             map[string]any `json:"payload" jsonschema:"type=object,additionalProperties=true"`
		PreviousReceiptHash string         `json:"previous_receipt_hash,omitempty"`
		Metadata            map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
	}
}

type issueResponseBody struct {
	Receipt       receipt.Receipt `json:"receipt"`
	ReceiptHash   string          `json:"receipt_hash"`
	VerifyURL     string          `json:"verify_url,omitempty"`
	ChainPosition *int64          `json:"chain_position,omitempty"`
}

type issueResponse struct {
	Body issueResponseBody
}

type verifyRequest struct {
	Body struct {
		Receipt   *receipt.Receipt `json:"receipt,omitempty"`
		ReceiptID string           `json:"receipt_id,omitempty"`
	}
}

type verifyResponse struct {
	Body receipt.VerificationResult
}

type statusResponse struct {
	Body receipt.ServiceStatus
}

type publicKeyResponse struct {
	Body receipt.KeyInfo
}

type lookupRequest struct {
	ReceiptHash string `path:"receipt_hash"`
}

type lookupResponse struct {
	Body receipt.LookupResult
}
