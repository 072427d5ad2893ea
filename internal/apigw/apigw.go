// Package apigw provides the small API Gateway proxy response envelope and
// CORS headers every HTTP-facing Lambda in cmd/api shares, plus request
// parsing helpers (API-key header extraction, JSON body decoding).
package apigw

import (
	"encoding/json"
	"strings"

	"github.com/aws/aws-lambda-go/events"

	"github.com/wallcrawler/sessioncore/internal/errs"
)

// SuccessBody is the envelope wrapping a successful response's payload.
type SuccessBody struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

// ErrorBody is the envelope wrapping a failed response's message.
type ErrorBody struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

var corsHeaders = map[string]string{
	"Content-Type":                 "application/json",
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Methods": "GET, POST, PATCH, DELETE, OPTIONS",
	"Access-Control-Allow-Headers": "Content-Type, Authorization, x-wc-api-key",
}

// Response builds an API Gateway proxy response with statusCode and body
// marshaled to JSON, carrying the shared CORS headers.
func Response(statusCode int, body interface{}) (events.APIGatewayProxyResponse, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}
	return events.APIGatewayProxyResponse{
		StatusCode: statusCode,
		Headers:    corsHeaders,
		Body:       string(b),
	}, nil
}

// Success wraps data in the success envelope at statusCode (200 unless
// overridden by the caller for 201/202-style responses).
func Success(statusCode int, data interface{}) (events.APIGatewayProxyResponse, error) {
	return Response(statusCode, SuccessBody{Success: true, Data: data})
}

// FromError maps a typed error into the HTTP status and envelope the API
// surface contract of §6 names per Kind.
func FromError(err error) (events.APIGatewayProxyResponse, error) {
	status := 500
	switch {
	case errs.Is(err, errs.KindValidation):
		status = 400
	case errs.Is(err, errs.KindAuth):
		status = 401
	case errs.Is(err, errs.KindForbidden):
		status = 403
	case errs.Is(err, errs.KindNotFound):
		status = 404
	case errs.Is(err, errs.KindProvTimeout):
		status = 408
	case errs.Is(err, errs.KindConcurrency):
		status = 409
	case errs.Is(err, errs.KindConflict):
		status = 409
	case errs.Is(err, errs.KindProvFailed):
		status = 503
	case errs.Is(err, errs.KindTransient):
		status = 503
	}
	return Response(status, ErrorBody{Success: false, Message: err.Error()})
}

// APIKey extracts the x-wc-api-key header, case-insensitively, the way API
// Gateway lower-cases incoming header names.
func APIKey(req events.APIGatewayProxyRequest) string {
	for k, v := range req.Headers {
		if strings.EqualFold(k, "x-wc-api-key") {
			return v
		}
	}
	return ""
}

// DecodeJSON unmarshals req.Body into out, returning a ValidationError on
// malformed JSON.
func DecodeJSON(req events.APIGatewayProxyRequest, out interface{}) error {
	if req.Body == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(req.Body), out); err != nil {
		return errs.Validation("malformed request body: " + err.Error())
	}
	return nil
}
