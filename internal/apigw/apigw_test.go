package apigw

import (
	"encoding/json"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/wallcrawler/sessioncore/internal/errs"
)

func TestSuccessWrapsDataWithEnvelope(t *testing.T) {
	resp, err := Success(200, map[string]string{"sessionId": "sess_1"})
	if err != nil {
		t.Fatalf("Success() error = %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}

	var body SuccessBody
	if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if !body.Success {
		t.Errorf("body.Success = false, want true")
	}
}

func TestFromErrorMapsKindToStatusCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errs.Validation("bad"), 400},
		{errs.Auth("nope"), 401},
		{errs.Forbidden("nope"), 403},
		{errs.NotFound("nope"), 404},
		{errs.ConcurrencyExceeded("proj_1"), 409},
		{errs.Conflict("sess_1", "conflict"), 409},
		{errs.ProvisioningTimeout("sess_1"), 408},
		{errs.ProvisioningFailed("sess_1", "boom"), 503},
		{errs.Transient(nil), 503},
		{errs.FatalErr("unexpected", nil), 500},
	}
	for _, c := range cases {
		resp, err := FromError(c.err)
		if err != nil {
			t.Fatalf("FromError() error = %v", err)
		}
		if resp.StatusCode != c.want {
			t.Errorf("FromError(%v).StatusCode = %d, want %d", c.err, resp.StatusCode, c.want)
		}

		var body ErrorBody
		if err := json.Unmarshal([]byte(resp.Body), &body); err != nil {
			t.Fatalf("unmarshal body: %v", err)
		}
		if body.Success {
			t.Errorf("FromError body.Success = true, want false")
		}
	}
}

func TestAPIKeyIsCaseInsensitive(t *testing.T) {
	req := events.APIGatewayProxyRequest{Headers: map[string]string{"X-Wc-Api-Key": "wc_abc"}}
	if got := APIKey(req); got != "wc_abc" {
		t.Errorf("APIKey() = %q, want %q", got, "wc_abc")
	}
}

func TestAPIKeyMissingReturnsEmpty(t *testing.T) {
	req := events.APIGatewayProxyRequest{Headers: map[string]string{}}
	if got := APIKey(req); got != "" {
		t.Errorf("APIKey(no header) = %q, want empty", got)
	}
}

func TestDecodeJSONEmptyBodyIsNoOp(t *testing.T) {
	var out struct{ Foo string }
	if err := DecodeJSON(events.APIGatewayProxyRequest{Body: ""}, &out); err != nil {
		t.Errorf("DecodeJSON(empty body) error = %v, want nil", err)
	}
}

func TestDecodeJSONMalformedReturnsValidationError(t *testing.T) {
	var out struct{ Foo string }
	err := DecodeJSON(events.APIGatewayProxyRequest{Body: "{not json"}, &out)
	if err == nil {
		t.Fatal("DecodeJSON(malformed) = nil error, want ValidationError")
	}
	if !errs.Is(err, errs.KindValidation) {
		t.Errorf("DecodeJSON(malformed) kind = %v, want KindValidation", err)
	}
}

func TestDecodeJSONPopulatesOut(t *testing.T) {
	var out struct {
		ProjectID string `json:"projectId"`
	}
	req := events.APIGatewayProxyRequest{Body: `{"projectId":"proj_1"}`}
	if err := DecodeJSON(req, &out); err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if out.ProjectID != "proj_1" {
		t.Errorf("out.ProjectID = %q, want %q", out.ProjectID, "proj_1")
	}
}
