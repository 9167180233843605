package runtime

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestBuildPayload(t *testing.T) {
	payload, err := buildPayload(InvokeRequest{
		SessionID:        "s1",
		UserID:           "u1",
		Prompt:           "hello",
		Model:            "us.amazon.nova-pro-v1:0",
		GuardrailID:      "gr-1",
		GuardrailVersion: "2",
		GuardrailEnabled: true,
	})
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}

	checks := map[string]string{
		"prompt":           "hello",
		"sessionId":        "s1",
		"userId":           "u1",
		"modelId":          "us.amazon.nova-pro-v1:0",
		"guardrailId":      "gr-1",
		"guardrailVersion": "2",
	}
	for path, want := range checks {
		if got := gjson.GetBytes(payload, path).String(); got != want {
			t.Errorf("%s = %q, want %q", path, got, want)
		}
	}
	if !gjson.GetBytes(payload, "guardrailEnabled").Bool() {
		t.Error("guardrailEnabled not set")
	}
}

func TestBuildPayloadOmitsOptionalFields(t *testing.T) {
	payload, err := buildPayload(InvokeRequest{SessionID: "s1", UserID: "u1", Prompt: "hi"})
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	if gjson.GetBytes(payload, "modelId").Exists() {
		t.Error("modelId should be omitted when no override is set")
	}
	if gjson.GetBytes(payload, "guardrailId").Exists() {
		t.Error("guardrailId should be omitted when the guardrail is disabled")
	}
}
