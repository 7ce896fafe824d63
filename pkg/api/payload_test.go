package api

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

func TestValidatePayload(t *testing.T) {
	pr := "https://github.com/acme/shop/pull/12"
	tests := []struct {
		kind    string
		payload string
		wantErr bool
	}{
		{KindPlan, `{"project_id":"` + uuid.NewString() + `","pr_url":"` + pr + `"}`, false},
		{KindPlan, `{"pr_url":"` + pr + `"}`, true},
		{KindPlan, `{"project_id":"` + uuid.NewString() + `","pr_url":"  "}`, true},
		{KindGenerate, `{"plan_id":"` + uuid.NewString() + `","auto_run":true}`, false},
		{KindGenerate, `{}`, true},
		{KindRun, `{"run_id":"` + uuid.NewString() + `"}`, false},
		{KindRun, `not json`, true},
		{KindRun, ``, true},
		{"deploy", `{}`, true},
	}
	for _, tt := range tests {
		err := ValidatePayload(tt.kind, json.RawMessage(tt.payload))
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePayload(%s, %s) err = %v", tt.kind, tt.payload, err)
		}
	}
}
