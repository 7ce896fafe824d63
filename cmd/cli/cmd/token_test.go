package cmd

import (
	"encoding/json"
	"testing"

	"github.com/spf13/viper"

	"qarunner/internal/auth"
)

func TestTokenCommand(t *testing.T) {
	resetViper()
	viper.Set("output", "json")

	out, err := execute(t, "token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("expected JSON output: %v\n%s", err, out)
	}
	if got["hash"] != auth.HashKey(got["token"]) {
		t.Errorf("hash does not match token: %v", got)
	}
}
