package api

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ValidatePayload checks that payload decodes for kind and carries the ids it needs.
func ValidatePayload(kind string, payload json.RawMessage) error {
	switch kind {
	case KindPlan:
		var p PlanPayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		if p.ProjectID == uuid.Nil || strings.TrimSpace(p.PRURL) == "" {
			return fmt.Errorf("plan payload requires project_id and pr_url")
		}
	case KindGenerate:
		var p GeneratePayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		if p.PlanID == uuid.Nil {
			return fmt.Errorf("generate payload requires plan_id")
		}
	case KindRun:
		var p RunPayload
		if err := decodePayload(payload, &p); err != nil {
			return err
		}
		if p.RunID == uuid.Nil {
			return fmt.Errorf("run payload requires run_id")
		}
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
	return nil
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
