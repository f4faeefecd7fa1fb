package delivery

import (
	"encoding/json"
	"strings"

	"github.com/bgagent/trackcore/internal/bgevent"
)

func locationToMap(loc bgevent.Location) (map[string]any, error) {
	raw, err := json.Marshal(loc)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func mergeExtra(body map[string]any, params, extras map[string]any) {
	for k, v := range params {
		body[k] = v
	}
	for k, v := range extras {
		body[k] = v
	}
}

// buildSingleBody implements §4.8: { <rootProperty ?? "location">: payload, ...params, ...extras }.
func buildSingleBody(root string, payload map[string]any, params, extras map[string]any) map[string]any {
	if root == "" {
		root = "location"
	}
	body := map[string]any{root: payload}
	mergeExtra(body, params, extras)
	return body
}

// buildBatchBody implements §4.8: { <rootProperty ?? "locations">: [payloads...], ...params, ...extras }.
func buildBatchBody(root string, payloads []map[string]any, params, extras map[string]any) map[string]any {
	if root == "" {
		root = "locations"
	}
	body := map[string]any{root: payloads}
	mergeExtra(body, params, extras)
	return body
}

// buildQueueBody implements §4.8: { <rootProperty ?? "payload">: payload, queueId, type?, idempotencyKey?, ...params, ...extras }.
func buildQueueBody(root string, payload json.RawMessage, queueID, itemType, idempotencyKey string, params, extras map[string]any) map[string]any {
	if root == "" {
		root = "payload"
	}
	var decoded any = payload
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err == nil {
		decoded = m
	}
	body := map[string]any{root: decoded, "queueId": queueID}
	if itemType != "" {
		body["type"] = itemType
	}
	if idempotencyKey != "" {
		body["idempotencyKey"] = idempotencyKey
	}
	mergeExtra(body, params, extras)
	return body
}

// sanitizeHeaderValue strips CR/LF and surrounding whitespace, per §4.8
// "header keys/values are sanitized by stripping CR/LF and surrounding
// whitespace".
func sanitizeHeaderValue(v string) string {
	v = strings.ReplaceAll(v, "\r", "")
	v = strings.ReplaceAll(v, "\n", "")
	return strings.TrimSpace(v)
}
