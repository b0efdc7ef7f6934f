package adapters

import (
	"github.com/tidwall/gjson"

	"genforge/internal/core"
)

// taskIDPaths covers the job-id shapes seen across vendor submit responses.
var taskIDPaths = []string{
	"id",
	"data.id",
	"data.0.id",
	"task_id",
	"data.task_id",
}

// ExtractTaskID pulls the vendor job id out of a submit response body,
// trying known payload shapes in order.
func ExtractTaskID(body []byte) string {
	for _, path := range taskIDPaths {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// FirstString returns the first non-empty string among the given gjson paths.
func FirstString(body []byte, paths ...string) string {
	for _, path := range paths {
		if v := gjson.GetBytes(body, path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// QuotaInPayload reports whether a 200-status vendor payload carries a quota
// exhaustion message in one of its free-text fields. Some vendors answer
// HTTP 200 and bury the refusal in the body.
func QuotaInPayload(body []byte) bool {
	msg := FirstString(body,
		"error.message",
		"message",
		"msg",
		"base_resp.status_msg",
	)
	return msg != "" && core.IsQuotaText(msg)
}
