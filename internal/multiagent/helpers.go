package multiagent

import (
	"encoding/json"

	"github.com/relaymesh/plansolve/pkg/models"
)

// asMap coerces an envelope's Content into a map, tolerating both the
// map[string]any shape produced by json.Unmarshal and a bare string.
func asMap(content any) map[string]any {
	switch v := content.(type) {
	case map[string]any:
		return v
	default:
		return nil
	}
}

func stringField(content any, key string) string {
	m := asMap(content)
	if m == nil {
		if s, ok := content.(string); ok {
			return s
		}
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

// questionFrom extracts the user's question from a user.message envelope,
// which may carry content as a bare string or as an object keyed by text,
// question, or content.
func questionFrom(content any) string {
	if s, ok := content.(string); ok {
		return s
	}
	if q := stringField(content, "text"); q != "" {
		return q
	}
	if q := stringField(content, "question"); q != "" {
		return q
	}
	return stringField(content, "content")
}

// tasksFrom decodes a user.solve_tasks envelope's task list, or the task
// list embedded in a plan-confirmation response.
func tasksFrom(content any) ([]*models.Task, bool) {
	m := asMap(content)
	if m == nil {
		return nil, false
	}
	raw, ok := m["tasks"]
	if !ok {
		return nil, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var tasks []*models.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, false
	}
	return tasks, true
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
