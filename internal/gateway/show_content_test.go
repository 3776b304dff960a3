package gateway

import (
	"testing"

	"github.com/relaymesh/plansolve/pkg/models"
)

func TestDeriveShowContent(t *testing.T) {
	got := deriveShowContent(models.EventPlanCompleted, map[string]any{
		"tasks": []any{map[string]any{"id": "t1"}, map[string]any{"id": "t2"}},
	})
	if want := "Plan ready (2 tasks)"; got != want {
		t.Errorf("show_content = %q, want %q", got, want)
	}

	if got := deriveShowContent(models.EventPlanCompleted, nil); got != "Plan ready" {
		t.Errorf("show_content without task list = %q, want %q", got, "Plan ready")
	}

	if got := deriveShowContent(models.EventAgentFinalAnswer, "already prose"); got != "" {
		t.Errorf("show_content for prose-carrying event should be absent, got %q", got)
	}
}

func TestValidateOutboundFrame_RejectsUnknownEvent(t *testing.T) {
	env := &models.Envelope{Event: "not.a.real.event"}
	if err := validateOutboundFrame(env); err == nil {
		t.Error("expected error for unrecognized outbound event name")
	}
}

func TestValidateOutboundFrame_AcceptsKnownEvent(t *testing.T) {
	env := &models.Envelope{
		Event:     models.EventPipelineCompleted,
		SessionID: "sess-1",
		Seq:       1,
		EventID:   "evt-1",
		Content:   map[string]any{"status": "success"},
	}
	if err := validateOutboundFrame(env); err != nil {
		t.Errorf("validateOutboundFrame() = %v, want nil", err)
	}
}
