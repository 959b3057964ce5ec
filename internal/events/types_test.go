package events

import "testing"

func TestInferPriority(t *testing.T) {
	cases := []struct {
		eventType string
		want      Priority
	}{
		{SessionStuck, PriorityUrgent},
		{SessionNeedsInput, PriorityUrgent},
		{SessionErrored, PriorityUrgent},
		{ReviewApproved, PriorityAction},
		{PlanReady, PriorityAction},
		{PRMerged, PriorityAction},
		{CIFailing, PriorityWarning},
		{CIFixFailed, PriorityWarning},
		{ReviewChangesRequested, PriorityWarning},
		{SummaryAllComplete, PriorityInfo},
		{PRCreated, PriorityInfo},
		{SessionSpawned, PriorityInfo},
		{ReactionTriggered, PriorityInfo},
	}

	for _, tc := range cases {
		if got := InferPriority(tc.eventType); got != tc.want {
			t.Errorf("InferPriority(%q) = %q, want %q", tc.eventType, got, tc.want)
		}
	}
}

func TestBuildEventSubjects(t *testing.T) {
	if got := BuildEventSubject(CIFailing, "fc-3"); got != "ci.failing.fc-3" {
		t.Errorf("unexpected subject: %s", got)
	}
	if got := BuildEventWildcardSubject(CIFailing); got != "ci.failing.*" {
		t.Errorf("unexpected wildcard: %s", got)
	}
	if got := BuildAllEventsSubject(); got != ">" {
		t.Errorf("unexpected all-events subject: %s", got)
	}
}
