package workflow

import "strings"

// Key selects the handler a trigger dispatches to. The set is closed.
type Key string

const (
	KeyCallProcessing    Key = "call-processing"
	KeyContactEnrichment Key = "contact-enrichment"
	KeyLeadScoring       Key = "lead-scoring"
	KeyAISummary         Key = "ai-summary"
	KeyCRMUpdate         Key = "crm-update"
	KeyNotificationSend  Key = "notification-send"
	KeyTaskCreate        Key = "task-create"
	KeyDefault           Key = "default"
)

// Keys lists every known key in dispatch-table order.
var Keys = []Key{
	KeyCallProcessing,
	KeyContactEnrichment,
	KeyLeadScoring,
	KeyAISummary,
	KeyCRMUpdate,
	KeyNotificationSend,
	KeyTaskCreate,
	KeyDefault,
}

// ParseKey maps a trigger key to a Key. Unknown keys resolve to KeyDefault with ok=false.
func ParseKey(s string) (Key, bool) {
	k := Key(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Keys {
		if k == known {
			return k, true
		}
	}
	return KeyDefault, false
}
