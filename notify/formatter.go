// Package notify turns outbox rows into human-readable notifications and
// delivers them through a pluggable transport. Delivery is at-least-once and
// fully decoupled from the state changes that queued the rows.
package notify

import (
	"fmt"
	"strings"

	"loandesk/request"
)

// Message is a rendered notification ready for a transport.
type Message struct {
	Topic   string
	Subject string
	Body    string
}

// Format renders the outbox payload for a topic. Unknown topics still produce
// a generic message so the queue never wedges on an unrecognised row.
func Format(topic string, payload map[string]any) Message {
	switch topic {
	case request.TopicRequestCreated:
		return Message{
			Topic:   topic,
			Subject: fmt.Sprintf("Request %s received", str(payload, "request_id")),
			Body: fmt.Sprintf("Your %s request in category %q has been received and assigned reference %s.",
				str(payload, "kind"), str(payload, "category"), str(payload, "request_id")),
		}
	case request.TopicApprovalRequested:
		return Message{
			Topic:   topic,
			Subject: fmt.Sprintf("Approval needed for request %s", str(payload, "request_id")),
			Body: fmt.Sprintf("Request %s is awaiting your decision. Use the emailed link or the portal to approve or reject.",
				str(payload, "request_id")),
		}
	case request.TopicStatusChanged:
		return Message{
			Topic:   topic,
			Subject: fmt.Sprintf("Request %s is now %s", str(payload, "request_id"), str(payload, "next")),
			Body: fmt.Sprintf("Request %s moved from %s to %s.",
				str(payload, "request_id"), str(payload, "previous"), str(payload, "next")),
		}
	case request.TopicRequestClaimed:
		return Message{
			Topic:   topic,
			Subject: fmt.Sprintf("Request %s linked to your account", str(payload, "request_id")),
			Body: fmt.Sprintf("The guest request %s has been linked to your account and now appears in your history.",
				str(payload, "request_id")),
		}
	case request.TopicReturnedDamaged:
		return Message{
			Topic:   topic,
			Subject: fmt.Sprintf("Damage reported on return of request %s", str(payload, "request_id")),
			Body: fmt.Sprintf("The item for request %s was returned with reported damage: %s.",
				str(payload, "request_id"), str(payload, "damage_category")),
		}
	case request.TopicMaintenanceTicketOpen:
		return Message{
			Topic:   topic,
			Subject: fmt.Sprintf("Maintenance ticket %s opened", str(payload, "ticket_id")),
			Body: fmt.Sprintf("A maintenance ticket %s was opened for the damaged return of request %s.",
				str(payload, "ticket_id"), str(payload, "request_id")),
		}
	case request.TopicExtensionRequested:
		return Message{
			Topic:   topic,
			Subject: fmt.Sprintf("Extension requested for request %s", str(payload, "request_id")),
			Body: fmt.Sprintf("An extension until %s was requested for request %s.",
				str(payload, "requested_due"), str(payload, "request_id")),
		}
	case request.TopicExtensionDecided:
		verdict := str(payload, "verdict")
		return Message{
			Topic:   topic,
			Subject: fmt.Sprintf("Extension %s for request %s", verdict, str(payload, "request_id")),
			Body: fmt.Sprintf("The extension request for request %s was %s.",
				str(payload, "request_id"), verdict),
		}
	case request.TopicSLAWarning:
		return Message{
			Topic:   topic,
			Subject: fmt.Sprintf("Request %s is approaching its deadline", str(payload, "request_id")),
			Body: fmt.Sprintf("Request %s is due by %s and has entered the warning window.",
				str(payload, "request_id"), str(payload, "resolution_due")),
		}
	case request.TopicSLABreach:
		return Message{
			Topic:   topic,
			Subject: fmt.Sprintf("Request %s has breached its deadline", str(payload, "request_id")),
			Body: fmt.Sprintf("Request %s was due by %s and is now overdue. Its priority has been escalated.",
				str(payload, "request_id"), str(payload, "resolution_due")),
		}
	default:
		return Message{
			Topic:   topic,
			Subject: fmt.Sprintf("Notification: %s", topic),
			Body:    fmt.Sprintf("Event %s for request %s.", topic, str(payload, "request_id")),
		}
	}
}

func str(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return "(unknown)"
	}
	s := fmt.Sprintf("%v", v)
	if strings.TrimSpace(s) == "" {
		return "(unknown)"
	}
	return s
}
