package notify

import (
	"fmt"
	"html"
)

// Notification event names. The engine emits these; the mail worker maps
// them to a subject and a static HTML body.
const (
	EventDriverRegistered      = "driver_registered"
	EventDriverActivated       = "driver_activated"
	EventDriverDeactivated     = "driver_deactivated"
	EventCourseCreated         = "subcontract_course_created"
	EventCourseAssigned        = "subcontract_course_assigned"
	EventRefundNeeded          = "commission_refund_needed"
	EventCourseCancelledClient = "course_cancelled_client"
	EventCourseCancelledDriver = "course_cancelled_driver"
	EventDriverInvoice         = "driver_invoice"
)

// RenderTemplate builds the subject and HTML body for a notification event.
// Unknown events get a generic rendering so nothing queued is ever dropped
// for lack of a template.
func RenderTemplate(event string, payload map[string]any) (subject, body string) {
	switch event {
	case EventDriverRegistered:
		subject = "Nouvelle inscription chauffeur"
		body = fmt.Sprintf("<h2>Nouvelle inscription</h2><p>%s (%s) attend une activation.</p>",
			esc(payload, "driver_name"), esc(payload, "driver_email"))
	case EventDriverActivated:
		subject = "Votre compte chauffeur est activé"
		body = fmt.Sprintf("<h2>Compte activé</h2><p>Bonjour %s, votre compte est maintenant actif. Vous pouvez réserver des courses.</p>",
			esc(payload, "driver_name"))
	case EventDriverDeactivated:
		subject = "Compte chauffeur désactivé"
		body = fmt.Sprintf("<h2>Compte désactivé</h2><p>Le compte de %s a été désactivé après %s annulations tardives.</p>",
			esc(payload, "driver_name"), esc(payload, "late_cancellations"))
	case EventCourseCreated:
		subject = "Nouvelle course en sous-traitance"
		body = fmt.Sprintf("<h2>Course créée</h2><p>Course %s le %s à %s.</p><p>Lien de réclamation: %s</p>",
			esc(payload, "course_id"), esc(payload, "date"), esc(payload, "time"), esc(payload, "claim_url"))
	case EventCourseAssigned:
		subject = "Course attribuée"
		body = fmt.Sprintf("<h2>Course attribuée</h2><p>La course %s du %s est attribuée à %s. Commission payée: %s€.</p>",
			esc(payload, "course_id"), esc(payload, "date"), esc(payload, "driver_name"), esc(payload, "commission_amount"))
	case EventRefundNeeded:
		subject = "REMBOURSEMENT REQUIS — paiement de commission en conflit"
		body = fmt.Sprintf("<h2>Conflit d'attribution</h2><p>Le paiement %s du chauffeur %s pour la course %s a été confirmé alors que la course n'est plus disponible. Remboursement à instruire manuellement.</p>",
			esc(payload, "session_id"), esc(payload, "driver_id"), esc(payload, "course_id"))
	case EventCourseCancelledClient:
		subject = "Course annulée par le client"
		body = fmt.Sprintf("<h2>Annulation client</h2><p>La course %s du %s a été annulée par le client.</p>",
			esc(payload, "course_id"), esc(payload, "date"))
	case EventCourseCancelledDriver:
		subject = "Course annulée par le chauffeur"
		body = fmt.Sprintf("<h2>Annulation chauffeur</h2><p>Le chauffeur %s a annulé la course %s du %s.</p>",
			esc(payload, "driver_name"), esc(payload, "course_id"), esc(payload, "date"))
	case EventDriverInvoice:
		subject = fmt.Sprintf("Facture %s", esc(payload, "invoice_number"))
		body = fmt.Sprintf("<h2>Facture %s</h2><pre>%s</pre>",
			esc(payload, "invoice_number"), esc(payload, "document"))
	default:
		subject = event
		body = fmt.Sprintf("<p>Event %s</p>", html.EscapeString(event))
	}
	return subject, body
}

// Recipients extracts the destination addresses of a queued message,
// falling back to the given admin address.
func Recipients(payload map[string]any, adminEmail string) []string {
	switch v := payload["to"].(type) {
	case string:
		if v != "" {
			return []string{v}
		}
	case []string:
		if len(v) > 0 {
			return v
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if adminEmail != "" {
		return []string{adminEmail}
	}
	return nil
}

func esc(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok {
		return ""
	}
	return html.EscapeString(fmt.Sprint(v))
}
