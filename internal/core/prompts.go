package core

import "keepgoing-assistant/internal/emergency"

// prompts.go holds the system prompt and every piece of fixed copy the
// orchestrator can return.  Keeping them in one file makes them easy to
// review without touching the pipeline.

const (
	// SystemPrompt frames the assistant for the general path.  Placeholders
	// stand for the patient's own details and must come back unchanged.
	SystemPrompt = "You are a warm, concise health and wellbeing companion for patients enrolled in a care program. " +
		"Answer in plain English, in a few short sentences. Do not diagnose or change treatment; suggest talking to the care team when in doubt. " +
		"Placeholders in angle brackets, like <NAME_n>, stand for the patient's own details: reuse them verbatim, never guess what they hide. " +
		"Only recommend in-app features listed to you by name."

	// ReengageMessage answers a message that sat in a client queue for too
	// long to be answered as if it were new.
	ReengageMessage = "Welcome back! This message was sent a while ago, possibly while you were offline. " +
		"Is it still what you'd like help with? If so, just send it again."

	// ApologyMessage is returned when no answer could be generated.
	ApologyMessage = "Sorry, I couldn't put an answer together just now. Please try again in a moment. " +
		"If you feel unwell or unsafe, call 000."

	// RefusalMessage is returned when the input could not be checked safely.
	RefusalMessage = "Sorry, I couldn't process that message. Please try rephrasing it. " +
		"If this is an emergency, call 000 now."
)

// SafetyMessage is the category-specific reply to a flagged emergency.
func SafetyMessage(c emergency.Category) string {
	switch c {
	case emergency.SelfHarm:
		return "I'm really sorry you're feeling this way, and I'm glad you told me. Your safety matters. " +
			"If you are in immediate danger, call 000 now. You can talk to someone at Lifeline any time on 13 11 14. " +
			"I've let your care team know so they can check in with you."
	case emergency.LifeThreateningMedical:
		return "This sounds like it could be a medical emergency. Call 000 for an ambulance now and don't wait for a reply here. " +
			"I've alerted your care team."
	case emergency.SeriousInjury:
		return "That sounds like a serious injury. If there is heavy bleeding or a head injury, call 000 now. " +
			"Keep still and keep the area supported while you wait. I've alerted your care team."
	default:
		return "This may need urgent medical attention. If you are worried, call 000 or go to your nearest emergency department. " +
			"I've let your care team know."
	}
}
