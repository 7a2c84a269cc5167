package outreach

import (
	"fmt"
	"strings"

	"outreach-engine/services/engagement"
)

type framing int

const (
	framingValue framing = iota
	framingClosing
	framingGoodbye
)

// framingFor maps a follow-up index to its copy style: the first follow-up
// offers value, the last says goodbye, everything between pushes to close.
func framingFor(index, total int) framing {
	switch {
	case index == 0 && total <= 1:
		return framingValue
	case index >= total-1:
		return framingGoodbye
	case index == 0:
		return framingValue
	default:
		return framingClosing
	}
}

func greetingName(s engagement.Subject) string {
	if name := strings.TrimSpace(s.Name); name != "" {
		return strings.Fields(name)[0]
	}
	return "there"
}

func describe(s engagement.Subject) string {
	var parts []string
	if s.Name != "" {
		parts = append(parts, "name: "+s.Name)
	}
	if s.Role != "" {
		parts = append(parts, "role: "+s.Role)
	}
	if s.Company != "" {
		parts = append(parts, "business: "+s.Company)
	}
	if s.Category != "" {
		parts = append(parts, "category: "+s.Category)
	}
	if s.City != "" {
		parts = append(parts, "city: "+s.City)
	}
	if s.PainPoint != "" {
		parts = append(parts, "pain point: "+s.PainPoint)
	}
	if len(parts) == 0 {
		return "a local business owner"
	}
	return strings.Join(parts, ", ")
}

// InitialPrompt asks for a short consultant-style opening message.
func InitialPrompt(s engagement.Subject, offer, sender string) string {
	return fmt.Sprintf(`Write a short, friendly cold outreach message from %s to %s.
We offer: %s.
Sound like a helpful consultant, not a salesperson. Mention one concrete way we can help,
keep it under 80 words, plain text, no subject line, end with a simple question.`,
		sender, describe(s), offerOrDefault(offer))
}

// FollowUpPrompt builds the prompt for follow-up number index (0-based) of total.
func FollowUpPrompt(s engagement.Subject, offer, sender string, index, total int) string {
	var brief string
	switch framingFor(index, total) {
	case framingValue:
		brief = "Share one quick, useful idea they could apply this week and offer to help with it."
	case framingClosing:
		brief = "Politely ask if they would like to get started, suggest a short call, keep it low pressure."
	default:
		brief = "Write a soft goodbye: say this is the last note, leave the door open, no pressure."
	}

	return fmt.Sprintf(`Write follow-up message %d of %d from %s to %s who has not replied yet.
We offer: %s.
%s
Keep it under 60 words, plain text, warm and human.`,
		index+1, total, sender, describe(s), offerOrDefault(offer), brief)
}

// Fallback is the copy used when generation fails for follow-up index.
func Fallback(s engagement.Subject, sender string, index, total int) string {
	name := greetingName(s)
	switch framingFor(index, total) {
	case framingValue:
		return fmt.Sprintf("Hi %s, just following up on my earlier note. I had a couple of quick ideas that could bring in more customers. Happy to share them if useful. - %s", name, sender)
	case framingClosing:
		return fmt.Sprintf("Hi %s, would you be open to a 10 minute call this week to see if we can help? No pressure either way. - %s", name, sender)
	default:
		return fmt.Sprintf("Hi %s, I won't keep filling your inbox. If things change, just reply here and I'll be glad to help. All the best! - %s", name, sender)
	}
}

func offerOrDefault(offer string) string {
	if strings.TrimSpace(offer) == "" {
		return "websites and online marketing for small businesses"
	}
	return offer
}
