package core

import (
	"fmt"
	"strings"

	"keepgoing-assistant/internal/features"
	"keepgoing-assistant/internal/intent"
	"keepgoing-assistant/internal/llm"
	"keepgoing-assistant/internal/tools"
	"keepgoing-assistant/pkg"
)

// summarizeCareContext renders directives and the latest metrics as the
// plain-text block injected into the prompt.  It runs before anonymization,
// so the ledger sees (and tokenizes) everything it contains.
func summarizeCareContext(cc pkg.CareContext) string {
	if cc.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("Care context for this patient.\n")
	if len(cc.Directives) > 0 {
		b.WriteString("Active care directives:\n")
		for _, d := range cc.Directives {
			fmt.Fprintf(&b, "- %s\n", strings.TrimSpace(d))
		}
	}
	if len(cc.Metrics) > 0 {
		b.WriteString("Latest health metrics:\n")
		for _, m := range cc.Metrics {
			line := strings.TrimSpace(m.Name + ": " + m.Value + " " + m.Unit)
			if !m.RecordedAt.IsZero() {
				line += " (" + m.RecordedAt.Format("2 Jan 2006") + ")"
			}
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// summarizeFeatures lists the catalog entries the model may recommend.
func summarizeFeatures(list []features.Feature) string {
	if len(list) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("In-app features relevant to this question (recommend only these, by exact name):\n")
	for _, f := range list {
		fmt.Fprintf(&b, "- %s: %s\n", f.Name, f.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// historyMessages maps stored turns onto chat roles.
func historyMessages(turns []pkg.ConversationTurn) []llm.Message {
	out := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == pkg.RoleAssistant {
			role = llm.RoleAssistant
		}
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		out = append(out, llm.Message{Role: role, Content: t.Text})
	}
	return out
}

const maxListedProviders = 5

// summarizeProviders writes the location answer from tool results only.
func summarizeProviders(entities map[string]string, results []tools.ProviderResult) string {
	var b strings.Builder
	if service := strings.TrimSpace(entities[intent.EntityService]); service != "" {
		fmt.Fprintf(&b, "Here are some options for %s near %s:\n", service, strings.TrimSpace(entities[intent.EntityLocation]))
	} else {
		fmt.Fprintf(&b, "Here are some options near %s:\n", strings.TrimSpace(entities[intent.EntityLocation]))
	}
	for i, r := range results {
		if i == maxListedProviders {
			break
		}
		fmt.Fprintf(&b, "%d. %s", i+1, r.Name)
		if where := strings.TrimSpace(strings.Trim(r.Address+", "+r.Suburb, ", ")); where != "" {
			fmt.Fprintf(&b, ", %s", where)
		}
		if r.DistanceKM > 0 {
			fmt.Fprintf(&b, " (%.1f km away)", r.DistanceKM)
		}
		if r.Phone != "" {
			fmt.Fprintf(&b, ", phone %s", r.Phone)
		}
		b.WriteString("\n")
	}
	b.WriteString("It's worth calling ahead to check opening hours and availability.")
	return b.String()
}

// trustedSpans are the exact tool-returned strings exempt from the leak scan.
func trustedSpans(entities map[string]string, results []tools.ProviderResult) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	add(entities[intent.EntityLocation])
	add(entities[intent.EntityService])
	for i, r := range results {
		if i == maxListedProviders {
			break
		}
		add(r.Name)
		add(r.Address)
		add(r.Suburb)
		add(r.Phone)
		add(r.URL)
	}
	return out
}
