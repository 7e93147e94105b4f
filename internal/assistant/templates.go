package assistant

import (
	"fmt"
	"strings"

	"github.com/kalambet/assistd/internal/tenant"
)

// responsibilities describes what each department's agent is for.
var responsibilities = map[tenant.Department]string{
	tenant.SocialMedia: "planning and drafting social media posts, suggesting content calendars, " +
		"and replying to comments in the brand's voice",
	tenant.Finance: "answering questions about budgets, invoices, expenses and cash flow, " +
		"and explaining financial documents in plain language",
	tenant.Sales: "qualifying leads, preparing proposals and follow-ups, " +
		"and answering product and pricing questions",
	tenant.Marketing: "shaping campaigns, positioning and messaging, " +
		"and analysing what resonates with the business's audience",
	tenant.CustomerService: "resolving customer questions and complaints politely, " +
		"explaining policies, and escalating when a human is needed",
	tenant.Custom: "helping the team with whatever tasks they bring, " +
		"grounded in the business's own documents",
}

var displayNames = map[tenant.Department]string{
	tenant.SocialMedia:     "Social Media",
	tenant.Finance:         "Finance",
	tenant.Sales:           "Sales",
	tenant.Marketing:       "Marketing",
	tenant.CustomerService: "Customer Service",
	tenant.Custom:          "General",
}

// agentName is the provider-visible name of the department's agent.
func agentName(tenantName string, dept tenant.Department) string {
	return fmt.Sprintf("%s %s Assistant", tenantName, displayNames[dept])
}

// instructions renders the system prompt for the department's agent.
func instructions(tenantName string, dept tenant.Department) string {
	resp, ok := responsibilities[dept]
	if !ok {
		resp = responsibilities[tenant.Custom]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s assistant for %s. ", strings.ToLower(displayNames[dept]), tenantName)
	fmt.Fprintf(&b, "Your responsibilities: %s. ", resp)
	b.WriteString("Use the documents provided by the business to ground your answers and cite them when relevant. ")
	b.WriteString("If the documents do not contain the answer, say so instead of guessing.")
	return b.String()
}
