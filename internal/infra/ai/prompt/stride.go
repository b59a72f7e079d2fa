package prompt

import (
	"fmt"
	"strings"

	"github.com/bryanwahyu/deeptm/internal/domain/threatmodel"
)

// ExtractionSystem directs the model to map components and summarise the input.
func ExtractionSystem() string {
	return `You are a specialized infrastructure and application security expert. You must produce one valid JSON object only (no markdown, no commentary).

Your tasks are:
1. RELATIONSHIPS: Identify relationships between components from the user input (such as "ec2 <- internet" or "database → API").
2. CONTEXT: Provide a contextual summary of the user input with all the relevant technical details and business context. No security analysis is required, just a technical summary.

Rules:
- direction must be one of "→", "←", "↔".
- Keep component names short and as the user wrote them.
- Do not invent components that are not in the input.

Schema (example):
{
  "relationships": [
    {"source": "internet", "target": "ec2", "direction": "→", "description": "Public access to EC2 instance"}
  ],
  "context": "The system is a web application that allows users to manage their finances. It is hosted on an EC2 instance and has a public-facing internet endpoint."
}`
}

func ExtractionUser(input string) string {
	return "Extract the relationships and context from this system description:\n\n" + input
}

// ThreatSystem directs the model to produce STRIDE threats for one relationship.
func ThreatSystem() string {
	var cats []string
	for _, c := range threatmodel.Categories {
		cats = append(cats, "- "+string(c))
	}
	return `You are a threat modeling expert using STRIDE methodology. You must produce one valid JSON object only (no markdown, no commentary).

Analyze the given relationship and context and generate threats using STRIDE methodology.
Your analytic angle can be technical cyber security threats or threats from business logic flaws.
Do not make up threats that are not related to the relationship.

Use exactly one of these as category, spelled as written:
` + strings.Join(cats, "\n") + `

Use severity Critical, High, Medium or Low and likelihood High, Medium or Low.
Return an empty list when the relationship carries no meaningful threat.

Schema (example):
{
  "threats": [
    {
      "category": "Spoofing",
      "name": "Unauthorized EC2 Access",
      "impacts": "Unauthorized system access",
      "threat": "Attackers may gain unauthorized access to EC2 instances through brute force or exploiting vulnerabilities",
      "severity": "High",
      "likelihood": "Medium",
      "attack_vector": "Credential stuffing against the SSH endpoint",
      "prerequisites": "SSH exposed to the internet"
    }
  ]
}`
}

func ThreatUser(rel threatmodel.Relationship, context string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Analyze the security threats for a relationship from %s to %s (%s).\n", rel.Source, rel.Target, rel.Direction)
	if rel.Description != "" {
		fmt.Fprintf(&sb, "Relationship details: %s\n", rel.Description)
	}
	fmt.Fprintf(&sb, "Context: %s\n", context)
	return sb.String()
}

// MitigationSystem carries the STRIDE to security-control table and tool hints.
func MitigationSystem(withTools bool) string {
	var sb strings.Builder
	sb.WriteString(`You are a security expert specializing in mitigation for threats identified in a threat modeling exercise.
Your mitigation should be based on the given threat category, and the recommendation should follow the associated security control to help reduce or eliminate risk.
Here are the security controls for each threat category:
`)
	for _, c := range threatmodel.Categories {
		fmt.Fprintf(&sb, "Category: %s, Security Control: %s, Description: %s\n", c, c.Control(), controlHint[c])
	}
	sb.WriteString(`
EXTREMELY IMPORTANT: Your response MUST be VERY short and concise, using at most 150 words.
Focus on the 2-3 most critical and effective mitigation strategies only.
Use a brief, direct, technical writing style with no fluff.
`)
	if withTools {
		sb.WriteString(`
Tools are available to help you with your mitigation research:
Use search_web to find information about the threat.
Use scrape_webpage to read a page from the search results.
Use research_web_security_topic to research a web security topic in depth.
Cite the URLs you relied on in sources.
`)
	}
	sb.WriteString(`
When you are done, answer with one JSON object only:
{"content": "<mitigation>", "sources": ["<url>", "..."]}`)
	return sb.String()
}

var controlHint = map[threatmodel.StrideCategory]string{
	threatmodel.Spoofing:              "They are who they say they are",
	threatmodel.Tampering:             "Data is not modified without detection",
	threatmodel.Repudiation:           "Proof of receipt or origin",
	threatmodel.InformationDisclosure: "Only the least amount of information is disclosed",
	threatmodel.DenialOfService:       "Limit the rate at which requests are processed",
	threatmodel.ElevationOfPrivilege:  "User has appropriate permissions to carry out a request",
}

func MitigationUser(th threatmodel.Threat, context string) string {
	var sb strings.Builder
	sb.WriteString("Research mitigation strategies for the following threat:\n\n")
	fmt.Fprintf(&sb, "Name: %s\n", th.Name)
	fmt.Fprintf(&sb, "Category: %s\n", th.Category)
	fmt.Fprintf(&sb, "Relationship: %s\n", th.Scope)
	if th.Scope.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", th.Scope.Description)
	}
	fmt.Fprintf(&sb, "Threat Details: %s\n", th.Description)
	fmt.Fprintf(&sb, "Impacts: %s\n", th.Impacts)
	fmt.Fprintf(&sb, "Severity: %s\n", th.Severity)
	if th.AttackVector != "" {
		fmt.Fprintf(&sb, "Attack Vector: %s\n", th.AttackVector)
	}
	fmt.Fprintf(&sb, "Context: %s\n", context)
	return sb.String()
}
