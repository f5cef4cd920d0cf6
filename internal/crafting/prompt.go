package crafting

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"

	"github.com/foxzi/outreach/internal/campaign"
)

const systemInstruction = "You are an expert B2B sales assistant who writes concise, personalized " +
	"cold outreach emails. You focus on the prospect's likely pain points, build rapport and " +
	"invite a low-pressure conversation. You never invent facts about the prospect."

// BuildPrompt renders the generation prompt for one contact
func BuildPrompt(req *Request) string {
	c := req.Context
	var b strings.Builder

	name := c.Name
	if name == "" {
		name = "the campaign"
	}
	fmt.Fprintf(&b, "Write the first email of the outreach campaign %q.\n", name)
	if c.Description != "" {
		fmt.Fprintf(&b, "The campaign aims to: %s\n", c.Description)
	}

	audience := c.Audience
	if audience == "" {
		audience = "Generic B2B professional."
	}
	fmt.Fprintf(&b, "\nTarget audience: %s\n", audience)

	offering := c.Offering
	if offering == "" {
		offering = "Our valuable solution."
	}
	fmt.Fprintf(&b, "Offering to introduce: %s\n", offering)

	cta := c.CallToAction
	if cta == "" {
		cta = "explore a potential fit"
	}
	fmt.Fprintf(&b, "The goal is to invite them to %q if there is a mutual fit.\n", cta)
	if c.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", c.Tone)
	}
	if c.SenderName != "" {
		fmt.Fprintf(&b, "Sign the email as %s.\n", c.SenderName)
	}

	b.WriteString("\nRecipient:\n")
	vars := req.Contact.Vars()
	for _, k := range slices.Sorted(maps.Keys(vars)) {
		if vars[k] == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", k, vars[k])
	}

	b.WriteString("\nOutput requirements:\n")
	b.WriteString("- Respond with a single valid JSON object and nothing else.\n")
	b.WriteString(`- The object must have the keys "subject" (string) and "body" (plain text string, newlines as \n).` + "\n")
	b.WriteString("- Keep the subject short and specific to the recipient. Keep the body under 150 words.\n")

	return b.String()
}

type generated struct {
	Subject         string `json:"subject"`
	Body            string `json:"body"`
	SubjectTemplate string `json:"subject_template"`
	BodyTemplate    string `json:"body_template"`
}

// ParseResponse extracts a message from model output. Code fences are
// stripped and placeholders the model left in are filled from vars.
// Output that cannot be used is a transient error so the call is retried.
func ParseResponse(text string, vars map[string]string) (*campaign.Message, error) {
	cleaned := stripFences(text)
	if cleaned == "" {
		return nil, malformed(errors.New("empty response"))
	}

	var out generated
	if strings.HasPrefix(cleaned, "[") {
		var list []generated
		if err := json.Unmarshal([]byte(cleaned), &list); err != nil {
			return nil, malformed(err)
		}
		if len(list) == 0 {
			return nil, malformed(errors.New("empty list"))
		}
		out = list[0]
	} else if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, malformed(err)
	}

	subject := firstNonEmpty(out.Subject, out.SubjectTemplate)
	body := firstNonEmpty(out.Body, out.BodyTemplate)
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
		return nil, malformed(errors.New("subject or body missing"))
	}

	subject, _ = renderTemplate(subject, vars)
	body, _ = renderTemplate(body, vars)
	return &campaign.Message{
		Subject: strings.TrimSpace(subject),
		Body:    strings.TrimSpace(body),
	}, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func malformed(err error) error {
	return &campaign.TransientCraftError{Err: fmt.Errorf("malformed model output: %w", err)}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// varPattern matches template variables like {{name}} or {{ company_name }}
var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// renderTemplate substitutes {{var}} placeholders. Unknown variables are
// kept as they are and reported.
func renderTemplate(template string, vars map[string]string) (string, []string) {
	if template == "" {
		return template, nil
	}

	var missing []string
	out := varPattern.ReplaceAllStringFunc(template, func(match string) string {
		varName := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[varName]; ok {
			return value
		}
		missing = append(missing, varName)
		return match
	})
	return out, missing
}

// templateVars merges contact and campaign variables. Contact fields win.
func templateVars(contact *campaign.Contact, c campaign.Context) map[string]string {
	vars := map[string]string{
		"campaign_name":  c.Name,
		"offering":       c.Offering,
		"call_to_action": c.CallToAction,
		"sender_name":    c.SenderName,
		"sender_email":   c.SenderEmail,
	}
	maps.Copy(vars, contact.Vars())
	return vars
}
