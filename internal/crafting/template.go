package crafting

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/foxzi/outreach/internal/campaign"
)

const (
	defaultSubjectTemplate = "A quick idea for {{lead_name}}"
	defaultBodyTemplate    = "Hi {{lead_name}},\n\n{{offering}}\n\nWould you be open to {{call_to_action}}?\n\nBest,\n{{sender_name}}"
)

// TemplateGenerator renders messages from {{var}} templates without calling
// a model. Campaign templates win over the generator's own. It serves offline
// runs and simulations.
type TemplateGenerator struct {
	Subject string
	Body    string
	// Delay simulates model latency
	Delay time.Duration
}

// Generate implements Generator. A placeholder without a value is a
// permanent error: retrying cannot fix the contact's data.
func (g *TemplateGenerator) Generate(ctx context.Context, req *Request) (*campaign.Message, error) {
	if g.Delay > 0 {
		timer := time.NewTimer(g.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	subjectTmpl := firstNonEmpty(req.Context.SubjectTemplate, g.Subject, defaultSubjectTemplate)
	bodyTmpl := firstNonEmpty(req.Context.BodyTemplate, g.Body, defaultBodyTemplate)

	vars := templateVars(req.Contact, req.Context)
	if vars["call_to_action"] == "" {
		vars["call_to_action"] = "a short call"
	}

	subject, missingSubject := renderTemplate(subjectTmpl, vars)
	body, missingBody := renderTemplate(bodyTmpl, vars)
	if missing := append(missingSubject, missingBody...); len(missing) > 0 {
		return nil, &campaign.PermanentCraftError{
			Err: fmt.Errorf("no value for template variables: %s", strings.Join(missing, ", ")),
		}
	}

	return &campaign.Message{
		Subject: strings.TrimSpace(subject),
		Body:    strings.TrimSpace(body),
	}, nil
}
