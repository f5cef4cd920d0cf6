package crafting

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/foxzi/outreach/internal/campaign"
)

func TestBuildPrompt(t *testing.T) {
	req := &Request{
		Contact: testContact(),
		Context: campaign.Context{
			Name:         "Q3 analytics push",
			Offering:     "Faster difference engines",
			CallToAction: "book a 15 minute call",
			SenderName:   "Charles",
		},
	}

	prompt := BuildPrompt(req)
	for _, want := range []string{
		`"Q3 analytics push"`,
		"Faster difference engines",
		"book a 15 minute call",
		"Sign the email as Charles",
		"company_name: Analytical Engines",
		"lead_name: Ada",
		`"subject"`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestParseResponse(t *testing.T) {
	vars := map[string]string{"lead_name": "Ada", "company_name": "Analytical Engines"}

	tests := []struct {
		name        string
		input       string
		wantSubject string
		wantBody    string
		wantErr     bool
	}{
		{
			name:        "plain json",
			input:       `{"subject": "Hi Ada", "body": "Short note"}`,
			wantSubject: "Hi Ada",
			wantBody:    "Short note",
		},
		{
			name:        "fenced json",
			input:       "```json\n{\"subject\": \"Hi\", \"body\": \"Text\"}\n```",
			wantSubject: "Hi",
			wantBody:    "Text",
		},
		{
			name:        "placeholders filled",
			input:       `{"subject": "Idea for {{company_name}}", "body": "Hi {{lead_name}}, {{unknown}}"}`,
			wantSubject: "Idea for Analytical Engines",
			wantBody:    "Hi Ada, {{unknown}}",
		},
		{
			name:        "template keys in a list",
			input:       `[{"subject_template": "S {{lead_name}}", "body_template": "B"}]`,
			wantSubject: "S Ada",
			wantBody:    "B",
		},
		{name: "empty", input: "  ", wantErr: true},
		{name: "not json", input: "Sure! Here is your email:", wantErr: true},
		{name: "missing body", input: `{"subject": "x"}`, wantErr: true},
		{name: "empty list", input: `[]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := ParseResponse(tt.input, vars)
			if tt.wantErr {
				var te *campaign.TransientCraftError
				if !errors.As(err, &te) {
					t.Fatalf("ParseResponse() error = %v, want TransientCraftError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseResponse() error = %v", err)
			}
			if msg.Subject != tt.wantSubject || msg.Body != tt.wantBody {
				t.Errorf("ParseResponse() = %q/%q, want %q/%q", msg.Subject, msg.Body, tt.wantSubject, tt.wantBody)
			}
		})
	}
}

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name        string
		template    string
		vars        map[string]string
		want        string
		wantMissing []string
	}{
		{"simple", "Hello {{name}}!", map[string]string{"name": "John"}, "Hello John!", nil},
		{"spaces", "Hello {{ name }}!", map[string]string{"name": "John"}, "Hello John!", nil},
		{"unknown kept", "Hello {{name}} from {{city}}", map[string]string{"name": "John"}, "Hello John from {{city}}", []string{"city"}},
		{"empty", "", map[string]string{"name": "John"}, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, missing := renderTemplate(tt.template, tt.vars)
			if got != tt.want {
				t.Errorf("renderTemplate() = %q, want %q", got, tt.want)
			}
			if strings.Join(missing, ",") != strings.Join(tt.wantMissing, ",") {
				t.Errorf("missing = %v, want %v", missing, tt.wantMissing)
			}
		})
	}
}

func TestTemplateGenerator(t *testing.T) {
	gen := &TemplateGenerator{}
	req := &Request{
		Contact: testContact(),
		Context: campaign.Context{Offering: "We build engines.", SenderName: "Charles"},
	}

	msg, err := gen.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if msg.Subject != "A quick idea for Ada" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	for _, want := range []string{"Hi Ada,", "We build engines.", "a short call", "Charles"} {
		if !strings.Contains(msg.Body, want) {
			t.Errorf("Body missing %q: %q", want, msg.Body)
		}
	}
}

func TestTemplateGeneratorCampaignTemplatesWin(t *testing.T) {
	gen := &TemplateGenerator{Subject: "generator subject", Body: "generator body"}
	req := &Request{
		Contact: testContact(),
		Context: campaign.Context{SubjectTemplate: "For {{company_name}}", BodyTemplate: "Hi {{name}}"},
	}

	msg, err := gen.Generate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Subject != "For Analytical Engines" || msg.Body != "Hi Ada" {
		t.Errorf("got %q/%q", msg.Subject, msg.Body)
	}
}

func TestTemplateGeneratorMissingVariableIsPermanent(t *testing.T) {
	gen := &TemplateGenerator{Subject: "Hi {{title}}", Body: "x"}

	_, err := gen.Generate(context.Background(), &Request{Contact: testContact()})
	if !campaign.IsPermanent(err) {
		t.Errorf("Generate() error = %v, want permanent", err)
	}
}
