package generation

const systemWriter = `You are a travel and geography writer producing reference pages about places.
Write in {{.language}}. Be factual; when unsure about a detail, leave it out.
Reply with the requested text only, without quotes, headings or commentary.`

// DefaultSteps is the content chain used when no custom prompts are configured:
// localized name, page title, body, SEO title, SEO description.
func DefaultSteps(maxTokens int, temperature float64) []Step {
	return []Step{
		{
			Name:   StepTranslatedName,
			System: systemWriter,
			User: `Give the usual {{.language}} name of the {{.type}} "{{.name}}"{{if .country}} in {{.country}}{{end}}.
If there is no established translation, repeat the original name.`,
			MaxTokens:   32,
			Temperature: 0,
			MaxLength:   120,
		},
		{
			Name:   StepTitle,
			System: systemWriter,
			User: `Write a page title of at most 70 characters for a guide about {{.translated_name}}
({{.type}}{{if .country}}, {{.country}}{{end}}{{if .continent}}, {{.continent}}{{end}}).`,
			MaxTokens:   48,
			Temperature: temperature,
			MaxLength:   120,
		},
		{
			Name:   StepBody,
			System: systemWriter,
			User: `Write the body of the page "{{.title}}" about {{.translated_name}}.
Facts you may use:
- type: {{.type}}
{{- if .country}}
- country: {{.country}}{{end}}
{{- if .continent}}
- continent: {{.continent}}{{end}}
{{- if .population}}
- population: {{.population}}{{end}}
{{- if .timezone}}
- time zone: {{.timezone}}{{end}}
{{- if .coordinates}}
- coordinates: {{.coordinates}}{{end}}
Use three to five short paragraphs of plain HTML (<p> elements only).`,
			MaxTokens:   maxTokens,
			Temperature: temperature,
		},
		{
			Name:        StepSEOTitle,
			System:      systemWriter,
			User:        `Write an SEO title of at most 60 characters for the page "{{.title}}" about {{.translated_name}}.`,
			MaxTokens:   40,
			Temperature: temperature,
			MaxLength:   60,
		},
		{
			Name:   StepSEODescription,
			System: systemWriter,
			User: `Write a meta description of at most 155 characters summarising this page:
{{.body}}`,
			MaxTokens:   90,
			Temperature: temperature,
			MaxLength:   160,
		},
	}
}
