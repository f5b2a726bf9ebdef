package agents

import (
	"context"
	"sort"
	"strings"

	"mailpilot/internal/backend"
	"mailpilot/internal/config"
	"mailpilot/internal/domain"
	"mailpilot/internal/pipeline"
	"mailpilot/internal/store"
)

// Draft writes a candidate reply. In cloud mode the backend writes a
// bespoke reply with an empty template name, which keeps it out of
// auto-send: only allow-listed templates can ever skip human review. In
// local mode the configured template is used verbatim.
type Draft struct {
	Store   store.Store
	Backend backend.Backend
	Config  *config.Config
}

func (Draft) Stage() string { return domain.StageDraft }

func (a Draft) Process(ctx context.Context, rec domain.EmailRecord, upstream map[string]domain.StageResult) (pipeline.Output, error) {
	var sum domain.Summary
	if err := upstreamPayload(upstream, domain.StageSummarize, &sum); err != nil {
		return pipeline.Output{}, err
	}
	settings, err := a.Store.GetSettings(ctx)
	if err != nil {
		return pipeline.Output{}, err
	}

	var draft domain.DraftReply
	if settings.CloudLLM && a.Backend != nil {
		gist := sum.TLDR
		if len(sum.Bullets) > 0 {
			gist += "\n- " + strings.Join(sum.Bullets, "\n- ")
		}
		body, err := a.Backend.DraftReply(ctx, rec.Subject, gist)
		if err != nil {
			return pipeline.Output{}, backendErr(err)
		}
		draft = domain.DraftReply{Body: body}
	} else {
		name, body := a.pickTemplate()
		if name == "" {
			body = "Thanks for your message. I have received it and will get back to you soon."
		}
		draft = domain.DraftReply{Body: body, Template: name}
	}

	payloadJSON, err := marshalPayload(draft)
	if err != nil {
		return pipeline.Output{}, err
	}
	return pipeline.Output{
		Kind:        domain.KindDraftReply,
		PayloadJSON: payloadJSON,
	}, nil
}

// pickTemplate chooses deterministically: "away" when configured,
// otherwise the first template by name.
func (a Draft) pickTemplate() (string, string) {
	templates := a.Config.Reply.AllowedTemplates
	if len(templates) == 0 {
		return "", ""
	}
	if body, ok := templates["away"]; ok {
		return "away", body
	}
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0], templates[names[0]]
}
