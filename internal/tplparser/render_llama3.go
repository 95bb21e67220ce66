package tplparser

import "strings"

const (
	llama3BOS      = "<|begin_of_text|>"
	llama3HeadOpen = "<|start_header_id|>"
	llama3HeadEnd  = "<|end_header_id|>\n\n"
	llama3EOT      = "<|eot_id|>"
)

func renderLlama3(opts RenderOptions) (string, bool, error) {
	var b strings.Builder
	b.WriteString(llama3BOS)

	system, msgs := splitSystem(opts)
	if system != "" {
		writeLlama3Turn(&b, "system", system)
	}
	last := lastAssistant(msgs)
	for i, m := range msgs {
		text := m.Content
		if m.Role == "assistant" && !opts.KeepPastThinking && i != last {
			text = stripThinking(text)
		}
		writeLlama3Turn(&b, m.Role, text)
	}
	if opts.AddGenerationPrompt {
		b.WriteString(llama3HeadOpen)
		b.WriteString("assistant")
		b.WriteString(llama3HeadEnd)
	}
	return b.String(), true, nil
}

func writeLlama3Turn(b *strings.Builder, role, text string) {
	b.WriteString(llama3HeadOpen)
	b.WriteString(role)
	b.WriteString(llama3HeadEnd)
	b.WriteString(strings.TrimSpace(text))
	b.WriteString(llama3EOT)
}

// renderMiniCPM writes <用户>...<AI> turns. MiniCPM has no system role; a system
// prompt is prepended to the first user turn.
func renderMiniCPM(opts RenderOptions) (string, bool, error) {
	var b strings.Builder
	system, msgs := splitSystem(opts)
	for i, m := range msgs {
		switch m.Role {
		case "user":
			b.WriteString("<用户>")
			if i == 0 && system != "" {
				b.WriteString(system)
				b.WriteString("\n")
			}
			b.WriteString(m.Content)
		case "assistant":
			b.WriteString("<AI>")
			b.WriteString(m.Content)
		}
	}
	if opts.AddGenerationPrompt {
		b.WriteString("<AI>")
	}
	return b.String(), true, nil
}
