package tplparser

import (
	"strings"
)

// Names lists the supported template names.
func Names() []string {
	return []string{"chatml", "internvl", "llama3", "minicpm"}
}

// Render returns (output, ok). ok=false means the template is unsupported.
func Render(opts RenderOptions) (string, bool, error) {
	switch normalize(opts.Template) {
	case "chatml", "qwen", "qwen2":
		return renderChatML(opts, "\n")
	case "internvl", "internvl2":
		return renderInternVL(opts)
	case "llama3", "llama-3":
		return renderLlama3(opts)
	case "minicpm":
		return renderMiniCPM(opts)
	default:
		return "", false, nil
	}
}

// Supported reports whether name selects a template. The empty name means raw prompts.
func Supported(name string) bool {
	if strings.TrimSpace(name) == "" {
		return true
	}
	_, ok, _ := Render(RenderOptions{Template: name})
	return ok
}

// Prompt renders a single user turn with the default system prompt.
func Prompt(template, system, user string, images int) (string, error) {
	out, ok, err := Render(RenderOptions{
		Template:            template,
		System:              system,
		AddGenerationPrompt: true,
		Images:              images,
		Messages:            []Message{{Role: "user", Content: user}},
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return user, nil
	}
	return out, nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// splitSystem pulls a leading system turn out of msgs, falling back to opts.System.
func splitSystem(opts RenderOptions) (string, []Message) {
	msgs := opts.Messages
	if len(msgs) > 0 && strings.EqualFold(msgs[0].Role, "system") {
		return msgs[0].Content, msgs[1:]
	}
	return opts.System, msgs
}

func imageBlock(n, tokens int) string {
	if n <= 0 {
		return ""
	}
	if tokens <= 0 {
		tokens = DefaultImageTokens
	}
	block := ImageStart + strings.Repeat(ImageContext, tokens) + ImageEnd + "\n"
	return strings.Repeat(block, n)
}

// stripThinking drops a reasoning preamble from earlier assistant turns.
func stripThinking(text string) string {
	if cut := strings.LastIndex(text, "</think>"); cut >= 0 {
		return strings.TrimSpace(text[cut+len("</think>"):])
	}
	return text
}

func lastAssistant(msgs []Message) int {
	last := -1
	for i, m := range msgs {
		if m.Role == "assistant" {
			last = i
		}
	}
	return last
}
