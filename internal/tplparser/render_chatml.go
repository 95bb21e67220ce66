package tplparser

import "strings"

// renderChatML writes <|im_start|>role\ncontent<|im_end|> turns separated by sep.
func renderChatML(opts RenderOptions, sep string) (string, bool, error) {
	var b strings.Builder

	if opts.AddBOS && opts.BOSToken != "" {
		b.WriteString(opts.BOSToken)
	}

	system, msgs := splitSystem(opts)
	if system != "" {
		b.WriteString("<|im_start|>system\n")
		b.WriteString(system)
		b.WriteString("<|im_end|>")
		b.WriteString(sep)
	}

	last := lastAssistant(msgs)
	images := opts.Images
	for i, m := range msgs {
		b.WriteString("<|im_start|>")
		b.WriteString(m.Role)
		b.WriteString("\n")
		text := m.Content
		if m.Role == "user" && images > 0 {
			b.WriteString(imageBlock(images, opts.ImageTokens))
			images = 0
		}
		if m.Role == "assistant" && !opts.KeepPastThinking && i != last {
			text = stripThinking(text)
		}
		b.WriteString(text)
		b.WriteString("<|im_end|>")
		b.WriteString(sep)
	}

	if opts.AddGenerationPrompt {
		b.WriteString("<|im_start|>assistant\n")
	}
	return b.String(), true, nil
}

// DefaultInternVLSystem is the stock InternVL2 system prompt.
const DefaultInternVLSystem = "你是由上海人工智能实验室联合商汤科技开发的书生多模态大模型，英文名叫InternVL, 是一个有用无害的人工智能助手。"

// renderInternVL is ChatML without separators between turns.
func renderInternVL(opts RenderOptions) (string, bool, error) {
	if opts.System == "" {
		opts.System = DefaultInternVLSystem
	}
	return renderChatML(opts, "")
}
