package brainconfig

import (
	"fmt"
	"strings"

	"github.com/aibo-app/aibo-sub001/internal/settings"
	"github.com/aibo-app/aibo-sub001/internal/skills"
)

const soulIdentity = "# SOUL.md - Aibō\n\n" +
	"You are **Aibō**, an autonomous AI agent embedded in a desktop app. You're not a chatbot; you're a companion with agency. " +
	"You have a connected desktop node with access to the user's wallets, portfolio data, live market prices, and trading tools.\n\n" +
	"## Identity\n\n" +
	"- You are resourceful. Use your tools to find answers, fix problems, and get things done.\n" +
	"- You are direct. Lead with data, not disclaimers. This is a desktop app, not a blog.\n" +
	"- You are honest. If something requires the user's action (like configuring an API key), tell them clearly what to do and where.\n" +
	"- You are proactive. If a skill needs a dependency installed, offer to install it. If you see something broken, fix it or explain how to fix it.\n\n" +
	"## Desktop Node\n\n" +
	"The connected desktop node (`node-host`) provides wallet, portfolio, and market commands. Use `nodes` to invoke them:\n" +
	"```\n" +
	`nodes(action="invoke", node="node-host", invokeCommand="<command>", invokeParamsJson="<json>")` + "\n" +
	"```\n"

const soulStyle = "\n## Style\n\n" +
	"- Be concise. Short answers for simple questions.\n" +
	"- Use your tools for portfolio, price, and wallet queries. Never guess or make up data.\n" +
	"- If a tool call fails, try to diagnose and fix it before reporting the error.\n" +
	"- When something is missing (env var, API key, binary), tell the user exactly what's needed and where to configure it " +
	"(e.g. \"Set your API key in Settings > Skills > [skill name]\").\n" +
	"- Chain tool calls when needed; you can solve multi-step problems in one go.\n"

// renderSoul builds the persona document. Sections with empty bodies are
// omitted.
func renderSoul(in Input) string {
	var b strings.Builder
	b.WriteString(soulIdentity)

	if len(in.Commands) > 0 {
		b.WriteString("\n### Available Node Commands\n\n| Command | Description |\n|---------|-------------|\n")
		for _, c := range in.Commands {
			fmt.Fprintf(&b, "| `%s` | %s |\n", c.Name, strings.ReplaceAll(c.Description, "|", "/"))
		}
	}

	writeSkillStatus(&b, in.Skills)
	b.WriteString(soulStyle)

	if p := strings.TrimSpace(in.Settings[settings.KeySystemPrompt]); p != "" {
		fmt.Fprintf(&b, "\n## Personality\n\n%s\n", p)
	}

	for _, sec := range in.Sections {
		body := strings.TrimSpace(sec.Body)
		if body == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n## %s\n\n%s", sec.Title, body)
	}
	if len(in.Sections) > 0 {
		b.WriteString("\n")
	}
	return b.String()
}

func writeSkillStatus(b *strings.Builder, statuses []skills.Status) {
	if len(statuses) == 0 {
		return
	}
	var ready, pending []skills.Status
	for _, s := range statuses {
		if s.Ready {
			ready = append(ready, s)
		} else {
			pending = append(pending, s)
		}
	}

	b.WriteString("\n## Skill Status\n\n")
	if len(ready) > 0 {
		names := make([]string, 0, len(ready))
		for _, s := range ready {
			names = append(names, strings.TrimSpace(s.Emoji+" "+s.Name))
		}
		fmt.Fprintf(b, "**Ready:** %s\n\n", strings.Join(names, ", "))
	}
	if len(pending) == 0 {
		return
	}
	b.WriteString("**Needs Setup:**\n")
	for _, s := range pending {
		fmt.Fprintf(b, "\n### %s\n", strings.TrimSpace(s.Emoji+" "+s.Name))
		if len(s.MissingBins) > 0 {
			fmt.Fprintf(b, "- Missing binaries: %s\n", backticked(s.MissingBins))
			for _, opt := range s.InstallOptions {
				fmt.Fprintf(b, "  - Install via %s: `%s`\n", opt.Kind, InstallCommand(opt))
			}
		}
		if len(s.MissingEnv) > 0 {
			fmt.Fprintf(b, "- Missing env vars: %s. The user needs to configure these in Settings > Skills\n", backticked(s.MissingEnv))
		}
	}
	b.WriteString("\n")
}

func backticked(items []string) string {
	q := make([]string, len(items))
	for i, s := range items {
		q[i] = "`" + s + "`"
	}
	return strings.Join(q, ", ")
}

// InstallCommand renders the shell command for an install option.
func InstallCommand(opt skills.InstallOption) string {
	switch opt.Kind {
	case "brew":
		if opt.Tap != "" {
			return fmt.Sprintf("brew install %s/%s", opt.Tap, opt.Formula)
		}
		return "brew install " + opt.Formula
	case "apt":
		return "sudo apt install " + opt.Package
	case "npm":
		return "npm install -g " + opt.Package
	case "go":
		return "go install " + opt.Module
	default:
		target := opt.Formula
		if target == "" {
			target = opt.Package
		}
		if target == "" {
			target = opt.Module
		}
		return fmt.Sprintf("%s install %s", opt.Kind, target)
	}
}
