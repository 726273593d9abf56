package telegraph

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zulandar/dingline/internal/models"
)

// DefaultCommandPrefix triggers command handling when no prefix is configured.
const DefaultCommandPrefix = "!dl"

// maxRecent caps the "recent" command.
const maxRecent = 20

// StatusProvider reports a connection snapshot. Every Adapter is one.
type StatusProvider interface {
	Status() Status
}

// CommandHandler processes read-only chat commands such as "!dl status".
type CommandHandler struct {
	prefix    string
	status    StatusProvider
	journal   *Journal
	startedAt time.Time
	now       func() time.Time
}

// CommandHandlerOpts holds parameters for creating a CommandHandler.
type CommandHandlerOpts struct {
	Prefix         string         // defaults to DefaultCommandPrefix
	StatusProvider StatusProvider // required
	Journal        *Journal       // optional; enables "recent"
}

// NewCommandHandler creates a CommandHandler.
func NewCommandHandler(opts CommandHandlerOpts) (*CommandHandler, error) {
	if opts.StatusProvider == nil {
		return nil, fmt.Errorf("telegraph: command handler: status provider is required")
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	return &CommandHandler{
		prefix:    prefix,
		status:    opts.StatusProvider,
		journal:   opts.Journal,
		startedAt: time.Now(),
		now:       time.Now,
	}, nil
}

// Prefix returns the command prefix.
func (ch *CommandHandler) Prefix() string { return ch.prefix }

// Execute parses and executes a command string received in the conversation
// target. Returns the response text to send back.
func (ch *CommandHandler) Execute(target Target, text string) string {
	args := ch.parseCommand(text)
	if len(args) == 0 {
		return ch.helpText()
	}

	switch args[0] {
	case "ping":
		return "pong"
	case "status":
		return ch.cmdStatus()
	case "recent":
		return ch.cmdRecent(target, args[1:])
	case "echo":
		return strings.Join(args[1:], " ")
	case "help":
		return ch.helpText()
	default:
		return fmt.Sprintf("Unknown command: `%s`\n\n%s", args[0], ch.helpText())
	}
}

// parseCommand strips the prefix and splits the remaining text.
func (ch *CommandHandler) parseCommand(text string) []string {
	text = strings.TrimSpace(text)
	if text == ch.prefix {
		return nil
	}
	text = strings.TrimPrefix(text, ch.prefix+" ")
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return strings.Fields(text)
}

// isCommand returns true if the text starts with the command prefix.
func (ch *CommandHandler) isCommand(text string) bool {
	return strings.HasPrefix(text, ch.prefix+" ") || text == ch.prefix
}

func (ch *CommandHandler) cmdStatus() string {
	return formatStatus(ch.status.Status(), ch.now().Sub(ch.startedAt))
}

// cmdRecent lists the latest journal entries of this conversation.
func (ch *CommandHandler) cmdRecent(target Target, args []string) string {
	if ch.journal == nil {
		return "Journal is disabled."
	}
	n := 5
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v <= 0 {
			return fmt.Sprintf("Usage: `%s recent [count]`", ch.prefix)
		}
		n = min(v, maxRecent)
	}
	entries, err := ch.journal.Recent(JournalQuery{
		TargetType: target.Kind,
		TargetID:   target.ID,
		Limit:      n,
	})
	if err != nil {
		return fmt.Sprintf("Error reading journal: %v", err)
	}
	if len(entries) == 0 {
		return "No messages recorded."
	}
	return formatJournalTable(entries)
}

// helpText returns usage information for all commands.
func (ch *CommandHandler) helpText() string {
	p := ch.prefix
	return "**dingline commands**\n" +
		"`" + p + " ping` : liveness check\n" +
		"`" + p + " status` : connection status\n" +
		"`" + p + " recent [count]` : latest messages in this conversation\n" +
		"`" + p + " echo <text>` : repeat text\n" +
		"`" + p + " help` : this message"
}

// formatStatus renders a connection snapshot.
func formatStatus(st Status, uptime time.Duration) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("**%s** %s", st.Platform, st.State))
	if st.Sandbox {
		b.WriteString(" (sandbox)")
	}
	b.WriteString("\n")
	alive := "no"
	if st.Alive {
		alive = "yes"
	}
	b.WriteString(fmt.Sprintf("Alive: %s | Retries: %d | Uptime: %s\n", alive, st.RetryCount, uptime.Truncate(time.Second)))
	if !st.OnlineSince.IsZero() {
		b.WriteString(fmt.Sprintf("Online since: %s\n", st.OnlineSince.Format(time.RFC3339)))
	}
	return b.String()
}

// formatJournalTable formats journal entries oldest first.
func formatJournalTable(entries []models.JournalEntry) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("**Recent** (%d)\n", len(entries)))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		who := e.UserName
		if e.Direction == models.DirectionOut {
			who = "bot"
		}
		if who == "" {
			who = e.UserID
		}
		b.WriteString(fmt.Sprintf("%s %-3s %-12s %s\n",
			e.SentAt.Format("15:04:05"), e.Direction, truncate(who, 12), truncate(e.Content, 60)))
	}
	return b.String()
}

// truncate returns s truncated to maxLen runes with "..." appended if needed.
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen]) + "..."
}
