package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/goinbox/internal/store"
	"github.com/nextlevelbuilder/goinbox/pkg/protocol"
)

const (
	colConv  = 7
	colChan  = 10
	colWho   = 16
	minWidth = 60
	defWidth = 100
	ellipsis = "…"
)

// consoleWidth reads $COLUMNS, falling back to 100.
func consoleWidth() int {
	if n, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && n >= minWidth {
		return n
	}
	return defWidth
}

// cell pads or truncates s to exactly w display columns.
func cell(s string, w int) string {
	return runewidth.FillRight(runewidth.Truncate(s, w, ellipsis), w)
}

func row(conv, channel, who, text string, width int) string {
	rest := width - colConv - colChan - colWho - 3
	if rest < 10 {
		rest = 10
	}
	return cell(conv, colConv) + " " + cell(channel, colChan) + " " + cell(who, colWho) + " " + runewidth.Truncate(text, rest, ellipsis)
}

func convLabel(id int64) string { return "#" + strconv.FormatInt(id, 10) }

// renderEvent turns one server frame into console lines. Unknown events render nothing.
func renderEvent(f protocol.InboundFrame, width int) []string {
	switch f.Event {
	case protocol.EventAgentRegistered:
		var p protocol.AgentRegisteredPayload
		if json.Unmarshal(f.Payload, &p) != nil {
			return nil
		}
		return []string{fmt.Sprintf("* registered as %s (id %d)", p.Agent.Name, p.Agent.ID)}

	case protocol.EventAgentConversations:
		var convs []store.Conversation
		if json.Unmarshal(f.Payload, &convs) != nil {
			return nil
		}
		out := []string{fmt.Sprintf("* %d open conversation(s)", len(convs))}
		for _, c := range convs {
			out = append(out, row(convLabel(c.ID), c.ChannelName, c.CustomerName, c.Status, width))
		}
		return out

	case protocol.EventConversationAssigned:
		var c store.Conversation
		if json.Unmarshal(f.Payload, &c) != nil {
			return nil
		}
		return []string{row(convLabel(c.ID), c.ChannelName, c.CustomerName, "assigned to you, /to "+strconv.FormatInt(c.ID, 10)+" to reply", width)}

	case protocol.EventConversationMessage:
		var m store.Message
		if json.Unmarshal(f.Payload, &m) != nil {
			return nil
		}
		conv := ""
		if m.ConversationID != nil {
			conv = convLabel(*m.ConversationID)
		}
		who := m.Username
		if who == "" {
			who = m.Sender
		}
		return []string{row(conv, m.Sender, who, m.Content, width)}

	case protocol.EventConversationJoined:
		var p protocol.ConversationJoinedPayload
		if json.Unmarshal(f.Payload, &p) != nil {
			return nil
		}
		return []string{fmt.Sprintf("* joined %s", convLabel(p.ConversationID))}

	case protocol.EventProviderStatus:
		var p protocol.ProviderStatusPayload
		if json.Unmarshal(f.Payload, &p) != nil {
			return nil
		}
		return []string{row(convLabel(p.ConversationID), p.Channel, p.Provider, "delivery "+p.Status, width)}

	case protocol.EventError:
		var p protocol.ErrorPayload
		if json.Unmarshal(f.Payload, &p) != nil {
			return nil
		}
		if p.Event != "" {
			return []string{fmt.Sprintf("! %s: %s", p.Event, p.Message)}
		}
		return []string{"! " + p.Message}

	case protocol.EventShutdown:
		return []string{"* gateway is shutting down"}
	}
	return nil
}
