package presence

import (
	"regexp"
	"strconv"

	"github.com/clawdis/gateway/internal/protocol"
)

// nodeLine matches the structured "Node: host (ip) · app version · last
// input Ns ago · mode X · reason Y" form a system-event's text can take.
// Anything that does not match this shape is still recorded, as a bare
// text entry, rather than rejected: system-event is a best-effort presence
// signal, not a second validation gate.
var nodeLine = regexp.MustCompile(
	`^Node: (?P<host>\S+) \((?P<ip>[^)]+)\) · app (?P<version>\S+) · last input (?P<lis>\d+)s ago · mode (?P<mode>\S+) · reason (?P<reason>\S+)$`,
)

// ParseSystemEventText turns a system-event's free-text payload into a
// PresenceEntry, keyed by host when the text matches the structured node
// line, or by the raw text prefixed with "text:" otherwise. Ts is left zero; the caller
// stamps it before Upsert.
func ParseSystemEventText(text string) (key string, entry protocol.PresenceEntry) {
	m := nodeLine.FindStringSubmatch(text)
	if m == nil {
		return "text:" + text, protocol.PresenceEntry{Text: text, Reason: "system-event"}
	}
	groups := make(map[string]string, len(m))
	for i, name := range nodeLine.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		groups[name] = m[i]
	}
	lastInput, _ := strconv.ParseInt(groups["lis"], 10, 64)
	return groups["host"], protocol.PresenceEntry{
		Host:             groups["host"],
		IP:               groups["ip"],
		Version:          groups["version"],
		Mode:             groups["mode"],
		LastInputSeconds: lastInput,
		Reason:           groups["reason"],
		Text:             text,
	}
}
