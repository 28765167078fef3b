package registry

import (
	"encoding/json"
	"regexp"
)

// Parser extracts a structured JSON summary from a tool's raw stdout. It
// returns a nil RawMessage and a nil error when the output does not match
// anything the parser recognizes, which the Executor surfaces as no
// parse_error and no structured summary rather than a failure.
type Parser func(stdout []byte) (json.RawMessage, error)

// parsers is the in-process map of named tool-output parsers; a
// ToolRegistry's optional Parser field names the entry used for that tool's
// output. It is built once at package init and never mutated afterward.
var parsers = map[string]Parser{
	"nmap": parseNmap,
}

// ParserFor returns the registered parser for name, or nil if none is
// registered. A nil parser means the tool has no structured post-processing
// and its output is returned as opaque bytes only.
func ParserFor(name string) Parser {
	return parsers[name]
}

var (
	nmapPortLine = regexp.MustCompile(`(?m)^(\d+)/(tcp|udp)\s+(\S+)\s+(\S+)`)
	nmapHostLine = regexp.MustCompile(`(?m)^Host is (up|down)`)
)

type nmapPort struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	State    string `json:"state"`
	Service  string `json:"service"`
}

type nmapSummary struct {
	HostStatus string     `json:"host_status,omitempty"`
	OpenPorts  []nmapPort `json:"open_ports"`
}

// parseNmap scans plain-text nmap output for port table lines and host
// status using simple line-oriented regexes rather than a full nmap XML
// parser, since -oX is not guaranteed to be requested by every composed
// command.
func parseNmap(stdout []byte) (json.RawMessage, error) {
	summary := nmapSummary{OpenPorts: []nmapPort{}}

	if m := nmapHostLine.FindSubmatch(stdout); m != nil {
		summary.HostStatus = string(m[1])
	}

	for _, m := range nmapPortLine.FindAllSubmatch(stdout, -1) {
		port := 0
		for _, c := range m[1] {
			port = port*10 + int(c-'0')
		}
		summary.OpenPorts = append(summary.OpenPorts, nmapPort{
			Port:     port,
			Protocol: string(m[2]),
			State:    string(m[3]),
			Service:  string(m[4]),
		})
	}

	if summary.HostStatus == "" && len(summary.OpenPorts) == 0 {
		return nil, nil
	}

	return json.Marshal(summary)
}
