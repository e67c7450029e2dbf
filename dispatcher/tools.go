package dispatcher

import (
	"encoding/json"
	"fmt"

	"github.com/hexclaw/orchestrator/artifact"
	"github.com/hexclaw/orchestrator/toolserver"
)

// toolEndpoints is the closed tool→HTTP-endpoint map. A tool absent from
// this table is treated as unknown and never reaches the tool server.
// Grounded on original_source/daemon.py's TOOL_ENDPOINT_MAP.
var toolEndpoints = map[string]string{
	"amass":     "api/tools/amass-enum",
	"rustscan":  "api/tools/rustscan-fast-scan",
	"masscan":   "api/tools/masscan-high-speed",
	"nuclei":    "api/tools/nuclei",
	"nmap":      "api/tools/nmap-scan",
	"gobuster":  "api/tools/gobuster",
	"ffuf":      "api/tools/ffuf",
	"httpx":     "api/tools/httpx",
	"subfinder": "api/tools/subfinder",
}

// buildPayload translates a step into the tool server's expected POST
// body. This table is the hot-path extension surface spec.md §4.7
// calls out and MUST stay centralized here — extras are merged last and
// never overwrite a template field.
func buildPayload(tool, target string, extra map[string]any) map[string]any {
	var base map[string]any
	switch tool {
	case "amass":
		base = map[string]any{"domain": target, "mode": "passive", "max_time": 120}
	case "rustscan":
		base = map[string]any{"target": target, "timeout": 3000, "batch_size": 4500}
	case "nuclei":
		base = map[string]any{"target": target, "severity": "medium,high,critical", "timeout": 120}
	case "subfinder":
		base = map[string]any{"domain": target}
	case "httpx":
		base = map[string]any{"target": target, "timeout": 30}
	case "nmap":
		base = map[string]any{"target": target, "scan_profile": "quick"}
	case "gobuster":
		base = map[string]any{"url": "http://" + target, "mode": "dir", "wordlist": "/usr/share/wordlists/dirb/common.txt"}
	default:
		base = map[string]any{"target": target}
	}
	for k, v := range extra {
		if _, exists := base[k]; !exists {
			base[k] = v
		}
	}
	return base
}

// extractRecords converts a tool response into the artifact rows for
// its declared output, tool-specific per spec.md §4.7.4.e.
func extractRecords(tool string, resp toolserver.Response) []artifact.Record {
	switch tool {
	case "amass", "subfinder":
		out := make([]artifact.Record, 0, len(resp.Subdomains))
		for _, s := range resp.Subdomains {
			out = append(out, artifact.Record{"subdomain": s})
		}
		return out
	case "rustscan", "masscan", "nmap":
		out := make([]artifact.Record, 0, len(resp.OpenPorts))
		for _, p := range resp.OpenPorts {
			if m, ok := p.(map[string]any); ok {
				out = append(out, artifact.Record(m))
				continue
			}
			out = append(out, artifact.Record{"port": p})
		}
		return out
	case "nuclei":
		out := make([]artifact.Record, 0, len(resp.Vulnerabilities))
		for _, v := range resp.Vulnerabilities {
			out = append(out, artifact.Record{"severity": v.Severity, "template": v.Template, "detail": v.Detail})
		}
		return out
	default:
		return []artifact.Record{{"raw": string(resp.Raw)}}
	}
}

// finding is one normalized cross-tool finding row.
type finding = artifact.Record

// extractFindings produces the normalized findings accumulated across
// every step, tool-specific. Unrecognised tools fall back to whatever
// "findings" or "vulnerabilities" shaped list the raw response carries.
func extractFindings(tool string, resp toolserver.Response) []finding {
	switch tool {
	case "nuclei":
		out := make([]finding, 0, len(resp.Vulnerabilities))
		for _, v := range resp.Vulnerabilities {
			out = append(out, finding{"tool": tool, "severity": v.Severity, "title": v.Template, "detail": v.Detail})
		}
		return out
	case "amass", "subfinder":
		subs := resp.Subdomains
		if len(subs) > 50 {
			subs = subs[:50]
		}
		out := make([]finding, 0, len(subs))
		for _, s := range subs {
			out = append(out, finding{"tool": tool, "severity": "info", "title": s, "detail": ""})
		}
		return out
	case "rustscan", "masscan", "nmap":
		ports := resp.OpenPorts
		if len(ports) > 50 {
			ports = ports[:50]
		}
		out := make([]finding, 0, len(ports))
		for _, p := range ports {
			out = append(out, finding{"tool": tool, "severity": "info", "title": fmt.Sprint(p), "detail": ""})
		}
		return out
	default:
		return genericFindings(tool, resp.Raw)
	}
}

func genericFindings(tool string, raw json.RawMessage) []finding {
	var decoded map[string]any
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil
	}
	list, ok := decoded["findings"].([]any)
	if !ok {
		list, ok = decoded["vulnerabilities"].([]any)
	}
	if !ok {
		return nil
	}
	var out []finding
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		severity, _ := m["severity"].(string)
		if severity == "" {
			severity = "info"
		}
		title, _ := m["title"].(string)
		if title == "" {
			title, _ = m["name"].(string)
		}
		detail, _ := m["detail"].(string)
		out = append(out, finding{"tool": tool, "severity": severity, "title": title, "detail": detail})
	}
	return out
}
