package artifact

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Suggestion is one rule-derived next step.
type Suggestion struct {
	Action   string
	Reason   string
	Priority int
}

var webPorts = map[string]bool{"80": true, "443": true, "8080": true, "8443": true, "8000": true, "3000": true}
var smbPorts = map[string]bool{"445": true, "139": true}

// dbPorts preserves the original's iteration order (mysql, postgres,
// mongodb, redis, elasticsearch) so generated suggestions are stable.
var dbPorts = []struct{ port, name string }{
	{"3306", "mysql"}, {"5432", "postgres"}, {"27017", "mongodb"},
	{"6379", "redis"}, {"9200", "elasticsearch"},
}

// SuggestNext derives next scanning steps purely from stored artifacts
// — zero inference tokens spent. Grounded on original_source/data.py's
// suggest_next_from_data: a fixed priority-ordered rule list (P1-P8),
// deduplicated by action string, sorted by priority ascending.
func (s *Store) SuggestNext(ctx context.Context, jobID string) ([]Suggestion, error) {
	agg, err := s.Aggregate(ctx, jobID)
	if err != nil {
		return nil, err
	}

	var out []Suggestion
	critHigh := agg.SeverityCounts["critical"] + agg.SeverityCounts["high"]

	// P1 — critical/high findings
	if critHigh > 0 {
		out = append(out,
			Suggestion{Action: "nuclei --severity critical,high", Reason: fmt.Sprintf("%d critical/high finding(s) — confirm and deepen", critHigh), Priority: 1},
			Suggestion{Action: "manual_review", Reason: "critical findings require human verification", Priority: 1},
		)
	}

	// P2 — web ports
	var foundWeb []string
	for _, p := range agg.OpenPorts {
		if webPorts[p] {
			foundWeb = append(foundWeb, p)
		}
	}
	if len(foundWeb) > 0 {
		sort.Strings(foundWeb)
		ports := strings.Join(foundWeb, ",")
		out = append(out,
			Suggestion{Action: fmt.Sprintf("gobuster dir -u http://TARGET:%s", ports), Reason: "HTTP port(s) open: " + ports, Priority: 2},
			Suggestion{Action: "ffuf -u http://TARGET/FUZZ -w /usr/share/wordlists/dirb/common.txt", Reason: "directory fuzzing complements gobuster", Priority: 3},
			Suggestion{Action: "nikto -h TARGET", Reason: "web server fingerprint and misconfiguration scan", Priority: 3},
		)
	}

	// P3 — SSH
	if containsPort(agg.OpenPorts, "22") {
		out = append(out, Suggestion{Action: "ssh_audit TARGET", Reason: "SSH port open — check algorithms, banners, CVEs", Priority: 2})
	}

	// P4 — SMB/NetBIOS
	for _, p := range agg.OpenPorts {
		if smbPorts[p] {
			out = append(out, Suggestion{Action: "netexec smb TARGET --shares", Reason: "SMB/NetBIOS open — enumerate shares", Priority: 2})
			break
		}
	}

	// P5 — database ports
	for _, db := range dbPorts {
		if containsPort(agg.OpenPorts, db.port) {
			out = append(out, Suggestion{
				Action:   fmt.Sprintf("nmap -sV -p %s --script=%s TARGET", db.port, db.name),
				Reason:   fmt.Sprintf("%s port %s exposed — check auth and version", db.name, db.port),
				Priority: 2,
			})
		}
	}

	// P6 — subdomains discovered
	if agg.SubdomainsFound > 0 {
		out = append(out, Suggestion{
			Action:   "httpx -l subs.db -status-code -title -tech-detect",
			Reason:   fmt.Sprintf("%d subdomain(s) found — fingerprint live ones", agg.SubdomainsFound),
			Priority: 3,
		})
	}

	// P7 — non-critical vulns present
	if agg.TotalVulns > 0 && critHigh == 0 {
		medLow := agg.SeverityCounts["medium"] + agg.SeverityCounts["low"]
		out = append(out, Suggestion{
			Action:   "vuln_prioritise",
			Reason:   fmt.Sprintf("%d medium/low finding(s) — run LLM priority ranking", medLow),
			Priority: 4,
		})
	}

	// P8 — nothing found
	if len(out) == 0 {
		out = append(out,
			Suggestion{Action: "amass enum -passive -d TARGET", Reason: "no findings yet — expand passive recon", Priority: 5},
			Suggestion{Action: "masscan -p1-65535 TARGET --rate 1000", Reason: "full port sweep — rustscan may have missed ports", Priority: 5},
		)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })

	seen := map[string]bool{}
	var final []Suggestion
	for _, sg := range out {
		if !seen[sg.Action] {
			seen[sg.Action] = true
			final = append(final, sg)
		}
	}
	return final, nil
}

func containsPort(ports []string, target string) bool {
	for _, p := range ports {
		if p == target {
			return true
		}
	}
	return false
}
