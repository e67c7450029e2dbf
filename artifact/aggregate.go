package artifact

import (
	"context"
	"fmt"
	"sort"
)

// JobSummary is the structured aggregate produced for a single job —
// the Go equivalent of the original's DuckStore.aggregate().
type JobSummary struct {
	JobID           string
	SubdomainsFound int
	TopSubdomains   []string
	OpenPortsFound  int
	OpenPorts       []string
	SeverityCounts  map[string]int
	TotalVulns      int
	TopVulns        []Record
}

// severityOrder mirrors the original's CASE severity WHEN ... ranking.
var severityOrder = map[string]int{"critical": 1, "high": 2, "medium": 3, "low": 4}

// Aggregate summarizes every known artifact (subs, ports, vulns) for one
// job. Missing artifacts are simply absent from the summary rather than
// an error — a job that hasn't run every skill yet is normal, not
// broken.
func (s *Store) Aggregate(ctx context.Context, jobID string) (JobSummary, error) {
	summary := JobSummary{JobID: jobID, SeverityCounts: map[string]int{}}

	subs, err := s.Query(ctx, jobID, "subs", "SELECT * FROM data")
	if err != nil {
		return summary, err
	}
	summary.SubdomainsFound = len(subs)
	for i, r := range subs {
		if i >= 10 {
			break
		}
		if v, ok := r["subdomain"].(string); ok {
			summary.TopSubdomains = append(summary.TopSubdomains, v)
		}
	}

	ports, err := s.Query(ctx, jobID, "ports", "SELECT * FROM data")
	if err != nil {
		return summary, err
	}
	summary.OpenPortsFound = len(ports)
	for _, r := range ports {
		if v := fmt.Sprint(r["port"]); v != "" && v != "<nil>" {
			summary.OpenPorts = append(summary.OpenPorts, v)
		}
	}
	sort.Strings(summary.OpenPorts)
	if len(summary.OpenPorts) > 20 {
		summary.OpenPorts = summary.OpenPorts[:20]
	}

	vulns, err := s.Query(ctx, jobID, "vulns", "SELECT * FROM data")
	if err != nil {
		return summary, err
	}
	for _, r := range vulns {
		sev, _ := r["severity"].(string)
		summary.SeverityCounts[sev]++
	}
	summary.TotalVulns = len(vulns)

	sort.Slice(vulns, func(i, j int) bool {
		si, _ := vulns[i]["severity"].(string)
		sj, _ := vulns[j]["severity"].(string)
		oi, oj := severityOrder[si], severityOrder[sj]
		if oi == 0 {
			oi = 5
		}
		if oj == 0 {
			oj = 5
		}
		return oi < oj
	})
	if len(vulns) > 10 {
		vulns = vulns[:10]
	}
	summary.TopVulns = vulns

	return summary, nil
}
