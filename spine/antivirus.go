// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package spine

import (
	"context"
	"net"
	"net/url"
	"regexp"
	"strings"
)

// Verdicts the antivirus tongue records in the lattice proof.
const (
	VerdictClean      = "CLEAN"
	VerdictSuspicious = "SUSPICIOUS"
	VerdictMalicious  = "MALICIOUS"
)

// antivirusTongue is the mandatory semantic scanner. It matches the target
// and the action's text payload against prompt-injection and
// malware/exfiltration pattern families, adjusts for domain reputation,
// and converts accumulated risk into a trust factor of 1 - risk.
type antivirusTongue struct {
	injection []*regexp.Regexp
	malware   []*regexp.Regexp
	blocklist map[string]bool
	trustlist map[string]bool
}

var injectionPatterns = []string{
	`ignore (all )?previous instructions`,
	`ignore (all )?prior instructions`,
	`disregard (all )?(previous|prior|your) (instructions|rules)`,
	`reveal (your )?system prompt`,
	`show (me )?(your )?system prompt`,
	`do anything now`,
	`you are now (in )?(dan|developer mode)`,
	`forget (everything|all|your instructions)`,
	`<\|[a-z_]+\|>`,
	`\[\[?system\]?\]`,
	`pretend (you are|to be) (unrestricted|jailbroken)`,
}

var malwarePatterns = []string{
	`rm\s+-rf\s+/`,
	`\|\s*(sh|bash|zsh|python\d?|perl|ruby)\b`,
	`curl\s+[^|;]*\|\s*`,
	`wget\s+[^|;]*\|\s*`,
	`\beval\s*\(`,
	`\bexec\s*\(`,
	`document\.cookie`,
	`<script\b`,
	`base64\s+(-d|--decode)`,
	`nc\s+-e\b`,
	`/etc/(passwd|shadow)`,
}

// lowReputationTLDs marks domains that raise risk without being outright
// blocked.
var lowReputationTLDs = []string{".tk", ".ml", ".ga", ".cf", ".gq", ".zip", ".onion"}

func newAntivirusTongue(cfg GovernanceConfig) *antivirusTongue {
	t := &antivirusTongue{
		blocklist: make(map[string]bool, len(cfg.Blocklist)),
		trustlist: make(map[string]bool, len(cfg.Trustlist)),
	}
	for _, p := range injectionPatterns {
		t.injection = append(t.injection, regexp.MustCompile(`(?i)`+p))
	}
	for _, p := range malwarePatterns {
		t.malware = append(t.malware, regexp.MustCompile(`(?i)`+p))
	}
	for _, d := range cfg.Blocklist {
		t.blocklist[strings.ToLower(d)] = true
	}
	for _, d := range cfg.Trustlist {
		t.trustlist[strings.ToLower(d)] = true
	}
	return t
}

func (t *antivirusTongue) ID() string { return "semantic_antivirus" }

func (t *antivirusTongue) Evaluate(_ context.Context, action, target, payload string, _ float64) (float64, map[string]interface{}, error) {
	// The payload is scanned with the same families as the target: a clean
	// selector does not launder a hostile typed text or message body.
	text := target
	if payload != "" {
		text += "\n" + payload
	}

	injectionRisk := 0.0
	injectionHits := []string{}
	for _, re := range t.injection {
		if re.MatchString(text) {
			injectionRisk += 0.20
			injectionHits = append(injectionHits, re.String())
		}
	}
	if injectionRisk > 0.60 {
		injectionRisk = 0.60
	}

	malwareRisk := 0.0
	malwareHits := []string{}
	for _, re := range t.malware {
		if re.MatchString(text) {
			malwareRisk += 0.25
			malwareHits = append(malwareHits, re.String())
		}
	}
	if malwareRisk > 0.70 {
		malwareRisk = 0.70
	}

	risk := injectionRisk + malwareRisk
	compound := injectionRisk > 0 && malwareRisk > 0
	if compound {
		risk += 0.40
	}

	domainClass := t.classifyDomain(target)
	switch domainClass {
	case "blocked":
		risk += 0.80
	case "low_reputation":
		risk += 0.20
	}
	if risk > 1 {
		risk = 1
	}

	verdict := VerdictClean
	switch {
	case risk >= 0.85:
		verdict = VerdictMalicious
	case risk >= 0.55:
		verdict = VerdictSuspicious
	}

	evidence := map[string]interface{}{}
	if risk > 0 {
		evidence["risk"] = risk
		evidence["verdict"] = verdict
		if len(injectionHits) > 0 {
			evidence["injection_patterns"] = injectionHits
		}
		if len(malwareHits) > 0 {
			evidence["malware_patterns"] = malwareHits
		}
		if compound {
			evidence["compound_threat"] = true
		}
		if domainClass != "neutral" {
			evidence["domain_class"] = domainClass
		}
	}

	return 1 - risk, evidence, nil
}

// classifyDomain extracts the host from a URL-shaped target and checks it
// against the blocklist, trustlist, and low-reputation heuristics.
func (t *antivirusTongue) classifyDomain(target string) string {
	host := extractHost(target)
	if host == "" {
		return "neutral"
	}

	if t.blocklist[host] {
		return "blocked"
	}
	// Blocklist entries also match subdomains.
	for blocked := range t.blocklist {
		if strings.HasSuffix(host, "."+blocked) {
			return "blocked"
		}
	}
	if t.trustlist[host] {
		return "trusted"
	}
	for trusted := range t.trustlist {
		if strings.HasSuffix(host, "."+trusted) {
			return "trusted"
		}
	}

	if net.ParseIP(host) != nil {
		return "low_reputation"
	}
	for _, tld := range lowReputationTLDs {
		if strings.HasSuffix(host, tld) {
			return "low_reputation"
		}
	}
	return "neutral"
}

func extractHost(target string) string {
	if !strings.Contains(target, "://") {
		return ""
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return ""
	}
	host := strings.ToLower(u.Host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return host
}
