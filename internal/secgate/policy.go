package secgate

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the YAML shape of an external gate policy. Any section
// left empty falls back to the compiled-in defaults, so an operator can
// override just the student vocabulary without restating deny patterns.
type PolicyFile struct {
	DenyPatterns []string            `yaml:"deny_patterns"`
	Roles        map[string][]string `yaml:"roles"`
}

// Policy is a compiled gate policy: deny regexps evaluated first, then a
// per-role allow set over the command's first word.
type Policy struct {
	denyPatterns []*regexp.Regexp
	roleAllow    map[string]map[string]bool
}

// Destructive or escape-hatch patterns denied for every role. Matched
// against the raw command before any allow-list is consulted.
var defaultDenyPatterns = []string{
	`(?i)rm\s+-rf\s+/(?:\s|$)`,
	`(?i)rm\s+-rf\s+/[a-z]`,
	`(?i)\bdd\s+if=`,
	`(?i)\bmkfs`,
	`(?i)\bsudo\b`,
	`(?i)\bsu\s`,
	`(?i)chmod\s+777`,
	`(?i)curl\s+.*\|\s*sh`,
	`(?i)wget\s+.*\|\s*sh`,
	`(?i)\beval\b`,
	`(?i)\bnmap\b`,
	`(?i)\bmasscan\b`,
	`\$\(`,
	"`",
	`(?i)&&\s*rm\s`,
	`(?i);\s*rm\s`,
}

// Command vocabularies by role. Students get the broker CLI plus everyday
// shell utilities; instructors add service management; admins add
// package/system tooling.
var defaultRoleAllow = map[string][]string{
	"student": {
		"ls", "cat", "head", "tail", "grep", "echo", "pwd", "cd", "wc",
		"mkdir", "touch", "cp", "mv", "clear", "history", "env", "which",
		"kafka-topics", "kafka-console-producer", "kafka-console-consumer",
		"kafka-consumer-groups", "kafka-broker-api-versions", "kafka-configs",
		"kafka-producer-perf-test", "kafka-consumer-perf-test",
	},
	"instructor": {
		"find", "sed", "awk", "sort", "uniq", "diff", "tar", "gzip",
		"kafka-acls", "kafka-reassign-partitions", "kafka-log-dirs",
		"ps", "top", "df", "du", "free",
	},
	"admin": {
		"curl", "wget", "ping", "netstat", "ss", "kill", "chmod", "chown",
	},
}

// DefaultPolicy returns the compiled-in policy. Instructor inherits the
// student vocabulary; admin inherits both.
func DefaultPolicy() *Policy {
	p, err := compile(defaultDenyPatterns, defaultRoleAllow)
	if err != nil {
		// Defaults are compile-time constants; a bad pattern is a bug.
		panic(fmt.Sprintf("secgate: invalid default policy: %v", err))
	}
	return p
}

// LoadPolicyFile reads a YAML policy and merges it over the defaults.
func LoadPolicyFile(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	deny := defaultDenyPatterns
	if len(pf.DenyPatterns) > 0 {
		deny = pf.DenyPatterns
	}
	roles := defaultRoleAllow
	if len(pf.Roles) > 0 {
		roles = make(map[string][]string, len(defaultRoleAllow))
		for role, cmds := range defaultRoleAllow {
			roles[role] = cmds
		}
		for role, cmds := range pf.Roles {
			roles[role] = cmds
		}
	}

	p, err := compile(deny, roles)
	if err != nil {
		return nil, fmt.Errorf("compile policy %s: %w", path, err)
	}
	return p, nil
}

func compile(denyPatterns []string, roleAllow map[string][]string) (*Policy, error) {
	p := &Policy{roleAllow: make(map[string]map[string]bool)}
	for _, pat := range denyPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("deny pattern %q: %w", pat, err)
		}
		p.denyPatterns = append(p.denyPatterns, re)
	}

	for role, cmds := range roleAllow {
		set := make(map[string]bool, len(cmds))
		for _, c := range cmds {
			set[c] = true
		}
		p.roleAllow[role] = set
	}

	// Role inheritance: instructor ⊇ student, admin ⊇ instructor.
	inherit := func(dst, src string) {
		if p.roleAllow[dst] == nil {
			p.roleAllow[dst] = make(map[string]bool)
		}
		for c := range p.roleAllow[src] {
			p.roleAllow[dst][c] = true
		}
	}
	inherit("instructor", "student")
	inherit("admin", "instructor")

	return p, nil
}
