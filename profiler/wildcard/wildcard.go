// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package wildcard matches thread and function names against ordered
// include and exclude rules.
//
// A pattern may contain any number of '*' wildcards. Matching is case
// insensitive unless the pattern starts with "(?-i)".
package wildcard

import (
	"strings"

	"github.com/ryanuber/go-glob"
)

const caseSensitivePrefix = "(?-i)"

// Rule is a single include or exclude pattern.
type Rule struct {
	include       bool
	caseSensitive bool
	raw           string
	pattern       string
}

func newRule(pattern string, include bool) Rule {
	r := Rule{include: include, raw: pattern}
	if strings.HasPrefix(pattern, caseSensitivePrefix) {
		r.caseSensitive = true
		r.pattern = pattern[len(caseSensitivePrefix):]
	} else {
		r.pattern = strings.ToLower(pattern)
	}
	return r
}

// Include returns a rule accepting the names matching pattern.
func Include(pattern string) Rule { return newRule(pattern, true) }

// Exclude returns a rule rejecting the names matching pattern.
func Exclude(pattern string) Rule { return newRule(pattern, false) }

// Matches reports whether name matches the pattern of the rule, regardless
// of it being an include or an exclude rule.
func (r Rule) Matches(name string) bool {
	if !r.caseSensitive {
		name = strings.ToLower(name)
	}
	return glob.Glob(r.pattern, name)
}

// String returns the pattern, prefixed with '+' for include rules and '-'
// for exclude rules.
func (r Rule) String() string {
	if r.include {
		return "+" + r.raw
	}
	return "-" + r.raw
}

// Rules is an ordered list of rules. The first rule matching a name decides
// whether it is accepted. Names matching no rule are rejected.
type Rules []Rule

// New returns the rules rejecting the names matching one of the excluded
// patterns and accepting the names matching one of the included ones. An
// empty include list accepts everything that is not excluded.
func New(included, excluded []string) Rules {
	rs := make(Rules, 0, len(included)+len(excluded)+1)
	for _, p := range excluded {
		rs = append(rs, Exclude(p))
	}
	for _, p := range included {
		rs = append(rs, Include(p))
	}
	if len(included) == 0 {
		rs = append(rs, Include("*"))
	}
	return rs
}

// Matches reports whether name is accepted by the rules.
func (rs Rules) Matches(name string) bool {
	for _, r := range rs {
		if r.Matches(name) {
			return r.include
		}
	}
	return false
}
