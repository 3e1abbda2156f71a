// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016 Datadog, Inc.

// Package version holds the release tag of the inferred spans module.
package version

import "golang.org/x/mod/semver"

// Tag specifies the current release tag. It needs to be manually
// updated.
const Tag = "v0.1.0"

// Compatible reports whether tag, the release which wrote some data read by
// this build, shares the major version of Tag. Invalid tags are never
// compatible.
func Compatible(tag string) bool {
	return semver.IsValid(tag) && semver.Major(tag) == semver.Major(Tag)
}
