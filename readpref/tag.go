// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package readpref

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Tag is a name/value pair a member advertises in its replica set config.
type Tag struct {
	Name  string
	Value string
}

func (tag Tag) String() string {
	return tag.Name + "=" + tag.Value
}

// TagSet is a list of tags a member must carry all of to be selected.
type TagSet []Tag

// NewTagSet builds a tag set from alternating names and values.
func NewTagSet(tags ...string) (TagSet, error) {
	if len(tags) < 2 || len(tags)%2 != 0 {
		return nil, errors.Errorf("an even number of tags must be specified, got %d", len(tags))
	}

	set := make(TagSet, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		set = append(set, Tag{Name: tags[i], Value: tags[i+1]})
	}
	return set, nil
}

// NewTagSetFromMap creates a tag set from a map. Tags are sorted by name.
func NewTagSetFromMap(m map[string]string) TagSet {
	set := make(TagSet, 0, len(m))
	for k, v := range m {
		set = append(set, Tag{Name: k, Value: v})
	}
	sort.Slice(set, func(i, j int) bool { return set[i].Name < set[j].Name })
	return set
}

// Matches reports whether a member carrying memberTags has every tag in the
// set. An empty set matches any member.
func (ts TagSet) Matches(memberTags map[string]string) bool {
	for _, t := range ts {
		if v, ok := memberTags[t.Name]; !ok || v != t.Value {
			return false
		}
	}
	return true
}

func (ts TagSet) String() string {
	parts := make([]string, len(ts))
	for i, tag := range ts {
		parts[i] = tag.String()
	}
	return strings.Join(parts, ",")
}
