// Package diff renders field-level differences between two versions as
// before, after and combined HTML fragments.
package diff

import (
	"html"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const (
	AddClass    = "diff_add"
	RemoveClass = "diff_sub"
)

// Rendering is the three-way rendering of one difference.
type Rendering struct {
	Before   string
	After    string
	Combined string
}

type tag int

const (
	unchanged tag = iota
	added
	removed
)

type token struct {
	tag  tag
	text string
}

// CompareInline diffs two texts word by word. Before omits additions, after
// omits removals and combined keeps every word. Consecutive words with the
// same tag share one span.
func CompareInline(before, after string) Rendering {
	a := strings.Fields(before)
	b := strings.Fields(after)

	var joint, old, updated []token
	for _, op := range difflib.NewMatcher(a, b).GetOpCodes() {
		switch op.Tag {
		case 'e':
			for _, word := range a[op.I1:op.I2] {
				t := token{tag: unchanged, text: word}
				joint = append(joint, t)
				old = append(old, t)
				updated = append(updated, t)
			}
		case 'd', 'r':
			for _, word := range a[op.I1:op.I2] {
				t := token{tag: removed, text: word}
				joint = append(joint, t)
				old = append(old, t)
			}
			if op.Tag == 'd' {
				continue
			}
			fallthrough
		case 'i':
			for _, word := range b[op.J1:op.J2] {
				t := token{tag: added, text: word}
				joint = append(joint, t)
				updated = append(updated, t)
			}
		}
	}

	return Rendering{
		Before:   renderTokens(old),
		After:    renderTokens(updated),
		Combined: renderTokens(joint),
	}
}

func renderTokens(tokens []token) string {
	var groups []string
	for start := 0; start < len(tokens); {
		end := start
		words := make([]string, 0, 1)
		for end < len(tokens) && tokens[end].tag == tokens[start].tag {
			words = append(words, html.EscapeString(tokens[end].text))
			end++
		}
		text := strings.Join(words, " ")
		switch tokens[start].tag {
		case added:
			groups = append(groups, "<span class='"+AddClass+"'>"+text+"</span>")
		case removed:
			groups = append(groups, "<span class='"+RemoveClass+"'>"+text+"</span>")
		default:
			groups = append(groups, text)
		}
		start = end
	}
	return strings.Join(groups, " ")
}

// ListItem is one related entity in a list diff.
type ListItem struct {
	ID   int64
	Name string
}

// ListDiff diffs two lists of related entities by id, so entities sharing a
// name stay distinct. Items are sorted by name, then id; unchanged items
// appear on both sides, removed ones only before and added ones only after.
// Combined lists all of them.
func ListDiff(before, after []ListItem) Rendering {
	beforeSet := toSet(before)
	afterSet := toSet(after)

	all := make([]ListItem, 0, len(beforeSet)+len(afterSet))
	for _, item := range beforeSet {
		all = append(all, item)
	}
	for id, item := range afterSet {
		if _, ok := beforeSet[id]; !ok {
			all = append(all, item)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Name != all[j].Name {
			return all[i].Name < all[j].Name
		}
		return all[i].ID < all[j].ID
	})

	var old, updated, joint strings.Builder
	for _, item := range all {
		_, inBefore := beforeSet[item.ID]
		_, inAfter := afterSet[item.ID]

		class := ""
		switch {
		case inAfter && !inBefore:
			class = AddClass
		case inBefore && !inAfter:
			class = RemoveClass
		}
		rendered := "<p class='" + class + "'>" + html.EscapeString(item.Name) + "</p>"

		joint.WriteString(rendered)
		if inBefore {
			old.WriteString(rendered)
		}
		if inAfter {
			updated.WriteString(rendered)
		}
	}

	return Rendering{Before: old.String(), After: updated.String(), Combined: joint.String()}
}

func toSet(items []ListItem) map[int64]ListItem {
	set := make(map[int64]ListItem, len(items))
	for _, item := range items {
		set[item.ID] = item
	}
	return set
}
