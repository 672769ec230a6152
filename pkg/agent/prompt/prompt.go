// Package prompt renders system prompts from {placeholder} templates under
// a token budget. Under pressure, variable values are trimmed according to
// a priority table with per-variable floors and proportional targets; if the
// rendered text still exceeds the budget it is cut by binary search.
package prompt

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/crewline/crewline/pkg/crewerr"
)

// Counter estimates the token count of a text.
type Counter func(text string) int

// EstimateTokens is the default counter: roughly four characters per token.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// Variable describes how one placeholder behaves under budget pressure.
// Higher-priority variables are trimmed last. MinTokens is the floor a
// variable keeps as long as any lower-priority variable can still be cut.
// Proportion is the variable's target share of the post-skeleton budget;
// zero means an equal share.
type Variable struct {
	Name       string
	Priority   int
	MinTokens  int
	Proportion float64
}

// Template is a compiled prompt template.
type Template struct {
	text         string
	budget       int
	counter      Counter
	vars         map[string]Variable
	placeholders []string
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z][a-zA-Z0-9_]*)\}`)

// New compiles text into a Template. A budget of zero disables enforcement.
func New(text string, budget int, vars []Variable, counter Counter) *Template {
	if counter == nil {
		counter = EstimateTokens
	}
	t := &Template{
		text:    text,
		budget:  budget,
		counter: counter,
		vars:    make(map[string]Variable, len(vars)),
	}
	for _, v := range vars {
		t.vars[v.Name] = v
	}
	seen := make(map[string]bool)
	for _, match := range placeholderPattern.FindAllStringSubmatch(text, -1) {
		name := match[1]
		if !seen[name] {
			seen[name] = true
			t.placeholders = append(t.placeholders, name)
		}
	}
	return t
}

// Placeholders returns the distinct placeholder names in template order.
func (t *Template) Placeholders() []string {
	out := make([]string, len(t.placeholders))
	copy(out, t.placeholders)
	return out
}

// Render substitutes values and enforces the token budget. Every
// placeholder must have a value (possibly empty).
func (t *Template) Render(values map[string]string) (string, error) {
	for _, name := range t.placeholders {
		if _, ok := values[name]; !ok {
			return "", crewerr.Validation(fmt.Sprintf("template variable %q has no value", name))
		}
	}

	full := t.substitute(values)
	if t.budget <= 0 || t.counter(full) <= t.budget {
		return full, nil
	}

	rendered := t.substitute(t.fit(values))
	if t.counter(rendered) <= t.budget {
		return rendered, nil
	}
	return truncateToBudget(rendered, t.budget, t.counter), nil
}

func (t *Template) substitute(values map[string]string) string {
	pairs := make([]string, 0, len(t.placeholders)*2)
	for _, name := range t.placeholders {
		pairs = append(pairs, "{"+name+"}", values[name])
	}
	return strings.NewReplacer(pairs...).Replace(t.text)
}

type slot struct {
	name string
	spec Variable
	need int
	keep int
}

// fit computes a trimmed copy of values whose rendered form should fit the
// budget: each variable targets max(floor, proportion·available) capped at
// its actual size, then lower-priority variables are shaved first — down to
// their floors, and through the floors only when the floors alone overflow.
func (t *Template) fit(values map[string]string) map[string]string {
	empty := make(map[string]string, len(t.placeholders))
	for _, name := range t.placeholders {
		empty[name] = ""
	}
	available := t.budget - t.counter(t.substitute(empty))
	if available < 0 {
		available = 0
	}

	var slots []*slot
	for _, name := range t.placeholders {
		if values[name] == "" {
			continue
		}
		slots = append(slots, &slot{name: name, spec: t.vars[name], need: t.counter(values[name])})
	}
	if len(slots) == 0 {
		return values
	}

	// Every variable is guaranteed max(floor, proportional target), capped
	// at its actual size.
	equalShare := 1.0 / float64(len(slots))
	total := 0
	for _, s := range slots {
		share := s.spec.Proportion
		if share <= 0 {
			share = equalShare
		}
		s.keep = int(share * float64(available))
		if s.keep < s.spec.MinTokens {
			s.keep = s.spec.MinTokens
		}
		if s.keep > s.need {
			s.keep = s.need
		}
		total += s.keep
	}

	if total < available {
		// Hand leftover budget to the highest-priority variables first.
		descending := prioritySorted(slots, false)
		for _, s := range descending {
			grow := s.need - s.keep
			if grow > available-total {
				grow = available - total
			}
			s.keep += grow
			total += grow
			if total == available {
				break
			}
		}
	} else if total > available {
		// Shave lowest priority first, respecting floors; cut through the
		// floors only when the floors alone overflow.
		ascending := prioritySorted(slots, true)
		over := total - available
		for _, s := range ascending {
			if over <= 0 {
				break
			}
			floor := s.spec.MinTokens
			if floor > s.keep {
				floor = s.keep
			}
			cut := s.keep - floor
			if cut > over {
				cut = over
			}
			s.keep -= cut
			over -= cut
		}
		for _, s := range ascending {
			if over <= 0 {
				break
			}
			cut := s.keep
			if cut > over {
				cut = over
			}
			s.keep -= cut
			over -= cut
		}
	}

	out := make(map[string]string, len(values))
	for k, v := range values {
		out[k] = v
	}
	for _, s := range slots {
		out[s.name] = truncateTokens(values[s.name], s.keep, t.counter)
	}
	return out
}

func prioritySorted(slots []*slot, ascending bool) []*slot {
	out := make([]*slot, len(slots))
	copy(out, slots)
	sort.SliceStable(out, func(i, j int) bool {
		if ascending {
			return out[i].spec.Priority < out[j].spec.Priority
		}
		return out[i].spec.Priority > out[j].spec.Priority
	})
	return out
}

// truncateTokens cuts text to at most budget tokens, backing up to the last
// whitespace when one exists in the kept prefix.
func truncateTokens(text string, budget int, counter Counter) string {
	if budget <= 0 {
		return ""
	}
	if counter(text) <= budget {
		return text
	}
	cut := truncateToBudget(text, budget, counter)
	if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRightFunc(cut, unicode.IsSpace)
}

// truncateToBudget finds the longest rune prefix within budget by binary
// search, so it works with any counter.
func truncateToBudget(text string, budget int, counter Counter) string {
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter(string(runes[:mid])) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
