package events

import (
	"fmt"
	"strings"
)

// Topic namespaces and kinds.
const (
	NamespaceAgent  = "agent"
	NamespaceTenant = "tenant"
	KindWebhook     = "WEBHOOK"
	KindEvent       = "EVENT"

	separator = "::"
)

// Topic is a parsed <namespace>::<kind>::<name>[::<suffix>] string.
type Topic struct {
	Namespace string
	Kind      string
	Name      string
	Suffix    string
}

func (t Topic) String() string {
	s := t.Namespace + separator + t.Kind + separator + t.Name
	if t.Suffix != "" {
		s += separator + t.Suffix
	}
	return s
}

// AgentTopic names an event sourced from an agent callback.
func AgentTopic(name string) string {
	return Topic{Namespace: NamespaceAgent, Kind: KindWebhook, Name: name}.String()
}

// TenantTopic names an internally synthesized domain event.
func TenantTopic(name string) string {
	return Topic{Namespace: NamespaceTenant, Kind: KindEvent, Name: name}.String()
}

// ParseTopic validates the topic grammar.
func ParseTopic(s string) (Topic, error) {
	parts := strings.SplitN(s, separator, 4)
	if len(parts) < 3 {
		return Topic{}, fmt.Errorf("topic %q: expected <namespace>::<kind>::<name>", s)
	}
	t := Topic{Namespace: parts[0], Kind: parts[1], Name: parts[2]}
	if len(parts) == 4 {
		t.Suffix = parts[3]
		if t.Suffix == "" {
			return Topic{}, fmt.Errorf("topic %q: empty suffix", s)
		}
	}
	switch {
	case t.Namespace == NamespaceAgent && t.Kind == KindWebhook:
	case t.Namespace == NamespaceTenant && t.Kind == KindEvent:
	default:
		return Topic{}, fmt.Errorf("topic %q: unknown namespace/kind %s::%s", s, t.Namespace, t.Kind)
	}
	if t.Name == "" {
		return Topic{}, fmt.Errorf("topic %q: empty name", s)
	}
	return t, nil
}

// match reports whether topic satisfies pattern. Segments compare exactly, a "*" segment
// matches any single segment and a trailing "*" segment matches the remainder.
func match(pattern, topic string) bool {
	ps := strings.Split(pattern, separator)
	ts := strings.Split(topic, separator)
	for i, p := range ps {
		last := i == len(ps)-1
		if p == "*" && last {
			return len(ts) >= i+1
		}
		if i >= len(ts) {
			return false
		}
		if p != "*" && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
