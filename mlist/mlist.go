// Package mlist classifies addresses as known or subscribed mailing lists, for
// Mail-Followup-To, from a YAML file like:
//
//	subscribed:
//	  - golang-nuts@googlegroups.com
//	known:
//	  - "*@lists.example.org"
//
// Entries are addresses or patterns with "*" and "?" wildcards, matched case
// insensitively against the whole address.
package mlist

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mjl-/mailout/message"
)

// Lists holds known and subscribed mailing lists.
type Lists struct {
	Subscribed []string `yaml:"subscribed"`
	Known      []string `yaml:"known"`
}

// Load reads lists from the YAML file at path. A missing file gives empty
// lists.
func Load(p string) (*Lists, error) {
	data, err := os.ReadFile(p)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return &Lists{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading mailing lists: %w", err)
	}
	var l Lists
	if err := yaml.Unmarshal(data, &l); err != nil {
		return nil, fmt.Errorf("parsing mailing lists %s: %w", p, err)
	}
	if err := l.check(); err != nil {
		return nil, fmt.Errorf("mailing lists %s: %w", p, err)
	}
	return &l, nil
}

func (l *Lists) check() error {
	for _, s := range append(append([]string{}, l.Subscribed...), l.Known...) {
		if _, err := path.Match(strings.ToLower(s), ""); err != nil {
			return fmt.Errorf("bad pattern %q: %w", s, err)
		}
	}
	return nil
}

// Classify returns the kind of addr. Subscribed lists take precedence over
// known lists.
func (l *Lists) Classify(addr string) message.ListKind {
	addr = strings.ToLower(addr)
	if matchAny(l.Subscribed, addr) {
		return message.ListSubscribed
	} else if matchAny(l.Known, addr) {
		return message.ListKnown
	}
	return message.ListOther
}

func matchAny(patterns []string, addr string) bool {
	for _, p := range patterns {
		if ok, _ := path.Match(strings.ToLower(p), addr); ok {
			return true
		}
	}
	return false
}

// Subscribe adds addr to the subscribed lists, removing it from the known
// lists.
func (l *Lists) Subscribe(addr string) {
	l.Known = remove(l.Known, addr)
	if !contains(l.Subscribed, addr) {
		l.Subscribed = append(l.Subscribed, addr)
	}
}

// Unsubscribe removes addr from the subscribed lists, keeping it as known.
func (l *Lists) Unsubscribe(addr string) {
	l.Subscribed = remove(l.Subscribed, addr)
	if !contains(l.Known, addr) {
		l.Known = append(l.Known, addr)
	}
}

// Save writes the lists to the YAML file at path.
func (l *Lists) Save(p string) error {
	data, err := yaml.Marshal(l)
	if err != nil {
		return fmt.Errorf("marshal mailing lists: %w", err)
	}
	if err := os.WriteFile(p, data, 0600); err != nil {
		return fmt.Errorf("writing mailing lists: %w", err)
	}
	return nil
}

func contains(l []string, s string) bool {
	for _, e := range l {
		if strings.EqualFold(e, s) {
			return true
		}
	}
	return false
}

func remove(l []string, s string) []string {
	var r []string
	for _, e := range l {
		if !strings.EqualFold(e, s) {
			r = append(r, e)
		}
	}
	return r
}
