package tenant

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AutoResponse answers free text containing Match.
type AutoResponse struct {
	Match string `json:"match" yaml:"match"`
	Reply string `json:"reply" yaml:"reply"`
}

// FAQEntry is one question shown under the FAQ menu.
type FAQEntry struct {
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

// CustomCommand is a store defined slash command with a canned reply.
type CustomCommand struct {
	Command     string `json:"command" yaml:"command"`
	Description string `json:"description" yaml:"description"`
	Reply       string `json:"reply" yaml:"reply"`
}

// Settings is a store's behavioral configuration. Known fields are typed;
// anything else is kept in Extra and written back unchanged. A Settings value
// is never modified after it is published to a running instance.
type Settings struct {
	Welcome             string            `json:"welcome,omitempty" yaml:"welcome,omitempty"`
	MenuLabels          map[string]string `json:"menu_labels,omitempty" yaml:"menu_labels,omitempty"`
	AutoResponses       []AutoResponse    `json:"auto_responses,omitempty" yaml:"auto_responses,omitempty"`
	FAQ                 []FAQEntry        `json:"faq,omitempty" yaml:"faq,omitempty"`
	CustomCommands      []CustomCommand   `json:"custom_commands,omitempty" yaml:"custom_commands,omitempty"`
	PaymentInstructions string            `json:"payment_instructions,omitempty" yaml:"payment_instructions,omitempty"`
	Language            string            `json:"language,omitempty" yaml:"language,omitempty"`
	Currency            string            `json:"currency,omitempty" yaml:"currency,omitempty"`
	Notifications       map[string]string `json:"notifications,omitempty" yaml:"notifications,omitempty"`

	// Extra holds fields this version does not know about.
	Extra map[string]any `json:"-" yaml:"-"`
	// LoadedAt is when the settings were read from storage.
	LoadedAt time.Time `json:"-" yaml:"-"`
}

var knownKeys = map[string]struct{}{
	"welcome":              {},
	"menu_labels":          {},
	"auto_responses":       {},
	"faq":                  {},
	"custom_commands":      {},
	"payment_instructions": {},
	"language":             {},
	"currency":             {},
	"notifications":        {},
}

// settingsFields has the same fields without the custom codecs.
type settingsFields Settings

// Default returns the settings used when a store has none.
func Default() *Settings {
	return &Settings{
		Welcome:  "Welcome! Pick a category to start shopping.",
		Language: "en",
	}
}

// MarshalJSON writes the known fields merged with Extra.
func (s Settings) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(settingsFields(s))
	if err != nil {
		return nil, err
	}
	if len(s.Extra) == 0 {
		return known, nil
	}
	merged := make(map[string]any, len(s.Extra)+len(knownKeys))
	for k, v := range s.Extra {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// UnmarshalJSON reads known fields and keeps the rest in Extra.
func (s *Settings) UnmarshalJSON(data []byte) error {
	fields := settingsFields(*s)
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	*s = Settings(fields)
	s.Extra = extra(all)
	return nil
}

// MarshalYAML writes the known fields merged with Extra.
func (s Settings) MarshalYAML() (any, error) {
	var node yaml.Node
	if err := node.Encode(settingsFields(s)); err != nil {
		return nil, err
	}
	var merged map[string]any
	if err := node.Decode(&merged); err != nil {
		return nil, err
	}
	if merged == nil {
		merged = make(map[string]any)
	}
	for k, v := range s.Extra {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return merged, nil
}

// UnmarshalYAML reads known fields and keeps the rest in Extra.
func (s *Settings) UnmarshalYAML(node *yaml.Node) error {
	fields := settingsFields(*s)
	if err := node.Decode(&fields); err != nil {
		return err
	}
	var all map[string]any
	if err := node.Decode(&all); err != nil {
		return err
	}
	*s = Settings(fields)
	s.Extra = extra(all)
	return nil
}

func extra(all map[string]any) map[string]any {
	var out map[string]any
	for k, v := range all {
		if _, ok := knownKeys[k]; ok {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[k] = v
	}
	return out
}

// ParseSettings decodes a stored settings document, JSON or YAML. An empty
// document yields Default. The result is validated.
func ParseSettings(raw []byte) (*Settings, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Default(), nil
	}
	s := Default()
	var err error
	if raw[0] == '{' {
		err = json.Unmarshal(raw, s)
	} else {
		err = yaml.Unmarshal(raw, s)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrInvalidSettings, err)
	}
	if s.Language == "" {
		s.Language = "en"
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSettings, err)
	}
	return s, nil
}

var (
	commandRe  = regexp.MustCompile(`^/[a-z0-9_]{1,32}$`)
	currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)
	languageRe = regexp.MustCompile(`^[a-z]{2}(-[A-Za-z]{2})?$`)
)

// Validate checks the typed fields.
func (s *Settings) Validate() error {
	var errs []error
	if len(s.Welcome) > 4096 {
		errs = append(errs, errors.New("welcome exceeds 4096 bytes"))
	}
	if s.Language != "" && !languageRe.MatchString(s.Language) {
		errs = append(errs, fmt.Errorf("invalid language %q", s.Language))
	}
	if s.Currency != "" && !currencyRe.MatchString(s.Currency) {
		errs = append(errs, fmt.Errorf("invalid currency %q", s.Currency))
	}
	seen := make(map[string]struct{}, len(s.CustomCommands))
	for _, c := range s.CustomCommands {
		if !commandRe.MatchString(c.Command) {
			errs = append(errs, fmt.Errorf("invalid custom command %q", c.Command))
			continue
		}
		if _, dup := seen[c.Command]; dup {
			errs = append(errs, fmt.Errorf("duplicate custom command %q", c.Command))
		}
		seen[c.Command] = struct{}{}
		if strings.TrimSpace(c.Reply) == "" {
			errs = append(errs, fmt.Errorf("custom command %q has no reply", c.Command))
		}
	}
	for i, a := range s.AutoResponses {
		if strings.TrimSpace(a.Match) == "" || strings.TrimSpace(a.Reply) == "" {
			errs = append(errs, fmt.Errorf("auto response %d needs match and reply", i))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("tenant: invalid settings: %w", err)
	}
	return nil
}

// Label returns the menu label for key, or def.
func (s *Settings) Label(key, def string) string {
	if s != nil {
		if v := strings.TrimSpace(s.MenuLabels[key]); v != "" {
			return v
		}
	}
	return def
}

// AutoReply returns the first auto response matching text, case-insensitively.
func (s *Settings) AutoReply(text string) (string, bool) {
	if s == nil {
		return "", false
	}
	lower := strings.ToLower(text)
	for _, a := range s.AutoResponses {
		if strings.Contains(lower, strings.ToLower(a.Match)) {
			return a.Reply, true
		}
	}
	return "", false
}

// Command returns the custom command named name ("/hours").
func (s *Settings) Command(name string) (CustomCommand, bool) {
	if s == nil {
		return CustomCommand{}, false
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if i := strings.IndexByte(name, '@'); i > 0 {
		name = name[:i]
	}
	for _, c := range s.CustomCommands {
		if c.Command == name {
			return c, true
		}
	}
	return CustomCommand{}, false
}
