// Package shield implements the gateway's content-safety stages: PII
// detection/redaction and prompt-injection scoring.
package shield

import (
	"regexp"
	"sort"
	"strings"
)

// PIIType categorizes a detected span.
type PIIType string

const (
	PIIEmail      PIIType = "email"
	PIIPhone      PIIType = "phone"
	PIISSN        PIIType = "ssn"
	PIICreditCard PIIType = "credit_card"
	PIIIPAddress  PIIType = "ip_address"
)

// PIIPolicy decides what happens when PII is found.
type PIIPolicy string

const (
	PIIPolicyBlock  PIIPolicy = "block"
	PIIPolicyRedact PIIPolicy = "redact"
	PIIPolicyWarn   PIIPolicy = "warn"
)

// PIIConfig controls the PII shield.
type PIIConfig struct {
	Enabled bool      `yaml:"enabled"`
	Policy  PIIPolicy `yaml:"policy"`
}

// DefaultPIIConfig redacts by default: the least destructive policy that
// still prevents PII from reaching a provider or a cache entry.
func DefaultPIIConfig() PIIConfig {
	return PIIConfig{Enabled: true, Policy: PIIPolicyRedact}
}

// Span is a single detected PII occurrence, with byte offsets into the
// original text.
type Span struct {
	Type  PIIType
	Start int
	End   int
	Text  string
}

// piiPattern pairs a PIIType with the regexp that detects it. Patterns
// are deliberately conservative: a false negative beats flagging
// ordinary numeric text as an SSN or credit card.
type piiPattern struct {
	typ PIIType
	re  *regexp.Regexp
}

var piiPatterns = []piiPattern{
	{PIIEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{PIISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{PIICreditCard, regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	{PIIPhone, regexp.MustCompile(`\b(?:\+?1[-.\s]?)?\(?\d{3}\)?[-.\s]\d{3}[-.\s]\d{4}\b`)},
	{PIIIPAddress, regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// Detector finds PII spans in text. The shield treats it as an opaque
// analyzer; the default implementation is regex-based, and a real
// linguistic classifier can be swapped in behind the same interface.
type Detector interface {
	Detect(text string) []Span
}

// RegexDetector is the default Detector.
type RegexDetector struct{}

func NewRegexDetector() *RegexDetector { return &RegexDetector{} }

func (d *RegexDetector) Detect(text string) []Span {
	var spans []Span
	for _, p := range piiPatterns {
		for _, loc := range p.re.FindAllStringIndex(text, -1) {
			spans = append(spans, Span{Type: p.typ, Start: loc[0], End: loc[1], Text: text[loc[0]:loc[1]]})
		}
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

// Verdict is the shield's decision for a piece of text.
type Verdict struct {
	Blocked    bool
	Spans      []Span
	Redacted   string
	Policy     PIIPolicy
}

// PIIShield applies PIIConfig.Policy to text scanned by a Detector.
type PIIShield struct {
	detector Detector
	config   PIIConfig
}

// NewPIIShield constructs a shield. detector defaults to RegexDetector
// when nil.
func NewPIIShield(detector Detector, config PIIConfig) *PIIShield {
	if detector == nil {
		detector = NewRegexDetector()
	}
	return &PIIShield{detector: detector, config: config}
}

// Check scans text and applies the configured policy: block refuses the
// content outright, redact splices placeholders over each span, warn
// reports spans without altering the text.
func (s *PIIShield) Check(text string) Verdict {
	if !s.config.Enabled {
		return Verdict{Policy: s.config.Policy}
	}

	spans := s.detector.Detect(text)
	v := Verdict{Spans: spans, Redacted: text, Policy: s.config.Policy}
	if len(spans) == 0 {
		return v
	}

	switch s.config.Policy {
	case PIIPolicyBlock:
		v.Blocked = true
	case PIIPolicyRedact:
		v.Redacted = redact(text, spans)
	case PIIPolicyWarn:
		// spans reported, text passed through unmodified.
	}
	return v
}

// redact splices an uppercase "[TYPE]" placeholder over each span,
// working right-to-left so that earlier offsets stay valid as later
// splices change the string's length; splicing left-to-right would
// invalidate every subsequent span's Start/End once a replacement's
// length differs from the original match. Overlapping spans are
// resolved to the widest first, so every splice operates on a disjoint
// range.
func redact(text string, spans []Span) string {
	disjoint := widestDisjoint(spans)
	out := text
	for i := len(disjoint) - 1; i >= 0; i-- {
		s := disjoint[i]
		placeholder := "[" + strings.ToUpper(string(s.Type)) + "]"
		out = out[:s.Start] + placeholder + out[s.End:]
	}
	return out
}

// widestDisjoint resolves overlapping spans: the widest span wins and
// any span overlapping it is dropped. The result is sorted by Start and
// guaranteed disjoint.
func widestDisjoint(spans []Span) []Span {
	ordered := make([]Span, len(spans))
	copy(ordered, spans)
	sort.Slice(ordered, func(i, j int) bool {
		wi, wj := ordered[i].End-ordered[i].Start, ordered[j].End-ordered[j].Start
		if wi != wj {
			return wi > wj
		}
		return ordered[i].Start < ordered[j].Start
	})

	kept := make([]Span, 0, len(ordered))
	for _, s := range ordered {
		overlaps := false
		for _, k := range kept {
			if s.Start < k.End && k.Start < s.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, s)
		}
	}

	sort.Slice(kept, func(i, j int) bool { return kept[i].Start < kept[j].Start })
	return kept
}
