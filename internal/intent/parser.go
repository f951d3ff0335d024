package intent

import (
	"regexp"
	"sort"
	"strings"
)

// Parser is a best-effort keyword extractor, not a grammar. It looks for
//
//	<metric> <field> [intensifier] [possessive] <symbol> [in <currency> | from <year> to now | last <N>y]
//
// anywhere in the text and falls back to Default() for anything it cannot
// read. Parse never fails.
type Parser struct {
	vocab    Vocabulary
	re       *regexp.Regexp
	metricBy map[string]Metric
	fieldBy  map[string]Field
}

// NewParser compiles a parser for the given vocabulary.
func NewParser(v Vocabulary) *Parser {
	p := &Parser{
		vocab:    v,
		metricBy: make(map[string]Metric),
		fieldBy:  make(map[string]Field),
	}
	var metrics, fields []string
	for m, words := range v.Metrics {
		for _, w := range words {
			p.metricBy[normalize(w)] = m
			metrics = append(metrics, w)
		}
	}
	for f, words := range v.Fields {
		for _, w := range words {
			p.fieldBy[normalize(w)] = f
			fields = append(fields, w)
		}
	}

	var b strings.Builder
	// metric keywords only match at a word start
	b.WriteString(`(?i)(?:^|[^\p{L}\p{N}])(?P<metric>`)
	b.WriteString(alternation(metrics))
	b.WriteString(`)\s+(?P<field>`)
	b.WriteString(alternation(fields))
	b.WriteString(`)\s+`)
	if len(v.Intensifiers) > 0 {
		b.WriteString(`(?:(?:` + alternation(v.Intensifiers) + `)\s*)?`)
	}
	if len(v.Possessives) > 0 {
		b.WriteString(`(?:(?:` + alternation(v.Possessives) + `)\s+)?`)
	}
	b.WriteString(`(?P<symbol>[\p{L}\p{N}_]+)\s*`)
	b.WriteString(`(?:in\s+(?P<currency>[\p{L}\p{N}]+)`)
	b.WriteString(`|(?P<since>từ\s+\d{4}\s+đến\s+nay|from\s+\d{4}\s+to\s+now)`)
	b.WriteString(`|(?:over|last|trong)\s+(?P<window>\d+y))?`)
	p.re = regexp.MustCompile(b.String())
	return p
}

// alternation joins words longest first so that "close price" wins over
// "price" under leftmost-first matching.
func alternation(words []string) string {
	seen := make(map[string]struct{}, len(words))
	uniq := make([]string, 0, len(words))
	for _, w := range words {
		w = normalize(w)
		if w == "" {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		uniq = append(uniq, w)
	}
	sort.Slice(uniq, func(i, j int) bool {
		if len(uniq[i]) != len(uniq[j]) {
			return len(uniq[i]) > len(uniq[j])
		}
		return uniq[i] < uniq[j]
	})
	quoted := make([]string, len(uniq))
	for i, w := range uniq {
		quoted[i] = strings.ReplaceAll(regexp.QuoteMeta(w), " ", `\s+`)
	}
	return strings.Join(quoted, "|")
}

// Vocabulary returns the keyword sets the parser was built with.
func (p *Parser) Vocabulary() Vocabulary { return p.vocab }

// Limit maps a timeframe to its day-count window.
func (p *Parser) Limit(timeframe string) int { return p.vocab.Limit(timeframe) }

// Parse reads an Intent out of text.
func (p *Parser) Parse(text string) Intent {
	out := Default()
	m := p.re.FindStringSubmatch(text)
	if m == nil {
		return out
	}
	group := func(name string) string {
		if i := p.re.SubexpIndex(name); i >= 0 && i < len(m) {
			return m[i]
		}
		return ""
	}

	if metric, ok := p.metricBy[normalize(group("metric"))]; ok {
		out.Metric = metric
	}
	if field, ok := p.fieldBy[normalize(group("field"))]; ok {
		out.Field = field
	}
	if sym := group("symbol"); !reserved[strings.ToLower(sym)] && tickerRe.MatchString(strings.ToUpper(sym)) {
		out.Symbol = strings.ToUpper(sym)
	}

	switch {
	case group("since") != "":
		out.Timeframe = normalize(group("since"))
		out.Currency = DefaultCurrency
	case group("window") != "":
		out.Timeframe = strings.ToLower(group("window"))
		out.Currency = DefaultCurrency
	case group("currency") != "":
		if cur := strings.ToUpper(group("currency")); tickerRe.MatchString(cur) {
			out.Currency = cur
		}
		out.Timeframe = DefaultTimeframe
	}
	return out
}

// reserved words introduce the trailing clause and are never a symbol.
var reserved = map[string]bool{"in": true, "from": true, "từ": true, "over": true, "last": true, "trong": true}

var defaultParser = NewParser(DefaultVocabulary())

// Parse reads text with the built-in vocabulary.
func Parse(text string) Intent { return defaultParser.Parse(text) }

// Limit maps a timeframe with the built-in table.
func Limit(timeframe string) int { return defaultParser.Limit(timeframe) }
