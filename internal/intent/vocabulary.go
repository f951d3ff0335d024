package intent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Vocabulary holds the keyword sets the parser recognizes and the
// timeframe→day-count table. Keys are matched case-insensitively.
type Vocabulary struct {
	Metrics      map[Metric][]string `yaml:"metrics"`
	Fields       map[Field][]string  `yaml:"fields"`
	Intensifiers []string            `yaml:"intensifiers"`
	Possessives  []string            `yaml:"possessives"`
	Timeframes   map[string]int      `yaml:"timeframes"`
}

// DefaultLimit is the day-count used for unknown timeframes.
const DefaultLimit = 365

// DefaultVocabulary returns the built-in English and Vietnamese keyword sets.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Metrics: map[Metric][]string{
			MetricAvg: {"avg", "average", "mean", "trung bình"},
			MetricMax: {"max", "maximum", "highest", "tối đa", "lớn nhất"},
		},
		Fields: map[Field][]string{
			FieldClosePrice: {"close price", "closing price", "price", "giá đóng cửa", "giá close", "giá"},
			FieldVolume:     {"volume", "khối lượng"},
		},
		Intensifiers: []string{"lớn nhất"},
		Possessives:  []string{"của", "of", "for"},
		Timeframes: map[string]int{
			"từ 2022 đến nay":  365 * 3,
			"từ 2023 đến nay":  365 * 2,
			"từ 2024 đến nay":  365,
			"from 2022 to now": 365 * 3,
			"from 2023 to now": 365 * 2,
			"from 2024 to now": 365,
			"1y":               365,
			"2y":               365 * 2,
			"3y":               365 * 3,
		},
	}
}

// Limit maps a timeframe phrase to its day-count window.
func (v Vocabulary) Limit(timeframe string) int {
	if n, ok := v.Timeframes[normalize(timeframe)]; ok && n > 0 {
		return n
	}
	return DefaultLimit
}

// merge returns v extended with the entries of o. Keyword lists are
// appended, timeframe limits in o win.
func (v Vocabulary) merge(o Vocabulary) Vocabulary {
	out := Vocabulary{
		Metrics:      make(map[Metric][]string),
		Fields:       make(map[Field][]string),
		Intensifiers: append(append([]string{}, v.Intensifiers...), o.Intensifiers...),
		Possessives:  append(append([]string{}, v.Possessives...), o.Possessives...),
		Timeframes:   make(map[string]int),
	}
	for _, src := range []Vocabulary{v, o} {
		for m, words := range src.Metrics {
			out.Metrics[m] = append(out.Metrics[m], words...)
		}
		for f, words := range src.Fields {
			out.Fields[f] = append(out.Fields[f], words...)
		}
		for k, n := range src.Timeframes {
			out.Timeframes[normalize(k)] = n
		}
	}
	return out
}

func (v Vocabulary) validate() error {
	for m := range v.Metrics {
		if !m.Valid() {
			return fmt.Errorf("unknown metric %q in vocabulary", m)
		}
	}
	for f := range v.Fields {
		if !f.Valid() {
			return fmt.Errorf("unknown field %q in vocabulary", f)
		}
	}
	for k, n := range v.Timeframes {
		if n <= 0 {
			return fmt.Errorf("timeframe %q has non-positive limit %d", k, n)
		}
	}
	return nil
}

// LoadVocabulary reads a YAML vocabulary file and merges it over the
// built-in defaults.
func LoadVocabulary(path string) (Vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Vocabulary{}, err
	}
	var file Vocabulary
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Vocabulary{}, fmt.Errorf("parse vocabulary %s: %w", path, err)
	}
	if err := file.validate(); err != nil {
		return Vocabulary{}, fmt.Errorf("vocabulary %s: %w", path, err)
	}
	return DefaultVocabulary().merge(file), nil
}

func defaultPaths(explicit string) []string {
	return []string{
		explicit,
		os.Getenv("CRYPTOQ_VOCABULARY_PATH"),
		"/app/config/vocabulary.yaml",
		"./config/vocabulary.yaml",
	}
}

// ResolveVocabulary tries the explicit path, the env override, the usual
// config locations and finally walks up from the working directory. It falls
// back to the defaults when nothing loads.
func ResolveVocabulary(explicit string, logger *zap.Logger) Vocabulary {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, p := range defaultPaths(explicit) {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			continue
		}
		v, err := LoadVocabulary(p)
		if err != nil {
			logger.Warn("Ignoring vocabulary file", zap.String("path", p), zap.Error(err))
			continue
		}
		logger.Info("Loaded query vocabulary", zap.String("path", p))
		return v
	}
	if p, ok := findUpConfig(); ok {
		if v, err := LoadVocabulary(p); err == nil {
			logger.Info("Loaded query vocabulary", zap.String("path", p))
			return v
		}
	}
	return DefaultVocabulary()
}

func findUpConfig() (string, bool) {
	wd, err := os.Getwd()
	if err != nil {
		return "", false
	}
	for i := 0; i < 6; i++ {
		cand := filepath.Join(wd, "config", "vocabulary.yaml")
		if _, err := os.Stat(cand); err == nil {
			return cand, true
		}
		wd = filepath.Dir(wd)
	}
	return "", false
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
