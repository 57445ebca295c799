package processor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/courtdata/statpipe/internal/pipeline"
)

// statKeyMap maps the stat site's column abbreviations to canonical field
// names. Columns not listed here are kept under a lowercased snake_case key.
var statKeyMap = map[string]string{
	"GP":   "games_played",
	"MIN":  "minutes",
	"PTS":  "points",
	"FGM":  "field_goals_made",
	"FGA":  "field_goals_attempted",
	"FG%":  "field_goal_percentage",
	"3PM":  "three_pointers_made",
	"3PA":  "three_pointers_attempted",
	"3P%":  "three_point_percentage",
	"FTM":  "free_throws_made",
	"FTA":  "free_throws_attempted",
	"FT%":  "free_throw_percentage",
	"OREB": "offensive_rebounds",
	"DREB": "defensive_rebounds",
	"REB":  "rebounds",
	"AST":  "assists",
	"STL":  "steals",
	"BLK":  "blocks",
	"TOV":  "turnovers",
	"EFG%": "effective_field_goal_percentage",
	"TS%":  "true_shooting_percentage",
	"PF":   "personal_fouls",
}

// nonStatKeys are row columns that never carry stat values.
var nonStatKeys = map[string]struct{}{
	"#":             {},
	"PLAYER":        {},
	"Player":        {},
	"stat_category": {},
	"source_url":    {},
}

// perGameFields are the counting stats averaged over games played.
var perGameFields = []string{
	"points", "rebounds", "assists", "steals", "blocks",
	"minutes", "turnovers", "field_goals_made", "field_goals_attempted",
	"three_pointers_made", "three_pointers_attempted",
	"free_throws_made", "free_throws_attempted",
	"offensive_rebounds", "defensive_rebounds",
}

// percentageFields must sit inside [0, 100] for a line to validate.
var percentageFields = []string{
	"field_goal_percentage",
	"three_point_percentage",
	"free_throw_percentage",
	"effective_field_goal_percentage",
	"true_shooting_percentage",
}

// Normalizer converts raw stat rows into typed, validated stat lines. Career
// totals arrive as display strings ("40,474", "50.5", "-"), so every value is
// cleaned before parsing; values that stay unparseable are dropped rather
// than failing the row.
type Normalizer struct{}

// NewNormalizer constructs a Normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize builds a StatLine from one raw row. Percentages round to one
// decimal, other fractions to three; whole numbers stay integers. Per-game
// averages are derived when the row carries a positive games_played.
func (n *Normalizer) Normalize(name string, row map[string]any, seasonType, sourceURL string, at time.Time) pipeline.StatLine {
	line := pipeline.StatLine{
		PlayerName: normalizePlayerName(name),
		SeasonType: seasonType,
		Stats:      make(map[string]any, len(row)),
		RawStats:   make(map[string]string, len(row)),
		SourceURL:  sourceURL,
		ScrapedAt:  at,
	}

	for key, raw := range row {
		if _, skip := nonStatKeys[key]; skip {
			continue
		}
		rawValue := stringifyValue(raw)
		line.RawStats[key] = rawValue

		canonical, ok := statKeyMap[key]
		if !ok {
			canonical = strings.ReplaceAll(strings.ToLower(key), " ", "_")
		}
		if value, ok := parseStatValue(key, rawValue); ok {
			line.Stats[canonical] = value
		}
	}

	if games, ok := asFloat(line.Stats["games_played"]); ok && games > 0 {
		line.PerGame = perGameAverages(line.Stats, games)
	}
	return line
}

// Validate checks that a line is storable: a non-empty key, at least one
// parsed stat, and percentage fields inside [0, 100].
func (n *Normalizer) Validate(line pipeline.StatLine) error {
	if line.PlayerName == "" {
		return errors.New("missing player name")
	}
	if line.SeasonType == "" {
		return errors.New("missing season type")
	}
	if len(line.Stats) == 0 {
		return errors.New("no parseable stats")
	}
	for _, key := range percentageFields {
		value, ok := asFloat(line.Stats[key])
		if !ok {
			continue
		}
		if value < 0 || value > 100 {
			return fmt.Errorf("%s out of range: %.1f", key, value)
		}
	}
	return nil
}

// normalizePlayerName collapses interior whitespace and title-cases the
// result so the same player always keys the same record.
func normalizePlayerName(name string) string {
	collapsed := strings.Join(strings.Fields(name), " ")
	if collapsed == "" {
		return ""
	}
	return cases.Title(language.English).String(collapsed)
}

// parseStatValue turns a display value into a typed one. Null markers and
// unparseable values report ok=false, which drops the field.
func parseStatValue(key, value string) (any, bool) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || trimmed == "-" || trimmed == "N/A" {
		return nil, false
	}
	cleaned := strings.ReplaceAll(trimmed, ",", "")

	if strings.Contains(key, "%") || strings.Contains(cleaned, "%") {
		f, err := strconv.ParseFloat(strings.ReplaceAll(cleaned, "%", ""), 64)
		if err != nil {
			return nil, false
		}
		return roundTo(f, 1), true
	}
	if strings.Contains(cleaned, ".") {
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, false
		}
		return roundTo(f, 3), true
	}
	i, err := strconv.ParseInt(cleaned, 10, 64)
	if err != nil {
		return nil, false
	}
	return i, true
}

// perGameAverages divides the counting stats by games, rounded to two
// decimals.
func perGameAverages(stats map[string]any, games float64) map[string]float64 {
	out := make(map[string]float64, len(perGameFields))
	for _, key := range perGameFields {
		value, ok := asFloat(stats[key])
		if !ok {
			continue
		}
		out[key] = roundTo(value/games, 2)
	}
	return out
}

// stringifyValue renders a decoded JSON value the way the site displays it.
// Whole-number floats print without a fraction so they parse back as counts.
func stringifyValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
