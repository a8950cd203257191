package stats

import (
	"errors"
	"math/rand"
	"regexp"
	"strconv"
)

// ErrInvalidNotation is returned for dice notation that does not parse.
var ErrInvalidNotation = errors.New("invalid dice notation")

// RollResult is the outcome of rolling a dice expression.
type RollResult struct {
	Notation string `json:"notation"`
	Rolls    []int  `json:"rolls"`
	Modifier int    `json:"modifier"`
	Total    int    `json:"total"`
}

// diceNotationRegex matches notation like "1d20", "2d6+3", "4d8-1".
var diceNotationRegex = regexp.MustCompile(`^(\d+)d(\d+)([+-]\d+)?$`)

const (
	maxDiceCount = 100
	maxDieSides  = 1000
)

// RollNotation parses dice notation and rolls it, keeping the per-die
// breakdown so clients can display individual dice.
func RollNotation(notation string) (RollResult, error) {
	matches := diceNotationRegex.FindStringSubmatch(notation)
	if matches == nil {
		return RollResult{}, ErrInvalidNotation
	}

	count, _ := strconv.Atoi(matches[1])
	sides, _ := strconv.Atoi(matches[2])
	if count < 1 || count > maxDiceCount || sides < 2 || sides > maxDieSides {
		return RollResult{}, ErrInvalidNotation
	}

	modifier := 0
	if matches[3] != "" {
		modifier, _ = strconv.Atoi(matches[3])
	}

	result := RollResult{
		Notation: notation,
		Rolls:    make([]int, count),
		Modifier: modifier,
		Total:    modifier,
	}
	for i := 0; i < count; i++ {
		roll := rand.Intn(sides) + 1
		result.Rolls[i] = roll
		result.Total += roll
	}

	return result, nil
}

// D20 rolls a single 20-sided die.
func D20() int {
	return rand.Intn(20) + 1
}
