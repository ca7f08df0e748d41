package flow

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/chatweave/chatweave/internal/models"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	// E.164: leading +, 2 to 15 digits, no leading zero.
	phonePattern = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)
)

// ValidAnswer reports whether the reply satisfies the ask_question node's
// declared validator. An unset validator behaves like text.
func ValidAnswer(kind models.ValidatorKind, reply string) bool {
	reply = strings.TrimSpace(reply)
	switch kind {
	case models.ValidatorNumber:
		_, err := strconv.ParseFloat(reply, 64)
		return err == nil
	case models.ValidatorEmail:
		return emailPattern.MatchString(reply)
	case models.ValidatorPhone:
		return phonePattern.MatchString(reply)
	case models.ValidatorText:
		return reply != ""
	default:
		return reply != ""
	}
}

// EvaluateCondition applies a condition operator to a variable value and a
// literal. The ordered operators compare numerically; unparseable operands
// select the false branch.
func EvaluateCondition(op models.ConditionOp, value, literal string) bool {
	switch op {
	case models.OpEquals:
		return value == literal
	case models.OpContains:
		return strings.Contains(value, literal)
	case models.OpGreaterThan:
		a, b, ok := parsePair(value, literal)
		return ok && a > b
	case models.OpLessThan:
		a, b, ok := parsePair(value, literal)
		return ok && a < b
	case models.OpIsEmpty:
		return value == ""
	default:
		return false
	}
}

func parsePair(value, literal string) (float64, float64, bool) {
	a, errA := strconv.ParseFloat(strings.TrimSpace(value), 64)
	b, errB := strconv.ParseFloat(strings.TrimSpace(literal), 64)
	return a, b, errA == nil && errB == nil
}
