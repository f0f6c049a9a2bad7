package patient

import (
	"regexp"
	"strconv"
	"strings"
)

// SystolicThreshold is the systolic reading above which a patient is flagged
// critical.
const SystolicThreshold = 140

// ParseMode selects how blood-pressure values are read.
type ParseMode int

const (
	// ParseStrict requires "<systolic>/<diastolic>" integers and rejects
	// anything else with a ValidationError.
	ParseStrict ParseMode = iota
	// ParseLenient reads the leading integer before the first "/" and skips
	// the threshold check when there is none.
	ParseLenient
)

func (m ParseMode) String() string {
	if m == ParseLenient {
		return "lenient"
	}
	return "strict"
}

var strictBloodPressure = regexp.MustCompile(`^\s*(\d{1,3})\s*/\s*(\d{1,3})\s*$`)

// CriticalRule decides whether a single observation puts a patient into
// critical condition.
type CriticalRule struct {
	Mode ParseMode
}

// Verdict is the outcome of evaluating one observation.
type Verdict struct {
	// Critical is true when the observation crosses the threshold.
	Critical bool
	// Systolic is the parsed reading; meaningful only when Parsed is true.
	Systolic int64
	Parsed   bool
}

// Evaluate applies the rule. Non-blood-pressure observations never trip it.
func (r CriticalRule) Evaluate(o Observation) (Verdict, error) {
	if o.Type != TypeBloodPressure {
		return Verdict{}, nil
	}

	var (
		systolic int64
		ok       bool
	)
	if r.Mode == ParseLenient {
		systolic, ok = leadingInt(o.Value)
	} else {
		m := strictBloodPressure.FindStringSubmatch(o.Value)
		if m == nil {
			return Verdict{}, newValidationError("value",
				`must be a blood pressure reading like "120/80"`, nil)
		}
		systolic, _ = strconv.ParseInt(m[1], 10, 64)
		ok = true
	}
	if !ok {
		return Verdict{}, nil
	}
	return Verdict{Critical: systolic > SystolicThreshold, Systolic: systolic, Parsed: true}, nil
}

// leadingInt reads the integer at the start of the text before the first
// "/": leading whitespace and one sign are allowed, digits run until the
// first non-digit. Out-of-range readings saturate.
func leadingInt(value string) (int64, bool) {
	head, _, _ := strings.Cut(value, "/")
	head = strings.TrimLeft(head, " \t\n\r\v\f")

	sign := ""
	if head != "" && (head[0] == '+' || head[0] == '-') {
		sign, head = head[:1], head[1:]
	}
	end := 0
	for end < len(head) && head[end] >= '0' && head[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}

	// ParseInt returns the saturated value alongside ErrRange.
	n, _ := strconv.ParseInt(sign+head[:end], 10, 64)
	return n, true
}
