package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Clock interface provides time functionality for testing
type Clock interface {
	Now() time.Time
}

// WallClock is the default implementation using system time
type WallClock struct{}

func (w *WallClock) Now() time.Time {
	return time.Now()
}

// RandomGenerator interface provides random number generation for testing
type RandomGenerator interface {
	Float64() float64
}

// DefaultRandomGenerator uses the standard library's rand package
type DefaultRandomGenerator struct{}

func (d *DefaultRandomGenerator) Float64() float64 {
	return rand.Float64()
}

// BuiltInFunctions contains all spreadsheet built-in functions
type BuiltInFunctions struct {
	clock Clock
	rng   RandomGenerator
}

// checkForError returns the error if value is a *SpreadsheetError, nil otherwise
func checkForError(value Primitive) *SpreadsheetError {
	if err, ok := value.(*SpreadsheetError); ok {
		return err
	}
	return nil
}

// NewDefaultBuiltInFunctions creates a BuiltInFunctions with default
// implementations
func NewDefaultBuiltInFunctions() *BuiltInFunctions {
	return &BuiltInFunctions{
		clock: &WallClock{},
		rng:   &DefaultRandomGenerator{},
	}
}

// Call invokes a built-in function by name with the given arguments
func (bf *BuiltInFunctions) Call(name string, args ...any) (Primitive, error) {
	switch strings.ToUpper(name) {
	case "SUM":
		return bf.SUM(args...)
	case "AVERAGE":
		return bf.AVERAGE(args...)
	case "AVERAGEA":
		return bf.AVERAGEA(args...)
	case "COUNT":
		return bf.COUNT(args...)
	case "COUNTA":
		return bf.COUNTA(args...)
	case "MAX":
		return bf.MAX(args...)
	case "MIN":
		return bf.MIN(args...)
	case "MEDIAN":
		return bf.MEDIAN(args...)
	case "MODE":
		return bf.MODE(args...)
	case "IF":
		return bf.IF(args...)
	case "AND":
		return bf.AND(args...)
	case "OR":
		return bf.OR(args...)
	case "NOT":
		return bf.NOT(args...)
	case "CONCATENATE":
		return bf.CONCATENATE(args...)
	case "LEN":
		return bf.LEN(args...)
	case "UPPER":
		return bf.UPPER(args...)
	case "LOWER":
		return bf.LOWER(args...)
	case "TRIM":
		return bf.TRIM(args...)
	case "ABS":
		return bf.ABS(args...)
	case "ROUND":
		return bf.ROUND(args...)
	case "FLOOR":
		return bf.FLOOR(args...)
	case "CEILING":
		return bf.CEILING(args...)
	case "SQRT":
		return bf.SQRT(args...)
	case "POWER":
		return bf.POWER(args...)
	case "MOD":
		return bf.MOD(args...)
	case "PI":
		return bf.PI(args...)
	case "NOW":
		return bf.NOW(args...)
	case "TODAY":
		return bf.TODAY(args...)
	case "RAND":
		return bf.RAND(args...)
	case "MATCH":
		return bf.MATCH(args...)
	case "IFERROR":
		return bf.IFERROR(args...)
	case "DATE":
		return bf.DATE(args...)
	case "DATEDIF":
		return bf.DATEDIF(args...)
	case "XIRR":
		return bf.XIRR(args...)
	case "PMT":
		return bf.PMT(args...)
	case "SUMIF":
		return bf.SUMIF(args...)
	case "COUNTIF":
		return bf.COUNTIF(args...)
	default:
		return nil, NewSpreadsheetError(ErrorCodeName, fmt.Sprintf("Unknown function: %s", name))
	}
}

// iterateAggregateValues flattens a Range arg into its constituent values,
// for the aggregate functions (SUM, AVERAGE, COUNT, ...) that accept either
// a worksheet reference or an inline {...} literal in the same position.
// ArrayValue and Array2Value satisfy Range directly (range.go), so a literal
// flattens the same way a resolved CellRange does. Scalars return
// (nil, false): callers handle those with their existing single-value branch.
func iterateAggregateValues(arg Primitive) ([]Primitive, bool) {
	v, ok := arg.(Range)
	if !ok {
		return nil, false
	}
	var values []Primitive
	for value := range v.IterateValues() {
		values = append(values, value)
	}
	return values, true
}

func (bf *BuiltInFunctions) SUM(args ...any) (Primitive, error) {
	sum := 0.0
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}

		if values, ok := iterateAggregateValues(arg); ok {
			for _, value := range values {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				// text and booleans inside a range or array are ignored
				switch value.(type) {
				case string, bool:
					continue
				}
				if num, ok := toNumber(value); ok && !math.IsNaN(num) {
					sum += num
				}
			}
		} else {
			if num, ok := toNumber(arg); ok && !math.IsNaN(num) {
				sum += num
			}
		}
	}
	rounded, _ := strconv.ParseFloat(fmt.Sprintf("%.15f", sum), 64)
	return rounded, nil
}

func (bf *BuiltInFunctions) AVERAGE(args ...any) (Primitive, error) {
	sum := 0.0
	count := 0
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}
		if values, ok := iterateAggregateValues(arg); ok {
			for _, value := range values {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				if value != nil {
					if num, ok := toNumber(value); ok && !math.IsNaN(num) {
						sum += num
						count++
					}
				}
			}
		} else {
			if num, ok := toNumber(arg); ok && !math.IsNaN(num) {
				sum += num
				count++
			}
		}
	}

	if count == 0 {
		return nil, NewSpreadsheetError(ErrorCodeDiv0, "Division by zero")
	}

	return sum / float64(count), nil
}

func (bf *BuiltInFunctions) AVERAGEA(args ...any) (Primitive, error) {
	sum := 0.0
	count := 0

	// helper function to process a single value
	processValue := func(value Primitive) error {
		// nil values (empty cells) are ignored - only from Range iteration
		if value == nil {
			return nil
		}

		// errors propagate
		if err := checkForError(value); err != nil {
			return err
		}
		// AVERAGEA includes all non-empty values in the count but only
		// numeric values contribute to the sum
		switch v := value.(type) {
		case float64:
			sum += v
			count++
		case bool:
			// TRUE = 1, FALSE = 0
			if v {
				sum += 1
			}
			count++
		case string:
			// text values count as 0 (don't affect sum) but do increase count
			count++
		}
		return nil
	}
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}

		if values, ok := iterateAggregateValues(arg); ok {
			for _, value := range values {
				if err := processValue(value); err != nil {
					return nil, err
				}
			}
		} else {
			// Direct args are never nil, process them directly
			if err := processValue(arg); err != nil {
				return nil, err
			}
		}
	}

	if count == 0 {
		return nil, NewSpreadsheetError(ErrorCodeRef, "AVERAGEA has no values")
	}

	return sum / float64(count), nil
}

func (bf *BuiltInFunctions) COUNT(args ...any) (Primitive, error) {
	count := 0

	// helper function to check if a value should be counted
	// COUNT only counts numeric values
	shouldCount := func(value Primitive) bool {
		switch value.(type) {
		case float64:
			// only float64 numeric type is counted
			return true
		case bool:
			// booleans are NOT counted by COUNT (different from COUNTA)
			return false
		case string:
			// strings are NOT counted, even if they look like numbers
			return false
		case nil:
			// empty cells are not counted (only from Range iteration)
			return false
		case *SpreadsheetError:
			// errors are not counted
			return false
		default:
			return false
		}
	}

	for _, arg := range args {
		// Direct args that are errors should propagate
		if err := checkForError(arg); err != nil {
			return nil, err
		}

		if values, ok := iterateAggregateValues(arg); ok {
			for _, value := range values {
				// COUNT doesn't propagate errors from Range values, just skips them
				if _, isErr := value.(*SpreadsheetError); !isErr && shouldCount(value) {
					count++
				}
			}
		} else {
			if shouldCount(arg) {
				count++
			}
		}
	}

	return float64(count), nil
}

func (bf *BuiltInFunctions) COUNTA(args ...any) (Primitive, error) {
	count := 0

	// COUNTA counts all non-empty values regardless of type. this includes:
	// numbers, text, booleans, and errors (errors are counted, not propagated).
	for _, arg := range args {
		// Direct args that are errors should propagate
		if err := checkForError(arg); err != nil {
			return nil, err
		}

		if values, ok := iterateAggregateValues(arg); ok {
			for _, value := range values {
				// COUNTA counts errors as non-empty cells, doesn't propagate them
				// count everything except nil (empty cells)
				if value != nil {
					count++
				}
			}
		} else {
			// Direct args are never nil
			count++
		}
	}

	return float64(count), nil
}

func (bf *BuiltInFunctions) MAX(args ...any) (Primitive, error) {
	max := math.Inf(-1)
	hasValues := false

	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}

		if values, ok := iterateAggregateValues(arg); ok {
			for _, value := range values {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				if num, ok := toNumber(value); ok && !math.IsNaN(num) {
					if num > max {
						max = num
					}
					hasValues = true
				}
			}
		} else {
			if num, ok := toNumber(arg); ok && !math.IsNaN(num) {
				if num > max {
					max = num
				}
				hasValues = true
			}
		}
	}

	if hasValues {
		return max, nil
	}
	return 0.0, nil
}

func (bf *BuiltInFunctions) MIN(args ...any) (Primitive, error) {
	min := math.Inf(1)
	hasValues := false

	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}

		if values, ok := iterateAggregateValues(arg); ok {
			for _, value := range values {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				if num, ok := toNumber(value); ok && !math.IsNaN(num) {
					if num < min {
						min = num
					}
					hasValues = true
				}
			}
		} else {
			if num, ok := toNumber(arg); ok && !math.IsNaN(num) {
				if num < min {
					min = num
				}
				hasValues = true
			}
		}
	}

	if hasValues {
		return min, nil
	}
	return 0.0, nil
}

func (bf *BuiltInFunctions) MEDIAN(args ...any) (Primitive, error) {
	values := []float64{}
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}

		if vals, ok := iterateAggregateValues(arg); ok {
			for _, value := range vals {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				if num, ok := toNumber(value); ok && !math.IsNaN(num) {
					values = append(values, num)
				}
			}
		} else {
			if num, ok := toNumber(arg); ok && !math.IsNaN(num) {
				values = append(values, num)
			}
		}
	}

	if len(values) == 0 {
		return nil, NewSpreadsheetError(ErrorCodeNum, "MEDIAN has no numeric values")
	}

	// sort values
	for i := 0; i < len(values); i++ {
		for j := i + 1; j < len(values); j++ {
			if values[j] < values[i] {
				values[i], values[j] = values[j], values[i]
			}
		}
	}

	mid := len(values) / 2
	if len(values)%2 == 0 {
		// even count: average of two middle values
		return (values[mid-1] + values[mid]) / 2, nil
	}
	// odd count: middle value
	return values[mid], nil
}

func (bf *BuiltInFunctions) MODE(args ...any) (Primitive, error) {
	frequencyMap := make(map[float64]int)

	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}

		if values, ok := iterateAggregateValues(arg); ok {
			for _, value := range values {
				if err := checkForError(value); err != nil {
					return nil, err
				}
				if num, ok := toNumber(value); ok && !math.IsNaN(num) {
					frequencyMap[num]++
				}
			}
		} else {
			if num, ok := toNumber(arg); ok && !math.IsNaN(num) {
				frequencyMap[num]++
			}
		}
	}

	if len(frequencyMap) == 0 {
		return nil, NewSpreadsheetError(ErrorCodeNum, "MODE has no numeric values")
	}

	// Find the maximum frequency
	maxFreq := 0
	for _, freq := range frequencyMap {
		if freq > maxFreq {
			maxFreq = freq
		}
	}

	// Collect all values with maximum frequency
	var modes []float64
	for value, freq := range frequencyMap {
		if freq == maxFreq {
			modes = append(modes, value)
		}
	}

	// If all values have the same frequency (no mode), return error
	if maxFreq == 1 && len(modes) == len(frequencyMap) {
		return nil, NewSpreadsheetError(ErrorCodeNA, "MODE: no value appears more than once")
	}

	// Sort modes for deterministic behavior
	for i := 0; i < len(modes); i++ {
		for j := i + 1; j < len(modes); j++ {
			if modes[j] < modes[i] {
				modes[i], modes[j] = modes[j], modes[i]
			}
		}
	}

	// Return the smallest mode (Excel-compatible behavior for ties)
	return modes[0], nil
}

func (bf *BuiltInFunctions) IF(args ...any) (Primitive, error) {
	if len(args) < 2 || len(args) > 3 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "IF requires 2 or 3 arguments")
	}

	// Check for errors in condition before evaluating
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}

	condition := isTruthy(args[0])
	if condition {
		return args[1], nil
	}

	if len(args) == 3 {
		return args[2], nil
	}

	return false, nil
}

func (bf *BuiltInFunctions) AND(args ...any) (Primitive, error) {
	for _, arg := range args {
		// Check for errors before evaluating
		if err := checkForError(arg); err != nil {
			return nil, err
		}
		if !isTruthy(arg) {
			return false, nil
		}
	}
	return true, nil
}

func (bf *BuiltInFunctions) OR(args ...any) (Primitive, error) {
	for _, arg := range args {
		// Check for errors before evaluating
		if err := checkForError(arg); err != nil {
			return nil, err
		}
		if isTruthy(arg) {
			return true, nil
		}
	}
	return false, nil
}

func (bf *BuiltInFunctions) NOT(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "NOT requires exactly 1 argument")
	}
	// Check for errors before evaluating
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	return !isTruthy(args[0]), nil
}

func (bf *BuiltInFunctions) CONCATENATE(args ...any) (Primitive, error) {
	var result strings.Builder
	for _, arg := range args {
		// Check for errors before processing
		if err := checkForError(arg); err != nil {
			return nil, err
		}
		result.WriteString(toString(arg))
	}
	return result.String(), nil
}

func (bf *BuiltInFunctions) LEN(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "LEN requires exactly 1 argument")
	}
	// Check for errors before processing
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	return float64(len(toString(args[0]))), nil
}

func (bf *BuiltInFunctions) UPPER(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "UPPER requires exactly 1 argument")
	}
	// Check for errors before processing
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	return strings.ToUpper(toString(args[0])), nil
}

func (bf *BuiltInFunctions) LOWER(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "LOWER requires exactly 1 argument")
	}
	// Check for errors before processing
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	return strings.ToLower(toString(args[0])), nil
}

func (bf *BuiltInFunctions) TRIM(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "TRIM requires exactly 1 argument")
	}
	// Check for errors before processing
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	return strings.TrimSpace(toString(args[0])), nil
}

func (bf *BuiltInFunctions) ABS(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "ABS requires exactly 1 argument")
	}
	// Check for errors before processing
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	num, ok := toNumber(args[0])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "ABS requires a numeric argument")
	}
	return math.Abs(num), nil
}

func (bf *BuiltInFunctions) ROUND(args ...any) (Primitive, error) {
	if len(args) < 1 || len(args) > 2 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "ROUND requires 1 or 2 arguments")
	}

	// Check for errors in all arguments
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}
	}

	num, ok := toNumber(args[0])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "ROUND requires a numeric first argument")
	}

	places := 0.0
	if len(args) == 2 {
		places, ok = toNumber(args[1])
		if !ok {
			return nil, NewSpreadsheetError(ErrorCodeValue, "ROUND requires a numeric second argument")
		}
	}

	multiplier := math.Pow(10, places)
	return math.Round(num*multiplier) / multiplier, nil
}

func (bf *BuiltInFunctions) FLOOR(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "FLOOR requires exactly 1 argument")
	}
	// Check for errors before processing
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	num, ok := toNumber(args[0])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "FLOOR requires a numeric argument")
	}
	return math.Floor(num), nil
}

func (bf *BuiltInFunctions) CEILING(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "CEILING requires exactly 1 argument")
	}
	// Check for errors before processing
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	num, ok := toNumber(args[0])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "CEILING requires a numeric argument")
	}
	return math.Ceil(num), nil
}

func (bf *BuiltInFunctions) SQRT(args ...any) (Primitive, error) {
	if len(args) != 1 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "SQRT requires exactly 1 argument")
	}
	// Check for errors before processing
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	num, ok := toNumber(args[0])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "SQRT requires a numeric argument")
	}
	if num < 0 {
		return nil, NewSpreadsheetError(ErrorCodeNum, "SQRT requires a non-negative argument")
	}
	return math.Sqrt(num), nil
}

func (bf *BuiltInFunctions) POWER(args ...any) (Primitive, error) {
	if len(args) != 2 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "POWER requires exactly 2 arguments")
	}
	// Check for errors in all arguments
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}
	}
	base, ok1 := toNumber(args[0])
	exp, ok2 := toNumber(args[1])
	if !ok1 || !ok2 {
		return nil, NewSpreadsheetError(ErrorCodeValue, "POWER requires numeric arguments")
	}
	return math.Pow(base, exp), nil
}

func (bf *BuiltInFunctions) MOD(args ...any) (Primitive, error) {
	if len(args) != 2 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "MOD requires exactly 2 arguments")
	}
	// Check for errors in all arguments
	for _, arg := range args {
		if err := checkForError(arg); err != nil {
			return nil, err
		}
	}
	dividend, ok1 := toNumber(args[0])
	divisor, ok2 := toNumber(args[1])
	if !ok1 || !ok2 {
		return nil, NewSpreadsheetError(ErrorCodeValue, "MOD requires numeric arguments")
	}
	if divisor == 0 {
		return nil, NewSpreadsheetError(ErrorCodeDiv0, "Division by zero")
	}
	return math.Mod(dividend, divisor), nil
}

func (bf *BuiltInFunctions) PI(args ...any) (Primitive, error) {
	if len(args) != 0 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "PI takes no arguments")
	}
	return math.Pi, nil
}

// Excel date/time constants
const (
	// Excel epoch: December 31, 1899 00:00:00 UTC in Unix milliseconds, so
	// serial 1 is January 1, 1900. Excel's phantom February 29, 1900 is not
	// reproduced, so serials from March 1, 1900 on are one lower than Excel's.
	EXCEL_EPOCH_MS = -2209075200000
	MS_PER_DAY     = 86400000       // milliseconds in a day
)

func (bf *BuiltInFunctions) NOW(args ...any) (Primitive, error) {
	if len(args) != 0 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "NOW takes no arguments")
	}
	// return current time as Excel serial number (days since Excel epoch)
	now := bf.clock.Now()
	diffMs := float64(now.UnixMilli() - EXCEL_EPOCH_MS)
	return diffMs / MS_PER_DAY, nil
}

func (bf *BuiltInFunctions) TODAY(args ...any) (Primitive, error) {
	if len(args) != 0 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "TODAY takes no arguments")
	}
	now := bf.clock.Now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	diffMs := float64(midnight.UnixMilli() - EXCEL_EPOCH_MS)
	return math.Floor(diffMs / MS_PER_DAY), nil
}

func (bf *BuiltInFunctions) RAND(args ...any) (Primitive, error) {
	if len(args) != 0 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "RAND takes no arguments")
	}
	return bf.rng.Float64(), nil
}

func (r RangeAddress) Contains(worksheetID uint32, row, col uint32) bool {
	return r.WorksheetID == worksheetID &&
		row >= r.StartRow && row <= r.EndRow &&
		col >= r.StartColumn && col <= r.EndColumn
}

// isVolatileFunction returns true if the function should trigger recalculation
// on every Calculate() call
func isVolatileFunction(name string) bool {
	switch strings.ToUpper(name) {
	case "NOW", "TODAY", "RAND":
		return true
	default:
		return false
	}
}

// toNumber converts value to number, returning ok=false if conversion fails.
// Booleans coerce to 0/1, numeric text parses, Empty coerces to 0, and
// Array/Array2/Range coerce through their first ("ensure single") element,
// per the numeric coercion contract in 4.4.
func toNumber(value Primitive) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case DateValue:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		num, err := strconv.ParseFloat(v, 64) // Parse as 64-bit float
		if err != nil {
			return 0, false
		}
		return num, true
	case nil:
		return 0, true
	case ArrayValue:
		if len(v) == 0 {
			return 0, false
		}
		return toNumber(v[0])
	case Array2Value:
		if len(v) == 0 || len(v[0]) == 0 {
			return 0, false
		}
		return toNumber(v[0][0])
	case *RangeValue:
		if v.Cached != nil {
			return toNumber(v.Cached)
		}
		return 0, false
	default:
		return 0, false
	}
}

// toString converts value to string
func toString(value Primitive) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case ArrayValue:
		if len(v) == 0 {
			return ""
		}
		return toString(v[0])
	case Array2Value:
		if len(v) == 0 || len(v[0]) == 0 {
			return ""
		}
		return toString(v[0][0])
	case bool:
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	return fmt.Sprint(value)
}

// isTruthy checks if value is truthy
func isTruthy(value Primitive) bool {
	switch v := value.(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case DateValue:
		return v != 0
	case int:
		return v != 0
	case string:
		return v != ""
	case nil:
		return false
	default:
		return true
	}
}

// matchCriteria evaluates an Excel-style criteria against value: a
// comparison-prefixed string (">10", "<=5", "<>text") or a bare literal
// tested for equality. Used by SUMIF/COUNTIF.
func matchCriteria(value Primitive, criteria Primitive) bool {
	critStr := toString(criteria)

	for _, op := range []string{">=", "<=", "<>", ">", "<", "="} {
		if rhsStr, ok := strings.CutPrefix(critStr, op); ok {
			return evalCriteriaOp(value, op, rhsStr)
		}
	}
	return evalCriteriaOp(value, "=", critStr)
}

func evalCriteriaOp(value Primitive, op string, rhsStr string) bool {
	var rhs Primitive
	if num, err := strconv.ParseFloat(rhsStr, 64); err == nil {
		rhs = num
	} else {
		rhs = rhsStr
	}
	cmp := comparePrimitives(value, rhs)
	switch op {
	case "=":
		return cmp == 0
	case "<>":
		return cmp != 0
	case ">":
		return cmp > 0
	case "<":
		return cmp < 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	}
	return false
}

func (bf *BuiltInFunctions) SUMIF(args ...any) (Primitive, error) {
	if len(args) < 2 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "SUMIF requires at least 2 arguments")
	}
	if err := checkForError(args[1]); err != nil {
		return nil, err
	}
	criteriaRange, ok := args[0].(Range)
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "SUMIF requires a range for its first argument")
	}
	sumRange := criteriaRange
	if len(args) >= 3 {
		sr, ok := args[2].(Range)
		if !ok {
			return nil, NewSpreadsheetError(ErrorCodeValue, "SUMIF requires a range for its sum_range argument")
		}
		sumRange = sr
	}

	var criteriaValues, sumValues []Primitive
	for v := range criteriaRange.IterateValues() {
		criteriaValues = append(criteriaValues, v)
	}
	for v := range sumRange.IterateValues() {
		sumValues = append(sumValues, v)
	}

	sum := 0.0
	for i, v := range criteriaValues {
		if err := checkForError(v); err != nil {
			continue
		}
		if i >= len(sumValues) {
			break
		}
		if matchCriteria(v, args[1]) {
			if num, ok := toNumber(sumValues[i]); ok {
				sum += num
			}
		}
	}
	return sum, nil
}

func (bf *BuiltInFunctions) COUNTIF(args ...any) (Primitive, error) {
	if len(args) != 2 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "COUNTIF requires exactly 2 arguments")
	}
	if err := checkForError(args[1]); err != nil {
		return nil, err
	}
	criteriaRange, ok := args[0].(Range)
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "COUNTIF requires a range for its first argument")
	}

	count := 0
	for v := range criteriaRange.IterateValues() {
		if err := checkForError(v); err != nil {
			continue
		}
		if matchCriteria(v, args[1]) {
			count++
		}
	}
	return float64(count), nil
}

// flattenLookupArray returns the elements of a Range/ArrayValue/Array2Value
// argument in iteration order, for MATCH-style linear scans.
func flattenLookupArray(value Primitive) ([]Primitive, error) {
	r, ok := value.(Range)
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeNA, "expected a range or array")
	}
	var values []Primitive
	for val := range r.IterateValues() {
		values = append(values, val)
	}
	return values, nil
}

// MATCH returns the 1-based position of lookup_value within lookup_array.
// match_type: 1 (default, largest value <= lookup, array ascending),
// 0 (exact match), -1 (smallest value >= lookup, array descending).
func (bf *BuiltInFunctions) MATCH(args ...any) (Primitive, error) {
	if len(args) < 2 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "MATCH requires at least 2 arguments")
	}
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}

	matchType := 1.0
	if len(args) >= 3 {
		mt, ok := toNumber(args[2])
		if !ok {
			return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
		}
		matchType = mt
	}

	values, err := flattenLookupArray(args[1])
	if err != nil {
		return nil, err
	}

	lookup := args[0]

	switch {
	case matchType == 0:
		for i, v := range values {
			if checkForError(v) == nil && comparePrimitives(v, lookup) == 0 {
				return float64(i + 1), nil
			}
		}
	case matchType > 0:
		best := -1
		for i, v := range values {
			if checkForError(v) != nil {
				continue
			}
			if comparePrimitives(v, lookup) <= 0 {
				best = i
			} else {
				break
			}
		}
		if best >= 0 {
			return float64(best + 1), nil
		}
	default:
		best := -1
		for i, v := range values {
			if checkForError(v) != nil {
				continue
			}
			if comparePrimitives(v, lookup) >= 0 {
				best = i
			} else {
				break
			}
		}
		if best >= 0 {
			return float64(best + 1), nil
		}
	}

	return nil, NewSpreadsheetError(ErrorCodeNA, "#N/A")
}

// IFERROR returns value_if_error when value is an error, else value itself.
func (bf *BuiltInFunctions) IFERROR(args ...any) (Primitive, error) {
	if len(args) != 2 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "IFERROR requires exactly 2 arguments")
	}
	if checkForError(args[0]) != nil {
		return args[1], nil
	}
	return args[0], nil
}

// excelSerialToTime converts an Excel epoch serial day count to a UTC time.
func excelSerialToTime(serial float64) time.Time {
	ms := int64(serial*MS_PER_DAY) + EXCEL_EPOCH_MS
	return time.UnixMilli(ms).UTC()
}

// DATE constructs a DateValue from a (year, month, day) triple.
func (bf *BuiltInFunctions) DATE(args ...any) (Primitive, error) {
	if len(args) != 3 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "DATE requires exactly 3 arguments")
	}
	for _, a := range args {
		if err := checkForError(a); err != nil {
			return nil, err
		}
	}
	year, ok := toNumber(args[0])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
	}
	month, ok := toNumber(args[1])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
	}
	day, ok := toNumber(args[2])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
	}

	d := time.Date(int(year), time.Month(int(month)), int(day), 0, 0, 0, 0, time.UTC)
	diffMs := float64(d.UnixMilli() - EXCEL_EPOCH_MS)
	return DateValue(math.Floor(diffMs / MS_PER_DAY)), nil
}

// DATEDIF returns the difference between two dates in the given unit:
// "Y" (whole years), "M" (whole months), "D" (days).
func (bf *BuiltInFunctions) DATEDIF(args ...any) (Primitive, error) {
	if len(args) != 3 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "DATEDIF requires exactly 3 arguments")
	}
	if err := checkForError(args[0]); err != nil {
		return nil, err
	}
	if err := checkForError(args[1]); err != nil {
		return nil, err
	}

	startNum, ok := toNumber(args[0])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
	}
	endNum, ok := toNumber(args[1])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
	}
	unit := strings.ToUpper(strings.TrimSpace(toString(args[2])))

	startDate := excelSerialToTime(startNum)
	endDate := excelSerialToTime(endNum)
	if endDate.Before(startDate) {
		return nil, NewSpreadsheetError(ErrorCodeNum, "end date precedes start date")
	}

	switch unit {
	case "D":
		return math.Floor(endNum) - math.Floor(startNum), nil
	case "M":
		months := (endDate.Year()-startDate.Year())*12 + int(endDate.Month()) - int(startDate.Month())
		if endDate.Day() < startDate.Day() {
			months--
		}
		return float64(months), nil
	case "Y":
		years := endDate.Year() - startDate.Year()
		if endDate.Month() < startDate.Month() ||
			(endDate.Month() == startDate.Month() && endDate.Day() < startDate.Day()) {
			years--
		}
		return float64(years), nil
	default:
		return nil, NewSpreadsheetError(ErrorCodeNum, "unsupported DATEDIF unit")
	}
}

// PMT returns the payment for a loan based on constant payments and a
// constant interest rate.
func (bf *BuiltInFunctions) PMT(args ...any) (Primitive, error) {
	if len(args) < 3 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "PMT requires at least 3 arguments")
	}
	for _, a := range args {
		if err := checkForError(a); err != nil {
			return nil, err
		}
	}
	rate, ok := toNumber(args[0])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
	}
	nper, ok := toNumber(args[1])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
	}
	pv, ok := toNumber(args[2])
	if !ok {
		return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
	}
	fv := 0.0
	if len(args) >= 4 {
		fv, ok = toNumber(args[3])
		if !ok {
			return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
		}
	}
	dueAtStart := false
	if len(args) >= 5 {
		t, ok := toNumber(args[4])
		if !ok {
			return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
		}
		dueAtStart = t != 0
	}

	if rate == 0 {
		return -(pv + fv) / nper, nil
	}

	factor := math.Pow(1+rate, nper)
	pmt := rate / (factor - 1) * -(pv*factor + fv)
	if dueAtStart {
		pmt /= 1 + rate
	}
	return pmt, nil
}

// toFloatSlice flattens a Range (which ArrayValue and Array2Value satisfy
// directly, see range.go) or scalar argument into numbers, for functions
// (XIRR) that need a parallel pair of value lists.
func toFloatSlice(value Primitive) ([]float64, error) {
	var raw []Primitive
	if r, ok := value.(Range); ok {
		for val := range r.IterateValues() {
			raw = append(raw, val)
		}
	} else {
		if err := checkForError(value); err != nil {
			return nil, err
		}
		num, ok := toNumber(value)
		if !ok {
			return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
		}
		return []float64{num}, nil
	}

	result := make([]float64, 0, len(raw))
	for _, v := range raw {
		if err := checkForError(v); err != nil {
			return nil, err
		}
		num, ok := toNumber(v)
		if !ok {
			return nil, NewSpreadsheetError(ErrorCodeValue, "#VALUE!")
		}
		result = append(result, num)
	}
	return result, nil
}

// xirrPayment pairs a cash flow amount with its Excel-epoch serial date.
type xirrPayment struct {
	amount float64
	date   float64
}

const (
	xirrMaxError      = 1e-10
	xirrMaxIterations = 50
)

// xirrValue computes the net present value of payments at rate, anchored
// to the earliest payment date.
func xirrValue(payments []xirrPayment, rate float64) float64 {
	first := payments[0].date
	total := 0.0
	for _, p := range payments {
		exp := (p.date - first) / 365.0
		total += p.amount / math.Pow(1+rate, exp)
	}
	return total
}

// dxirrValue is the derivative of xirrValue with respect to rate, used by
// Newton's method.
func dxirrValue(payments []xirrPayment, rate float64) float64 {
	first := payments[0].date
	total := 0.0
	for _, p := range payments {
		exp := (p.date - first) / 365.0
		total += -exp * p.amount / math.Pow(1+rate, exp+1)
	}
	return total
}

// xirrComputeWithGuess runs Newton's method from guess, returning ok=false
// if the derivative vanishes or the iteration fails to converge.
func xirrComputeWithGuess(payments []xirrPayment, guess float64) (float64, bool) {
	rate := guess
	for i := 0; i < xirrMaxIterations; i++ {
		deriv := dxirrValue(payments, rate)
		if deriv == 0 {
			return 0, false
		}
		newRate := rate - xirrValue(payments, rate)/deriv
		if math.Abs(newRate-rate) < xirrMaxError {
			rate = newRate
			break
		}
		rate = newRate
	}
	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		return 0, false
	}
	return rate, true
}

// XIRR computes the internal rate of return for a schedule of cash flows
// at irregular dates. Ported from the Newton's-method implementation with
// a guess sweep fallback (-0.99 to 1.0 step 0.01) on non-convergence.
func (bf *BuiltInFunctions) XIRR(args ...any) (Primitive, error) {
	if len(args) < 2 {
		return nil, NewSpreadsheetError(ErrorCodeNA, "XIRR requires at least 2 arguments")
	}
	values, err := toFloatSlice(args[0])
	if err != nil {
		return nil, err
	}
	dates, err := toFloatSlice(args[1])
	if err != nil {
		return nil, err
	}
	if len(values) != len(dates) || len(values) == 0 {
		return nil, NewSpreadsheetError(ErrorCodeNum, "XIRR values and dates must be the same non-empty length")
	}

	guess := 0.1
	if len(args) >= 3 {
		if g, ok := toNumber(args[2]); ok {
			guess = g
		}
	}

	payments := make([]xirrPayment, len(values))
	hasPositive, hasNegative := false, false
	for i := range values {
		payments[i] = xirrPayment{amount: values[i], date: dates[i]}
		if values[i] > 0 {
			hasPositive = true
		}
		if values[i] < 0 {
			hasNegative = true
		}
	}
	if !hasPositive || !hasNegative {
		return nil, NewSpreadsheetError(ErrorCodeNum, "XIRR requires both a positive and a negative payment")
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].date < payments[j].date })

	if rate, ok := xirrComputeWithGuess(payments, guess); ok {
		return rate, nil
	}
	for g := -0.99; g <= 1.0; g += 0.01 {
		if rate, ok := xirrComputeWithGuess(payments, g); ok {
			return rate, nil
		}
	}

	return nil, NewSpreadsheetError(ErrorCodeNum, "XIRR failed to converge")
}
