package devserver

import (
	"fmt"
	"strconv"
	"strings"
)

var filterOperators = map[string]bool{
	"eq": true, "neq": true, "gt": true, "gte": true, "lt": true, "lte": true, "in": true,
}

// parseFilter splits a PostgREST filter "column=operator.value".
func parseFilter(filter string) (column, operator, value string, err error) {
	column, opValue, ok := strings.Cut(filter, "=")
	if !ok || column == "" {
		return "", "", "", fmt.Errorf("filter %q: expected column=operator.value", filter)
	}
	operator, value, ok = strings.Cut(opValue, ".")
	if !ok {
		return "", "", "", fmt.Errorf("filter %q: missing operator", filter)
	}
	if !filterOperators[operator] {
		return "", "", "", fmt.Errorf("filter %q: unsupported operator %q", filter, operator)
	}
	return column, operator, value, nil
}

// matchesFilter evaluates filter against the new row, or the old row for deletes.
func matchesFilter(filter string, newRow, oldRow map[string]any) bool {
	column, operator, value, err := parseFilter(filter)
	if err != nil {
		return false
	}

	row := newRow
	if row == nil {
		row = oldRow
	}
	if row == nil {
		return false
	}

	rowValue, exists := row[column]
	if !exists {
		return false
	}

	return evaluateOperator(operator, rowValue, value)
}

func evaluateOperator(operator string, rowValue any, filterValue string) bool {
	switch operator {
	case "eq":
		return compareEqual(rowValue, filterValue)
	case "neq":
		return !compareEqual(rowValue, filterValue)
	case "gt", "gte", "lt", "lte":
		cmp, ok := compareNumeric(rowValue, filterValue)
		if !ok {
			return false
		}
		switch operator {
		case "gt":
			return cmp > 0
		case "gte":
			return cmp >= 0
		case "lt":
			return cmp < 0
		default:
			return cmp <= 0
		}
	case "in":
		return compareIn(rowValue, filterValue)
	default:
		return false
	}
}

func compareEqual(rowValue any, filterValue string) bool {
	switch v := rowValue.(type) {
	case string:
		return v == filterValue
	case float64:
		fv, err := strconv.ParseFloat(filterValue, 64)
		return err == nil && v == fv
	case int64:
		iv, err := strconv.ParseInt(filterValue, 10, 64)
		return err == nil && v == iv
	case int:
		iv, err := strconv.Atoi(filterValue)
		return err == nil && v == iv
	case bool:
		bv, err := strconv.ParseBool(filterValue)
		return err == nil && v == bv
	case nil:
		return filterValue == "null"
	default:
		return fmt.Sprintf("%v", v) == filterValue
	}
}

// compareNumeric returns -1, 0 or 1. ok is false when either side is not a number.
func compareNumeric(rowValue any, filterValue string) (int, bool) {
	var rowNum float64
	switch v := rowValue.(type) {
	case float64:
		rowNum = v
	case int64:
		rowNum = float64(v)
	case int:
		rowNum = float64(v)
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		rowNum = n
	default:
		return 0, false
	}

	filterNum, err := strconv.ParseFloat(filterValue, 64)
	if err != nil {
		return 0, false
	}

	switch {
	case rowNum < filterNum:
		return -1, true
	case rowNum > filterNum:
		return 1, true
	}
	return 0, true
}

// compareIn checks membership in "(a,b,c)".
func compareIn(rowValue any, filterValue string) bool {
	filterValue = strings.TrimPrefix(filterValue, "(")
	filterValue = strings.TrimSuffix(filterValue, ")")

	for _, v := range strings.Split(filterValue, ",") {
		if compareEqual(rowValue, strings.TrimSpace(v)) {
			return true
		}
	}
	return false
}
