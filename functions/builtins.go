package functions

import (
	"fmt"
	"strings"
)

func registerBuiltins(r *Registry) {
	r.Register(Function{Name: "COUNT", Kind: Aggregate, Agg: countAgg})
	r.Register(Function{Name: "SUM", Kind: Aggregate, Agg: sumAgg})
	r.Register(Function{Name: "AVG", Kind: Aggregate, Agg: avgAgg})
	r.Register(Function{Name: "MIN", Kind: Aggregate, Agg: minAgg})
	r.Register(Function{Name: "MAX", Kind: Aggregate, Agg: maxAgg})
	r.Register(Function{Name: "CONCAT", Kind: Scalar, Fn: concatScalar})
	r.Register(Function{Name: "UPPER", Kind: Scalar, Fn: upperScalar})
	r.Register(Function{Name: "LOWER", Kind: Scalar, Fn: lowerScalar})
	r.Register(Function{Name: "COALESCE", Kind: Scalar, Fn: coalesceScalar})
}

func countAgg(rows [][]interface{}) (interface{}, error) {
	return float64(len(rows)), nil
}

func sumAgg(rows [][]interface{}) (interface{}, error) {
	var total float64
	for _, args := range rows {
		if len(args) == 0 {
			continue
		}
		total += toFloat(args[0])
	}
	return total, nil
}

func avgAgg(rows [][]interface{}) (interface{}, error) {
	if len(rows) == 0 {
		return 0.0, nil
	}
	sum, err := sumAgg(rows)
	if err != nil {
		return nil, err
	}
	return sum.(float64) / float64(len(rows)), nil
}

func minAgg(rows [][]interface{}) (interface{}, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	min := toFloat(rows[0][0])
	for _, args := range rows[1:] {
		if v := toFloat(args[0]); v < min {
			min = v
		}
	}
	return min, nil
}

func maxAgg(rows [][]interface{}) (interface{}, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	max := toFloat(rows[0][0])
	for _, args := range rows[1:] {
		if v := toFloat(args[0]); v > max {
			max = v
		}
	}
	return max, nil
}

func concatScalar(args []interface{}) (interface{}, error) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(fmt.Sprintf("%v", a))
	}
	return b.String(), nil
}

func upperScalar(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return "", nil
	}
	return strings.ToUpper(fmt.Sprintf("%v", args[0])), nil
}

func lowerScalar(args []interface{}) (interface{}, error) {
	if len(args) == 0 {
		return "", nil
	}
	return strings.ToLower(fmt.Sprintf("%v", args[0])), nil
}

func coalesceScalar(args []interface{}) (interface{}, error) {
	for _, a := range args {
		if a != nil {
			return a, nil
		}
	}
	return nil, nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
