package agents

import (
	"cmp"
	"context"
	"reflect"
	"regexp"
	"slices"
	"strings"
	"time"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/rendis/flowrun/internal/expressions"
	"github.com/rendis/flowrun/pkg/schema"
)

// fieldValue reads a dot path from an object item.
func fieldValue(item any, path string) (any, bool) {
	if path == "" {
		return item, true
	}
	return expressions.Traverse(item, path)
}

// --- filter ---

type condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
	re       *regexp.Regexp
}

func opFilter(ctx context.Context, p *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	items, err := toList(data, "filter")
	if err != nil {
		return nil, err
	}

	if expression := stringParam(params, "expression", ""); expression != "" {
		out := make([]any, 0, len(items))
		for i, item := range items {
			ok, err := p.expr.EvaluateBool(ctx, expression, map[string]any{"item": item, "index": i})
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, item)
			}
		}
		return out, nil
	}

	var spec struct {
		Conditions []*condition `json:"conditions"`
		Logic      string       `json:"logic"`
	}
	if err := decodeParams(params, "filter", &spec); err != nil {
		return nil, err
	}
	if len(spec.Conditions) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "filter requires conditions or expression")
	}
	logic := strings.ToLower(spec.Logic)
	if logic == "" {
		logic = "and"
	}
	if logic != "and" && logic != "or" {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "filter: unknown logic %q", spec.Logic)
	}
	for _, c := range spec.Conditions {
		if err := c.prepare(); err != nil {
			return nil, err
		}
	}

	out := make([]any, 0, len(items))
	for _, item := range items {
		keep := logic == "and"
		for _, c := range spec.Conditions {
			m := c.match(item)
			if logic == "and" && !m {
				keep = false
				break
			}
			if logic == "or" && m {
				keep = true
				break
			}
		}
		if keep {
			out = append(out, item)
		}
	}
	return out, nil
}

func (c *condition) prepare() error {
	switch c.Operator {
	case "eq", "neq", "gt", "gte", "lt", "lte", "in", "nin", "contains", "startsWith", "endsWith", "exists":
		return nil
	case "regex":
		pattern, ok := c.Value.(string)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "filter: regex on %q needs a string pattern", c.Field)
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeConfiguration, "filter: invalid regex %q: %v", pattern, err)
		}
		c.re = re
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeConfiguration, "filter: unknown operator %q", c.Operator)
}

func (c *condition) match(item any) bool {
	v, found := fieldValue(item, c.Field)
	switch c.Operator {
	case "exists":
		present := found && v != nil
		if want, ok := c.Value.(bool); ok && !want {
			return !present
		}
		return present
	case "eq":
		return found && equalValues(v, c.Value)
	case "neq":
		return !found || !equalValues(v, c.Value)
	case "gt", "gte", "lt", "lte":
		if !found {
			return false
		}
		r, ok := compareValues(v, c.Value)
		if !ok {
			return false
		}
		switch c.Operator {
		case "gt":
			return r > 0
		case "gte":
			return r >= 0
		case "lt":
			return r < 0
		default:
			return r <= 0
		}
	case "in":
		return found && containsValue(c.Value, v)
	case "nin":
		return !found || !containsValue(c.Value, v)
	case "contains":
		if !found {
			return false
		}
		if s, ok := v.(string); ok {
			sub, ok := c.Value.(string)
			return ok && strings.Contains(s, sub)
		}
		return containsValue(v, c.Value)
	case "startsWith", "endsWith":
		s, ok1 := v.(string)
		affix, ok2 := c.Value.(string)
		if !found || !ok1 || !ok2 {
			return false
		}
		if c.Operator == "startsWith" {
			return strings.HasPrefix(s, affix)
		}
		return strings.HasSuffix(s, affix)
	case "regex":
		s, ok := v.(string)
		return found && ok && c.re.MatchString(s)
	}
	return false
}

func equalValues(a, b any) bool {
	if an, ok := toNumber(a); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func containsValue(list, v any) bool {
	items, err := toList(list, "in")
	if err != nil {
		return false
	}
	for _, item := range items {
		if equalValues(item, v) {
			return true
		}
	}
	return false
}

// compareValues orders two values of the same kind: numbers, strings,
// bools or times.
func compareValues(a, b any) (int, bool) {
	if an, ok := toNumber(a); ok {
		bn, ok := toNumber(b)
		if !ok {
			return 0, false
		}
		return cmp.Compare(an, bn), true
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(av, bv), true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return compareBools(av, bv), true
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}

func compareBools(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	default:
		return 1
	}
}

// --- map / reduce ---

func opMap(ctx context.Context, p *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	items, err := toList(data, "map")
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))

	if expression := stringParam(params, "expression", ""); expression != "" {
		for i, item := range items {
			v, err := p.expr.Evaluate(ctx, expression, map[string]any{"item": item, "index": i})
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	}

	fields, ok := params["fields"].(map[string]any)
	if !ok || len(fields) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "map requires fields or expression")
	}
	for i, item := range items {
		projected := make(map[string]any, len(fields))
		for name, raw := range fields {
			path, ok := raw.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "map: field %q must be a path string", name)
			}
			v, _ := fieldValue(item, path)
			projected[name] = v
		}
		out[i] = projected
	}
	return out, nil
}

func opReduce(ctx context.Context, p *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	items, err := toList(data, "reduce")
	if err != nil {
		return nil, err
	}
	expression := stringParam(params, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "reduce requires expression")
	}
	acc := params["initial"]
	for i, item := range items {
		acc, err = p.expr.Evaluate(ctx, expression, map[string]any{"acc": acc, "item": item, "index": i})
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// --- sort ---

type sortKey struct {
	Field     string `json:"field"`
	Direction string `json:"direction"`
}

func opSort(_ context.Context, _ *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	items, err := toList(data, "sort")
	if err != nil {
		return nil, err
	}
	var spec struct {
		Keys      []sortKey `json:"keys"`
		Field     string    `json:"field"`
		Direction string    `json:"direction"`
		Locale    string    `json:"locale"`
	}
	if err := decodeParams(params, "sort", &spec); err != nil {
		return nil, err
	}
	keys := spec.Keys
	if len(keys) == 0 {
		keys = []sortKey{{Field: spec.Field, Direction: spec.Direction}}
	}
	for _, k := range keys {
		if d := strings.ToLower(k.Direction); d != "" && d != "asc" && d != "desc" {
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "sort: unknown direction %q", k.Direction)
		}
	}
	locale := spec.Locale
	if locale == "" {
		locale = "en"
	}
	tag, err := language.Parse(locale)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "sort: invalid locale %q", locale)
	}
	coll := collate.New(tag)

	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b any) int {
		for _, k := range keys {
			av, _ := fieldValue(a, k.Field)
			bv, _ := fieldValue(b, k.Field)
			// Nulls sort last in either direction.
			switch {
			case av == nil && bv == nil:
				continue
			case av == nil:
				return 1
			case bv == nil:
				return -1
			}
			r := sortCompare(coll, av, bv)
			if strings.EqualFold(k.Direction, "desc") {
				r = -r
			}
			if r != 0 {
				return r
			}
		}
		return 0
	})
	return sorted, nil
}

func sortCompare(coll *collate.Collator, a, b any) int {
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return coll.CompareString(as, bs)
		}
	}
	if r, ok := compareValues(a, b); ok {
		return r
	}
	return coll.CompareString(expressions.Stringify(a), expressions.Stringify(b))
}

// --- group / flatten / unique ---

func opGroup(_ context.Context, _ *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	items, err := toList(data, "group")
	if err != nil {
		return nil, err
	}
	field := stringParam(params, "field", "")
	if field == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "group requires field")
	}
	groups := make(map[string]any)
	for _, item := range items {
		v, _ := fieldValue(item, field)
		key := expressions.Stringify(v)
		list, _ := groups[key].([]any)
		groups[key] = append(list, item)
	}
	return groups, nil
}

func opFlatten(_ context.Context, _ *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	items, err := toList(data, "flatten")
	if err != nil {
		return nil, err
	}
	return flatten(items, intParam(params, "depth", 1)), nil
}

func flatten(items []any, depth int) []any {
	out := make([]any, 0, len(items))
	for _, item := range items {
		if nested, ok := item.([]any); ok && depth > 0 {
			out = append(out, flatten(nested, depth-1)...)
			continue
		}
		out = append(out, item)
	}
	return out
}

func opUnique(_ context.Context, _ *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	items, err := toList(data, "unique")
	if err != nil {
		return nil, err
	}
	field := stringParam(params, "field", "")
	seen := make(map[string]struct{}, len(items))
	out := make([]any, 0, len(items))
	for _, item := range items {
		v, _ := fieldValue(item, field)
		key := expressions.Stringify(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out, nil
}

// --- pick / omit / merge ---

func opPick(_ context.Context, _ *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	fields := stringsParam(params, "fields")
	if len(fields) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "pick requires fields")
	}
	return eachObject(data, "pick", func(obj map[string]any) map[string]any {
		out := make(map[string]any, len(fields))
		for _, f := range fields {
			if v, ok := obj[f]; ok {
				out[f] = v
			}
		}
		return out
	})
}

func opOmit(_ context.Context, _ *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	fields := stringsParam(params, "fields")
	if len(fields) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "omit requires fields")
	}
	return eachObject(data, "omit", func(obj map[string]any) map[string]any {
		out := make(map[string]any, len(obj))
		for k, v := range obj {
			if !slices.Contains(fields, k) {
				out[k] = v
			}
		}
		return out
	})
}

// eachObject applies fn to an object or to every object of an array.
// Non-object array items pass through unchanged.
func eachObject(data any, op string, fn func(map[string]any) map[string]any) (any, error) {
	if obj, ok := data.(map[string]any); ok {
		return fn(obj), nil
	}
	items, err := toList(data, op)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	for i, item := range items {
		if obj, ok := item.(map[string]any); ok {
			out[i] = fn(obj)
		} else {
			out[i] = item
		}
	}
	return out, nil
}

func opMerge(_ context.Context, _ *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	var sources []map[string]any
	switch d := data.(type) {
	case map[string]any:
		sources = append(sources, d)
	default:
		items, err := toList(data, "merge")
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			obj, ok := item.(map[string]any)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "merge expects objects, got %T", item)
			}
			sources = append(sources, obj)
		}
	}
	sources = append(sources, mapsParam(params, "with")...)

	out := make(map[string]any)
	for _, src := range sources {
		for k, v := range src {
			out[k] = v
		}
	}
	return out, nil
}

// --- join ---

func opJoin(_ context.Context, _ *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	left, err := toList(data, "join")
	if err != nil {
		return nil, err
	}
	right, err := toList(params["right"], "join right")
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "join requires a right array")
	}
	leftField := stringParam(params, "leftField", "")
	rightField := stringParam(params, "rightField", leftField)
	if leftField == "" {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "join requires leftField")
	}
	joinType := strings.ToLower(stringParam(params, "type", "inner"))
	switch joinType {
	case "inner", "left", "right", "full":
	default:
		return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "join: unknown type %q", joinType)
	}

	// Only the first right item per key is indexed.
	index := make(map[string]map[string]any, len(right))
	for _, item := range right {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		v, found := fieldValue(obj, rightField)
		if !found {
			continue
		}
		key := expressions.Stringify(v)
		if _, dup := index[key]; !dup {
			index[key] = obj
		}
	}

	matched := make(map[string]bool, len(index))
	out := make([]any, 0, len(left))
	for _, item := range left {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		var r map[string]any
		if v, found := fieldValue(obj, leftField); found {
			key := expressions.Stringify(v)
			if r = index[key]; r != nil {
				matched[key] = true
			}
		}
		switch {
		case r != nil:
			out = append(out, mergeObjects(obj, r))
		case joinType == "left" || joinType == "full":
			out = append(out, mergeObjects(obj, nil))
		}
	}
	if joinType == "right" || joinType == "full" {
		for _, item := range right {
			obj, ok := item.(map[string]any)
			if !ok {
				continue
			}
			v, found := fieldValue(obj, rightField)
			if !found {
				out = append(out, mergeObjects(nil, obj))
				continue
			}
			key := expressions.Stringify(v)
			if !matched[key] {
				matched[key] = true
				out = append(out, mergeObjects(nil, obj))
			}
		}
	}
	return out, nil
}

func mergeObjects(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}

// --- aggregate ---

type aggregation struct {
	Field     string `json:"field"`
	Operation string `json:"operation"`
	As        string `json:"as"`
}

func (a aggregation) name() string {
	if a.As != "" {
		return a.As
	}
	if a.Field == "" {
		return a.Operation
	}
	return a.Field + "_" + a.Operation
}

func opAggregate(_ context.Context, _ *PipelineStrategy, _ *Call, data any, params map[string]any) (any, error) {
	items, err := toList(data, "aggregate")
	if err != nil {
		return nil, err
	}
	var spec struct {
		GroupBy      string        `json:"groupBy"`
		Aggregations []aggregation `json:"aggregations"`
	}
	if err := decodeParams(params, "aggregate", &spec); err != nil {
		return nil, err
	}
	if len(spec.Aggregations) == 0 {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "aggregate requires aggregations")
	}
	for _, a := range spec.Aggregations {
		switch a.Operation {
		case "sum", "avg", "min", "max", "count", "first", "last":
		default:
			return nil, schema.NewErrorf(schema.ErrCodeConfiguration, "aggregate: unknown operation %q", a.Operation)
		}
	}

	if spec.GroupBy == "" {
		return aggregateItems(items, spec.Aggregations), nil
	}

	var order []string
	groups := make(map[string][]any)
	keys := make(map[string]any)
	for _, item := range items {
		v, _ := fieldValue(item, spec.GroupBy)
		key := expressions.Stringify(v)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
			keys[key] = v
		}
		groups[key] = append(groups[key], item)
	}
	out := make([]any, 0, len(order))
	for _, key := range order {
		row := aggregateItems(groups[key], spec.Aggregations)
		row[spec.GroupBy] = keys[key]
		out = append(out, row)
	}
	return out, nil
}

func aggregateItems(items []any, aggs []aggregation) map[string]any {
	row := make(map[string]any, len(aggs))
	for _, a := range aggs {
		row[a.name()] = aggregateOne(items, a)
	}
	return row
}

func aggregateOne(items []any, a aggregation) any {
	switch a.Operation {
	case "count":
		if a.Field == "" {
			return len(items)
		}
		n := 0
		for _, item := range items {
			if v, ok := fieldValue(item, a.Field); ok && v != nil {
				n++
			}
		}
		return n
	case "first", "last":
		if len(items) == 0 {
			return nil
		}
		item := items[0]
		if a.Operation == "last" {
			item = items[len(items)-1]
		}
		v, _ := fieldValue(item, a.Field)
		return v
	}

	var nums []float64
	for _, item := range items {
		v, _ := fieldValue(item, a.Field)
		if n, ok := toNumber(v); ok {
			nums = append(nums, n)
		}
	}
	switch a.Operation {
	case "sum":
		var sum float64
		for _, n := range nums {
			sum += n
		}
		return sum
	case "avg":
		if len(nums) == 0 {
			return nil
		}
		var sum float64
		for _, n := range nums {
			sum += n
		}
		return sum / float64(len(nums))
	case "min":
		if len(nums) == 0 {
			return nil
		}
		return slices.Min(nums)
	case "max":
		if len(nums) == 0 {
			return nil
		}
		return slices.Max(nums)
	}
	return nil
}

// --- transform ---

func opTransform(ctx context.Context, p *PipelineStrategy, call *Call, data any, params map[string]any) (any, error) {
	if jq := stringParam(params, "jq", ""); jq != "" {
		return p.jq.Query(ctx, jq, data)
	}
	tmpl, ok := params["template"]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeConfiguration, "transform requires jq or template")
	}

	render := func(item any, index int) any {
		scope := call.templateScope()
		scope.Extra = map[string]any{"item": item, "index": index}
		return p.resolver.Resolve(tmpl, scope)
	}
	items, ok := data.([]any)
	if !ok {
		return render(data, 0), nil
	}
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = render(item, i)
	}
	return out, nil
}
