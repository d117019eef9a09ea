package discount

import (
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// ConditionType identifies the predicate a Condition evaluates.
type ConditionType string

const (
	ConditionMinimumAmount     ConditionType = "minimum_amount"
	ConditionCartTotal         ConditionType = "cart_total"
	ConditionMinimumQuantity   ConditionType = "minimum_quantity"
	ConditionCustomerGroup     ConditionType = "customer_group"
	ConditionProductCategory   ConditionType = "product_category"
	ConditionProductBrand      ConditionType = "product_brand"
	ConditionTimePeriod        ConditionType = "time_period"
	ConditionDayOfWeek         ConditionType = "day_of_week"
	ConditionFirstTimeCustomer ConditionType = "first_time_customer"
	ConditionLoyaltyTier       ConditionType = "loyalty_tier"
)

// Operator compares the context value against the condition value.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "not_equals"
	OpGreaterThan        Operator = "greater_than"
	OpGreaterThanOrEqual Operator = "greater_than_or_equal"
	OpLessThan           Operator = "less_than"
	OpLessThanOrEqual    Operator = "less_than_or_equal"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "not_contains"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "not_in"
)

// Condition is a single eligibility predicate attached to a discount. All
// active conditions of a discount must pass.
type Condition struct {
	ID       string
	Type     ConditionType
	Operator Operator
	Value    string
	Position int
	IsActive bool
}

var errMalformedValue = errors.New("malformed condition value")

// ConditionFunc evaluates one condition type. Returning an error is treated
// the same as returning false.
type ConditionFunc func(c Condition, ec *Context) (bool, error)

// Registry maps condition types to their evaluators.
type Registry map[ConditionType]ConditionFunc

// DefaultRegistry returns a registry with every built-in condition type.
func DefaultRegistry() Registry {
	return Registry{
		ConditionMinimumAmount:     evalCartAmount,
		ConditionCartTotal:         evalCartAmount,
		ConditionMinimumQuantity:   evalQuantity,
		ConditionProductCategory:   evalProductCategory,
		ConditionProductBrand:      evalProductBrand,
		ConditionCustomerGroup:     evalCustomerGroup,
		ConditionLoyaltyTier:       evalLoyaltyTier,
		ConditionTimePeriod:        evalTimePeriod,
		ConditionDayOfWeek:         evalDayOfWeek,
		ConditionFirstTimeCustomer: evalFirstTimeCustomer,
	}
}

// Evaluate runs a single condition. Unknown types and evaluator errors fail
// closed.
func (r Registry) Evaluate(c Condition, ec *Context) bool {
	fn, ok := r[c.Type]
	if !ok {
		return false
	}
	passed, err := fn(c, ec)
	if err != nil {
		return false
	}
	return passed
}

// EvaluateAll reports whether every active condition passes, in position order.
// Conditions must already be sorted by Position.
func (r Registry) EvaluateAll(conds []Condition, ec *Context) bool {
	for _, c := range conds {
		if !c.IsActive {
			continue
		}
		if !r.Evaluate(c, ec) {
			return false
		}
	}
	return true
}

func evalCartAmount(c Condition, ec *Context) (bool, error) {
	want, err := decimal.NewFromString(strings.TrimSpace(unquote(c.Value)))
	if err != nil {
		return false, errMalformedValue
	}
	return compareDecimal(ec.Cart.Subtotal, want, c.Operator)
}

func evalQuantity(c Condition, ec *Context) (bool, error) {
	want, err := strconv.Atoi(strings.TrimSpace(unquote(c.Value)))
	if err != nil {
		return false, errMalformedValue
	}
	return compareDecimal(
		decimal.NewFromInt(int64(ec.Cart.TotalQuantity())),
		decimal.NewFromInt(int64(want)),
		c.Operator,
	)
}

func compareDecimal(got, want decimal.Decimal, op Operator) (bool, error) {
	switch op {
	case OpGreaterThanOrEqual, "":
		return got.GreaterThanOrEqual(want), nil
	case OpGreaterThan:
		return got.GreaterThan(want), nil
	case OpLessThan:
		return got.LessThan(want), nil
	case OpLessThanOrEqual:
		return got.LessThanOrEqual(want), nil
	case OpEquals:
		return got.Equal(want), nil
	case OpNotEquals:
		return !got.Equal(want), nil
	default:
		return false, errors.Errorf("operator %q not supported for amounts", op)
	}
}

func evalProductCategory(c Condition, ec *Context) (bool, error) {
	return matchItems(c, ec, func(item LineItem) []string { return item.CategoryIDs })
}

func evalProductBrand(c Condition, ec *Context) (bool, error) {
	return matchItems(c, ec, func(item LineItem) []string {
		if item.BrandID == "" {
			return nil
		}
		return []string{item.BrandID}
	})
}

// matchItems checks whether any cart line carries one of the referenced ids.
func matchItems(c Condition, ec *Context, ids func(LineItem) []string) (bool, error) {
	want, err := decodeStringSet(c.Value)
	if err != nil {
		return false, err
	}
	found := false
	for _, item := range ec.Cart.Items {
		for _, id := range ids(item) {
			if _, ok := want[id]; ok {
				found = true
				break
			}
		}
		if found {
			break
		}
	}
	return applySetOperator(found, c.Operator)
}

func evalCustomerGroup(c Condition, ec *Context) (bool, error) {
	if ec.Customer == nil {
		return false, nil
	}
	return matchValue(c, ec.Customer.Group)
}

func evalLoyaltyTier(c Condition, ec *Context) (bool, error) {
	if ec.Customer == nil {
		return false, nil
	}
	return matchValue(c, ec.Customer.LoyaltyTier)
}

func matchValue(c Condition, got string) (bool, error) {
	want, err := decodeStringSet(c.Value)
	if err != nil {
		return false, err
	}
	_, ok := want[got]
	if got == "" {
		ok = false
	}
	return applySetOperator(ok, c.Operator)
}

func applySetOperator(member bool, op Operator) (bool, error) {
	switch op {
	case OpIn, OpContains, OpEquals, "":
		return member, nil
	case OpNotIn, OpNotContains, OpNotEquals:
		return !member, nil
	default:
		return false, errors.Errorf("operator %q not supported for sets", op)
	}
}

// timeWindow is the decoded value of a time_period condition.
type timeWindow struct {
	from, until        *time.Time
	startTime, endTime int // minutes since midnight
	hasDaily           bool
}

func evalTimePeriod(c Condition, ec *Context) (bool, error) {
	w, err := decodeTimeWindow(c.Value)
	if err != nil {
		return false, err
	}
	now := ec.Now
	inside := true
	if w.from != nil && now.Before(*w.from) {
		inside = false
	}
	if w.until != nil && !now.Before(*w.until) {
		inside = false
	}
	if inside && w.hasDaily {
		minute := now.Hour()*60 + now.Minute()
		if w.startTime <= w.endTime {
			inside = minute >= w.startTime && minute < w.endTime
		} else {
			// Window wraps midnight, e.g. 22:00-02:00.
			inside = minute >= w.startTime || minute < w.endTime
		}
	}
	return applySetOperator(inside, c.Operator)
}

func decodeTimeWindow(raw string) (timeWindow, error) {
	var (
		w                timeWindow
		startSet, endSet bool
	)
	d := jx.DecodeStr(raw)
	if d.Next() != jx.Object {
		return w, errMalformedValue
	}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		v, err := d.Str()
		if err != nil {
			return err
		}
		switch key {
		case "from", "until":
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return err
			}
			if key == "from" {
				w.from = &t
			} else {
				w.until = &t
			}
		case "start_time", "end_time":
			m, err := parseClock(v)
			if err != nil {
				return err
			}
			if key == "start_time" {
				w.startTime, startSet = m, true
			} else {
				w.endTime, endSet = m, true
			}
		}
		return nil
	})
	if err != nil {
		return w, errMalformedValue
	}
	if startSet != endSet {
		return w, errMalformedValue
	}
	w.hasDaily = startSet
	if w.from == nil && w.until == nil && !w.hasDaily {
		return w, errMalformedValue
	}
	return w, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

func evalDayOfWeek(c Condition, ec *Context) (bool, error) {
	set, err := decodeStringSet(c.Value)
	if err != nil {
		return false, err
	}
	days := make(map[time.Weekday]struct{}, len(set))
	for v := range set {
		if day, ok := weekdays[strings.ToLower(v)]; ok {
			days[day] = struct{}{}
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 6 {
			return false, errMalformedValue
		}
		days[time.Weekday(n)] = struct{}{}
	}
	_, ok := days[ec.Now.Weekday()]
	return applySetOperator(ok, c.Operator)
}

func evalFirstTimeCustomer(c Condition, ec *Context) (bool, error) {
	want := true
	if v := strings.TrimSpace(unquote(c.Value)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, errMalformedValue
		}
		want = b
	}
	if ec.Customer == nil {
		return false, nil
	}
	first := ec.Customer.CompletedOrders == 0
	return first == want, nil
}

// decodeStringSet accepts a JSON array of strings/numbers, a JSON string, or
// a bare scalar.
func decodeStringSet(raw string) (map[string]struct{}, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errMalformedValue
	}
	set := make(map[string]struct{})
	if !looksLikeJSON(raw) {
		set[raw] = struct{}{}
		return set, nil
	}
	d := jx.DecodeStr(raw)
	switch d.Next() {
	case jx.Array:
		err := d.Arr(func(d *jx.Decoder) error {
			v, err := decodeScalar(d)
			if err != nil {
				return err
			}
			set[v] = struct{}{}
			return nil
		})
		if err != nil {
			return nil, errMalformedValue
		}
	case jx.String, jx.Number:
		v, err := decodeScalar(d)
		if err != nil {
			return nil, errMalformedValue
		}
		set[v] = struct{}{}
	case jx.Object, jx.Null, jx.Bool:
		return nil, errMalformedValue
	default:
		set[raw] = struct{}{}
	}
	if len(set) == 0 {
		return nil, errMalformedValue
	}
	return set, nil
}

// looksLikeJSON reports whether a condition value is JSON encoded rather
// than a bare scalar such as vip or fri.
func looksLikeJSON(raw string) bool {
	switch c := raw[0]; {
	case c == '[', c == '{', c == '"', c == '-':
		return true
	default:
		return c >= '0' && c <= '9'
	}
}

func decodeScalar(d *jx.Decoder) (string, error) {
	switch d.Next() {
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return "", err
		}
		return n.String(), nil
	default:
		return "", errMalformedValue
	}
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
