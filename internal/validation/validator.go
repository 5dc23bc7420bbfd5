package validation

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Validator validates structs using `validate` tags. Nested structs are
// validated recursively and errors carry the yaml path of the field.
//
// Rules: required, hex=<bytes>, oneof=a|b|c, min=<n>, max=<n>. min and max
// apply to numbers, durations (as Go duration strings) and string lengths.
// Rules other than required are skipped for empty values.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate validates a struct
func (v *Validator) Validate(s interface{}) error {
	val := reflect.ValueOf(s)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return fmt.Errorf("validate expects a struct")
	}

	return v.validateStruct(val, "")
}

func (v *Validator) validateStruct(val reflect.Value, prefix string) error {
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		name := fieldName(fieldType)
		if prefix != "" {
			name = prefix + "." + name
		}

		if tag := fieldType.Tag.Get("validate"); tag != "" {
			if err := v.validateField(field, tag); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}

		if field.Kind() == reflect.Struct && field.Type() != reflect.TypeOf(time.Time{}) {
			if err := v.validateStruct(field, name); err != nil {
				return err
			}
		}
	}

	return nil
}

func fieldName(f reflect.StructField) string {
	if tag := f.Tag.Get("yaml"); tag != "" {
		if name := strings.Split(tag, ",")[0]; name != "" && name != "-" {
			return name
		}
	}
	return f.Name
}

// validateField validates a single field
func (v *Validator) validateField(field reflect.Value, tag string) error {
	for _, rule := range strings.Split(tag, ",") {
		parts := strings.SplitN(rule, "=", 2)
		ruleName := parts[0]
		arg := ""
		if len(parts) == 2 {
			arg = parts[1]
		}

		if ruleName == "required" {
			if field.IsZero() {
				return fmt.Errorf("field is required")
			}
			continue
		}

		if field.IsZero() {
			continue
		}

		switch ruleName {
		case "hex":
			n, err := strconv.Atoi(arg)
			if err != nil {
				return fmt.Errorf("bad hex rule %q", arg)
			}
			b, err := hex.DecodeString(field.String())
			if err != nil {
				return fmt.Errorf("invalid hex: %w", err)
			}
			if n > 0 && len(b) != n {
				return fmt.Errorf("expected %d bytes, got %d", n, len(b))
			}

		case "oneof":
			options := strings.Split(arg, "|")
			s := fmt.Sprint(field.Interface())
			found := false
			for _, o := range options {
				if o == s {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("must be one of %s, got %q", strings.Join(options, ", "), s)
			}

		case "min", "max":
			if err := checkBound(field, ruleName, arg); err != nil {
				return err
			}
		}
	}

	return nil
}

func checkBound(field reflect.Value, rule, arg string) error {
	var value, bound float64

	switch {
	case field.Type() == reflect.TypeOf(time.Duration(0)):
		d, err := time.ParseDuration(arg)
		if err != nil {
			return fmt.Errorf("bad %s rule %q", rule, arg)
		}
		value, bound = float64(field.Int()), float64(d)

	default:
		b, err := strconv.ParseFloat(arg, 64)
		if err != nil {
			return fmt.Errorf("bad %s rule %q", rule, arg)
		}
		bound = b

		switch field.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			value = float64(field.Int())
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			value = float64(field.Uint())
		case reflect.Float32, reflect.Float64:
			value = field.Float()
		case reflect.String, reflect.Slice:
			value = float64(field.Len())
		default:
			return nil
		}
	}

	if rule == "min" && value < bound {
		return fmt.Errorf("minimum is %s", arg)
	}
	if rule == "max" && value > bound {
		return fmt.Errorf("maximum is %s", arg)
	}
	return nil
}
