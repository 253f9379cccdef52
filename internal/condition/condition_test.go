package condition

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	tests := []struct {
		input     string
		wantOp    Operator
		wantValue float64
		wantErr   bool
	}{
		{input: "> 20", wantOp: OpGreater, wantValue: 20},
		{input: ">=0.5", wantOp: OpGreaterEqual, wantValue: 0.5},
		{input: "  < -3.25  ", wantOp: OpLess, wantValue: -3.25},
		{input: "<= 100", wantOp: OpLessEqual, wantValue: 100},
		{input: "== 200", wantOp: OpEqual, wantValue: 200},
		{input: "!= 0", wantOp: OpNotEqual, wantValue: 0},
		{input: "", wantErr: true},
		{input: "20", wantErr: true},
		{input: "invalid", wantErr: true},
		{input: "> ", wantErr: true},
		{input: "=> 5", wantErr: true},
		{input: "> 5 and < 10", wantErr: true},
		{input: "> 1e3", wantErr: true},
		{input: "> .5", wantErr: true},
		{input: "= 5", wantErr: true},
		{input: ">> 5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			c, err := Parse(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) expected error, got %+v", tt.input, c)
				}
				var pe *ParseError
				if !errors.As(err, &pe) {
					t.Errorf("error type = %T, want *ParseError", err)
				}
				if !errors.Is(err, ErrInvalidCondition) {
					t.Errorf("error does not wrap ErrInvalidCondition")
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) unexpected error: %v", tt.input, err)
			}
			if c.Op != tt.wantOp {
				t.Errorf("Op = %q, want %q", c.Op, tt.wantOp)
			}
			if c.Threshold != tt.wantValue {
				t.Errorf("Threshold = %v, want %v", c.Threshold, tt.wantValue)
			}
		})
	}
}

func TestConditionEval(t *testing.T) {
	tests := []struct {
		cond  string
		value float64
		want  bool
	}{
		{"> 20", 25, true},
		{"> 20", 15, false},
		{"> 20", 20, false},
		{">= 20", 20, true},
		{"< 0.01", 0.005, true},
		{"<= 0.01", 0.02, false},
		{"== 200", 200, true},
		{"== 200", 503, false},
		{"== 0.3", 0.1 + 0.2, true},
		{"!= 0", 0, false},
		{"!= 0", 1, true},
	}

	for _, tt := range tests {
		c := MustParse(tt.cond)
		if got := c.Eval(tt.value); got != tt.want {
			t.Errorf("%q.Eval(%v) = %v, want %v", tt.cond, tt.value, got, tt.want)
		}
	}
}

func TestConditionString(t *testing.T) {
	c := MustParse("  >=   0.50 ")
	if got := c.String(); got != ">= 0.5" {
		t.Errorf("String() = %q, want %q", got, ">= 0.5")
	}
}

func TestCompareUnknownOperator(t *testing.T) {
	if Compare(1, 1, Operator("~")) {
		t.Error("Compare with unknown operator should be false")
	}
}
