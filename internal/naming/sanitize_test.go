package naming

import (
	"reflect"
	"strings"
	"testing"
)

func TestColumn_TableDriven(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		c    Case
		in   string
		want string
	}{
		{name: "plain_upper", c: Upper, in: "Email", want: "EMAIL"},
		{name: "plain_lower", c: Lower, in: "Email", want: "email"},
		{name: "preserve", c: Preserve, in: "eMail", want: "eMail"},
		{name: "spaces_and_punct", c: Upper, in: "  First Name (Legal) ", want: "FIRST_NAME_LEGAL"},
		{name: "runs_collapse", c: Upper, in: "a--__--b", want: "A_B"},
		{name: "leading_digit", c: Upper, in: "2024 sales", want: "COL_2024_SALES"},
		{name: "leading_digit_lower", c: Lower, in: "1st", want: "col_1st"},
		{name: "empty", c: Upper, in: "", want: "UNNAMED_COLUMN"},
		{name: "only_symbols", c: Upper, in: "%%%", want: "UNNAMED_COLUMN"},
		{name: "reserved", c: Upper, in: "select", want: "COL_SELECT"},
		{name: "reserved_preserve", c: Preserve, in: "Order", want: "COL_Order"},
		{name: "unicode_replaced", c: Upper, in: "Größe", want: "GR_E"},
		{name: "camel_is_not_split", c: Upper, in: "sourceFile", want: "SOURCEFILE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(tt.c)
			if got := s.Column(tt.in); got != tt.want {
				t.Fatalf("Column(%q)=%q want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestTable_UsesTablePrefixes(t *testing.T) {
	t.Parallel()

	s := New(Lower)
	cases := map[string]string{
		"":              "new_table",
		"2023 report":   "table_2023_report",
		"order":         "t_order",
		"Q1 Sales.xlsx": "q1_sales_xlsx",
	}
	for in, want := range cases {
		if got := s.Table(in); got != want {
			t.Fatalf("Table(%q)=%q want %q", in, got, want)
		}
	}
}

// TestSanitize_Idempotent verifies that sanitizing an already-sanitized name
// returns it unchanged for every case policy.
func TestSanitize_Idempotent(t *testing.T) {
	t.Parallel()

	inputs := []string{
		"", "_", "__x__", "select", "Select", "9lives", "a b c", "ÄÖÜ", "user-id",
		"col_", "UNNAMED_COLUMN", strings.Repeat("x", 200), "1" + strings.Repeat("y", 100),
		"some.nested.key", "T_ORDER", "table",
	}
	for _, c := range []Case{Upper, Lower, Preserve} {
		s := New(c, "custom")
		for _, in := range inputs {
			once := s.Column(in)
			if twice := s.Column(once); twice != once {
				t.Fatalf("case=%s Column not idempotent: %q -> %q -> %q", c, in, once, twice)
			}
			onceT := s.Table(in)
			if twiceT := s.Table(onceT); twiceT != onceT {
				t.Fatalf("case=%s Table not idempotent: %q -> %q -> %q", c, in, onceT, twiceT)
			}
		}
	}
}

func TestColumn_MaxLen(t *testing.T) {
	t.Parallel()

	s := &Sanitizer{MaxLen: 10}
	got := s.Column("abcdefghi_jklmnop")
	if got != "ABCDEFGHI" {
		t.Fatalf("got %q want ABCDEFGHI (trailing _ trimmed after cut)", got)
	}
	if len(New(Upper).Column(strings.Repeat("a", 100))) != DefaultMaxLen {
		t.Fatalf("default max len not applied")
	}
}

func TestColumn_ExtraReservedWords(t *testing.T) {
	t.Parallel()

	s := New(Upper, "pivot")
	if got := s.Column("Pivot"); got != "COL_PIVOT" {
		t.Fatalf("got %q want COL_PIVOT", got)
	}
	if got := New(Upper).Column("Pivot"); got != "PIVOT" {
		t.Fatalf("without extra words got %q want PIVOT", got)
	}
}

func TestUnique_ResolvesCollisionsInOrder(t *testing.T) {
	t.Parallel()

	s := New(Upper)
	got := s.Unique([]string{"Name", "name", "NAME ", "id", "Name_2", ""})
	want := []string{"NAME", "NAME_2", "NAME_3", "ID", "NAME_2_2", "UNNAMED_COLUMN"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Unique=%v want %v", got, want)
	}

	// Already-unique sanitized output is a fixed point.
	if again := s.Unique(got); !reflect.DeepEqual(again, got) {
		t.Fatalf("Unique not idempotent: %v -> %v", got, again)
	}
}

func TestDeduper_SuffixRespectsMaxLen(t *testing.T) {
	t.Parallel()

	s := &Sanitizer{MaxLen: 6}
	d := NewDeduper(s)
	if got := d.Claim("ABCDEF"); got != "ABCDEF" {
		t.Fatalf("first claim=%q", got)
	}
	if got := d.Claim("ABCDEF"); got != "ABCD_2" {
		t.Fatalf("second claim=%q want ABCD_2", got)
	}
}

func TestDeduper_SuffixLongerThanMaxLen(t *testing.T) {
	t.Parallel()

	d := NewDeduper(&Sanitizer{MaxLen: 2})
	if got := d.Claim("AB"); got != "AB" {
		t.Fatalf("first claim=%q", got)
	}
	if got := d.Claim("AB"); got != "_2" {
		t.Fatalf("second claim=%q want _2", got)
	}
	if got := d.Claim("AB"); got != "_3" {
		t.Fatalf("third claim=%q want _3", got)
	}
}

func TestParseCase(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Case{"": Upper, "UPPER": Upper, "lower": Lower, "preserve": Preserve, "junk": Upper} {
		if got := ParseCase(in); got != want {
			t.Fatalf("ParseCase(%q)=%v want %v", in, got, want)
		}
	}
}
