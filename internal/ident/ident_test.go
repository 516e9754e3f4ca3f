package ident_test

import (
	"slices"
	"testing"

	"github.com/mickamy/auditry/internal/ident"
)

func TestSplitQualified(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name string
		in   string
		want []string
	}{
		{name: "simple", in: "audit_logs", want: []string{"audit_logs"}},
		{name: "schema qualified", in: "audit.audit_logs", want: []string{"audit", "audit_logs"}},
		{name: "quoted schema and space", in: `"Audit"."Log Entry"`, want: []string{"Audit", "Log Entry"}},
		{name: "dot inside quotes", in: `"Audit"."Log.Entry"`, want: []string{"Audit", "Log.Entry"}},
		{name: "escaped quote", in: `"Audit""Zone"."Logs"`, want: []string{`Audit"Zone`, "Logs"}},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ident.SplitQualified(tc.in)
			if !slices.Equal(got, tc.want) {
				t.Fatalf("SplitQualified(%q) = %#v, want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestQuoteQualified(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name string
		in   []string
		want string
	}{
		{name: "simple", in: []string{"audit_logs"}, want: `"audit_logs"`},
		{name: "schema qualified", in: []string{"audit", "audit_logs"}, want: `"audit"."audit_logs"`},
		{name: "needs escaping", in: []string{`Log"Entry`}, want: `"Log""Entry"`},
		{name: "empty", in: nil, want: ""},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ident.QuoteQualified(tc.in)
			if got != tc.want {
				t.Fatalf("QuoteQualified(%#v) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestBaseTableName(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		name string
		in   string
		want string
	}{
		{name: "simple", in: "audit_logs", want: "audit_logs"},
		{name: "schema qualified", in: "audit.audit_logs", want: "audit_logs"},
		{name: "quoted", in: `"Audit"."Logs"`, want: "Logs"},
		{name: "dot in quotes", in: `"Audit"."Log.Entry"`, want: "Log.Entry"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := ident.BaseTableName(tc.in)
			if got != tc.want {
				t.Fatalf("BaseTableName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestTableName(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		in   string
		want string
	}{
		{in: "AuditLog", want: "audit_logs"},
		{in: "User", want: "users"},
		{in: "HTTPRequest", want: "http_requests"},
		{in: "Category", want: "categories"},
	}

	for _, tc := range tcs {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			if got := ident.TableName(tc.in); got != tc.want {
				t.Fatalf("TableName(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSnakeCase(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		in   string
		want string
	}{
		{in: "postTag", want: "post_tag"},
		{in: "UserID", want: "user_id"},
		{in: "already_snake", want: "already_snake"},
	}

	for _, tc := range tcs {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			if got := ident.SnakeCase(tc.in); got != tc.want {
				t.Fatalf("SnakeCase(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
